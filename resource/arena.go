package resource

// Arena stores values under monotonically increasing handles. Handles are never
// reused, so a stale handle can only miss, never alias a newer entry.
type Arena[T any] struct {
	entries map[Handle]T
	next    Handle
	observers
}

// NewArena creates an empty arena whose first handle is 1.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{
		entries: make(map[Handle]T, 64),
		next:    1,
	}
}

// Insert stores value and returns its handle.
func (a *Arena[T]) Insert(value T) Handle {
	h := a.next
	a.next++
	a.entries[h] = value
	a.notify(Event{Type: EventCreated, Slot: int(h), Value: value})
	return h
}

// Reserve returns the handle the next Insert will use.
func (a *Arena[T]) Reserve() Handle {
	return a.next
}

// Get retrieves a value by handle.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	v, ok := a.entries[h]
	return v, ok
}

// Remove drops an entry and returns its value.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	v, ok := a.entries[h]
	if !ok {
		return v, false
	}
	delete(a.entries, h)
	a.notify(Event{Type: EventDropped, Slot: int(h), Value: v})
	return v, true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	return len(a.entries)
}

// Each iterates over live entries in no particular order.
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	for h, v := range a.entries {
		if !fn(h, v) {
			return
		}
	}
}

// Clear drops every entry, calling Drop on values that implement Dropper.
func (a *Arena[T]) Clear() {
	for h, v := range a.entries {
		delete(a.entries, h)
		if d, ok := any(v).(Dropper); ok {
			d.Drop()
		}
		a.notify(Event{Type: EventDropped, Slot: int(h), Value: v})
	}
}
