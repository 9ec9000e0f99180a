package resource

// Slots is a bounded table of small non-negative indices. New entries take the
// lowest free index, so a closed slot is the first to be handed out again.
type Slots[T any] struct {
	entries []slot[T]
	max     int
	live    int
	observers
}

type slot[T any] struct {
	value T
	valid bool
}

// NewSlots creates a table holding at most limit entries.
func NewSlots[T any](limit int) *Slots[T] {
	return &Slots[T]{
		entries: make([]slot[T], 0, 16),
		max:     limit,
	}
}

// Max returns the capacity bound.
func (s *Slots[T]) Max() int {
	return s.max
}

// Insert stores value at the lowest free index >= lowest.
func (s *Slots[T]) Insert(value T, lowest int) (int, error) {
	if lowest < 0 {
		return -1, ErrRange
	}
	for i := lowest; i < s.max; i++ {
		if i >= len(s.entries) || !s.entries[i].valid {
			s.put(i, value)
			return i, nil
		}
	}
	return -1, ErrExhausted
}

// InsertAt stores value at exactly idx. The slot must be free.
func (s *Slots[T]) InsertAt(idx int, value T) error {
	if idx < 0 || idx >= s.max {
		return ErrRange
	}
	if idx < len(s.entries) && s.entries[idx].valid {
		return ErrInUse
	}
	s.put(idx, value)
	return nil
}

func (s *Slots[T]) put(idx int, value T) {
	for len(s.entries) <= idx {
		s.entries = append(s.entries, slot[T]{})
	}
	s.entries[idx] = slot[T]{value: value, valid: true}
	s.live++
	s.notify(Event{Type: EventCreated, Slot: idx, Value: value})
}

// Get retrieves the value at idx.
func (s *Slots[T]) Get(idx int) (T, bool) {
	if idx < 0 || idx >= len(s.entries) || !s.entries[idx].valid {
		var zero T
		return zero, false
	}
	return s.entries[idx].value, true
}

// Remove frees idx and returns the value it held.
func (s *Slots[T]) Remove(idx int) (T, bool) {
	var zero T
	if idx < 0 || idx >= len(s.entries) || !s.entries[idx].valid {
		return zero, false
	}
	v := s.entries[idx].value
	s.entries[idx] = slot[T]{}
	s.live--
	for n := len(s.entries); n > 0 && !s.entries[n-1].valid; n-- {
		s.entries = s.entries[:n-1]
	}
	s.notify(Event{Type: EventDropped, Slot: idx, Value: v})
	return v, true
}

// Len returns the number of occupied slots.
func (s *Slots[T]) Len() int {
	return s.live
}

// Each iterates over occupied slots in index order.
func (s *Slots[T]) Each(fn func(int, T) bool) {
	for i, e := range s.entries {
		if e.valid && !fn(i, e.value) {
			return
		}
	}
}
