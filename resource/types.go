package resource

import "errors"

// Handle is an opaque reference to an entry in an Arena.
// Handle 0 is reserved and always invalid.
type Handle uint32

var (
	ErrExhausted = errors.New("no free slot")
	ErrInUse     = errors.New("slot in use")
	ErrRange     = errors.New("slot out of range")
)

// Event types for lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDropped:
		return "dropped"
	}
	return "unknown"
}

// Event represents a lifecycle event. Slot is the table index for slot tables
// and the handle value for arenas.
type Event struct {
	Value any
	Slot  int
	Type  EventType
}

// Observer receives notifications about lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Dropper is optionally implemented by values that need cleanup when their
// table is cleared.
type Dropper interface {
	Drop()
}

type observers struct {
	list []Observer
}

func (o *observers) Subscribe(obs Observer) {
	o.list = append(o.list, obs)
}

func (o *observers) notify(e Event) {
	for _, obs := range o.list {
		obs.OnResourceEvent(e)
	}
}
