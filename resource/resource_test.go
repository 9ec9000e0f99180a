package resource

import (
	"errors"
	"testing"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnResourceEvent(e Event) {
	o.events = append(o.events, e)
}

type dropValue struct {
	dropped bool
}

func (d *dropValue) Drop() { d.dropped = true }

func TestArena_Basic(t *testing.T) {
	a := NewArena[string]()

	h1 := a.Insert("root")
	h2 := a.Insert("tmp")
	if h1 != 1 || h2 != 2 {
		t.Fatalf("handles = %d, %d, want 1, 2", h1, h2)
	}

	v, ok := a.Get(h2)
	if !ok || v != "tmp" {
		t.Fatalf("Get(%d) = %q, %v", h2, v, ok)
	}

	if _, ok := a.Remove(h1); !ok {
		t.Fatal("Remove failed")
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("removed handle still resolves")
	}

	h3 := a.Insert("home")
	if h3 != 3 {
		t.Errorf("handle reused: got %d, want 3", h3)
	}
	if a.Reserve() != 4 {
		t.Errorf("Reserve() = %d, want 4", a.Reserve())
	}
	if a.Len() != 2 {
		t.Errorf("Len() = %d, want 2", a.Len())
	}
}

func TestArena_ClearDrops(t *testing.T) {
	a := NewArena[*dropValue]()
	v := &dropValue{}
	a.Insert(v)

	obs := &testObserver{}
	a.Subscribe(obs)
	a.Clear()

	if !v.dropped {
		t.Error("Clear did not call Drop")
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d after Clear", a.Len())
	}
	if len(obs.events) != 1 || obs.events[0].Type != EventDropped {
		t.Errorf("events = %+v", obs.events)
	}
}

func TestSlots_LowestFree(t *testing.T) {
	s := NewSlots[string](8)

	for i, name := range []string{"stdin", "stdout", "stderr"} {
		idx, err := s.Insert(name, 0)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if idx != i {
			t.Errorf("Insert(%q) = %d, want %d", name, idx, i)
		}
	}

	s.Remove(1)
	idx, _ := s.Insert("reopened", 0)
	if idx != 1 {
		t.Errorf("expected freed slot 1 to be reused, got %d", idx)
	}

	idx, _ = s.Insert("dup", 5)
	if idx != 5 {
		t.Errorf("Insert with min 5 = %d", idx)
	}
	idx, _ = s.Insert("next", 0)
	if idx != 3 {
		t.Errorf("Insert after gap = %d, want 3", idx)
	}
}

func TestSlots_Bounds(t *testing.T) {
	s := NewSlots[int](2)

	if _, err := s.Insert(1, -1); !errors.Is(err, ErrRange) {
		t.Errorf("negative min: %v", err)
	}
	s.Insert(1, 0)
	s.Insert(2, 0)
	if _, err := s.Insert(3, 0); !errors.Is(err, ErrExhausted) {
		t.Errorf("full table: %v", err)
	}
	if err := s.InsertAt(1, 9); !errors.Is(err, ErrInUse) {
		t.Errorf("InsertAt busy: %v", err)
	}
	if err := s.InsertAt(2, 9); !errors.Is(err, ErrRange) {
		t.Errorf("InsertAt past max: %v", err)
	}
	if _, ok := s.Get(7); ok {
		t.Error("Get out of range should fail")
	}
	if _, ok := s.Remove(-1); ok {
		t.Error("Remove(-1) should fail")
	}
}

func TestSlots_Observer(t *testing.T) {
	s := NewSlots[string](4)
	obs := &testObserver{}
	s.Subscribe(obs)

	idx, _ := s.Insert("a", 0)
	s.Remove(idx)

	if len(obs.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(obs.events))
	}
	if obs.events[0].Type != EventCreated || obs.events[1].Type != EventDropped {
		t.Errorf("events = %+v", obs.events)
	}
	if obs.events[1].Value != "a" {
		t.Errorf("dropped value = %v", obs.events[1].Value)
	}
}

func TestSlots_Each(t *testing.T) {
	s := NewSlots[string](8)
	s.InsertAt(4, "e")
	s.InsertAt(1, "b")

	var order []int
	s.Each(func(i int, _ string) bool {
		order = append(order, i)
		return true
	})
	if len(order) != 2 || order[0] != 1 || order[1] != 4 {
		t.Errorf("Each order = %v", order)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d", s.Len())
	}
}
