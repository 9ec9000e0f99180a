// Package resource provides the handle tables the kernel builds on.
//
// Two table shapes are provided:
//
//	Arena[T]  - monotonically increasing handles, never reused (filesystem nodes)
//	Slots[T]  - lowest-free small integers with a capacity bound (descriptors)
//
// # Arena
//
// Nodes reference their parent and mount by handle rather than by pointer, so
// the tree has no ownership cycles:
//
//	nodes := resource.NewArena[*Node]()
//	h := nodes.Insert(n)
//	n, ok := nodes.Get(h)
//	nodes.Remove(h)
//
// # Slots
//
// Descriptor numbers are re-issued from the lowest free slot:
//
//	fds := resource.NewSlots[*Stream](4096)
//	fd, err := fds.Insert(stream, 0)   // lowest free >= 0
//	fd, err = fds.Insert(stream, 10)   // F_DUPFD semantics
//	err = fds.InsertAt(1, stream)      // fixed slot
//
// # Observers
//
// Both tables notify subscribers on insert and remove:
//
//	fds.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    log.Printf("fd %d %s", e.Slot, e.Type)
//	}))
//
// # Thread Safety
//
// Tables are not synchronized. The kernel touches them only from its event
// loop goroutine.
package resource
