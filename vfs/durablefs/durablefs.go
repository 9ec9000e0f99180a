// Package durablefs layers persistence over memfs. The in-memory tree is the
// working copy; SyncFS reconciles it with a Store in either direction by
// diffing path timestamps.
package durablefs

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
)

// Options configures a durable backend.
type Options struct {
	Store Store
	// AutoPersist schedules a persist pass after every mutation. Mutations
	// within one loop turn share a pass.
	AutoPersist bool
}

type persistState int

const (
	persistIdle persistState = iota
	persistScheduled
	persistRunning
	persistAgain
)

type pass struct {
	populate bool
	done     func(error)
}

// Backend is a memfs whose tree can be persisted to and populated from a
// Store. Sync passes run one at a time; a pass requested while another is
// in flight waits in a queue.
type Backend struct {
	*memfs.Backend
	store   Store
	fs      *vfs.FS
	mount   *vfs.Mount
	queue   []pass
	auto    bool
	busy    bool
	state   persistState
	loading bool
}

// New creates a durable backend. A nil store selects a MemStore.
func New(opts Options) *Backend {
	b := &Backend{store: opts.Store, auto: opts.AutoPersist}
	if b.store == nil {
		b.store = NewMemStore()
	}
	b.Backend = memfs.New(memfs.Options{OnMutate: b.mutated})
	return b
}

func (b *Backend) Name() string { return "durablefs" }

// Store returns the backing store.
func (b *Backend) Store() Store { return b.store }

func (b *Backend) Mount(fs *vfs.FS, m *vfs.Mount) (*vfs.Node, error) {
	root, err := b.Backend.Mount(fs, m)
	if err != nil {
		return nil, err
	}
	b.fs, b.mount = fs, m
	if ms, ok := b.store.(interface{ SetMountpoint(string) error }); ok {
		if err := ms.SetMountpoint(m.Mountpoint); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Persist writes the local tree to the store.
func (b *Backend) Persist(done func(error)) {
	b.SyncFS(b.mount, false, done)
}

// Populate loads the store into the local tree.
func (b *Backend) Populate(done func(error)) {
	b.SyncFS(b.mount, true, done)
}

// SyncFS reconciles the mount with the store. populate selects the direction:
// true copies store to tree, false copies tree to store. If a pass is already
// running, this one starts after it and done is called when it finishes.
func (b *Backend) SyncFS(m *vfs.Mount, populate bool, done func(error)) {
	if b.fs == nil || m == nil {
		done(errors.NotInitialized(errors.PhasePersist, "durable mount"))
		return
	}
	b.queue = append(b.queue, pass{populate: populate, done: done})
	if !b.busy {
		b.next()
	}
}

// Busy reports whether a sync pass is in flight.
func (b *Backend) Busy() bool { return b.busy }

func (b *Backend) next() {
	if len(b.queue) == 0 {
		b.busy = false
		return
	}
	p := b.queue[0]
	b.queue = b.queue[1:]
	b.busy = true
	b.sync(p.populate, func(err error) {
		p.done(err)
		b.next()
	})
}

// asHost runs fn with permission checks off. Reconciliation reads and writes
// the tree on behalf of the host, not the guest.
func (b *Backend) asHost(fn func() error) error {
	prev := b.fs.Permissions()
	b.fs.SetPermissions(false)
	defer b.fs.SetPermissions(prev)
	return fn()
}

func (b *Backend) sync(populate bool, done func(error)) {
	m := b.mount
	start := time.Now()
	finish := func(d diff, err error) {
		if err != nil {
			Logger().Warn("sync failed",
				zap.String("mountpoint", m.Mountpoint),
				zap.Bool("populate", populate),
				zap.Error(err))
		} else if len(d.create)+len(d.remove) > 0 {
			Logger().Debug("synced",
				zap.String("mountpoint", m.Mountpoint),
				zap.Bool("populate", populate),
				zap.Int("created", len(d.create)),
				zap.Int("removed", len(d.remove)),
				zap.Duration("took", time.Since(start)))
		}
		done(err)
	}

	var local, remote map[string]time.Time
	err := b.asHost(func() (err error) {
		local, err = b.localSet(m)
		return err
	})
	if err != nil {
		finish(diff{}, err)
		return
	}
	remote, err = b.store.Timestamps()
	if err != nil {
		finish(diff{}, err)
		return
	}
	if populate {
		b.populate(remote, local, finish)
	} else {
		b.persist(local, remote, finish)
	}
}

func (b *Backend) persist(local, remote map[string]time.Time, finish func(diff, error)) {
	d := reconcile(local, remote)
	if d.empty() {
		finish(d, nil)
		return
	}
	put := make(map[string]Entry, len(d.create))
	err := b.asHost(func() error {
		for _, p := range d.create {
			e, err := b.loadLocal(p)
			if err != nil {
				return err
			}
			put[p] = e
		}
		return nil
	})
	if err != nil {
		finish(d, err)
		return
	}
	b.fs.Go(func() {
		err = b.store.Apply(put, d.remove)
	}, func() {
		finish(d, err)
	})
}

func (b *Backend) populate(remote, local map[string]time.Time, finish func(diff, error)) {
	d := reconcile(remote, local)
	if d.empty() {
		finish(d, nil)
		return
	}
	var (
		entries map[string]Entry
		err     error
	)
	b.fs.Go(func() {
		entries, err = b.store.Load(d.create)
	}, func() {
		if err != nil {
			finish(d, err)
			return
		}
		b.loading = true
		err = b.asHost(func() error {
			for _, p := range d.create {
				if err := b.storeLocal(p, entries[p]); err != nil {
					return err
				}
			}
			for _, p := range d.remove {
				if err := b.removeLocal(p); err != nil {
					return err
				}
			}
			return nil
		})
		b.loading = false
		finish(d, err)
	})
}

func (b *Backend) mutated() {
	if !b.auto || b.loading || b.fs == nil {
		return
	}
	switch b.state {
	case persistIdle:
		b.state = persistScheduled
		b.fs.Post(b.runPersist)
	case persistRunning:
		b.state = persistAgain
	}
}

func (b *Backend) runPersist() {
	b.state = persistRunning
	b.Persist(func(err error) {
		if err != nil {
			Logger().Error("auto persist failed",
				zap.String("mountpoint", b.mount.Mountpoint),
				zap.Error(err))
		}
		if b.state == persistAgain {
			b.runPersist()
			return
		}
		b.state = persistIdle
	})
}

// Pending reports whether an automatic persist pass is scheduled or running.
func (b *Backend) Pending() bool { return b.state != persistIdle }
