package vfs

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/resource"
)

// Executor schedules a closure on the goroutine that owns the filesystem.
type Executor interface {
	Post(fn func())
}

// Options configures a new filesystem.
type Options struct {
	// Executor receives host events (transport callbacks, store completions).
	// Without one, posted closures run inline, which is only safe when every
	// caller is already on the owning goroutine.
	Executor Executor
	// Clock overrides time.Now for timestamps.
	Clock func() time.Time
	// Permissions enables mode-bit checks. Disabled means a trusted guest.
	Permissions bool
}

// FS is the per-process filesystem context: node arena, name index, mount
// table, descriptor table and device registry.
//
// FS is not synchronized. It must only be used from the goroutine that runs
// the guest, with host events delivered through Post.
type FS struct {
	exec        Executor
	now         func() time.Time
	nodes       *resource.Arena[*Node]
	streams     *resource.Slots[*Stream]
	index       nameIndex
	devices     map[uint32]StreamOps
	watchers    map[int]func()
	root        *Node
	cwd         string
	nextWatch   int
	permissions bool
}

// New creates an empty filesystem. Mount a root backend before use.
func New(opts Options) *FS {
	fs := &FS{
		exec:        opts.Executor,
		now:         opts.Clock,
		nodes:       resource.NewArena[*Node](),
		streams:     resource.NewSlots[*Stream](MaxOpenFDs),
		index:       make(nameIndex, 256),
		devices:     make(map[uint32]StreamOps),
		watchers:    make(map[int]func()),
		cwd:         "/",
		permissions: opts.Permissions,
	}
	if fs.now == nil {
		fs.now = time.Now
	}
	fs.streams.Subscribe(resource.ObserverFunc(func(e resource.Event) {
		if s, ok := e.Value.(*Stream); ok {
			Logger().Debug("descriptor "+e.Type.String(),
				zap.Int("fd", e.Slot),
				zap.String("path", s.Path))
		}
	}))
	return fs
}

// Now returns the filesystem clock.
func (fs *FS) Now() time.Time { return fs.now() }

// Root returns the process root node, or nil before the root mount.
func (fs *FS) Root() *Node { return fs.root }

// SetPermissions toggles mode-bit enforcement.
func (fs *FS) SetPermissions(enabled bool) { fs.permissions = enabled }

// Permissions reports whether mode-bit enforcement is on.
func (fs *FS) Permissions() bool { return fs.permissions }

// Post schedules fn on the owning goroutine.
func (fs *FS) Post(fn func()) {
	if fs.exec == nil {
		fn()
		return
	}
	fs.exec.Post(fn)
}

// Go runs work on a new goroutine and posts then back to the owning goroutine.
// Without an executor both run inline.
func (fs *FS) Go(work func(), then func()) {
	if fs.exec == nil {
		work()
		then()
		return
	}
	go func() {
		work()
		fs.exec.Post(then)
	}()
}

// Watch registers fn to be called whenever a stream may have become ready.
// The returned function cancels the registration.
func (fs *FS) Watch(fn func()) (cancel func()) {
	id := fs.nextWatch
	fs.nextWatch++
	fs.watchers[id] = fn
	return func() { delete(fs.watchers, id) }
}

// NotifyReady wakes every watcher. Backends call it when data arrives or a
// peer changes state.
func (fs *FS) NotifyReady() {
	if len(fs.watchers) == 0 {
		return
	}
	fns := make([]func(), 0, len(fs.watchers))
	for _, fn := range fs.watchers {
		fns = append(fns, fn)
	}
	for _, fn := range fns {
		fn()
	}
}

// Cwd returns the current working directory.
func (fs *FS) Cwd() string { return fs.cwd }

// Chdir changes the working directory.
func (fs *FS) Chdir(p string) error {
	res, err := fs.LookupPath(p, LookupOptions{Follow: true})
	if err != nil {
		return err
	}
	if res.Node == nil {
		return errors.PathError(errors.PhaseNode, errors.ENOENT, "chdir", p)
	}
	if !res.Node.Mode.IsDir() {
		return errors.PathError(errors.PhaseNode, errors.ENOTDIR, "chdir", p)
	}
	if err := fs.nodePermissions(res.Node, accessExec); err != nil {
		return err
	}
	fs.cwd = res.Path
	return nil
}
