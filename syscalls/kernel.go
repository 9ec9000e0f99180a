package syscalls

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"go.uber.org/zap"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/engine"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/pipefs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
	"github.com/wippyai/wasm-kernel/vfs/vpath"
)

// AT_* values of the *at family.
const (
	AT_FDCWD            = -100
	AT_SYMLINK_NOFOLLOW = 0x100
	AT_REMOVEDIR        = 0x200
	AT_EMPTY_PATH       = 0x1000
)

// Options wires a Kernel to a process.
type Options struct {
	FS      *vfs.FS
	Pipes   *pipefs.Backend
	Sockets *sockfs.Backend
	// Suspender enables blocking calls. Without one, calls that would block
	// fail with EAGAIN.
	Suspender *engine.Suspender
	// Random backs random_get and defaults to crypto/rand.
	Random io.Reader
	Args   []string
	Env    []string
}

// Kernel serves guest syscalls against a process filesystem. Every method
// runs on the goroutine that owns the filesystem.
type Kernel struct {
	fs       *vfs.FS
	pipes    *pipefs.Backend
	sockets  *sockfs.Backend
	susp     *engine.Suspender
	random   io.Reader
	alloc    wasmkernel.Allocator
	args     []string
	env      []string
	start    time.Time
	exitCode int32
	exited   bool
}

// New creates a kernel.
func New(opts Options) *Kernel {
	k := &Kernel{
		fs:      opts.FS,
		pipes:   opts.Pipes,
		sockets: opts.Sockets,
		susp:    opts.Suspender,
		random:  opts.Random,
		args:    opts.Args,
		env:     opts.Env,
		start:   opts.FS.Now(),
	}
	if k.random == nil {
		k.random = rand.Reader
	}
	return k
}

// SetAllocator binds the guest heap used to place mmap regions.
func (k *Kernel) SetAllocator(a wasmkernel.Allocator) { k.alloc = a }

// SetSuspender enables blocking calls once the guest exposes asyncify.
func (k *Kernel) SetSuspender(s *engine.Suspender) { k.susp = s }

// FS returns the process filesystem.
func (k *Kernel) FS() *vfs.FS { return k.fs }

// Exited reports whether the guest called proc_exit, and with which code.
func (k *Kernel) Exited() (int32, bool) { return k.exitCode, k.exited }

// errUnwinding tells the host binding that a blocking call started an unwind
// and its return value is ignored by the guest.
var errUnwinding = errors.New(errors.PhaseSuspend, errors.KindProtocol).
	Detail("guest unwinding").
	Build()

func (k *Kernel) rewinding() bool {
	return k.susp != nil && k.susp.State() == engine.StateRewinding
}

// wait suspends the guest until ready reports true or timeout expires. A
// negative timeout waits forever. It reports whether ready fired; the result
// is only meaningful when err is nil.
func (k *Kernel) wait(ctx context.Context, ready func() bool, timeout time.Duration) (bool, error) {
	if k.susp == nil {
		return false, errors.Domain(errors.PhaseSyscall, errors.EAGAIN, "wait")
	}
	v, err := k.susp.HandleSleep(ctx, func(wakeUp func(uint64)) {
		if ready() {
			wakeUp(1)
			return
		}
		var (
			cancelWatch func()
			cancelTimer func() bool
			done        bool
		)
		finish := func(v uint64) {
			if done {
				return
			}
			done = true
			cancelWatch()
			if cancelTimer != nil {
				cancelTimer()
			}
			wakeUp(v)
		}
		cancelWatch = k.fs.Watch(func() {
			if ready() {
				finish(1)
			}
		})
		if timeout >= 0 {
			cancelTimer = k.susp.AfterFunc(timeout, func() { finish(0) })
		}
	})
	if err != nil {
		return false, err
	}
	if k.susp.State() == engine.StateUnwinding {
		return false, errUnwinding
	}
	return v == 1, nil
}

// blocking runs op, and while it would block on a blocking descriptor waits
// for s to report one of events and retries. A replayed call skips straight
// to the wait it was suspended in.
func (k *Kernel) blocking(ctx context.Context, s *vfs.Stream, events uint32, nonblock bool, op func() (int, error)) (int, error) {
	for {
		if !k.rewinding() {
			n, err := op()
			if code, _ := errors.ToErrno(err); code != errors.EAGAIN || nonblock || s.Flags()&vfs.O_NONBLOCK != 0 || k.susp == nil {
				return n, err
			}
			Logger().Debug("blocking", zap.Int32("fd", s.FD), zap.String("path", s.Path))
		}
		ready := func() bool { return s.IsClosed() || k.fs.Poll(s)&(events|vfs.POLLHUP|vfs.POLLERR) != 0 }
		if _, err := k.wait(ctx, ready, -1); err != nil {
			return 0, err
		}
	}
}

func (k *Kernel) stream(fd int32) (*vfs.Stream, error) {
	return k.fs.GetStream(fd)
}

func (k *Kernel) socket(fd int32) (*sockfs.Socket, error) {
	s, err := k.fs.GetStream(fd)
	if err != nil {
		return nil, err
	}
	sock, ok := sockfs.FromStream(s)
	if !ok {
		return nil, errors.Domain(errors.PhaseSyscall, errors.ENOTSOCK, "socket")
	}
	return sock, nil
}

// at resolves path relative to dirfd. An empty path names dirfd itself when
// allowEmpty is set.
func (k *Kernel) at(dirfd int32, p string, allowEmpty bool) (string, error) {
	if vpath.IsAbs(p) {
		return p, nil
	}
	var dir string
	if dirfd == AT_FDCWD {
		dir = k.fs.Cwd()
	} else {
		s, err := k.stream(dirfd)
		if err != nil {
			return "", err
		}
		if s.Node == nil || !s.Node.Mode.IsDir() {
			if p == "" && allowEmpty {
				return s.Path, nil
			}
			return "", errors.Domain(errors.PhaseSyscall, errors.ENOTDIR, "at")
		}
		dir = s.Path
	}
	if p == "" {
		if !allowEmpty {
			return "", errors.PathError(errors.PhaseSyscall, errors.ENOENT, "at", p)
		}
		return dir, nil
	}
	return vpath.Join(dir, p), nil
}

// atPath reads the path argument of an *at call and resolves it.
func (k *Kernel) atPath(mem wasmkernel.Memory, dirfd int32, ptr uint32, allowEmpty bool) (string, error) {
	p, err := readString(mem, ptr)
	if err != nil {
		return "", err
	}
	return k.at(dirfd, p, allowEmpty)
}

// varargs walks the argument area of a variadic call.
type varargs struct {
	mem wasmkernel.Memory
	ptr uint32
}

func (v *varargs) i32() (int32, error) {
	if v.ptr == 0 {
		return 0, errors.Domain(errors.PhaseSyscall, errors.EFAULT, "varargs")
	}
	x, err := v.mem.ReadU32(v.ptr)
	v.ptr += 4
	return int32(x), err
}

func (v *varargs) ptr32() (uint32, error) {
	x, err := v.i32()
	return uint32(x), err
}
