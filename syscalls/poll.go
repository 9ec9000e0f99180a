package syscalls

import (
	"context"
	"time"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/engine"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// scan fills revents of every pollfd and returns the number that are ready.
func (k *Kernel) scan(mem wasmkernel.Memory, fds uint32, nfds int32) (int32, error) {
	b, err := mem.Read(fds, uint32(nfds)*pollfdSize)
	if err != nil {
		return 0, err
	}
	var ready int32
	for i := int32(0); i < nfds; i++ {
		rec := b[i*pollfdSize:]
		fd := int32(le.Uint32(rec))
		events := uint32(le.Uint16(rec[4:]))
		var mask uint32
		if fd >= 0 {
			s, err := k.stream(fd)
			if err != nil {
				mask = vfs.POLLNVAL
			} else {
				mask = k.fs.Poll(s) & (events | vfs.POLLERR | vfs.POLLHUP)
			}
		}
		if mask != 0 {
			ready++
		}
		le.PutUint16(rec[6:], uint16(mask))
	}
	return ready, mem.Write(fds, b)
}

// Poll reports readiness of nfds pollfd records at fds. When nothing is
// ready it waits up to timeoutMs, forever if negative, and scans again.
func (k *Kernel) Poll(ctx context.Context, mem wasmkernel.Memory, fds uint32, nfds, timeoutMs int32) (int32, error) {
	if nfds < 0 {
		return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "poll")
	}
	if !k.rewinding() {
		n, err := k.scan(mem, fds, nfds)
		if err != nil || n > 0 || timeoutMs == 0 || k.susp == nil {
			return n, err
		}
	}
	timeout := time.Duration(-1)
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	ready := func() bool {
		n, err := k.scan(mem, fds, nfds)
		return err != nil || n > 0
	}
	if _, err := k.wait(ctx, ready, timeout); err != nil {
		return 0, err
	}
	return k.scan(mem, fds, nfds)
}

// EmscriptenSleep suspends the guest for ms milliseconds.
func (k *Kernel) EmscriptenSleep(ctx context.Context, ms uint32) error {
	if k.susp == nil {
		return errors.Domain(errors.PhaseSyscall, errors.ENOSYS, "emscripten_sleep")
	}
	if err := k.susp.Sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return err
	}
	if k.susp.State() == engine.StateUnwinding {
		return errUnwinding
	}
	return nil
}
