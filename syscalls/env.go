package syscalls

import (
	"io"
	"math"
	"time"

	"go.uber.org/zap"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
)

// WASI clock ids.
const (
	clockRealtime       = 0
	clockMonotonic      = 1
	clockProcessCPUTime = 2
	clockThreadCPUTime  = 3
)

func stringsSize(list []string) (count, size uint32) {
	for _, s := range list {
		size += uint32(len(s)) + 1
	}
	return uint32(len(list)), size
}

// putStrings stores list as NUL-terminated strings in buf and their
// addresses in the pointer array at ptrs.
func putStrings(mem wasmkernel.Memory, list []string, ptrs, buf uint32) error {
	for i, s := range list {
		if err := mem.WriteU32(ptrs+uint32(i)*4, buf); err != nil {
			return err
		}
		if err := mem.Write(buf, append([]byte(s), 0)); err != nil {
			return err
		}
		buf += uint32(len(s)) + 1
	}
	return nil
}

// ArgsSizesGet stores the argument count and buffer size.
func (k *Kernel) ArgsSizesGet(mem wasmkernel.Memory, countPtr, sizePtr uint32) error {
	count, size := stringsSize(k.args)
	if err := mem.WriteU32(countPtr, count); err != nil {
		return err
	}
	return mem.WriteU32(sizePtr, size)
}

// ArgsGet stores the arguments.
func (k *Kernel) ArgsGet(mem wasmkernel.Memory, argv, buf uint32) error {
	return putStrings(mem, k.args, argv, buf)
}

// EnvironSizesGet stores the environment count and buffer size.
func (k *Kernel) EnvironSizesGet(mem wasmkernel.Memory, countPtr, sizePtr uint32) error {
	count, size := stringsSize(k.env)
	if err := mem.WriteU32(countPtr, count); err != nil {
		return err
	}
	return mem.WriteU32(sizePtr, size)
}

// EnvironGet stores the KEY=VALUE environment.
func (k *Kernel) EnvironGet(mem wasmkernel.Memory, environ, buf uint32) error {
	return putStrings(mem, k.env, environ, buf)
}

func (k *Kernel) monotonic() time.Duration {
	return k.fs.Now().Sub(k.start)
}

// ClockTimeGet stores the nanosecond time of clock id at ptr.
func (k *Kernel) ClockTimeGet(mem wasmkernel.Memory, id int32, _ int64, ptr uint32) error {
	var ns int64
	switch id {
	case clockRealtime:
		ns = k.fs.Now().UnixNano()
	case clockMonotonic, clockProcessCPUTime, clockThreadCPUTime:
		ns = int64(k.monotonic())
	default:
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "clock_time_get")
	}
	return mem.WriteU64(ptr, uint64(ns))
}

// DateNow returns wall-clock milliseconds since the epoch.
func (k *Kernel) DateNow() float64 {
	return float64(k.fs.Now().UnixNano()) / float64(time.Millisecond)
}

// Now returns monotonic milliseconds since the process started.
func (k *Kernel) Now() float64 {
	return float64(k.monotonic()) / float64(time.Millisecond)
}

// RandomGet fills n bytes at ptr from the random source.
func (k *Kernel) RandomGet(mem wasmkernel.Memory, ptr, n uint32) error {
	buf := make([]byte, n)
	if _, err := io.ReadFull(k.random, buf); err != nil {
		return errors.New(errors.PhaseSyscall, errors.KindErrno).
			Errno(errors.EIO).
			Op("random_get").
			Cause(err).
			Build()
	}
	return mem.Write(ptr, buf)
}

// Exit records the exit status of the guest.
func (k *Kernel) Exit(code int32) {
	k.exitCode = code
	k.exited = true
	Logger().Debug("exit", zap.Int32("code", code))
}

// Tzset describes the zone of the process, which is always UTC.
func (k *Kernel) Tzset(mem wasmkernel.Memory, timezone, daylight, stdName, dstName uint32) error {
	if err := mem.WriteU32(timezone, 0); err != nil {
		return err
	}
	if err := mem.WriteU32(daylight, 0); err != nil {
		return err
	}
	if _, err := writeString(mem, "UTC", stdName, 7); err != nil {
		return err
	}
	_, err := writeString(mem, "UTC", dstName, 7)
	return err
}

// Gmtime breaks sec down into the struct tm at ptr. Localtime is the same
// call, as the process zone is UTC.
func (k *Kernel) Gmtime(mem wasmkernel.Memory, sec int64, ptr uint32) error {
	return mem.Write(ptr, encodeTm(time.Unix(sec, 0).UTC()))
}

// Timegm normalizes the struct tm at ptr in place and returns its epoch
// seconds. Mktime is the same call.
func (k *Kernel) Timegm(mem wasmkernel.Memory, ptr uint32) (int64, error) {
	b, err := mem.Read(ptr, tmSize)
	if err != nil {
		return 0, err
	}
	t := decodeTm(b, time.UTC)
	if err := mem.Write(ptr, encodeTm(t)); err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// maxHeap is the largest linear memory a wasm32 guest can address.
const maxHeap = math.MaxUint32 - 65535

// ResizeHeap grows guest memory to at least size bytes through grow, which
// takes a page delta and reports success.
func (k *Kernel) ResizeHeap(mem wasmkernel.Memory, size uint32, grow func(pages uint32) bool) bool {
	cur := mem.Size()
	if size <= cur {
		return true
	}
	if size > maxHeap {
		return false
	}
	target := max(uint64(size), uint64(cur)+uint64(cur)/5)
	target = min((target+65535)&^65535, maxHeap+1)
	if target < uint64(size) {
		return false
	}
	return grow(uint32((target - uint64(cur) + 65535) / 65536))
}
