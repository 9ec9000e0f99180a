package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
)

// Controller flips a guest between running, unwinding and rewinding.
// *Asyncify implements it for modules built with wasm-opt --asyncify.
type Controller interface {
	StartUnwind(ctx context.Context) error
	StopUnwind(ctx context.Context) error
	StartRewind(ctx context.Context) error
	StopRewind(ctx context.Context) error
}

// Func is a guest export. api.Function satisfies it.
type Func interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Asyncify drives the Binaryen asyncify exports of a guest module.
//
// Data region layout at dataAddr:
//   - [0:4] stack pointer (grows upward from dataAddr+8)
//   - [4:8] stack end
//   - [8:8+stackSize] saved locals and call indices
type Asyncify struct {
	exports struct {
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
	memory    api.Memory
	dataAddr  uint32
	stackSize uint32
}

const (
	AsyncifyDataAddr         uint32 = 16
	AsyncifyDefaultStackSize uint32 = 64 << 10
)

// NewAsyncify creates a driver with the default data region.
func NewAsyncify() *Asyncify {
	return &Asyncify{
		dataAddr:  AsyncifyDataAddr,
		stackSize: AsyncifyDefaultStackSize,
	}
}

func (a *Asyncify) SetStackSize(size uint32) { a.stackSize = size }
func (a *Asyncify) SetDataAddr(addr uint32)  { a.dataAddr = addr }
func (a *Asyncify) DataAddr() uint32         { return a.dataAddr }

// Init binds the asyncify exports of mod. When the module exports malloc the
// data region is allocated from the guest heap; otherwise the fixed address
// set with SetDataAddr is used.
func (a *Asyncify) Init(ctx context.Context, mod api.Module) error {
	a.memory = mod.Memory()
	if a.memory == nil {
		return errors.NotInitialized(errors.PhaseSuspend, "guest memory")
	}

	a.exports.startUnwind = mod.ExportedFunction("asyncify_start_unwind")
	a.exports.stopUnwind = mod.ExportedFunction("asyncify_stop_unwind")
	a.exports.startRewind = mod.ExportedFunction("asyncify_start_rewind")
	a.exports.stopRewind = mod.ExportedFunction("asyncify_stop_rewind")
	if a.exports.startUnwind == nil || a.exports.stopRewind == nil {
		return errors.New(errors.PhaseSuspend, errors.KindNotFound).
			Detail("module missing asyncify exports (run wasm-opt --asyncify)").
			Build()
	}

	if malloc := mod.ExportedFunction("malloc"); malloc != nil {
		res, err := malloc.Call(ctx, uint64(a.stackSize+8))
		if err != nil {
			return errors.Wrap(errors.PhaseSuspend, errors.KindInstantiation, err, "allocate asyncify data")
		}
		if len(res) == 1 && res[0] != 0 {
			a.dataAddr = uint32(res[0])
		}
	}
	return a.ResetStack()
}

// ResetStack rewinds the saved-stack pointer to the start of the region.
// It must run before every unwind.
func (a *Asyncify) ResetStack() error {
	if a.memory == nil {
		return errors.NotInitialized(errors.PhaseSuspend, "asyncify")
	}
	stackPtr := a.dataAddr + 8
	if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) ||
		!a.memory.WriteUint32Le(a.dataAddr+4, stackPtr+a.stackSize) {
		Logger().Warn("asyncify data region out of range",
			zap.Uint32("dataAddr", a.dataAddr),
			zap.Uint32("stackSize", a.stackSize))
		return errors.OutOfBounds(errors.PhaseSuspend, "asyncify data", a.dataAddr, a.stackSize+8)
	}
	return nil
}

func (a *Asyncify) StartUnwind(ctx context.Context) error {
	if err := a.ResetStack(); err != nil {
		return err
	}
	return a.call(ctx, a.exports.startUnwind, "start unwind", uint64(a.dataAddr))
}

func (a *Asyncify) StopUnwind(ctx context.Context) error {
	return a.call(ctx, a.exports.stopUnwind, "stop unwind")
}

func (a *Asyncify) StartRewind(ctx context.Context) error {
	return a.call(ctx, a.exports.startRewind, "start rewind", uint64(a.dataAddr))
}

func (a *Asyncify) StopRewind(ctx context.Context) error {
	return a.call(ctx, a.exports.stopRewind, "stop rewind")
}

func (a *Asyncify) call(ctx context.Context, fn api.Function, op string, args ...uint64) error {
	if fn == nil {
		return errors.NotInitialized(errors.PhaseSuspend, "asyncify "+op)
	}
	if _, err := fn.Call(ctx, args...); err != nil {
		return errors.Wrap(errors.PhaseSuspend, errors.KindProtocol, err, op)
	}
	return nil
}
