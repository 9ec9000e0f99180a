package engine

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-kernel/errors"
)

// asyncifyModule encodes a module exporting one page of memory and no-op
// asyncify control functions.
func asyncifyModule(withExports, withMemory bool) []byte {
	section := func(id byte, content ...byte) []byte {
		return append([]byte{id, byte(len(content))}, content...)
	}
	export := func(name string, kind, idx byte) []byte {
		b := append([]byte{byte(len(name))}, name...)
		return append(b, kind, idx)
	}

	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	var exports [][]byte
	if withExports {
		bin = append(bin, section(1, 0x02, 0x60, 0x00, 0x00, 0x60, 0x01, 0x7f, 0x00)...)
		bin = append(bin, section(3, 0x04, 0x01, 0x00, 0x01, 0x00)...)
		exports = append(exports,
			export("asyncify_start_unwind", 0, 0),
			export("asyncify_stop_unwind", 0, 1),
			export("asyncify_start_rewind", 0, 2),
			export("asyncify_stop_rewind", 0, 3))
	}
	if withMemory {
		bin = append(bin, section(5, 0x01, 0x00, 0x01)...)
		exports = append(exports, export("memory", 2, 0))
	}
	if len(exports) > 0 {
		content := []byte{byte(len(exports))}
		for _, e := range exports {
			content = append(content, e...)
		}
		bin = append(bin, section(7, content...)...)
	}
	if withExports {
		body := []byte{0x02, 0x00, 0x0b}
		content := []byte{0x04}
		for range 4 {
			content = append(content, body...)
		}
		bin = append(bin, section(10, content...)...)
	}
	return bin
}

func TestAsyncify_Defaults(t *testing.T) {
	a := NewAsyncify()
	if a.DataAddr() != AsyncifyDataAddr || a.stackSize != AsyncifyDefaultStackSize {
		t.Errorf("defaults = %d/%d", a.DataAddr(), a.stackSize)
	}
	a.SetDataAddr(256)
	a.SetStackSize(4096)
	if a.DataAddr() != 256 || a.stackSize != 4096 {
		t.Errorf("after set = %d/%d", a.DataAddr(), a.stackSize)
	}
	if err := a.ResetStack(); err == nil {
		t.Error("ResetStack before Init succeeded")
	}
}

func TestAsyncify_Init(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, asyncifyModule(true, true))
	if err != nil {
		t.Fatal(err)
	}
	a := NewAsyncify()
	a.SetStackSize(1024)
	if err := a.Init(ctx, mod); err != nil {
		t.Fatal(err)
	}
	ptr, _ := mod.Memory().ReadUint32Le(AsyncifyDataAddr)
	end, _ := mod.Memory().ReadUint32Le(AsyncifyDataAddr + 4)
	if ptr != AsyncifyDataAddr+8 || end != AsyncifyDataAddr+8+1024 {
		t.Errorf("data region = [%d, %d)", ptr, end)
	}

	mod.Memory().WriteUint32Le(AsyncifyDataAddr, 500)
	if err := a.StartUnwind(ctx); err != nil {
		t.Fatal(err)
	}
	if ptr, _ := mod.Memory().ReadUint32Le(AsyncifyDataAddr); ptr != AsyncifyDataAddr+8 {
		t.Errorf("StartUnwind did not reset the stack pointer: %d", ptr)
	}
	for _, step := range []func(context.Context) error{a.StopUnwind, a.StartRewind, a.StopRewind} {
		if err := step(ctx); err != nil {
			t.Fatal(err)
		}
	}

	a.SetDataAddr(1 << 20)
	if err := a.ResetStack(); err == nil {
		t.Error("data region past memory accepted")
	}
}

func TestAsyncify_InitErrors(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	plain, err := r.InstantiateWithConfig(ctx, asyncifyModule(false, true), wazero.NewModuleConfig().WithName("plain"))
	if err != nil {
		t.Fatal(err)
	}
	err = NewAsyncify().Init(ctx, plain)
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseSuspend, Kind: errors.KindNotFound}) {
		t.Errorf("missing exports = %v", err)
	}

	nomem, err := r.InstantiateWithConfig(ctx, asyncifyModule(true, false), wazero.NewModuleConfig().WithName("nomem"))
	if err != nil {
		t.Fatal(err)
	}
	err = NewAsyncify().Init(ctx, nomem)
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseSuspend, Kind: errors.KindNotInitialized}) {
		t.Errorf("missing memory = %v", err)
	}
}
