package syscalls

import (
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
)

// WrapMemory adapts a wazero memory to wasmkernel.Memory.
func WrapMemory(mem api.Memory) wasmkernel.Memory {
	if mem == nil {
		return nil
	}
	return &memory{mem: mem}
}

type memory struct {
	mem api.Memory
}

func oob(offset, length uint32) error {
	return errors.OutOfBounds(errors.PhaseSyscall, "guest memory", offset, length)
}

func (m *memory) Size() uint32 { return m.mem.Size() }

func (m *memory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, oob(offset, length)
	}
	return data, nil
}

func (m *memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return oob(offset, uint32(len(data)))
	}
	return nil
}

func (m *memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, oob(offset, 1)
	}
	return v, nil
}

func (m *memory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.mem.ReadUint16Le(offset)
	if !ok {
		return 0, oob(offset, 2)
	}
	return v, nil
}

func (m *memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, oob(offset, 4)
	}
	return v, nil
}

func (m *memory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, oob(offset, 8)
	}
	return v, nil
}

func (m *memory) WriteU8(offset uint32, value uint8) error {
	if !m.mem.WriteByte(offset, value) {
		return oob(offset, 1)
	}
	return nil
}

func (m *memory) WriteU16(offset uint32, value uint16) error {
	if !m.mem.WriteUint16Le(offset, value) {
		return oob(offset, 2)
	}
	return nil
}

func (m *memory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return oob(offset, 4)
	}
	return nil
}

func (m *memory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return oob(offset, 8)
	}
	return nil
}

// guestAllocator allocates through the guest's own memalign and free exports.
type guestAllocator struct {
	ctx      context.Context
	memalign api.Function
	free     api.Function
}

// NewAllocator binds the allocator exports of mod. It returns nil when the
// module does not export emscripten_builtin_memalign.
func NewAllocator(ctx context.Context, mod api.Module) wasmkernel.Allocator {
	memalign := mod.ExportedFunction("emscripten_builtin_memalign")
	if memalign == nil {
		return nil
	}
	free := mod.ExportedFunction("emscripten_builtin_free")
	if free == nil {
		free = mod.ExportedFunction("free")
	}
	return &guestAllocator{ctx: ctx, memalign: memalign, free: free}
}

func (a *guestAllocator) Alloc(size, align uint32) (uint32, error) {
	res, err := a.memalign.Call(a.ctx, uint64(align), uint64(size))
	if err != nil {
		return 0, errors.Wrap(errors.PhaseSyscall, errors.KindInvalidData, err, "guest memalign trapped")
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, errors.Domain(errors.PhaseSyscall, errors.ENOMEM, "memalign")
	}
	return ptr, nil
}

func (a *guestAllocator) Free(ptr, _, _ uint32) {
	if a.free == nil || ptr == 0 {
		return
	}
	if _, err := a.free.Call(a.ctx, uint64(ptr)); err != nil {
		Logger().Warn("guest free failed", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}

// readString reads a NUL-terminated string at ptr.
func readString(mem wasmkernel.Memory, ptr uint32) (string, error) {
	if ptr == 0 {
		return "", errors.Domain(errors.PhaseSyscall, errors.EFAULT, "read string")
	}
	size := mem.Size()
	if ptr >= size {
		return "", oob(ptr, 1)
	}
	const chunk = 256
	var out []byte
	for off := ptr; off < size; {
		n := uint32(chunk)
		if size-off < n {
			n = size - off
		}
		buf, err := mem.Read(off, n)
		if err != nil {
			return "", err
		}
		for i, b := range buf {
			if b == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
		off += n
	}
	return "", oob(ptr, uint32(len(out)))
}

// writeString copies s with a NUL terminator into at most max bytes at ptr,
// truncating on a UTF-8 boundary. It returns the bytes written excluding the
// terminator.
func writeString(mem wasmkernel.Memory, s string, ptr, max uint32) (uint32, error) {
	if max == 0 {
		return 0, nil
	}
	b := []byte(s)
	if uint32(len(b)) > max-1 {
		b = b[:max-1]
		for len(b) > 0 && !utf8.Valid(b) {
			b = b[:len(b)-1]
		}
	}
	if err := mem.Write(ptr, append(b, 0)); err != nil {
		return 0, err
	}
	return uint32(len(b)), nil
}
