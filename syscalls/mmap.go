package syscalls

import (
	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

const mmapAlign = 65536

// Mmap copies length bytes of fd at offset into a fresh heap region and
// stores its address at addrPtr. allocatedPtr is set to 1 so the guest frees
// the region on munmap.
func (k *Kernel) Mmap(mem wasmkernel.Memory, length uint32, prot, flags, fd int32, offset int64, allocatedPtr, addrPtr uint32) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	data, err := k.fs.Mmap(s, int(length), offset, prot, flags)
	if err != nil {
		return err
	}
	if k.alloc == nil {
		return errors.Domain(errors.PhaseSyscall, errors.ENOMEM, "mmap")
	}
	ptr, err := k.alloc.Alloc(length, mmapAlign)
	if err != nil {
		return err
	}
	region := make([]byte, length)
	copy(region, data)
	if err := mem.Write(ptr, region); err != nil {
		k.alloc.Free(ptr, length, mmapAlign)
		return err
	}
	if err := mem.WriteU32(allocatedPtr, 1); err != nil {
		return err
	}
	return mem.WriteU32(addrPtr, ptr)
}

// Msync writes a shared mapping at addr back to fd. Private mappings are
// left alone.
func (k *Kernel) Msync(mem wasmkernel.Memory, addr, length uint32, prot, flags, fd int32, offset int64) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	if s.Node == nil || !s.Node.Mode.IsFile() {
		return errors.Domain(errors.PhaseSyscall, errors.ENODEV, "msync")
	}
	if flags&vfs.MAP_PRIVATE != 0 {
		return nil
	}
	buf, err := mem.Read(addr, length)
	if err != nil {
		return err
	}
	return k.fs.Msync(s, buf, offset, flags)
}

// Munmap flushes a writable mapping before the guest releases it.
func (k *Kernel) Munmap(mem wasmkernel.Memory, addr, length uint32, prot, flags, fd int32, offset int64) error {
	if prot&vfs.PROT_WRITE == 0 {
		return nil
	}
	return k.Msync(mem, addr, length, prot, flags, fd, offset)
}
