package syscalls

import (
	"context"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
)

const readEvents = vfs.POLLIN | vfs.POLLRDNORM

// readv reads into each iovec in turn and stops at the first short read.
// pos < 0 reads at the cursor. Only a read that transferred nothing blocks.
func (k *Kernel) readv(ctx context.Context, mem wasmkernel.Memory, fd int32, iovPtr uint32, iovcnt int32, pos int64) (int, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	iovs, err := readIovecs(mem, iovPtr, iovcnt)
	if err != nil {
		return 0, err
	}
	return k.blocking(ctx, s, readEvents, false, func() (int, error) {
		total := 0
		for _, iov := range iovs {
			buf := make([]byte, iov.len)
			var n int
			var err error
			if pos < 0 {
				n, err = k.fs.Read(s, buf)
			} else {
				n, err = k.fs.Pread(s, buf, pos+int64(total))
			}
			if err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
			if err := mem.Write(iov.ptr, buf[:n]); err != nil {
				return 0, err
			}
			total += n
			if n < int(iov.len) {
				break
			}
		}
		return total, nil
	})
}

// writev writes each iovec in turn and stops at the first short write.
func (k *Kernel) writev(mem wasmkernel.Memory, fd int32, iovPtr uint32, iovcnt int32, pos int64) (int, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	iovs, err := readIovecs(mem, iovPtr, iovcnt)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, iov := range iovs {
		buf, err := mem.Read(iov.ptr, iov.len)
		if err != nil {
			return 0, err
		}
		var n int
		if pos < 0 {
			n, err = k.fs.Write(s, buf)
		} else {
			n, err = k.fs.Pwrite(s, buf, pos+int64(total))
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		total += n
		if n < int(iov.len) {
			break
		}
	}
	return total, nil
}

// FdRead is the WASI vectored read at the cursor. The count is stored at
// nread.
func (k *Kernel) FdRead(ctx context.Context, mem wasmkernel.Memory, fd int32, iovs uint32, iovcnt int32, nread uint32) error {
	n, err := k.readv(ctx, mem, fd, iovs, iovcnt, -1)
	if err != nil {
		return err
	}
	return mem.WriteU32(nread, uint32(n))
}

// FdPread is FdRead at an explicit offset.
func (k *Kernel) FdPread(ctx context.Context, mem wasmkernel.Memory, fd int32, iovs uint32, iovcnt int32, offset int64, nread uint32) error {
	if offset < 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "pread")
	}
	n, err := k.readv(ctx, mem, fd, iovs, iovcnt, offset)
	if err != nil {
		return err
	}
	return mem.WriteU32(nread, uint32(n))
}

// FdWrite is the WASI vectored write at the cursor.
func (k *Kernel) FdWrite(mem wasmkernel.Memory, fd int32, iovs uint32, iovcnt int32, nwritten uint32) error {
	n, err := k.writev(mem, fd, iovs, iovcnt, -1)
	if err != nil {
		return err
	}
	return mem.WriteU32(nwritten, uint32(n))
}

// FdPwrite is FdWrite at an explicit offset.
func (k *Kernel) FdPwrite(mem wasmkernel.Memory, fd int32, iovs uint32, iovcnt int32, offset int64, nwritten uint32) error {
	if offset < 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "pwrite")
	}
	n, err := k.writev(mem, fd, iovs, iovcnt, offset)
	if err != nil {
		return err
	}
	return mem.WriteU32(nwritten, uint32(n))
}

// FdSeek moves the cursor and stores the new position at newOffset.
func (k *Kernel) FdSeek(mem wasmkernel.Memory, fd int32, offset int64, whence int32, newOffset uint32) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	pos, err := k.fs.Llseek(s, offset, int(whence))
	if err != nil {
		return err
	}
	s.Dirents = nil
	return mem.WriteU64(newOffset, uint64(pos))
}

// WASI file types and descriptor flags reported by FdFdstatGet.
const (
	filetypeUnknown      = 0
	filetypeCharDevice   = 2
	filetypeDirectory    = 3
	filetypeRegularFile  = 4
	filetypeSocketDgram  = 5
	filetypeSocketStream = 6
	filetypeSymlink      = 7

	fdflagAppend   = 1
	fdflagNonblock = 4
)

// FdFdstatGet writes the 24-byte fdstat record: type u8@0, flags u16@2 and
// zero rights.
func (k *Kernel) FdFdstatGet(mem wasmkernel.Memory, fd int32, ptr uint32) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	typ := uint8(filetypeUnknown)
	if s.Node != nil {
		m := s.Node.Mode
		switch {
		case m.IsChrdev():
			typ = filetypeCharDevice
		case m.IsDir():
			typ = filetypeDirectory
		case m.IsLink():
			typ = filetypeSymlink
		case m.IsSocket():
			typ = filetypeSocketStream
			if sock, ok := sockfs.FromStream(s); ok && sock.Type == sockfs.SOCK_DGRAM {
				typ = filetypeSocketDgram
			}
		default:
			typ = filetypeRegularFile
		}
	}
	var flags uint16
	if s.Flags()&vfs.O_APPEND != 0 {
		flags |= fdflagAppend
	}
	if s.Flags()&vfs.O_NONBLOCK != 0 {
		flags |= fdflagNonblock
	}
	b := make([]byte, 24)
	b[0] = typ
	le.PutUint16(b[2:], flags)
	return mem.Write(ptr, b)
}
