package vfs

import (
	"strings"

	"github.com/wippyai/wasm-kernel/errors"
)

// Open resolves or creates p and allocates a descriptor for it.
func (fs *FS) Open(p string, flags int32, mode Mode) (*Stream, error) {
	if p == "" {
		return nil, errors.PathError(errors.PhaseStream, errors.ENOENT, "open", p)
	}
	if flags&O_CREAT != 0 {
		mode = mode&PermMask | S_IFREG
	} else {
		mode = 0
	}

	res, err := fs.LookupPath(p, LookupOptions{Follow: flags&O_NOFOLLOW == 0, NoEntOkay: true})
	if err != nil {
		return nil, err
	}
	node := res.Node

	created := false
	if flags&O_CREAT != 0 {
		if node != nil {
			if flags&O_EXCL != 0 {
				return nil, errors.PathError(errors.PhaseStream, errors.EEXIST, "open", p)
			}
		} else {
			if strings.HasSuffix(p, "/") {
				return nil, errors.PathError(errors.PhaseStream, errors.EISDIR, "open", p)
			}
			node, err = fs.Mknod(p, mode, 0)
			if err != nil {
				return nil, err
			}
			created = true
		}
	}
	if node == nil {
		return nil, errors.PathError(errors.PhaseStream, errors.ENOENT, "open", p)
	}

	if node.Mode.IsChrdev() {
		flags &^= O_TRUNC
	}
	if flags&O_DIRECTORY != 0 && !node.Mode.IsDir() {
		return nil, errors.PathError(errors.PhaseStream, errors.ENOTDIR, "open", p)
	}
	if !created {
		if err := fs.mayOpen(node, flags); err != nil {
			return nil, withPath(err, p)
		}
	}
	if flags&O_TRUNC != 0 && !created {
		if err := fs.TruncateNode(node, 0); err != nil {
			return nil, withPath(err, p)
		}
	}
	flags &^= O_EXCL | O_TRUNC | O_NOFOLLOW

	s := &Stream{
		Node:     node,
		Path:     fs.GetPath(node),
		Seekable: true,
	}
	s.SetFlags(flags)
	if _, err := fs.NewStream(s, 0); err != nil {
		return nil, err
	}
	if err := s.Ops.Open(s); err != nil {
		fs.closeStream(s.FD)
		return nil, withPath(err, p)
	}
	if created {
		if err := fs.ChmodNode(node, mode&0o777); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases a descriptor. The slot is freed even if the backend close
// fails.
func (fs *FS) Close(s *Stream) error {
	if s.closed {
		return errors.Domain(errors.PhaseStream, errors.EBADF, "close")
	}
	s.Dirents = nil
	defer func() {
		fs.closeStream(s.FD)
		s.closed = true
	}()
	return s.Ops.Close(s)
}

// Llseek moves the cursor.
func (fs *FS) Llseek(s *Stream, offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, errors.Domain(errors.PhaseStream, errors.EBADF, "llseek")
	}
	if !s.Seekable {
		return 0, errors.Domain(errors.PhaseStream, errors.ESPIPE, "llseek")
	}
	if whence != SeekSet && whence != SeekCur && whence != SeekEnd {
		return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "llseek")
	}
	pos, err := s.Ops.Llseek(s, offset, whence)
	if err != nil {
		return 0, err
	}
	s.SetPosition(pos)
	return pos, nil
}

// Read reads at the cursor and advances it.
func (fs *FS) Read(s *Stream, buf []byte) (int, error) {
	return fs.read(s, buf, 0, false)
}

// Pread reads at pos without touching the cursor.
func (fs *FS) Pread(s *Stream, buf []byte, pos int64) (int, error) {
	return fs.read(s, buf, pos, true)
}

func (fs *FS) read(s *Stream, buf []byte, pos int64, positioned bool) (int, error) {
	if pos < 0 {
		return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "read")
	}
	if s.closed || !s.readable() {
		return 0, errors.Domain(errors.PhaseStream, errors.EBADF, "read")
	}
	if s.Node != nil && s.Node.Mode.IsDir() {
		return 0, errors.Domain(errors.PhaseStream, errors.EISDIR, "read")
	}
	if !positioned {
		pos = s.Position()
	} else if !s.Seekable {
		return 0, errors.Domain(errors.PhaseStream, errors.ESPIPE, "read")
	}
	n, err := s.Ops.Read(s, buf, pos)
	if err != nil {
		return 0, err
	}
	if !positioned {
		s.SetPosition(s.Position() + int64(n))
	}
	return n, nil
}

// Write writes at the cursor and advances it. O_APPEND moves the cursor to
// the end first.
func (fs *FS) Write(s *Stream, buf []byte) (int, error) {
	return fs.write(s, buf, 0, false)
}

// Pwrite writes at pos without touching the cursor.
func (fs *FS) Pwrite(s *Stream, buf []byte, pos int64) (int, error) {
	return fs.write(s, buf, pos, true)
}

func (fs *FS) write(s *Stream, buf []byte, pos int64, positioned bool) (int, error) {
	if pos < 0 {
		return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "write")
	}
	if s.closed || !s.writable() {
		return 0, errors.Domain(errors.PhaseStream, errors.EBADF, "write")
	}
	if s.Node != nil && s.Node.Mode.IsDir() {
		return 0, errors.Domain(errors.PhaseStream, errors.EISDIR, "write")
	}
	if s.Seekable && s.Flags()&O_APPEND != 0 {
		if _, err := fs.Llseek(s, 0, SeekEnd); err != nil {
			return 0, err
		}
	}
	if !positioned {
		pos = s.Position()
	} else if !s.Seekable {
		return 0, errors.Domain(errors.PhaseStream, errors.ESPIPE, "write")
	}
	n, err := s.Ops.Write(s, buf, pos)
	if err != nil {
		return 0, err
	}
	if !positioned {
		s.SetPosition(s.Position() + int64(n))
	}
	return n, nil
}

// Allocate guarantees backing storage for [offset, offset+length).
func (fs *FS) Allocate(s *Stream, offset, length int64) error {
	if s.closed {
		return errors.Domain(errors.PhaseStream, errors.EBADF, "allocate")
	}
	if offset < 0 || length <= 0 {
		return errors.Domain(errors.PhaseStream, errors.EINVAL, "allocate")
	}
	if !s.writable() {
		return errors.Domain(errors.PhaseStream, errors.EBADF, "allocate")
	}
	if !s.Node.Mode.IsFile() && !s.Node.Mode.IsDir() {
		return errors.Domain(errors.PhaseStream, errors.ENODEV, "allocate")
	}
	return s.Ops.Allocate(s, offset, length)
}

// Mmap returns a private copy of length bytes at pos for the caller to place
// in guest memory.
func (fs *FS) Mmap(s *Stream, length int, pos int64, prot, flags int32) ([]byte, error) {
	mode := s.Flags() & O_ACCMODE
	if prot&PROT_WRITE != 0 && flags&MAP_PRIVATE == 0 && mode != O_RDWR {
		return nil, errors.Domain(errors.PhaseStream, errors.EACCES, "mmap")
	}
	if mode == O_WRONLY {
		return nil, errors.Domain(errors.PhaseStream, errors.EACCES, "mmap")
	}
	if length == 0 {
		return nil, errors.Domain(errors.PhaseStream, errors.EINVAL, "mmap")
	}
	return s.Ops.Mmap(s, length, pos, prot, flags)
}

// Msync writes a shared mapping back to the file.
func (fs *FS) Msync(s *Stream, buf []byte, offset int64, flags int32) error {
	return s.Ops.Msync(s, buf, offset, flags)
}

// Ioctl dispatches a device control request.
func (fs *FS) Ioctl(s *Stream, req uint32, arg *IoctlArg) (int32, error) {
	return s.Ops.Ioctl(s, req, arg)
}

// Fsync flushes buffered state of s.
func (fs *FS) Fsync(s *Stream) error {
	if s.closed {
		return errors.Domain(errors.PhaseStream, errors.EBADF, "fsync")
	}
	return s.Ops.Fsync(s)
}

// Poll returns the ready mask of s.
func (fs *FS) Poll(s *Stream) uint32 {
	if s.closed {
		return POLLNVAL
	}
	return s.Ops.Poll(s)
}
