package vfs

import (
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/resource"
)

// Stream is an open descriptor. Descriptors produced by dup share the cursor
// and status flags of the original.
type Stream struct {
	Node *Node
	Ops  StreamOps
	// Data is backend side state: a pipe, a socket.
	Data any
	Path string
	// Dirents caches the listing of an in-progress getdents enumeration.
	Dirents []string
	shared  *openFile
	FD      int32
	// FDFlags holds descriptor flags (FD_CLOEXEC).
	FDFlags  int32
	Seekable bool
	closed   bool
}

type openFile struct {
	position int64
	flags    int32
}

func (s *Stream) state() *openFile {
	if s.shared == nil {
		s.shared = &openFile{}
	}
	return s.shared
}

func (s *Stream) Position() int64       { return s.state().position }
func (s *Stream) SetPosition(pos int64) { s.state().position = pos }
func (s *Stream) Flags() int32          { return s.state().flags }
func (s *Stream) SetFlags(flags int32)  { s.state().flags = flags }

// IsClosed reports whether the descriptor has been closed.
func (s *Stream) IsClosed() bool { return s.closed }

func (s *Stream) readable() bool { return s.Flags()&O_ACCMODE != O_WRONLY }
func (s *Stream) writable() bool { return s.Flags()&O_ACCMODE != O_RDONLY }

// NewStream installs s in the lowest free descriptor slot >= lowest.
func (fs *FS) NewStream(s *Stream, lowest int32) (*Stream, error) {
	s.state()
	if s.Ops == nil && s.Node != nil {
		s.Ops = s.Node.StreamOps
	}
	fd, err := fs.streams.Insert(s, int(lowest))
	if err != nil {
		if errors.Is(err, resource.ErrRange) {
			return nil, errors.Domain(errors.PhaseStream, errors.EINVAL, "create stream")
		}
		return nil, errors.Domain(errors.PhaseStream, errors.EMFILE, "create stream")
	}
	s.FD = int32(fd)
	return s, nil
}

// InstallStream places s at exactly fd, closing whatever occupied it.
func (fs *FS) InstallStream(s *Stream, fd int32) error {
	if fd < 0 || fd >= MaxOpenFDs {
		return errors.Domain(errors.PhaseStream, errors.EBADF, "install stream")
	}
	if old, ok := fs.streams.Get(int(fd)); ok {
		if err := fs.Close(old); err != nil {
			return err
		}
	}
	s.state()
	if err := fs.streams.InsertAt(int(fd), s); err != nil {
		return errors.Domain(errors.PhaseStream, errors.EBADF, "install stream")
	}
	s.FD = fd
	return nil
}

// GetStream resolves fd or fails with EBADF.
func (fs *FS) GetStream(fd int32) (*Stream, error) {
	s, ok := fs.streams.Get(int(fd))
	if !ok {
		return nil, errors.Domain(errors.PhaseStream, errors.EBADF, "stream")
	}
	return s, nil
}

// Streams calls fn for every open descriptor in order.
func (fs *FS) Streams(fn func(*Stream) bool) {
	fs.streams.Each(func(_ int, s *Stream) bool { return fn(s) })
}

func (fs *FS) closeStream(fd int32) {
	fs.streams.Remove(int(fd))
}

// Dup duplicates s into the lowest free descriptor >= lowest. The copy shares
// the cursor and status flags but not the descriptor flags.
func (fs *FS) Dup(s *Stream, lowest int32) (*Stream, error) {
	if s.closed {
		return nil, errors.Domain(errors.PhaseStream, errors.EBADF, "dup")
	}
	dup := s.clone()
	if _, err := fs.NewStream(dup, lowest); err != nil {
		return nil, err
	}
	if err := dup.Ops.Open(dup); err != nil {
		fs.closeStream(dup.FD)
		return nil, err
	}
	return dup, nil
}

// DupTo duplicates s onto fd, closing any stream already there. Duplicating a
// descriptor onto itself is a no-op.
func (fs *FS) DupTo(s *Stream, fd int32) (*Stream, error) {
	if s.closed {
		return nil, errors.Domain(errors.PhaseStream, errors.EBADF, "dup")
	}
	if s.FD == fd {
		return s, nil
	}
	dup := s.clone()
	if err := fs.InstallStream(dup, fd); err != nil {
		return nil, err
	}
	if err := dup.Ops.Open(dup); err != nil {
		fs.closeStream(dup.FD)
		return nil, err
	}
	return dup, nil
}

func (s *Stream) clone() *Stream {
	return &Stream{
		Node:     s.Node,
		Ops:      s.Ops,
		Data:     s.Data,
		Path:     s.Path,
		shared:   s.shared,
		Seekable: s.Seekable,
	}
}
