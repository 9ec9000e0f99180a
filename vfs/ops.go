package vfs

import (
	"time"

	"github.com/wippyai/wasm-kernel/errors"
)

// Attr is the result of a getattr call.
type Attr struct {
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Size    int64
	Ino     uint64
	Dev     uint32
	Mode    Mode
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint32
	Blksize int32
	Blocks  int32
}

// AttrMask selects the fields of a SetAttr that apply.
type AttrMask uint8

const (
	AttrMode AttrMask = 1 << iota
	AttrSize
	AttrAtime
	AttrMtime
	AttrCtime
)

// SetAttr carries an attribute update.
type SetAttr struct {
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Size  int64
	Mode  Mode
	Valid AttrMask
}

// NodeOps is the per-node capability table a backend binds when it creates a
// node. Backends embed BaseNodeOps and override what they support.
type NodeOps interface {
	GetAttr(n *Node) (Attr, error)
	SetAttr(n *Node, a SetAttr) error
	Lookup(parent *Node, name string) (*Node, error)
	Mknod(parent *Node, name string, mode Mode, dev uint32) (*Node, error)
	Rename(old *Node, newDir *Node, newName string) error
	Unlink(parent *Node, name string) error
	Rmdir(parent *Node, name string) error
	Readdir(n *Node) ([]string, error)
	Symlink(parent *Node, name, target string) (*Node, error)
	Readlink(n *Node) (string, error)
}

// StreamOps is the per-stream capability table. Backends embed BaseStreamOps.
type StreamOps interface {
	Open(s *Stream) error
	Close(s *Stream) error
	Read(s *Stream, buf []byte, pos int64) (int, error)
	Write(s *Stream, buf []byte, pos int64) (int, error)
	Llseek(s *Stream, offset int64, whence int) (int64, error)
	Allocate(s *Stream, offset, length int64) error
	Mmap(s *Stream, length int, pos int64, prot, flags int32) ([]byte, error)
	Msync(s *Stream, buf []byte, offset int64, flags int32) error
	Ioctl(s *Stream, req uint32, arg *IoctlArg) (int32, error)
	Poll(s *Stream) uint32
	Fsync(s *Stream) error
}

// IoctlArg carries the decoded argument of an ioctl request. The syscall layer
// fills the input side and encodes whatever the backend leaves in the output
// fields.
type IoctlArg struct {
	Termios *Termios
	Winsize *Winsize
	Int     int32
}

// Termios mirrors the guest's struct termios.
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Cc    [32]byte
}

// Winsize mirrors the guest's struct winsize.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// BaseNodeOps rejects every namespace operation.
type BaseNodeOps struct{}

func (BaseNodeOps) GetAttr(*Node) (Attr, error) {
	return Attr{}, errors.Domain(errors.PhaseNode, errors.EPERM, "getattr")
}

func (BaseNodeOps) SetAttr(*Node, SetAttr) error {
	return errors.Domain(errors.PhaseNode, errors.EPERM, "setattr")
}

func (BaseNodeOps) Lookup(*Node, string) (*Node, error) {
	return nil, errors.Domain(errors.PhaseLookup, errors.ENOENT, "lookup")
}

func (BaseNodeOps) Mknod(*Node, string, Mode, uint32) (*Node, error) {
	return nil, errors.Domain(errors.PhaseNode, errors.EPERM, "mknod")
}

func (BaseNodeOps) Rename(*Node, *Node, string) error {
	return errors.Domain(errors.PhaseNode, errors.EPERM, "rename")
}

func (BaseNodeOps) Unlink(*Node, string) error {
	return errors.Domain(errors.PhaseNode, errors.EPERM, "unlink")
}

func (BaseNodeOps) Rmdir(*Node, string) error {
	return errors.Domain(errors.PhaseNode, errors.EPERM, "rmdir")
}

func (BaseNodeOps) Readdir(*Node) ([]string, error) {
	return nil, errors.Domain(errors.PhaseNode, errors.ENOTDIR, "readdir")
}

func (BaseNodeOps) Symlink(*Node, string, string) (*Node, error) {
	return nil, errors.Domain(errors.PhaseNode, errors.EPERM, "symlink")
}

func (BaseNodeOps) Readlink(*Node) (string, error) {
	return "", errors.Domain(errors.PhaseNode, errors.EINVAL, "readlink")
}

// BaseStreamOps supplies the default answers for a stream capability a
// backend does not implement.
type BaseStreamOps struct{}

func (BaseStreamOps) Open(*Stream) error  { return nil }
func (BaseStreamOps) Close(*Stream) error { return nil }

func (BaseStreamOps) Read(*Stream, []byte, int64) (int, error) {
	return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "read")
}

func (BaseStreamOps) Write(*Stream, []byte, int64) (int, error) {
	return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "write")
}

func (BaseStreamOps) Llseek(*Stream, int64, int) (int64, error) {
	return 0, errors.Domain(errors.PhaseStream, errors.ESPIPE, "llseek")
}

func (BaseStreamOps) Allocate(*Stream, int64, int64) error {
	return errors.Domain(errors.PhaseStream, errors.EOPNOTSUPP, "allocate")
}

func (BaseStreamOps) Mmap(*Stream, int, int64, int32, int32) ([]byte, error) {
	return nil, errors.Domain(errors.PhaseStream, errors.ENODEV, "mmap")
}

func (BaseStreamOps) Msync(*Stream, []byte, int64, int32) error { return nil }

func (BaseStreamOps) Ioctl(*Stream, uint32, *IoctlArg) (int32, error) {
	return 0, errors.Domain(errors.PhaseStream, errors.ENOTTY, "ioctl")
}

func (BaseStreamOps) Poll(*Stream) uint32 { return POLLIN | POLLOUT }

func (BaseStreamOps) Fsync(*Stream) error { return nil }
