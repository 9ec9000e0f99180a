// Package procfs serves /proc/self/fd: one symlink per open descriptor,
// pointing at the path the descriptor was opened with.
package procfs

import (
	"strconv"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// Backend is mounted on /proc/self/fd.
type Backend struct {
	dir  dirOps
	link linkOps
}

// New creates the descriptor directory backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "procfs" }

func (b *Backend) Mount(fs *vfs.FS, m *vfs.Mount) (*vfs.Node, error) {
	b.dir.link = &b.link
	root := fs.NewRoot(m, vfs.S_IFDIR|0o777, &b.dir, dirStreamOps{})
	return root, nil
}

type dirOps struct {
	vfs.BaseNodeOps
	link *linkOps
}

func (o *dirOps) GetAttr(n *vfs.Node) (vfs.Attr, error) {
	return attr(n), nil
}

// Lookup creates a link node for an open descriptor. Link nodes stay cached
// after the descriptor closes; Readlink then reports ENOENT.
func (o *dirOps) Lookup(parent *vfs.Node, name string) (*vfs.Node, error) {
	fd, err := strconv.ParseInt(name, 10, 32)
	if err != nil {
		return nil, errors.Domain(errors.PhaseLookup, errors.ENOENT, "lookup fd")
	}
	fs := parent.FS()
	if _, err := fs.GetStream(int32(fd)); err != nil {
		return nil, err
	}
	n := fs.NewNode(parent, name, vfs.S_IFLNK|0o777, 0, o.link, nil)
	n.Data = int32(fd)
	return n, nil
}

func (o *dirOps) Readdir(n *vfs.Node) ([]string, error) {
	names := []string{".", ".."}
	n.FS().Streams(func(s *vfs.Stream) bool {
		names = append(names, strconv.Itoa(int(s.FD)))
		return true
	})
	return names, nil
}

type linkOps struct {
	vfs.BaseNodeOps
}

func (linkOps) GetAttr(n *vfs.Node) (vfs.Attr, error) {
	return attr(n), nil
}

func (linkOps) Readlink(n *vfs.Node) (string, error) {
	fd, _ := n.Data.(int32)
	s, err := n.FS().GetStream(fd)
	if err != nil {
		return "", errors.Domain(errors.PhaseNode, errors.ENOENT, "readlink fd")
	}
	return s.Path, nil
}

type dirStreamOps struct {
	vfs.BaseStreamOps
}

func (dirStreamOps) Llseek(s *vfs.Stream, offset int64, whence int) (int64, error) {
	pos := offset
	if whence == vfs.SeekCur {
		pos += s.Position()
	}
	if pos < 0 {
		return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "llseek")
	}
	return pos, nil
}

func attr(n *vfs.Node) vfs.Attr {
	return vfs.Attr{
		Dev:     uint32(n.ID),
		Ino:     uint64(n.ID),
		Mode:    n.Mode,
		Nlink:   1,
		Atime:   n.Atime,
		Mtime:   n.Mtime,
		Ctime:   n.Ctime,
		Blksize: 4096,
	}
}
