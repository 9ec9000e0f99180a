package memfs

import (
	"sort"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

const blockSize = 4096

type attrOps struct {
	vfs.BaseNodeOps
	b *Backend
}

func (o *attrOps) GetAttr(n *vfs.Node) (vfs.Attr, error) {
	a := vfs.Attr{
		Dev:     1,
		Ino:     uint64(n.ID),
		Mode:    n.Mode,
		Nlink:   1,
		Rdev:    n.Rdev,
		Atime:   n.Atime,
		Mtime:   n.Mtime,
		Ctime:   n.Ctime,
		Blksize: blockSize,
	}
	if n.Mode.IsChrdev() {
		a.Dev = uint32(n.ID)
	}
	switch {
	case n.Mode.IsDir():
		a.Size = blockSize
	case n.Mode.IsFile():
		a.Size = int64(file(n).used)
	case n.Mode.IsLink():
		target, _ := n.Data.(string)
		a.Size = int64(len(target))
	}
	a.Blocks = int32((a.Size + blockSize - 1) / blockSize)
	return a, nil
}

func (o *attrOps) SetAttr(n *vfs.Node, a vfs.SetAttr) error {
	if a.Valid&vfs.AttrSize != 0 {
		if err := o.b.checkSize("truncate", a.Size); err != nil {
			return err
		}
	}
	if a.Valid&vfs.AttrMode != 0 {
		n.Mode = a.Mode
	}
	if a.Valid&vfs.AttrAtime != 0 {
		n.Atime = a.Atime
	}
	if a.Valid&vfs.AttrMtime != 0 {
		n.Mtime = a.Mtime
	}
	if a.Valid&vfs.AttrCtime != 0 {
		n.Ctime = a.Ctime
	}
	if a.Valid&vfs.AttrSize != 0 {
		if f, ok := n.Data.(*fileData); ok {
			f.resize(int(a.Size))
		}
	}
	o.b.mutated()
	return nil
}

type dirOps struct {
	attrOps
}

func (o *dirOps) Lookup(parent *vfs.Node, name string) (*vfs.Node, error) {
	if n, ok := entries(parent)[name]; ok {
		return n, nil
	}
	return nil, errors.Domain(errors.PhaseLookup, errors.ENOENT, "lookup")
}

func (o *dirOps) Mknod(parent *vfs.Node, name string, mode vfs.Mode, dev uint32) (*vfs.Node, error) {
	n, err := o.b.CreateNode(parent, name, mode, dev)
	if err != nil {
		return nil, err
	}
	o.b.mutated()
	return n, nil
}

func (o *dirOps) Rename(old *vfs.Node, newDir *vfs.Node, newName string) error {
	target := entries(newDir)
	if existing, ok := target[newName]; ok && old.Mode.IsDir() {
		if len(entries(existing)) > 0 {
			return errors.Domain(errors.PhaseNode, errors.ENOTEMPTY, "rename")
		}
	}
	oldDir := old.ParentNode()
	delete(entries(oldDir), old.Name)
	target[newName] = old

	now := old.FS().Now()
	newDir.Mtime, newDir.Ctime = now, now
	oldDir.Mtime, oldDir.Ctime = now, now
	o.b.mutated()
	return nil
}

func (o *dirOps) Unlink(parent *vfs.Node, name string) error {
	delete(entries(parent), name)
	parent.Touch()
	o.b.mutated()
	return nil
}

func (o *dirOps) Rmdir(parent *vfs.Node, name string) error {
	n, ok := entries(parent)[name]
	if !ok {
		return errors.Domain(errors.PhaseNode, errors.ENOENT, "rmdir")
	}
	if len(entries(n)) > 0 {
		return errors.Domain(errors.PhaseNode, errors.ENOTEMPTY, "rmdir")
	}
	delete(entries(parent), name)
	parent.Touch()
	o.b.mutated()
	return nil
}

func (o *dirOps) Readdir(n *vfs.Node) ([]string, error) {
	children := entries(n)
	names := make([]string, 0, len(children)+2)
	names = append(names, ".", "..")
	keys := make([]string, 0, len(children))
	for name := range children {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return append(names, keys...), nil
}

func (o *dirOps) Symlink(parent *vfs.Node, name, target string) (*vfs.Node, error) {
	n, err := o.b.CreateNode(parent, name, vfs.S_IFLNK|0o777, 0)
	if err != nil {
		return nil, err
	}
	n.Data = target
	o.b.mutated()
	return n, nil
}

type linkOps struct {
	attrOps
}

func (o *linkOps) Readlink(n *vfs.Node) (string, error) {
	target, ok := n.Data.(string)
	if !ok {
		return "", errors.Domain(errors.PhaseNode, errors.EINVAL, "readlink")
	}
	return target, nil
}

type dirStreamOps struct {
	vfs.BaseStreamOps
}

func (dirStreamOps) Llseek(s *vfs.Stream, offset int64, whence int) (int64, error) {
	return seek(s, offset, whence)
}

type fileStreamOps struct {
	vfs.BaseStreamOps
	b *Backend
}

func seek(s *vfs.Stream, offset int64, whence int) (int64, error) {
	pos := offset
	switch whence {
	case vfs.SeekCur:
		pos += s.Position()
	case vfs.SeekEnd:
		if s.Node.Mode.IsFile() {
			pos += int64(file(s.Node).used)
		}
	}
	if pos < 0 {
		return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "llseek")
	}
	return pos, nil
}

func (o *fileStreamOps) Llseek(s *vfs.Stream, offset int64, whence int) (int64, error) {
	return seek(s, offset, whence)
}

func (o *fileStreamOps) Read(s *vfs.Stream, buf []byte, pos int64) (int, error) {
	f := file(s.Node)
	if pos >= int64(f.used) {
		return 0, nil
	}
	return copy(buf, f.contents[pos:f.used]), nil
}

func (o *fileStreamOps) Write(s *vfs.Stream, buf []byte, pos int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := o.b.checkSize("write", pos+int64(len(buf))); err != nil {
		return 0, err
	}
	n := s.Node
	n.Touch()
	f := file(n)
	end := int(pos) + len(buf)
	f.expand(end)
	copy(f.contents[pos:], buf)
	f.used = max(f.used, end)
	f.modified = true
	return len(buf), nil
}

func (o *fileStreamOps) Allocate(s *vfs.Stream, offset, length int64) error {
	if err := o.b.checkSize("allocate", offset+length); err != nil {
		return err
	}
	f := file(s.Node)
	end := int(offset + length)
	f.expand(end)
	f.used = max(f.used, end)
	return nil
}

func (o *fileStreamOps) Mmap(s *vfs.Stream, length int, pos int64, _, _ int32) ([]byte, error) {
	if !s.Node.Mode.IsFile() {
		return nil, errors.Domain(errors.PhaseStream, errors.ENODEV, "mmap")
	}
	f := file(s.Node)
	out := make([]byte, length)
	if pos < int64(f.used) {
		copy(out, f.contents[pos:f.used])
	}
	return out, nil
}

func (o *fileStreamOps) Msync(s *vfs.Stream, buf []byte, offset int64, _ int32) error {
	_, err := o.Write(s, buf, offset)
	return err
}

func (o *fileStreamOps) Close(s *vfs.Stream) error {
	if f := file(s.Node); f.modified {
		f.modified = false
		o.b.mutated()
	}
	return nil
}
