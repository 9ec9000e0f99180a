package vfs

import (
	"strings"
	"time"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs/vpath"
)

// Mknod creates a node of any type at p.
func (fs *FS) Mknod(p string, mode Mode, dev uint32) (*Node, error) {
	res, err := fs.LookupPath(p, LookupOptions{Parent: true})
	if err != nil {
		return nil, err
	}
	parent := res.Node
	if !parent.Mode.IsDir() {
		return nil, errors.PathError(errors.PhaseNode, errors.ENOTDIR, "mknod", p)
	}
	name := vpath.Base(p)
	if name == "" || name == "." || name == ".." || name == "/" {
		return nil, errors.PathError(errors.PhaseNode, errors.EINVAL, "mknod", p)
	}
	if err := fs.mayCreate(parent, name); err != nil {
		return nil, withPath(err, p)
	}
	return parent.Ops.Mknod(parent, name, mode, dev)
}

// Create makes a regular file. mode 0 means 0666.
func (fs *FS) Create(p string, mode Mode) (*Node, error) {
	if mode == 0 {
		mode = 0o666
	}
	return fs.Mknod(p, mode&PermMask|S_IFREG, 0)
}

// Mkdir makes a directory. mode 0 means 0777.
func (fs *FS) Mkdir(p string, mode Mode) (*Node, error) {
	if mode == 0 {
		mode = 0o777
	}
	return fs.Mknod(p, mode&(0o777|0o1000)|S_IFDIR, 0)
}

// within reports whether a relative path stays at or below its base.
func within(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// MkdirTree creates p and any missing parents.
func (fs *FS) MkdirTree(p string, mode Mode) error {
	d := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		d += "/" + part
		if _, err := fs.Mkdir(d, mode); err != nil {
			if code, ok := errors.ToErrno(err); !ok || code != errors.EEXIST {
				return err
			}
		}
	}
	return nil
}

// Mkdev creates a character device node bound to dev. mode 0 means 0666.
func (fs *FS) Mkdev(p string, mode Mode, dev uint32) (*Node, error) {
	if mode == 0 {
		mode = 0o666
	}
	return fs.Mknod(p, mode&PermMask|S_IFCHR, dev)
}

// Symlink creates newpath pointing at target. target is stored verbatim.
func (fs *FS) Symlink(target, newpath string) (*Node, error) {
	res, err := fs.LookupPath(newpath, LookupOptions{Parent: true})
	if err != nil {
		return nil, err
	}
	parent := res.Node
	if parent == nil {
		return nil, errors.PathError(errors.PhaseNode, errors.ENOENT, "symlink", newpath)
	}
	if !parent.Mode.IsDir() {
		return nil, errors.PathError(errors.PhaseNode, errors.ENOTDIR, "symlink", newpath)
	}
	name := vpath.Base(newpath)
	if err := fs.mayCreate(parent, name); err != nil {
		return nil, withPath(err, newpath)
	}
	return parent.Ops.Symlink(parent, name, target)
}

// Rename moves oldPath to newPath within one mount.
func (fs *FS) Rename(oldPath, newPath string) error {
	oldDirname := vpath.Dir(oldPath)
	newDirname := vpath.Dir(newPath)
	oldName := vpath.Base(oldPath)
	newName := vpath.Base(newPath)

	oldRes, err := fs.LookupPath(oldPath, LookupOptions{Parent: true})
	if err != nil {
		return err
	}
	newRes, err := fs.LookupPath(newPath, LookupOptions{Parent: true})
	if err != nil {
		return err
	}
	oldDir, newDir := oldRes.Node, newRes.Node
	if oldDir == nil || newDir == nil {
		return errors.PathError(errors.PhaseNode, errors.ENOENT, "rename", oldPath)
	}
	if oldDir.Mount != newDir.Mount {
		return errors.PathError(errors.PhaseNode, errors.EXDEV, "rename", newPath)
	}

	oldNode, err := fs.LookupNode(oldDir, oldName)
	if err != nil {
		return withPath(err, oldPath)
	}

	// The source must not be an ancestor of the target, and vice versa.
	if within(vpath.Relative(fs.cwd, oldPath, newDirname)) {
		return errors.PathError(errors.PhaseNode, errors.EINVAL, "rename", newPath)
	}
	if within(vpath.Relative(fs.cwd, newPath, oldDirname)) {
		return errors.PathError(errors.PhaseNode, errors.ENOTEMPTY, "rename", newPath)
	}

	newNode, _ := fs.LookupNode(newDir, newName)
	if oldNode == newNode {
		return nil
	}

	isDir := oldNode.Mode.IsDir()
	if err := fs.mayDelete(oldDir, oldName, isDir); err != nil {
		return withPath(err, oldPath)
	}
	if newNode != nil {
		err = fs.mayDelete(newDir, newName, isDir)
	} else {
		err = fs.mayCreate(newDir, newName)
	}
	if err != nil {
		return withPath(err, newPath)
	}
	if oldNode.IsMountpoint() || (newNode != nil && newNode.IsMountpoint()) {
		return errors.PathError(errors.PhaseNode, errors.EBUSY, "rename", oldPath)
	}
	if newDir != oldDir {
		if err := fs.nodePermissions(oldDir, accessWrite); err != nil {
			return withPath(err, oldPath)
		}
	}

	fs.index.remove(oldNode)
	if err := oldDir.Ops.Rename(oldNode, newDir, newName); err != nil {
		fs.index.add(oldNode)
		return withPath(err, oldPath)
	}
	if newNode != nil {
		fs.DestroyNode(newNode)
	}
	oldNode.Name = newName
	oldNode.Parent = newDir.ID
	fs.index.add(oldNode)
	return nil
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(p string) error {
	parent, node, name, err := fs.lookupChild(p)
	if err != nil {
		return err
	}
	if err := fs.mayDelete(parent, name, true); err != nil {
		return withPath(err, p)
	}
	if node.IsMountpoint() {
		return errors.PathError(errors.PhaseNode, errors.EBUSY, "rmdir", p)
	}
	if err := parent.Ops.Rmdir(parent, name); err != nil {
		return withPath(err, p)
	}
	fs.DestroyNode(node)
	return nil
}

// Unlink removes a non-directory entry.
func (fs *FS) Unlink(p string) error {
	parent, node, name, err := fs.lookupChild(p)
	if err != nil {
		return err
	}
	if err := fs.mayDelete(parent, name, false); err != nil {
		return withPath(err, p)
	}
	if node.IsMountpoint() {
		return errors.PathError(errors.PhaseNode, errors.EBUSY, "unlink", p)
	}
	if err := parent.Ops.Unlink(parent, name); err != nil {
		return withPath(err, p)
	}
	fs.DestroyNode(node)
	return nil
}

func (fs *FS) lookupChild(p string) (parent, node *Node, name string, err error) {
	res, err := fs.LookupPath(p, LookupOptions{Parent: true})
	if err != nil {
		return nil, nil, "", err
	}
	if res.Node == nil {
		return nil, nil, "", errors.PathError(errors.PhaseNode, errors.ENOENT, "lookup", p)
	}
	name = vpath.Base(p)
	node, err = fs.LookupNode(res.Node, name)
	if err != nil {
		return nil, nil, "", withPath(err, p)
	}
	return res.Node, node, name, nil
}

// Readdir lists a directory, including "." and "..".
func (fs *FS) Readdir(p string) ([]string, error) {
	res, err := fs.LookupPath(p, LookupOptions{Follow: true})
	if err != nil {
		return nil, err
	}
	names, err := res.Node.Ops.Readdir(res.Node)
	return names, withPath(err, p)
}

// Readlink returns the raw target of the symlink at p.
func (fs *FS) Readlink(p string) (string, error) {
	res, err := fs.LookupPath(p, LookupOptions{})
	if err != nil {
		return "", err
	}
	if res.Node == nil {
		return "", errors.PathError(errors.PhaseNode, errors.ENOENT, "readlink", p)
	}
	target, err := res.Node.Ops.Readlink(res.Node)
	return target, withPath(err, p)
}

// Stat returns attributes of the node at p, following a final symlink.
func (fs *FS) Stat(p string) (Attr, error) {
	return fs.stat(p, true)
}

// Lstat is Stat without following a final symlink.
func (fs *FS) Lstat(p string) (Attr, error) {
	return fs.stat(p, false)
}

func (fs *FS) stat(p string, follow bool) (Attr, error) {
	res, err := fs.LookupPath(p, LookupOptions{Follow: follow})
	if err != nil {
		return Attr{}, err
	}
	if res.Node == nil {
		return Attr{}, errors.PathError(errors.PhaseNode, errors.ENOENT, "stat", p)
	}
	a, err := res.Node.Ops.GetAttr(res.Node)
	return a, withPath(err, p)
}

// Fstat returns the attributes of an open descriptor's node.
func (fs *FS) Fstat(fd int32) (Attr, error) {
	s, err := fs.GetStream(fd)
	if err != nil {
		return Attr{}, err
	}
	return s.Node.Ops.GetAttr(s.Node)
}

// Chmod changes permission bits. The file type bits are preserved.
func (fs *FS) Chmod(p string, mode Mode) error {
	return fs.chmodPath(p, mode, true)
}

// Lchmod is Chmod without following a final symlink.
func (fs *FS) Lchmod(p string, mode Mode) error {
	return fs.chmodPath(p, mode, false)
}

// Fchmod changes permission bits through a descriptor.
func (fs *FS) Fchmod(fd int32, mode Mode) error {
	s, err := fs.GetStream(fd)
	if err != nil {
		return err
	}
	return fs.ChmodNode(s.Node, mode)
}

func (fs *FS) chmodPath(p string, mode Mode, follow bool) error {
	res, err := fs.LookupPath(p, LookupOptions{Follow: follow})
	if err != nil {
		return err
	}
	return withPath(fs.ChmodNode(res.Node, mode), p)
}

// ChmodNode updates the permission bits of n.
func (fs *FS) ChmodNode(n *Node, mode Mode) error {
	now := fs.now()
	return n.Ops.SetAttr(n, SetAttr{
		Valid: AttrMode | AttrCtime,
		Mode:  mode&PermMask | n.Mode&^PermMask,
		Ctime: now,
	})
}

// Chown only refreshes the change time; ownership is not modeled.
func (fs *FS) Chown(p string, uid, gid uint32) error {
	return fs.chownPath(p, true)
}

// Lchown is Chown without following a final symlink.
func (fs *FS) Lchown(p string, uid, gid uint32) error {
	return fs.chownPath(p, false)
}

// Fchown is Chown through a descriptor.
func (fs *FS) Fchown(fd int32, uid, gid uint32) error {
	s, err := fs.GetStream(fd)
	if err != nil {
		return err
	}
	return s.Node.Ops.SetAttr(s.Node, SetAttr{Valid: AttrCtime, Ctime: fs.now()})
}

func (fs *FS) chownPath(p string, follow bool) error {
	res, err := fs.LookupPath(p, LookupOptions{Follow: follow})
	if err != nil {
		return err
	}
	n := res.Node
	return withPath(n.Ops.SetAttr(n, SetAttr{Valid: AttrCtime, Ctime: fs.now()}), p)
}

// Truncate resizes the regular file at p.
func (fs *FS) Truncate(p string, length int64) error {
	if length < 0 {
		return errors.PathError(errors.PhaseNode, errors.EINVAL, "truncate", p)
	}
	res, err := fs.LookupPath(p, LookupOptions{Follow: true})
	if err != nil {
		return err
	}
	return withPath(fs.TruncateNode(res.Node, length), p)
}

// TruncateNode resizes n.
func (fs *FS) TruncateNode(n *Node, length int64) error {
	if n.Mode.IsDir() {
		return errors.Domain(errors.PhaseNode, errors.EISDIR, "truncate")
	}
	if !n.Mode.IsFile() {
		return errors.Domain(errors.PhaseNode, errors.EINVAL, "truncate")
	}
	if err := fs.nodePermissions(n, accessWrite); err != nil {
		return err
	}
	now := fs.now()
	return n.Ops.SetAttr(n, SetAttr{
		Valid: AttrSize | AttrMtime | AttrCtime,
		Size:  length,
		Mtime: now,
		Ctime: now,
	})
}

// Ftruncate resizes an open file. The descriptor must be writable.
func (fs *FS) Ftruncate(fd int32, length int64) error {
	s, err := fs.GetStream(fd)
	if err != nil {
		return err
	}
	if s.Flags()&O_ACCMODE == O_RDONLY {
		return errors.Domain(errors.PhaseStream, errors.EINVAL, "ftruncate")
	}
	if length < 0 {
		return errors.Domain(errors.PhaseStream, errors.EINVAL, "ftruncate")
	}
	return fs.TruncateNode(s.Node, length)
}

// Utime sets access and modification times.
func (fs *FS) Utime(p string, atime, mtime time.Time) error {
	res, err := fs.LookupPath(p, LookupOptions{Follow: true})
	if err != nil {
		return err
	}
	return fs.UtimeNode(res.Node, atime, mtime)
}

// UtimeNode sets access and modification times of n.
func (fs *FS) UtimeNode(n *Node, atime, mtime time.Time) error {
	return n.Ops.SetAttr(n, SetAttr{
		Valid: AttrAtime | AttrMtime | AttrCtime,
		Atime: atime,
		Mtime: mtime,
		Ctime: fs.now(),
	})
}

// withPath attaches p to a path-less domain error.
func withPath(err error, p string) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Path == "" {
		c := *e
		c.Path = p
		return &c
	}
	return err
}
