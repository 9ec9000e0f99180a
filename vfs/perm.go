package vfs

import "github.com/wippyai/wasm-kernel/errors"

type access uint8

const (
	accessRead access = 1 << iota
	accessWrite
	accessExec
)

// flagsAccess maps open flags to the access they require. Truncation needs
// write access even on a read-only open.
func flagsAccess(flags int32) access {
	var a access
	switch flags & O_ACCMODE {
	case O_RDONLY:
		a = accessRead
	case O_WRONLY:
		a = accessWrite
	default:
		a = accessRead | accessWrite
	}
	if flags&O_TRUNC != 0 {
		a |= accessWrite
	}
	return a
}

func (fs *FS) nodePermissions(n *Node, a access) error {
	if !fs.permissions {
		return nil
	}
	switch {
	case a&accessRead != 0 && n.Mode&ModeRead == 0,
		a&accessWrite != 0 && n.Mode&ModeWrite == 0,
		a&accessExec != 0 && n.Mode&ModeExec == 0:
		return errors.Domain(errors.PhaseNode, errors.EACCES, "access")
	}
	return nil
}

func (fs *FS) mayLookup(dir *Node) error {
	if !dir.Mode.IsDir() {
		return errors.Domain(errors.PhaseLookup, errors.ENOTDIR, "lookup")
	}
	return fs.nodePermissions(dir, accessExec)
}

func (fs *FS) mayCreate(dir *Node, name string) error {
	if _, err := fs.LookupNode(dir, name); err == nil {
		return errors.Domain(errors.PhaseNode, errors.EEXIST, "create")
	}
	return fs.nodePermissions(dir, accessWrite|accessExec)
}

func (fs *FS) mayDelete(dir *Node, name string, isDir bool) error {
	n, err := fs.LookupNode(dir, name)
	if err != nil {
		return err
	}
	if err := fs.nodePermissions(dir, accessWrite|accessExec); err != nil {
		return err
	}
	if isDir {
		if !n.Mode.IsDir() {
			return errors.Domain(errors.PhaseNode, errors.ENOTDIR, "delete")
		}
		if n.IsRoot() || fs.GetPath(n) == fs.cwd {
			return errors.Domain(errors.PhaseNode, errors.EBUSY, "delete")
		}
	} else if n.Mode.IsDir() {
		return errors.Domain(errors.PhaseNode, errors.EISDIR, "delete")
	}
	return nil
}

func (fs *FS) mayOpen(n *Node, flags int32) error {
	if n == nil {
		return errors.Domain(errors.PhaseNode, errors.ENOENT, "open")
	}
	if n.Mode.IsLink() {
		return errors.Domain(errors.PhaseNode, errors.ELOOP, "open")
	}
	if n.Mode.IsDir() {
		if flagsAccess(flags) != accessRead || flags&O_TRUNC != 0 {
			return errors.Domain(errors.PhaseNode, errors.EISDIR, "open")
		}
	}
	return fs.nodePermissions(n, flagsAccess(flags))
}

// Access checks mode-bit access for faccessat. mode uses R_OK=4, W_OK=2, X_OK=1.
func (fs *FS) Access(n *Node, mode int32) error {
	var a access
	if mode&4 != 0 {
		a |= accessRead
	}
	if mode&2 != 0 {
		a |= accessWrite
	}
	if mode&1 != 0 {
		a |= accessExec
	}
	if a == 0 {
		return nil
	}
	return fs.nodePermissions(n, a)
}
