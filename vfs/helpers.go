package vfs

import (
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs/vpath"
)

// PathInfo describes what exists at a path and at its parent.
type PathInfo struct {
	Object       *Node
	ParentObject *Node
	Name         string
	Path         string
	ParentPath   string
	Error        errors.Errno
	Exists       bool
	ParentExists bool
	IsRoot       bool
}

// AnalyzePath resolves p without failing; problems are reported in Error.
func (fs *FS) AnalyzePath(p string, dontFollow bool) PathInfo {
	if res, err := fs.LookupPath(p, LookupOptions{Follow: !dontFollow}); err == nil {
		p = res.Path
	}

	var info PathInfo
	res, err := fs.LookupPath(p, LookupOptions{Parent: true})
	if err != nil {
		info.Error, _ = errors.ToErrno(err)
		return info
	}
	info.ParentExists = true
	info.ParentPath = res.Path
	info.ParentObject = res.Node
	info.Name = vpath.Base(p)

	res, err = fs.LookupPath(p, LookupOptions{Follow: !dontFollow})
	if err != nil {
		info.Error, _ = errors.ToErrno(err)
		return info
	}
	info.Exists = true
	info.Path = res.Path
	info.Object = res.Node
	info.Name = res.Node.Name
	info.IsRoot = res.Path == "/"
	return info
}

// Exists reports whether p resolves.
func (fs *FS) Exists(p string) bool {
	res, err := fs.LookupPath(p, LookupOptions{Follow: true})
	return err == nil && res.Node != nil
}

// ReadFile returns the whole content of the file at p.
func (fs *FS) ReadFile(p string) ([]byte, error) {
	s, err := fs.Open(p, O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer fs.Close(s)

	a, err := s.Node.Ops.GetAttr(s.Node)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, a.Size)
	n, err := fs.Pread(s, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFile replaces the content of p, creating it with mode if missing.
func (fs *FS) WriteFile(p string, data []byte, mode Mode) error {
	if mode == 0 {
		mode = 0o666
	}
	s, err := fs.Open(p, O_WRONLY|O_CREAT|O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := fs.Pwrite(s, data, 0); err != nil {
		fs.Close(s)
		return err
	}
	return fs.Close(s)
}

// RemoveAll deletes p and everything below it. A missing path is not an error.
func (fs *FS) RemoveAll(p string) error {
	a, err := fs.Lstat(p)
	if err != nil {
		if code, ok := errors.ToErrno(err); ok && code == errors.ENOENT {
			return nil
		}
		return err
	}
	if !a.Mode.IsDir() {
		return fs.Unlink(p)
	}
	names, err := fs.Readdir(p)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if err := fs.RemoveAll(vpath.Join(p, name)); err != nil {
			return err
		}
	}
	return fs.Rmdir(p)
}
