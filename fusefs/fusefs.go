// Package fusefs exports a read-only view of a virtual filesystem to the
// host over FUSE.
//
// Every request is handed to the goroutine that owns the filesystem through
// an Executor, so the tree can be served while a guest is running.
package fusefs

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// Executor runs fn on the filesystem goroutine and waits for it.
// *engine.Loop implements it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// FS is the FUSE root of an exported subtree.
type FS struct {
	vfs  *vfs.FS
	exec Executor
	root string
}

var _ fs.FS = (*FS)(nil)

// New exports the subtree of tree at root.
func New(tree *vfs.FS, exec Executor, root string) *FS {
	if root == "" {
		root = "/"
	}
	return &FS{vfs: tree, exec: exec, root: root}
}

// Root implements fs.FS.
func (f *FS) Root() (fs.Node, error) {
	return &Node{fs: f, path: f.root}, nil
}

// Serve mounts the export at mountpoint and serves it until ctx is done or
// the host unmounts it.
func (f *FS) Serve(ctx context.Context, mountpoint string) error {
	c, err := fuse.Mount(mountpoint,
		fuse.FSName("wasmkernel"),
		fuse.Subtype("wasmkernel"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return errors.Wrap(errors.PhaseMount, errors.KindUnsupported, err, "fuse mount "+mountpoint)
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		if err := fuse.Unmount(mountpoint); err != nil {
			Logger().Warn("unmount failed", zap.String("mountpoint", mountpoint), zap.Error(err))
		}
	})
	defer stop()

	Logger().Info("serving", zap.String("mountpoint", mountpoint), zap.String("root", f.root))
	return fs.Serve(c, f)
}

// do runs fn on the filesystem goroutine.
func (f *FS) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := f.exec.Do(ctx, func() { err = fn() }); derr != nil {
		return fuse.Errno(syscall.EINTR)
	}
	return hostErr(err)
}

// Node is one exported file, directory or symlink.
type Node struct {
	fs   *FS
	path string
}

var (
	_ fs.Node               = (*Node)(nil)
	_ fs.NodeStringLookuper = (*Node)(nil)
	_ fs.HandleReadDirAller = (*Node)(nil)
	_ fs.HandleReadAller    = (*Node)(nil)
	_ fs.NodeReadlinker     = (*Node)(nil)
)

// Attr implements fs.Node.
func (n *Node) Attr(ctx context.Context, a *fuse.Attr) error {
	var st vfs.Attr
	err := n.fs.do(ctx, func() error {
		var err error
		st, err = n.fs.vfs.Lstat(n.path)
		return err
	})
	if err != nil {
		return err
	}
	a.Inode = st.Ino
	a.Size = uint64(st.Size)
	a.Blocks = uint64(st.Blocks)
	a.BlockSize = uint32(st.Blksize)
	a.Atime = st.Atime
	a.Mtime = st.Mtime
	a.Ctime = st.Ctime
	a.Mode = fileMode(st.Mode)
	a.Nlink = st.Nlink
	a.Uid = st.UID
	a.Gid = st.GID
	a.Rdev = st.Rdev
	return nil
}

// Lookup implements fs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	p := path.Join(n.path, name)
	err := n.fs.do(ctx, func() error {
		_, err := n.fs.vfs.Lstat(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Node{fs: n.fs, path: p}, nil
}

// ReadDirAll implements fs.HandleReadDirAller.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var out []fuse.Dirent
	err := n.fs.do(ctx, func() error {
		names, err := n.fs.vfs.Readdir(n.path)
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			st, err := n.fs.vfs.Lstat(path.Join(n.path, name))
			if err != nil {
				// raced with an unlink on the guest side
				continue
			}
			out = append(out, fuse.Dirent{Inode: st.Ino, Name: name, Type: direntType(st.Mode)})
		}
		return nil
	})
	return out, err
}

// ReadAll implements fs.HandleReadAller.
func (n *Node) ReadAll(ctx context.Context) ([]byte, error) {
	var data []byte
	err := n.fs.do(ctx, func() error {
		var err error
		data, err = n.fs.vfs.ReadFile(n.path)
		return err
	})
	return data, err
}

// Readlink implements fs.NodeReadlinker.
func (n *Node) Readlink(ctx context.Context, _ *fuse.ReadlinkRequest) (string, error) {
	var target string
	err := n.fs.do(ctx, func() error {
		var err error
		target, err = n.fs.vfs.Readlink(n.path)
		return err
	})
	return target, err
}

func fileMode(m vfs.Mode) os.FileMode {
	mode := os.FileMode(m.Perm() & 0o777)
	switch m.Type() {
	case vfs.S_IFDIR:
		mode |= os.ModeDir
	case vfs.S_IFLNK:
		mode |= os.ModeSymlink
	case vfs.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case vfs.S_IFBLK:
		mode |= os.ModeDevice
	case vfs.S_IFIFO:
		mode |= os.ModeNamedPipe
	case vfs.S_IFSOCK:
		mode |= os.ModeSocket
	}
	return mode
}

func direntType(m vfs.Mode) fuse.DirentType {
	switch m.Type() {
	case vfs.S_IFDIR:
		return fuse.DT_Dir
	case vfs.S_IFREG:
		return fuse.DT_File
	case vfs.S_IFLNK:
		return fuse.DT_Link
	case vfs.S_IFCHR:
		return fuse.DT_Char
	case vfs.S_IFBLK:
		return fuse.DT_Block
	case vfs.S_IFIFO:
		return fuse.DT_FIFO
	case vfs.S_IFSOCK:
		return fuse.DT_Socket
	}
	return fuse.DT_Unknown
}

// hostErrnos indexes the host errno table by name.
var hostErrnos = sync.OnceValue(func() map[string]syscall.Errno {
	m := make(map[string]syscall.Errno)
	for e := syscall.Errno(1); e < 256; e++ {
		if name := unix.ErrnoName(e); name != "" {
			m[name] = e
		}
	}
	return m
})

// hostErr converts a guest errno into the host errno of the same name.
func hostErr(err error) error {
	if err == nil {
		return nil
	}
	code, ok := errors.ToErrno(err)
	if !ok {
		Logger().Error("request failed", zap.Error(err))
		return fuse.Errno(syscall.EIO)
	}
	if host, ok := hostErrnos()[code.Name()]; ok {
		return fuse.Errno(host)
	}
	return fuse.Errno(syscall.EIO)
}
