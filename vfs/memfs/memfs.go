// Package memfs is the ephemeral storage backend. File content lives in a
// byte slice that grows geometrically so repeated appends stay cheap.
package memfs

import (
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

const (
	// Below this capacity a growing file doubles; above it, it grows by 1/8.
	doublingMax = 1024 * 1024
	minCapacity = 256

	// DefaultMaxFileSize bounds a single file, matching the guest's 32-bit
	// address space.
	DefaultMaxFileSize = 1 << 31
)

// Options configures a backend instance.
type Options struct {
	// OnMutate is called after every change to the tree and when a descriptor
	// that wrote to a file is closed.
	OnMutate func()
	// MaxFileSize caps file growth. Writes, allocations and truncations past
	// it fail with EFBIG. Zero selects DefaultMaxFileSize.
	MaxFileSize int64
}

// Backend implements vfs.Backend over process memory.
type Backend struct {
	opts    Options
	dirOps  *dirOps
	fileOps *attrOps
	linkOps *linkOps
	dirIO   *dirStreamOps
	fileIO  *fileStreamOps
}

// New creates a backend.
func New(opts Options) *Backend {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	b := &Backend{opts: opts}
	attr := attrOps{b: b}
	b.dirOps = &dirOps{attrOps: attr}
	b.fileOps = &attr
	b.linkOps = &linkOps{attrOps: attr}
	b.dirIO = &dirStreamOps{}
	b.fileIO = &fileStreamOps{b: b}
	return b
}

func (b *Backend) Name() string { return "memfs" }

// Mount creates the root directory.
func (b *Backend) Mount(fs *vfs.FS, m *vfs.Mount) (*vfs.Node, error) {
	root := fs.NewRoot(m, vfs.S_IFDIR|0o777, b.dirOps, b.dirIO)
	root.Data = &dirData{entries: make(map[string]*vfs.Node)}
	return root, nil
}

func (b *Backend) checkSize(op string, size int64) error {
	if size < 0 || size > b.opts.MaxFileSize {
		return errors.Domain(errors.PhaseStream, errors.EFBIG, op)
	}
	return nil
}

func (b *Backend) mutated() {
	if b.opts.OnMutate != nil {
		b.opts.OnMutate()
	}
}

type dirData struct {
	entries map[string]*vfs.Node
}

type fileData struct {
	contents []byte
	used     int
	modified bool
}

// CreateNode creates a child of parent with the operation tables matching
// mode. Block devices and FIFOs are not supported.
func (b *Backend) CreateNode(parent *vfs.Node, name string, mode vfs.Mode, dev uint32) (*vfs.Node, error) {
	if mode.IsBlkdev() || mode.IsFIFO() {
		return nil, errors.Domain(errors.PhaseNode, errors.EPERM, "mknod")
	}
	fs := parent.FS()
	var n *vfs.Node
	switch {
	case mode.IsDir():
		n = fs.NewNode(parent, name, mode, dev, b.dirOps, b.dirIO)
		n.Data = &dirData{entries: make(map[string]*vfs.Node)}
	case mode.IsFile():
		n = fs.NewNode(parent, name, mode, dev, b.fileOps, b.fileIO)
		n.Data = &fileData{}
	case mode.IsLink():
		n = fs.NewNode(parent, name, mode, dev, b.linkOps, nil)
	case mode.IsChrdev():
		n = fs.NewNode(parent, name, mode, dev, b.fileOps, vfs.ChrdevStreamOps{})
	default:
		n = fs.NewNode(parent, name, mode, dev, b.fileOps, nil)
	}
	dir := parent.Data.(*dirData)
	dir.entries[name] = n
	parent.Atime = n.Atime
	parent.Mtime = n.Mtime
	parent.Ctime = n.Ctime
	return n, nil
}

func entries(n *vfs.Node) map[string]*vfs.Node {
	if d, ok := n.Data.(*dirData); ok {
		return d.entries
	}
	return nil
}

func file(n *vfs.Node) *fileData {
	if f, ok := n.Data.(*fileData); ok {
		return f
	}
	return &fileData{}
}

// expand grows the capacity of f to at least newCap.
func (f *fileData) expand(newCap int) {
	prev := len(f.contents)
	if prev >= newCap {
		return
	}
	grown := prev * 2
	if prev >= doublingMax {
		grown = prev + prev/8
	}
	newCap = max(newCap, grown)
	if prev != 0 {
		newCap = max(newCap, minCapacity)
	}
	buf := make([]byte, newCap)
	copy(buf, f.contents[:f.used])
	f.contents = buf
}

// resize sets the exact size of f.
func (f *fileData) resize(size int) {
	if f.used == size {
		return
	}
	if size == 0 {
		f.contents = nil
		f.used = 0
		return
	}
	buf := make([]byte, size)
	copy(buf, f.contents[:min(size, f.used)])
	f.contents = buf
	f.used = size
}
