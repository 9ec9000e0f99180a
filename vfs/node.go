package vfs

import (
	"time"

	"github.com/wippyai/wasm-kernel/resource"
)

// Node is a filesystem object. Parent links are arena handles; a root node is
// its own parent.
type Node struct {
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Ops       NodeOps
	StreamOps StreamOps
	Data      any
	Mount     *Mount
	Mounted   *Mount
	fs        *FS
	Name      string
	ID        resource.Handle
	Parent    resource.Handle
	Mode      Mode
	Rdev      uint32
}

// FS returns the filesystem that owns n.
func (n *Node) FS() *FS { return n.fs }

// IsRoot reports whether n is the root of its mount.
func (n *Node) IsRoot() bool { return n.Parent == n.ID }

// IsMountpoint reports whether another mount is spliced in at n.
func (n *Node) IsMountpoint() bool { return n.Mounted != nil }

// ParentNode resolves the parent handle. A root, or a node whose parent was
// already destroyed, returns itself.
func (n *Node) ParentNode() *Node {
	if n.IsRoot() {
		return n
	}
	if p, ok := n.fs.nodes.Get(n.Parent); ok {
		return p
	}
	return n
}

// Touch sets the modification and change times to now.
func (n *Node) Touch() {
	now := n.fs.now()
	n.Mtime = now
	n.Ctime = now
}

// Mount binds a backend instance into the tree.
type Mount struct {
	Backend    Backend
	Root       *Node
	Opts       any
	Mountpoint string
	children   []*Mount
}

// Backend is a pluggable storage driver.
type Backend interface {
	// Mount creates the backend's root node for m.
	Mount(fs *FS, m *Mount) (*Node, error)
}

// Syncer is implemented by backends that reconcile against a durable store.
// done is invoked on the event loop once the pass completes.
type Syncer interface {
	SyncFS(m *Mount, populate bool, done func(error))
}

// NewRoot creates the root node of m. The node is its own parent and is not
// entered in the name index.
func (fs *FS) NewRoot(m *Mount, mode Mode, ops NodeOps, sops StreamOps) *Node {
	n := fs.newNode("/", mode, 0, ops, sops)
	n.ID = fs.nodes.Insert(n)
	n.Parent = n.ID
	n.Mount = m
	return n
}

// NewNode creates a child of parent and enters it in the name index.
func (fs *FS) NewNode(parent *Node, name string, mode Mode, rdev uint32, ops NodeOps, sops StreamOps) *Node {
	n := fs.newNode(name, mode, rdev, ops, sops)
	n.ID = fs.nodes.Insert(n)
	n.Parent = parent.ID
	n.Mount = parent.Mount
	fs.index.add(n)
	return n
}

func (fs *FS) newNode(name string, mode Mode, rdev uint32, ops NodeOps, sops StreamOps) *Node {
	now := fs.now()
	if ops == nil {
		ops = BaseNodeOps{}
	}
	if sops == nil {
		sops = BaseStreamOps{}
	}
	return &Node{
		fs:        fs,
		Name:      name,
		Mode:      mode,
		Rdev:      rdev,
		Ops:       ops,
		StreamOps: sops,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
	}
}

// DestroyNode removes n from the index and the node arena.
func (fs *FS) DestroyNode(n *Node) {
	fs.index.remove(n)
	fs.nodes.Remove(n.ID)
}

// NodeByID resolves a node handle.
func (fs *FS) NodeByID(id resource.Handle) (*Node, bool) {
	return fs.nodes.Get(id)
}
