package vfs

import "github.com/wippyai/wasm-kernel/resource"

type nameKey struct {
	name   string
	parent resource.Handle
}

// nameIndex caches (parent, name) -> node. It never holds anything the
// owning backend could not also produce through Lookup.
type nameIndex map[nameKey]*Node

func (ix nameIndex) add(n *Node) {
	if n.IsRoot() {
		return
	}
	ix[nameKey{parent: n.Parent, name: n.Name}] = n
}

func (ix nameIndex) remove(n *Node) {
	k := nameKey{parent: n.Parent, name: n.Name}
	if cur, ok := ix[k]; ok && cur == n {
		delete(ix, k)
	}
}

func (ix nameIndex) lookup(parent *Node, name string) (*Node, bool) {
	n, ok := ix[nameKey{parent: parent.ID, name: name}]
	return n, ok
}

// Cached reports the node the index holds for (parent, name), if any.
func (fs *FS) Cached(parent *Node, name string) (*Node, bool) {
	return fs.index.lookup(parent, name)
}
