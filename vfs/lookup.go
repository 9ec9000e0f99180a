package vfs

import (
	"strings"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs/vpath"
)

// LookupOptions controls LookupPath.
type LookupOptions struct {
	// Parent stops at the parent of the final segment.
	Parent bool
	// Follow resolves a symlink in the final segment.
	Follow bool
	// NoFollowMount returns the mountpoint itself for a final segment that has
	// a mount spliced in, rather than the mounted root.
	NoFollowMount bool
	// NoEntOkay returns a nil Node instead of ENOENT when only the final
	// segment is missing.
	NoEntOkay bool
}

// LookupResult is the resolved absolute path and node.
type LookupResult struct {
	Node *Node
	Path string
}

// LookupPath walks p from the root (or cwd), crossing mountpoints and
// following symlinks, with at most MaxSymlinks traversals.
func (fs *FS) LookupPath(p string, opts LookupOptions) (LookupResult, error) {
	if p == "" {
		return LookupResult{}, errors.PathError(errors.PhaseLookup, errors.ENOENT, "lookup", p)
	}
	if fs.root == nil {
		return LookupResult{}, errors.NotInitialized(errors.PhaseLookup, "root mount")
	}
	if !vpath.IsAbs(p) {
		p = fs.cwd + "/" + p
	}
	orig := p

linkloop:
	for nlinks := 0; nlinks < MaxSymlinks; nlinks++ {
		parts := vpath.Split(p)
		current := fs.root
		currentPath := "/"

		for i := 0; i < len(parts); i++ {
			last := i == len(parts)-1
			if last && opts.Parent {
				break
			}

			switch parts[i] {
			case ".":
				continue
			case "..":
				currentPath = vpath.Dir(currentPath)
				if current.IsRoot() {
					p = currentPath + "/" + strings.Join(parts[i+1:], "/")
					nlinks--
					continue linkloop
				}
				current = current.ParentNode()
				continue
			}

			currentPath = vpath.Join(currentPath, parts[i])
			next, err := fs.LookupNode(current, parts[i])
			if err != nil {
				if code, ok := errors.ToErrno(err); ok && code == errors.ENOENT && last && opts.NoEntOkay {
					return LookupResult{Path: currentPath}, nil
				}
				return LookupResult{}, err
			}
			current = next

			if current.IsMountpoint() && (!last || !opts.NoFollowMount) {
				current = current.Mounted.Root
			}

			if current.Mode.IsLink() && (!last || opts.Follow) {
				link, err := current.Ops.Readlink(current)
				if err != nil {
					return LookupResult{}, err
				}
				if !vpath.IsAbs(link) {
					link = vpath.Dir(currentPath) + "/" + link
				}
				p = link + "/" + strings.Join(parts[i+1:], "/")
				continue linkloop
			}
		}
		return LookupResult{Path: currentPath, Node: current}, nil
	}
	return LookupResult{}, errors.PathError(errors.PhaseLookup, errors.ELOOP, "lookup", orig)
}

// LookupNode resolves one name under parent, consulting the name index before
// the backend.
func (fs *FS) LookupNode(parent *Node, name string) (*Node, error) {
	if err := fs.mayLookup(parent); err != nil {
		return nil, err
	}
	if n, ok := fs.index.lookup(parent, name); ok {
		return n, nil
	}
	return parent.Ops.Lookup(parent, name)
}

// GetPath reconstructs the absolute path of n.
func (fs *FS) GetPath(n *Node) string {
	var p string
	for {
		if n.IsRoot() {
			mp := n.Mount.Mountpoint
			switch {
			case p == "":
				return mp
			case strings.HasSuffix(mp, "/"):
				return mp + p
			}
			return mp + "/" + p
		}
		if p == "" {
			p = n.Name
		} else {
			p = n.Name + "/" + p
		}
		parent := n.ParentNode()
		if parent == n {
			return "/" + p
		}
		n = parent
	}
}
