package durablefs

import (
	"sort"
	"time"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/vpath"
)

type diff struct {
	create []string // ascending, parents before children
	remove []string // descending, children before parents
}

func (d diff) empty() bool { return len(d.create) == 0 && len(d.remove) == 0 }

// reconcile computes what dst needs to match src. Timestamps compare at
// millisecond precision, the resolution of the store.
func reconcile(src, dst map[string]time.Time) diff {
	var d diff
	for p, ts := range src {
		if other, ok := dst[p]; !ok || other.UnixMilli() != ts.UnixMilli() {
			d.create = append(d.create, p)
		}
	}
	for p := range dst {
		if _, ok := src[p]; !ok {
			d.remove = append(d.remove, p)
		}
	}
	sort.Strings(d.create)
	sort.Sort(sort.Reverse(sort.StringSlice(d.remove)))
	return d
}

// localSet walks the mount and returns the mtime of every node below its
// root. Nested mountpoints are not descended into.
func (b *Backend) localSet(m *vfs.Mount) (map[string]time.Time, error) {
	entries := make(map[string]time.Time)
	check, err := b.children(m.Mountpoint)
	if err != nil {
		return nil, err
	}
	for len(check) > 0 {
		p := check[len(check)-1]
		check = check[:len(check)-1]

		res, err := b.fs.LookupPath(p, vfs.LookupOptions{NoFollowMount: true})
		if err != nil {
			return nil, err
		}
		n := res.Node
		if n.IsMountpoint() {
			continue
		}
		a, err := n.Ops.GetAttr(n)
		if err != nil {
			return nil, err
		}
		if a.Mode.IsDir() {
			more, err := b.children(p)
			if err != nil {
				return nil, err
			}
			check = append(check, more...)
		}
		entries[p] = a.Mtime
	}
	return entries, nil
}

func (b *Backend) children(dir string) ([]string, error) {
	names, err := b.fs.Readdir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		out = append(out, vpath.Join(dir, name))
	}
	return out, nil
}

func (b *Backend) loadLocal(p string) (Entry, error) {
	a, err := b.fs.Lstat(p)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Mode: a.Mode, Timestamp: a.Mtime}
	switch {
	case a.Mode.IsDir():
	case a.Mode.IsFile():
		data, err := b.fs.ReadFile(p)
		if err != nil {
			return Entry{}, err
		}
		if data == nil {
			data = []byte{}
		}
		e.Contents = data
	case a.Mode.IsLink():
		target, err := b.fs.Readlink(p)
		if err != nil {
			return Entry{}, err
		}
		e.Contents = []byte(target)
	default:
		return Entry{}, errors.Unsupported(errors.PhasePersist, "node type "+modeName(a.Mode))
	}
	return e, nil
}

func (b *Backend) storeLocal(p string, e Entry) error {
	if a, err := b.fs.Lstat(p); err == nil && a.Mode.Type() != e.Mode.Type() {
		if err := b.fs.RemoveAll(p); err != nil {
			return err
		}
	}

	perm := e.Mode.Perm()
	switch {
	case e.Mode.IsDir():
		if err := b.fs.MkdirTree(p, perm); err != nil {
			return err
		}
	case e.Mode.IsFile():
		if err := b.fs.WriteFile(p, e.Contents, perm); err != nil {
			return err
		}
	case e.Mode.IsLink():
		if err := b.fs.RemoveAll(p); err != nil {
			return err
		}
		if _, err := b.fs.Symlink(string(e.Contents), p); err != nil {
			return err
		}
	default:
		return errors.Unsupported(errors.PhasePersist, "node type "+modeName(e.Mode))
	}

	res, err := b.fs.LookupPath(p, vfs.LookupOptions{})
	if err != nil {
		return err
	}
	if !e.Mode.IsLink() {
		if err := b.fs.ChmodNode(res.Node, e.Mode); err != nil {
			return err
		}
	}
	return b.fs.UtimeNode(res.Node, e.Timestamp, e.Timestamp)
}

func (b *Backend) removeLocal(p string) error {
	a, err := b.fs.Lstat(p)
	if err != nil {
		if code, ok := errors.ToErrno(err); ok && code == errors.ENOENT {
			return nil
		}
		return err
	}
	if a.Mode.IsDir() {
		return b.fs.Rmdir(p)
	}
	return b.fs.Unlink(p)
}

func modeName(m vfs.Mode) string {
	switch {
	case m.IsChrdev():
		return "chrdev"
	case m.IsFIFO():
		return "fifo"
	case m.IsSocket():
		return "socket"
	case m.IsBlkdev():
		return "blkdev"
	}
	return "unknown"
}
