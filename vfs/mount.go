package vfs

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/resource"
)

// Mount attaches backend at mountpoint. The root mount ("/") may only be
// installed once. An empty mountpoint creates a pseudo mount that is not
// reachable by path, as used for pipes and sockets.
func (fs *FS) Mount(backend Backend, opts any, mountpoint string) (*Mount, error) {
	isRoot := mountpoint == "/"
	pseudo := mountpoint == ""

	var target *Node
	switch {
	case isRoot:
		if fs.root != nil {
			return nil, errors.PathError(errors.PhaseMount, errors.EBUSY, "mount", mountpoint)
		}
	case !pseudo:
		res, err := fs.LookupPath(mountpoint, LookupOptions{NoFollowMount: true})
		if err != nil {
			return nil, err
		}
		mountpoint = res.Path
		target = res.Node
		if target.IsMountpoint() {
			return nil, errors.PathError(errors.PhaseMount, errors.EBUSY, "mount", mountpoint)
		}
		if !target.Mode.IsDir() {
			return nil, errors.PathError(errors.PhaseMount, errors.ENOTDIR, "mount", mountpoint)
		}
	}

	m := &Mount{Backend: backend, Opts: opts, Mountpoint: mountpoint}
	root, err := backend.Mount(fs, m)
	if err != nil {
		return nil, err
	}
	root.Mount = m
	m.Root = root

	switch {
	case isRoot:
		fs.root = root
	case target != nil:
		target.Mounted = m
		if target.Mount != nil {
			target.Mount.children = append(target.Mount.children, m)
		}
	}

	if !pseudo {
		Logger().Info("mounted",
			zap.String("mountpoint", mountpoint),
			zap.String("backend", backendName(backend)))
	}
	return m, nil
}

// Unmount detaches the mount at mountpoint and invalidates every node owned
// by it or by a mount nested below it.
func (fs *FS) Unmount(mountpoint string) error {
	res, err := fs.LookupPath(mountpoint, LookupOptions{NoFollowMount: true})
	if err != nil {
		return err
	}
	node := res.Node
	if !node.IsMountpoint() {
		return errors.PathError(errors.PhaseMount, errors.EINVAL, "unmount", mountpoint)
	}

	m := node.Mounted
	dead := make(map[*Mount]bool)
	for _, sub := range Mounts(m) {
		dead[sub] = true
	}

	var doomed []*Node
	fs.nodes.Each(func(_ resource.Handle, n *Node) bool {
		if dead[n.Mount] {
			doomed = append(doomed, n)
		}
		return true
	})
	for _, n := range doomed {
		fs.DestroyNode(n)
	}

	node.Mounted = nil
	if parent := node.Mount; parent != nil {
		for i, c := range parent.children {
			if c == m {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}

	Logger().Info("unmounted",
		zap.String("mountpoint", res.Path),
		zap.Int("nodes", len(doomed)))
	return nil
}

// Mounts returns m and every mount nested below it.
func Mounts(m *Mount) []*Mount {
	out := []*Mount{}
	check := []*Mount{m}
	for len(check) > 0 {
		cur := check[len(check)-1]
		check = check[:len(check)-1]
		out = append(out, cur)
		check = append(check, cur.children...)
	}
	return out
}

// SyncFS runs a sync pass on every mount whose backend is a Syncer and calls
// done once all of them complete, with the combined error.
func (fs *FS) SyncFS(populate bool, done func(error)) {
	if fs.root == nil {
		done(errors.NotInitialized(errors.PhaseMount, "root mount"))
		return
	}
	var syncers []*Mount
	for _, m := range Mounts(fs.root.Mount) {
		if _, ok := m.Backend.(Syncer); ok {
			syncers = append(syncers, m)
		}
	}
	if len(syncers) == 0 {
		done(nil)
		return
	}

	remaining := len(syncers)
	var errs error
	for _, m := range syncers {
		m.Backend.(Syncer).SyncFS(m, populate, func(err error) {
			errs = multierr.Append(errs, err)
			remaining--
			if remaining == 0 {
				done(errs)
			}
		})
	}
}

func backendName(b Backend) string {
	if s, ok := b.(interface{ Name() string }); ok {
		return s.Name()
	}
	return "unknown"
}
