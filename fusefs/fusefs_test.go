package fusefs

import (
	"context"
	"os"
	"slices"
	"syscall"
	"testing"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/wippyai/wasm-kernel/engine"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
)

func newExport(t *testing.T, root string) (*FS, *vfs.FS) {
	t.Helper()
	loop := engine.NewLoop()
	tree := vfs.New(vfs.Options{Executor: loop})
	if _, err := tree.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	if err := tree.MkdirTree("/data/sub", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := tree.WriteFile("/data/hello.txt", []byte("hello"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Symlink("hello.txt", "/data/link"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return New(tree, loop, root), tree
}

func lookup(t *testing.T, f *FS, names ...string) *Node {
	t.Helper()
	root, err := f.Root()
	if err != nil {
		t.Fatal(err)
	}
	n := root.(*Node)
	for _, name := range names {
		next, err := n.Lookup(context.Background(), name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		n = next.(*Node)
	}
	return n
}

func TestAttr(t *testing.T) {
	f, _ := newExport(t, "/data")
	ctx := context.Background()

	tests := []struct {
		name string
		path []string
		mode os.FileMode
		size uint64
	}{
		{"root", nil, os.ModeDir | 0o755, 0},
		{"file", []string{"hello.txt"}, 0o640, 5},
		{"dir", []string{"sub"}, os.ModeDir | 0o755, 0},
		{"symlink", []string{"link"}, os.ModeSymlink | 0o777, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a fuse.Attr
			if err := lookup(t, f, tt.path...).Attr(ctx, &a); err != nil {
				t.Fatal(err)
			}
			if a.Mode != tt.mode {
				t.Errorf("mode = %v, want %v", a.Mode, tt.mode)
			}
			if !a.Mode.IsDir() && a.Size != tt.size {
				t.Errorf("size = %d, want %d", a.Size, tt.size)
			}
			if a.Inode == 0 {
				t.Error("inode not set")
			}
		})
	}
}

func TestLookup_Missing(t *testing.T) {
	f, _ := newExport(t, "/data")
	root, _ := f.Root()
	_, err := root.(fs.NodeStringLookuper).Lookup(context.Background(), "nope")
	if err != fuse.Errno(syscall.ENOENT) {
		t.Fatalf("error = %v, want ENOENT", err)
	}
}

func TestReadDirAll(t *testing.T) {
	f, _ := newExport(t, "/data")
	ents, err := lookup(t, f).ReadDirAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	types := make(map[string]fuse.DirentType)
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
		types[e.Name] = e.Type
	}
	slices.Sort(names)
	if want := []string{"hello.txt", "link", "sub"}; !slices.Equal(names, want) {
		t.Fatalf("names = %q, want %q", names, want)
	}
	if types["sub"] != fuse.DT_Dir || types["hello.txt"] != fuse.DT_File || types["link"] != fuse.DT_Link {
		t.Errorf("types = %v", types)
	}
}

func TestReadAllAndReadlink(t *testing.T) {
	f, _ := newExport(t, "/data")
	ctx := context.Background()

	data, err := lookup(t, f, "hello.txt").ReadAll(ctx)
	if err != nil || string(data) != "hello" {
		t.Errorf("ReadAll = %q, %v", data, err)
	}
	target, err := lookup(t, f, "link").Readlink(ctx, &fuse.ReadlinkRequest{})
	if err != nil || target != "hello.txt" {
		t.Errorf("Readlink = %q, %v", target, err)
	}
	if _, err := lookup(t, f, "sub").ReadAll(ctx); err != fuse.Errno(syscall.EISDIR) {
		t.Errorf("ReadAll(dir) error = %v, want EISDIR", err)
	}
}

func TestSeesLaterWrites(t *testing.T) {
	f, tree := newExport(t, "/data")
	ctx := context.Background()
	node := lookup(t, f, "hello.txt")

	err := f.exec.Do(ctx, func() {
		if err := tree.WriteFile("/data/hello.txt", []byte("changed"), 0o640); err != nil {
			t.Error(err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if data, err := node.ReadAll(ctx); err != nil || string(data) != "changed" {
		t.Errorf("ReadAll = %q, %v", data, err)
	}
}
