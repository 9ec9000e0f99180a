package procfs

import (
	"reflect"
	"testing"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
)

func TestSelfFD(t *testing.T) {
	fs := vfs.New(vfs.Options{})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirTree("/proc/self/fd", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Mount(New(), nil, "/proc/self/fd"); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile("/tmp.txt", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}

	a, err := fs.Open("/tmp.txt", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fs.Open("/proc", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	names, err := fs.Readdir("/proc/self/fd")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{".", "..", "0", "1"}; !reflect.DeepEqual(names, want) {
		t.Errorf("readdir = %v, want %v", names, want)
	}

	if got, err := fs.Readlink("/proc/self/fd/0"); err != nil || got != "/tmp.txt" {
		t.Errorf("readlink 0 = %q, %v", got, err)
	}
	if got, err := fs.Readlink("/proc/self/fd/1"); err != nil || got != "/proc" {
		t.Errorf("readlink 1 = %q, %v", got, err)
	}
	data, err := fs.ReadFile("/proc/self/fd/0")
	if err != nil || string(data) != "x" {
		t.Errorf("read through fd link = %q, %v", data, err)
	}

	fs.Close(a)
	if _, err := fs.Readlink("/proc/self/fd/0"); err == nil {
		t.Error("readlink of closed fd succeeded")
	} else if code, _ := errors.ToErrno(err); code != errors.ENOENT {
		t.Errorf("readlink closed = %v", err)
	}
	if _, err := fs.Readlink("/proc/self/fd/7"); err == nil {
		t.Error("readlink of never-open fd succeeded")
	}
	if _, err := fs.Readlink("/proc/self/fd/abc"); err == nil {
		t.Error("readlink of non-numeric name succeeded")
	}
	fs.Close(b)
}
