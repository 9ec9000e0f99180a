package memfs

import (
	"testing"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

func newFS(t *testing.T, opts Options) *vfs.FS {
	t.Helper()
	fs := vfs.New(vfs.Options{})
	if _, err := fs.Mount(New(opts), nil, "/"); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestFileData_Expand(t *testing.T) {
	tests := []struct {
		name    string
		prev    int
		want    int
		wantCap int
	}{
		{"empty grows to request", 0, 10, 10},
		{"small doubles", 100, 101, 256},
		{"doubles past minimum", 512, 513, 1024},
		{"large grows by an eighth", doublingMax, doublingMax + 1, doublingMax + doublingMax/8},
		{"request beats growth", 300, 5000, 5000},
		{"no shrink", 300, 10, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fileData{contents: make([]byte, tt.prev)}
			f.expand(tt.want)
			if len(f.contents) != tt.wantCap {
				t.Errorf("capacity = %d, want %d", len(f.contents), tt.wantCap)
			}
		})
	}
}

func TestMaxFileSize(t *testing.T) {
	fs := newFS(t, Options{MaxFileSize: 4096})
	s, err := fs.Open("/f", vfs.O_RDWR|vfs.O_CREAT, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close(s)

	tests := []struct {
		name string
		op   func() error
	}{
		{"pwrite far offset", func() error { _, err := fs.Pwrite(s, []byte("x"), 1<<40); return err }},
		{"pwrite crossing limit", func() error { _, err := fs.Pwrite(s, make([]byte, 8), 4090); return err }},
		{"allocate", func() error { return fs.Allocate(s, 0, 1<<40) }},
		{"truncate", func() error { return fs.Truncate("/f", 1<<40) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if code, ok := errors.ToErrno(err); !ok || code != errors.EFBIG {
				t.Errorf("error = %v, want EFBIG", err)
			}
		})
	}

	if n, err := fs.Pwrite(s, []byte("end"), 4093); err != nil || n != 3 {
		t.Fatalf("write up to the limit = %d, %v", n, err)
	}
	a, err := fs.Stat("/f")
	if err != nil || a.Size != 4096 {
		t.Errorf("size = %d, %v", a.Size, err)
	}
}

func TestMaxFileSize_Default(t *testing.T) {
	if b := New(Options{}); b.opts.MaxFileSize != DefaultMaxFileSize {
		t.Errorf("MaxFileSize = %d", b.opts.MaxFileSize)
	}
}
