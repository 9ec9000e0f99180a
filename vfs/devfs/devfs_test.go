package devfs

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
	"github.com/wippyai/wasm-kernel/vfs/ttyfs"
)

func newFS(t *testing.T) *vfs.FS {
	t.Helper()
	fs := vfs.New(vfs.Options{})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestInstall_Tree(t *testing.T) {
	fs := newFS(t)
	if _, err := Install(fs, Options{}); err != nil {
		t.Fatal(err)
	}

	devices := []struct {
		path string
		dev  uint32
	}{
		{"/dev/null", DevNull},
		{"/dev/zero", DevZero},
		{"/dev/tty", DevTTY},
		{"/dev/tty1", DevTTY1},
	}
	for _, d := range devices {
		a, err := fs.Stat(d.path)
		if err != nil {
			t.Errorf("%s: %v", d.path, err)
			continue
		}
		if !a.Mode.IsChrdev() || a.Rdev != d.dev {
			t.Errorf("%s: mode %o rdev %d", d.path, a.Mode, a.Rdev)
		}
	}

	links := map[string]string{
		"/dev/stdin":  "/dev/tty",
		"/dev/stdout": "/dev/tty",
		"/dev/stderr": "/dev/tty1",
	}
	for p, want := range links {
		if got, err := fs.Readlink(p); err != nil || got != want {
			t.Errorf("readlink %s = %q, %v", p, got, err)
		}
	}
	if a, err := fs.Stat("/dev/shm/tmp"); err != nil || !a.Mode.IsDir() {
		t.Errorf("/dev/shm/tmp: %v", err)
	}
	if _, err := Install(fs, Options{}); err == nil {
		t.Error("second install succeeded")
	}
}

func TestNullZeroRandom(t *testing.T) {
	fs := newFS(t)
	if _, err := Install(fs, Options{}); err != nil {
		t.Fatal(err)
	}

	null, err := fs.Open("/dev/null", vfs.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n, err := fs.Write(null, []byte("discard")); n != 7 || err != nil {
		t.Errorf("null write = %d, %v", n, err)
	}
	if n, err := fs.Read(null, make([]byte, 4)); n != 0 || err != nil {
		t.Errorf("null read = %d, %v", n, err)
	}
	if pos, err := fs.Llseek(null, 100, vfs.SeekSet); pos != 0 || err != nil {
		t.Errorf("null seek = %d, %v", pos, err)
	}

	zero, _ := fs.Open("/dev/zero", vfs.O_RDONLY, 0)
	buf := []byte{1, 2, 3}
	if n, _ := fs.Read(zero, buf); n != 3 || !bytes.Equal(buf, []byte{0, 0, 0}) {
		t.Errorf("zero read = %v", buf)
	}

	random, _ := fs.Open("/dev/urandom", vfs.O_RDONLY, 0)
	big := make([]byte, 4096)
	n, err := fs.Read(random, big)
	if err != nil || n != len(big) {
		t.Fatalf("urandom read = %d, %v", n, err)
	}
	if bytes.Equal(big[:64], make([]byte, 64)) {
		t.Error("urandom returned zeros")
	}
	if _, err := fs.Write(random, []byte("x")); err == nil {
		t.Error("write to read-only open succeeded")
	}
}

func TestStdio_Callbacks(t *testing.T) {
	fs := newFS(t)
	input := []byte("in")
	var out, errOut bytes.Buffer
	d, err := Install(fs, Options{
		Stdin: func() (byte, bool, bool) {
			if len(input) == 0 {
				return 0, false, true
			}
			b := input[0]
			input = input[1:]
			return b, true, false
		},
		Stdout: func(b byte) error { return out.WriteByte(b) },
		Stderr: func(b byte) error { return errOut.WriteByte(b) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.OpenStdio(); err != nil {
		t.Fatal(err)
	}

	stdin, _ := fs.GetStream(0)
	stdout, _ := fs.GetStream(1)
	stderr, _ := fs.GetStream(2)

	buf := make([]byte, 8)
	if n, _ := fs.Read(stdin, buf); string(buf[:n]) != "in" {
		t.Errorf("stdin = %q", buf[:n])
	}
	fs.Write(stdout, []byte("out"))
	fs.Write(stderr, []byte("err"))
	if out.String() != "out" || errOut.String() != "err" {
		t.Errorf("stdout %q stderr %q", out.String(), errOut.String())
	}
}

func TestStdio_Terminals(t *testing.T) {
	fs := newFS(t)
	var out, errOut bytes.Buffer
	d, err := Install(fs, Options{
		TTY:  ttyOptions(&out),
		TTY1: ttyOptions(&errOut),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.OpenStdio(); err != nil {
		t.Fatal(err)
	}
	stdout, _ := fs.GetStream(1)
	stderr, _ := fs.GetStream(2)
	fs.Write(stdout, []byte("line\npartial"))
	fs.Write(stderr, []byte("oops"))
	if out.String() != "line\n" {
		t.Errorf("stdout before flush = %q", out.String())
	}
	d.Flush()
	if out.String() != "line\npartial" || errOut.String() != "oops" {
		t.Errorf("after flush: %q %q", out.String(), errOut.String())
	}

	stdin, _ := fs.GetStream(0)
	if _, err := fs.Read(stdin, make([]byte, 1)); err == nil {
		t.Error("read without input succeeded")
	} else if code, _ := errors.ToErrno(err); code != errors.EAGAIN {
		t.Errorf("read = %v, want EAGAIN", err)
	}
	d.TTY.Feed([]byte("k"))
	if n, err := fs.Read(stdin, make([]byte, 1)); n != 1 || err != nil {
		t.Errorf("read after feed = %d, %v", n, err)
	}
}

func ttyOptions(w *bytes.Buffer) ttyfs.Options {
	return ttyfs.Options{Output: w}
}
