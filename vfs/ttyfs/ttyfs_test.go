package ttyfs

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
)

func openTTY(t *testing.T, opts Options) (*vfs.FS, *Terminal, *vfs.Stream) {
	t.Helper()
	fs := vfs.New(vfs.Options{})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	dev := vfs.Makedev(5, 0)
	tty := Register(fs, dev, opts)
	if _, err := fs.Mkdev("/tty", 0, dev); err != nil {
		t.Fatal(err)
	}
	s, err := fs.Open("/tty", vfs.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fs, tty, s
}

func errnoOf(err error) errors.Errno {
	code, _ := errors.ToErrno(err)
	return code
}

func TestTerminal_LineBuffering(t *testing.T) {
	var out bytes.Buffer
	fs, _, s := openTTY(t, Options{Output: &out})

	fs.Write(s, []byte("hello\nwor"))
	if out.String() != "hello\n" {
		t.Errorf("after newline: %q", out.String())
	}
	fs.Write(s, []byte("ld\x00"))
	if out.String() != "hello\nworld" {
		t.Errorf("after NUL: %q", out.String())
	}
	fs.Write(s, []byte("prompt> "))
	if err := fs.Fsync(s); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello\nworldprompt> " {
		t.Errorf("after fsync: %q", out.String())
	}
	fs.Write(s, []byte("tail"))
	fs.Close(s)
	if !strings.HasSuffix(out.String(), "tail") {
		t.Errorf("close did not flush: %q", out.String())
	}
}

func TestTerminal_ReaderInput(t *testing.T) {
	fs, _, s := openTTY(t, Options{Input: strings.NewReader("line1\nline2")})

	tests := []struct {
		size int
		want string
	}{
		{3, "lin"},
		{100, "e1\n"},
		{100, "line2"},
		{100, ""},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.size)
		n, err := fs.Read(s, buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != tt.want {
			t.Errorf("read(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}

func TestTerminal_FedInput(t *testing.T) {
	fs, tty, s := openTTY(t, Options{})
	buf := make([]byte, 8)

	if fs.Poll(s)&vfs.POLLIN != 0 {
		t.Error("POLLIN without input")
	}
	if _, err := fs.Read(s, buf); errnoOf(err) != errors.EAGAIN {
		t.Errorf("empty read: %v", err)
	}

	woke := 0
	cancel := fs.Watch(func() { woke++ })
	defer cancel()
	tty.Feed([]byte("ab"))
	if woke != 1 {
		t.Errorf("watchers woken %d times", woke)
	}
	if fs.Poll(s)&vfs.POLLIN == 0 {
		t.Error("no POLLIN with input")
	}
	n, err := fs.Read(s, buf)
	if err != nil || string(buf[:n]) != "ab" {
		t.Errorf("read = %q, %v", buf[:n], err)
	}

	tty.CloseInput()
	n, err = fs.Read(s, buf)
	if err != nil || n != 0 {
		t.Errorf("read at eof = %d, %v", n, err)
	}
}

func TestTerminal_WriteOnly(t *testing.T) {
	fs, _, s := openTTY(t, Options{WriteOnly: true})
	if _, err := fs.Read(s, make([]byte, 1)); errnoOf(err) != errors.ENXIO {
		t.Errorf("read = %v, want ENXIO", err)
	}
	if fs.Poll(s)&vfs.POLLIN != 0 {
		t.Error("write-only terminal reports POLLIN")
	}
}

func TestTerminal_Ioctl(t *testing.T) {
	fs, tty, s := openTTY(t, Options{Size: func() (int, int, error) { return 132, 43, nil }})

	var tio vfs.Termios
	if _, err := fs.Ioctl(s, vfs.TCGETS, &vfs.IoctlArg{Termios: &tio}); err != nil {
		t.Fatal(err)
	}
	if tio != DefaultTermios || tio.Lflag != 35387 || tio.Cc[2] != 0x7f {
		t.Errorf("termios = %+v", tio)
	}
	tio.Lflag = 0
	if _, err := fs.Ioctl(s, vfs.TCSETSW, &vfs.IoctlArg{Termios: &tio}); err != nil {
		t.Fatal(err)
	}
	if tty.Termios().Lflag != 0 {
		t.Error("TCSETSW ignored")
	}

	var ws vfs.Winsize
	fs.Ioctl(s, vfs.TIOCGWINSZ, &vfs.IoctlArg{Winsize: &ws})
	if ws.Cols != 132 || ws.Rows != 43 {
		t.Errorf("host size = %+v", ws)
	}
	fs.Ioctl(s, vfs.TIOCSWINSZ, &vfs.IoctlArg{Winsize: &vfs.Winsize{Rows: 10, Cols: 20}})
	fs.Ioctl(s, vfs.TIOCGWINSZ, &vfs.IoctlArg{Winsize: &ws})
	if ws.Cols != 20 || ws.Rows != 10 {
		t.Errorf("after TIOCSWINSZ = %+v", ws)
	}

	if _, err := fs.Ioctl(s, vfs.TIOCSPGRP, &vfs.IoctlArg{}); errnoOf(err) != errors.EINVAL {
		t.Errorf("TIOCSPGRP = %v", err)
	}
	if _, err := fs.Llseek(s, 0, vfs.SeekSet); errnoOf(err) != errors.ESPIPE {
		t.Errorf("seek = %v, want ESPIPE", err)
	}
}

func TestTerminal_DefaultSize(t *testing.T) {
	tty := &Terminal{}
	if ws := tty.Size(); ws.Rows != 24 || ws.Cols != 80 {
		t.Errorf("default size = %+v", ws)
	}
}

type chanExec chan func()

func (c chanExec) Post(fn func()) { c <- fn }

func (c chanExec) step(t *testing.T) {
	t.Helper()
	select {
	case fn := <-c:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("no input delivered")
	}
}

func TestTerminal_AsyncInput(t *testing.T) {
	exec := make(chanExec, 8)
	fs := vfs.New(vfs.Options{Executor: exec})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	pr, pw := io.Pipe()
	dev := vfs.Makedev(5, 0)
	Register(fs, dev, Options{Input: pr, Async: true})
	if _, err := fs.Mkdev("/tty", 0, dev); err != nil {
		t.Fatal(err)
	}
	s, err := fs.Open("/tty", vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)

	// nothing typed yet: the read must not wait on the host reader
	if _, err := fs.Read(s, buf); errnoOf(err) != errors.EAGAIN {
		t.Fatalf("read before input: %v", err)
	}
	if fs.Poll(s)&vfs.POLLIN != 0 {
		t.Error("POLLIN before input")
	}

	go func() {
		pw.Write([]byte("abc\n"))
		pw.Close()
	}()
	exec.step(t)
	if fs.Poll(s)&vfs.POLLIN == 0 {
		t.Error("no POLLIN after a line arrived")
	}
	n, err := fs.Read(s, buf)
	if err != nil || string(buf[:n]) != "abc\n" {
		t.Errorf("read = %q, %v", buf[:n], err)
	}

	exec.step(t)
	n, err = fs.Read(s, buf)
	if err != nil || n != 0 {
		t.Errorf("read at eof = %d, %v", n, err)
	}
}
