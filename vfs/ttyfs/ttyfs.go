// Package ttyfs implements line-buffered terminal character devices.
//
// Output is collected until a newline or NUL and then written to the host in
// one call. Input is pulled from a host reader a line at a time, either
// inline or on a reader goroutine, or pushed with Feed by the host.
package ttyfs

import (
	"bufio"
	"io"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// DefaultTermios is what TCGETS reports before the guest changes anything.
var DefaultTermios = vfs.Termios{
	Iflag: 25856,
	Oflag: 5,
	Cflag: 191,
	Lflag: 35387,
	Cc:    [32]byte{0x03, 0x1c, 0x7f, 0x15, 0x04, 0x00, 0x01, 0x00, 0x11, 0x13, 0x1a, 0x00, 0x12, 0x0f, 0x17, 0x16},
}

const (
	defaultRows = 24
	defaultCols = 80
)

// SizeFunc reports the host terminal size, in the order term.GetSize uses.
type SizeFunc func() (cols, rows int, err error)

// Options configures a terminal.
type Options struct {
	// Input is read a line at a time when the guest drains the buffer. Nil
	// means input only arrives through Feed.
	Input io.Reader
	// Output receives flushed lines. Nil discards them.
	Output io.Writer
	// Async reads Input on its own goroutine and delivers each line through
	// the filesystem executor, so a slow reader never stalls the guest
	// goroutine. The filesystem must have an Executor.
	Async     bool
	WriteOnly bool // reads fail with ENXIO
	Size      SizeFunc
}

// Terminal is the state behind one tty device number.
type Terminal struct {
	in      *bufio.Reader
	out     io.Writer
	size    SizeFunc
	fs      *vfs.FS
	readErr error
	input   []byte
	line    []byte
	termios vfs.Termios
	winsize *vfs.Winsize
	eof     bool
	noRead  bool
	async   bool
	pumping bool
}

// Register creates a terminal and binds it to dev.
func Register(fs *vfs.FS, dev uint32, opts Options) *Terminal {
	t := &Terminal{
		out:     opts.Output,
		size:    opts.Size,
		fs:      fs,
		termios: DefaultTermios,
		noRead:  opts.WriteOnly,
		async:   opts.Async,
	}
	if opts.Input != nil {
		t.in = bufio.NewReader(opts.Input)
	}
	fs.RegisterDevice(dev, &streamOps{tty: t})
	return t
}

// Feed queues input bytes and wakes pollers. It must run on the goroutine
// that owns the filesystem.
func (t *Terminal) Feed(data []byte) {
	t.input = append(t.input, data...)
	t.fs.NotifyReady()
}

// CloseInput marks the end of input. Reads return 0 once the buffer drains.
func (t *Terminal) CloseInput() {
	t.eof = true
	t.fs.NotifyReady()
}

// SetAsync switches Input reads to the reader goroutine (see Options.Async).
// It has no effect once reading has started.
func (t *Terminal) SetAsync(on bool) {
	if !t.pumping {
		t.async = on
	}
}

// Termios returns the current terminal attributes.
func (t *Terminal) Termios() vfs.Termios { return t.termios }

// Size returns the window size: the last TIOCSWINSZ, the host size, or 24x80.
func (t *Terminal) Size() vfs.Winsize {
	if t.winsize != nil {
		return *t.winsize
	}
	if t.size != nil {
		if cols, rows, err := t.size(); err == nil && cols > 0 && rows > 0 {
			return vfs.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
		}
	}
	return vfs.Winsize{Rows: defaultRows, Cols: defaultCols}
}

// getChar returns the next input byte. ok is false when nothing is buffered.
func (t *Terminal) getChar() (b byte, ok bool, eof bool, err error) {
	if len(t.input) == 0 && t.in != nil && !t.eof {
		if t.async {
			t.pump()
		} else {
			line, rerr := t.in.ReadBytes('\n')
			t.input = append(t.input, line...)
			if rerr == io.EOF {
				t.eof = true
			} else if rerr != nil {
				return 0, false, false, rerr
			}
		}
	}
	if len(t.input) == 0 && t.readErr != nil {
		err, t.readErr = t.readErr, nil
		return 0, false, false, err
	}
	if len(t.input) == 0 {
		return 0, false, t.eof, nil
	}
	b = t.input[0]
	t.input = t.input[1:]
	return b, true, false, nil
}

// pump starts the reader goroutine once.
func (t *Terminal) pump() {
	if t.pumping {
		return
	}
	t.pumping = true
	go func() {
		for {
			line, err := t.in.ReadBytes('\n')
			t.fs.Post(func() {
				if len(line) > 0 {
					t.Feed(line)
				}
				switch {
				case err == io.EOF:
					t.CloseInput()
				case err != nil:
					t.readErr = err
					t.fs.NotifyReady()
				}
			})
			if err != nil {
				return
			}
		}
	}()
}

func (t *Terminal) putChar(b byte) error {
	if b == '\n' {
		t.line = append(t.line, b)
		return t.flush()
	}
	if b == 0 {
		return t.flush()
	}
	t.line = append(t.line, b)
	return nil
}

func (t *Terminal) flush() error {
	if len(t.line) == 0 {
		return nil
	}
	line := t.line
	t.line = nil
	if t.out == nil {
		return nil
	}
	_, err := t.out.Write(line)
	return err
}

type streamOps struct {
	vfs.BaseStreamOps
	tty *Terminal
}

func (o *streamOps) Open(s *vfs.Stream) error {
	s.Data = o.tty
	s.Seekable = false
	return nil
}

func (o *streamOps) Close(*vfs.Stream) error {
	return o.Fsync(nil)
}

func (o *streamOps) Fsync(*vfs.Stream) error {
	if err := o.tty.flush(); err != nil {
		return errors.New(errors.PhaseStream, errors.KindErrno).Errno(errors.EIO).Op("tty flush").Cause(err).Build()
	}
	return nil
}

func (o *streamOps) Read(s *vfs.Stream, buf []byte, _ int64) (int, error) {
	if o.tty.noRead {
		return 0, errors.Domain(errors.PhaseStream, errors.ENXIO, "tty read")
	}
	n := 0
	for n < len(buf) {
		b, ok, eof, err := o.tty.getChar()
		if err != nil {
			return 0, errors.New(errors.PhaseStream, errors.KindErrno).Errno(errors.EIO).Op("tty read").Cause(err).Build()
		}
		if !ok {
			if n == 0 && !eof {
				return 0, errors.Domain(errors.PhaseStream, errors.EAGAIN, "tty read")
			}
			break
		}
		buf[n] = b
		n++
	}
	if n > 0 {
		s.Node.Atime = s.Node.FS().Now()
	}
	return n, nil
}

func (o *streamOps) Write(s *vfs.Stream, buf []byte, _ int64) (int, error) {
	for _, b := range buf {
		if err := o.tty.putChar(b); err != nil {
			return 0, errors.New(errors.PhaseStream, errors.KindErrno).Errno(errors.EIO).Op("tty write").Cause(err).Build()
		}
	}
	if len(buf) > 0 {
		s.Node.Touch()
	}
	return len(buf), nil
}

func (o *streamOps) Ioctl(_ *vfs.Stream, req uint32, arg *vfs.IoctlArg) (int32, error) {
	t := o.tty
	switch req {
	case vfs.TCGETS:
		if arg != nil && arg.Termios != nil {
			*arg.Termios = t.termios
		}
		return 0, nil
	case vfs.TCSETS, vfs.TCSETSW, vfs.TCSETSF:
		if arg != nil && arg.Termios != nil {
			t.termios = *arg.Termios
		}
		return 0, nil
	case vfs.TIOCGPGRP:
		if arg != nil {
			arg.Int = 0
		}
		return 0, nil
	case vfs.TIOCSPGRP:
		return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "tty ioctl")
	case vfs.TIOCGWINSZ:
		if arg != nil && arg.Winsize != nil {
			*arg.Winsize = t.Size()
		}
		return 0, nil
	case vfs.TIOCSWINSZ:
		if arg != nil && arg.Winsize != nil {
			ws := *arg.Winsize
			t.winsize = &ws
		}
		return 0, nil
	case vfs.TCFLSH:
		return 0, nil
	case vfs.FIONREAD:
		if arg != nil {
			arg.Int = int32(len(t.input))
		}
		return 0, nil
	}
	return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "tty ioctl")
}

func (o *streamOps) Poll(*vfs.Stream) uint32 {
	t := o.tty
	mask := uint32(vfs.POLLOUT)
	if t.noRead {
		return mask
	}
	if t.async && t.in != nil && !t.eof {
		t.pump()
	}
	if len(t.input) > 0 || t.eof || t.readErr != nil || (t.in != nil && !t.async) {
		mask |= vfs.POLLIN
	}
	return mask
}
