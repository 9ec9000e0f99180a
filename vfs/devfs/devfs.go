// Package devfs populates /dev: null, zero, the two terminals, the random
// devices, /dev/shm and the standard stream nodes.
package devfs

import (
	"crypto/rand"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/ttyfs"
)

// Device numbers of the fixed devices.
var (
	DevNull = vfs.Makedev(1, 3)
	DevZero = vfs.Makedev(1, 5)
	DevTTY  = vfs.Makedev(5, 0)
	DevTTY1 = vfs.Makedev(6, 0)
)

// Options selects where standard streams go. A nil stream callback makes the
// matching /dev/std* node a symlink to a terminal instead.
type Options struct {
	Stdin  vfs.DeviceInput
	Stdout func(byte) error
	Stderr func(byte) error
	// TTY backs /dev/tty, the default for stdin and stdout.
	TTY ttyfs.Options
	// TTY1 backs /dev/tty1, the default for stderr. It is always write-only.
	TTY1 ttyfs.Options
}

// Devices is the installed /dev tree.
type Devices struct {
	fs   *vfs.FS
	TTY  *ttyfs.Terminal
	TTY1 *ttyfs.Terminal
}

// Install creates /dev and registers its devices. The directory must not
// exist yet.
func Install(fs *vfs.FS, opts Options) (*Devices, error) {
	if _, err := fs.Mkdir("/dev", 0); err != nil {
		return nil, err
	}
	fs.RegisterDevice(DevNull, nullOps{})
	if _, err := fs.Mkdev("/dev/null", 0, DevNull); err != nil {
		return nil, err
	}
	fs.RegisterDevice(DevZero, zeroOps{})
	if _, err := fs.Mkdev("/dev/zero", 0, DevZero); err != nil {
		return nil, err
	}

	d := &Devices{fs: fs}
	d.TTY = ttyfs.Register(fs, DevTTY, opts.TTY)
	tty1 := opts.TTY1
	tty1.WriteOnly = true
	d.TTY1 = ttyfs.Register(fs, DevTTY1, tty1)
	if _, err := fs.Mkdev("/dev/tty", 0, DevTTY); err != nil {
		return nil, err
	}
	if _, err := fs.Mkdev("/dev/tty1", 0, DevTTY1); err != nil {
		return nil, err
	}

	random := newRandomSource()
	if _, err := fs.CreateDevice("/dev", "random", random.next, nil); err != nil {
		return nil, err
	}
	if _, err := fs.CreateDevice("/dev", "urandom", random.next, nil); err != nil {
		return nil, err
	}

	if err := fs.MkdirTree("/dev/shm/tmp", 0); err != nil {
		return nil, err
	}
	if err := d.createStdio(opts); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Devices) createStdio(opts Options) error {
	fs := d.fs
	if opts.Stdin != nil {
		if _, err := fs.CreateDevice("/dev", "stdin", opts.Stdin, nil); err != nil {
			return err
		}
	} else if _, err := fs.Symlink("/dev/tty", "/dev/stdin"); err != nil {
		return err
	}
	if opts.Stdout != nil {
		if _, err := fs.CreateDevice("/dev", "stdout", nil, opts.Stdout); err != nil {
			return err
		}
	} else if _, err := fs.Symlink("/dev/tty", "/dev/stdout"); err != nil {
		return err
	}
	if opts.Stderr != nil {
		if _, err := fs.CreateDevice("/dev", "stderr", nil, opts.Stderr); err != nil {
			return err
		}
	} else if _, err := fs.Symlink("/dev/tty1", "/dev/stderr"); err != nil {
		return err
	}
	return nil
}

// OpenStdio opens descriptors 0, 1 and 2. They must be free.
func (d *Devices) OpenStdio() error {
	fds := []struct {
		path  string
		flags int32
	}{
		{"/dev/stdin", vfs.O_RDONLY},
		{"/dev/stdout", vfs.O_WRONLY},
		{"/dev/stderr", vfs.O_WRONLY},
	}
	for want, f := range fds {
		s, err := d.fs.Open(f.path, f.flags, 0)
		if err != nil {
			return err
		}
		if s.FD != int32(want) {
			return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
				Path(f.path).
				Detail("opened as fd %d, want %d", s.FD, want).
				Build()
		}
	}
	return nil
}

// Flush writes out partial terminal lines.
func (d *Devices) Flush() {
	d.fs.Streams(func(s *vfs.Stream) bool {
		if s.Node != nil && s.Node.Mode.IsChrdev() && (s.Node.Rdev == DevTTY || s.Node.Rdev == DevTTY1) {
			d.fs.Fsync(s)
		}
		return true
	})
}

type nullOps struct {
	vfs.BaseStreamOps
}

func (nullOps) Read(*vfs.Stream, []byte, int64) (int, error)        { return 0, nil }
func (nullOps) Write(_ *vfs.Stream, b []byte, _ int64) (int, error) { return len(b), nil }
func (nullOps) Llseek(*vfs.Stream, int64, int) (int64, error)       { return 0, nil }

type zeroOps struct {
	vfs.BaseStreamOps
}

func (zeroOps) Read(_ *vfs.Stream, b []byte, _ int64) (int, error) {
	clear(b)
	return len(b), nil
}

func (zeroOps) Write(_ *vfs.Stream, b []byte, _ int64) (int, error) { return len(b), nil }
func (zeroOps) Llseek(*vfs.Stream, int64, int) (int64, error)       { return 0, nil }

type randomSource struct {
	buf  [1024]byte
	left int
}

func newRandomSource() *randomSource { return &randomSource{} }

func (r *randomSource) next() (byte, bool, bool) {
	if r.left == 0 {
		if _, err := rand.Read(r.buf[:]); err != nil {
			return 0, false, true
		}
		r.left = len(r.buf)
	}
	r.left--
	return r.buf[r.left], true, false
}
