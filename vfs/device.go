package vfs

import "github.com/wippyai/wasm-kernel/errors"

// RegisterDevice binds a device number to its stream operations.
func (fs *FS) RegisterDevice(dev uint32, ops StreamOps) {
	fs.devices[dev] = ops
}

// Device returns the stream operations registered for dev.
func (fs *FS) Device(dev uint32) (StreamOps, bool) {
	ops, ok := fs.devices[dev]
	return ops, ok
}

// NextMajor returns a major number not used by any registered device.
func (fs *FS) NextMajor() uint32 {
	for major := uint32(64); major < 255; major++ {
		used := false
		for dev := range fs.devices {
			if Major(dev) == major {
				used = true
				break
			}
		}
		if !used {
			return major
		}
	}
	return 0
}

// ChrdevStreamOps is bound to character device nodes. Opening one swaps in
// the stream operations registered for the node's device number.
type ChrdevStreamOps struct {
	BaseStreamOps
}

func (ChrdevStreamOps) Open(s *Stream) error {
	ops, ok := s.Node.fs.Device(s.Node.Rdev)
	if !ok {
		return errors.Domain(errors.PhaseStream, errors.ENXIO, "open device")
	}
	s.Ops = ops
	return ops.Open(s)
}

// DeviceInput yields the next input byte. ok false with eof false means no
// byte is available yet.
type DeviceInput func() (b byte, ok bool, eof bool)

// CallbackDevice is a character device driven by host byte callbacks.
type CallbackDevice struct {
	BaseStreamOps
	Input  DeviceInput
	Output func(b byte) error
}

func (d *CallbackDevice) Read(s *Stream, buf []byte, _ int64) (int, error) {
	n := 0
	for n < len(buf) {
		if d.Input == nil {
			break
		}
		b, ok, eof := d.Input()
		if eof {
			break
		}
		if !ok {
			if n == 0 {
				return 0, errors.Domain(errors.PhaseStream, errors.EAGAIN, "read device")
			}
			break
		}
		buf[n] = b
		n++
	}
	if n > 0 {
		s.Node.Atime = s.Node.fs.now()
	}
	return n, nil
}

func (d *CallbackDevice) Write(s *Stream, buf []byte, _ int64) (int, error) {
	if d.Output == nil {
		return len(buf), nil
	}
	for i, b := range buf {
		if err := d.Output(b); err != nil {
			if i == 0 {
				return 0, errors.New(errors.PhaseStream, errors.KindErrno).Errno(errors.EIO).Op("write device").Cause(err).Build()
			}
			return i, nil
		}
	}
	if len(buf) > 0 {
		s.Node.Touch()
	}
	return len(buf), nil
}

// CreateDevice registers a callback device under a fresh major number and
// creates its node at dir/name.
func (fs *FS) CreateDevice(dir, name string, input DeviceInput, output func(byte) error) (*Node, error) {
	major := fs.NextMajor()
	dev := Makedev(major, 0)
	fs.RegisterDevice(dev, &CallbackDevice{Input: input, Output: output})
	mode := Mode(0)
	if input != nil {
		mode |= ModeRead
	}
	if output != nil {
		mode |= ModeWrite
	}
	return fs.Mkdev(joinDir(dir, name), mode, dev)
}

func joinDir(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
