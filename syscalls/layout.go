package syscalls

import (
	"encoding/binary"
	"net/netip"
	"time"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
)

// Record sizes of the wasm32 guest libc.
const (
	statSize     = 96
	direntSize   = 280
	direntName   = 256
	sockaddrIn   = 16
	sockaddrIn6  = 28
	pollfdSize   = 8
	iovecSize    = 8
	termiosSize  = 60
	termiosCcOff = 17
	timespecSize = 16
	statfsSize   = 88
	tmSize       = 44
)

var le = binary.LittleEndian

func putTime(b []byte, t time.Time) {
	var sec int64
	var nsec uint32
	if !t.IsZero() {
		sec = t.Unix()
		nsec = uint32(t.Nanosecond())
	}
	le.PutUint64(b, uint64(sec))
	le.PutUint32(b[8:], nsec)
}

func encodeStat(a vfs.Attr) []byte {
	b := make([]byte, statSize)
	le.PutUint32(b[0:], a.Dev)
	le.PutUint32(b[4:], uint32(a.Mode))
	le.PutUint32(b[8:], a.Nlink)
	le.PutUint32(b[12:], a.UID)
	le.PutUint32(b[16:], a.GID)
	le.PutUint32(b[20:], a.Rdev)
	le.PutUint64(b[24:], uint64(a.Size))
	le.PutUint32(b[32:], uint32(a.Blksize))
	le.PutUint32(b[36:], uint32(a.Blocks))
	putTime(b[40:], a.Atime)
	putTime(b[56:], a.Mtime)
	putTime(b[72:], a.Ctime)
	le.PutUint64(b[88:], a.Ino)
	return b
}

func writeStat(mem wasmkernel.Memory, ptr uint32, a vfs.Attr) error {
	return mem.Write(ptr, encodeStat(a))
}

// encodeDirent builds one dirent64 record. off is the cursor of the record
// after this one.
func encodeDirent(ino uint64, off int64, typ uint8, name string) []byte {
	b := make([]byte, direntSize)
	le.PutUint64(b[0:], ino)
	le.PutUint64(b[8:], uint64(off))
	le.PutUint16(b[16:], direntSize)
	b[18] = typ
	if len(name) > direntName-1 {
		name = name[:direntName-1]
	}
	copy(b[19:], name)
	return b
}

// Sockaddr is a decoded sockaddr_in or sockaddr_in6.
type Sockaddr struct {
	Addr   string
	Family int32
	Port   uint16
}

func readSockaddr(mem wasmkernel.Memory, ptr, length uint32) (Sockaddr, error) {
	if length < 2 {
		return Sockaddr{}, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "sockaddr")
	}
	head, err := mem.Read(ptr, 2)
	if err != nil {
		return Sockaddr{}, err
	}
	family := int32(le.Uint16(head))
	var want uint32
	switch family {
	case sockfs.AF_INET:
		want = sockaddrIn
	case sockfs.AF_INET6:
		want = sockaddrIn6
	default:
		return Sockaddr{}, errors.Domain(errors.PhaseSyscall, errors.EAFNOSUPPORT, "sockaddr")
	}
	if length != want {
		return Sockaddr{}, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "sockaddr")
	}
	b, err := mem.Read(ptr, want)
	if err != nil {
		return Sockaddr{}, err
	}
	sa := Sockaddr{Family: family, Port: binary.BigEndian.Uint16(b[2:])}
	if family == sockfs.AF_INET {
		sa.Addr = netip.AddrFrom4([4]byte(b[4:8])).String()
	} else {
		sa.Addr = netip.AddrFrom16([16]byte(b[8:24])).Unmap().String()
	}
	return sa, nil
}

// encodeSockaddr lays out addr, which must be an address literal.
func encodeSockaddr(family int32, addr string, port uint16) ([]byte, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, errors.New(errors.PhaseSyscall, errors.KindErrno).
			Errno(errors.EINVAL).
			Op("sockaddr").
			Value(addr).
			Cause(err).
			Build()
	}
	switch family {
	case sockfs.AF_INET:
		if !ip.Unmap().Is4() {
			return nil, errors.Domain(errors.PhaseSyscall, errors.EAFNOSUPPORT, "sockaddr")
		}
		b := make([]byte, sockaddrIn)
		le.PutUint16(b, uint16(family))
		binary.BigEndian.PutUint16(b[2:], port)
		a4 := ip.Unmap().As4()
		copy(b[4:], a4[:])
		return b, nil
	case sockfs.AF_INET6:
		b := make([]byte, sockaddrIn6)
		le.PutUint16(b, uint16(family))
		binary.BigEndian.PutUint16(b[2:], port)
		a16 := ip.As16()
		copy(b[8:], a16[:])
		return b, nil
	}
	return nil, errors.Domain(errors.PhaseSyscall, errors.EAFNOSUPPORT, "sockaddr")
}

// writeSockaddr stores a sockaddr at ptr and its length at lenPtr, if set.
// A null ptr writes nothing.
func writeSockaddr(mem wasmkernel.Memory, ptr, lenPtr uint32, family int32, addr string, port uint16) error {
	if ptr == 0 {
		return nil
	}
	b, err := encodeSockaddr(family, addr, port)
	if err != nil {
		return err
	}
	if lenPtr != 0 {
		if err := mem.WriteU32(lenPtr, uint32(len(b))); err != nil {
			return err
		}
	}
	return mem.Write(ptr, b)
}

type iovec struct {
	ptr uint32
	len uint32
}

func readIovecs(mem wasmkernel.Memory, ptr uint32, count int32) ([]iovec, error) {
	if count < 0 {
		return nil, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "iovec")
	}
	b, err := mem.Read(ptr, uint32(count)*iovecSize)
	if err != nil {
		return nil, err
	}
	iovs := make([]iovec, count)
	for i := range iovs {
		iovs[i] = iovec{ptr: le.Uint32(b[i*iovecSize:]), len: le.Uint32(b[i*iovecSize+4:])}
	}
	return iovs, nil
}

func encodeTermios(t vfs.Termios) []byte {
	b := make([]byte, termiosSize)
	le.PutUint32(b[0:], t.Iflag)
	le.PutUint32(b[4:], t.Oflag)
	le.PutUint32(b[8:], t.Cflag)
	le.PutUint32(b[12:], t.Lflag)
	copy(b[termiosCcOff:], t.Cc[:])
	return b
}

func decodeTermios(b []byte) vfs.Termios {
	t := vfs.Termios{
		Iflag: le.Uint32(b[0:]),
		Oflag: le.Uint32(b[4:]),
		Cflag: le.Uint32(b[8:]),
		Lflag: le.Uint32(b[12:]),
	}
	copy(t.Cc[:], b[termiosCcOff:termiosCcOff+32])
	return t
}

// readTimespec decodes a struct timespec: i64 seconds and a long of
// nanoseconds.
func readTimespec(mem wasmkernel.Memory, ptr uint32) (sec int64, nsec int32, err error) {
	b, err := mem.Read(ptr, timespecSize)
	if err != nil {
		return 0, 0, err
	}
	return int64(le.Uint64(b)), int32(le.Uint32(b[8:])), nil
}

func encodeTm(t time.Time) []byte {
	b := make([]byte, tmSize)
	le.PutUint32(b[0:], uint32(t.Second()))
	le.PutUint32(b[4:], uint32(t.Minute()))
	le.PutUint32(b[8:], uint32(t.Hour()))
	le.PutUint32(b[12:], uint32(t.Day()))
	le.PutUint32(b[16:], uint32(t.Month()-1))
	le.PutUint32(b[20:], uint32(t.Year()-1900))
	le.PutUint32(b[24:], uint32(t.Weekday()))
	le.PutUint32(b[28:], uint32(t.YearDay()-1))
	_, offset := t.Zone()
	le.PutUint32(b[36:], uint32(int32(offset)))
	return b
}

func decodeTm(b []byte, loc *time.Location) time.Time {
	i := func(off int) int { return int(int32(le.Uint32(b[off:]))) }
	return time.Date(i(20)+1900, time.Month(i(16)+1), i(12), i(8), i(4), i(0), 0, loc)
}
