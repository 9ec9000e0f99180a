package vfs

// Mode holds POSIX file type and permission bits.
type Mode uint32

const (
	S_IFMT   Mode = 0o170000
	S_IFSOCK Mode = 0o140000
	S_IFLNK  Mode = 0o120000
	S_IFREG  Mode = 0o100000
	S_IFBLK  Mode = 0o060000
	S_IFDIR  Mode = 0o040000
	S_IFCHR  Mode = 0o020000
	S_IFIFO  Mode = 0o010000
)

const (
	PermMask  Mode = 0o7777
	ModeRead  Mode = 0o444
	ModeWrite Mode = 0o222
	ModeExec  Mode = 0o111
)

func (m Mode) Type() Mode     { return m & S_IFMT }
func (m Mode) Perm() Mode     { return m & PermMask }
func (m Mode) IsDir() bool    { return m&S_IFMT == S_IFDIR }
func (m Mode) IsFile() bool   { return m&S_IFMT == S_IFREG }
func (m Mode) IsLink() bool   { return m&S_IFMT == S_IFLNK }
func (m Mode) IsChrdev() bool { return m&S_IFMT == S_IFCHR }
func (m Mode) IsBlkdev() bool { return m&S_IFMT == S_IFBLK }
func (m Mode) IsFIFO() bool   { return m&S_IFMT == S_IFIFO }
func (m Mode) IsSocket() bool { return m&S_IFMT == S_IFSOCK }

// Open flags, as seen by the guest libc.
const (
	O_RDONLY    = 0
	O_WRONLY    = 1
	O_RDWR      = 2
	O_ACCMODE   = 3
	O_CREAT     = 0o100
	O_EXCL      = 0o200
	O_NOCTTY    = 0o400
	O_TRUNC     = 0o1000
	O_APPEND    = 0o2000
	O_NONBLOCK  = 0o4000
	O_DSYNC     = 0o10000
	O_DIRECTORY = 0o200000
	O_NOFOLLOW  = 0o400000
	O_CLOEXEC   = 0o2000000
	O_PATH      = 0o10000000
)

// Seek whence values.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Poll event bits.
const (
	POLLIN     = 0x001
	POLLPRI    = 0x002
	POLLOUT    = 0x004
	POLLERR    = 0x008
	POLLHUP    = 0x010
	POLLNVAL   = 0x020
	POLLRDNORM = 0x040
	POLLWRNORM = 0x100
)

// Ioctl requests understood by the terminal and socket backends.
const (
	TCGETS     = 0x5401
	TCSETS     = 0x5402
	TCSETSW    = 0x5403
	TCSETSF    = 0x5404
	TCFLSH     = 0x540B
	TIOCGPGRP  = 0x540F
	TIOCSPGRP  = 0x5410
	TIOCGWINSZ = 0x5413
	TIOCSWINSZ = 0x5414
	FIONREAD   = 0x541B
	FIONBIO    = 0x5421
)

// Memory mapping flags and protections.
const (
	PROT_READ   = 1
	PROT_WRITE  = 2
	MAP_SHARED  = 1
	MAP_PRIVATE = 2
)

// MaxOpenFDs bounds the descriptor table.
const MaxOpenFDs = 4096

// MaxSymlinks bounds symlink traversal during lookup.
const MaxSymlinks = 40

// Makedev packs a device number pair.
func Makedev(major, minor uint32) uint32 {
	return major<<8 | minor
}

// Major returns the major half of dev.
func Major(dev uint32) uint32 { return dev >> 8 }

// Minor returns the minor half of dev.
func Minor(dev uint32) uint32 { return dev & 0xff }

// DirentType is the d_type tag of a directory record.
func DirentType(m Mode) uint8 {
	switch {
	case m.IsChrdev():
		return 2
	case m.IsDir():
		return 4
	case m.IsLink():
		return 10
	case m.IsFIFO():
		return 1
	case m.IsSocket():
		return 12
	}
	return 8
}
