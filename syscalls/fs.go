package syscalls

import (
	"strings"
	"time"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/vpath"
)

// fcntl commands.
const (
	F_DUPFD         = 0
	F_GETFD         = 1
	F_SETFD         = 2
	F_GETFL         = 3
	F_SETFL         = 4
	F_GETLK         = 5
	F_SETLK         = 6
	F_SETLKW        = 7
	F_SETOWN        = 8
	F_GETOWN        = 9
	F_GETLK64       = 12
	F_SETLK64       = 13
	F_SETLKW64      = 14
	F_GETOWN_EX     = 16
	F_DUPFD_CLOEXEC = 1030

	FD_CLOEXEC = 1
	F_UNLCK    = 2
)

const (
	utimeNow  = 1<<30 - 1
	utimeOmit = 1<<30 - 2
)

// Openat opens path relative to dirfd. The libc passes an argument area only
// when a mode is needed.
func (k *Kernel) Openat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, flags int32, va uint32) (int32, error) {
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return 0, err
	}
	var mode int32
	if va != 0 {
		args := varargs{mem: mem, ptr: va}
		if mode, err = args.i32(); err != nil {
			return 0, err
		}
	}
	s, err := k.fs.Open(p, flags, vfs.Mode(mode))
	if err != nil {
		return 0, err
	}
	if flags&vfs.O_CLOEXEC != 0 {
		s.FDFlags |= FD_CLOEXEC
	}
	return s.FD, nil
}

// Close closes fd.
func (k *Kernel) Close(fd int32) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	return k.fs.Close(s)
}

// Fcntl implements the descriptor commands. Advisory locks always succeed.
func (k *Kernel) Fcntl(mem wasmkernel.Memory, fd, cmd int32, va uint32) (int32, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	args := varargs{mem: mem, ptr: va}
	switch cmd {
	case F_DUPFD, F_DUPFD_CLOEXEC:
		lowest, err := args.i32()
		if err != nil {
			return 0, err
		}
		if lowest < 0 {
			return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "fcntl")
		}
		dup, err := k.fs.Dup(s, lowest)
		if err != nil {
			return 0, err
		}
		if cmd == F_DUPFD_CLOEXEC {
			dup.FDFlags |= FD_CLOEXEC
		}
		return dup.FD, nil
	case F_GETFD:
		return s.FDFlags, nil
	case F_SETFD:
		arg, err := args.i32()
		if err != nil {
			return 0, err
		}
		s.FDFlags = arg & FD_CLOEXEC
		return 0, nil
	case F_GETFL:
		return s.Flags(), nil
	case F_SETFL:
		arg, err := args.i32()
		if err != nil {
			return 0, err
		}
		const settable = vfs.O_APPEND | vfs.O_NONBLOCK
		s.SetFlags(s.Flags()&^settable | arg&settable)
		return 0, nil
	case F_GETLK, F_GETLK64:
		ptr, err := args.ptr32()
		if err != nil {
			return 0, err
		}
		return 0, mem.WriteU16(ptr, F_UNLCK)
	case F_SETLK, F_SETLKW, F_SETLK64, F_SETLKW64:
		return 0, nil
	case F_GETOWN:
		return 0, nil
	case F_SETOWN, F_GETOWN_EX:
		return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "fcntl")
	}
	return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "fcntl")
}

// Ioctl decodes the argument of the terminal and socket requests and hands
// the request to the stream.
func (k *Kernel) Ioctl(mem wasmkernel.Memory, fd int32, req uint32, va uint32) (int32, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	args := varargs{mem: mem, ptr: va}
	arg := &vfs.IoctlArg{}
	var out uint32
	switch req {
	case vfs.TCGETS:
		arg.Termios = &vfs.Termios{}
	case vfs.TCSETS, vfs.TCSETSW, vfs.TCSETSF:
		ptr, err := args.ptr32()
		if err != nil {
			return 0, err
		}
		b, err := mem.Read(ptr, termiosSize)
		if err != nil {
			return 0, err
		}
		t := decodeTermios(b)
		arg.Termios = &t
	case vfs.TIOCGWINSZ:
		arg.Winsize = &vfs.Winsize{}
	case vfs.TIOCSWINSZ:
		ptr, err := args.ptr32()
		if err != nil {
			return 0, err
		}
		rows, err := mem.ReadU16(ptr)
		if err != nil {
			return 0, err
		}
		cols, err := mem.ReadU16(ptr + 2)
		if err != nil {
			return 0, err
		}
		arg.Winsize = &vfs.Winsize{Rows: rows, Cols: cols}
	case vfs.FIONBIO:
		ptr, err := args.ptr32()
		if err != nil {
			return 0, err
		}
		v, err := mem.ReadU32(ptr)
		if err != nil {
			return 0, err
		}
		arg.Int = int32(v)
	}

	ret, err := k.fs.Ioctl(s, req, arg)
	if err != nil {
		return 0, err
	}

	switch req {
	case vfs.TCGETS:
		if out, err = args.ptr32(); err != nil {
			return 0, err
		}
		return ret, mem.Write(out, encodeTermios(*arg.Termios))
	case vfs.TIOCGWINSZ:
		if out, err = args.ptr32(); err != nil {
			return 0, err
		}
		if err := mem.WriteU16(out, arg.Winsize.Rows); err != nil {
			return 0, err
		}
		return ret, mem.WriteU16(out+2, arg.Winsize.Cols)
	case vfs.TIOCGPGRP, vfs.FIONREAD:
		if out, err = args.ptr32(); err != nil {
			return 0, err
		}
		return ret, mem.WriteU32(out, uint32(arg.Int))
	}
	return ret, nil
}

// Getdents64 fills dirp with as many 280-byte records as fit in count. The
// listing is taken once per open descriptor and the cursor is the record
// offset, so an enumeration can resume after a partial read.
func (k *Kernel) Getdents64(mem wasmkernel.Memory, fd int32, dirp uint32, count uint32) (int32, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	if s.Node == nil || !s.Node.Mode.IsDir() {
		return 0, errors.Domain(errors.PhaseSyscall, errors.ENOTDIR, "getdents")
	}
	if s.Dirents == nil {
		names, err := s.Node.Ops.Readdir(s.Node)
		if err != nil {
			return 0, err
		}
		s.Dirents = names
	}
	off, err := k.fs.Llseek(s, 0, vfs.SeekCur)
	if err != nil {
		return 0, err
	}
	start := int(off / direntSize)
	end := min(len(s.Dirents), start+int(count/direntSize))
	if start > len(s.Dirents) {
		start = len(s.Dirents)
	}

	var buf []byte
	idx := start
	for ; idx < end; idx++ {
		name := s.Dirents[idx]
		var (
			ino uint64
			typ uint8
		)
		switch name {
		case ".":
			ino, typ = uint64(s.Node.ID), vfs.DirentType(vfs.S_IFDIR)
		case "..":
			ino, typ = uint64(s.Node.ParentNode().ID), vfs.DirentType(vfs.S_IFDIR)
		default:
			child, err := k.fs.LookupNode(s.Node, name)
			if err != nil {
				if code, ok := errors.ToErrno(err); ok && (code == errors.EINVAL || code == errors.ENOENT) {
					continue
				}
				return 0, err
			}
			ino, typ = uint64(child.ID), vfs.DirentType(child.Mode)
		}
		buf = append(buf, encodeDirent(ino, int64(idx+1)*direntSize, typ, name)...)
	}
	if err := mem.Write(dirp, buf); err != nil {
		return 0, err
	}
	if _, err := k.fs.Llseek(s, int64(idx)*direntSize, vfs.SeekSet); err != nil {
		return 0, err
	}
	return int32(len(buf)), nil
}

// Getcwd copies the working directory with its terminator and returns the
// length including the terminator.
func (k *Kernel) Getcwd(mem wasmkernel.Memory, buf, size uint32) (int32, error) {
	if size == 0 {
		return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "getcwd")
	}
	cwd := k.fs.Cwd()
	need := uint32(len(cwd)) + 1
	if size < need {
		return 0, errors.Domain(errors.PhaseSyscall, errors.ERANGE, "getcwd")
	}
	if _, err := writeString(mem, cwd, buf, size); err != nil {
		return 0, err
	}
	return int32(need), nil
}

// Chdir changes the working directory.
func (k *Kernel) Chdir(mem wasmkernel.Memory, pathPtr uint32) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	return k.fs.Chdir(p)
}

// Fchdir changes the working directory to an open directory.
func (k *Kernel) Fchdir(fd int32) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	return k.fs.Chdir(s.Path)
}

// Mkdirat creates a directory. A trailing slash is ignored.
func (k *Kernel) Mkdirat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, mode int32) error {
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return err
	}
	p = vpath.Normalize(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	_, err = k.fs.Mkdir(p, vfs.Mode(mode))
	return err
}

// Mknodat creates a file, device, FIFO or socket node.
func (k *Kernel) Mknodat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, mode, dev int32) error {
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return err
	}
	m := vfs.Mode(mode)
	switch m.Type() {
	case vfs.S_IFREG, vfs.S_IFCHR, vfs.S_IFBLK, vfs.S_IFIFO, vfs.S_IFSOCK:
	default:
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "mknod")
	}
	_, err = k.fs.Mknod(p, m, uint32(dev))
	return err
}

// Rmdir removes an empty directory.
func (k *Kernel) Rmdir(mem wasmkernel.Memory, pathPtr uint32) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	return k.fs.Rmdir(p)
}

// Unlinkat removes a file, or a directory with AT_REMOVEDIR.
func (k *Kernel) Unlinkat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, flags int32) error {
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return err
	}
	switch flags {
	case 0:
		return k.fs.Unlink(p)
	case AT_REMOVEDIR:
		return k.fs.Rmdir(p)
	}
	return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "unlinkat")
}

// Renameat moves a node.
func (k *Kernel) Renameat(mem wasmkernel.Memory, olddirfd int32, oldPtr uint32, newdirfd int32, newPtr uint32) error {
	oldPath, err := k.atPath(mem, olddirfd, oldPtr, false)
	if err != nil {
		return err
	}
	newPath, err := k.atPath(mem, newdirfd, newPtr, false)
	if err != nil {
		return err
	}
	return k.fs.Rename(oldPath, newPath)
}

// Symlinkat creates linkpath pointing at target.
func (k *Kernel) Symlinkat(mem wasmkernel.Memory, targetPtr uint32, newdirfd int32, linkPtr uint32) error {
	target, err := readString(mem, targetPtr)
	if err != nil {
		return err
	}
	link, err := k.atPath(mem, newdirfd, linkPtr, false)
	if err != nil {
		return err
	}
	_, err = k.fs.Symlink(target, link)
	return err
}

// Readlinkat copies at most bufsize bytes of the link target. No terminator
// is written.
func (k *Kernel) Readlinkat(mem wasmkernel.Memory, dirfd int32, pathPtr, buf uint32, bufsize int32) (int32, error) {
	if bufsize <= 0 {
		return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "readlink")
	}
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return 0, err
	}
	target, err := k.fs.Readlink(p)
	if err != nil {
		return 0, err
	}
	b := []byte(target)
	if len(b) > int(bufsize) {
		b = b[:bufsize]
	}
	return int32(len(b)), mem.Write(buf, b)
}

// Stat64 writes the attributes of path, following symlinks.
func (k *Kernel) Stat64(mem wasmkernel.Memory, pathPtr, buf uint32) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	a, err := k.fs.Stat(p)
	if err != nil {
		return err
	}
	return writeStat(mem, buf, a)
}

// Lstat64 is Stat64 without following a final symlink.
func (k *Kernel) Lstat64(mem wasmkernel.Memory, pathPtr, buf uint32) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	a, err := k.fs.Lstat(p)
	if err != nil {
		return err
	}
	return writeStat(mem, buf, a)
}

// Fstat64 writes the attributes of an open descriptor.
func (k *Kernel) Fstat64(mem wasmkernel.Memory, fd int32, buf uint32) error {
	a, err := k.fs.Fstat(fd)
	if err != nil {
		return err
	}
	return writeStat(mem, buf, a)
}

// Newfstatat is the *at form of stat. AT_EMPTY_PATH with an empty path
// stats dirfd itself.
func (k *Kernel) Newfstatat(mem wasmkernel.Memory, dirfd int32, pathPtr, buf uint32, flags int32) error {
	nofollow := flags&AT_SYMLINK_NOFOLLOW != 0
	allowEmpty := flags&AT_EMPTY_PATH != 0
	if flags&^(AT_SYMLINK_NOFOLLOW|AT_EMPTY_PATH) != 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "fstatat")
	}
	raw, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	if raw == "" && allowEmpty && dirfd != AT_FDCWD {
		return k.Fstat64(mem, dirfd, buf)
	}
	p, err := k.at(dirfd, raw, allowEmpty)
	if err != nil {
		return err
	}
	var a vfs.Attr
	if nofollow {
		a, err = k.fs.Lstat(p)
	} else {
		a, err = k.fs.Stat(p)
	}
	if err != nil {
		return err
	}
	return writeStat(mem, buf, a)
}

// Faccessat checks R_OK, W_OK and X_OK against the node mode.
func (k *Kernel) Faccessat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, amode, flags int32) error {
	if amode&^7 != 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "faccessat")
	}
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return err
	}
	res, err := k.fs.LookupPath(p, vfs.LookupOptions{Follow: flags&AT_SYMLINK_NOFOLLOW == 0})
	if err != nil {
		return err
	}
	if res.Node == nil {
		return errors.PathError(errors.PhaseSyscall, errors.ENOENT, "faccessat", p)
	}
	return k.fs.Access(res.Node, amode)
}

// Chmod changes the permission bits of path.
func (k *Kernel) Chmod(mem wasmkernel.Memory, pathPtr uint32, mode int32) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	return k.fs.Chmod(p, vfs.Mode(mode))
}

// Fchmod changes the permission bits of an open descriptor.
func (k *Kernel) Fchmod(fd, mode int32) error {
	return k.fs.Fchmod(fd, vfs.Mode(mode))
}

// Fchmodat changes permission bits relative to dirfd.
func (k *Kernel) Fchmodat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, mode, flags int32) error {
	if flags&^AT_SYMLINK_NOFOLLOW != 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "fchmodat")
	}
	p, err := k.atPath(mem, dirfd, pathPtr, false)
	if err != nil {
		return err
	}
	if flags&AT_SYMLINK_NOFOLLOW != 0 {
		return k.fs.Lchmod(p, vfs.Mode(mode))
	}
	return k.fs.Chmod(p, vfs.Mode(mode))
}

// Fchownat refreshes the change time; ownership is not modeled.
func (k *Kernel) Fchownat(mem wasmkernel.Memory, dirfd int32, pathPtr uint32, owner, group, flags int32) error {
	if flags&^(AT_SYMLINK_NOFOLLOW|AT_EMPTY_PATH) != 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "fchownat")
	}
	p, err := k.atPath(mem, dirfd, pathPtr, flags&AT_EMPTY_PATH != 0)
	if err != nil {
		return err
	}
	if flags&AT_SYMLINK_NOFOLLOW != 0 {
		return k.fs.Lchown(p, uint32(owner), uint32(group))
	}
	return k.fs.Chown(p, uint32(owner), uint32(group))
}

// Fchown is Fchownat through a descriptor.
func (k *Kernel) Fchown(fd, owner, group int32) error {
	return k.fs.Fchown(fd, uint32(owner), uint32(group))
}

// Utimensat sets access and modification times from two timespecs. A null
// times pointer means now; UTIME_NOW and UTIME_OMIT are honored per field.
func (k *Kernel) Utimensat(mem wasmkernel.Memory, dirfd int32, pathPtr, times uint32, flags int32) error {
	p, err := k.atPath(mem, dirfd, pathPtr, true)
	if err != nil {
		return err
	}
	res, err := k.fs.LookupPath(p, vfs.LookupOptions{Follow: flags&AT_SYMLINK_NOFOLLOW == 0})
	if err != nil {
		return err
	}
	if res.Node == nil {
		return errors.PathError(errors.PhaseSyscall, errors.ENOENT, "utimensat", p)
	}
	now := k.fs.Now()
	atime, mtime := now, now
	if times != 0 {
		cur, err := res.Node.Ops.GetAttr(res.Node)
		if err != nil {
			return err
		}
		pick := func(ptr uint32, old time.Time) (time.Time, error) {
			sec, nsec, err := readTimespec(mem, ptr)
			if err != nil {
				return time.Time{}, err
			}
			switch nsec {
			case utimeNow:
				return now, nil
			case utimeOmit:
				return old, nil
			}
			if nsec < 0 || nsec >= 1e9 {
				return time.Time{}, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "utimensat")
			}
			return time.Unix(sec, int64(nsec)), nil
		}
		if atime, err = pick(times, cur.Atime); err != nil {
			return err
		}
		if mtime, err = pick(times+timespecSize, cur.Mtime); err != nil {
			return err
		}
	}
	return k.fs.UtimeNode(res.Node, atime, mtime)
}

// Truncate64 resizes the file at path.
func (k *Kernel) Truncate64(mem wasmkernel.Memory, pathPtr uint32, length int64) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	return k.fs.Truncate(p, length)
}

// Ftruncate64 resizes an open file.
func (k *Kernel) Ftruncate64(fd int32, length int64) error {
	return k.fs.Ftruncate(fd, length)
}

// Fallocate reserves storage. Only mode 0 is supported.
func (k *Kernel) Fallocate(fd, mode int32, offset, length int64) error {
	if mode != 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EOPNOTSUPP, "fallocate")
	}
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	return k.fs.Allocate(s, offset, length)
}

// Fsync flushes an open descriptor.
func (k *Kernel) Fsync(fd int32) error {
	s, err := k.stream(fd)
	if err != nil {
		return err
	}
	return k.fs.Fsync(s)
}

// Dup duplicates fd into the lowest free descriptor.
func (k *Kernel) Dup(fd int32) (int32, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	dup, err := k.fs.Dup(s, 0)
	if err != nil {
		return 0, err
	}
	return dup.FD, nil
}

// Dup3 duplicates fd onto newfd, closing what was there.
func (k *Kernel) Dup3(fd, newfd, flags int32) (int32, error) {
	s, err := k.stream(fd)
	if err != nil {
		return 0, err
	}
	if fd == newfd || flags&^vfs.O_CLOEXEC != 0 {
		return 0, errors.Domain(errors.PhaseSyscall, errors.EINVAL, "dup3")
	}
	dup, err := k.fs.DupTo(s, newfd)
	if err != nil {
		return 0, err
	}
	if flags&vfs.O_CLOEXEC != 0 {
		dup.FDFlags |= FD_CLOEXEC
	}
	return dup.FD, nil
}

// Pipe creates a pipe and stores the read and write descriptors at fdPtr.
func (k *Kernel) Pipe(mem wasmkernel.Memory, fdPtr uint32) error {
	if fdPtr == 0 {
		return errors.Domain(errors.PhaseSyscall, errors.EFAULT, "pipe")
	}
	if k.pipes == nil {
		return errors.Domain(errors.PhaseSyscall, errors.ENOSYS, "pipe")
	}
	r, w, err := k.pipes.Create()
	if err != nil {
		return err
	}
	if err := mem.WriteU32(fdPtr, uint32(r.FD)); err != nil {
		return err
	}
	return mem.WriteU32(fdPtr+4, uint32(w.FD))
}

// Statfs64 reports fixed filesystem statistics.
func (k *Kernel) Statfs64(mem wasmkernel.Memory, pathPtr, size, buf uint32) error {
	p, err := readString(mem, pathPtr)
	if err != nil {
		return err
	}
	if _, err := k.fs.Stat(p); err != nil {
		return err
	}
	return k.writeStatfs(mem, size, buf)
}

// Fstatfs64 is Statfs64 through a descriptor.
func (k *Kernel) Fstatfs64(mem wasmkernel.Memory, fd int32, size, buf uint32) error {
	if _, err := k.stream(fd); err != nil {
		return err
	}
	return k.writeStatfs(mem, size, buf)
}

func (k *Kernel) writeStatfs(mem wasmkernel.Memory, size, buf uint32) error {
	if size < statfsSize {
		return errors.Domain(errors.PhaseSyscall, errors.EINVAL, "statfs")
	}
	b := make([]byte, statfsSize)
	le.PutUint32(b[4:], 4096)
	le.PutUint64(b[8:], 1000000)
	le.PutUint64(b[16:], 500000)
	le.PutUint64(b[24:], 500000)
	le.PutUint64(b[32:], 1000000)
	le.PutUint64(b[40:], 1000000)
	le.PutUint32(b[48:], 42)
	le.PutUint32(b[56:], 255)
	le.PutUint32(b[60:], 4096)
	le.PutUint32(b[64:], 2)
	return mem.Write(buf, b)
}
