package syscalls

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
	"github.com/wippyai/wasm-kernel/vfs/pipefs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
)

type testMemory struct {
	buf []byte
}

func newMemory(size int) *testMemory { return &testMemory{buf: make([]byte, size)} }

func (m *testMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *testMemory) Read(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(m.buf)) {
		return nil, oob(offset, length)
	}
	return m.buf[offset : offset+length], nil
}

func (m *testMemory) Write(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.buf)) {
		return oob(offset, uint32(len(data)))
	}
	copy(m.buf[offset:], data)
	return nil
}

func (m *testMemory) ReadU8(offset uint32) (uint8, error) {
	b, err := m.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *testMemory) ReadU16(offset uint32) (uint16, error) {
	b, err := m.Read(offset, 2)
	if err != nil {
		return 0, err
	}
	return le.Uint16(b), nil
}

func (m *testMemory) ReadU32(offset uint32) (uint32, error) {
	b, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

func (m *testMemory) ReadU64(offset uint32) (uint64, error) {
	b, err := m.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

func (m *testMemory) WriteU8(offset uint32, v uint8) error { return m.Write(offset, []byte{v}) }

func (m *testMemory) WriteU16(offset uint32, v uint16) error {
	return m.Write(offset, le.AppendUint16(nil, v))
}

func (m *testMemory) WriteU32(offset uint32, v uint32) error {
	return m.Write(offset, le.AppendUint32(nil, v))
}

func (m *testMemory) WriteU64(offset uint32, v uint64) error {
	return m.Write(offset, le.AppendUint64(nil, v))
}

func (m *testMemory) putString(t *testing.T, ptr uint32, s string) uint32 {
	t.Helper()
	if err := m.Write(ptr, append([]byte(s), 0)); err != nil {
		t.Fatal(err)
	}
	return ptr
}

func (m *testMemory) u32(t *testing.T, ptr uint32) uint32 {
	t.Helper()
	v, err := m.ReadU32(ptr)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func (m *testMemory) cstring(ptr uint32) string {
	end := bytes.IndexByte(m.buf[ptr:], 0)
	return string(m.buf[ptr : int(ptr)+end])
}

func newKernel(t *testing.T) (*Kernel, *testMemory) {
	t.Helper()
	fs := vfs.New(vfs.Options{})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	pipes := pipefs.New()
	if _, err := fs.Mount(pipes, nil, ""); err != nil {
		t.Fatal(err)
	}
	k := New(Options{
		FS:    fs,
		Pipes: pipes,
		Args:  []string{"prog", "-v"},
		Env:   []string{"HOME=/home/web_user"},
	})
	return k, newMemory(64 << 10)
}

func wantErrno(t *testing.T, err error, want errors.Errno) {
	t.Helper()
	code, ok := errors.ToErrno(err)
	if !ok || code != want {
		t.Fatalf("error = %v, want %s", err, want.Name())
	}
}

func TestOpenatWriteSeekRead(t *testing.T) {
	k, mem := newKernel(t)
	ctx := context.Background()

	path := mem.putString(t, 0x100, "/data.txt")
	mode := uint32(0x180)
	if err := mem.WriteU32(mode, 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := k.Openat(mem, AT_FDCWD, path, vfs.O_CREAT|vfs.O_RDWR, mode)
	if err != nil {
		t.Fatalf("Openat: %v", err)
	}

	mem.putString(t, 0x300, "hello")
	mem.WriteU32(0x200, 0x300)
	mem.WriteU32(0x204, 5)
	if err := k.FdWrite(mem, fd, 0x200, 1, 0x400); err != nil {
		t.Fatalf("FdWrite: %v", err)
	}
	if n := mem.u32(t, 0x400); n != 5 {
		t.Fatalf("nwritten = %d, want 5", n)
	}

	if err := k.FdSeek(mem, fd, 0, vfs.SeekSet, 0x408); err != nil {
		t.Fatalf("FdSeek: %v", err)
	}
	mem.WriteU32(0x200, 0x500)
	mem.WriteU32(0x204, 16)
	if err := k.FdRead(ctx, mem, fd, 0x200, 1, 0x400); err != nil {
		t.Fatalf("FdRead: %v", err)
	}
	if n := mem.u32(t, 0x400); n != 5 {
		t.Fatalf("nread = %d, want 5", n)
	}
	if got := string(mem.buf[0x500:0x505]); got != "hello" {
		t.Fatalf("read %q", got)
	}
	if err := k.Close(fd); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, k.Close(fd), errors.EBADF)
}

func TestOpenatRelativeToDirfd(t *testing.T) {
	k, mem := newKernel(t)
	if _, err := k.fs.Mkdir("/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := k.fs.Create("/dir/file", 0o644); err != nil {
		t.Fatal(err)
	}
	dirfd, err := k.Openat(mem, AT_FDCWD, mem.putString(t, 0x100, "/dir"), vfs.O_RDONLY|vfs.O_DIRECTORY, 0)
	if err != nil {
		t.Fatal(err)
	}
	fd, err := k.Openat(mem, dirfd, mem.putString(t, 0x100, "file"), vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Openat relative: %v", err)
	}
	s, _ := k.stream(fd)
	if s.Path != "/dir/file" {
		t.Fatalf("path = %q", s.Path)
	}

	_, err = k.Openat(mem, fd, mem.putString(t, 0x100, "x"), vfs.O_RDONLY, 0)
	wantErrno(t, err, errors.ENOTDIR)
	_, err = k.Openat(mem, AT_FDCWD, mem.putString(t, 0x100, ""), vfs.O_RDONLY, 0)
	wantErrno(t, err, errors.ENOENT)
}

func TestGetdents64Resumes(t *testing.T) {
	k, mem := newKernel(t)
	if _, err := k.fs.Mkdir("/d", 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, err := k.fs.Create("/d/"+name, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fd, err := k.Openat(mem, AT_FDCWD, mem.putString(t, 0x100, "/d"), vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for {
		n, err := k.Getdents64(mem, fd, 0x1000, 2*direntSize+10)
		if err != nil {
			t.Fatalf("Getdents64: %v", err)
		}
		if n == 0 {
			break
		}
		if n%direntSize != 0 || n > 2*direntSize {
			t.Fatalf("returned %d bytes", n)
		}
		for off := uint32(0); off < uint32(n); off += direntSize {
			names = append(names, mem.cstring(0x1000+off+19))
		}
	}
	want := []string{".", "..", "a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	typ := mem.buf[0x1000+18]
	if typ != vfs.DirentType(vfs.S_IFREG) {
		t.Fatalf("last entry type = %d", typ)
	}

	file, err := k.Openat(mem, AT_FDCWD, mem.putString(t, 0x100, "/d/a"), vfs.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = k.Getdents64(mem, file, 0x1000, direntSize)
	wantErrno(t, err, errors.ENOTDIR)
}

func TestGetcwd(t *testing.T) {
	k, mem := newKernel(t)
	if err := k.fs.MkdirTree("/home/web_user", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := k.Chdir(mem, mem.putString(t, 0x100, "/home/web_user")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		size uint32
		want int32
		err  errors.Errno
	}{
		{size: 0, err: errors.EINVAL},
		{size: 14, err: errors.ERANGE},
		{size: 15, want: 15},
		{size: 256, want: 15},
	}
	for _, tt := range tests {
		n, err := k.Getcwd(mem, 0x200, tt.size)
		if tt.err != 0 {
			wantErrno(t, err, tt.err)
			continue
		}
		if err != nil || n != tt.want {
			t.Fatalf("Getcwd(%d) = %d, %v; want %d", tt.size, n, err, tt.want)
		}
		if got := mem.cstring(0x200); got != "/home/web_user" {
			t.Fatalf("cwd = %q", got)
		}
	}
}

func TestStat64Layout(t *testing.T) {
	k, mem := newKernel(t)
	s, err := k.fs.Open("/f", vfs.O_CREAT|vfs.O_WRONLY, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.fs.Write(s, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	if err := k.Stat64(mem, mem.putString(t, 0x100, "/f"), 0x400); err != nil {
		t.Fatalf("Stat64: %v", err)
	}
	mode := vfs.Mode(mem.u32(t, 0x400+4))
	if !mode.IsFile() || mode.Perm() != 0o640 {
		t.Fatalf("mode = %o", mode)
	}
	size, _ := mem.ReadU64(0x400 + 24)
	if size != 3 {
		t.Fatalf("size = %d, want 3", size)
	}
	ino, _ := mem.ReadU64(0x400 + 88)
	if ino != uint64(s.Node.ID) {
		t.Fatalf("ino = %d, want %d", ino, s.Node.ID)
	}

	wantErrno(t, k.Stat64(mem, mem.putString(t, 0x100, "/missing"), 0x400), errors.ENOENT)

	if err := k.Newfstatat(mem, s.FD, mem.putString(t, 0x100, ""), 0x500, AT_EMPTY_PATH); err != nil {
		t.Fatalf("Newfstatat empty path: %v", err)
	}
	if !bytes.Equal(mem.buf[0x400:0x400+statSize], mem.buf[0x500:0x500+statSize]) {
		t.Fatal("fstatat and stat disagree")
	}
}

func TestPipe(t *testing.T) {
	k, mem := newKernel(t)
	ctx := context.Background()

	wantErrno(t, k.Pipe(mem, 0), errors.EFAULT)

	if err := k.Pipe(mem, 0x100); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	r, w := int32(mem.u32(t, 0x100)), int32(mem.u32(t, 0x104))

	mem.WriteU32(0x200, 0x300)
	mem.WriteU32(0x204, 8)
	err := k.FdRead(ctx, mem, r, 0x200, 1, 0x400)
	wantErrno(t, err, errors.EAGAIN)

	copy(mem.buf[0x300:], "ping")
	mem.WriteU32(0x204, 4)
	if err := k.FdWrite(mem, w, 0x200, 1, 0x400); err != nil {
		t.Fatal(err)
	}
	mem.WriteU32(0x200, 0x800)
	mem.WriteU32(0x204, 8)
	if err := k.FdRead(ctx, mem, r, 0x200, 1, 0x400); err != nil {
		t.Fatalf("FdRead: %v", err)
	}
	if n := mem.u32(t, 0x400); n != 4 || string(mem.buf[0x800:0x804]) != "ping" {
		t.Fatalf("read %d bytes %q", n, mem.buf[0x800:0x804])
	}
}

func TestPipeWithoutBackend(t *testing.T) {
	k, mem := newKernel(t)
	k.pipes = nil
	wantErrno(t, k.Pipe(mem, 0x100), errors.ENOSYS)
}

func TestPoll(t *testing.T) {
	k, mem := newKernel(t)
	ctx := context.Background()
	if err := k.Pipe(mem, 0x100); err != nil {
		t.Fatal(err)
	}
	r, w := mem.u32(t, 0x100), mem.u32(t, 0x104)

	putPollfd := func(i, fd uint32, events uint16) {
		mem.WriteU32(0x200+i*pollfdSize, fd)
		mem.WriteU16(0x200+i*pollfdSize+4, events)
		mem.WriteU16(0x200+i*pollfdSize+6, 0xffff)
	}
	revents := func(i uint32) uint16 {
		v, _ := mem.ReadU16(0x200 + i*pollfdSize + 6)
		return v
	}

	putPollfd(0, r, vfs.POLLIN)
	n, err := k.Poll(ctx, mem, 0x200, 1, 0)
	if err != nil || n != 0 {
		t.Fatalf("Poll empty = %d, %v", n, err)
	}
	if revents(0) != 0 {
		t.Fatalf("revents = %#x, want 0", revents(0))
	}

	putPollfd(1, w, vfs.POLLOUT)
	putPollfd(2, 99, vfs.POLLIN)
	n, err = k.Poll(ctx, mem, 0x200, 3, 0)
	if err != nil || n != 2 {
		t.Fatalf("Poll = %d, %v; want 2", n, err)
	}
	if revents(1)&vfs.POLLOUT == 0 {
		t.Fatalf("writer revents = %#x", revents(1))
	}
	if revents(2) != vfs.POLLNVAL {
		t.Fatalf("bad fd revents = %#x", revents(2))
	}

	ws, _ := k.stream(int32(w))
	if _, err := k.fs.Write(ws, []byte("x")); err != nil {
		t.Fatal(err)
	}
	n, err = k.Poll(ctx, mem, 0x200, 1, 0)
	if err != nil || n != 1 || revents(0)&vfs.POLLIN == 0 {
		t.Fatalf("Poll after write = %d, %v, revents %#x", n, err, revents(0))
	}

	_, err = k.Poll(ctx, mem, 0x200, -1, 0)
	wantErrno(t, err, errors.EINVAL)
}

func TestFcntl(t *testing.T) {
	k, mem := newKernel(t)
	fd, err := k.Openat(mem, AT_FDCWD, mem.putString(t, 0x100, "/f"), vfs.O_CREAT|vfs.O_RDWR|vfs.O_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := k.Fcntl(mem, fd, F_GETFD, 0); err != nil || v != FD_CLOEXEC {
		t.Fatalf("F_GETFD = %d, %v", v, err)
	}

	mem.WriteU32(0x200, vfs.O_NONBLOCK|vfs.O_RDONLY)
	if _, err := k.Fcntl(mem, fd, F_SETFL, 0x200); err != nil {
		t.Fatal(err)
	}
	fl, err := k.Fcntl(mem, fd, F_GETFL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fl&vfs.O_NONBLOCK == 0 || fl&vfs.O_ACCMODE != vfs.O_RDWR {
		t.Fatalf("F_GETFL = %#o", fl)
	}

	mem.WriteU32(0x200, 10)
	dup, err := k.Fcntl(mem, fd, F_DUPFD, 0x200)
	if err != nil || dup < 10 {
		t.Fatalf("F_DUPFD = %d, %v", dup, err)
	}

	if _, err := k.Fcntl(mem, fd, F_SETLK, 0x200); err != nil {
		t.Fatalf("F_SETLK: %v", err)
	}
	_, err = k.Fcntl(mem, fd, F_DUPFD, 0)
	wantErrno(t, err, errors.EFAULT)
	_, err = k.Fcntl(mem, fd, 999, 0)
	wantErrno(t, err, errors.EINVAL)
}

func TestDup3(t *testing.T) {
	k, mem := newKernel(t)
	fd, err := k.Openat(mem, AT_FDCWD, mem.putString(t, 0x100, "/f"), vfs.O_CREAT|vfs.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = k.Dup3(fd, fd, 0)
	wantErrno(t, err, errors.EINVAL)

	got, err := k.Dup3(fd, 20, vfs.O_CLOEXEC)
	if err != nil || got != 20 {
		t.Fatalf("Dup3 = %d, %v", got, err)
	}
	s, _ := k.stream(20)
	if s.FDFlags&FD_CLOEXEC == 0 {
		t.Fatal("FD_CLOEXEC not set")
	}
}

func TestSockaddr(t *testing.T) {
	mem := newMemory(4096)

	tests := []struct {
		name   string
		family int32
		addr   string
		port   uint16
		size   uint32
	}{
		{"v4", sockfs.AF_INET, "10.0.0.1", 8080, sockaddrIn},
		{"v6", sockfs.AF_INET6, "fe80::1", 443, sockaddrIn6},
		{"v4 mapped", sockfs.AF_INET6, "::ffff:1.2.3.4", 53, sockaddrIn6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := writeSockaddr(mem, 0x100, 0x200, tt.family, tt.addr, tt.port); err != nil {
				t.Fatal(err)
			}
			if got := mem.u32(t, 0x200); got != tt.size {
				t.Fatalf("length = %d, want %d", got, tt.size)
			}
			if mem.buf[0x102] != byte(tt.port>>8) {
				t.Fatal("port is not big-endian")
			}
			sa, err := readSockaddr(mem, 0x100, tt.size)
			if err != nil {
				t.Fatal(err)
			}
			if sa.Family != tt.family || sa.Port != tt.port {
				t.Fatalf("decoded %+v", sa)
			}
		})
	}

	if err := writeSockaddr(mem, 0x100, 0, sockfs.AF_INET, "1.2.3.4", 1); err != nil {
		t.Fatal(err)
	}
	_, err := readSockaddr(mem, 0x100, sockaddrIn6)
	wantErrno(t, err, errors.EINVAL)

	mem.WriteU16(0x100, 1)
	_, err = readSockaddr(mem, 0x100, sockaddrIn)
	wantErrno(t, err, errors.EAFNOSUPPORT)

	_, err = encodeSockaddr(sockfs.AF_INET, "fe80::1", 0)
	wantErrno(t, err, errors.EAFNOSUPPORT)
}

func TestGetnameinfo(t *testing.T) {
	k, mem := newKernel(t)
	if err := writeSockaddr(mem, 0x100, 0, sockfs.AF_INET, "192.168.1.20", 8080); err != nil {
		t.Fatal(err)
	}

	rc, err := k.Getnameinfo(mem, 0x100, sockaddrIn, 0x200, 64, 0x300, 16, NI_NUMERICHOST)
	if err != nil || rc != 0 {
		t.Fatalf("Getnameinfo = %d, %v", rc, err)
	}
	if host, serv := mem.cstring(0x200), mem.cstring(0x300); host != "192.168.1.20" || serv != "8080" {
		t.Fatalf("host %q serv %q", host, serv)
	}

	rc, _ = k.Getnameinfo(mem, 0x100, sockaddrIn, 0x200, 4, 0, 0, NI_NUMERICHOST)
	if rc != EAI_OVERFLOW {
		t.Fatalf("short buffer = %d, want EAI_OVERFLOW", rc)
	}
	rc, _ = k.Getnameinfo(mem, 0x100, sockaddrIn, 0x200, 64, 0, 0, NI_NAMEREQD)
	if rc != EAI_NONAME {
		t.Fatalf("NI_NAMEREQD = %d, want EAI_NONAME", rc)
	}
	mem.WriteU16(0x100, 99)
	rc, _ = k.Getnameinfo(mem, 0x100, sockaddrIn, 0x200, 64, 0, 0, 0)
	if rc != EAI_FAMILY {
		t.Fatalf("bad family = %d, want EAI_FAMILY", rc)
	}
}

func TestArgsAndEnviron(t *testing.T) {
	k, mem := newKernel(t)
	if err := k.ArgsSizesGet(mem, 0x100, 0x104); err != nil {
		t.Fatal(err)
	}
	if count, size := mem.u32(t, 0x100), mem.u32(t, 0x104); count != 2 || size != 8 {
		t.Fatalf("args sizes = %d, %d", count, size)
	}
	if err := k.ArgsGet(mem, 0x200, 0x300); err != nil {
		t.Fatal(err)
	}
	if a0, a1 := mem.cstring(mem.u32(t, 0x200)), mem.cstring(mem.u32(t, 0x204)); a0 != "prog" || a1 != "-v" {
		t.Fatalf("argv = %q %q", a0, a1)
	}

	if err := k.EnvironGet(mem, 0x400, 0x500); err != nil {
		t.Fatal(err)
	}
	if env := mem.cstring(mem.u32(t, 0x400)); env != "HOME=/home/web_user" {
		t.Fatalf("environ[0] = %q", env)
	}
}

func TestClockTimeGet(t *testing.T) {
	now := time.Unix(1700000000, 500)
	fs := vfs.New(vfs.Options{Clock: func() time.Time { return now }})
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		t.Fatal(err)
	}
	k := New(Options{FS: fs})
	mem := newMemory(1024)

	if err := k.ClockTimeGet(mem, clockRealtime, 0, 0x10); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU64(0x10); int64(v) != now.UnixNano() {
		t.Fatalf("realtime = %d", v)
	}

	now = now.Add(3 * time.Second)
	if err := k.ClockTimeGet(mem, clockMonotonic, 0, 0x10); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.ReadU64(0x10); time.Duration(v) != 3*time.Second {
		t.Fatalf("monotonic = %v", time.Duration(v))
	}
	if got := k.Now(); got != 3000 {
		t.Fatalf("Now = %v, want 3000", got)
	}

	wantErrno(t, k.ClockTimeGet(mem, 9, 0, 0x10), errors.EINVAL)
}

func TestTimegmNormalizes(t *testing.T) {
	k, mem := newKernel(t)
	tm := encodeTm(time.Date(2024, time.January, 31, 12, 0, 0, 0, time.UTC))
	le.PutUint32(tm[12:], 32)
	mem.Write(0x100, tm)

	sec, err := k.Timegm(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, time.February, 1, 12, 0, 0, 0, time.UTC)
	if sec != want.Unix() {
		t.Fatalf("Timegm = %d, want %d", sec, want.Unix())
	}
	if mday, mon := mem.u32(t, 0x100+12), mem.u32(t, 0x100+16); mday != 1 || mon != 1 {
		t.Fatalf("normalized to day %d month %d", mday, mon)
	}
}

func TestStrings(t *testing.T) {
	mem := newMemory(256)

	_, err := readString(mem, 0)
	wantErrno(t, err, errors.EFAULT)

	n, err := writeString(mem, "héllo", 0x10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || mem.cstring(0x10) != "h" {
		t.Fatalf("truncated to %d bytes %q", n, mem.cstring(0x10))
	}

	mem.putString(t, 0x20, "/a/b")
	if s, err := readString(mem, 0x20); err != nil || s != "/a/b" {
		t.Fatalf("readString = %q, %v", s, err)
	}

	for i := range mem.buf {
		mem.buf[i] = 'x'
	}
	_, err = readString(mem, 0x20)
	if err == nil {
		t.Fatal("unterminated string read")
	}
}

func TestSyscallResults(t *testing.T) {
	k, _ := newKernel(t)

	run := func(fn func(c *call) (int32, error)) int32 {
		hf := k.syscall("test", nil, fn)
		c := &call{stack: make([]uint64, 1)}
		hf.fn(c)
		return api.DecodeI32(c.stack[0])
	}

	if got := run(func(*call) (int32, error) { return 7, nil }); got != 7 {
		t.Fatalf("success = %d", got)
	}
	if got := run(func(*call) (int32, error) {
		return 0, errors.Domain(errors.PhaseSyscall, errors.EBADF, "x")
	}); got != -int32(errors.EBADF) {
		t.Fatalf("domain error = %d", got)
	}
	if got := run(func(*call) (int32, error) { return 5, errUnwinding }); got != 0 {
		t.Fatalf("unwinding = %d", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("non-domain error did not trap")
		}
	}()
	run(func(*call) (int32, error) { return 0, errors.Protocol("broken") })
}

func TestWasiResults(t *testing.T) {
	k, _ := newKernel(t)
	hf := k.wasi("test", nil, func(*call) error {
		return errors.Domain(errors.PhaseSyscall, errors.ENOENT, "x")
	})
	c := &call{stack: make([]uint64, 1)}
	hf.fn(c)
	if got := uint32(c.stack[0]); got != uint32(errors.ENOENT) {
		t.Fatalf("errno = %d, want %d", got, errors.ENOENT)
	}
}

func TestHostFuncsCoverSyscalls(t *testing.T) {
	k, _ := newKernel(t)
	names := make(map[string]bool)
	for _, n := range k.HostFuncs(EnvModule) {
		if names[n] {
			t.Fatalf("duplicate import %s", n)
		}
		names[n] = true
	}
	for _, want := range []string{"__syscall_openat", "__syscall_getdents64", "__syscall_poll", "__syscall_accept4", "_mmap_js", "emscripten_sleep"} {
		if !names[want] {
			t.Fatalf("missing %s", want)
		}
	}
	if len(k.HostFuncs(WASIModule)) == 0 {
		t.Fatal("no WASI imports")
	}
	if got := k.HostFuncs("other"); len(got) != 0 {
		t.Fatalf("unknown module served %v", got)
	}
}
