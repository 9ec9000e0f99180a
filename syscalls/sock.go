package syscalls

import (
	"context"
	"strconv"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
)

// Socket option levels and names.
const (
	SOL_SOCKET   = 1
	SO_REUSEADDR = 2
	SO_ERROR     = 4
	SO_KEEPALIVE = 9
	TCP_NODELAY  = 1

	MSG_DONTWAIT = 0x40
)

// getnameinfo flags and results.
const (
	NI_NUMERICHOST = 1
	NI_NAMEREQD    = 8

	EAI_NONAME   = -2
	EAI_FAMILY   = -6
	EAI_OVERFLOW = -12
)

func (k *Kernel) backend() (*sockfs.Backend, error) {
	if k.sockets == nil {
		return nil, errors.Domain(errors.PhaseSyscall, errors.ENOSYS, "socket")
	}
	return k.sockets, nil
}

// Socket creates a socket descriptor.
func (k *Kernel) Socket(domain, typ, protocol int32) (int32, error) {
	b, err := k.backend()
	if err != nil {
		return 0, err
	}
	sock, err := b.Socket(domain, typ, protocol)
	if err != nil {
		return 0, err
	}
	if typ&sockfs.SOCK_CLOEXEC != 0 {
		sock.Stream.FDFlags |= FD_CLOEXEC
	}
	return sock.FD(), nil
}

// Bind binds fd to the address at addr.
func (k *Kernel) Bind(mem wasmkernel.Memory, fd int32, addr, addrlen uint32) error {
	sock, err := k.socket(fd)
	if err != nil {
		return err
	}
	sa, err := readSockaddr(mem, addr, addrlen)
	if err != nil {
		return err
	}
	return sock.Bind(sa.Addr, sa.Port)
}

// Connect connects fd. Stream sockets report success before the transport
// has connected.
func (k *Kernel) Connect(mem wasmkernel.Memory, fd int32, addr, addrlen uint32) error {
	sock, err := k.socket(fd)
	if err != nil {
		return err
	}
	sa, err := readSockaddr(mem, addr, addrlen)
	if err != nil {
		return err
	}
	return sock.Connect(sa.Addr, sa.Port)
}

// Listen starts listening on fd.
func (k *Kernel) Listen(fd, backlog int32) error {
	sock, err := k.socket(fd)
	if err != nil {
		return err
	}
	return sock.Listen(int(backlog))
}

// Accept4 takes the next pending connection, waiting for one on a blocking
// socket, and stores the peer address at addr.
func (k *Kernel) Accept4(ctx context.Context, mem wasmkernel.Memory, fd int32, addr, addrlen uint32, flags int32) (int32, error) {
	sock, err := k.socket(fd)
	if err != nil {
		return 0, err
	}
	var conn *sockfs.Socket
	_, err = k.blocking(ctx, sock.Stream, readEvents, false, func() (int, error) {
		var err error
		conn, err = sock.Accept()
		return 0, err
	})
	if err != nil {
		return 0, err
	}
	if flags&sockfs.SOCK_NONBLOCK != 0 {
		conn.Stream.SetFlags(conn.Stream.Flags() | vfs.O_NONBLOCK)
	}
	if flags&sockfs.SOCK_CLOEXEC != 0 {
		conn.Stream.FDFlags |= FD_CLOEXEC
	}
	host, port, err := conn.PeerName()
	if err != nil {
		return 0, err
	}
	if err := k.writeAddr(mem, addr, addrlen, conn.Family, host, port); err != nil {
		return 0, err
	}
	return conn.FD(), nil
}

// writeAddr stores a socket address, mapping host names through the
// synthetic resolver first.
func (k *Kernel) writeAddr(mem wasmkernel.Memory, ptr, lenPtr uint32, family int32, host string, port uint16) error {
	if ptr == 0 {
		return nil
	}
	addr, err := k.sockets.DNS.LookupName(host)
	if err != nil {
		return err
	}
	return writeSockaddr(mem, ptr, lenPtr, family, addr, port)
}

// Getsockname stores the bound address of fd.
func (k *Kernel) Getsockname(mem wasmkernel.Memory, fd int32, addr, addrlen uint32) error {
	sock, err := k.socket(fd)
	if err != nil {
		return err
	}
	host, port := sock.Name()
	return k.writeAddr(mem, addr, addrlen, sock.Family, host, port)
}

// Getpeername stores the connected address of fd.
func (k *Kernel) Getpeername(mem wasmkernel.Memory, fd int32, addr, addrlen uint32) error {
	sock, err := k.socket(fd)
	if err != nil {
		return err
	}
	host, port, err := sock.PeerName()
	if err != nil {
		return err
	}
	return k.writeAddr(mem, addr, addrlen, sock.Family, host, port)
}

// Sendto sends length bytes at msg, to addr when it is set.
func (k *Kernel) Sendto(mem wasmkernel.Memory, fd int32, msg, length uint32, flags int32, addr, addrlen uint32) (int32, error) {
	sock, err := k.socket(fd)
	if err != nil {
		return 0, err
	}
	data, err := mem.Read(msg, length)
	if err != nil {
		return 0, err
	}
	var sa Sockaddr
	if addr != 0 {
		if sa, err = readSockaddr(mem, addr, addrlen); err != nil {
			return 0, err
		}
	}
	n, err := sock.SendTo(data, sa.Addr, sa.Port, addr != 0)
	return int32(n), err
}

// Recvfrom receives up to length bytes into buf and stores the sender at
// addr. A closed connection returns 0.
func (k *Kernel) Recvfrom(ctx context.Context, mem wasmkernel.Memory, fd int32, buf, length uint32, flags int32, addr, addrlen uint32) (int32, error) {
	sock, err := k.socket(fd)
	if err != nil {
		return 0, err
	}
	var (
		msg sockfs.Message
		ok  bool
	)
	_, err = k.blocking(ctx, sock.Stream, readEvents, flags&MSG_DONTWAIT != 0, func() (int, error) {
		var err error
		msg, ok, err = sock.RecvFrom(int(length))
		return len(msg.Data), err
	})
	if err != nil || !ok {
		return 0, err
	}
	if err := k.writeAddr(mem, addr, addrlen, sock.Family, msg.Addr, msg.Port); err != nil {
		return 0, err
	}
	if err := mem.Write(buf, msg.Data); err != nil {
		return 0, err
	}
	return int32(len(msg.Data)), nil
}

// msghdr of the wasm32 libc: name@0, namelen@4, iov@8, iovlen@12.
func readMsghdr(mem wasmkernel.Memory, ptr uint32) (name, namelen, iov uint32, iovlen int32, err error) {
	b, err := mem.Read(ptr, 16)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return le.Uint32(b), le.Uint32(b[4:]), le.Uint32(b[8:]), int32(le.Uint32(b[12:])), nil
}

// Sendmsg gathers the iovecs of a msghdr into one message.
func (k *Kernel) Sendmsg(mem wasmkernel.Memory, fd int32, hdr uint32, flags int32) (int32, error) {
	sock, err := k.socket(fd)
	if err != nil {
		return 0, err
	}
	name, namelen, iovPtr, iovlen, err := readMsghdr(mem, hdr)
	if err != nil {
		return 0, err
	}
	var sa Sockaddr
	if name != 0 {
		if sa, err = readSockaddr(mem, name, namelen); err != nil {
			return 0, err
		}
	}
	iovs, err := readIovecs(mem, iovPtr, iovlen)
	if err != nil {
		return 0, err
	}
	var data []byte
	for _, iov := range iovs {
		b, err := mem.Read(iov.ptr, iov.len)
		if err != nil {
			return 0, err
		}
		data = append(data, b...)
	}
	n, err := sock.SendTo(data, sa.Addr, sa.Port, name != 0)
	return int32(n), err
}

// Recvmsg scatters one received message over the iovecs of a msghdr.
func (k *Kernel) Recvmsg(ctx context.Context, mem wasmkernel.Memory, fd int32, hdr uint32, flags int32) (int32, error) {
	sock, err := k.socket(fd)
	if err != nil {
		return 0, err
	}
	name, _, iovPtr, iovlen, err := readMsghdr(mem, hdr)
	if err != nil {
		return 0, err
	}
	iovs, err := readIovecs(mem, iovPtr, iovlen)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, iov := range iovs {
		total += int(iov.len)
	}
	var (
		msg sockfs.Message
		ok  bool
	)
	_, err = k.blocking(ctx, sock.Stream, readEvents, flags&MSG_DONTWAIT != 0, func() (int, error) {
		var err error
		msg, ok, err = sock.RecvFrom(total)
		return len(msg.Data), err
	})
	if err != nil || !ok {
		return 0, err
	}
	if err := k.writeAddr(mem, name, hdr+4, sock.Family, msg.Addr, msg.Port); err != nil {
		return 0, err
	}
	data := msg.Data
	for _, iov := range iovs {
		if len(data) == 0 {
			break
		}
		n := min(int(iov.len), len(data))
		if err := mem.Write(iov.ptr, data[:n]); err != nil {
			return 0, err
		}
		data = data[n:]
	}
	return int32(len(msg.Data)), nil
}

// Getsockopt supports SO_ERROR, which returns and clears the pending error.
func (k *Kernel) Getsockopt(mem wasmkernel.Memory, fd, level, name int32, optval, optlen uint32) error {
	sock, err := k.socket(fd)
	if err != nil {
		return err
	}
	if level == SOL_SOCKET && name == SO_ERROR {
		if err := mem.WriteU32(optval, uint32(sock.TakeError())); err != nil {
			return err
		}
		return mem.WriteU32(optlen, 4)
	}
	return errors.Domain(errors.PhaseSyscall, errors.ENOPROTOOPT, "getsockopt")
}

// Setsockopt accepts the options that have no effect on an emulated socket.
func (k *Kernel) Setsockopt(fd, level, name int32) error {
	if _, err := k.socket(fd); err != nil {
		return err
	}
	switch {
	case level == SOL_SOCKET && (name == SO_REUSEADDR || name == SO_KEEPALIVE),
		level == sockfs.IPPROTO_TCP && name == TCP_NODELAY:
		return nil
	}
	return errors.Domain(errors.PhaseSyscall, errors.ENOPROTOOPT, "setsockopt")
}

// Shutdown is not supported.
func (k *Kernel) Shutdown(fd int32) error {
	if _, err := k.socket(fd); err != nil {
		return err
	}
	return errors.Domain(errors.PhaseSyscall, errors.ENOSYS, "shutdown")
}

// LookupName resolves a host name to an IPv4 address in memory byte order.
func (k *Kernel) LookupName(mem wasmkernel.Memory, namePtr uint32) (uint32, error) {
	name, err := readString(mem, namePtr)
	if err != nil {
		return 0, err
	}
	b, err := k.backend()
	if err != nil {
		return 0, err
	}
	addr, err := b.DNS.LookupName(name)
	if err != nil {
		return 0, err
	}
	raw, err := encodeSockaddr(sockfs.AF_INET, addr, 0)
	if err != nil {
		return 0, err
	}
	return le.Uint32(raw[4:]), nil
}

// Getnameinfo maps a socket address back to a host name and service. It
// returns 0 or an EAI_* code.
func (k *Kernel) Getnameinfo(mem wasmkernel.Memory, sa, salen, node, nodelen, serv, servlen uint32, flags int32) (int32, error) {
	info, err := readSockaddr(mem, sa, salen)
	if err != nil {
		if errors.IsDomain(err) {
			return EAI_FAMILY, nil
		}
		return 0, err
	}
	overflow := false
	if node != 0 && nodelen != 0 {
		host := info.Addr
		name, found := "", false
		if flags&NI_NUMERICHOST == 0 && k.sockets != nil {
			name, found = k.sockets.DNS.LookupAddr(info.Addr)
		}
		if found {
			host = name
		} else if flags&NI_NAMEREQD != 0 {
			return EAI_NONAME, nil
		}
		if _, err := writeString(mem, host, node, nodelen); err != nil {
			return 0, err
		}
		if uint32(len(host)) >= nodelen {
			overflow = true
		}
	}
	if serv != 0 && servlen != 0 {
		port := strconv.Itoa(int(info.Port))
		if _, err := writeString(mem, port, serv, servlen); err != nil {
			return 0, err
		}
		if uint32(len(port)) >= servlen {
			overflow = true
		}
	}
	if overflow {
		return EAI_OVERFLOW, nil
	}
	return 0, nil
}
