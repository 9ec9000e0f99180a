// Package sockfs implements stream and datagram sockets over a pluggable
// Transport.
//
// A socket keeps a peer per remote address, a receive queue and, per peer, a
// send queue for data written before the transport finished connecting.
// Connect reports success immediately; failures surface later as SO_ERROR
// and an error event.
package sockfs

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

// Address families, socket types and protocols of the guest libc.
const (
	AF_INET  = 2
	AF_INET6 = 10

	SOCK_STREAM   = 1
	SOCK_DGRAM    = 2
	SOCK_NONBLOCK = 0o4000
	SOCK_CLOEXEC  = 0o2000000

	IPPROTO_TCP = 6
	IPPROTO_UDP = 17
)

// EventType names an out-of-band socket notification.
type EventType string

const (
	EventOpen       EventType = "open"
	EventMessage    EventType = "message"
	EventClose      EventType = "close"
	EventError      EventType = "error"
	EventConnection EventType = "connection"
	EventListen     EventType = "listen"
)

// Event is delivered to Options.OnEvent on the filesystem goroutine.
type Event struct {
	Err     error
	Type    EventType
	Message string
	FD      int32
	Errno   errors.Errno
}

// Options configures the socket backend.
type Options struct {
	Transport Transport
	// OnEvent observes socket events. Optional.
	OnEvent func(Event)
	// PortHandshake makes bound datagram sockets announce their port as the
	// first message to each new peer, and rewrites a peer's port when such an
	// announcement arrives. Enable it when the transport cannot report the
	// sender's bound port.
	PortHandshake bool
}

// Backend is the socket pseudo filesystem.
type Backend struct {
	opts     Options
	DNS      *Resolver
	fs       *vfs.FS
	root     *vfs.Node
	nodeOps  nodeOps
	streamIO *streamOps
	next     int
}

// New creates a socket backend. Mount it with an empty mountpoint.
func New(opts Options) *Backend {
	b := &Backend{opts: opts, DNS: NewResolver()}
	b.streamIO = &streamOps{}
	return b
}

func (b *Backend) Name() string { return "sockfs" }

func (b *Backend) Mount(fs *vfs.FS, m *vfs.Mount) (*vfs.Node, error) {
	b.fs = fs
	b.root = fs.NewRoot(m, vfs.S_IFDIR|0o777, nil, nil)
	return b.root, nil
}

func (b *Backend) emit(ev Event) {
	if b.opts.OnEvent != nil {
		b.opts.OnEvent(ev)
	}
}

type peerState int

const (
	peerConnecting peerState = iota
	peerOpen
	peerClosed
)

type peer struct {
	conn      Conn
	addr      string
	sendQueue [][]byte
	port      uint16
	state     peerState
}

// Message is one received datagram or stream segment.
type Message struct {
	Addr string
	Data []byte
	Port uint16
}

// Socket is the state behind a socket descriptor.
type Socket struct {
	b         *Backend
	Stream    *vfs.Stream
	listener  Listener
	peers     map[string]*peer
	pending   []*Socket
	recvQueue []Message
	saddr     string
	daddr     string
	Family    int32
	Type      int32
	Protocol  int32
	refs      int
	err       errors.Errno
	sport     uint16
	dport     uint16
	bound     bool
	connected bool
	closed    bool
}

func peerKey(addr string, port uint16) string {
	return addr + ":" + strconv.Itoa(int(port))
}

// Socket creates a socket and its descriptor.
func (b *Backend) Socket(family, typ, protocol int32) (*Socket, error) {
	if b.root == nil {
		return nil, errors.NotInitialized(errors.PhaseStream, "sockfs mount")
	}
	flags := int32(vfs.O_RDWR)
	if typ&SOCK_NONBLOCK != 0 {
		flags |= vfs.O_NONBLOCK
	}
	typ &^= SOCK_NONBLOCK | SOCK_CLOEXEC

	if family != AF_INET && family != AF_INET6 {
		return nil, errors.Domain(errors.PhaseStream, errors.EAFNOSUPPORT, "socket")
	}
	switch typ {
	case SOCK_STREAM:
		if protocol != 0 && protocol != IPPROTO_TCP {
			return nil, errors.Domain(errors.PhaseStream, errors.EPROTONOSUPPORT, "socket")
		}
	case SOCK_DGRAM:
		if protocol != 0 && protocol != IPPROTO_UDP {
			return nil, errors.Domain(errors.PhaseStream, errors.EPROTONOSUPPORT, "socket")
		}
	default:
		return nil, errors.Domain(errors.PhaseStream, errors.EINVAL, "socket")
	}

	sock := &Socket{
		b:        b,
		Family:   family,
		Type:     typ,
		Protocol: protocol,
		peers:    make(map[string]*peer),
		refs:     1,
	}
	name := "socket[" + strconv.Itoa(b.next) + "]"
	b.next++
	node := b.fs.NewNode(b.root, name, vfs.S_IFSOCK|0o777, 0, b.nodeOps, b.streamIO)
	node.Data = sock
	s := &vfs.Stream{Node: node, Path: name, Data: sock}
	s.SetFlags(flags)
	if _, err := b.fs.NewStream(s, 0); err != nil {
		b.fs.DestroyNode(node)
		return nil, err
	}
	sock.Stream = s
	return sock, nil
}

// FromStream returns the socket behind a descriptor.
func FromStream(s *vfs.Stream) (*Socket, bool) {
	sock, ok := s.Data.(*Socket)
	return sock, ok
}

// FD returns the socket's descriptor number.
func (s *Socket) FD() int32 { return s.Stream.FD }

func (s *Socket) kind() Kind {
	if s.Type == SOCK_STREAM {
		return KindStream
	}
	return KindDatagram
}

func (s *Socket) peer(addr string, port uint16) *peer {
	return s.peers[peerKey(addr, port)]
}

func (s *Socket) addPeer(p *peer) {
	s.peers[peerKey(p.addr, p.port)] = p
}

func (s *Socket) removePeer(p *peer) {
	delete(s.peers, peerKey(p.addr, p.port))
}

// createPeer dials addr:port. The peer starts out connecting.
func (s *Socket) createPeer(addr string, port uint16) (*peer, error) {
	conn, err := s.b.opts.Transport.Dial(s.kind(), s.b.DNS.Host(addr), port)
	if err != nil {
		Logger().Debug("dial failed",
			zap.String("addr", addr),
			zap.Uint16("port", port),
			zap.Error(err))
		return nil, errors.New(errors.PhaseTransport, errors.KindErrno).
			Errno(errors.EHOSTUNREACH).
			Op("connect").
			Cause(err).
			Build()
	}
	p := &peer{conn: conn, addr: addr, port: port, state: peerConnecting}
	if s.Type == SOCK_DGRAM && s.bound && s.b.opts.PortHandshake {
		p.sendQueue = append(p.sendQueue, portAnnouncement(s.sport))
	}
	s.addPeer(p)
	conn.Start(s.peerEvents(p))
	return p, nil
}

// acceptPeer registers an incoming, already open connection.
func (s *Socket) acceptPeer(conn Conn, addr string, port uint16) *peer {
	p := &peer{conn: conn, addr: addr, port: port, state: peerOpen}
	s.addPeer(p)
	conn.Start(s.peerEvents(p))
	return p
}

func portAnnouncement(port uint16) []byte {
	return []byte{0xff, 0xff, 0xff, 0xff, 'p', 'o', 'r', 't', byte(port >> 8), byte(port)}
}

func parsePortAnnouncement(data []byte) (uint16, bool) {
	if len(data) != 10 {
		return 0, false
	}
	for i, c := range []byte{0xff, 0xff, 0xff, 0xff, 'p', 'o', 'r', 't'} {
		if data[i] != c {
			return 0, false
		}
	}
	return uint16(data[8])<<8 | uint16(data[9]), true
}

func (s *Socket) peerEvents(p *peer) Events {
	post := s.b.fs.Post
	first := true
	return Events{
		OnOpen: func() {
			post(func() { s.handleOpen(p) })
		},
		OnMessage: func(data []byte) {
			post(func() {
				if first {
					first = false
					if s.b.opts.PortHandshake && s.Type == SOCK_DGRAM {
						if port, ok := parsePortAnnouncement(data); ok {
							s.removePeer(p)
							p.port = port
							s.addPeer(p)
							return
						}
					}
				}
				s.handleMessage(p, data)
			})
		},
		OnClose: func() {
			post(func() { s.handleClose(p) })
		},
		OnError: func(err error) {
			post(func() { s.handleError(p, err) })
		},
	}
}

func (s *Socket) handleOpen(p *peer) {
	if s.closed || p.state == peerClosed {
		return
	}
	p.state = peerOpen
	s.b.emit(Event{Type: EventOpen, FD: s.FD()})
	queue := p.sendQueue
	p.sendQueue = nil
	for _, data := range queue {
		if err := p.conn.Send(data); err != nil {
			p.conn.Close()
			break
		}
	}
	s.b.fs.NotifyReady()
}

func (s *Socket) handleMessage(p *peer, data []byte) {
	if s.closed {
		return
	}
	s.recvQueue = append(s.recvQueue, Message{Addr: p.addr, Port: p.port, Data: data})
	s.b.emit(Event{Type: EventMessage, FD: s.FD()})
	s.b.fs.NotifyReady()
}

func (s *Socket) handleClose(p *peer) {
	if s.closed {
		return
	}
	p.state = peerClosed
	s.b.emit(Event{Type: EventClose, FD: s.FD()})
	s.b.fs.NotifyReady()
}

func (s *Socket) handleError(p *peer, cause error) {
	if s.closed {
		return
	}
	p.state = peerClosed
	s.err = errors.ECONNREFUSED
	err := errors.Transport("peer "+peerKey(p.addr, p.port), cause)
	Logger().Warn("transport error",
		zap.Int32("fd", s.FD()),
		zap.String("peer", peerKey(p.addr, p.port)),
		zap.Error(cause))
	s.b.emit(Event{
		Type:    EventError,
		FD:      s.FD(),
		Errno:   errors.ECONNREFUSED,
		Message: "ECONNREFUSED: Connection refused",
		Err:     err,
	})
	s.b.fs.NotifyReady()
}

// Bind records the local address. Binding a datagram socket also starts a
// listener so replies to its port can be received; transports that cannot
// listen leave the socket send-only.
func (s *Socket) Bind(addr string, port uint16) error {
	if s.bound {
		return errors.Domain(errors.PhaseStream, errors.EINVAL, "bind")
	}
	s.saddr, s.sport, s.bound = addr, port, true
	if s.Type != SOCK_DGRAM {
		return nil
	}
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if err := s.Listen(0); err != nil {
		if code, ok := errors.ToErrno(err); ok && code == errors.EOPNOTSUPP {
			return nil
		}
		return err
	}
	return nil
}

// Connect registers the destination peer and reports success before the
// transport handshake completes.
func (s *Socket) Connect(addr string, port uint16) error {
	if s.listener != nil && s.Type == SOCK_STREAM {
		return errors.Domain(errors.PhaseStream, errors.EOPNOTSUPP, "connect")
	}
	if s.connected {
		if dest := s.peer(s.daddr, s.dport); dest != nil {
			if dest.state == peerConnecting {
				return errors.Domain(errors.PhaseStream, errors.EALREADY, "connect")
			}
			return errors.Domain(errors.PhaseStream, errors.EISCONN, "connect")
		}
	}
	p, err := s.createPeer(addr, port)
	if err != nil {
		return err
	}
	s.daddr, s.dport, s.connected = p.addr, p.port, true
	return nil
}

// Listen starts accepting connections on the bound address.
func (s *Socket) Listen(backlog int) error {
	if s.listener != nil {
		return errors.Domain(errors.PhaseStream, errors.EINVAL, "listen")
	}
	host := s.saddr
	if host == "" {
		host = "0.0.0.0"
	}
	post := s.b.fs.Post
	ln, err := s.b.opts.Transport.Listen(s.kind(), host, s.sport, ListenEvents{
		OnConn: func(c Conn, addr string, port uint16) {
			post(func() { s.handleConnection(c, addr, port) })
		},
		OnClose: func() {
			post(func() {
				if s.closed {
					return
				}
				s.listener = nil
				s.b.emit(Event{Type: EventClose, FD: s.FD()})
				s.b.fs.NotifyReady()
			})
		},
		OnError: func(err error) {
			post(func() {
				if s.closed {
					return
				}
				s.err = errors.EHOSTUNREACH
				Logger().Warn("listener error", zap.Int32("fd", s.FD()), zap.Error(err))
				s.b.emit(Event{
					Type:    EventError,
					FD:      s.FD(),
					Errno:   errors.EHOSTUNREACH,
					Message: "EHOSTUNREACH: Host is unreachable",
					Err:     errors.Transport("listen", err),
				})
			})
		},
	})
	if err != nil {
		if code, ok := errors.ToErrno(err); ok {
			return errors.Domain(errors.PhaseStream, code, "listen")
		}
		return errors.New(errors.PhaseTransport, errors.KindErrno).
			Errno(HostErrno(err, errors.EADDRINUSE)).
			Op("listen").
			Cause(err).
			Build()
	}
	s.listener = ln
	if s.sport == 0 {
		_, s.sport = ln.Addr()
	}
	s.bound = true
	if s.saddr == "" {
		s.saddr = host
	}
	s.b.emit(Event{Type: EventListen, FD: s.FD()})
	return nil
}

func (s *Socket) handleConnection(c Conn, addr string, port uint16) {
	if s.closed {
		c.Close()
		return
	}
	if s.Type == SOCK_STREAM {
		ns, err := s.b.Socket(s.Family, s.Type, s.Protocol)
		if err != nil {
			Logger().Warn("dropping connection", zap.Int32("fd", s.FD()), zap.Error(err))
			c.Close()
			return
		}
		p := ns.acceptPeer(c, addr, port)
		ns.daddr, ns.dport, ns.connected = p.addr, p.port, true
		s.pending = append(s.pending, ns)
		s.b.emit(Event{Type: EventConnection, FD: ns.FD()})
	} else {
		s.acceptPeer(c, addr, port)
		s.b.emit(Event{Type: EventConnection, FD: s.FD()})
	}
	s.b.fs.NotifyReady()
}

// Accept returns the oldest pending connection of a listening socket, or
// EAGAIN when none has arrived yet.
func (s *Socket) Accept() (*Socket, error) {
	if s.listener == nil {
		return nil, errors.Domain(errors.PhaseStream, errors.EINVAL, "accept")
	}
	if len(s.pending) == 0 {
		return nil, errors.Domain(errors.PhaseStream, errors.EAGAIN, "accept")
	}
	ns := s.pending[0]
	s.pending = s.pending[1:]
	ns.Stream.SetFlags(s.Stream.Flags())
	return ns, nil
}

// Name returns the bound address, or 0.0.0.0:0 when unbound.
func (s *Socket) Name() (string, uint16) {
	if s.saddr == "" {
		return "0.0.0.0", s.sport
	}
	return s.saddr, s.sport
}

// PeerName returns the connected destination.
func (s *Socket) PeerName() (string, uint16, error) {
	if !s.connected {
		return "", 0, errors.Domain(errors.PhaseStream, errors.ENOTCONN, "getpeername")
	}
	return s.daddr, s.dport, nil
}

// TakeError returns and clears the pending socket error.
func (s *Socket) TakeError() errors.Errno {
	err := s.err
	s.err = 0
	return err
}

// SendTo sends data to addr:port, or to the connected peer when hasAddr is
// false. Data for a peer that is still connecting is queued.
func (s *Socket) SendTo(data []byte, addr string, port uint16, hasAddr bool) (int, error) {
	if s.Type == SOCK_DGRAM {
		if !hasAddr {
			if !s.connected {
				return 0, errors.Domain(errors.PhaseStream, errors.EDESTADDRREQ, "sendto")
			}
			addr, port = s.daddr, s.dport
		}
	} else {
		addr, port = s.daddr, s.dport
	}

	dest := s.peer(addr, port)
	if s.Type == SOCK_STREAM && (!s.connected || dest == nil || dest.state == peerClosed) {
		return 0, errors.Domain(errors.PhaseStream, errors.ENOTCONN, "send")
	}
	buf := append([]byte(nil), data...)

	if dest == nil || dest.state == peerClosed {
		p, err := s.createPeer(addr, port)
		if err != nil {
			return 0, err
		}
		dest = p
	}
	if dest.state == peerConnecting {
		dest.sendQueue = append(dest.sendQueue, buf)
		return len(data), nil
	}
	if err := dest.conn.Send(buf); err != nil {
		return 0, errors.New(errors.PhaseTransport, errors.KindErrno).
			Errno(errors.EINVAL).
			Op("send").
			Cause(err).
			Build()
	}
	return len(data), nil
}

// RecvFrom dequeues up to n bytes. A stream segment larger than n is split
// and its remainder stays at the head of the queue. ok is false when the
// connection is closed and drained.
func (s *Socket) RecvFrom(n int) (msg Message, ok bool, err error) {
	if s.Type == SOCK_STREAM && s.listener != nil {
		return Message{}, false, errors.Domain(errors.PhaseStream, errors.ENOTCONN, "recv")
	}
	if len(s.recvQueue) == 0 {
		if s.Type == SOCK_STREAM {
			dest := s.peer(s.daddr, s.dport)
			if !s.connected || dest == nil {
				return Message{}, false, errors.Domain(errors.PhaseStream, errors.ENOTCONN, "recv")
			}
			if dest.state == peerClosed {
				return Message{}, false, nil
			}
		}
		return Message{}, false, errors.Domain(errors.PhaseStream, errors.EAGAIN, "recv")
	}
	head := s.recvQueue[0]
	s.recvQueue = s.recvQueue[1:]
	if len(head.Data) <= n {
		return head, true, nil
	}
	msg = Message{Addr: head.Addr, Port: head.Port, Data: head.Data[:n]}
	if s.Type == SOCK_STREAM {
		head.Data = head.Data[n:]
		s.recvQueue = append([]Message{head}, s.recvQueue...)
	}
	return msg, true, nil
}

// Poll reports readiness the way a socket descriptor would.
func (s *Socket) Poll() uint32 {
	if s.Type == SOCK_STREAM && s.listener != nil {
		if len(s.pending) > 0 {
			return vfs.POLLRDNORM | vfs.POLLIN
		}
		return 0
	}
	var dest *peer
	if s.Type == SOCK_STREAM && s.connected {
		dest = s.peer(s.daddr, s.dport)
	}
	var mask uint32
	closed := dest != nil && dest.state == peerClosed
	if len(s.recvQueue) > 0 || dest == nil || closed {
		mask |= vfs.POLLRDNORM | vfs.POLLIN
	}
	if dest == nil || dest.state == peerOpen {
		mask |= vfs.POLLOUT
	}
	if closed {
		mask |= vfs.POLLHUP
	}
	return mask
}

func (s *Socket) close() {
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for _, p := range s.peers {
		p.conn.Close()
		s.removePeer(p)
	}
	for _, ns := range s.pending {
		s.b.fs.Close(ns.Stream)
	}
	s.pending = nil
	s.recvQueue = nil
	s.b.fs.DestroyNode(s.Stream.Node)
	s.b.fs.NotifyReady()
}

type nodeOps struct {
	vfs.BaseNodeOps
}

func (nodeOps) GetAttr(n *vfs.Node) (vfs.Attr, error) {
	return vfs.Attr{
		Dev:     uint32(n.ID),
		Ino:     uint64(n.ID),
		Mode:    n.Mode,
		Nlink:   1,
		Atime:   n.Atime,
		Mtime:   n.Mtime,
		Ctime:   n.Ctime,
		Blksize: 4096,
	}, nil
}

type streamOps struct {
	vfs.BaseStreamOps
}

func socketOf(s *vfs.Stream) *Socket {
	return s.Data.(*Socket)
}

func (streamOps) Open(s *vfs.Stream) error {
	s.Seekable = false
	socketOf(s).refs++
	return nil
}

func (streamOps) Close(s *vfs.Stream) error {
	sock := socketOf(s)
	sock.refs--
	if sock.refs == 0 {
		sock.close()
	}
	return nil
}

func (streamOps) Read(s *vfs.Stream, buf []byte, _ int64) (int, error) {
	msg, ok, err := socketOf(s).RecvFrom(len(buf))
	if err != nil || !ok {
		return 0, err
	}
	return copy(buf, msg.Data), nil
}

func (streamOps) Write(s *vfs.Stream, buf []byte, _ int64) (int, error) {
	return socketOf(s).SendTo(buf, "", 0, false)
}

func (streamOps) Poll(s *vfs.Stream) uint32 {
	return socketOf(s).Poll()
}

func (streamOps) Ioctl(s *vfs.Stream, req uint32, arg *vfs.IoctlArg) (int32, error) {
	sock := socketOf(s)
	switch req {
	case vfs.FIONREAD:
		n := 0
		if len(sock.recvQueue) > 0 {
			n = len(sock.recvQueue[0].Data)
		}
		if arg != nil {
			arg.Int = int32(n)
		}
		return 0, nil
	case vfs.FIONBIO:
		flags := s.Flags() &^ vfs.O_NONBLOCK
		if arg != nil && arg.Int != 0 {
			flags |= vfs.O_NONBLOCK
		}
		s.SetFlags(flags)
		return 0, nil
	}
	return 0, errors.Domain(errors.PhaseStream, errors.EINVAL, "socket ioctl")
}
