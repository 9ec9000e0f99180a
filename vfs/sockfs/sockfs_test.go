package sockfs

import (
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/vfs"
)

type loop struct {
	ch chan func()
}

func newLoop() *loop { return &loop{ch: make(chan func(), 256)} }

func (l *loop) Post(fn func()) { l.ch <- fn }

// drain runs everything queued so far.
func (l *loop) drain() {
	for {
		select {
		case fn := <-l.ch:
			fn()
		default:
			return
		}
	}
}

func (l *loop) runUntil(t *testing.T, done func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !done() {
		select {
		case fn := <-l.ch:
			fn()
		case <-deadline:
			t.Fatal("loop starved")
		}
	}
}

type harness struct {
	fs     *vfs.FS
	b      *Backend
	loop   *loop
	events []Event
}

func newHarness(t *testing.T, tr Transport, handshake bool) *harness {
	t.Helper()
	h := &harness{loop: newLoop()}
	h.fs = vfs.New(vfs.Options{Executor: h.loop})
	h.b = New(Options{
		Transport:     tr,
		PortHandshake: handshake,
		OnEvent:       func(ev Event) { h.events = append(h.events, ev) },
	})
	if _, err := h.fs.Mount(h.b, nil, ""); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) socket(t *testing.T, typ int32) *Socket {
	t.Helper()
	s, err := h.b.Socket(AF_INET, typ, 0)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) sawEvent(typ EventType) bool {
	for _, ev := range h.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func wantErrno(t *testing.T, err error, want errors.Errno) {
	t.Helper()
	if err == nil {
		t.Fatalf("want %s, got nil", want.Name())
	}
	if got, _ := errors.ToErrno(err); got != want {
		t.Fatalf("want %s, got %v", want.Name(), err)
	}
}

func TestSocket_Create(t *testing.T) {
	h := newHarness(t, NewMemTransport(), false)

	tests := []struct {
		name     string
		family   int32
		typ      int32
		protocol int32
		want     errors.Errno
	}{
		{"unix family", 1, SOCK_STREAM, 0, errors.EAFNOSUPPORT},
		{"raw type", AF_INET, 3, 0, errors.EINVAL},
		{"tcp over dgram", AF_INET, SOCK_DGRAM, IPPROTO_TCP, errors.EPROTONOSUPPORT},
		{"udp over stream", AF_INET6, SOCK_STREAM, IPPROTO_UDP, errors.EPROTONOSUPPORT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.b.Socket(tt.family, tt.typ, tt.protocol)
			wantErrno(t, err, tt.want)
		})
	}

	s, err := h.b.Socket(AF_INET, SOCK_STREAM|SOCK_NONBLOCK|SOCK_CLOEXEC, IPPROTO_TCP)
	if err != nil {
		t.Fatal(err)
	}
	if s.Type != SOCK_STREAM {
		t.Errorf("type = %d", s.Type)
	}
	if s.Stream.Flags()&vfs.O_NONBLOCK == 0 {
		t.Error("SOCK_NONBLOCK did not set O_NONBLOCK")
	}
	if !s.Stream.Node.Mode.IsSocket() {
		t.Errorf("mode = %o", s.Stream.Node.Mode)
	}
	if got, ok := FromStream(s.Stream); !ok || got != s {
		t.Error("FromStream did not return the socket")
	}
	if addr, port := s.Name(); addr != "0.0.0.0" || port != 0 {
		t.Errorf("unbound name = %s:%d", addr, port)
	}
	_, _, err = s.PeerName()
	wantErrno(t, err, errors.ENOTCONN)
}

func TestStream_ConnectAcceptEcho(t *testing.T) {
	h := newHarness(t, NewMemTransport(), false)

	server := h.socket(t, SOCK_STREAM)
	if err := server.Bind("127.0.0.1", 8080); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, server.Bind("127.0.0.1", 8081), errors.EINVAL)
	if err := server.Listen(4); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, server.Listen(4), errors.EINVAL)
	wantErrno(t, server.Connect("127.0.0.1", 1), errors.EOPNOTSUPP)
	if !h.sawEvent(EventListen) {
		t.Error("no listen event")
	}
	if got := server.Poll(); got != 0 {
		t.Errorf("idle listener poll = %#x", got)
	}
	_, err := server.Accept()
	wantErrno(t, err, errors.EAGAIN)

	client := h.socket(t, SOCK_STREAM)
	if err := client.Connect("127.0.0.1", 8080); err != nil {
		t.Fatal(err)
	}
	wantErrno(t, client.Connect("127.0.0.1", 8080), errors.EALREADY)
	if got := client.Poll(); got != 0 {
		t.Errorf("connecting poll = %#x", got)
	}
	if n, err := client.SendTo([]byte("hello"), "", 0, false); err != nil || n != 5 {
		t.Fatalf("send while connecting = %d, %v", n, err)
	}

	h.loop.drain()

	if got := server.Poll(); got&vfs.POLLIN == 0 {
		t.Fatalf("listener with pending connection poll = %#x", got)
	}
	conn, err := server.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if got := client.Poll(); got&vfs.POLLOUT == 0 {
		t.Errorf("open client poll = %#x", got)
	}
	wantErrno(t, client.Connect("127.0.0.1", 8080), errors.EISCONN)
	if addr, port, err := client.PeerName(); err != nil || addr != "127.0.0.1" || port != 8080 {
		t.Errorf("peer name = %s:%d, %v", addr, port, err)
	}

	msg, ok, err := conn.RecvFrom(3)
	if err != nil || !ok || string(msg.Data) != "hel" {
		t.Fatalf("first recv = %q, %v, %v", msg.Data, ok, err)
	}
	msg, ok, err = conn.RecvFrom(64)
	if err != nil || !ok || string(msg.Data) != "lo" {
		t.Fatalf("second recv = %q, %v, %v", msg.Data, ok, err)
	}
	_, _, err = conn.RecvFrom(64)
	wantErrno(t, err, errors.EAGAIN)

	if n, err := h.fs.Write(conn.Stream, []byte("world")); err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	h.loop.drain()
	buf := make([]byte, 16)
	n, err := h.fs.Read(client.Stream, buf)
	if err != nil || string(buf[:n]) != "world" {
		t.Fatalf("client read = %q, %v", buf[:n], err)
	}

	if err := h.fs.Close(client.Stream); err != nil {
		t.Fatal(err)
	}
	h.loop.drain()
	if got := conn.Poll(); got&vfs.POLLHUP == 0 || got&vfs.POLLIN == 0 {
		t.Errorf("hung up poll = %#x", got)
	}
	if n, err := h.fs.Read(conn.Stream, buf); err != nil || n != 0 {
		t.Errorf("read after hangup = %d, %v", n, err)
	}
	_, err = conn.SendTo([]byte("x"), "", 0, false)
	wantErrno(t, err, errors.ENOTCONN)
}

func TestStream_Refused(t *testing.T) {
	h := newHarness(t, NewMemTransport(), false)
	s := h.socket(t, SOCK_STREAM)
	if err := s.Connect("10.0.0.1", 9); err != nil {
		t.Fatal(err)
	}
	h.loop.drain()

	var ev *Event
	for i := range h.events {
		if h.events[i].Type == EventError {
			ev = &h.events[i]
		}
	}
	if ev == nil {
		t.Fatal("no error event")
	}
	if ev.Errno != errors.ECONNREFUSED || ev.FD != s.FD() || ev.Message != "ECONNREFUSED: Connection refused" {
		t.Errorf("event = %+v", *ev)
	}
	if got := s.TakeError(); got != errors.ECONNREFUSED {
		t.Errorf("SO_ERROR = %v", got)
	}
	if got := s.TakeError(); got != 0 {
		t.Errorf("SO_ERROR not cleared: %v", got)
	}
	if got := s.Poll(); got&vfs.POLLHUP == 0 {
		t.Errorf("poll = %#x", got)
	}
	if _, ok, err := s.RecvFrom(8); ok || err != nil {
		t.Errorf("recv on refused = %v, %v", ok, err)
	}
}

func TestDatagram_SendRecv(t *testing.T) {
	h := newHarness(t, NewMemTransport(), false)
	a := h.socket(t, SOCK_DGRAM)
	b := h.socket(t, SOCK_DGRAM)
	if err := b.Bind("127.0.0.1", 5000); err != nil {
		t.Fatal(err)
	}

	_, err := a.SendTo([]byte("ping"), "", 0, false)
	wantErrno(t, err, errors.EDESTADDRREQ)
	if got := a.Poll(); got&(vfs.POLLIN|vfs.POLLOUT) != vfs.POLLIN|vfs.POLLOUT {
		t.Errorf("unconnected datagram poll = %#x", got)
	}

	if _, err := a.SendTo([]byte("ping"), "127.0.0.1", 5000, true); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendTo([]byte("pong"), "127.0.0.1", 5000, true); err != nil {
		t.Fatal(err)
	}
	h.loop.drain()

	msg, ok, err := b.RecvFrom(2)
	if err != nil || !ok || string(msg.Data) != "pi" || msg.Addr != "127.0.0.1" {
		t.Fatalf("truncated recv = %+v, %v, %v", msg, ok, err)
	}
	msg, _, err = b.RecvFrom(16)
	if err != nil || string(msg.Data) != "pong" {
		t.Fatalf("second datagram = %q, %v", msg.Data, err)
	}
	_, _, err = b.RecvFrom(16)
	wantErrno(t, err, errors.EAGAIN)
}

func TestDatagram_PortHandshake(t *testing.T) {
	h := newHarness(t, NewMemTransport(), true)
	a := h.socket(t, SOCK_DGRAM)
	b := h.socket(t, SOCK_DGRAM)
	if err := a.Bind("127.0.0.1", 6000); err != nil {
		t.Fatal(err)
	}
	if err := b.Bind("127.0.0.1", 5000); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendTo([]byte("ping"), "127.0.0.1", 5000, true); err != nil {
		t.Fatal(err)
	}
	h.loop.drain()

	msg, ok, err := b.RecvFrom(16)
	if err != nil || !ok {
		t.Fatalf("recv = %v, %v", ok, err)
	}
	if string(msg.Data) != "ping" || msg.Port != 6000 {
		t.Errorf("recv = %q from port %d, want ping from 6000", msg.Data, msg.Port)
	}
	if _, _, err := b.RecvFrom(16); err == nil {
		t.Error("announcement was delivered as data")
	}
}

func TestSocket_Ioctl(t *testing.T) {
	h := newHarness(t, NewMemTransport(), false)
	a := h.socket(t, SOCK_DGRAM)
	a.recvQueue = append(a.recvQueue, Message{Data: []byte("abcdef")}, Message{Data: []byte("xy")})

	var arg vfs.IoctlArg
	if _, err := h.fs.Ioctl(a.Stream, vfs.FIONREAD, &arg); err != nil || arg.Int != 6 {
		t.Errorf("FIONREAD = %d, %v", arg.Int, err)
	}
	arg.Int = 1
	if _, err := h.fs.Ioctl(a.Stream, vfs.FIONBIO, &arg); err != nil {
		t.Fatal(err)
	}
	if a.Stream.Flags()&vfs.O_NONBLOCK == 0 {
		t.Error("FIONBIO did not set O_NONBLOCK")
	}
	arg.Int = 0
	if _, err := h.fs.Ioctl(a.Stream, vfs.FIONBIO, &arg); err != nil {
		t.Fatal(err)
	}
	if a.Stream.Flags()&vfs.O_NONBLOCK != 0 {
		t.Error("FIONBIO did not clear O_NONBLOCK")
	}
	_, err := h.fs.Ioctl(a.Stream, vfs.TCGETS, &arg)
	wantErrno(t, err, errors.EINVAL)
}

func TestSocket_DupKeepsOpen(t *testing.T) {
	h := newHarness(t, NewMemTransport(), false)
	s := h.socket(t, SOCK_DGRAM)
	if err := s.Bind("127.0.0.1", 7000); err != nil {
		t.Fatal(err)
	}
	dup, err := h.fs.Dup(s.Stream, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.fs.Close(s.Stream); err != nil {
		t.Fatal(err)
	}
	if s.closed {
		t.Fatal("socket closed while a dup is open")
	}
	if err := h.fs.Close(dup); err != nil {
		t.Fatal(err)
	}
	if !s.closed {
		t.Fatal("socket still open after last close")
	}

	// The port is free again.
	again := h.socket(t, SOCK_DGRAM)
	if err := again.Bind("127.0.0.1", 7000); err != nil {
		t.Fatal(err)
	}
}

func TestNetTransport_Loopback(t *testing.T) {
	h := newHarness(t, NewNetTransport(), false)

	server := h.socket(t, SOCK_STREAM)
	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	if err := server.Listen(1); err != nil {
		t.Skipf("loopback listen unavailable: %v", err)
	}
	_, port := server.Name()
	if port == 0 {
		t.Fatal("listener port not reported")
	}

	client := h.socket(t, SOCK_STREAM)
	if err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	if _, err := client.SendTo([]byte("over tcp"), "", 0, false); err != nil {
		t.Fatal(err)
	}

	var conn *Socket
	h.loop.runUntil(t, func() bool {
		if conn == nil && len(server.pending) > 0 {
			conn, _ = server.Accept()
		}
		return conn != nil && len(conn.recvQueue) > 0
	})
	msg, _, err := conn.RecvFrom(64)
	if err != nil || string(msg.Data) != "over tcp" {
		t.Fatalf("recv = %q, %v", msg.Data, err)
	}

	h.fs.Close(client.Stream)
	h.loop.runUntil(t, func() bool { return conn.Poll()&vfs.POLLHUP != 0 })
	h.fs.Close(conn.Stream)
	h.fs.Close(server.Stream)
}

func TestResolver(t *testing.T) {
	r := NewResolver()
	a, err := r.LookupName("example.com")
	if err != nil || a != "172.29.1.0" {
		t.Fatalf("first = %s, %v", a, err)
	}
	b, _ := r.LookupName("example.org")
	if b != "172.29.2.0" {
		t.Errorf("second = %s", b)
	}
	if again, _ := r.LookupName("example.com"); again != a {
		t.Errorf("lookup not stable: %s", again)
	}
	if lit, _ := r.LookupName("10.1.2.3"); lit != "10.1.2.3" {
		t.Errorf("literal = %s", lit)
	}
	if name, ok := r.LookupAddr(b); !ok || name != "example.org" {
		t.Errorf("reverse = %s, %v", name, ok)
	}
	if got := r.Host("10.9.9.9"); got != "10.9.9.9" {
		t.Errorf("unknown host = %s", got)
	}

	r.next = 256
	c, _ := r.LookupName("wide.example")
	if c != "172.29.0.1" {
		t.Errorf("id 256 = %s", c)
	}
	r.next = maxMappings
	_, err = r.LookupName("one.too.many")
	wantErrno(t, err, errors.ENOMEM)
}

func TestHostErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Errno
	}{
		{"nil", nil, errors.ESUCCESS},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", unix.ECONNREFUSED)}, errors.ECONNREFUSED},
		{"in use", os.NewSyscallError("bind", unix.EADDRINUSE), errors.EADDRINUSE},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope"}, errors.EHOSTUNREACH},
		{"eof", io.EOF, errors.ECONNRESET},
		{"domain", errors.Domain(errors.PhaseTransport, errors.EOPNOTSUPP, "listen"), errors.EOPNOTSUPP},
		{"unknown", io.ErrShortWrite, errors.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HostErrno(tt.err, errors.EIO); got != tt.want {
				t.Errorf("HostErrno = %s, want %s", got.Name(), tt.want.Name())
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		opts WebSocketOptions
		host string
		port uint16
		want string
		subs []string
	}{
		{WebSocketOptions{}, "example.com", 80, "ws://example.com:80/", []string{"binary"}},
		{WebSocketOptions{URL: "wss://"}, "example.com/chat", 443, "wss://example.com:443/chat", []string{"binary"}},
		{WebSocketOptions{URL: "ws://proxy:9000/tunnel", Subprotocols: "null"}, "h", 1, "ws://proxy:9000/tunnel", nil},
		{WebSocketOptions{Subprotocols: "a, b"}, "h", 2, "ws://h:2/", []string{"a", "b"}},
	}
	for _, tt := range tests {
		tr := NewWebSocketTransport(tt.opts)
		if got := tr.URL(tt.host, tt.port); got != tt.want {
			t.Errorf("URL(%s, %d) = %s, want %s", tt.host, tt.port, got, tt.want)
		}
		if len(tr.subprotocols) != len(tt.subs) {
			t.Errorf("subprotocols = %v, want %v", tr.subprotocols, tt.subs)
			continue
		}
		for i := range tt.subs {
			if tr.subprotocols[i] != tt.subs[i] {
				t.Errorf("subprotocols = %v, want %v", tr.subprotocols, tt.subs)
			}
		}
	}

	_, err := NewWebSocketTransport(WebSocketOptions{}).Listen(KindStream, "0.0.0.0", 80, ListenEvents{})
	wantErrno(t, err, errors.EOPNOTSUPP)
}
