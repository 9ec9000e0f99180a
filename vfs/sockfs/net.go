package sockfs

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
)

const readBufferSize = 64 << 10

// NetTransport carries sockets over host TCP and UDP.
type NetTransport struct {
	// DialTimeout bounds connection setup. Zero means no limit.
	DialTimeout time.Duration
}

// NewNetTransport creates a host network transport.
func NewNetTransport() *NetTransport {
	return &NetTransport{DialTimeout: 30 * time.Second}
}

func network(kind Kind) string {
	if kind == KindStream {
		return "tcp"
	}
	return "udp"
}

func (t *NetTransport) Dial(kind Kind, host string, port uint16) (Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ctx, cancel := context.WithCancel(context.Background())
	c := &netConn{out: newOutbox(), cancel: cancel}
	c.dial = func() (net.Conn, error) {
		d := net.Dialer{Timeout: t.DialTimeout}
		return d.DialContext(ctx, network(kind), addr)
	}
	return c, nil
}

func (t *NetTransport) Listen(kind Kind, host string, port uint16, ev ListenEvents) (Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if kind == KindStream {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		l := &tcpListener{ln: ln}
		go l.acceptLoop(ev)
		return l, nil
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	l := &udpListener{pc: pc, peers: make(map[string]*udpPeer)}
	go l.readLoop(ev)
	return l, nil
}

// netConn is a dialed or accepted host connection. Writes go through an
// outbox so Send never blocks the caller.
type netConn struct {
	conn   net.Conn
	dial   func() (net.Conn, error)
	out    *outbox
	cancel context.CancelFunc
	mu     sync.Mutex
	closed atomic.Bool
}

func (c *netConn) Start(ev Events) {
	go func() {
		if c.conn == nil {
			conn, err := c.dial()
			if err != nil {
				if !c.closed.Load() {
					ev.OnError(err)
				}
				return
			}
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			if c.closed.Load() {
				conn.Close()
				return
			}
			ev.OnOpen()
		}
		go c.writeLoop(ev)
		c.readLoop(ev)
	}()
}

func (c *netConn) writeLoop(ev Events) {
	defer c.conn.Close()
	for {
		p, ok := c.out.pop()
		if !ok {
			return
		}
		if _, err := c.conn.Write(p); err != nil {
			if !c.closed.Load() {
				Logger().Debug("write failed", zap.Stringer("remote", c.conn.RemoteAddr()), zap.Error(err))
				ev.OnError(err)
			}
			return
		}
	}
}

func (c *netConn) readLoop(ev Events) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			ev.OnMessage(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				ev.OnClose()
			} else {
				ev.OnError(err)
			}
			return
		}
	}
}

func (c *netConn) Send(data []byte) error {
	if !c.out.push(data) {
		return net.ErrClosed
	}
	return nil
}

// Close flushes queued writes, then closes the connection.
func (c *netConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.out.close()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if tc, ok := conn.(*net.TCPConn); ok {
			return tc.CloseRead()
		}
	}
	return nil
}

func splitAddr(a net.Addr) (string, uint16) {
	switch a := a.(type) {
	case *net.TCPAddr:
		return a.IP.String(), uint16(a.Port)
	case *net.UDPAddr:
		return a.IP.String(), uint16(a.Port)
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, uint16(p)
}

type tcpListener struct {
	ln     net.Listener
	closed atomic.Bool
}

func (l *tcpListener) Addr() (string, uint16) { return splitAddr(l.ln.Addr()) }

func (l *tcpListener) Close() error {
	l.closed.Store(true)
	return l.ln.Close()
}

func (l *tcpListener) acceptLoop(ev ListenEvents) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.closed.Load() {
				ev.OnError(err)
			}
			return
		}
		host, port := splitAddr(conn.RemoteAddr())
		ev.OnConn(&netConn{conn: conn, out: newOutbox(), cancel: func() {}}, host, port)
	}
}

// udpListener demultiplexes a packet socket into one virtual connection per
// remote address.
type udpListener struct {
	pc     net.PacketConn
	peers  map[string]*udpPeer
	mu     sync.Mutex
	closed atomic.Bool
}

func (l *udpListener) Addr() (string, uint16) { return splitAddr(l.pc.LocalAddr()) }

func (l *udpListener) Close() error {
	l.closed.Store(true)
	return l.pc.Close()
}

func (l *udpListener) readLoop(ev ListenEvents) {
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := l.pc.ReadFrom(buf)
		if err != nil {
			if !l.closed.Load() {
				ev.OnError(err)
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		key := from.String()

		l.mu.Lock()
		p, ok := l.peers[key]
		if !ok {
			p = &udpPeer{l: l, remote: from, key: key}
			l.peers[key] = p
		}
		l.mu.Unlock()

		if !ok {
			host, port := splitAddr(from)
			ev.OnConn(p, host, port)
		}
		p.deliver(data)
	}
}

type udpPeer struct {
	l       *udpListener
	remote  net.Addr
	ev      *Events
	key     string
	pending [][]byte
	mu      sync.Mutex
}

func (p *udpPeer) deliver(data []byte) {
	p.mu.Lock()
	if p.ev == nil {
		p.pending = append(p.pending, data)
		p.mu.Unlock()
		return
	}
	ev := p.ev
	p.mu.Unlock()
	ev.OnMessage(data)
}

func (p *udpPeer) Start(ev Events) {
	p.mu.Lock()
	p.ev = &ev
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, data := range pending {
		ev.OnMessage(data)
	}
}

func (p *udpPeer) Send(data []byte) error {
	_, err := p.l.pc.WriteTo(data, p.remote)
	return err
}

func (p *udpPeer) Close() error {
	p.l.mu.Lock()
	delete(p.l.peers, p.key)
	p.l.mu.Unlock()
	return nil
}
