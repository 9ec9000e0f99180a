package sockfs

import (
	"net"
	"strconv"
	"sync"

	"github.com/wippyai/wasm-kernel/errors"
)

const firstEphemeralPort = 49152

// MemTransport is an in-process network. Sockets of one or more filesystems
// sharing a MemTransport can reach each other without touching the host.
type MemTransport struct {
	listeners map[string]*memListener
	mu        sync.Mutex
	nextPort  uint16
}

// NewMemTransport creates an empty in-process network.
func NewMemTransport() *MemTransport {
	return &MemTransport{
		listeners: make(map[string]*memListener),
		nextPort:  firstEphemeralPort,
	}
}

func memKey(kind Kind, host string, port uint16) string {
	return kind.String() + "/" + net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func (t *MemTransport) ephemeral() uint16 {
	p := t.nextPort
	t.nextPort++
	if t.nextPort == 0 {
		t.nextPort = firstEphemeralPort
	}
	return p
}

func (t *MemTransport) Dial(kind Kind, host string, port uint16) (Conn, error) {
	return &memConn{t: t, kind: kind, host: host, port: port}, nil
}

func (t *MemTransport) Listen(kind Kind, host string, port uint16, ev ListenEvents) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if port == 0 {
		port = t.ephemeral()
	}
	key := memKey(kind, host, port)
	if _, ok := t.listeners[key]; ok {
		return nil, errors.Domain(errors.PhaseTransport, errors.EADDRINUSE, "listen")
	}
	l := &memListener{t: t, key: key, host: host, port: port, ev: ev}
	t.listeners[key] = l
	return l, nil
}

func (t *MemTransport) lookup(kind Kind, host string, port uint16) *memListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.listeners[memKey(kind, host, port)]; ok {
		return l
	}
	return t.listeners[memKey(kind, "0.0.0.0", port)]
}

type memListener struct {
	t    *MemTransport
	ev   ListenEvents
	key  string
	host string
	port uint16
}

func (l *memListener) Addr() (string, uint16) { return l.host, l.port }

func (l *memListener) Close() error {
	l.t.mu.Lock()
	delete(l.t.listeners, l.key)
	l.t.mu.Unlock()
	return nil
}

// memConn is one end of an in-process connection. Messages that arrive before
// Start are buffered.
type memConn struct {
	t       *MemTransport
	peer    *memConn
	ev      *Events
	host    string
	pending [][]byte
	mu      sync.Mutex
	port    uint16
	kind    Kind
	closed  bool
}

func (c *memConn) Start(ev Events) {
	c.mu.Lock()
	c.ev = &ev
	pending := c.pending
	c.pending = nil
	dialing := c.peer == nil && c.t != nil
	c.mu.Unlock()

	if !dialing {
		for _, data := range pending {
			ev.OnMessage(data)
		}
		return
	}

	l := c.t.lookup(c.kind, c.host, c.port)
	if l == nil {
		ev.OnError(errors.New(errors.PhaseTransport, errors.KindErrno).
			Errno(errors.ECONNREFUSED).
			Op("connect").
			Detail("nothing listening on %s:%d", c.host, c.port).
			Build())
		return
	}
	c.t.mu.Lock()
	local := c.t.ephemeral()
	c.t.mu.Unlock()

	server := &memConn{peer: c, host: "127.0.0.1", port: local, kind: c.kind}
	c.mu.Lock()
	c.peer = server
	c.mu.Unlock()
	l.ev.OnConn(server, "127.0.0.1", local)
	ev.OnOpen()
}

func (c *memConn) deliver(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.ev == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	ev := c.ev
	c.mu.Unlock()
	ev.OnMessage(data)
}

func (c *memConn) hangup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ev := c.ev
	c.mu.Unlock()
	if ev != nil {
		ev.OnClose()
	}
}

func (c *memConn) Send(data []byte) error {
	c.mu.Lock()
	peer, closed := c.peer, c.closed
	c.mu.Unlock()
	if closed || peer == nil {
		return errors.Domain(errors.PhaseTransport, errors.ENOTCONN, "send")
	}
	peer.deliver(append([]byte(nil), data...))
	return nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	c.mu.Unlock()
	if peer != nil && c.kind == KindStream {
		peer.hangup()
	}
	return nil
}
