package sockfs

import "sync"

// Kind selects the transport flavor of a connection.
type Kind int

const (
	KindStream Kind = iota + 1
	KindDatagram
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	}
	return "unknown"
}

// Events receives the lifecycle of one connection. Transports may call these
// from any goroutine; the socket backend forwards them to the goroutine that
// owns the filesystem.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// ListenEvents receives the lifecycle of a listener. A Conn handed to OnConn
// is already open and must not deliver messages before Start.
type ListenEvents struct {
	OnConn  func(c Conn, host string, port uint16)
	OnClose func()
	OnError func(err error)
}

// Conn is one transport connection. One message is one datagram, or one
// segment of a byte stream.
type Conn interface {
	// Start begins delivering events. It is called exactly once.
	Start(ev Events)
	// Send queues data. It does not block on the network.
	Send(data []byte) error
	Close() error
}

// Listener accepts connections until closed.
type Listener interface {
	Addr() (host string, port uint16)
	Close() error
}

// Transport carries socket traffic. Dial returns immediately; connection
// progress is reported through Events once Start is called.
type Transport interface {
	Dial(kind Kind, host string, port uint16) (Conn, error)
	Listen(kind Kind, host string, port uint16, ev ListenEvents) (Listener, error)
}

// outbox is an unbounded FIFO drained by a writer goroutine.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) push(p []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.queue = append(o.queue, p)
	o.cond.Signal()
	return true
}

// pop blocks until data is queued or the outbox is closed and drained.
func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.queue) == 0 {
		return nil, false
	}
	p := o.queue[0]
	o.queue = o.queue[1:]
	return p, true
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}
