package sockfs

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/errors"
)

// WebSocketOptions configures WebSocketTransport.
type WebSocketOptions struct {
	// URL is a scheme prefix ("ws://", "wss://") or a complete URL. With a
	// prefix, host and port of the connect call are appended.
	URL string
	// Subprotocols is a comma or space separated list offered during the
	// handshake. "null" offers none.
	Subprotocols string
}

// WebSocketTransport tunnels every socket through one websocket connection
// per peer. It cannot listen.
type WebSocketTransport struct {
	url          string
	subprotocols []string
}

// NewWebSocketTransport creates a websocket transport. URL defaults to
// "ws://" and Subprotocols to "binary".
func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	if opts.URL == "" {
		opts.URL = "ws://"
	}
	if opts.Subprotocols == "" {
		opts.Subprotocols = "binary"
	}
	t := &WebSocketTransport{url: opts.URL}
	if opts.Subprotocols != "null" {
		t.subprotocols = strings.FieldsFunc(opts.Subprotocols, func(r rune) bool {
			return r == ',' || r == ' '
		})
	}
	return t
}

// URL returns the address dialed for host:port.
func (t *WebSocketTransport) URL(host string, port uint16) string {
	if t.url != "ws://" && t.url != "wss://" {
		return t.url
	}
	parts := strings.SplitN(host, "/", 2)
	u := t.url + parts[0] + ":" + strconv.Itoa(int(port))
	if len(parts) > 1 {
		u += "/" + parts[1]
	} else {
		u += "/"
	}
	return u
}

func (t *WebSocketTransport) Dial(kind Kind, host string, port uint16) (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		t:      t,
		url:    t.URL(host, port),
		ctx:    ctx,
		cancel: cancel,
		out:    newOutbox(),
	}, nil
}

func (t *WebSocketTransport) Listen(Kind, string, uint16, ListenEvents) (Listener, error) {
	return nil, errors.Domain(errors.PhaseTransport, errors.EOPNOTSUPP, "listen")
}

type wsConn struct {
	t      *WebSocketTransport
	ctx    context.Context
	cancel context.CancelFunc
	out    *outbox
	url    string
	closed atomic.Bool
}

func (c *wsConn) Start(ev Events) {
	go func() {
		conn, _, err := websocket.Dial(c.ctx, c.url, &websocket.DialOptions{
			Subprotocols: c.t.subprotocols,
		})
		if err != nil {
			c.cancel()
			if !c.closed.Load() {
				Logger().Debug("websocket dial failed", zap.String("url", c.url), zap.Error(err))
				ev.OnError(err)
			}
			return
		}
		conn.SetReadLimit(-1)
		ev.OnOpen()
		go c.writeLoop(conn, ev)
		c.readLoop(conn, ev)
	}()
}

func (c *wsConn) writeLoop(conn *websocket.Conn, ev Events) {
	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	}()
	for {
		p, ok := c.out.pop()
		if !ok {
			return
		}
		if err := conn.Write(c.ctx, websocket.MessageBinary, p); err != nil {
			if !c.closed.Load() {
				ev.OnError(err)
			}
			return
		}
	}
}

func (c *wsConn) readLoop(conn *websocket.Conn, ev Events) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				ev.OnClose()
			} else {
				ev.OnError(err)
			}
			c.out.close()
			return
		}
		ev.OnMessage(data)
	}
}

func (c *wsConn) Send(data []byte) error {
	if !c.out.push(data) {
		return errors.Domain(errors.PhaseTransport, errors.ECONNRESET, "websocket send")
	}
	return nil
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.out.close()
	return nil
}
