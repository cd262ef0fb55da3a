package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ocppware/ocppws-go/internal/ocpp"
)

// wsConn adapts a *websocket.Conn to the Conn interface. Writes are
// serialized with a mutex since gorilla/websocket does not allow
// concurrent writers, matching this package's documented contract.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pongMu sync.Mutex
	pongFn func()
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{conn: c}
	c.SetPongHandler(func(string) error {
		w.pongMu.Lock()
		fn := w.pongFn
		w.pongMu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})
	c.SetReadLimit(MaxMessageBytes)
	return w
}

func (w *wsConn) ReadMessage(ctx context.Context) (FrameType, []byte, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return 0, nil, ErrClosed
	}
	if mt == websocket.BinaryMessage {
		return FrameBinary, data, nil
	}
	return FrameText, data, nil
}

func (w *wsConn) WriteMessage(ctx context.Context, ft FrameType, data []byte) error {
	mt := websocket.TextMessage
	if ft == FrameBinary {
		mt = websocket.BinaryMessage
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	if err := w.conn.WriteMessage(mt, data); err != nil {
		return ErrClosed
	}
	return nil
}

func (w *wsConn) Ping(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return ErrClosed
	}
	return nil
}

func (w *wsConn) SetPongHandler(fn func()) {
	w.pongMu.Lock()
	w.pongFn = fn
	w.pongMu.Unlock()
}

func (w *wsConn) Close(code int, reason string) error {
	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(2 * time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	w.writeMu.Unlock()
	return w.conn.Close()
}

func (w *wsConn) RemoteAddr() string {
	if addr := w.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// GorillaDialer implements Dialer over gorilla/websocket, the station
// (client) role's outbound connector (spec §4 C1).
type GorillaDialer struct {
	Dialer websocket.Dialer
}

// NewGorillaDialer returns a Dialer with the given handshake timeout and
// the library's default buffer sizes.
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{Dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

func (g *GorillaDialer) Dial(ctx context.Context, url string, subprotocols []string, headers http.Header) (Conn, string, error) {
	d := g.Dialer
	d.Subprotocols = subprotocols
	conn, resp, err := d.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, "", &ocpp.UnexpectedHttpResponse{StatusCode: resp.StatusCode, Msg: err.Error()}
		}
		return nil, "", &ocpp.WebsocketUpgradeError{Msg: err.Error()}
	}
	return newWSConn(conn), conn.Subprotocol(), nil
}

// GorillaUpgrader implements Upgrader over gorilla/websocket, the
// CSMS (server) role's inbound upgrade handoff.
type GorillaUpgrader struct {
	Upgrader websocket.Upgrader
}

// NewGorillaUpgrader returns an Upgrader with permissive origin
// checking delegated entirely to the caller (the server's own CORS
// middleware runs before Upgrade is ever called).
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{Upgrader: websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}}
}

func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, subprotocol string, responseHeader http.Header) (Conn, error) {
	if responseHeader == nil {
		responseHeader = http.Header{}
	}
	if subprotocol != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	conn, err := g.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}
