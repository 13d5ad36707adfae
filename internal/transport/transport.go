// Package transport wraps the WebSocket-style framed transport the
// federation protocol is specified against (§6 of the federation spec).
// Only the shape of message delivery and ping/pong liveness is exposed;
// everything else about the session state machine lives in the session
// package.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a bidirectional ordered reliable message stream supporting close
// and ping/pong, per §6. gorilla/websocket.Conn is the reference
// implementation; tests substitute an in-memory pipe.
type Conn interface {
	// ReadMessage blocks for the next frame. It returns an error once the
	// connection is closed, locally or remotely.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a single frame. Frames are delivered individually;
	// callers must not batch multiple logical messages into one call.
	WriteMessage(data []byte) error
	// SetPongHandler installs the callback invoked when a pong control
	// frame arrives, asynchronously with ReadMessage.
	SetPongHandler(h func(appData string) error)
	// Ping sends a ping control frame.
	Ping(deadline time.Time) error
	// WriteClose sends a clean protocol close frame.
	WriteClose(code int, reason string) error
	// Close tears down the transport without a clean close handshake.
	Close() error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

type wsConn struct {
	c *websocket.Conn
}

// WrapWebsocket adapts a *websocket.Conn to the Conn interface.
func WrapWebsocket(c *websocket.Conn) Conn {
	return &wsConn{c: c}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) SetPongHandler(h func(appData string) error) {
	w.c.SetPongHandler(h)
}

func (w *wsConn) Ping(deadline time.Time) error {
	return w.c.WriteControl(websocket.PingMessage, nil, deadline)
}

func (w *wsConn) WriteClose(code int, reason string) error {
	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	return w.c.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() string {
	return w.c.RemoteAddr().String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Federation peers are configured by address, not browser origin; any
	// origin is acceptable for a server-to-server mesh link.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request to a framed transport.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return WrapWebsocket(c), nil
}

// Dial opens an outbound transport to a peer.
func Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return WrapWebsocket(c), nil
}

// IsCleanClose reports whether err is a normal-closure close frame (code
// 1000), as opposed to a transport failure. Callers use this to tell a
// deliberate protocol close (§4.5/§7: no mutual version, self-loop) apart
// from a dropped connection.
func IsCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
