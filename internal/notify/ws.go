package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader wraps gorilla/websocket.Upgrader with the defaults the bus
// expects: no origin checking (left to the external API layer's own
// auth/CORS middleware, per SPEC_FULL.md's scoping of the WS transport
// as an external collaborator's concern) and generous buffer sizes for
// the JSON event frames Channel.write produces.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn adapts a *websocket.Conn to the bus's narrow Conn interface,
// adding the write deadline gorilla recommends pairing with
// WriteMessage so a stalled client can't block a sender goroutine
// forever.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSConn wraps conn for registration with Bus.Register. A zero
// writeTimeout disables the deadline.
func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

func (w *WSConn) WriteMessage(messageType int, data []byte) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteMessage(messageType, data)
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}

var _ Conn = (*WSConn)(nil)
