package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to emitter.Conn. gorilla allows one
// concurrent writer, so every write, including keepalive pings, takes mu.
type wsConn struct {
	id        string
	conn      *websocket.Conn
	writeWait time.Duration

	mu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with code and reason.
func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWriteWait))
}
