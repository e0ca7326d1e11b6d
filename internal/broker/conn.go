package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write so one dead socket cannot
	// stall fan-out to the rest.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before its read
	// pump gives up; pings go out every pingInterval.
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	maxControlMessageSize = 32 * 1024
	maxDataMessageSize    = 256 * 1024
)

// Application close codes. 4000-4999 is the range reserved for
// application use by RFC 6455.
const (
	// closeCodeReconnected tells an evicted socket its client identity
	// moved to a newer connection.
	closeCodeReconnected = 4000
	// closeCodeUnauthorized rejects a data socket that failed auth.
	closeCodeUnauthorized = 4001
)

// Clients connect from arbitrary origins and devices; the token is the
// gate, not the Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one websocket. gorilla/websocket allows a
// single concurrent writer, and the broker has several senders per
// socket (handler replies, state broadcasts, PTY fan-out, pings).
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a close frame with the given code and reason, then drops
// the connection. Safe to call more than once.
func (c *wsConn) close(code int, reason string) {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	c.conn.Close()
}

// abort drops the connection without the courtesy close frame, for
// sockets that already failed a write.
func (c *wsConn) abort() {
	c.conn.Close()
}

func (c *wsConn) readMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// configureRead applies the read limit and keepalive deadlines shared
// by both planes. Pongs push the read deadline forward.
func (c *wsConn) configureRead(limit int64) {
	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// pingLoop keeps a socket alive until stop closes or a ping fails.
func pingLoop(c *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
