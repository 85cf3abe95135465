package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long one stalled subscriber can block a log broadcast.
const writeWait = 5 * time.Second

// Client adapts a websocket connection to the hub's Subscriber interface.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger.With("component", "ws")}
}

// Send writes one log payload. A write failure or deadline drops the
// connection; the hub unregisters the client on the returned error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("log stream send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
