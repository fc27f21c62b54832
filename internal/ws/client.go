package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds how long a Send may block on a slow subscriber
// before the connection is dropped.
const writeTimeout = 10 * time.Second

// Client wraps one presentation-layer websocket connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper around an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event frame under the write deadline. A failed or timed
// out write closes the connection; the hub evicts the subscriber on error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
