package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second // Time allowed to write a frame to the peer.
	pongWait          = 60 * time.Second // Time allowed to read the next pong from the peer.
	defaultPingPeriod = (pongWait * 9) / 10
	maxMessageSize    = 512 // Clients only send control frames.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// Client adapts a WebSocket connection to Conn.
type Client struct {
	conn      *websocket.Conn
	UserID    int
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, userID int) *Client {
	return &Client{conn: conn, UserID: userID}
}

func (c *Client) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame with code and reason, then drops the connection.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// ReadPump consumes inbound frames so pongs and close frames are processed.
// It calls gone once the peer disconnects or stops answering pings.
func (c *Client) ReadPump(gone context.CancelFunc) {
	defer gone()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// PingLoop keeps the connection alive until ctx is done. WriteControl may run
// concurrently with the session's writes.
func (c *Client) PingLoop(ctx context.Context, period time.Duration) {
	if period <= 0 || period >= pongWait {
		period = defaultPingPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
