package websocket

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"tubedrop/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocket upgrader with CORS support
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from any origin for development
		// In production, check against allowed origins
		return true
	},
}

// Client streams one task's progress over a WebSocket connection. It pumps
// snapshots from an engine subscription channel and closes the connection
// once the task reaches a terminal state.
type Client struct {
	conn    *websocket.Conn
	updates <-chan *types.Task
	cancel  func()
	taskID  string
	done    chan struct{}
}

// NewClient wraps an upgraded connection around a task subscription. cancel
// detaches the subscription when the peer goes away first.
func NewClient(conn *websocket.Conn, taskID string, updates <-chan *types.Task, cancel func()) *Client {
	return &Client{
		conn:    conn,
		updates: updates,
		cancel:  cancel,
		taskID:  taskID,
		done:    make(chan struct{}),
	}
}

// StartPumps starts the read and write pumps for the client
func (c *Client) StartPumps() {
	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so close frames and pongs are processed
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket read error", "task", c.taskID, "err", err)
			}
			break
		}
	}
}

// writePump forwards task snapshots as progress frames. The subscription
// channel closing means the task finished; a close frame follows the final
// snapshot.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case snap, ok := <-c.updates:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
			if err := c.conn.WriteJSON(types.MessageFor(snap)); err != nil {
				log.Debug("websocket write error", "task", c.taskID, "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// Upgrade upgrades an HTTP request to a WebSocket connection
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}
