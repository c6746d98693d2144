package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ConnState string

const (
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateInRoom        ConnState = "in_room"
	StateDisconnected  ConnState = "disconnected"
)

// Client is one WebSocket connection. Only its read loop changes its room;
// the hub reads the room under the client's mutex.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	writeTimeout time.Duration

	mu           sync.Mutex
	ownerID      string
	room         string
	disconnected bool

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration, now time.Time) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Client{
		ID:           uuid.NewString(),
		ConnectedAt:  now,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *Client) OwnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerID
}

func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.disconnected:
		return StateDisconnected
	case c.ownerID == "":
		return StateConnecting
	case c.room != "":
		return StateInRoom
	default:
		return StateAuthenticated
	}
}

func (c *Client) authenticate(ownerID string) {
	c.mu.Lock()
	c.ownerID = ownerID
	c.mu.Unlock()
}

func (c *Client) setRoom(id string) {
	c.mu.Lock()
	c.room = id
	c.mu.Unlock()
}

func (c *Client) setRoomIf(current, next string) {
	c.mu.Lock()
	if c.room == current {
		c.room = next
	}
	c.mu.Unlock()
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.room = ""
	c.mu.Unlock()
}

// enqueue never blocks; false means the connection is closing or its
// buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) closeSlow() {
	c.closeWith(websocket.ClosePolicyViolation, "send buffer full")
}

func (c *Client) closeGoingAway(reason string) {
	c.closeWith(websocket.CloseGoingAway, reason)
}

func (c *Client) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

// writePump owns all data writes to the connection.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
