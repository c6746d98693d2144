package gateway

import (
	"context"
	"sync"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
)

// room is the subscriber set of one session. Its mutex linearizes join,
// leave and broadcast for that session only.
type room struct {
	mu      sync.Mutex
	id      string
	members map[*Client]struct{}
	closed  bool
}

// Hub tracks live connections and their session rooms.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*room
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Join moves c into sessionID's room and returns the room it left, if any.
func (h *Hub) Join(c *Client, sessionID string) string {
	prev := c.Room()
	if prev == sessionID {
		return ""
	}
	if prev != "" {
		h.removeMember(prev, c)
	}
	for {
		r := h.roomFor(sessionID)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		r.members[c] = struct{}{}
		c.setRoom(sessionID)
		r.mu.Unlock()
		return prev
	}
}

// Leave removes c from its current room and returns that room's id.
func (h *Hub) Leave(c *Client) string {
	prev := c.Room()
	if prev == "" {
		return ""
	}
	h.removeMember(prev, c)
	return prev
}

// Broadcast enqueues payload to every member of sessionID's room at the
// moment of the call, skipping except. Members whose send buffer is full are
// dropped from the room and disconnected. It returns the number of members
// the payload was queued for.
func (h *Hub) Broadcast(sessionID string, payload []byte, except *Client) int {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		return 0
	}

	var slow []*Client
	delivered := 0
	r.mu.Lock()
	for c := range r.members {
		if c == except {
			continue
		}
		if c.enqueue(payload) {
			delivered++
			continue
		}
		delete(r.members, c)
		slow = append(slow, c)
	}
	r.mu.Unlock()

	ctx := context.Background()
	observability.RecordBroadcastDelivery(ctx, "queued", delivered)
	observability.RecordBroadcastDelivery(ctx, "dropped", len(slow))
	for _, c := range slow {
		c.setRoomIf(sessionID, "")
		go c.closeSlow()
	}
	h.pruneIfEmpty(r)
	return delivered
}

// Members returns the number of connections currently in sessionID's room.
func (h *Hub) Members(sessionID string) int {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// CloseAll disconnects every registered connection with a going-away frame.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeGoingAway(reason)
	}
}

func (h *Hub) roomFor(sessionID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{id: sessionID, members: make(map[*Client]struct{})}
		h.rooms[sessionID] = r
	}
	return r
}

func (h *Hub) removeMember(sessionID string, c *Client) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		delete(r.members, c)
		r.mu.Unlock()
	}
	c.setRoomIf(sessionID, "")
	if r != nil {
		h.pruneIfEmpty(r)
	}
}

func (h *Hub) pruneIfEmpty(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.closed {
		return
	}
	r.closed = true
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
}
