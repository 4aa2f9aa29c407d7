package relay

import (
	"sync"
)

// Hub tracks local connections by user and by joined conversation room.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[*client]struct{}
	rooms map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[string]map[*client]struct{}),
		rooms: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.uid] == nil {
		h.users[c.uid] = make(map[*client]struct{})
	}
	h.users[c.uid][c] = struct{}{}
}

// Unregister removes c from its user set and every room it joined.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.users[c.uid]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.uid)
		}
	}
	for room, conns := range h.rooms {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Join(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

func (h *Hub) Leave(conversationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// SendToUser delivers b to every connection of userID.
func (h *Hub) SendToUser(userID string, b []byte) int {
	return h.deliver(h.snapshot(h.users, userID), b, nil)
}

// SendToRoom delivers b to every connection in the room except skip.
func (h *Hub) SendToRoom(conversationID string, b []byte, skip *client) int {
	return h.deliver(h.snapshot(h.rooms, conversationID), b, skip)
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

func (h *Hub) snapshot(set map[string]map[*client]struct{}, key string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(set[key]))
	for c := range set[key] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliver(conns []*client, b []byte, skip *client) int {
	n := 0
	for _, c := range conns {
		if c == skip {
			continue
		}
		if c.enqueue(b) {
			n++
			continue
		}
		// slow consumer
		h.Unregister(c)
		c.close()
	}
	return n
}
