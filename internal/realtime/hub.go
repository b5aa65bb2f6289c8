// Package realtime fans committed session events out to WebSocket viewers.
// Each session is a topic.  Delivery is best effort: a viewer whose buffer
// is full is disconnected rather than allowed to fall behind, so every
// connected viewer sees events in publish order.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bingo-hall/internal/queue"
)

// DefaultBuffer is the number of undelivered messages a client may hold.
const DefaultBuffer = 64

// Hub tracks subscribers per session.
type Hub struct {
	mu     sync.RWMutex
	topics map[uint64]map[*Client]struct{}
	buffer int
	logger *log.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{topics: map[uint64]map[*Client]struct{}{}, buffer: DefaultBuffer, logger: logger}
}

// Client is one viewer of one session.
type Client struct {
	ID        string
	SessionID uint64
	send      chan []byte
	closed    bool
}

// Messages yields encoded events; it is closed when the client is dropped.
func (c *Client) Messages() <-chan []byte { return c.send }

// Subscribe registers a viewer for sessionID.
func (h *Hub) Subscribe(sessionID uint64) *Client {
	c := &Client{ID: uuid.NewString(), SessionID: sessionID, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[sessionID]
	if !ok {
		set = map[*Client]struct{}{}
		h.topics[sessionID] = set
	}
	set[c] = struct{}{}
	return c
}

// Unsubscribe removes c and closes its channel.  It is safe to call twice.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if set, ok := h.topics[c.SessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.topics, c.SessionID)
		}
	}
}

// Publish delivers ev to every viewer of its session without blocking.
// Callers serialise Publish per session to keep commit order.
func (h *Hub) Publish(_ context.Context, ev queue.GameEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var slow []*Client
	h.mu.RLock()
	for c := range h.topics[ev.SessionID] {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.removeLocked(c)
		}
		h.mu.Unlock()
		if h.logger != nil {
			h.logger.Warnj(log.JSON{"event": "ws_slow_viewers_dropped", "session_id": ev.SessionID, "count": len(slow)})
		}
	}
	return nil
}

// Enqueue sends ev to a single client, typically the snapshot written
// right after Subscribe.  It reports false when the client is gone or full.
func (h *Hub) Enqueue(c *Client, ev queue.GameEvent) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Viewers returns the number of subscribers of a session.
func (h *Hub) Viewers(sessionID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[sessionID])
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.topics {
		for c := range set {
			h.removeLocked(c)
		}
	}
}
