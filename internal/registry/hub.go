package registry

import (
	"sync"

	"github.com/GriffinCanCode/termhub/internal/protocol"
)

// Subscriber receives frames for one connection. Send must not block; it
// returns false when the subscriber can no longer receive.
type Subscriber interface {
	ID() string
	Send(f protocol.Frame) bool
}

// Hub tracks every connected client for lifecycle broadcasts.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]Subscriber)}
}

// Add registers a connection.
func (h *Hub) Add(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.ID()] = sub
}

// Remove unregisters a connection.
func (h *Hub) Remove(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, subID)
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends f to every connected client.
func (h *Hub) Broadcast(f protocol.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.Send(f)
	}
}

// Has reports whether subID is connected.
func (h *Hub) Has(subID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[subID]
	return ok
}
