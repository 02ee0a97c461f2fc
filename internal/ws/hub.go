package ws

import (
	"log"
	"sort"
	"sync"
)

// Hub tracks the live WebSocket sessions per stream
type Hub struct {
	// clients maps stream_id -> set of sessions
	clients map[string]map[*Session]bool
	mu      sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Session]bool),
	}
}

// Register adds a session for its stream
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[s.streamID] == nil {
		h.clients[s.streamID] = make(map[*Session]bool)
	}
	h.clients[s.streamID][s] = true
	log.Printf("[WS] Client %s registered for stream %s (total: %d)", s.id, s.streamID, len(h.clients[s.streamID]))
}

// Unregister removes a session
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessions, ok := h.clients[s.streamID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.clients, s.streamID)
		}
		log.Printf("[WS] Client %s unregistered for stream %s", s.id, s.streamID)
	}
}

// Streams returns the ids of streams with connected sessions
func (h *Hub) Streams() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	streams := make([]string, 0, len(h.clients))
	for streamID := range h.clients {
		streams = append(streams, streamID)
	}
	sort.Strings(streams)
	return streams
}

// ClientCount returns the total number of connected sessions
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, sessions := range h.clients {
		count += len(sessions)
	}
	return count
}

// CloseAll sends a close frame to every session. Their read loops then
// detach them from their streams.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	var sessions []*Session
	for _, set := range h.clients {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason)
	}
	if len(sessions) > 0 {
		log.Printf("[WS] Closed %d client connections", len(sessions))
	}
}
