// ABOUTME: Session hub mapping principal ids to live socket sessions
// ABOUTME: Implements replace-on-reconnect and shutdown fanout

package socket

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/metrics"
)

// Hub owns the principal-id → session map. At most one live session per
// principal; a newer session replaces the older one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "socket"),
		metrics:  m,
	}
}

// register installs the session, returning the session it displaced (if
// any). The caller closes the old session outside the lock.
func (h *Hub) register(s *Session) *Session {
	h.mu.Lock()
	old := h.sessions[s.agent.ID]
	h.sessions[s.agent.ID] = s
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		h.metrics.TotalConnections.Inc()
		h.metrics.AgentsByTransport.WithLabelValues("socket").Set(float64(h.Count()))
	}
	return old
}

// unregister removes the session if it is still the installed one. A
// replaced session must not evict its replacement.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if h.sessions[s.agent.ID] == s {
		delete(h.sessions, s.agent.ID)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
		h.metrics.Disconnects.Inc()
		h.metrics.AgentsByTransport.WithLabelValues("socket").Set(float64(h.Count()))
	}
}

// Deliver writes an inbound message to the principal's live session.
// Returns false when no session exists.
func (h *Hub) Deliver(principalID string, msg bridge.InboundMessage) bool {
	h.mu.RLock()
	s := h.sessions[principalID]
	h.mu.RUnlock()

	if s == nil {
		return false
	}
	return s.send(deliveryFrame(msg))
}

// Connected reports whether the principal has a live session.
func (h *Hub) Connected(principalID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[principalID] != nil
}

// TokenInUse reports whether any live session authenticated with the
// token. Satisfies auth.SessionChecker.
func (h *Hub) TokenInUse(token string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if s.token == token {
			return true
		}
	}
	return false
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Usernames lists connected agents.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.sessions))
	for _, s := range h.sessions {
		names = append(names, s.agent.Username)
	}
	return names
}

// CloseAll disconnects every session with the graceful-shutdown close
// code. Used during gateway shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "gateway shutting down")
	}
}
