// ABOUTME: SSE stream hub enforcing the per-principal session cap
// ABOUTME: Fans one routed event out to every live stream of a principal

package stream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/byoa-gateway/internal/metrics"
)

// MaxStreamsPerPrincipal caps concurrent streams per agent.
const MaxStreamsPerPrincipal = 2

// ErrTooManyStreams is returned when the cap is hit.
var ErrTooManyStreams = errors.New("too many concurrent streams")

// Hub tracks live stream sessions per principal.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string][]*Session
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string][]*Session),
		logger:   logger.With("component", "stream"),
		metrics:  m,
	}
}

// register adds the session unless the principal is at the cap.
func (h *Hub) register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions[s.agentID]) >= MaxStreamsPerPrincipal {
		return ErrTooManyStreams
	}
	h.sessions[s.agentID] = append(h.sessions[s.agentID], s)

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		h.metrics.TotalConnections.Inc()
		h.metrics.AgentsByTransport.WithLabelValues("stream").Set(float64(len(h.sessions)))
	}
	return nil
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	live := h.sessions[s.agentID][:0]
	for _, other := range h.sessions[s.agentID] {
		if other != s {
			live = append(live, other)
		}
	}
	if len(live) == 0 {
		delete(h.sessions, s.agentID)
	} else {
		h.sessions[s.agentID] = live
	}
	principals := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
		h.metrics.Disconnects.Inc()
		h.metrics.AgentsByTransport.WithLabelValues("stream").Set(float64(principals))
	}
}

// Deliver writes an already-persisted event to every live stream of the
// principal. All streams see the same event id. Returns false when the
// principal has no streams.
func (h *Hub) Deliver(principalID string, eventID int64, payload string) bool {
	h.mu.RLock()
	sessions := make([]*Session, len(h.sessions[principalID]))
	copy(sessions, h.sessions[principalID])
	h.mu.RUnlock()

	if len(sessions) == 0 {
		return false
	}
	for _, s := range sessions {
		s.send(event{id: eventID, name: "message", data: payload})
	}
	return true
}

// Connected reports whether the principal has at least one live stream.
func (h *Hub) Connected(principalID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[principalID]) > 0
}

// TokenInUse reports whether any live stream authenticated with the
// token. Satisfies auth.SessionChecker.
func (h *Hub) TokenInUse(token string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sessions := range h.sessions {
		for _, s := range sessions {
			if s.token == token {
				return true
			}
		}
	}
	return false
}

// CountFor returns the number of live streams for one principal.
func (h *Hub) CountFor(principalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[principalID])
}

// Count returns the number of live streams across principals.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.sessions {
		n += len(sessions)
	}
	return n
}

// CloseAll emits a shutdown event on every stream and closes them.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Session
	for _, sessions := range h.sessions {
		all = append(all, sessions...)
	}
	h.sessions = make(map[string][]*Session)
	h.mu.Unlock()

	for _, s := range all {
		s.shutdown()
	}
}
