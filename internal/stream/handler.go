// ABOUTME: HTTP handler for /byoa/sse/stream: handshake, replay, live fanout, heartbeat
// ABOUTME: Runs after the auth middleware; enforces the per-principal stream cap

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/byoa-gateway/internal/auth"
	"github.com/2389/byoa-gateway/internal/store"
)

// HeartbeatInterval is the comment-line heartbeat period that defeats
// proxy idle timeouts.
const HeartbeatInterval = 25 * time.Second

// Handler serves the event-stream transport.
type Handler struct {
	hub    *Hub
	store  *store.SQLiteStore
	logger *slog.Logger
}

// NewHandler creates the stream endpoint handler.
func NewHandler(hub *Hub, st *store.SQLiteStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{hub: hub, store: st, logger: logger.With("component", "stream")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agent := auth.FromContext(r.Context())
	if agent == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	token, _ := auth.ExtractBearer(r.Header.Get("Authorization"))
	lastEventID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s := newSession(agent.ID, token)
	if err := h.hub.register(s); err != nil {
		writeEvent(w, event{name: "error", data: `{"code":"TOO_MANY_CONNECTIONS"}`})
		flusher.Flush()
		return
	}
	defer h.hub.unregister(s)

	connected, _ := json.Marshal(map[string]any{
		"agent":      agent.Username,
		"trustLevel": agent.TrustLevel,
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	})
	writeEvent(w, event{name: "connected", data: string(connected)})
	flusher.Flush()

	if lastEventID > 0 {
		if err := h.replay(r.Context(), w, agent.ID, lastEventID); err != nil {
			h.logger.Warn("replay failed", "agent", agent.Username, "error", err)
			return
		}
		flusher.Flush()
	}

	h.logger.Info("stream connected", "agent", agent.Username, "last_event_id", lastEventID)
	h.serve(r.Context(), w, flusher, s)
	h.logger.Info("stream disconnected", "agent", agent.Username)
}

// replay re-emits persisted events after lastEventID with their original
// ids, ascending.
func (h *Handler) replay(ctx context.Context, w http.ResponseWriter, agentID string, lastEventID int64) error {
	entries, err := h.store.EventsSince(ctx, agentID, lastEventID, 0)
	if err != nil {
		return fmt.Errorf("loading replay entries: %w", err)
	}
	for _, entry := range entries {
		if err := writeEvent(w, event{id: entry.EventID, name: "message", data: entry.Payload}); err != nil {
			return err
		}
	}
	return nil
}

// serve pumps live events and heartbeats until the peer or the gateway
// goes away.
func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, s *Session) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-s.out:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-s.stop:
			writeEvent(w, event{name: "shutdown", data: `{"reason":"gateway shutting down"}`})
			flusher.Flush()
			return
		case <-ctx.Done():
			return
		}
	}
}

func parseLastEventID(header string) int64 {
	if header == "" {
		return 0
	}
	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
