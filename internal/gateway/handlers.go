// ABOUTME: HTTP handlers for sends, status, health, and the metrics snapshot
// ABOUTME: The send path carries idempotency replay and the content length cap

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/2389/byoa-gateway/internal/auth"
	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/store"
)

// MaxContentLength caps outbound message bodies, in characters.
const MaxContentLength = 4000

type sendRequest struct {
	RoomID         string `json:"roomId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type legacySendRequest struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// handleSend is POST /byoa/sse/messages: send as the authenticated agent
// with optional idempotency replay.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	agent := auth.FromContext(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	if req.RoomID == "" || req.Content == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "roomId and content are required")
		return
	}
	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		writeErrorCode(w, http.StatusBadRequest, "CONTENT_TOO_LONG", "content exceeds 4000 characters")
		return
	}

	if req.IdempotencyKey != "" {
		cached, err := g.store.GetIdempotent(r.Context(), agent.ID, req.IdempotencyKey)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
		if !errors.Is(err, store.ErrIdempotencyMiss) {
			g.logger.Error("idempotency lookup failed", "error", err)
		}
	}

	messageID, err := g.bridge.SendAs(r.Context(), agent.Token, req.RoomID, req.Content)
	if err != nil {
		g.writeSendError(w, err)
		return
	}

	result, _ := json.Marshal(map[string]string{"messageId": messageID})
	if req.IdempotencyKey != "" {
		if err := g.store.PutIdempotent(r.Context(), agent.ID, req.IdempotencyKey, string(result)); err != nil {
			g.logger.Error("idempotency store failed", "error", err)
		}
	}

	g.metrics.MessagesSent.Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// handleLegacySend is POST /send with the older {room, content} body.
func (g *Gateway) handleLegacySend(w http.ResponseWriter, r *http.Request) {
	agent := auth.FromContext(r.Context())

	var req legacySendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	if req.Room == "" || req.Content == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "room and content are required")
		return
	}
	if utf8.RuneCountInString(req.Content) > MaxContentLength {
		writeErrorCode(w, http.StatusBadRequest, "CONTENT_TOO_LONG", "content exceeds 4000 characters")
		return
	}

	messageID, err := g.bridge.SendAs(r.Context(), agent.Token, req.Room, req.Content)
	if err != nil {
		g.writeSendError(w, err)
		return
	}

	g.metrics.MessagesSent.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"messageId": messageID})
}

func (g *Gateway) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrBridgeUnavailable):
		writeErrorCode(w, http.StatusServiceUnavailable, "BRIDGE_UNAVAILABLE", "no upstream session")
	case errors.Is(err, bridge.ErrContentTooLong):
		writeErrorCode(w, http.StatusBadRequest, "CONTENT_TOO_LONG", "upstream rejected content length")
	case errors.Is(err, bridge.ErrUpstreamRejected):
		writeErrorCode(w, http.StatusBadGateway, "SEND_FAILED", err.Error())
	default:
		g.logger.Error("send failed", "error", err)
		writeErrorCode(w, http.StatusBadGateway, "SEND_FAILED", "upstream send failed")
	}
}

// handleStatus is GET /byoa/sse/status: the caller's session picture.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent := auth.FromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"agent":      agent.Username,
		"trustLevel": agent.TrustLevel,
		"transports": map[string]any{
			"socket":  g.socketHub.Connected(agent.ID),
			"streams": g.streamHub.CountFor(agent.ID),
		},
		"upstreamConnected": g.bridge.Connected(),
		"serverTime":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth is GET /health: liveness plus the connected agent list.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"upstreamConnected": g.bridge.Connected(),
		"connectedAgents":   g.socketHub.Usernames(),
		"activeStreams":     g.streamHub.Count(),
		"uptimeSeconds":     int(time.Since(g.started).Seconds()),
	})
}

// handleLiveness is GET /byoa/sse/health: bare liveness.
func (g *Gateway) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetricsJSON is GET /metrics/json: the structured counter snapshot.
func (g *Gateway) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.metrics.Snapshot()
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, "SNAPSHOT_FAILED", "gathering metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"counters":  snapshot,
	})
}
