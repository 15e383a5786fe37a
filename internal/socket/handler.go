// ABOUTME: HTTP upgrade handler for /byoa/ws with the 10 s auth handshake
// ABOUTME: Authenticates the first frame, installs the session, replaces prior sessions

package socket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/byoa-gateway/internal/auth"
	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/metrics"
	"github.com/2389/byoa-gateway/internal/registry"
)

// Handler upgrades agent connections and runs their sessions.
type Handler struct {
	hub     *Hub
	authn   auth.Authenticator
	bridge  bridge.Bridge
	logger  *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
}

// NewHandler creates the socket endpoint handler.
func NewHandler(hub *Hub, authn auth.Authenticator, b bridge.Bridge, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:     hub,
		authn:   authn,
		bridge:  b,
		logger:  logger.With("component", "socket"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from anywhere; auth happens in-band.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	agent, token, ok := h.handshake(conn)
	if !ok {
		return
	}

	rooms := h.roomsFor(agent)
	s := newSession(conn, agent, token, h.bridge, h.logger)

	if old := h.hub.register(s); old != nil {
		h.logger.Info("replacing existing session", "agent", agent.Username)
		old.closeWith(Frame{Type: TypeError, Code: CodeReplaced,
			Message: "session replaced by a newer connection"}, CloseReplaced, "replaced")
	}

	s.send(Frame{Type: TypeAuthOK, Agent: agentInfo(agent), Rooms: rooms})

	go s.writePump()
	go s.pingLoop()

	h.logger.Info("agent connected", "agent", agent.Username, "rooms", len(rooms))
	s.readLoop()

	h.hub.unregister(s)
	h.logger.Info("agent disconnected", "agent", agent.Username)
}

// handshake enforces the auth deadline and validates the first frame.
// On failure the connection is closed with the appropriate code and
// (false) is returned.
func (h *Handler) handshake(conn *websocket.Conn) (*registry.Agent, string, bool) {
	conn.SetReadDeadline(time.Now().Add(AuthDeadline))

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			closeConn(conn, CloseAuthTimeout, "authentication timeout")
		} else {
			writeJSON(conn, Frame{Type: TypeAuthError, Message: "unreadable auth frame"})
			closeConn(conn, CloseAuthFailure, "authentication failed")
		}
		return nil, "", false
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Type != TypeAuth {
		writeJSON(conn, Frame{Type: TypeAuthError, Message: "first frame must be auth"})
		closeConn(conn, CloseAuthFailure, "authentication required")
		return nil, "", false
	}

	agent := h.authn.Authenticate(frame.Token)
	if agent == nil {
		if h.metrics != nil {
			h.metrics.AuthFailures.Inc()
		}
		writeJSON(conn, Frame{Type: TypeAuthError, Message: "invalid token"})
		closeConn(conn, CloseAuthFailure, "authentication failed")
		return nil, "", false
	}
	return agent, frame.Token, true
}

// roomsFor enumerates the agent's rooms for auth_ok. Best effort: a
// bridge hiccup yields an empty list, not a failed handshake.
func (h *Handler) roomsFor(agent *registry.Agent) []bridge.Room {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rooms, err := h.bridge.RoomsFor(ctx, agent.Token, agent.Username)
	if err != nil {
		h.logger.Warn("room enumeration failed", "agent", agent.Username, "error", err)
		return []bridge.Room{}
	}
	return rooms
}

func agentInfo(agent *registry.Agent) *AgentInfo {
	return &AgentInfo{
		ID:          agent.ID,
		Username:    agent.Username,
		DisplayName: agent.DisplayName,
		Emoji:       agent.Emoji,
		MentionKey:  agent.MentionKey,
		TrustLevel:  string(agent.TrustLevel),
	}
}

func writeJSON(conn *websocket.Conn, frame Frame) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteJSON(frame)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
