// ABOUTME: One authenticated socket session: writer pump, ping emitter, frame dispatch
// ABOUTME: Handles agent sends via the bridge and the replace/shutdown close paths

package socket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/registry"
)

const (
	// AuthDeadline is how long a new connection has to present its auth frame.
	AuthDeadline = 10 * time.Second

	// PingInterval is the application-level heartbeat period.
	PingInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
	sendTimeout  = 15 * time.Second
	outboundSize = 32
)

// Session is one live authenticated socket.
type Session struct {
	conn   *websocket.Conn
	agent  *registry.Agent
	token  string
	bridge bridge.Bridge
	logger *slog.Logger

	out  chan Frame
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, agent *registry.Agent, token string, b bridge.Bridge, logger *slog.Logger) *Session {
	return &Session{
		conn:   conn,
		agent:  agent,
		token:  token,
		bridge: b,
		logger: logger.With("agent", agent.Username),
		out:    make(chan Frame, outboundSize),
		done:   make(chan struct{}),
	}
}

// send enqueues a frame for the writer. A full queue means the peer has
// stopped reading; the session is closed rather than blocking the caller.
func (s *Session) send(frame Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- frame:
		return true
	default:
		s.logger.Warn("socket send queue full, closing slow session")
		s.close(websocket.CloseGoingAway, "send queue overflow")
		return false
	}
}

// writeFrame writes one frame under the write lock.
func (s *Session) writeFrame(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

// close shuts the session down once: optional close handshake, then the
// underlying connection.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// closeWith sends a final error frame before the close handshake. Used
// for the replace path so the old peer learns why it was dropped.
func (s *Session) closeWith(frame Frame, code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		s.conn.WriteJSON(frame)
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// writePump drains the outbound queue. One writer per session.
func (s *Session) writePump() {
	for {
		select {
		case frame := <-s.out:
			if err := s.writeFrame(frame); err != nil {
				s.logger.Debug("socket write failed", "error", err)
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// pingLoop emits application-level pings. A missing pong is not fatal;
// dead peers surface through the transport's own close signal.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.send(Frame{Type: TypePing})
		case <-s.done:
			return
		}
	}
}

// readLoop dispatches authenticated frames until the connection dies.
func (s *Session) readLoop() {
	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("socket closed", "error", err)
				s.close(websocket.CloseNormalClosure, "")
			}
			return
		}

		switch frame.Type {
		case TypeMessage:
			s.handleSend(frame)
		case TypePong:
			// Heartbeat reply, nothing to do.
		default:
			s.send(Frame{Type: TypeError, Code: CodeUnknownEvent,
				Message: "unknown event type: " + frame.Type})
		}
	}
}

// handleSend forwards an agent message upstream and reports the outcome.
func (s *Session) handleSend(frame Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if _, err := s.bridge.SendAs(ctx, s.agent.Token, frame.Room, frame.Content); err != nil {
		s.logger.Warn("socket send failed", "room", frame.Room, "error", err)
		s.send(Frame{Type: TypeError, Code: CodeSendFailed, Message: err.Error()})
		return
	}
	s.send(Frame{Type: TypeMessageSent, Room: frame.Room})
}
