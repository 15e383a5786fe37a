// ABOUTME: Fire-and-forget local sink for agents co-located with the gateway
// ABOUTME: Writes one JSON line per message to the agent's unix socket; errors are logged, never surfaced

package inject

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const dialTimeout = 2 * time.Second

// Message is the line written to the local runtime.
type Message struct {
	MessageID string    `json:"message_id"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink delivers a message into a co-located agent runtime. Delivery is
// best effort; the router never learns the outcome.
type Sink interface {
	Inject(agentUsername string, msg Message)
}

// SocketSink writes to per-agent unix sockets under a base directory,
// one socket per agent username.
type SocketSink struct {
	dir    string
	logger *slog.Logger
}

// NewSocketSink creates a sink rooted at dir.
func NewSocketSink(dir string, logger *slog.Logger) *SocketSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketSink{dir: dir, logger: logger.With("component", "inject")}
}

// Inject writes the message asynchronously.
func (s *SocketSink) Inject(agentUsername string, msg Message) {
	go s.write(agentUsername, msg)
}

func (s *SocketSink) write(agentUsername string, msg Message) {
	path := fmt.Sprintf("%s/%s.sock", s.dir, agentUsername)
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		s.logger.Debug("local inject unavailable", "agent", agentUsername, "error", err)
		return
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		s.logger.Debug("local inject write failed", "agent", agentUsername, "error", err)
	}
}

// Discard is a Sink that drops everything. Used when no inject
// directory is configured.
type Discard struct{}

func (Discard) Inject(string, Message) {}
