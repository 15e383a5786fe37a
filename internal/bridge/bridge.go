// ABOUTME: Upstream bridge interface and the normalized message types it emits
// ABOUTME: Concrete backends (chatkit, matrix) implement Bridge; the router consumes it

package bridge

import (
	"context"
	"errors"
	"time"
)

// Sender kinds as reported by the upstream server.
const (
	SenderHuman = "human"
	SenderAI    = "ai"
)

var (
	// ErrBridgeUnavailable means no upstream session currently exists.
	ErrBridgeUnavailable = errors.New("upstream bridge unavailable")

	// ErrUpstreamRejected means the upstream accepted the connection but
	// refused the operation (bad token, unknown room, etc).
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrContentTooLong means the message body exceeds the upstream limit.
	ErrContentTooLong = errors.New("message content too long")
)

// InboundMessage is the normalized form of an upstream room message.
// Immutable once emitted.
type InboundMessage struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	RoomName       string    `json:"room_name"`
	SenderUsername string    `json:"sender_username"`
	SenderID       string    `json:"sender_id"`
	SenderKind     string    `json:"sender_kind"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Room identifies an upstream room an agent can see.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageHandler receives inbound messages in upstream order.
type MessageHandler func(msg InboundMessage)

// Bridge is the narrow interface the gateway consumes from the chat
// server. Exactly one implementation is active per process.
type Bridge interface {
	// Subscribe registers the inbound handler. Must be called before Run.
	Subscribe(handler MessageHandler)

	// Run maintains the upstream session until ctx is cancelled,
	// reconnecting as needed. Returns nil on graceful shutdown.
	Run(ctx context.Context) error

	// Connected reports whether an upstream session currently exists.
	Connected() bool

	// SendAs forwards content to a room under the agent's own
	// credentials. Returns the upstream message id.
	SendAs(ctx context.Context, agentToken, roomID, content string) (string, error)

	// RoomsFor lists rooms visible to the agent.
	RoomsFor(ctx context.Context, agentToken, username string) ([]Room, error)

	// FetchSince returns up to limit messages in roomID with id after
	// afterID, oldest first. Used for context materialization.
	FetchSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]InboundMessage, error)
}
