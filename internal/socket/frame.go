// ABOUTME: Wire frames for the persistent agent socket
// ABOUTME: One envelope type covers auth, delivery, sends, errors, and heartbeats

package socket

import (
	"time"

	"github.com/2389/byoa-gateway/internal/bridge"
)

// Frame types.
const (
	TypeAuth        = "auth"
	TypeAuthOK      = "auth_ok"
	TypeAuthError   = "auth_error"
	TypeMessage     = "message"
	TypeMessageSent = "message_sent"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Error codes carried in error frames.
const (
	CodeReplaced     = "REPLACED"
	CodeSendFailed   = "SEND_FAILED"
	CodeUnknownEvent = "UNKNOWN_EVENT"
)

// WebSocket close codes.
const (
	CloseReplaced    = 4000
	CloseAuthTimeout = 4001
	CloseAuthFailure = 4003
)

// AgentInfo is the agent summary included in auth_ok.
type AgentInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Emoji       string `json:"emoji,omitempty"`
	MentionKey  string `json:"mention_key"`
	TrustLevel  string `json:"trust_level"`
}

// Frame is the envelope for every socket message, both directions.
// Unused fields are omitted on the wire.
type Frame struct {
	Type string `json:"type"`

	// auth (inbound)
	Token string `json:"token,omitempty"`

	// auth_ok (outbound)
	Agent *AgentInfo    `json:"agent,omitempty"`
	Rooms []bridge.Room `json:"rooms,omitempty"`

	// message (both directions)
	ID         string     `json:"id,omitempty"`
	Room       string     `json:"room,omitempty"`
	RoomName   string     `json:"room_name,omitempty"`
	Sender     string     `json:"sender,omitempty"`
	SenderType string     `json:"sender_type,omitempty"`
	Content    string     `json:"content,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// deliveryFrame builds the outbound frame for an inbound room message.
func deliveryFrame(msg bridge.InboundMessage) Frame {
	ts := msg.Timestamp
	return Frame{
		Type:       TypeMessage,
		ID:         msg.ID,
		Room:       msg.RoomID,
		RoomName:   msg.RoomName,
		Sender:     msg.SenderUsername,
		SenderType: msg.SenderKind,
		Content:    msg.Content,
		Timestamp:  &ts,
	}
}
