// ABOUTME: Matrix upstream backend implementing Bridge over mautrix
// ABOUTME: Sync loop for inbound traffic, per-agent clients for sends and history

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixOptions configures the matrix backend.
type MatrixOptions struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// IsAgent classifies senders: usernames recognized as registered
	// agents are reported as AI senders. Optional.
	IsAgent func(username string) bool

	Logger *slog.Logger
}

// Matrix implements Bridge against a Matrix homeserver. The gateway's
// own account runs the sync loop; agent operations build short-lived
// clients around each agent's access token.
type Matrix struct {
	homeserver string
	userID     id.UserID
	client     *mautrix.Client
	isAgent    func(string) bool
	logger     *slog.Logger

	handler   MessageHandler
	connected atomic.Bool
}

// NewMatrix creates the matrix bridge.
func NewMatrix(opts MatrixOptions) (*Matrix, error) {
	client, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isAgent := opts.IsAgent
	if isAgent == nil {
		isAgent = func(string) bool { return false }
	}
	return &Matrix{
		homeserver: opts.Homeserver,
		userID:     id.UserID(opts.UserID),
		client:     client,
		isAgent:    isAgent,
		logger:     logger.With("component", "bridge"),
	}, nil
}

// Subscribe registers the inbound handler.
func (m *Matrix) Subscribe(handler MessageHandler) {
	m.handler = handler
}

// Connected reports whether the sync loop is running.
func (m *Matrix) Connected() bool {
	return m.connected.Load()
}

// Run starts the sync loop and blocks until ctx is cancelled. mautrix
// handles its own retries, so there is no reconnect machine here.
func (m *Matrix) Run(ctx context.Context) error {
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, m.handleMessageEvent)

	m.logger.Info("connecting to matrix homeserver", "homeserver", m.homeserver, "user_id", m.userID)
	m.connected.Store(true)
	defer m.connected.Store(false)

	err := m.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

func (m *Matrix) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == m.userID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if m.handler == nil {
		return
	}
	m.handler(m.normalize(evt, content.Body))
}

func (m *Matrix) normalize(evt *event.Event, body string) InboundMessage {
	username := localpart(evt.Sender)
	kind := SenderHuman
	if m.isAgent(username) {
		kind = SenderAI
	}
	return InboundMessage{
		ID:             evt.ID.String(),
		RoomID:         evt.RoomID.String(),
		RoomName:       evt.RoomID.String(),
		SenderUsername: username,
		SenderID:       evt.Sender.String(),
		SenderKind:     kind,
		Content:        body,
		Timestamp:      time.UnixMilli(evt.Timestamp),
	}
}

func localpart(user id.UserID) string {
	local, _, err := user.Parse()
	if err != nil {
		return user.String()
	}
	return local
}

// agentClient builds a client acting as the agent itself.
func (m *Matrix) agentClient(agentToken, username string) (*mautrix.Client, error) {
	_, homeserver, err := m.userID.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing gateway user id: %w", err)
	}
	userID := id.NewUserID(username, homeserver)
	client, err := mautrix.NewClient(m.homeserver, userID, agentToken)
	if err != nil {
		return nil, fmt.Errorf("creating agent client: %w", err)
	}
	return client, nil
}

// SendAs sends content to a room under the agent's own access token.
func (m *Matrix) SendAs(ctx context.Context, agentToken, roomID, content string) (string, error) {
	if !m.connected.Load() {
		return "", ErrBridgeUnavailable
	}
	client, err := m.agentClient(agentToken, "")
	if err != nil {
		return "", err
	}
	resp, err := client.SendText(ctx, id.RoomID(roomID), content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}
	return resp.EventID.String(), nil
}

// RoomsFor lists the rooms the agent has joined. Matrix has no cheap
// room-name lookup here, so names mirror the room ids.
func (m *Matrix) RoomsFor(ctx context.Context, agentToken, username string) ([]Room, error) {
	client, err := m.agentClient(agentToken, username)
	if err != nil {
		return nil, err
	}
	resp, err := client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}
	rooms := make([]Room, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		rooms = append(rooms, Room{ID: roomID.String(), Name: roomID.String()})
	}
	return rooms, nil
}

// FetchSince walks room history backward until it passes afterID, then
// returns the collected messages oldest first.
func (m *Matrix) FetchSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]InboundMessage, error) {
	client, err := m.agentClient(agentToken, "")
	if err != nil {
		return nil, err
	}
	resp, err := client.Messages(ctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}

	var collected []InboundMessage
	for _, evt := range resp.Chunk {
		if evt.ID.String() == afterID {
			break
		}
		if evt.Type != event.EventMessage {
			continue
		}
		if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
			continue
		}
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.MsgType != event.MsgText {
			continue
		}
		collected = append(collected, m.normalize(evt, content.Body))
	}

	// Chunk is newest-first; callers expect oldest-first.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}
