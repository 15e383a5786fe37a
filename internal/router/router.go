// ABOUTME: Routing pipeline from upstream messages to downstream agent transports
// ABOUTME: Single consumer of the bridge queue; candidate filtering, transport pick, context fetch

package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/dedupe"
	"github.com/2389/byoa-gateway/internal/inject"
	"github.com/2389/byoa-gateway/internal/metrics"
	"github.com/2389/byoa-gateway/internal/readtrack"
	"github.com/2389/byoa-gateway/internal/registry"
	"github.com/2389/byoa-gateway/internal/webhook"
)

const (
	// QueueSize bounds the inbound queue; a full queue back-pressures
	// the bridge read loop.
	QueueSize = 256

	// ContextLimit caps unread history fetched for mention context.
	ContextLimit = 50

	// redeliveryTTL is how long an upstream message id is remembered to
	// absorb redelivery across bridge reconnects.
	redeliveryTTL = 10 * time.Minute

	fetchTimeout = 10 * time.Second
)

// AgentSource yields routing candidates. Implemented by *registry.Service.
type AgentSource interface {
	All() []*registry.Agent
}

// SocketSink is the persistent-socket transport as the router sees it.
type SocketSink interface {
	Connected(principalID string) bool
	Deliver(principalID string, msg bridge.InboundMessage) bool
}

// StreamSink is the SSE transport as the router sees it.
type StreamSink interface {
	Connected(principalID string) bool
	Deliver(principalID string, eventID int64, payload string) bool
}

// EventLog persists stream frames before delivery.
type EventLog interface {
	AppendEvent(ctx context.Context, agentID, roomID, payload string) (int64, error)
}

// LoopGuard gates unmentioned AI-to-AI deliveries.
type LoopGuard interface {
	AllowElevated(senderID, targetID string) bool
	RecordExchange(senderID, targetID string)
}

// HistorySource fetches unread room history for context materialization.
// Implemented by the bridge.
type HistorySource interface {
	FetchSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]bridge.InboundMessage, error)
}

// Router fans inbound messages out to agent transports. Processing is
// strictly sequential per message; side effects per candidate may run
// concurrently.
type Router struct {
	agents   AgentSource
	socket   SocketSink
	stream   StreamSink
	events   EventLog
	webhooks *webhook.Dispatcher
	sink     inject.Sink
	guard    LoopGuard
	tracker  *readtrack.Tracker
	history  HistorySource
	seen     *dedupe.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger

	queue chan bridge.InboundMessage
}

// Options wires the router's collaborators.
type Options struct {
	Agents   AgentSource
	Socket   SocketSink
	Stream   StreamSink
	Events   EventLog
	Webhooks *webhook.Dispatcher
	Inject   inject.Sink
	Guard    LoopGuard
	Tracker  *readtrack.Tracker
	History  HistorySource
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// New creates a router.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Inject
	if sink == nil {
		sink = inject.Discard{}
	}
	return &Router{
		agents:   opts.Agents,
		socket:   opts.Socket,
		stream:   opts.Stream,
		events:   opts.Events,
		webhooks: opts.Webhooks,
		sink:     sink,
		guard:    opts.Guard,
		tracker:  opts.Tracker,
		history:  opts.History,
		seen:     dedupe.New(redeliveryTTL, 4096),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "router"),
		queue:    make(chan bridge.InboundMessage, QueueSize),
	}
}

// Enqueue is the bridge's inbound callback. Blocks when the queue is
// full, back-pressuring the upstream read loop.
func (r *Router) Enqueue(msg bridge.InboundMessage) {
	r.queue <- msg
}

// Run consumes the queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	defer r.seen.Close()
	for {
		select {
		case msg := <-r.queue:
			r.process(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// process routes one inbound message to every eligible candidate.
func (r *Router) process(ctx context.Context, msg bridge.InboundMessage) {
	if r.seen.Observe(msg.ID) {
		r.logger.Debug("duplicate upstream message, skipping", "message_id", msg.ID)
		return
	}

	for _, agent := range r.agents.All() {
		r.routeTo(ctx, agent, msg)
	}
}

// routeTo runs the per-candidate pipeline: skip-sender, receive mode,
// loop guard, transport selection.
func (r *Router) routeTo(ctx context.Context, agent *registry.Agent, msg bridge.InboundMessage) {
	if !agent.Active() {
		return
	}
	if agent.Username == msg.SenderUsername || agent.ID == msg.SenderID {
		return
	}

	mentioned := Mentioned(msg.Content, agent)

	if agent.ReceiveMode == registry.ReceiveMentions && !mentioned {
		return
	}

	if msg.SenderKind == bridge.SenderAI {
		if mentioned {
			// Explicit user intent bypasses the guard but still starts
			// the pair cooldown so follow-up chatter is bounded.
			r.guard.RecordExchange(msg.SenderID, agent.ID)
		} else {
			if agent.TrustLevel != registry.TrustElevated {
				return
			}
			if !r.guard.AllowElevated(msg.SenderID, agent.ID) {
				r.logger.Debug("loop guard denied delivery",
					"sender", msg.SenderUsername, "target", agent.Username)
				return
			}
		}
	}

	switch {
	case r.socket.Connected(agent.ID) && agent.Delivery != registry.DeliverLocalInject:
		if r.socket.Deliver(agent.ID, msg) {
			r.recordSent()
			if mentioned {
				// Socket peers catch up themselves; only the cursor moves.
				r.advanceCursor(agent, msg)
			}
		}

	case r.stream.Connected(agent.ID):
		r.deliverStream(ctx, agent, msg)

	case agent.Delivery == registry.DeliverLocalInject:
		go r.deliverInject(ctx, agent, msg, mentioned)

	case mentioned && agent.WebhookURL != "":
		go r.deliverWebhook(ctx, agent, msg)

	default:
		r.logger.Debug("no transport for candidate, dropping",
			"agent", agent.Username, "message_id", msg.ID)
	}
}

// streamPayload is the data body of a stream message event. Consumers
// key on the upstream message id, never the event id.
type streamPayload struct {
	MessageID  string    `json:"message_id"`
	Room       string    `json:"room"`
	RoomName   string    `json:"room_name"`
	Sender     string    `json:"sender"`
	SenderType string    `json:"sender_type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// deliverStream persists the frame first so the event id exists before
// any peer can observe it, then fans out.
func (r *Router) deliverStream(ctx context.Context, agent *registry.Agent, msg bridge.InboundMessage) {
	payload, err := json.Marshal(streamPayload{
		MessageID:  msg.ID,
		Room:       msg.RoomID,
		RoomName:   msg.RoomName,
		Sender:     msg.SenderUsername,
		SenderType: msg.SenderKind,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		r.logger.Error("marshaling stream payload", "error", err)
		return
	}

	eventID, err := r.events.AppendEvent(ctx, agent.ID, msg.RoomID, string(payload))
	if err != nil {
		r.logger.Error("persisting stream event", "agent", agent.Username, "error", err)
		return
	}
	if r.stream.Deliver(agent.ID, eventID, string(payload)) {
		r.recordSent()
	}
}

// deliverWebhook materializes unread context and hands off to the
// dispatcher. Runs outside the router loop.
func (r *Router) deliverWebhook(ctx context.Context, agent *registry.Agent, msg bridge.InboundMessage) {
	contextMsgs := r.materializeContext(ctx, agent, msg)

	r.webhooks.Dispatch(ctx, webhook.Target{
		AgentID:    agent.ID,
		MentionKey: agent.MentionKey,
		URL:        agent.WebhookURL,
		Secret:     agent.WebhookSecret,
		RoomID:     msg.RoomID,
	}, webhook.Payload{
		MessageID:  msg.ID,
		Sender:     msg.SenderUsername,
		SenderType: msg.SenderKind,
		Content:    msg.Content,
		Room:       msg.RoomID,
		Timestamp:  msg.Timestamp,
		Context:    contextMsgs,
	})
	r.recordSent()
}

// deliverInject pushes to the local sink, prefixing queued unread
// history on mentions.
func (r *Router) deliverInject(ctx context.Context, agent *registry.Agent, msg bridge.InboundMessage, mentioned bool) {
	content := msg.Content
	if mentioned {
		if queued := r.materializeContext(ctx, agent, msg); len(queued) > 0 {
			content = formatQueued(queued) + content
		}
	}
	r.sink.Inject(agent.Username, inject.Message{
		MessageID: msg.ID,
		Room:      msg.RoomID,
		Sender:    msg.SenderUsername,
		Content:   content,
		Timestamp: msg.Timestamp,
	})
	r.recordSent()
}

// materializeContext fetches unread history since the agent's cursor,
// excluding the triggering message, and advances the cursor. A failed
// fetch leaves the cursor alone so the unread range is retried on the
// next mention instead of being silently discarded.
func (r *Router) materializeContext(ctx context.Context, agent *registry.Agent, msg bridge.InboundMessage) []webhook.ContextMessage {
	cursor := r.tracker.Get(agent.ID, msg.RoomID)

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	history, err := r.history.FetchSince(fetchCtx, agent.Token, msg.RoomID, cursor.LastSeenID, ContextLimit)
	if err != nil {
		r.logger.Warn("context fetch failed", "agent", agent.Username, "room", msg.RoomID, "error", err)
		return nil
	}

	contextMsgs := make([]webhook.ContextMessage, 0, len(history))
	for _, h := range history {
		if h.ID == msg.ID {
			continue
		}
		contextMsgs = append(contextMsgs, webhook.ContextMessage{
			Sender:     h.SenderUsername,
			SenderType: h.SenderKind,
			Content:    h.Content,
			Timestamp:  h.Timestamp,
		})
	}

	r.advanceCursor(agent, msg)
	return contextMsgs
}

func (r *Router) advanceCursor(agent *registry.Agent, msg bridge.InboundMessage) {
	if err := r.tracker.Advance(agent.ID, msg.RoomID, msg.ID); err != nil {
		r.logger.Warn("cursor advance failed", "agent", agent.Username, "error", err)
	}
}

func (r *Router) recordSent() {
	if r.metrics != nil {
		r.metrics.MessagesSent.Inc()
	}
}

// formatQueued renders unread history as a prefix block.
func formatQueued(queued []webhook.ContextMessage) string {
	var b strings.Builder
	b.WriteString("[queued messages]\n")
	for _, q := range queued {
		b.WriteString(q.Sender)
		b.WriteString(": ")
		b.WriteString(q.Content)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Mentioned reports whether content mentions the agent by mention key or
// username. Case-insensitive substring match.
func Mentioned(content string, agent *registry.Agent) bool {
	lower := strings.ToLower(content)
	if agent.MentionKey != "" && strings.Contains(lower, "@"+strings.ToLower(agent.MentionKey)) {
		return true
	}
	return agent.Username != "" && strings.Contains(lower, "@"+strings.ToLower(agent.Username))
}
