// ABOUTME: Webhook dispatcher: POSTs room messages to agent callback URLs
// ABOUTME: Bounded retry with backoff; terminal failures feed the message-lost metric

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/byoa-gateway/internal/metrics"
)

const (
	// AttemptTimeout bounds each HTTP attempt.
	AttemptTimeout = 10 * time.Second

	// MaxAttempts is the total attempt count (first try plus retries).
	MaxAttempts = 4
)

// retryDelays between attempts: 1 s, 2 s, 4 s.
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// ContextMessage is one unread message materialized into the payload.
type ContextMessage struct {
	Sender     string    `json:"sender"`
	SenderType string    `json:"senderType"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Payload is the POST body sent to the agent.
type Payload struct {
	MessageID  string           `json:"messageId"`
	Sender     string           `json:"sender"`
	SenderType string           `json:"senderType"`
	Content    string           `json:"content"`
	Room       string           `json:"room"`
	Timestamp  time.Time        `json:"timestamp"`
	Context    []ContextMessage `json:"context"`
}

// Target identifies where and how to deliver.
type Target struct {
	AgentID    string
	MentionKey string
	URL        string
	Secret     string
	RoomID     string
}

// Dispatcher posts payloads to agent webhooks. Stateless apart from the
// shared HTTP client.
type Dispatcher struct {
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	// sleep is replaceable in tests.
	sleep func(context.Context, time.Duration) bool
}

// New creates a dispatcher.
func New(client *http.Client, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: AttemptTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		http:    client,
		logger:  logger.With("component", "webhook"),
		metrics: m,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Dispatch delivers asynchronously. The router never blocks on webhook
// outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, payload Payload) {
	go d.deliver(ctx, target, payload)
}

// deliver runs the full attempt sequence for one payload. Every attempt
// carries the same delivery id so agents can collapse retried POSTs.
func (d *Dispatcher) deliver(ctx context.Context, target Target, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("marshaling webhook payload", "agent", target.AgentID, "error", err)
		return
	}

	deliveryID := uuid.NewString()
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		err := d.post(ctx, target, deliveryID, body)
		if err == nil {
			if attempt > 1 {
				d.logger.Info("webhook delivered after retry",
					"agent", target.AgentID, "attempt", attempt, "message_id", payload.MessageID)
			}
			return
		}

		var terminal *terminalError
		if isTerminal(err, &terminal) {
			d.logger.Warn("webhook rejected, not retrying",
				"agent", target.AgentID, "status", terminal.status, "message_id", payload.MessageID)
			d.recordLost(target)
			return
		}

		if attempt == MaxAttempts {
			d.logger.Error("webhook delivery failed, giving up",
				"agent", target.AgentID, "attempts", attempt, "message_id", payload.MessageID, "error", err)
			d.recordLost(target)
			return
		}

		if d.metrics != nil {
			d.metrics.MessageRetries.Inc()
		}
		d.logger.Warn("webhook attempt failed, retrying",
			"agent", target.AgentID, "attempt", attempt, "error", err)
		if !d.sleep(ctx, retryDelays[attempt-1]) {
			return
		}
	}
}

type terminalError struct {
	status int
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("webhook returned %d", e.status)
}

func isTerminal(err error, out **terminalError) bool {
	te, ok := err.(*terminalError)
	if ok {
		*out = te
	}
	return ok
}

// post performs one attempt.
func (d *Dispatcher) post(ctx context.Context, target Target, deliveryID string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Secret", target.Secret)
	req.Header.Set("X-Gateway-Agent", target.MentionKey)
	req.Header.Set("X-Gateway-Delivery", deliveryID)

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &terminalError{status: resp.StatusCode}
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordLost(target Target) {
	if d.metrics != nil {
		d.metrics.MessagesLost.WithLabelValues(target.AgentID, target.RoomID).Inc()
	}
}
