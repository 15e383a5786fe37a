// ABOUTME: ChatKit upstream backend: REST auth/send plus one long-lived WebSocket
// ABOUTME: Owns the reconnection state machine with backoff and a silent-connection detector

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// ReconnectBase is the first reconnect delay; doubles up to ReconnectCap.
	ReconnectBase = 2 * time.Second
	ReconnectCap  = 30 * time.Second

	// ConnectTimeout bounds a single authenticate+dial attempt.
	ConnectTimeout = 10 * time.Second

	// IdleTimeout is how long the connection may stay silent before the
	// detector declares it dead and forces a reconnect.
	IdleTimeout = 60 * time.Second

	idleCheckInterval = 10 * time.Second
)

// chatkitFrame is one frame on the upstream WebSocket.
type chatkitFrame struct {
	Type    string          `json:"type"`
	Message *InboundMessage `json:"message,omitempty"`
}

// sessionResponse is the upstream auth endpoint's reply.
type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChatKitOptions configures the chatkit backend.
type ChatKitOptions struct {
	BaseURL      string
	Username     string
	GatewayToken string
	Credentials  *CredentialCache
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// ChatKit is the default Bridge implementation. One WebSocket carries
// inbound traffic; sends, room listing, and history go over REST under
// per-agent bearer tokens.
type ChatKit struct {
	baseURL      string
	username     string
	gatewayToken string
	creds        *CredentialCache
	http         *http.Client
	logger       *slog.Logger

	handler MessageHandler

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    atomic.Bool
	reconnecting atomic.Bool
	lastActivity atomic.Int64 // unix nanos
}

// NewChatKit creates the chatkit bridge. Run must be called to connect.
func NewChatKit(opts ChatKitOptions) *ChatKit {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: ConnectTimeout}
	}
	creds := opts.Credentials
	if creds == nil {
		creds = NewCredentialCache("")
	}
	return &ChatKit{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		username:     opts.Username,
		gatewayToken: opts.GatewayToken,
		creds:        creds,
		http:         httpClient,
		logger:       logger.With("component", "bridge"),
	}
}

// Subscribe registers the inbound handler.
func (c *ChatKit) Subscribe(handler MessageHandler) {
	c.handler = handler
}

// Connected reports whether an upstream session currently exists.
func (c *ChatKit) Connected() bool {
	return c.connected.Load()
}

// Run maintains the upstream session until ctx is cancelled. Each pass
// of the loop is one connection lifetime; failures feed the backoff,
// which resets as soon as a connection is established.
func (c *ChatKit) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
		}
		if err == nil {
			continue
		}
		attempt++
		delay := reconnectDelay(attempt)
		c.logger.Warn("upstream connection lost, reconnecting",
			"error", err, "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// reconnectDelay computes exponential backoff: 2 s, 4 s, 8 s, 16 s,
// then 30 s flat.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := ReconnectBase << (attempt - 1)
	if delay > ReconnectCap || delay <= 0 {
		return ReconnectCap
	}
	return delay
}

// connectAndServe performs one full connection lifetime: authenticate,
// dial, pump frames until the connection dies or ctx is cancelled.
// established reports whether the dial succeeded, so the caller can
// reset its backoff even when the connection later fails.
func (c *ChatKit) connectAndServe(ctx context.Context) (established bool, err error) {
	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	cred, err := c.sessionCredential(connectCtx)
	if err != nil {
		cancel()
		return false, fmt.Errorf("acquiring session credential: %w", err)
	}

	conn, err := c.dial(connectCtx, cred.Token)
	cancel()
	if err != nil {
		// A refused handshake can mean the cached token went stale.
		c.creds.Drop()
		return false, fmt.Errorf("dialing upstream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.lastActivity.Store(time.Now().UnixNano())
	c.reconnecting.Store(false)
	c.logger.Info("upstream connected", "url", c.baseURL)

	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	defer close(done)
	go c.watchIdle(ctx, conn, done)

	return true, c.readLoop(conn)
}

// readLoop pumps frames until the connection fails. Inbound messages go
// to the handler synchronously so upstream order is preserved.
func (c *ChatKit) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isServerClose(err) {
				c.logger.Warn("upstream closed session, dropping credential", "error", err)
				c.creds.Drop()
			}
			return err
		}
		c.lastActivity.Store(time.Now().UnixNano())

		var frame chatkitFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("unparseable upstream frame", "error", err)
			continue
		}

		switch frame.Type {
		case "message":
			if frame.Message != nil && c.handler != nil {
				c.handler(*frame.Message)
			}
		case "ping":
			c.writeFrame(chatkitFrame{Type: "pong"})
		default:
			// Unknown frame types are ignored for forward compatibility.
		}
	}
}

// watchIdle closes the connection if nothing arrives for IdleTimeout.
// Closing makes readLoop return, which feeds the reconnect loop.
func (c *ChatKit) watchIdle(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if time.Since(last) > IdleTimeout {
				if c.reconnecting.CompareAndSwap(false, true) {
					c.logger.Warn("no upstream activity, forcing reconnect",
						"idle", time.Since(last).Round(time.Second))
					conn.Close()
				}
				return
			}
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (c *ChatKit) writeFrame(frame chatkitFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.logger.Debug("upstream write failed", "error", err)
	}
}

// isServerClose reports whether the read error is a deliberate
// server-side close rather than a network fault.
func isServerClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.ClosePolicyViolation, websocket.CloseGoingAway:
		return true
	}
	return closeErr.Code >= 4000
}

// sessionCredential returns a valid gateway session credential, hitting
// the auth endpoint only when the cache misses.
func (c *ChatKit) sessionCredential(ctx context.Context) (Credential, error) {
	if cred, ok := c.creds.Get(); ok {
		return cred, nil
	}

	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"token":    c.gatewayToken,
		"kind":     "gateway",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/auth/session", bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("%w: auth returned %d", ErrUpstreamRejected, resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return Credential{}, fmt.Errorf("decoding session response: %w", err)
	}
	return c.creds.Put(session.Token, session.ExpiresAt), nil
}

func (c *ChatKit) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

// websocketURL converts the http(s) base URL into its ws(s) equivalent
// with the /ws path.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing upstream URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// SendAs forwards content to a room under the agent's credentials.
func (c *ChatKit) SendAs(ctx context.Context, agentToken, roomID, content string) (string, error) {
	if !c.connected.Load() {
		return "", ErrBridgeUnavailable
	}

	body, _ := json.Marshal(map[string]string{
		"room_id": roomID,
		"content": content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/agent/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+agentToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", ErrContentTooLong
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: send returned %d", ErrUpstreamRejected, resp.StatusCode)
	default:
		return "", fmt.Errorf("upstream send failed with %d", resp.StatusCode)
	}

	var result struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding send response: %w", err)
	}
	return result.MessageID, nil
}

// RoomsFor lists rooms visible to the agent.
func (c *ChatKit) RoomsFor(ctx context.Context, agentToken, username string) ([]Room, error) {
	endpoint := c.baseURL + "/api/agent/rooms?username=" + url.QueryEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+agentToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: rooms returned %d", ErrUpstreamRejected, resp.StatusCode)
	}

	var result struct {
		Rooms []Room `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding rooms response: %w", err)
	}
	return result.Rooms, nil
}

// FetchSince returns up to limit messages after afterID, oldest first.
func (c *ChatKit) FetchSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]InboundMessage, error) {
	endpoint := c.baseURL + "/api/rooms/" + url.PathEscape(roomID) + "/messages" +
		"?after=" + url.QueryEscape(afterID) + "&limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+agentToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: history returned %d", ErrUpstreamRejected, resp.StatusCode)
	}

	var result struct {
		Messages []InboundMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding history response: %w", err)
	}
	return result.Messages, nil
}
