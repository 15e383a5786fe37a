// ABOUTME: Tests for the HTTP surface: sends with idempotency, status, health, metrics
// ABOUTME: Exercises the full chi route table with a registry bootstrapped from a file

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/guard"
	"github.com/2389/byoa-gateway/internal/metrics"
	"github.com/2389/byoa-gateway/internal/ratelimit"
	"github.com/2389/byoa-gateway/internal/readtrack"
	"github.com/2389/byoa-gateway/internal/registry"
	"github.com/2389/byoa-gateway/internal/socket"
	"github.com/2389/byoa-gateway/internal/store"
	"github.com/2389/byoa-gateway/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testBridge struct {
	connected bool
	sendErr   error
	lastRoom  string
	sendCount int
}

func (b *testBridge) Subscribe(bridge.MessageHandler) {}
func (b *testBridge) Run(context.Context) error       { return nil }
func (b *testBridge) Connected() bool                 { return b.connected }

func (b *testBridge) SendAs(_ context.Context, _, roomID, _ string) (string, error) {
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.sendCount++
	b.lastRoom = roomID
	return "msg-77", nil
}

func (b *testBridge) RoomsFor(context.Context, string, string) ([]bridge.Room, error) {
	return nil, nil
}

func (b *testBridge) FetchSince(context.Context, string, string, string, int) ([]bridge.InboundMessage, error) {
	return nil, nil
}

func agentsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	doc := `{"agents": [{
		"id": "agent-1", "username": "bot", "display_name": "Bot",
		"mention_key": "bot", "trust_level": "standard",
		"receive_mode": "mentions", "connection_type": "socket",
		"delivery_mode": "webhook", "token": "tok-1", "status": "active"
	}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
	return path
}

func newTestGateway(t *testing.T, b *testBridge) *Gateway {
	t.Helper()
	if b == nil {
		b = &testBridge{connected: true}
	}

	st, err := store.NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tracker, err := readtrack.Load(filepath.Join(t.TempDir(), "cursors.json"), nil)
	require.NoError(t, err)

	reg := registry.New(registry.Options{AgentsFile: agentsFile(t)})
	require.NoError(t, reg.Bootstrap(context.Background()))

	m := metrics.New("", nil)
	g := &Gateway{
		metrics:   m,
		registry:  reg,
		bridge:    b,
		store:     st,
		tracker:   tracker,
		guard:     guard.New(),
		socketHub: socket.NewHub(nil, m),
		streamHub: stream.NewHub(nil, m),
		limiter:   ratelimit.New(),
		started:   time.Now(),
	}
	g.logger = testLogger()
	return g
}

func postJSON(t *testing.T, handler http.Handler, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSend_Success(t *testing.T) {
	b := &testBridge{connected: true}
	g := newTestGateway(t, b)
	routes := g.routes()

	rec := postJSON(t, routes, "/byoa/sse/messages", "tok-1",
		`{"roomId":"r1","content":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "msg-77")
	assert.Equal(t, "r1", b.lastRoom)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
}

func TestSend_RequiresAuth(t *testing.T) {
	g := newTestGateway(t, nil)
	rec := postJSON(t, g.routes(), "/byoa/sse/messages", "", `{"roomId":"r1","content":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, g.routes(), "/byoa/sse/messages", "wrong", `{"roomId":"r1","content":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSend_Validation(t *testing.T) {
	g := newTestGateway(t, nil)
	routes := g.routes()

	rec := postJSON(t, routes, "/byoa/sse/messages", "tok-1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, routes, "/byoa/sse/messages", "tok-1", `{"roomId":"","content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Exactly at the cap is accepted; multibyte runes prove the limit
	// counts characters, not bytes.
	exact := strings.Repeat("é", MaxContentLength)
	rec = postJSON(t, routes, "/byoa/sse/messages", "tok-1",
		`{"roomId":"r1","content":"`+exact+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	long := strings.Repeat("x", MaxContentLength+1)
	rec = postJSON(t, routes, "/byoa/sse/messages", "tok-1",
		`{"roomId":"r1","content":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONTENT_TOO_LONG")
}

func TestSend_IdempotencyReplay(t *testing.T) {
	b := &testBridge{connected: true}
	g := newTestGateway(t, b)
	routes := g.routes()
	body := `{"roomId":"r1","content":"hello","idempotencyKey":"k1"}`

	first := postJSON(t, routes, "/byoa/sse/messages", "tok-1", body)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotent-Replay"))

	second := postJSON(t, routes, "/byoa/sse/messages", "tok-1", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, b.sendCount, "replayed request must not hit upstream")
}

func TestSend_BridgeUnavailable(t *testing.T) {
	b := &testBridge{sendErr: bridge.ErrBridgeUnavailable}
	g := newTestGateway(t, b)

	rec := postJSON(t, g.routes(), "/byoa/sse/messages", "tok-1",
		`{"roomId":"r1","content":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "BRIDGE_UNAVAILABLE")
}

func TestSend_UpstreamRejected(t *testing.T) {
	b := &testBridge{sendErr: bridge.ErrUpstreamRejected}
	g := newTestGateway(t, b)

	rec := postJSON(t, g.routes(), "/byoa/sse/messages", "tok-1",
		`{"roomId":"r1","content":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "SEND_FAILED")
}

func TestLegacySend(t *testing.T) {
	b := &testBridge{connected: true}
	g := newTestGateway(t, b)

	rec := postJSON(t, g.routes(), "/send", "tok-1", `{"room":"r9","content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r9", b.lastRoom)
}

func TestStatus(t *testing.T) {
	g := newTestGateway(t, &testBridge{connected: true})

	req := httptest.NewRequest(http.MethodGet, "/byoa/sse/status", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	g.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bot", body["agent"])
	assert.Equal(t, true, body["upstreamConnected"])
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t, &testBridge{connected: false})
	routes := g.routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"upstreamConnected":false`)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/byoa/sse/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)
	g.metrics.MessagesSent.Inc()
	routes := g.routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "byoa_messages_sent_total")

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "counters")
}
