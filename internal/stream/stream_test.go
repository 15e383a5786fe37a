// ABOUTME: Tests for the SSE transport: handshake, replay, cap, fanout, shutdown
// ABOUTME: Parses raw event-stream frames from httptest connections

package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/byoa-gateway/internal/auth"
	"github.com/2389/byoa-gateway/internal/registry"
	"github.com/2389/byoa-gateway/internal/store"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrame reads one event block (up to a blank line), skipping
// comment heartbeats.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "" && frame.event != "":
			return frame
		case line == "" || strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func testAgent() *registry.Agent {
	return &registry.Agent{
		ID: "agent-w", Username: "w", TrustLevel: registry.TrustStandard,
		Token: "tok-w", Status: registry.StatusActive,
	}
}

func newTestServer(t *testing.T) (*Hub, *store.SQLiteStore, *httptest.Server) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := NewHub(nil, nil)
	handler := NewHandler(hub, st, nil)

	// Stand-in for the auth middleware.
	withAgent := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(auth.WithAgent(r.Context(), testAgent())))
	})
	srv := httptest.NewServer(withAgent)
	t.Cleanup(srv.Close)
	return hub, st, srv
}

func connect(t *testing.T, srv *httptest.Server, lastEventID string) (*bufio.Reader, *http.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-w")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return bufio.NewReader(resp.Body), resp
}

func TestStream_ConnectedHandshake(t *testing.T) {
	hub, _, srv := newTestServer(t)

	r, resp := connect(t, srv, "")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frame := readFrame(t, r)
	assert.Equal(t, "connected", frame.event)
	assert.Empty(t, frame.id)
	assert.Contains(t, frame.data, `"agent":"w"`)

	require.Eventually(t, func() bool { return hub.Connected("agent-w") },
		time.Second, 10*time.Millisecond)
}

func TestStream_LiveDelivery(t *testing.T) {
	hub, _, srv := newTestServer(t)

	r, _ := connect(t, srv, "")
	readFrame(t, r) // connected

	require.Eventually(t, func() bool {
		return hub.Deliver("agent-w", 7, `{"content":"hi"}`)
	}, time.Second, 10*time.Millisecond)

	frame := readFrame(t, r)
	assert.Equal(t, "message", frame.event)
	assert.Equal(t, "7", frame.id)
	assert.Equal(t, `{"content":"hi"}`, frame.data)
}

func TestStream_Replay(t *testing.T) {
	_, st, srv := newTestServer(t)

	ids := make([]int64, 0, 3)
	for _, payload := range []string{`{"n":13}`, `{"n":14}`, `{"n":15}`} {
		id, err := st.AppendEvent(t.Context(), "agent-w", "r1", payload)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Resume from just before the first persisted event.
	r, _ := connect(t, srv, "0")
	frame := readFrame(t, r)
	require.Equal(t, "connected", frame.event)

	// Last-Event-ID 0 means no replay; reconnect from ids[0].
	r2, _ := connect(t, srv, "1")
	frame = readFrame(t, r2)
	require.Equal(t, "connected", frame.event)

	for i := 1; i < 3; i++ {
		frame = readFrame(t, r2)
		assert.Equal(t, "message", frame.event)
		assert.Equal(t, ids[i], mustParseID(t, frame.id))
	}
}

func mustParseID(t *testing.T, s string) int64 {
	t.Helper()
	id, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return id
}

func TestStream_TooManyConnections(t *testing.T) {
	hub, _, srv := newTestServer(t)

	r1, _ := connect(t, srv, "")
	readFrame(t, r1)
	r2, _ := connect(t, srv, "")
	readFrame(t, r2)

	require.Eventually(t, func() bool { return hub.Count() == 2 },
		time.Second, 10*time.Millisecond)

	r3, _ := connect(t, srv, "")
	frame := readFrame(t, r3)
	assert.Equal(t, "error", frame.event)
	assert.Contains(t, frame.data, "TOO_MANY_CONNECTIONS")
}

func TestStream_Shutdown(t *testing.T) {
	hub, _, srv := newTestServer(t)

	r, _ := connect(t, srv, "")
	readFrame(t, r)

	require.Eventually(t, func() bool { return hub.Count() == 1 },
		time.Second, 10*time.Millisecond)
	hub.CloseAll()

	frame := readFrame(t, r)
	assert.Equal(t, "shutdown", frame.event)
	assert.Empty(t, frame.id)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(12), parseLastEventID("12"))
	assert.Equal(t, int64(0), parseLastEventID("nope"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
}
