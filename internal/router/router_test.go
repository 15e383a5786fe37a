// ABOUTME: Router pipeline tests: filtering, loop guard, transport preference, context
// ABOUTME: Uses in-memory fakes for every sink plus a real read tracker

package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/byoa-gateway/internal/bridge"
	"github.com/2389/byoa-gateway/internal/inject"
	"github.com/2389/byoa-gateway/internal/readtrack"
	"github.com/2389/byoa-gateway/internal/registry"
	"github.com/2389/byoa-gateway/internal/webhook"
)

type fakeAgents struct{ agents []*registry.Agent }

func (f *fakeAgents) All() []*registry.Agent { return f.agents }

type fakeSocket struct {
	mu        sync.Mutex
	connected map[string]bool
	delivered []bridge.InboundMessage
}

func (f *fakeSocket) Connected(id string) bool { return f.connected[id] }

func (f *fakeSocket) Deliver(id string, msg bridge.InboundMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, msg)
	return true
}

type streamDelivery struct {
	eventID int64
	payload string
}

type fakeStream struct {
	mu        sync.Mutex
	connected map[string]bool
	delivered []streamDelivery
}

func (f *fakeStream) Connected(id string) bool { return f.connected[id] }

func (f *fakeStream) Deliver(id string, eventID int64, payload string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, streamDelivery{eventID, payload})
	return true
}

type fakeEvents struct {
	mu   sync.Mutex
	next int64
}

func (f *fakeEvents) AppendEvent(_ context.Context, _, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next, nil
}

type fakeGuard struct {
	mu       sync.Mutex
	allow    bool
	allowed  [][2]string
	recorded [][2]string
}

func (f *fakeGuard) AllowElevated(s, t string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed = append(f.allowed, [2]string{s, t})
	return f.allow
}

func (f *fakeGuard) RecordExchange(s, t string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, [2]string{s, t})
}

type fakeHistory struct {
	messages []bridge.InboundMessage
	err      error
}

func (f *fakeHistory) FetchSince(_ context.Context, _, _, afterID string, _ int) ([]bridge.InboundMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []bridge.InboundMessage
	for _, m := range f.messages {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeSink struct{ ch chan inject.Message }

func (f *fakeSink) Inject(_ string, msg inject.Message) { f.ch <- msg }

type routerFixture struct {
	router  *Router
	socket  *fakeSocket
	stream  *fakeStream
	events  *fakeEvents
	guard   *fakeGuard
	tracker *readtrack.Tracker
	sink    *fakeSink
}

func newFixture(t *testing.T, agents []*registry.Agent, history *fakeHistory) *routerFixture {
	t.Helper()
	tracker, err := readtrack.Load(filepath.Join(t.TempDir(), "cursors.json"), nil)
	require.NoError(t, err)

	if history == nil {
		history = &fakeHistory{}
	}
	f := &routerFixture{
		socket:  &fakeSocket{connected: make(map[string]bool)},
		stream:  &fakeStream{connected: make(map[string]bool)},
		events:  &fakeEvents{},
		guard:   &fakeGuard{allow: true},
		tracker: tracker,
		sink:    &fakeSink{ch: make(chan inject.Message, 8)},
	}
	f.router = New(Options{
		Agents:   &fakeAgents{agents: agents},
		Socket:   f.socket,
		Stream:   f.stream,
		Events:   f.events,
		Webhooks: webhook.New(nil, nil, nil),
		Inject:   f.sink,
		Guard:    f.guard,
		Tracker:  tracker,
		History:  history,
	})
	t.Cleanup(f.router.seen.Close)
	return f
}

func webhookAgent(id, username string) *registry.Agent {
	return &registry.Agent{
		ID: id, Username: username, MentionKey: username,
		TrustLevel: registry.TrustStandard, ReceiveMode: registry.ReceiveMentions,
		Delivery: registry.DeliverWebhook, Status: registry.StatusActive,
		Token: "tok-" + username,
	}
}

func humanMsg(id, room, sender, content string) bridge.InboundMessage {
	return bridge.InboundMessage{
		ID: id, RoomID: room, RoomName: room,
		SenderUsername: sender, SenderID: "uid-" + sender,
		SenderKind: bridge.SenderHuman, Content: content,
		Timestamp: time.Now(),
	}
}

func aiMsg(id, room, sender, content string) bridge.InboundMessage {
	m := humanMsg(id, room, sender, content)
	m.SenderKind = bridge.SenderAI
	return m
}

func TestMentionDeliveryWithContext(t *testing.T) {
	received := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
	}))
	defer srv.Close()

	bob := webhookAgent("bob-id", "bob")
	bob.WebhookURL = srv.URL

	history := &fakeHistory{messages: []bridge.InboundMessage{
		humanMsg("msg-101", "R", "alice", "first"),
		humanMsg("msg-102", "R", "carol", "second"),
		humanMsg("msg-103", "R", "alice", "@bob status?"),
	}}
	f := newFixture(t, []*registry.Agent{bob}, history)
	require.NoError(t, f.tracker.Advance("bob-id", "R", "msg-100"))

	f.router.process(context.Background(), humanMsg("msg-103", "R", "alice", "@bob status?"))

	select {
	case p := <-received:
		assert.Equal(t, "msg-103", p.MessageID)
		require.Len(t, p.Context, 2)
		assert.Equal(t, "alice", p.Context[0].Sender)
		assert.Equal(t, "carol", p.Context[1].Sender)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never received payload")
	}

	assert.Equal(t, "msg-103", f.tracker.Get("bob-id", "R").LastSeenID)
}

// A failed history fetch must not advance the cursor: the unread range
// is retried on the next mention instead of being discarded.
func TestContextFetchFailureKeepsCursor(t *testing.T) {
	received := make(chan webhook.Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
	}))
	defer srv.Close()

	bob := webhookAgent("bob-id", "bob")
	bob.WebhookURL = srv.URL

	history := &fakeHistory{err: errors.New("upstream timeout")}
	f := newFixture(t, []*registry.Agent{bob}, history)
	require.NoError(t, f.tracker.Advance("bob-id", "R", "msg-100"))

	f.router.process(context.Background(), humanMsg("msg-103", "R", "alice", "@bob status?"))

	select {
	case p := <-received:
		assert.Equal(t, "msg-103", p.MessageID)
		assert.Empty(t, p.Context)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never received payload")
	}

	assert.Equal(t, "msg-100", f.tracker.Get("bob-id", "R").LastSeenID)
}

func TestSkipSender(t *testing.T) {
	alpha := webhookAgent("alpha-id", "alpha")
	alpha.ReceiveMode = registry.ReceiveAll
	f := newFixture(t, []*registry.Agent{alpha}, nil)
	f.socket.connected["alpha-id"] = true

	msg := humanMsg("m1", "R", "alpha", "hi all")
	msg.SenderID = "alpha-id"
	f.router.process(context.Background(), msg)

	assert.Empty(t, f.socket.delivered)
}

func TestReceiveModeMentionsFiltersUnmentioned(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true

	f.router.process(context.Background(), humanMsg("m1", "R", "alice", "no mention here"))
	assert.Empty(t, f.socket.delivered)

	f.router.process(context.Background(), humanMsg("m2", "R", "alice", "hey @BOB"))
	require.Len(t, f.socket.delivered, 1)
	assert.Equal(t, "m2", f.socket.delivered[0].ID)
}

func TestLoopGuard_StandardTrustDropsUnmentionedAI(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true

	f.router.process(context.Background(), aiMsg("m1", "R", "eve", "agent chatter"))

	assert.Empty(t, f.socket.delivered)
	assert.Empty(t, f.guard.allowed, "guard should not even be consulted for standard trust")
}

func TestLoopGuard_ElevatedConsultsGuard(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	bob.TrustLevel = registry.TrustElevated
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true
	f.guard.allow = false

	f.router.process(context.Background(), aiMsg("m1", "R", "eve", "agent chatter"))
	assert.Empty(t, f.socket.delivered)
	require.Len(t, f.guard.allowed, 1)
	assert.Equal(t, [2]string{"uid-eve", "bob-id"}, f.guard.allowed[0])

	f.guard.allow = true
	f.router.process(context.Background(), aiMsg("m2", "R", "eve", "more chatter"))
	assert.Len(t, f.socket.delivered, 1)
}

func TestLoopGuard_MentionBypassStillRecordsExchange(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true
	f.guard.allow = false

	f.router.process(context.Background(), aiMsg("m1", "R", "eve", "@bob are you there?"))

	require.Len(t, f.socket.delivered, 1)
	assert.Empty(t, f.guard.allowed)
	require.Len(t, f.guard.recorded, 1)
	assert.Equal(t, [2]string{"uid-eve", "bob-id"}, f.guard.recorded[0])
}

func TestTransportPreference_SocketOverStream(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true
	f.stream.connected["bob-id"] = true

	f.router.process(context.Background(), humanMsg("m1", "R", "alice", "hello"))

	assert.Len(t, f.socket.delivered, 1)
	assert.Empty(t, f.stream.delivered, "socket delivery must suppress stream")
}

func TestTransportPreference_LocalInjectBeatsSocket(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	bob.Delivery = registry.DeliverLocalInject
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true
	f.stream.connected["bob-id"] = false

	f.router.process(context.Background(), humanMsg("m1", "R", "alice", "hello"))

	select {
	case msg := <-f.sink.ch:
		assert.Equal(t, "m1", msg.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("inject sink never received message")
	}
	assert.Empty(t, f.socket.delivered)
}

func TestStreamDelivery_PersistsBeforeWrite(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.stream.connected["bob-id"] = true

	f.router.process(context.Background(), humanMsg("m1", "R", "alice", "hello"))
	f.router.process(context.Background(), humanMsg("m2", "R", "alice", "again"))

	require.Len(t, f.stream.delivered, 2)
	assert.Equal(t, int64(1), f.stream.delivered[0].eventID)
	assert.Equal(t, int64(2), f.stream.delivered[1].eventID)

	var payload streamPayload
	require.NoError(t, json.Unmarshal([]byte(f.stream.delivered[0].payload), &payload))
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, "hello", payload.Content)
}

func TestRedeliveredMessageSkipped(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true

	msg := humanMsg("m1", "R", "alice", "hello")
	f.router.process(context.Background(), msg)
	f.router.process(context.Background(), msg)

	assert.Len(t, f.socket.delivered, 1)
}

func TestNoTransportDropsSilently(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	bob.ReceiveMode = registry.ReceiveAll
	bob.WebhookURL = "" // mentioned-only fallback unavailable
	f := newFixture(t, []*registry.Agent{bob}, nil)

	f.router.process(context.Background(), humanMsg("m1", "R", "alice", "hello"))

	assert.Empty(t, f.socket.delivered)
	assert.Empty(t, f.stream.delivered)
}

func TestMentioned(t *testing.T) {
	bob := &registry.Agent{Username: "bob", MentionKey: "bobby"}

	assert.True(t, Mentioned("hey @bobby, status?", bob))
	assert.True(t, Mentioned("hey @bob", bob))
	assert.True(t, Mentioned("HEY @BOBBY", bob))
	assert.False(t, Mentioned("bobby without the at sign", bob))
	assert.False(t, Mentioned("", bob))
}

func TestSocketMentionAdvancesCursor(t *testing.T) {
	bob := webhookAgent("bob-id", "bob")
	f := newFixture(t, []*registry.Agent{bob}, nil)
	f.socket.connected["bob-id"] = true

	f.router.process(context.Background(), humanMsg("m9", "R", "alice", "@bob ping"))

	require.Len(t, f.socket.delivered, 1)
	assert.Equal(t, "m9", f.tracker.Get("bob-id", "R").LastSeenID)
}
