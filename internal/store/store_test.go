// ABOUTME: Tests for the event log and idempotency cache
// ABOUTME: Covers monotonic ids, replay ordering, expiry pruning, and result replay

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendEvent_MonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendEvent(ctx, "agent-1", "room-1", `{"n":1}`)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestEventsSince_AscendingAcrossRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.AppendEvent(ctx, "agent-1", "room-1", `{"msg":"a"}`)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, "agent-1", "room-2", `{"msg":"b"}`)
	require.NoError(t, err)
	id3, err := s.AppendEvent(ctx, "agent-1", "room-1", `{"msg":"c"}`)
	require.NoError(t, err)

	entries, err := s.EventsSince(ctx, "agent-1", id1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "room-2", entries[0].RoomID)
	assert.Equal(t, id3, entries[1].EventID)
	assert.Less(t, entries[0].EventID, entries[1].EventID)
}

func TestEventsSince_ScopedToAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, "agent-1", "room-1", `{"msg":"mine"}`)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, "agent-2", "room-1", `{"msg":"theirs"}`)
	require.NoError(t, err)

	entries, err := s.EventsSince(ctx, "agent-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].AgentID)
}

func TestEventsSince_BeyondNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, "agent-1", "room-1", `{}`)
	require.NoError(t, err)

	entries, err := s.EventsSince(ctx, "agent-1", id+100, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPruneExpiredEvents_KeepsMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.AppendEvent(ctx, "agent-1", "room-1", `{}`)
	require.NoError(t, err)

	// Force the entry to be expired.
	_, err = s.db.ExecContext(ctx, `UPDATE stream_events SET expires_at = '2000-01-01T00:00:00Z'`)
	require.NoError(t, err)

	n, err := s.PruneExpiredEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A new event still gets a higher id than the pruned one.
	id2, err := s.AppendEvent(ctx, "agent-1", "room-1", `{}`)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestIdempotency_MissThenReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetIdempotent(ctx, "a1", "key-1")
	assert.ErrorIs(t, err, ErrIdempotencyMiss)

	require.NoError(t, s.PutIdempotent(ctx, "a1", "key-1", `{"message_id":"m-9"}`))

	got, err := s.GetIdempotent(ctx, "a1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, `{"message_id":"m-9"}`, got)

	// Scoped per agent
	_, err = s.GetIdempotent(ctx, "a2", "key-1")
	assert.ErrorIs(t, err, ErrIdempotencyMiss)
}

func TestIdempotency_Expiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutIdempotent(ctx, "a1", "key-1", `{}`))
	_, err := s.db.ExecContext(ctx, `UPDATE idempotency_keys SET expires_at = '2000-01-01T00:00:00Z'`)
	require.NoError(t, err)

	_, err = s.GetIdempotent(ctx, "a1", "key-1")
	assert.ErrorIs(t, err, ErrIdempotencyMiss)

	n, err := s.PruneExpiredIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
