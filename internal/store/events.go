// ABOUTME: Resumable event log backing SSE replay with strictly increasing event ids
// ABOUTME: Entries expire after 24 hours; ids are allocated by the database on append

package store

import (
	"context"
	"fmt"
	"time"
)

// EventRetention is how long stream events stay replayable.
const EventRetention = 24 * time.Hour

// EventEntry is one persisted stream frame.
type EventEntry struct {
	EventID int64
	AgentID string
	RoomID  string
	Payload string
	Expires time.Time
}

// AppendEvent persists a stream frame addressed to one agent and returns
// its allocated event id. The id is strictly increasing per gateway:
// AUTOINCREMENT never reuses values, so monotonicity survives restarts
// and deletes.
func (s *SQLiteStore) AppendEvent(ctx context.Context, agentID, roomID, payload string) (int64, error) {
	expires := time.Now().Add(EventRetention).UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events (agent_id, room_id, payload, expires_at) VALUES (?, ?, ?, ?)`,
		agentID, roomID, payload, expires.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event id: %w", err)
	}
	return id, nil
}

// EventsSince returns the agent's unexpired entries with id > afterID in
// ascending id order, across all rooms.
func (s *SQLiteStore) EventsSince(ctx context.Context, agentID string, afterID int64, limit int) ([]EventEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, agent_id, room_id, payload, expires_at
		 FROM stream_events
		 WHERE agent_id = ? AND event_id > ? AND expires_at > ?
		 ORDER BY event_id ASC
		 LIMIT ?`,
		agentID, afterID, time.Now().UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var entries []EventEntry
	for rows.Next() {
		var e EventEntry
		var expires string
		if err := rows.Scan(&e.EventID, &e.AgentID, &e.RoomID, &e.Payload, &expires); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339, expires); perr == nil {
			e.Expires = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneExpiredEvents deletes entries past their retention window.
// Deleting rows does not reset AUTOINCREMENT, so ids remain monotonic.
func (s *SQLiteStore) PruneExpiredEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stream_events WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned expired stream events", "count", n)
	}
	return n, nil
}
