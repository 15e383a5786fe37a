// ABOUTME: Durable per-(agent,room) read cursors persisted as a single JSON document
// ABOUTME: Rewritten on every update; loaded at startup with a missing file treated as empty

package readtrack

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Cursor records the last message an agent has been caught up to in a room.
type Cursor struct {
	LastSeenID string `json:"last_seen_id"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Tracker maps (agent id, room id) to the agent's read cursor. A single
// gateway process is the only writer, so last-writer-wins on the file is
// acceptable; the in-memory map is the source of truth between rewrites.
type Tracker struct {
	mu      sync.Mutex
	path    string
	cursors map[string]Cursor // key: agentID + "/" + roomID
	logger  *slog.Logger
}

// Load reads the cursor file at path, creating an empty tracker if the
// file does not exist yet.
func Load(path string, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		path:    path,
		cursors: make(map[string]Cursor),
		logger:  logger.With("component", "readtrack"),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading read-cursor file: %w", err)
	}

	if err := json.Unmarshal(data, &t.cursors); err != nil {
		return nil, fmt.Errorf("parsing read-cursor file: %w", err)
	}
	return t, nil
}

func key(agentID, roomID string) string {
	return agentID + "/" + roomID
}

// Get returns the cursor for an agent in a room. The zero Cursor means
// the agent has never been caught up in that room.
func (t *Tracker) Get(agentID, roomID string) Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[key(agentID, roomID)]
}

// Advance moves the cursor forward and rewrites the file. Called only when
// routing delivers a mention to the owning agent.
func (t *Tracker) Advance(agentID, roomID, messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cursors[key(agentID, roomID)] = Cursor{
		LastSeenID: messageID,
		UpdatedAt:  time.Now().Unix(),
	}
	if err := t.persistLocked(); err != nil {
		return err
	}

	t.logger.Debug("advanced read cursor",
		"agent_id", agentID,
		"room_id", roomID,
		"message_id", messageID,
	)
	return nil
}

// persistLocked rewrites the whole document. Must be called with mu held.
func (t *Tracker) persistLocked() error {
	data, err := json.MarshalIndent(t.cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding read cursors: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing read cursors: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replacing read-cursor file: %w", err)
	}
	return nil
}
