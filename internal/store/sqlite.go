// ABOUTME: SQLite-backed durable state for the gateway using modernc.org/sqlite
// ABOUTME: Provides the resumable event log and the idempotency cache with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore holds the gateway's durable state: the stream event log and
// the send idempotency cache. Event ids come from SQLite AUTOINCREMENT so
// they stay strictly increasing across restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path (":memory:" for tests).
// The schema is created if it doesn't exist; parent directories too.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS stream_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stream_events_agent
			ON stream_events(agent_id, event_id);

		CREATE INDEX IF NOT EXISTS idx_stream_events_expires
			ON stream_events(expires_at);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			agent_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			result TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, idem_key)
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires
			ON idempotency_keys(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
