// ABOUTME: Idempotency cache for agent send requests keyed by (agent id, client key)
// ABOUTME: Stores the serialized response body for one hour so retries replay the identical result

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IdempotencyTTL is how long a cached send result is replayed.
const IdempotencyTTL = time.Hour

// ErrIdempotencyMiss means no unexpired result exists for the key.
var ErrIdempotencyMiss = errors.New("idempotency key not found")

// GetIdempotent returns the cached result body for (agentID, key), or
// ErrIdempotencyMiss if absent or expired.
func (s *SQLiteStore) GetIdempotent(ctx context.Context, agentID, key string) (string, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys
		 WHERE agent_id = ? AND idem_key = ? AND expires_at > ?`,
		agentID, key, time.Now().UTC().Format(time.RFC3339),
	).Scan(&result)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrIdempotencyMiss
	}
	if err != nil {
		return "", fmt.Errorf("querying idempotency key: %w", err)
	}
	return result, nil
}

// PutIdempotent stores the result body for (agentID, key). An existing
// entry is overwritten; the first successful write wins in practice since
// callers check GetIdempotent before sending.
func (s *SQLiteStore) PutIdempotent(ctx context.Context, agentID, key, result string) error {
	expires := time.Now().Add(IdempotencyTTL).UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (agent_id, idem_key, result, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, idem_key) DO UPDATE SET result = excluded.result, expires_at = excluded.expires_at`,
		agentID, key, result, expires.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

// PruneExpiredIdempotency deletes expired idempotency entries.
func (s *SQLiteStore) PruneExpiredIdempotency(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
