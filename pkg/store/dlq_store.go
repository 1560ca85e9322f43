package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DLQEntry tracks repeated automation failures per message.
type DLQEntry struct {
	WorkspaceID  string
	MessageID    string
	FailureCount int
	LastError    string
	UpdatedAt    time.Time
}

// DLQStore implements the 3-strike poison-message policy.
type DLQStore struct {
	db *sql.DB
}

// NewDLQStore builds the gateway.
func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db}
}

// RecordFailure bumps the failure counter and returns the new count.
func (s *DLQStore) RecordFailure(ctx context.Context, tx *sql.Tx, workspaceID, messageID, lastError string, now time.Time) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO dlq_entries (workspace_id, message_id, failure_count, last_error, updated_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (workspace_id, message_id) DO UPDATE SET
			failure_count = dlq_entries.failure_count + 1,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING failure_count`,
		workspaceID, messageID, lastError, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: record dlq failure: %w", err)
	}
	return count, nil
}

// Remove drops the entry after successful promotion or manual resolution.
func (s *DLQStore) Remove(ctx context.Context, tx *sql.Tx, workspaceID, messageID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM dlq_entries WHERE workspace_id = $1 AND message_id = $2`, workspaceID, messageID)
	if err != nil {
		return fmt.Errorf("store: remove dlq entry: %w", err)
	}
	return nil
}

// Backlog counts entries at or above the promotion threshold.
func (s *DLQStore) Backlog(ctx context.Context, workspaceID string, threshold int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dlq_entries WHERE workspace_id = $1 AND failure_count >= $2`,
		workspaceID, threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: dlq backlog: %w", err)
	}
	return n, nil
}

// Oldest returns the age of the oldest backlogged entry (zero when empty).
func (s *DLQStore) Oldest(ctx context.Context, workspaceID string, now time.Time) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(updated_at) FROM dlq_entries WHERE workspace_id = $1`, workspaceID).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("store: dlq oldest: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return now.Sub(oldest.Time), nil
}
