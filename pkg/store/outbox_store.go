package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
)

// OutboxEntry is one unit of automation work, co-written with its causing
// event and drained exactly-once.
type OutboxEntry struct {
	ID          string
	WorkspaceID string
	EventID     string
	EventType   string
	Handler     string
	Attempts    int
	CreatedAt   time.Time
}

// insertOutbox writes an outbox row in the same transaction as the event.
func insertOutbox(ctx context.Context, tx *sql.Tx, ev *events.Event, handler string) error {
	const q = `
		INSERT INTO outbox_entries (id, workspace_id, event_id, event_type, handler, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (event_id, handler) DO NOTHING`
	_, err := tx.ExecContext(ctx, q, uuid.NewString(), ev.WorkspaceID, ev.EventID, ev.EventType, handler, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("store: insert outbox entry: %w", err)
	}
	return nil
}

// OutboxStore drains automation work.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore builds the drain-side gateway.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Claim locks up to limit entries with SKIP LOCKED inside tx. Rows stay
// locked until the drain transaction commits, so parallel workers never
// collide on the same entry.
func (s *OutboxStore) Claim(ctx context.Context, tx *sql.Tx, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT id, workspace_id, event_id, event_type, handler, attempts, created_at
		FROM outbox_entries
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim outbox entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.EventID, &e.EventType, &e.Handler, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Delete removes a drained entry on handler success.
func (s *OutboxStore) Delete(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete outbox entry: %w", err)
	}
	return nil
}

// Fail increments the attempt counter and returns the new count.
func (s *OutboxStore) Fail(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var attempts int
	err := tx.QueryRowContext(ctx,
		`UPDATE outbox_entries SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("store: fail outbox entry: %w", err)
	}
	return attempts, nil
}

// Backlog counts undrained entries, optionally per workspace (empty string
// means global).
func (s *OutboxStore) Backlog(ctx context.Context, workspaceID string) (int, error) {
	var n int
	var err error
	if workspaceID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_entries`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_entries WHERE workspace_id = $1`, workspaceID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("store: outbox backlog: %w", err)
	}
	return n, nil
}
