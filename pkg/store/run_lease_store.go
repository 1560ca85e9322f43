package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunLeaseRow is the engine-side claim on a run. Runs are fenced like work
// items but live in their own table; the work_item_leases CHECK rejects the
// run type on purpose.
type RunLeaseRow struct {
	WorkspaceID     string
	RunID           string
	LeaseID         string
	AgentID         string
	CorrelationID   string
	ClaimedAt       time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
	Version         int64
}

// Alive reports whether the run lease is currently held.
func (r *RunLeaseRow) Alive(now time.Time) bool { return r.ExpiresAt.After(now) }

// RunLeaseStore is the gateway for run_leases.
type RunLeaseStore struct {
	db *sql.DB
}

// NewRunLeaseStore builds the gateway.
func NewRunLeaseStore(db *sql.DB) *RunLeaseStore {
	return &RunLeaseStore{db: db}
}

const selectRunLease = `
	SELECT workspace_id, run_id, lease_id, agent_id, correlation_id,
	       claimed_at, last_heartbeat_at, expires_at, version
	FROM run_leases`

func scanRunLease(row rowScanner) (*RunLeaseRow, error) {
	var r RunLeaseRow
	err := row.Scan(&r.WorkspaceID, &r.RunID, &r.LeaseID, &r.AgentID, &r.CorrelationID,
		&r.ClaimedAt, &r.LastHeartbeatAt, &r.ExpiresAt, &r.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run lease: %w", err)
	}
	return &r, nil
}

// NextClaimable locks one queued run with no alive lease, skipping rows
// other claimers hold. ErrNotFound means the queue is empty.
func (s *RunLeaseStore) NextClaimable(ctx context.Context, tx *sql.Tx, workspaceID string, now time.Time) (runID string, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT r.run_id FROM proj_runs r
		LEFT JOIN run_leases l ON l.workspace_id = r.workspace_id AND l.run_id = r.run_id
		WHERE r.workspace_id = $1 AND r.status = 'queued'
		  AND (l.run_id IS NULL OR l.expires_at <= $2)
		ORDER BY r.updated_at ASC
		LIMIT 1
		FOR UPDATE OF r SKIP LOCKED`, workspaceID, now).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: next claimable run: %w", err)
	}
	return runID, nil
}

// LockByRun locks the lease row for a run.
func (s *RunLeaseStore) LockByRun(ctx context.Context, tx *sql.Tx, workspaceID, runID string) (*RunLeaseRow, error) {
	row := tx.QueryRowContext(ctx,
		selectRunLease+` WHERE workspace_id = $1 AND run_id = $2 FOR UPDATE NOWAIT`,
		workspaceID, runID)
	r, err := scanRunLease(row)
	if isLockNotAvailable(err) {
		return nil, ErrLeaseBusy
	}
	return r, err
}

// LockByLeaseID locks a lease row by its id.
func (s *RunLeaseStore) LockByLeaseID(ctx context.Context, tx *sql.Tx, workspaceID, leaseID string) (*RunLeaseRow, error) {
	row := tx.QueryRowContext(ctx,
		selectRunLease+` WHERE workspace_id = $1 AND lease_id = $2 FOR UPDATE NOWAIT`,
		workspaceID, leaseID)
	r, err := scanRunLease(row)
	if isLockNotAvailable(err) {
		return nil, ErrLeaseBusy
	}
	return r, err
}

// Upsert writes the lease row, replacing any expired predecessor.
func (s *RunLeaseStore) Upsert(ctx context.Context, tx *sql.Tx, r *RunLeaseRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_leases (workspace_id, run_id, lease_id, agent_id, correlation_id,
			claimed_at, last_heartbeat_at, expires_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workspace_id, run_id) DO UPDATE SET
			lease_id = EXCLUDED.lease_id, agent_id = EXCLUDED.agent_id,
			correlation_id = EXCLUDED.correlation_id, claimed_at = EXCLUDED.claimed_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			expires_at = EXCLUDED.expires_at, version = EXCLUDED.version`,
		r.WorkspaceID, r.RunID, r.LeaseID, r.AgentID, r.CorrelationID,
		r.ClaimedAt, r.LastHeartbeatAt, r.ExpiresAt, r.Version)
	if err != nil {
		return fmt.Errorf("store: upsert run lease: %w", err)
	}
	return nil
}

// Heartbeat extends the lease fenced on (lease_id, version). ErrNotFound
// means the fence moved underneath the caller.
func (s *RunLeaseStore) Heartbeat(ctx context.Context, tx *sql.Tx, r *RunLeaseRow, now, expiresAt time.Time) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `
		UPDATE run_leases
		SET last_heartbeat_at = $1, expires_at = $2, version = version + 1
		WHERE workspace_id = $3 AND lease_id = $4 AND version = $5
		RETURNING version`,
		now, expiresAt, r.WorkspaceID, r.LeaseID, r.Version).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: run lease heartbeat: %w", err)
	}
	return version, nil
}

// Delete drops the lease row.
func (s *RunLeaseStore) Delete(ctx context.Context, tx *sql.Tx, workspaceID, runID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM run_leases WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID, runID)
	if err != nil {
		return fmt.Errorf("store: delete run lease: %w", err)
	}
	return nil
}
