package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/events"
)

// LeaseRow mirrors one work_item_leases row. At most one row exists per
// (workspace, work_item_type, work_item_id); a row is alive while
// expires_at is in the future.
type LeaseRow struct {
	WorkspaceID     string
	WorkItemType    events.WorkItemType
	WorkItemID      string
	LeaseID         string
	AgentID         string
	CorrelationID   string
	ClaimedAt       time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
	Version         int64
}

// Alive reports whether the lease is currently held.
func (r *LeaseRow) Alive(now time.Time) bool { return r.ExpiresAt.After(now) }

// LeaseStore is the row-level gateway for the lease coordinator.
type LeaseStore struct {
	db *sql.DB
}

// NewLeaseStore builds the gateway.
func NewLeaseStore(db *sql.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

const selectLease = `
	SELECT workspace_id, work_item_type, work_item_id, lease_id, agent_id,
	       correlation_id, claimed_at, last_heartbeat_at, expires_at, version
	FROM work_item_leases`

func scanLease(row rowScanner) (*LeaseRow, error) {
	var r LeaseRow
	err := row.Scan(&r.WorkspaceID, &r.WorkItemType, &r.WorkItemID, &r.LeaseID, &r.AgentID,
		&r.CorrelationID, &r.ClaimedAt, &r.LastHeartbeatAt, &r.ExpiresAt, &r.Version)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LockByKey locks the lease row for its work item with NOWAIT. Returns
// ErrNotFound when no lease exists and ErrLeaseBusy on contention.
func (s *LeaseStore) LockByKey(ctx context.Context, tx *sql.Tx, workspaceID string, itemType events.WorkItemType, itemID string) (*LeaseRow, error) {
	row := tx.QueryRowContext(ctx,
		selectLease+` WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3 FOR UPDATE NOWAIT`,
		workspaceID, itemType, itemID)
	r, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		if isLockNotAvailable(err) {
			return nil, ErrLeaseBusy
		}
		return nil, fmt.Errorf("store: lock lease: %w", err)
	}
	return r, nil
}

// LockByLeaseID locks the row currently held under leaseID, for heartbeat
// and release.
func (s *LeaseStore) LockByLeaseID(ctx context.Context, tx *sql.Tx, workspaceID, leaseID string) (*LeaseRow, error) {
	row := tx.QueryRowContext(ctx,
		selectLease+` WHERE workspace_id = $1 AND lease_id = $2 FOR UPDATE NOWAIT`,
		workspaceID, leaseID)
	r, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		if isLockNotAvailable(err) {
			return nil, ErrLeaseBusy
		}
		return nil, fmt.Errorf("store: lock lease by id: %w", err)
	}
	return r, nil
}

// Insert writes a fresh lease row (version 1).
func (s *LeaseStore) Insert(ctx context.Context, tx *sql.Tx, r *LeaseRow) error {
	const q = `
		INSERT INTO work_item_leases (
			workspace_id, work_item_type, work_item_id, lease_id, agent_id,
			correlation_id, claimed_at, last_heartbeat_at, expires_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := tx.ExecContext(ctx, q,
		r.WorkspaceID, r.WorkItemType, r.WorkItemID, r.LeaseID, r.AgentID,
		r.CorrelationID, r.ClaimedAt, r.LastHeartbeatAt, r.ExpiresAt, r.Version)
	if err != nil {
		return fmt.Errorf("store: insert lease: %w", err)
	}
	return nil
}

// Replace swaps an expired lease row for a fresh one in place (preempt).
func (s *LeaseStore) Replace(ctx context.Context, tx *sql.Tx, r *LeaseRow) error {
	const q = `
		UPDATE work_item_leases SET
			lease_id = $4, agent_id = $5, correlation_id = $6,
			claimed_at = $7, last_heartbeat_at = $8, expires_at = $9, version = $10
		WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3`
	_, err := tx.ExecContext(ctx, q,
		r.WorkspaceID, r.WorkItemType, r.WorkItemID, r.LeaseID, r.AgentID,
		r.CorrelationID, r.ClaimedAt, r.LastHeartbeatAt, r.ExpiresAt, r.Version)
	if err != nil {
		return fmt.Errorf("store: replace lease: %w", err)
	}
	return nil
}

// Heartbeat extends the lease and bumps the fencing version.
func (s *LeaseStore) Heartbeat(ctx context.Context, tx *sql.Tx, r *LeaseRow, now, expiresAt time.Time) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `
		UPDATE work_item_leases
		SET last_heartbeat_at = $4, expires_at = $5, version = version + 1
		WHERE workspace_id = $1 AND lease_id = $2 AND version = $3
		RETURNING version`,
		r.WorkspaceID, r.LeaseID, r.Version, now, expiresAt).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: heartbeat lease: %w", err)
	}
	return version, nil
}

// Delete removes the lease row on release.
func (s *LeaseStore) Delete(ctx context.Context, tx *sql.Tx, workspaceID string, itemType events.WorkItemType, itemID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM work_item_leases WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3`,
		workspaceID, itemType, itemID)
	if err != nil {
		return fmt.Errorf("store: delete lease: %w", err)
	}
	return nil
}
