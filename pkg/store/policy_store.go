package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PolicyStore persists policy side state: egress decision records, resource
// data-access labels, per-hour quotas, and the repeated-mistake counters
// the learning loop rolls up.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore builds the gateway.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// EgressRequest is one persisted egress decision.
type EgressRequest struct {
	RequestID      string
	WorkspaceID    string
	AgentID        string
	Action         string
	TargetURL      string
	TargetHost     string
	PolicyDecision string
	ReasonCode     string
	ApprovalID     string
	CreatedAt      time.Time
}

// InsertEgressRequest records a decision in sec_egress_requests.
func (s *PolicyStore) InsertEgressRequest(ctx context.Context, tx *sql.Tx, r *EgressRequest) error {
	const q = `
		INSERT INTO sec_egress_requests (request_id, workspace_id, agent_id, action, target_url,
			target_host, policy_decision, policy_reason_code, approval_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := tx.ExecContext(ctx, q, r.RequestID, r.WorkspaceID, r.AgentID, r.Action, r.TargetURL,
		r.TargetHost, r.PolicyDecision, r.ReasonCode, nullable(r.ApprovalID), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert egress request: %w", err)
	}
	return nil
}

// EgressCountSince counts egress requests for the workspace in the current
// quota window.
func (s *PolicyStore) EgressCountSince(ctx context.Context, tx *sql.Tx, workspaceID string, since time.Time) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sec_egress_requests WHERE workspace_id = $1 AND created_at >= $2`,
		workspaceID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: egress quota count: %w", err)
	}
	return n, nil
}

// ResourceLabel describes the data-access classification of one resource.
type ResourceLabel struct {
	Label       string
	RoomID      string
	PurposeHint string
}

// GetResourceLabel returns the label of a resource (nil when unlabeled).
func (s *PolicyStore) GetResourceLabel(ctx context.Context, tx *sql.Tx, workspaceID, resourceID string) (*ResourceLabel, error) {
	var l ResourceLabel
	err := tx.QueryRowContext(ctx,
		`SELECT label, room_id, purpose_hint FROM dac_resource_labels WHERE workspace_id = $1 AND resource_id = $2`,
		workspaceID, resourceID).Scan(&l.Label, &l.RoomID, &l.PurposeHint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: resource label: %w", err)
	}
	return &l, nil
}

// SetResourceLabel labels a resource.
func (s *PolicyStore) SetResourceLabel(ctx context.Context, tx *sql.Tx, workspaceID, resourceID string, l *ResourceLabel) error {
	const q = `
		INSERT INTO dac_resource_labels (workspace_id, resource_id, label, room_id, purpose_hint)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (workspace_id, resource_id) DO UPDATE SET
			label = EXCLUDED.label, room_id = EXCLUDED.room_id, purpose_hint = EXCLUDED.purpose_hint`
	if _, err := tx.ExecContext(ctx, q, workspaceID, resourceID, l.Label, l.RoomID, l.PurposeHint); err != nil {
		return fmt.Errorf("store: set resource label: %w", err)
	}
	return nil
}

// BumpMistake increments the (workspace, reason_code, pattern) mistake
// counter and returns the new count.
func (s *PolicyStore) BumpMistake(ctx context.Context, tx *sql.Tx, workspaceID, reasonCode, pattern string, now time.Time) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO policy_mistakes (workspace_id, reason_code, pattern, count, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (workspace_id, reason_code, pattern) DO UPDATE SET
			count = policy_mistakes.count + 1, updated_at = EXCLUDED.updated_at
		RETURNING count`, workspaceID, reasonCode, pattern, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: bump mistake counter: %w", err)
	}
	return count, nil
}
