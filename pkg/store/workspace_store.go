package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkspaceStore covers workspace membership, the bootstrap owner account,
// auth sessions and the active envelope schema version.
type WorkspaceStore struct {
	db *sql.DB
}

// NewWorkspaceStore builds the gateway.
func NewWorkspaceStore(db *sql.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// Workspace is one tenant.
type Workspace struct {
	WorkspaceID string
	Name        string
	CreatedAt   time.Time
}

// Exists reports whether the workspace is known.
func (s *WorkspaceStore) Exists(ctx context.Context, tx *sql.Tx, workspaceID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM workspaces WHERE workspace_id = $1`, workspaceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: workspace lookup: %w", err)
	}
	return true, nil
}

// Get loads a workspace.
func (s *WorkspaceStore) Get(ctx context.Context, workspaceID string) (*Workspace, error) {
	var w Workspace
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, name, created_at FROM workspaces WHERE workspace_id = $1`,
		workspaceID).Scan(&w.WorkspaceID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workspace: %w", err)
	}
	return &w, nil
}

// Create inserts a workspace row.
func (s *WorkspaceStore) Create(ctx context.Context, tx *sql.Tx, w *Workspace) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (workspace_id, name, created_at) VALUES ($1,$2,$3)`,
		w.WorkspaceID, w.Name, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create workspace: %w", err)
	}
	return nil
}

// Owner is the bootstrap human account for a workspace.
type Owner struct {
	OwnerID      string
	WorkspaceID  string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// OwnerCount reports how many owner accounts exist. Bootstrap is only open
// while this is zero.
func (s *WorkspaceStore) OwnerCount(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: owner count: %w", err)
	}
	return n, nil
}

// InsertOwner persists the bootstrap owner.
func (s *WorkspaceStore) InsertOwner(ctx context.Context, tx *sql.Tx, o *Owner) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO owners (owner_id, workspace_id, email, password_hash, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		o.OwnerID, o.WorkspaceID, o.Email, o.PasswordHash, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert owner: %w", err)
	}
	return nil
}

// OwnerByEmail loads an owner for login.
func (s *WorkspaceStore) OwnerByEmail(ctx context.Context, email string) (*Owner, error) {
	var o Owner
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, workspace_id, email, password_hash, created_at
		FROM owners WHERE email = $1`, email).
		Scan(&o.OwnerID, &o.WorkspaceID, &o.Email, &o.PasswordHash, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: owner by email: %w", err)
	}
	return &o, nil
}

// AgentQuarantined reports whether the agent exists and whether it is
// currently quarantined, from the agents projection.
func (s *WorkspaceStore) AgentQuarantined(ctx context.Context, tx *sql.Tx, workspaceID, agentID string) (exists, quarantined bool, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT quarantined FROM proj_agents WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID).Scan(&quarantined)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("store: agent status: %w", err)
	}
	return true, quarantined, nil
}

// CurrentSchemaVersion returns the single active envelope schema version.
func (s *WorkspaceStore) CurrentSchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM kernel_schema_versions WHERE is_current`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: current schema version: %w", err)
	}
	return v, nil
}

// SetSchemaVersion makes version the single current one.
func (s *WorkspaceStore) SetSchemaVersion(ctx context.Context, tx *sql.Tx, version string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE kernel_schema_versions SET is_current = FALSE WHERE is_current`); err != nil {
		return fmt.Errorf("store: clear current schema version: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kernel_schema_versions (version, is_current, activated_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (version) DO UPDATE SET is_current = TRUE, activated_at = EXCLUDED.activated_at`,
		version, now)
	if err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}
	return nil
}
