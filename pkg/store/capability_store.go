package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/capabilities"
)

// CapabilityStore persists capability tokens. Scopes are stored as a JSON
// blob; the token model owns coverage semantics.
type CapabilityStore struct {
	db *sql.DB
}

// NewCapabilityStore builds the gateway.
func NewCapabilityStore(db *sql.DB) *CapabilityStore {
	return &CapabilityStore{db: db}
}

// Insert persists a freshly granted token.
func (s *CapabilityStore) Insert(ctx context.Context, tx *sql.Tx, t *capabilities.Token) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("store: marshal scopes: %w", err)
	}
	const q = `
		INSERT INTO capability_tokens (token_id, workspace_id, issuer, subject, scopes,
			not_before, expires_at, parent_token_id, revoked_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,$9)`
	_, err = tx.ExecContext(ctx, q, t.TokenID, t.WorkspaceID, t.Issuer, t.Subject, scopes,
		t.NotBefore, t.ExpiresAt, nullable(t.ParentTokenID), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert capability token: %w", err)
	}
	return nil
}

// Get loads a token by id within the workspace.
func (s *CapabilityStore) Get(ctx context.Context, workspaceID, tokenID string) (*capabilities.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, workspace_id, issuer, subject, scopes, not_before, expires_at,
		       parent_token_id, revoked_at, created_at
		FROM capability_tokens WHERE workspace_id = $1 AND token_id = $2`, workspaceID, tokenID)
	return scanToken(row)
}

// GetTx is Get inside a transaction, for the policy pipeline.
func (s *CapabilityStore) GetTx(ctx context.Context, tx *sql.Tx, workspaceID, tokenID string) (*capabilities.Token, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT token_id, workspace_id, issuer, subject, scopes, not_before, expires_at,
		       parent_token_id, revoked_at, created_at
		FROM capability_tokens WHERE workspace_id = $1 AND token_id = $2`, workspaceID, tokenID)
	return scanToken(row)
}

func scanToken(row rowScanner) (*capabilities.Token, error) {
	var t capabilities.Token
	var scopes []byte
	var parent sql.NullString
	var revoked sql.NullTime
	err := row.Scan(&t.TokenID, &t.WorkspaceID, &t.Issuer, &t.Subject, &scopes,
		&t.NotBefore, &t.ExpiresAt, &parent, &revoked, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan capability token: %w", err)
	}
	if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
		return nil, fmt.Errorf("store: corrupt scopes for token %s: %w", t.TokenID, err)
	}
	t.ParentTokenID = parent.String
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return &t, nil
}

// Revoke stamps revoked_at; idempotent.
func (s *CapabilityStore) Revoke(ctx context.Context, tx *sql.Tx, workspaceID, tokenID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE capability_tokens SET revoked_at = COALESCE(revoked_at, $3)
		WHERE workspace_id = $1 AND token_id = $2`, workspaceID, tokenID, at)
	if err != nil {
		return fmt.Errorf("store: revoke capability token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
