// Package store holds the Postgres gateways for the control plane: the
// append-only event log, outbox, leases, projections, and the supporting
// tables (capability tokens, rate windows, cron locks, DLQ). Every state
// change in the system flows through EventStore.Append inside a caller
// transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return db, nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// otherwise. Serialization failures are retried once; the append path is
// idempotent so a single retry is safe.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	err := runTx(ctx, db, fn)
	if err != nil && isSerializationFailure(err) {
		return runTx(ctx, db, fn)
	}
	return err
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Postgres error classes the write path cares about.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgSerialization    = "40001"
)

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool      { return pgCode(err) == pgUniqueViolation }
func isLockNotAvailable(err error) bool     { return pgCode(err) == pgLockNotAvailable }
func isSerializationFailure(err error) bool { return pgCode(err) == pgSerialization }
