package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// CronStore implements the single-holder cron heart: a Postgres advisory
// lock per cron name plus a fencing token in cron_locks. Any out-of-band
// token change halts the current tick with ErrCronLockLost.
type CronStore struct {
	db *sql.DB
}

// NewCronStore builds the gateway.
func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

// advisoryKey maps a cron name to a stable 64-bit advisory lock id.
func advisoryKey(cronName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(cronName))
	return int64(h.Sum64())
}

// TryLock attempts the advisory lock for cronName on the session owning tx
// and, on success, increments and returns the fencing token.
func (s *CronStore) TryLock(ctx context.Context, tx *sql.Tx, cronName string) (token int64, ok bool, err error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, advisoryKey(cronName)).Scan(&locked); err != nil {
		return 0, false, fmt.Errorf("store: advisory lock %s: %w", cronName, err)
	}
	if !locked {
		return 0, false, nil
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cron_locks (cron_name, fencing_token, locked_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (cron_name) DO UPDATE SET
			fencing_token = cron_locks.fencing_token + 1, locked_at = EXCLUDED.locked_at
		RETURNING fencing_token`, cronName, time.Now().UTC()).Scan(&token)
	if err != nil {
		return 0, false, fmt.Errorf("store: fencing token %s: %w", cronName, err)
	}
	return token, true, nil
}

// CheckToken verifies the fencing token mid-tick. A mismatch means another
// holder took over; the current tick must halt without projecting partial
// work.
func (s *CronStore) CheckToken(ctx context.Context, tx *sql.Tx, cronName string, token int64) error {
	var current int64
	err := tx.QueryRowContext(ctx,
		`SELECT fencing_token FROM cron_locks WHERE cron_name = $1`, cronName).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrCronLockLost
	}
	if err != nil {
		return fmt.Errorf("store: check fencing token %s: %w", cronName, err)
	}
	if current != token {
		return ErrCronLockLost
	}
	return nil
}

// RecordSuccess resets the consecutive-failure counter and stamps the run.
func (s *CronStore) RecordSuccess(ctx context.Context, cronName string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_runs (cron_name, last_success_at, consecutive_failures, halted)
		VALUES ($1, $2, 0, FALSE)
		ON CONFLICT (cron_name) DO UPDATE SET
			last_success_at = EXCLUDED.last_success_at, consecutive_failures = 0, halted = FALSE`,
		cronName, at)
	if err != nil {
		return fmt.Errorf("store: record cron success: %w", err)
	}
	return nil
}

// RecordFailure bumps the failure counter, halting the job at threshold.
// Returns the new counter and whether the job is now halted.
func (s *CronStore) RecordFailure(ctx context.Context, cronName string, threshold int, at time.Time) (int, bool, error) {
	var failures int
	var halted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cron_runs (cron_name, last_failure_at, consecutive_failures, halted)
		VALUES ($1, $2, 1, FALSE)
		ON CONFLICT (cron_name) DO UPDATE SET
			last_failure_at = EXCLUDED.last_failure_at,
			consecutive_failures = cron_runs.consecutive_failures + 1,
			halted = (cron_runs.consecutive_failures + 1) >= $3
		RETURNING consecutive_failures, halted`,
		cronName, at, threshold).Scan(&failures, &halted)
	if err != nil {
		return 0, false, fmt.Errorf("store: record cron failure: %w", err)
	}
	return failures, halted, nil
}

// Halted reports whether the watchdog has halted the job.
func (s *CronStore) Halted(ctx context.Context, cronName string) (bool, error) {
	var halted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT halted FROM cron_runs WHERE cron_name = $1`, cronName).Scan(&halted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: cron halted: %w", err)
	}
	return halted, nil
}

// AnyHalted reports whether any cron job is watchdog-halted.
func (s *CronStore) AnyHalted(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cron_runs WHERE halted`).Scan(&n); err != nil {
		return false, fmt.Errorf("store: halted crons: %w", err)
	}
	return n > 0, nil
}

// Freshness returns the age of the stalest cron job's last success. Jobs
// that never succeeded report from their first failure.
func (s *CronStore) Freshness(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(COALESCE(last_success_at, last_failure_at)) FROM cron_runs`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("store: cron freshness: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return now.Sub(oldest.Time), nil
}
