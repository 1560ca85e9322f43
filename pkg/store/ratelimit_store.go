package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitStore maintains fixed-window counters per (scope, key) and the
// consecutive-429 streaks used for flood detection. Counters are durable so
// limits survive restarts and are shared across replicas.
type RateLimitStore struct {
	db *sql.DB
}

// NewRateLimitStore builds the gateway.
func NewRateLimitStore(db *sql.DB) *RateLimitStore {
	return &RateLimitStore{db: db}
}

// Incr bumps the counter for (scope, key) in the window containing now and
// returns the new count. windowStart truncates now to the window size.
func (s *RateLimitStore) Incr(ctx context.Context, scope, key string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_buckets (scope, key, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (scope, key, window_start) DO UPDATE SET count = rate_limit_buckets.count + 1
		RETURNING count`, scope, key, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: rate limit incr: %w", err)
	}
	return count, nil
}

// Streak records one rate-limit outcome for key and returns the current
// consecutive-reject streak. A pass resets the streak to zero.
func (s *RateLimitStore) Streak(ctx context.Context, key string, rejected bool, now time.Time) (int, error) {
	var streak int
	var err error
	if rejected {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO rate_limit_streaks (key, streak, updated_at)
			VALUES ($1, 1, $2)
			ON CONFLICT (key) DO UPDATE SET
				streak = rate_limit_streaks.streak + 1, updated_at = EXCLUDED.updated_at
			RETURNING streak`, key, now).Scan(&streak)
	} else {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO rate_limit_streaks (key, streak, updated_at)
			VALUES ($1, 0, $2)
			ON CONFLICT (key) DO UPDATE SET streak = 0, updated_at = EXCLUDED.updated_at
			RETURNING streak`, key, now).Scan(&streak)
	}
	if err != nil {
		return 0, fmt.Errorf("store: rate limit streak: %w", err)
	}
	return streak, nil
}

// Muted reports whether flood incidents for key are muted until after now.
func (s *RateLimitStore) Muted(ctx context.Context, key string, now time.Time) (bool, error) {
	var mutedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT muted_until FROM rate_limit_streaks WHERE key = $1`, key).Scan(&mutedUntil)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: rate limit muted: %w", err)
	}
	return mutedUntil.Valid && mutedUntil.Time.After(now), nil
}

// Mute suppresses further flood incidents for key until the deadline.
func (s *RateLimitStore) Mute(ctx context.Context, key string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_limit_streaks SET muted_until = $2 WHERE key = $1`, key, until)
	if err != nil {
		return fmt.Errorf("store: rate limit mute: %w", err)
	}
	return nil
}

// FloodDetected reports whether any streak is at or above threshold.
func (s *RateLimitStore) FloodDetected(ctx context.Context, threshold int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_streaks WHERE streak >= $1`, threshold).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: flood check: %w", err)
	}
	return n > 0, nil
}

// Prune drops windows older than keep, called from the cron heart.
func (s *RateLimitStore) Prune(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_buckets WHERE window_start < $1`, before)
	if err != nil {
		return fmt.Errorf("store: rate limit prune: %w", err)
	}
	return nil
}
