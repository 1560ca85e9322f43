package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/store"
)

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := New(store.NewRateLimitStore(db), nil, limits, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC) }
	return l, mock
}

func TestAllowUnderLimits(t *testing.T) {
	l, mock := newTestLimiter(t, Limits{AgentPerMinute: 10, AgentPerHour: 100})

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_buckets")).
		WithArgs("agent_per_minute", "ws:agent_a", time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_buckets")).
		WithArgs("agent_per_hour", "ws:agent_a", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(50))

	assert.NoError(t, l.Allow(context.Background(), "ws", "agent_a", ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowRejectsWithScope(t *testing.T) {
	l, mock := newTestLimiter(t, Limits{AgentPerMinute: 5})

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_buckets")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))

	err := l.Allow(context.Background(), "ws", "agent_a", "")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ScopeAgentMinute, rejected.Scope)
	assert.Equal(t, 5, rejected.Limit)
}

func TestAllowChecksExperimentTier(t *testing.T) {
	l, mock := newTestLimiter(t, Limits{ExperimentPerHour: 2})

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_buckets")).
		WithArgs("experiment_per_hour", "ws:exp_1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	err := l.Allow(context.Background(), "ws", "agent_a", "exp_1")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ScopeExperimentHour, rejected.Scope)
}

func TestCounterErrorFailsOpen(t *testing.T) {
	l, mock := newTestLimiter(t, Limits{AgentPerMinute: 5})

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_buckets")).
		WillReturnError(assert.AnError)

	assert.NoError(t, l.Allow(context.Background(), "ws", "agent_a", ""))
}

func TestObserveFloodStreak(t *testing.T) {
	l, mock := newTestLimiter(t, Limits{})

	// Below threshold: no flood.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_streaks")).
		WillReturnRows(sqlmock.NewRows([]string{"streak"}).AddRow(2))
	flood, err := l.Observe(context.Background(), "ws", "agent_a", true, 3)
	require.NoError(t, err)
	assert.False(t, flood)

	// At threshold, not muted: flood fires.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_streaks")).
		WillReturnRows(sqlmock.NewRows([]string{"streak"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT muted_until")).
		WillReturnRows(sqlmock.NewRows([]string{"muted_until"}).AddRow(nil))
	flood, err = l.Observe(context.Background(), "ws", "agent_a", true, 3)
	require.NoError(t, err)
	assert.True(t, flood)

	// At threshold but muted: suppressed.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_streaks")).
		WillReturnRows(sqlmock.NewRows([]string{"streak"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT muted_until")).
		WillReturnRows(sqlmock.NewRows([]string{"muted_until"}).AddRow(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)))
	flood, err = l.Observe(context.Background(), "ws", "agent_a", true, 3)
	require.NoError(t, err)
	assert.False(t, flood)

	// A pass resets the streak.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO rate_limit_streaks")).
		WillReturnRows(sqlmock.NewRows([]string{"streak"}).AddRow(0))
	flood, err = l.Observe(context.Background(), "ws", "agent_a", false, 3)
	require.NoError(t, err)
	assert.False(t, flood)
}
