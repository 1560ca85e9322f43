package lease

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

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := New(db, store.NewLeaseStore(db), nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), 5*time.Second)
	c.now = func() time.Time { return testNow }
	return c, mock
}

func leaseColumns() []string {
	return []string{"workspace_id", "work_item_type", "work_item_id", "lease_id", "agent_id",
		"correlation_id", "claimed_at", "last_heartbeat_at", "expires_at", "version"}
}

func TestClaimRejectsInvalidWorkItemType(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Claim(context.Background(), "ws", events.WorkItemType("run"), "run_1", "agent_a", "corr")
	assert.ErrorIs(t, err, ErrInvalidWorkItemType)
}

func TestClaimReplaySameAgentSameCorrelation(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WithArgs("ws", "incident", "inc_x").
		WillReturnRows(sqlmock.NewRows(leaseColumns()).AddRow(
			"ws", "incident", "inc_x", "lease_1", "agent_a", "corr",
			testNow.Add(-time.Minute), testNow.Add(-time.Minute), testNow.Add(time.Minute), int64(4)))
	mock.ExpectCommit()

	res, err := c.Claim(context.Background(), "ws", events.WorkItemIncident, "inc_x", "agent_a", "corr")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, res.Outcome)
	assert.Equal(t, "lease_1", res.Lease.LeaseID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimConflicts(t *testing.T) {
	t.Run("other agent holds an alive lease", func(t *testing.T) {
		c, mock := newTestCoordinator(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
			WillReturnRows(sqlmock.NewRows(leaseColumns()).AddRow(
				"ws", "incident", "inc_x", "lease_1", "agent_other", "corr",
				testNow, testNow, testNow.Add(time.Minute), int64(1)))
		mock.ExpectRollback()

		_, err := c.Claim(context.Background(), "ws", events.WorkItemIncident, "inc_x", "agent_a", "corr")
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	})

	t.Run("same agent different correlation", func(t *testing.T) {
		c, mock := newTestCoordinator(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
			WillReturnRows(sqlmock.NewRows(leaseColumns()).AddRow(
				"ws", "incident", "inc_x", "lease_1", "agent_a", "corr_original",
				testNow, testNow, testNow.Add(time.Minute), int64(1)))
		mock.ExpectRollback()

		_, err := c.Claim(context.Background(), "ws", events.WorkItemIncident, "inc_x", "agent_a", "corr_other")
		assert.ErrorIs(t, err, ErrCorrelationMismatch)
	})
}

func TestHeartbeatVersionMismatch(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WithArgs("ws", "lease_1").
		WillReturnRows(sqlmock.NewRows(leaseColumns()).AddRow(
			"ws", "incident", "inc_x", "lease_1", "agent_a", "corr",
			testNow.Add(-time.Minute), testNow.Add(-30*time.Second), testNow.Add(time.Minute), int64(7)))
	mock.ExpectRollback()

	_, err := c.Heartbeat(context.Background(), "ws", "lease_1", 6)
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "lease_1", mismatch.LeaseID)
	assert.Equal(t, int64(7), mismatch.CurrentVersion)
}

func TestHeartbeatFloor(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows(leaseColumns()).AddRow(
			"ws", "incident", "inc_x", "lease_1", "agent_a", "corr",
			testNow.Add(-time.Minute), testNow.Add(-time.Second), testNow.Add(time.Minute), int64(2)))
	mock.ExpectRollback()

	_, err := c.Heartbeat(context.Background(), "ws", "lease_1", 2)
	assert.ErrorIs(t, err, ErrHeartbeatRateLimited)
}

func TestHeartbeatExtendsAndBumpsVersion(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows(leaseColumns()).AddRow(
			"ws", "incident", "inc_x", "lease_1", "agent_a", "corr",
			testNow.Add(-time.Minute), testNow.Add(-30*time.Second), testNow.Add(time.Minute), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("version = version + 1")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectCommit()

	res, err := c.Heartbeat(context.Background(), "ws", "lease_1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
	assert.Equal(t, testNow.Add(DefaultTTL), res.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatUnknownLease(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows(leaseColumns()))
	mock.ExpectRollback()

	_, err := c.Heartbeat(context.Background(), "ws", "lease_gone", 1)
	assert.ErrorIs(t, err, ErrExpiredOrPreempted)
}

func TestReleaseStaleLease(t *testing.T) {
	c, mock := newTestCoordinator(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows(leaseColumns()))
	mock.ExpectCommit()

	res, err := c.Release(context.Background(), "ws", "lease_gone")
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.True(t, res.Stale)
	assert.NoError(t, mock.ExpectationsWereMet())
}
