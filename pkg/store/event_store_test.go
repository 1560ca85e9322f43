package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
)

func testDraft() *events.Draft {
	return &events.Draft{
		EventType:   events.TypeMessageCreated,
		WorkspaceID: "ws_1",
		Actor:       events.Actor{Type: events.ActorAgent, ID: "agent_a"},
		Stream:      events.Stream{Type: events.StreamThread, ID: "thr_1"},
		EntityType:  "message",
		EntityID:    "msg_1",
		Data:        map[string]any{"body": "hello"},
	}
}

func newTestStore(t *testing.T) (*EventStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	es := NewEventStore(db, nil, nil)
	es.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return es, mock, func() { _ = db.Close() }
}

func TestAppendFirstEvent(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_stream_heads")).
		WithArgs("thread", "thr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WithArgs("thread", "thr_1").
		WillReturnRows(sqlmock.NewRows([]string{"last_seq", "last_hash"}).AddRow(0, ""))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE evt_stream_heads")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := es.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	results, err := es.Append(ctx, tx, "ws_1", testDraft())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, results, 1)
	ev := results[0].Event
	assert.False(t, results[0].Replayed)
	assert.Equal(t, int64(1), ev.StreamSeq)
	assert.Empty(t, ev.PrevEventHash)
	assert.Len(t, ev.EventHash, 64)
	assert.NotEmpty(t, ev.CorrelationID)
	assert.True(t, ev.RecordedAt.Equal(ev.RecordedAt.Truncate(time.Microsecond)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendChainsFromStreamHead(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_stream_heads")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq", "last_hash"}).AddRow(41, "aaaa"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE evt_stream_heads")).
		WithArgs("thread", "thr_1", int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := es.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	results, err := es.Append(ctx, tx, "ws_1", testDraft())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(42), results[0].Event.StreamSeq)
	assert.Equal(t, "aaaa", results[0].Event.PrevEventHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendStreamBusy(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_stream_heads")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := es.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = es.Append(ctx, tx, "ws_1", testDraft())
	assert.ErrorIs(t, err, ErrStreamBusy)
	_ = tx.Rollback()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWorkspaceMismatch(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := es.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = es.Append(ctx, tx, "ws_other", testDraft())
	assert.ErrorIs(t, err, ErrUnauthorizedWorkspace)
	_ = tx.Rollback()
}

func replayRows(data string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"event_id", "event_type", "event_version", "occurred_at", "recorded_at",
		"workspace_id", "actor_type", "actor_id", "stream_type", "stream_id", "stream_seq",
		"correlation_id", "causation_id", "idempotency_key", "entity_type", "entity_id",
		"data", "contains_secrets", "prev_event_hash", "event_hash",
	}).AddRow(
		"evt_existing", "message.created", 1, now, now,
		"ws_1", "agent", "agent_a", "thread", "thr_1", int64(7),
		"corr_1", nil, "send:msg_1", "message", "msg_1",
		[]byte(data), false, "prev", "hash")
}

func TestAppendIdempotentReplay(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
		WithArgs("ws_1", "send:msg_1").
		WillReturnRows(replayRows(`{"body": "hello"}`))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := es.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	draft := testDraft()
	draft.IdempotencyKey = "send:msg_1"
	results, err := es.Append(ctx, tx, "ws_1", draft)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, results, 1)
	assert.True(t, results[0].Replayed)
	assert.Equal(t, "evt_existing", results[0].Event.EventID)
	assert.Equal(t, int64(7), results[0].Event.StreamSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendIdempotencyConflict(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	t.Run("different payload", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
			WillReturnRows(replayRows(`{"body": "something else"}`))
		mock.ExpectRollback()

		ctx := context.Background()
		tx, err := es.db.BeginTx(ctx, nil)
		require.NoError(t, err)

		draft := testDraft()
		draft.IdempotencyKey = "send:msg_1"
		_, err = es.Append(ctx, tx, "ws_1", draft)
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		_ = tx.Rollback()
	})

	t.Run("different actor", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
			WillReturnRows(replayRows(`{"body": "hello"}`))
		mock.ExpectRollback()

		ctx := context.Background()
		tx, err := es.db.BeginTx(ctx, nil)
		require.NoError(t, err)

		draft := testDraft()
		draft.IdempotencyKey = "send:msg_1"
		draft.Actor = events.Actor{Type: events.ActorAgent, ID: "agent_b"}
		_, err = es.Append(ctx, tx, "ws_1", draft)
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		_ = tx.Rollback()
	})
}

func TestAppendSeqConflictMapsToSentinel(t *testing.T) {
	es, mock, done := newTestStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_stream_heads")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq", "last_hash"}).AddRow(3, "cccc"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_events")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := es.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = es.Append(ctx, tx, "ws_1", testDraft())
	assert.ErrorIs(t, err, ErrStreamSeqConflict)
	_ = tx.Rollback()
}

func TestAppendWritesOutboxPerBinding(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	es := NewEventStore(db, nil, func(eventType string) []string {
		if eventType == events.TypeMessageCreated {
			return []string{"promotion", "lifecycle"}
		}
		return nil
	})
	es.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_stream_heads")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE NOWAIT")).
		WillReturnRows(sqlmock.NewRows([]string{"last_seq", "last_hash"}).AddRow(0, ""))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evt_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE evt_stream_heads")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_entries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_entries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = es.Append(ctx, tx, "ws_1", testDraft())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
