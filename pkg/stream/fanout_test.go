package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

func eventRows(seqs ...int64) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"event_id", "event_type", "event_version", "occurred_at", "recorded_at",
		"workspace_id", "actor_type", "actor_id", "stream_type", "stream_id", "stream_seq",
		"correlation_id", "causation_id", "idempotency_key", "entity_type", "entity_id",
		"data", "contains_secrets", "prev_event_hash", "event_hash",
	})
	for _, seq := range seqs {
		rows.AddRow("evt_"+string(rune('a'+seq)), "message.created", 1, now, now,
			"ws", "agent", "agent_a", "thread", "thr_1", seq,
			"corr", nil, nil, "message", "msg_1",
			[]byte(`{}`), false, "", "hash")
	}
	return rows
}

func TestServeStreamsEventsAndStopsOnDisconnect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	es := store.NewEventStore(db, nil, nil)
	f := New(es, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.pollInterval = 5 * time.Millisecond

	// First poll returns two events, subsequent polls return nothing until
	// the context is cancelled.
	mock.ExpectQuery(regexp.QuoteMeta("stream_seq > $3")).
		WithArgs("thread", "thr_1", int64(0), 100).
		WillReturnRows(eventRows(1, 2))
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 50; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("stream_seq > $3")).
			WillReturnRows(eventRows())
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/v1/streams/thread/thr_1?from_seq=0", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.Serve(rec, req, events.StreamThread, "thr_1", 0)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after client disconnect")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "id: 1\ndata: ")
	assert.Contains(t, body, "id: 2\ndata: ")
	assert.Equal(t, 2, strings.Count(body, "data: {"), "one data frame per event")
}
