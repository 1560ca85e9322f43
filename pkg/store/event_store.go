package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/canonical"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/observability"
)

// EventStore is the sole gateway for state change. Appends happen inside a
// caller-supplied transaction so projections and outbox rows commit
// atomically with the events that cause them.
type EventStore struct {
	db       *sql.DB
	obs      *observability.Provider
	bindings func(eventType string) []string
	now      func() time.Time
}

// NewEventStore builds the gateway. bindings maps an event type to the
// automation handlers that should drain it (nil means no outbox writes).
func NewEventStore(db *sql.DB, obs *observability.Provider, bindings func(string) []string) *EventStore {
	return &EventStore{db: db, obs: obs, bindings: bindings, now: func() time.Time { return time.Now().UTC() }}
}

// AppendResult reports one appended (or replayed) event.
type AppendResult struct {
	Event *events.Event
	// Replayed is true when the draft's idempotency key matched an
	// existing row; the stored event is returned and nothing was written.
	Replayed bool
}

// Append appends drafts to the log within tx. Per draft it enforces
// workspace binding, idempotent replay, gapless per-stream sequencing under
// a sentinel row lock, and the hash chain.
func (s *EventStore) Append(ctx context.Context, tx *sql.Tx, workspaceID string, drafts ...*events.Draft) ([]AppendResult, error) {
	results := make([]AppendResult, 0, len(drafts))
	for _, draft := range drafts {
		res, err := s.appendOne(ctx, tx, workspaceID, draft)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *EventStore) appendOne(ctx context.Context, tx *sql.Tx, workspaceID string, draft *events.Draft) (AppendResult, error) {
	if err := draft.Validate(); err != nil {
		return AppendResult{}, err
	}
	if draft.WorkspaceID != workspaceID {
		return AppendResult{}, ErrUnauthorizedWorkspace
	}

	data, err := draft.MarshalData()
	if err != nil {
		return AppendResult{}, fmt.Errorf("store: marshal event data: %w", err)
	}

	if draft.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, tx, workspaceID, draft.IdempotencyKey)
		if err != nil && err != ErrNotFound {
			return AppendResult{}, err
		}
		if existing != nil {
			if existing.Actor != draft.Actor || !samePayload(existing.Data, data) {
				return AppendResult{}, ErrIdempotencyConflict
			}
			return AppendResult{Event: existing, Replayed: true}, nil
		}
	}

	seq, prevHash, err := s.lockStreamHead(ctx, tx, draft.Stream)
	if err != nil {
		return AppendResult{}, err
	}

	now := s.now().Truncate(time.Microsecond)
	occurred := draft.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	correlation := draft.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	eventID := draft.EventID
	if eventID == "" {
		eventID = "evt_" + uuid.NewString()
	}

	ev := &events.Event{
		EventID:         eventID,
		EventType:       draft.EventType,
		EventVersion:    max(draft.EventVersion, 1),
		OccurredAt:      occurred.UTC().Truncate(time.Microsecond),
		RecordedAt:      now,
		WorkspaceID:     draft.WorkspaceID,
		Actor:           draft.Actor,
		Stream:          draft.Stream,
		StreamSeq:       seq,
		CorrelationID:   correlation,
		CausationID:     draft.CausationID,
		IdempotencyKey:  draft.IdempotencyKey,
		EntityType:      draft.EntityType,
		EntityID:        draft.EntityID,
		Data:            data,
		ContainsSecrets: draft.ContainsSecrets,
		PrevEventHash:   prevHash,
	}
	hash, err := events.ComputeHash(ev, prevHash)
	if err != nil {
		return AppendResult{}, fmt.Errorf("store: compute event hash: %w", err)
	}
	ev.EventHash = hash

	const insert = `
		INSERT INTO evt_events (
			event_id, event_type, event_version, occurred_at, recorded_at,
			workspace_id, actor_type, actor_id, stream_type, stream_id, stream_seq,
			correlation_id, causation_id, idempotency_key, entity_type, entity_id,
			data, contains_secrets, prev_event_hash, event_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = tx.ExecContext(ctx, insert,
		ev.EventID, ev.EventType, ev.EventVersion, ev.OccurredAt, ev.RecordedAt,
		ev.WorkspaceID, ev.Actor.Type, ev.Actor.ID, ev.Stream.Type, ev.Stream.ID, ev.StreamSeq,
		ev.CorrelationID, nullable(ev.CausationID), nullable(ev.IdempotencyKey), ev.EntityType, ev.EntityID,
		[]byte(ev.Data), ev.ContainsSecrets, ev.PrevEventHash, ev.EventHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return AppendResult{}, fmt.Errorf("%w: %v", ErrStreamSeqConflict, err)
		}
		return AppendResult{}, fmt.Errorf("store: insert event: %w", err)
	}

	const advance = `
		UPDATE evt_stream_heads SET last_seq = $3, last_hash = $4
		WHERE stream_type = $1 AND stream_id = $2`
	if _, err := tx.ExecContext(ctx, advance, ev.Stream.Type, ev.Stream.ID, ev.StreamSeq, ev.EventHash); err != nil {
		return AppendResult{}, fmt.Errorf("store: advance stream head: %w", err)
	}

	if s.bindings != nil {
		for _, handler := range s.bindings(ev.EventType) {
			if err := insertOutbox(ctx, tx, ev, handler); err != nil {
				return AppendResult{}, err
			}
		}
	}

	s.obs.RecordAppend(ctx, ev.EventType)
	return AppendResult{Event: ev}, nil
}

// lockStreamHead serializes appends per stream. The sentinel row is created
// on first use; FOR UPDATE NOWAIT converts contention into ErrStreamBusy
// (callers answer 429) instead of queueing writers.
func (s *EventStore) lockStreamHead(ctx context.Context, tx *sql.Tx, stream events.Stream) (nextSeq int64, prevHash string, err error) {
	const ensure = `
		INSERT INTO evt_stream_heads (stream_type, stream_id, last_seq, last_hash)
		VALUES ($1, $2, 0, '')
		ON CONFLICT (stream_type, stream_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, ensure, stream.Type, stream.ID); err != nil {
		return 0, "", fmt.Errorf("store: ensure stream head: %w", err)
	}

	const lock = `
		SELECT last_seq, last_hash FROM evt_stream_heads
		WHERE stream_type = $1 AND stream_id = $2
		FOR UPDATE NOWAIT`
	var lastSeq int64
	var lastHash string
	if err := tx.QueryRowContext(ctx, lock, stream.Type, stream.ID).Scan(&lastSeq, &lastHash); err != nil {
		if isLockNotAvailable(err) {
			return 0, "", ErrStreamBusy
		}
		return 0, "", fmt.Errorf("store: lock stream head: %w", err)
	}
	return lastSeq + 1, lastHash, nil
}

// FindByIdempotencyKey returns the event previously recorded under key, or
// ErrNotFound. Handlers that mint entity IDs before appending use it to
// resolve a replay before generating a fresh ID.
func (s *EventStore) FindByIdempotencyKey(ctx context.Context, tx *sql.Tx, workspaceID, key string) (*events.Event, error) {
	return s.findByIdempotencyKey(ctx, tx, workspaceID, key)
}

func (s *EventStore) findByIdempotencyKey(ctx context.Context, tx *sql.Tx, workspaceID, key string) (*events.Event, error) {
	row := tx.QueryRowContext(ctx, selectEvent+` WHERE workspace_id = $1 AND idempotency_key = $2`, workspaceID, key)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: idempotency lookup: %w", err)
	}
	return ev, nil
}

// samePayload compares payloads by canonical hash so formatting differences
// do not fail a legitimate replay.
func samePayload(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	ha, err1 := canonical.Hash(va)
	hb, err2 := canonical.Hash(vb)
	return err1 == nil && err2 == nil && ha == hb
}

const selectEvent = `
	SELECT event_id, event_type, event_version, occurred_at, recorded_at,
	       workspace_id, actor_type, actor_id, stream_type, stream_id, stream_seq,
	       correlation_id, causation_id, idempotency_key, entity_type, entity_id,
	       data, contains_secrets, prev_event_hash, event_hash
	FROM evt_events`

type rowScanner interface{ Scan(dest ...any) error }

func scanEvent(row rowScanner) (*events.Event, error) {
	var ev events.Event
	var causation, idemKey sql.NullString
	var data []byte
	err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.EventVersion, &ev.OccurredAt, &ev.RecordedAt,
		&ev.WorkspaceID, &ev.Actor.Type, &ev.Actor.ID, &ev.Stream.Type, &ev.Stream.ID, &ev.StreamSeq,
		&ev.CorrelationID, &causation, &idemKey, &ev.EntityType, &ev.EntityID,
		&data, &ev.ContainsSecrets, &ev.PrevEventHash, &ev.EventHash,
	)
	if err != nil {
		return nil, err
	}
	ev.CausationID = causation.String
	ev.IdempotencyKey = idemKey.String
	ev.Data = json.RawMessage(data)
	return &ev, nil
}

// Read returns a stream's events from from_seq (exclusive lower bound when
// fromSeq > 0 is treated as "events with seq > fromSeq") in seq order.
func (s *EventStore) Read(ctx context.Context, streamType events.StreamType, streamID string, fromSeq int64, limit int) ([]*events.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		selectEvent+` WHERE stream_type = $1 AND stream_id = $2 AND stream_seq > $3
		ORDER BY stream_seq ASC LIMIT $4`,
		streamType, streamID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: read stream: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// GetByID fetches a single event, workspace-scoped.
func (s *EventStore) GetByID(ctx context.Context, workspaceID, eventID string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE workspace_id = $1 AND event_id = $2`, workspaceID, eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event: %w", err)
	}
	return ev, nil
}

// Query filters events for the /v1/events surface. Cursor pagination is by
// (recorded_at, stream_seq).
type EventQuery struct {
	WorkspaceID   string
	EntityType    string
	EntityID      string
	CorrelationID string
	EventType     string
	AfterRecorded time.Time
	AfterSeq      int64
	Limit         int
}

// List returns events matching q in (recorded_at, stream_seq) order.
func (s *EventStore) List(ctx context.Context, q EventQuery) ([]*events.Event, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	where := `WHERE workspace_id = $1`
	args := []any{q.WorkspaceID}
	idx := 2
	add := func(clause string, v any) {
		where += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, v)
		idx++
	}
	if q.EntityType != "" {
		add("entity_type = $%d", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = $%d", q.EntityID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if !q.AfterRecorded.IsZero() {
		where += fmt.Sprintf(" AND (recorded_at, stream_seq) > ($%d, $%d)", idx, idx+1)
		args = append(args, q.AfterRecorded, q.AfterSeq)
		idx += 2
	}
	args = append(args, limit)
	query := fmt.Sprintf("%s %s ORDER BY recorded_at ASC, stream_seq ASC LIMIT $%d", selectEvent, where, idx)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// StreamEvents loads an entire stream for offline chain verification.
func (s *EventStore) StreamEvents(ctx context.Context, streamType events.StreamType, streamID string) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvent+` WHERE stream_type = $1 AND stream_id = $2 ORDER BY stream_seq ASC`,
		streamType, streamID)
	if err != nil {
		return nil, fmt.Errorf("store: load stream: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// ListStreams enumerates every (stream_type, stream_id) pair, for the
// offline verifier.
func (s *EventStore) ListStreams(ctx context.Context) ([]events.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_type, stream_id FROM evt_stream_heads ORDER BY stream_type, stream_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list streams: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var streams []events.Stream
	for rows.Next() {
		var st events.Stream
		if err := rows.Scan(&st.Type, &st.ID); err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

func collectEvents(rows *sql.Rows) ([]*events.Event, error) {
	var out []*events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
