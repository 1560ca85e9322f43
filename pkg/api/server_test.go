package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/auth"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/health"
	"github.com/loomworks/loom/pkg/lease"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/stream"
)

// newTestServer builds a server over one sqlmock connection. The rate
// limiter fails open on counter errors, so tests only mock the statements
// the scenario under test actually exercises.
func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Load()
	es := store.NewEventStore(db, nil, nil)
	projRead := store.NewProjectionStore(db)
	engine := projection.New(projRead)
	coordinator := lease.New(db, store.NewLeaseStore(db), es, engine, logger, 0)
	limiter := ratelimit.New(store.NewRateLimitStore(db), nil, ratelimit.DefaultLimits(), logger)
	fanout := stream.New(es, logger)
	scanner := health.NewScanner(db, store.NewWorkspaceStore(db), store.NewCronStore(db),
		projRead, store.NewDLQStore(db), store.NewRateLimitStore(db), logger, health.Thresholds{})
	authSvc := auth.New(db, store.NewWorkspaceStore(db), logger, "test-secret", time.Hour)

	s := New(db, cfg, logger, es, engine, projRead, store.NewRunLeaseStore(db),
		store.NewCapabilityStore(db), coordinator, nil, limiter, fanout,
		health.NewCache(scanner, time.Second, time.Second), authSvc)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return s, mock
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("x-workspace-id", "ws_contract")
	req.Header.Set("x-agent-id", "agent_a")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHeartbeatVersionMismatchIncludesDetails(t *testing.T) {
	s, mock := newTestServer(t)

	leaseCols := []string{"workspace_id", "work_item_type", "work_item_id", "lease_id", "agent_id",
		"correlation_id", "claimed_at", "last_heartbeat_at", "expires_at", "version"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM work_item_leases")).
		WillReturnRows(sqlmock.NewRows(leaseCols).AddRow(
			"ws_contract", "incident", "inc_x", "lease_1", "agent_a",
			"corr", now, now, now.Add(time.Minute), int64(5)))
	mock.ExpectRollback()

	rec := doJSON(t, s, "POST", "/v1/work-items/heartbeat",
		`{"lease_id":"lease_1","version":3}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, ReasonLeaseVersionMismatch, e.ReasonCode)
	assert.Equal(t, "lease_1", e.Details["lease_id"])
	assert.Equal(t, float64(5), e.Details["current_version"])
}

func incidentRow(hasRCA, hasLearning bool) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cols := []string{"workspace_id", "incident_id", "category", "severity", "status",
		"has_rca", "has_learning", "opened_at", "closed_at",
		"last_event_id", "correlation_id", "updated_at"}
	return sqlmock.NewRows(cols).AddRow(
		"ws_contract", "inc_1", "run_stuck", "medium", "open",
		hasRCA, hasLearning, now, nil, "evt_prev", "corr", now)
}

func TestIncidentCloseGate(t *testing.T) {
	t.Run("no rca blocks close", func(t *testing.T) {
		s, mock := newTestServer(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM proj_incidents")).
			WillReturnRows(incidentRow(false, false))
		mock.ExpectRollback()

		rec := doJSON(t, s, "POST", "/v1/incidents/inc_1/close", `{}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, ReasonCloseMissingRCA, decodeError(t, rec).ReasonCode)
	})

	t.Run("rca without learning blocks close", func(t *testing.T) {
		s, mock := newTestServer(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM proj_incidents")).
			WillReturnRows(incidentRow(true, false))
		mock.ExpectRollback()

		rec := doJSON(t, s, "POST", "/v1/incidents/inc_1/close", `{}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, ReasonCloseMissingLearning, decodeError(t, rec).ReasonCode)
	})

	t.Run("closed incident replays", func(t *testing.T) {
		s, mock := newTestServer(t)
		closed := sqlmock.NewRows([]string{"workspace_id", "incident_id", "category", "severity", "status",
			"has_rca", "has_learning", "opened_at", "closed_at",
			"last_event_id", "correlation_id", "updated_at"}).AddRow(
			"ws_contract", "inc_1", "run_stuck", "medium", "closed",
			true, true, time.Now(), time.Now(), "evt_prev", "corr", time.Now())
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM proj_incidents")).WillReturnRows(closed)
		mock.ExpectCommit()

		rec := doJSON(t, s, "POST", "/v1/incidents/inc_1/close", `{}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["idempotent_replay"])
		assert.Equal(t, "closed", body["status"])
	})
}

func eventReplayRows(entityID string, data string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	cols := []string{"event_id", "event_type", "event_version", "occurred_at", "recorded_at",
		"workspace_id", "actor_type", "actor_id", "stream_type", "stream_id", "stream_seq",
		"correlation_id", "causation_id", "idempotency_key", "entity_type", "entity_id",
		"data", "contains_secrets", "prev_event_hash", "event_hash"}
	return sqlmock.NewRows(cols).AddRow(
		"evt_original", "message.created", 1, now, now,
		"ws_contract", "agent", "agent_a", "room", "room_1", int64(7),
		"corr", nil, "msg:create:ws_contract:1", "message", entityID,
		[]byte(data), false, "prevhash", "selfhash")
}

func TestMessageIdempotentReplay(t *testing.T) {
	s, mock := newTestServer(t)
	payload := `{"thread_id":"thr_1","room_id":"room_1","intent":"inform","body":"hello"}`

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
		WithArgs("ws_contract", "msg:create:ws_contract:1").
		WillReturnRows(eventReplayRows("msg_orig", payload))
	mock.ExpectCommit()

	rec := doJSON(t, s, "POST", "/v1/messages",
		`{"idempotency_key":"msg:create:ws_contract:1","thread_id":"thr_1","room_id":"room_1","intent":"inform","body":"hello"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["idempotent_replay"])
	assert.Equal(t, ReasonDuplicateReplay, body["reason_code"])
	assert.Equal(t, "msg_orig", body["message_id"])
}

func TestMessageIdempotencyConflictFromOtherAgent(t *testing.T) {
	s, mock := newTestServer(t)
	// Stored event belongs to agent_b; replay attempt comes from agent_a.
	rows := sqlmock.NewRows([]string{"event_id", "event_type", "event_version", "occurred_at", "recorded_at",
		"workspace_id", "actor_type", "actor_id", "stream_type", "stream_id", "stream_seq",
		"correlation_id", "causation_id", "idempotency_key", "entity_type", "entity_id",
		"data", "contains_secrets", "prev_event_hash", "event_hash"}).AddRow(
		"evt_original", "message.created", 1, time.Now(), time.Now(),
		"ws_contract", "agent", "agent_b", "room", "room_1", int64(7),
		"corr", nil, "msg:create:ws_contract:1", "message", "msg_orig",
		[]byte(`{"thread_id":"thr_1","room_id":"room_1","intent":"inform","body":"hello"}`), false, "prevhash", "selfhash")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
		WillReturnRows(rows)
	mock.ExpectRollback()

	rec := doJSON(t, s, "POST", "/v1/messages",
		`{"idempotency_key":"msg:create:ws_contract:1","thread_id":"thr_1","room_id":"room_1","intent":"inform","body":"hello"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ReasonIdempotencyConflict, decodeError(t, rec).ReasonCode)
}

func grantedEventRows(idemKey string) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	cols := []string{"event_id", "event_type", "event_version", "occurred_at", "recorded_at",
		"workspace_id", "actor_type", "actor_id", "stream_type", "stream_id", "stream_seq",
		"correlation_id", "causation_id", "idempotency_key", "entity_type", "entity_id",
		"data", "contains_secrets", "prev_event_hash", "event_hash"}
	return sqlmock.NewRows(cols).AddRow(
		"evt_grant", "capability.granted", 1, now, now,
		"ws_contract", "agent", "agent_a", "workspace", "ws_contract", int64(3),
		"corr", nil, idemKey, "capability_token", "cap_orig",
		[]byte(`{"token_id":"cap_orig","subject":"agent_b","issuer":"agent_a"}`),
		false, "prevhash", "selfhash")
}

// A grant retried under the same idempotency key must return the token minted
// the first time, not mint a second one and trip the payload comparison.
func TestCapabilityGrantIdempotentReplay(t *testing.T) {
	s, mock := newTestServer(t)
	now := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
		WithArgs("ws_contract", "cap:grant:ws_contract:1").
		WillReturnRows(grantedEventRows("cap:grant:ws_contract:1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM capability_tokens")).
		WithArgs("ws_contract", "cap_orig").
		WillReturnRows(sqlmock.NewRows([]string{"token_id", "workspace_id", "issuer", "subject",
			"scopes", "not_before", "expires_at", "parent_token_id", "revoked_at", "created_at"}).
			AddRow("cap_orig", "ws_contract", "agent_a", "agent_b",
				[]byte(`{}`), now, now.Add(time.Hour), nil, nil, now))
	mock.ExpectCommit()

	rec := doJSON(t, s, "POST", "/v1/capabilities/grant",
		`{"idempotency_key":"cap:grant:ws_contract:1","subject":"agent_b","expires_at":"2026-03-01T10:45:00Z"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cap_orig", body["token_id"])
	assert.Equal(t, true, body["idempotent_replay"])
	assert.Equal(t, ReasonDuplicateReplay, body["reason_code"])
}

func TestCapabilityGrantIdempotencyConflict(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("idempotency_key = $2")).
		WithArgs("ws_contract", "cap:grant:ws_contract:1").
		WillReturnRows(grantedEventRows("cap:grant:ws_contract:1"))
	mock.ExpectRollback()

	// Same key, different subject: not a replay.
	rec := doJSON(t, s, "POST", "/v1/capabilities/grant",
		`{"idempotency_key":"cap:grant:ws_contract:1","subject":"agent_c","expires_at":"2026-03-01T10:45:00Z"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ReasonIdempotencyConflict, decodeError(t, rec).ReasonCode)
}

func TestMissingWorkspaceCredential(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/v1/rooms", strings.NewReader(`{"name":"ops"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ReasonMissingWorkspaceHeader, decodeError(t, rec).ReasonCode)
}

func TestWorkspaceMismatchRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "POST", "/v1/rooms", `{"name":"ops","workspace_id":"ws_other"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ReasonUnauthorizedWorkspace, decodeError(t, rec).ReasonCode)
}

func TestSchemaVersionGate(t *testing.T) {
	assert.NoError(t, checkSchemaVersion("", false))
	assert.NoError(t, checkSchemaVersion(SchemaVersion, true))
	assert.NoError(t, checkSchemaVersion(PreviousSchemaVersion, true))

	err := checkSchemaVersion("", true)
	require.Error(t, err)
	assert.Equal(t, ReasonMissingRequiredField, err.(*apiError).reason)

	err = checkSchemaVersion("0.3.0", false)
	require.Error(t, err)
	assert.Equal(t, ReasonUnsupportedVersion, err.(*apiError).reason)

	err = checkSchemaVersion("not-a-version", false)
	require.Error(t, err)
	assert.Equal(t, ReasonUnsupportedVersion, err.(*apiError).reason)
}

func TestStatusForTaxonomy(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusFor(ReasonMissingWorkspaceHeader))
	assert.Equal(t, http.StatusForbidden, StatusFor(ReasonBootstrapForbidden))
	assert.Equal(t, http.StatusConflict, StatusFor(ReasonIdempotencyConflict))
	assert.Equal(t, http.StatusConflict, StatusFor(ReasonAlreadyClaimed))
	assert.Equal(t, http.StatusForbidden, StatusFor(ReasonLeaseExpired))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(ReasonHeartbeatRateLimited))
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusFor(ReasonPayloadTooLarge))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(ReasonArtifactNotFound))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("never_seen_before"))
}

func TestPayloadTooLarge(t *testing.T) {
	s, _ := newTestServer(t)
	big := strings.Repeat("x", maxBodyBytes+1)
	rec := doJSON(t, s, "POST", "/v1/rooms", `{"name":"`+big+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, ReasonPayloadTooLarge, decodeError(t, rec).ReasonCode)
}
