package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/store"
)

func testService(t *testing.T) *Service {
	t.Helper()
	s := New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), "test-secret", time.Hour)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := testService(t)
	token, err := s.issue(&store.Owner{OwnerID: "own_1", WorkspaceID: "ws_1"})
	require.NoError(t, err)

	p, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, PrincipalOwner, p.Kind)
	assert.Equal(t, "own_1", p.ID)
	assert.Equal(t, "ws_1", p.WorkspaceID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s := testService(t)
	token, err := s.issue(&store.Owner{OwnerID: "own_1", WorkspaceID: "ws_1"})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := testService(t)
	token, err := s.issue(&store.Owner{OwnerID: "own_1", WorkspaceID: "ws_1"})
	require.NoError(t, err)

	other := testService(t)
	other.secret = []byte("different")
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := testService(t)
	_, err := s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func principalFrom(t *testing.T, s *Service, build func(r *http.Request)) *Principal {
	t.Helper()
	var got *Principal
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	}))
	r := httptest.NewRequest("GET", "/v1/runs", nil)
	build(r)
	h.ServeHTTP(httptest.NewRecorder(), r)
	return got
}

func TestMiddlewareBearerToken(t *testing.T) {
	s := testService(t)
	token, err := s.issue(&store.Owner{OwnerID: "own_1", WorkspaceID: "ws_1"})
	require.NoError(t, err)

	p := principalFrom(t, s, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	require.NotNil(t, p)
	assert.Equal(t, PrincipalOwner, p.Kind)
	assert.Equal(t, "ws_1", p.WorkspaceID)
}

func TestMiddlewareSessionCookie(t *testing.T) {
	s := testService(t)
	token, err := s.issue(&store.Owner{OwnerID: "own_1", WorkspaceID: "ws_1"})
	require.NoError(t, err)

	p := principalFrom(t, s, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	})
	require.NotNil(t, p)
	assert.Equal(t, "own_1", p.ID)
}

func TestMiddlewareLegacyHeaders(t *testing.T) {
	s := testService(t)
	p := principalFrom(t, s, func(r *http.Request) {
		r.Header.Set("x-workspace-id", "ws_2")
		r.Header.Set("x-agent-id", "agent_a")
	})
	require.NotNil(t, p)
	assert.Equal(t, PrincipalAgent, p.Kind)
	assert.Equal(t, "agent_a", p.ID)
	assert.Equal(t, "ws_2", p.WorkspaceID)
}

func TestMiddlewareNoCredential(t *testing.T) {
	s := testService(t)
	p := principalFrom(t, s, func(r *http.Request) {})
	assert.Nil(t, p)
}

func TestRequireWorkspace(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/runs", nil)
	r = r.WithContext(WithPrincipal(r.Context(), &Principal{Kind: PrincipalAgent, WorkspaceID: "ws_1"}))

	ws, err := RequireWorkspace(r, "")
	require.NoError(t, err)
	assert.Equal(t, "ws_1", ws)

	ws, err = RequireWorkspace(r, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, "ws_1", ws)

	_, err = RequireWorkspace(r, "ws_other")
	assert.ErrorIs(t, err, ErrWorkspaceMismatch)

	bare := httptest.NewRequest("GET", "/v1/runs", nil)
	_, err = RequireWorkspace(bare, "ws_1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
