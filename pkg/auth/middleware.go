package auth

import (
	"context"
	"net/http"
	"strings"
)

// PrincipalKind distinguishes owner sessions from header-bound agents.
type PrincipalKind string

const (
	PrincipalOwner PrincipalKind = "owner"
	PrincipalAgent PrincipalKind = "agent"
)

// Principal is the authenticated caller bound to one workspace.
type Principal struct {
	Kind        PrincipalKind
	ID          string
	WorkspaceID string
}

type contextKey struct{}

// FromContext returns the request principal, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// WithPrincipal attaches a principal to the context. Exported for handler
// tests.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// Middleware resolves the caller from, in order: a bearer session token, the
// session cookie, or the legacy x-workspace-id header pair, and attaches the
// resulting principal to the request context. Requests that resolve nothing
// pass through unauthenticated; handlers reject them via RequireWorkspace.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := s.resolve(r); p != nil {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) resolve(r *http.Request) *Principal {
	if raw := bearerToken(r); raw != "" {
		if p, err := s.Verify(raw); err == nil {
			return p
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		if p, err := s.Verify(c.Value); err == nil {
			return p
		}
	}
	// Agent traffic identifies itself by headers; capability tokens and the
	// policy pipeline gate what it can actually do.
	if ws := r.Header.Get("x-workspace-id"); ws != "" {
		return &Principal{
			Kind:        PrincipalAgent,
			ID:          r.Header.Get("x-agent-id"),
			WorkspaceID: ws,
		}
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireWorkspace returns the principal's workspace, enforcing that any
// workspace the request names matches the credential's binding.
func RequireWorkspace(r *http.Request, requested string) (string, error) {
	p, ok := FromContext(r.Context())
	if !ok {
		return "", ErrUnauthorized
	}
	if requested != "" && requested != p.WorkspaceID {
		return "", ErrWorkspaceMismatch
	}
	return p.WorkspaceID, nil
}
