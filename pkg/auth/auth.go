// Package auth covers the human side of access: the one-time bootstrap
// owner account, bcrypt password checks, JWT sessions, and the request
// middleware that binds every call to exactly one workspace.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loomworks/loom/pkg/store"
)

// SessionCookie is the cookie carrying the session JWT.
const SessionCookie = "loom_session"

var (
	// ErrBootstrapClosed is returned once any owner account exists.
	ErrBootstrapClosed = errors.New("auth: bootstrap already completed")
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUnauthorized means no usable credential was presented.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrWorkspaceMismatch means the credential is bound to another workspace.
	ErrWorkspaceMismatch = errors.New("auth: workspace mismatch")
)

// Service issues and verifies sessions.
type Service struct {
	db         *sql.DB
	workspaces *store.WorkspaceStore
	logger     *slog.Logger
	secret     []byte
	sessionTTL time.Duration
	now        func() time.Time
}

// New builds the auth service. secret signs session JWTs; an empty secret
// disables session login entirely (header-based workspace binding still
// works for agents).
func New(db *sql.DB, workspaces *store.WorkspaceStore, logger *slog.Logger, secret string, sessionTTL time.Duration) *Service {
	return &Service{
		db:         db,
		workspaces: workspaces,
		logger:     logger,
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Bootstrap creates the first owner account and its workspace. It is open
// only while no owner exists; afterwards it always fails closed.
func (s *Service) Bootstrap(ctx context.Context, email, password, workspaceName string) (*store.Owner, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	now := s.now()
	owner := &store.Owner{
		OwnerID:      "own_" + uuid.NewString(),
		WorkspaceID:  "ws_" + uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		CreatedAt:    now,
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		n, err := s.workspaces.OwnerCount(ctx, tx)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrBootstrapClosed
		}
		if err := s.workspaces.Create(ctx, tx, &store.Workspace{
			WorkspaceID: owner.WorkspaceID,
			Name:        workspaceName,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return s.workspaces.InsertOwner(ctx, tx, owner)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bootstrap owner created",
		"owner_id", owner.OwnerID, "workspace_id", owner.WorkspaceID)
	return owner, nil
}

// Login verifies the password and returns a signed session token. Unknown
// email and bad password produce the same error.
func (s *Service) Login(ctx context.Context, email, password string) (token string, owner *store.Owner, err error) {
	if len(s.secret) == 0 {
		return "", nil, ErrUnauthorized
	}
	owner, err = s.workspaces.OwnerByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword(owner.PasswordHash, []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err = s.issue(owner)
	if err != nil {
		return "", nil, err
	}
	return token, owner, nil
}

// sessionClaims is the JWT payload for owner sessions.
type sessionClaims struct {
	WorkspaceID string `json:"workspace_id"`
	jwt.RegisteredClaims
}

func (s *Service) issue(owner *store.Owner) (string, error) {
	now := s.now()
	claims := sessionClaims{
		WorkspaceID: owner.WorkspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner.OwnerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token, returning the principal it
// names.
func (s *Service) Verify(tokenString string) (*Principal, error) {
	if len(s.secret) == 0 {
		return nil, ErrUnauthorized
	}
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	return &Principal{
		Kind:        PrincipalOwner,
		ID:          claims.Subject,
		WorkspaceID: claims.WorkspaceID,
	}, nil
}
