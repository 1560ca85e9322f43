package capabilities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseToken() *Token {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Token{
		TokenID:     "cap_1",
		WorkspaceID: "ws",
		Issuer:      "owner_1",
		Subject:     "agent_a",
		Scopes: Scopes{
			Rooms:         []string{"room_1"},
			Tools:         []string{"browser", "shell"},
			ActionTypes:   []string{"internal.read", "external.write"},
			EgressDomains: []string{"example.com"},
			DataAccess:    DataAccess{Read: []string{"confidential"}, Write: nil},
		},
		NotBefore: now,
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}
}

func TestTokenWindow(t *testing.T) {
	tok := baseToken()
	assert.True(t, tok.Expired(tok.NotBefore.Add(-time.Second)))
	assert.False(t, tok.Expired(tok.NotBefore.Add(time.Hour)))
	assert.True(t, tok.Expired(tok.ExpiresAt))
}

func TestTokenCoverage(t *testing.T) {
	tok := baseToken()

	assert.True(t, tok.CoversTool("browser"))
	assert.False(t, tok.CoversTool("ssh"))

	assert.True(t, tok.CoversDomain("example.com"))
	assert.True(t, tok.CoversDomain("api.example.com"))
	assert.False(t, tok.CoversDomain("evilexample.com"))
	assert.False(t, tok.CoversDomain("other.org"))

	assert.True(t, tok.CoversRoom("room_1"))
	assert.False(t, tok.CoversRoom("room_2"))
	unrestricted := baseToken()
	unrestricted.Scopes.Rooms = nil
	assert.True(t, unrestricted.CoversRoom("room_2"))

	assert.True(t, tok.CoversDataAccess("read", "confidential"))
	assert.False(t, tok.CoversDataAccess("write", "confidential"))
	assert.False(t, tok.CoversDataAccess("read", "restricted"))
}

func TestValidateDelegation(t *testing.T) {
	parent := baseToken()

	child := baseToken()
	child.TokenID = "cap_2"
	child.Issuer = parent.Subject // delegation: the holder issues the child
	child.Subject = "agent_b"
	child.ParentTokenID = parent.TokenID
	child.Scopes.Tools = []string{"browser"}
	child.ExpiresAt = parent.ExpiresAt.Add(-time.Hour)

	require.NoError(t, ValidateDelegation(parent, child))

	t.Run("issuer mismatch", func(t *testing.T) {
		bad := *child
		bad.Issuer = "someone_else"
		assert.ErrorIs(t, ValidateDelegation(parent, &bad), ErrDelegationIssuerMismatch)
	})

	t.Run("scope escalation", func(t *testing.T) {
		bad := *child
		bad.Scopes.Tools = []string{"browser", "nmap"}
		assert.Error(t, ValidateDelegation(parent, &bad))
	})

	t.Run("window escalation", func(t *testing.T) {
		bad := *child
		bad.ExpiresAt = parent.ExpiresAt.Add(time.Hour)
		assert.Error(t, ValidateDelegation(parent, &bad))
	})
}
