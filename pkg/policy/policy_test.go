package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/capabilities"
	"github.com/loomworks/loom/pkg/store"
)

func scopedToken() *capabilities.Token {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &capabilities.Token{
		TokenID:     "cap_1",
		WorkspaceID: "ws",
		Issuer:      "owner_1",
		Subject:     "agent_a",
		Scopes: capabilities.Scopes{
			Rooms:         []string{"room_1"},
			Tools:         []string{"browser"},
			ActionTypes:   []string{"external.write"},
			EgressDomains: []string{"example.com"},
			DataAccess:    capabilities.DataAccess{Read: []string{"confidential"}},
		},
		NotBefore: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestCheckTokenOrder(t *testing.T) {
	p := &Pipeline{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Input{PrincipalID: "agent_a", Tool: "browser", TargetURL: "https://example.com/x", RoomID: "room_1"}

	outcome, reason := p.checkToken(scopedToken(), in, nil, now)
	assert.Empty(t, outcome)
	assert.Empty(t, reason)

	t.Run("principal mismatch", func(t *testing.T) {
		bad := *in
		bad.PrincipalID = "agent_b"
		outcome, reason := p.checkToken(scopedToken(), &bad, nil, now)
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonTokenPrincipalMismatch, reason)
	})

	t.Run("revoked", func(t *testing.T) {
		tok := scopedToken()
		revoked := now.Add(-time.Hour)
		tok.RevokedAt = &revoked
		outcome, reason := p.checkToken(tok, in, nil, now)
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonTokenRevoked, reason)
	})

	t.Run("expired", func(t *testing.T) {
		outcome, reason := p.checkToken(scopedToken(), in, nil, now.Add(48*time.Hour))
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonTokenExpired, reason)
	})

	t.Run("tool not covered", func(t *testing.T) {
		bad := *in
		bad.Tool = "shell"
		outcome, reason := p.checkToken(scopedToken(), &bad, nil, now)
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonScopeToolNotAllowed, reason)
	})

	t.Run("domain not covered", func(t *testing.T) {
		bad := *in
		bad.TargetURL = "https://evil.org/x"
		outcome, reason := p.checkToken(scopedToken(), &bad, nil, now)
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonScopeDomainNotAllowed, reason)
	})

	t.Run("room not covered", func(t *testing.T) {
		bad := *in
		bad.RoomID = "room_2"
		outcome, reason := p.checkToken(scopedToken(), &bad, nil, now)
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonScopeRoomNotAllowed, reason)
	})

	t.Run("data access not covered", func(t *testing.T) {
		bad := *in
		bad.AccessMode = "write"
		label := &store.ResourceLabel{Label: "confidential"}
		outcome, reason := p.checkToken(scopedToken(), &bad, label, now)
		assert.Equal(t, Deny, outcome)
		assert.Equal(t, ReasonScopeDataNotAllowed, reason)
	})
}

func TestIsEgress(t *testing.T) {
	assert.True(t, isEgress("external.write"))
	assert.True(t, isEgress("external.read"))
	assert.True(t, isEgress("egress.fetch"))
	assert.False(t, isEgress("internal.read"))
	assert.False(t, isEgress("tool.invoke"))
}
