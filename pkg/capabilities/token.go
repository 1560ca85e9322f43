// Package capabilities models scoped, delegable capability tokens. A token
// grants an agent principal a bounded set of rooms, tools, action types,
// egress domains and data-access rights for a validity window.
package capabilities

import (
	"errors"
	"strings"
	"time"
)

// DataAccess gates read/write on labeled resources.
type DataAccess struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// Scopes bounds what a token covers. Empty slices mean "nothing of that
// kind", not "everything"; grants are explicit.
type Scopes struct {
	Rooms         []string   `json:"rooms,omitempty"`
	Tools         []string   `json:"tools,omitempty"`
	ActionTypes   []string   `json:"action_types,omitempty"`
	EgressDomains []string   `json:"egress_domains,omitempty"`
	DataAccess    DataAccess `json:"data_access,omitempty"`
}

// Token is one issued capability.
type Token struct {
	TokenID       string     `json:"token_id"`
	WorkspaceID   string     `json:"workspace_id"`
	Issuer        string     `json:"issuer"`
	Subject       string     `json:"subject"`
	Scopes        Scopes     `json:"scopes"`
	NotBefore     time.Time  `json:"not_before"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ParentTokenID string     `json:"parent_token_id,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Revoked reports whether the token has been revoked.
func (t *Token) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether now is outside the validity window.
func (t *Token) Expired(now time.Time) bool {
	return now.Before(t.NotBefore) || !now.Before(t.ExpiresAt)
}

// BelongsTo reports whether the token was issued to principal.
func (t *Token) BelongsTo(principalID string) bool { return t.Subject == principalID }

// CoversTool reports whether the tools scope includes tool.
func (t *Token) CoversTool(tool string) bool { return contains(t.Scopes.Tools, tool) }

// CoversAction reports whether the action_types scope includes action.
func (t *Token) CoversAction(action string) bool { return contains(t.Scopes.ActionTypes, action) }

// CoversRoom reports whether the rooms scope includes room. Tokens with no
// room scope are not room-restricted.
func (t *Token) CoversRoom(room string) bool {
	if len(t.Scopes.Rooms) == 0 {
		return true
	}
	return contains(t.Scopes.Rooms, room)
}

// CoversDomain reports whether host falls under a granted egress domain.
// "example.com" covers "example.com" and any subdomain.
func (t *Token) CoversDomain(host string) bool {
	host = strings.ToLower(host)
	for _, d := range t.Scopes.EgressDomains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// CoversDataAccess reports whether the data_access scope grants mode
// ("read" or "write") on a resource with the given label.
func (t *Token) CoversDataAccess(mode, label string) bool {
	switch mode {
	case "read":
		return contains(t.Scopes.DataAccess.Read, label)
	case "write":
		return contains(t.Scopes.DataAccess.Write, label)
	}
	return false
}

// ErrDelegationIssuerMismatch rejects delegations whose parent was not
// issued by the grantor.
var ErrDelegationIssuerMismatch = errors.New("parent token issuer must match grantor")

// ValidateDelegation checks that child may be derived from parent: the
// parent's issuer is the delegating subject and the child's window and
// scopes stay inside the parent's.
func ValidateDelegation(parent, child *Token) error {
	if parent.Subject != child.Issuer {
		return ErrDelegationIssuerMismatch
	}
	if child.NotBefore.Before(parent.NotBefore) || child.ExpiresAt.After(parent.ExpiresAt) {
		return errors.New("delegated token window exceeds parent")
	}
	if !subset(child.Scopes.Tools, parent.Scopes.Tools) ||
		!subset(child.Scopes.ActionTypes, parent.Scopes.ActionTypes) ||
		!subset(child.Scopes.EgressDomains, parent.Scopes.EgressDomains) ||
		!subset(child.Scopes.DataAccess.Read, parent.Scopes.DataAccess.Read) ||
		!subset(child.Scopes.DataAccess.Write, parent.Scopes.DataAccess.Write) {
		return errors.New("delegated token scopes exceed parent")
	}
	if len(parent.Scopes.Rooms) > 0 && !subset(child.Scopes.Rooms, parent.Scopes.Rooms) {
		return errors.New("delegated token rooms exceed parent")
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func subset(xs, of []string) bool {
	for _, x := range xs {
		if !contains(of, x) {
			return false
		}
	}
	return true
}
