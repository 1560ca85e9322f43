// Package policy is the inline decision pipeline invoked on every guarded
// mutation. Rules run in a fixed order and the first one that decides wins:
// quarantine, kill switches, capability token, data-access labels, the
// configured rule expressions, quota, and finally the per-action default.
// Every decision is persisted before the caller sees it.
package policy

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/capabilities"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/store"
)

// Outcome is a policy verdict.
type Outcome string

const (
	Allow           Outcome = "allow"
	Deny            Outcome = "deny"
	RequireApproval Outcome = "require_approval"
)

// Reason codes. Each is part of the wire contract and maps to a fixed HTTP
// status at the API layer.
const (
	ReasonAgentQuarantined       = "agent_quarantined"
	ReasonKillSwitchActive       = "kill_switch_active"
	ReasonTokenPrincipalMismatch = "capability_token_principal_mismatch"
	ReasonTokenRevoked           = "capability_token_revoked"
	ReasonTokenExpired           = "capability_token_expired"
	ReasonScopeToolNotAllowed    = "capability_scope_tool_not_allowed"
	ReasonScopeDomainNotAllowed  = "capability_scope_domain_not_allowed"
	ReasonScopeRoomNotAllowed    = "capability_scope_room_not_allowed"
	ReasonScopeDataNotAllowed    = "capability_scope_data_access_not_allowed"
	ReasonRestrictedRoomMismatch = "data_access_restricted_room_mismatch"
	ReasonPurposeHintMismatch    = "data_access_purpose_hint_mismatch"
	ReasonQuotaExceeded          = "quota_exceeded"
	ReasonExternalWriteApproval  = "external_write_requires_approval"
)

// Input is one mutation presented for evaluation.
type Input struct {
	Action        string // e.g. external.write, internal.read, tool.invoke
	ActorType     events.ActorType
	ActorID       string
	PrincipalID   string
	WorkspaceID   string
	RoomID        string
	TokenID       string
	TargetURL     string
	Tool          string
	ResourceID    string
	AccessMode    string // read | write, for labeled resources
	PurposeTag    string
	Justification string
	CorrelationID string
}

// Decision is the pipeline's verdict. Effective is what the caller must
// honor: in shadow mode a deny is recorded but Effective stays allow.
type Decision struct {
	Outcome    Outcome
	Effective  Outcome
	ReasonCode string
	ApprovalID string
	Mode       string
	RequestID  string
}

// Pipeline wires the stores the rules consult and the event log every
// decision lands in.
type Pipeline struct {
	workspaces *store.WorkspaceStore
	caps       *store.CapabilityStore
	policies   *store.PolicyStore
	log        *store.EventStore
	proj       *projection.Engine
	rules      *RuleSet
	mode       *config.EnforcementMode
	logger     *slog.Logger

	killSwitchExternalWrite func() bool
	egressMaxPerHour        int
	now                     func() time.Time
}

// New builds the pipeline. rules may be nil (no configured expressions).
func New(workspaces *store.WorkspaceStore, caps *store.CapabilityStore, policies *store.PolicyStore,
	log *store.EventStore, proj *projection.Engine, rules *RuleSet,
	mode *config.EnforcementMode, cfg *config.Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		workspaces:              workspaces,
		caps:                    caps,
		policies:                policies,
		log:                     log,
		proj:                    proj,
		rules:                   rules,
		mode:                    mode,
		logger:                  logger,
		killSwitchExternalWrite: func() bool { return cfg.KillSwitchExternalWrite },
		egressMaxPerHour:        cfg.EgressMaxPerHour,
		now:                     func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs the pipeline inside the caller's transaction, persists the
// decision (policy event, egress record, approval, learning counters) and
// returns it.
func (p *Pipeline) Evaluate(ctx context.Context, tx *sql.Tx, in *Input) (*Decision, error) {
	outcome, reason, sideEvents, err := p.decide(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Outcome:    outcome,
		Effective:  outcome,
		ReasonCode: reason,
		Mode:       "enforce",
		RequestID:  "req_" + uuid.NewString(),
	}
	if p.mode != nil && p.mode.Shadow() {
		d.Mode = "shadow"
		d.Effective = Allow
	}

	if outcome == RequireApproval {
		approvalID, err := p.ensureApproval(ctx, tx, in, reason)
		if err != nil {
			return nil, err
		}
		d.ApprovalID = approvalID
	}

	if err := p.record(ctx, tx, in, d, sideEvents); err != nil {
		return nil, err
	}
	if outcome != Allow {
		if err := p.learn(ctx, tx, in, reason); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// sideEvent is an extra event type the decision implies (data.access.*,
// egress.blocked).
type sideEvent struct {
	eventType string
}

func (p *Pipeline) decide(ctx context.Context, tx *sql.Tx, in *Input) (Outcome, string, []sideEvent, error) {
	now := p.now()

	// 1. Quarantined agents are denied everything.
	if in.ActorType == events.ActorAgent {
		_, quarantined, err := p.workspaces.AgentQuarantined(ctx, tx, in.WorkspaceID, in.ActorID)
		if err != nil {
			return "", "", nil, err
		}
		if quarantined {
			return Deny, ReasonAgentQuarantined, nil, nil
		}
	}

	// 2. Kill switches.
	if in.Action == "external.write" && p.killSwitchExternalWrite() {
		return Deny, ReasonKillSwitchActive, nil, nil
	}

	// 3. Capability token.
	var label *store.ResourceLabel
	if in.ResourceID != "" {
		var err error
		label, err = p.policies.GetResourceLabel(ctx, tx, in.WorkspaceID, in.ResourceID)
		if err != nil {
			return "", "", nil, err
		}
	}
	if in.TokenID != "" {
		token, err := p.caps.GetTx(ctx, tx, in.WorkspaceID, in.TokenID)
		if err == store.ErrNotFound {
			// An unknown token is treated like a revoked one; the caller
			// cannot distinguish them and should not be able to probe.
			return Deny, ReasonTokenRevoked, nil, nil
		}
		if err != nil {
			return "", "", nil, err
		}
		if outcome, reason := p.checkToken(token, in, label, now); outcome != "" {
			return outcome, reason, nil, nil
		}
	}

	// 4. Data-access labels.
	if label != nil {
		switch label.Label {
		case "restricted":
			if label.RoomID != "" && in.RoomID != label.RoomID {
				return Deny, ReasonRestrictedRoomMismatch, []sideEvent{{events.TypeDataAccessDenied}}, nil
			}
		case "confidential":
			if in.AccessMode == "read" && label.PurposeHint != "" && in.PurposeTag != label.PurposeHint {
				if in.Justification == "" {
					return RequireApproval, ReasonPurposeHintMismatch,
						[]sideEvent{{events.TypeDataPurposeMismatch}, {events.TypeDataAccessUnjustified}}, nil
				}
				return Allow, "", []sideEvent{{events.TypeDataAccessJustified}}, nil
			}
		}
	}

	// 5. Configured rule expressions.
	if p.rules != nil {
		matched, err := p.rules.Eval(in)
		if err != nil {
			return "", "", nil, err
		}
		if matched != nil {
			return matched.Outcome, matched.ReasonCode, nil, nil
		}
	}

	// 6. Egress quota per workspace per hour.
	if isEgress(in.Action) && p.egressMaxPerHour > 0 {
		count, err := p.policies.EgressCountSince(ctx, tx, in.WorkspaceID, now.Add(-time.Hour))
		if err != nil {
			return "", "", nil, err
		}
		if count >= p.egressMaxPerHour {
			return Deny, ReasonQuotaExceeded, []sideEvent{{events.TypeEgressBlocked}}, nil
		}
	}

	// 7. Action defaults: external writes always route through approval,
	// internal reads pass.
	if in.Action == "external.write" {
		return RequireApproval, ReasonExternalWriteApproval, nil, nil
	}
	return Allow, "", nil, nil
}

// checkToken returns a non-empty outcome when the token fails a check.
func (p *Pipeline) checkToken(token *capabilities.Token, in *Input, label *store.ResourceLabel, now time.Time) (Outcome, string) {
	if !token.BelongsTo(in.PrincipalID) {
		return Deny, ReasonTokenPrincipalMismatch
	}
	if token.Revoked() {
		return Deny, ReasonTokenRevoked
	}
	if token.Expired(now) {
		return Deny, ReasonTokenExpired
	}
	if in.Tool != "" && !token.CoversTool(in.Tool) {
		return Deny, ReasonScopeToolNotAllowed
	}
	if host := hostOf(in.TargetURL); host != "" && !token.CoversDomain(host) {
		return Deny, ReasonScopeDomainNotAllowed
	}
	if in.RoomID != "" && !token.CoversRoom(in.RoomID) {
		return Deny, ReasonScopeRoomNotAllowed
	}
	if label != nil && in.AccessMode != "" && !token.CoversDataAccess(in.AccessMode, label.Label) {
		return Deny, ReasonScopeDataNotAllowed
	}
	return "", ""
}

// ensureApproval creates the linked approval unless one is already pending
// for the same action and target (idempotent via the event key).
func (p *Pipeline) ensureApproval(ctx context.Context, tx *sql.Tx, in *Input, reason string) (string, error) {
	approvalID := "apr_" + uuid.NewString()
	results, err := p.log.Append(ctx, tx, in.WorkspaceID, &events.Draft{
		EventType:      events.TypeApprovalRequested,
		WorkspaceID:    in.WorkspaceID,
		Actor:          events.Actor{Type: in.ActorType, ID: in.ActorID},
		Stream:         events.Stream{Type: events.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID:  in.CorrelationID,
		IdempotencyKey: events.IdemKey("approval", "request", in.WorkspaceID, in.Action, hostOf(in.TargetURL), in.ResourceID, in.ActorID),
		EntityType:     "approval",
		EntityID:       approvalID,
		Data: events.ApprovalData{
			Action:     in.Action,
			TargetHost: hostOf(in.TargetURL),
			ReasonCode: reason,
		},
	})
	if err != nil {
		return "", err
	}
	for _, r := range results {
		if r.Replayed {
			return r.Event.EntityID, nil
		}
		if err := p.proj.Apply(ctx, tx, r.Event); err != nil {
			return "", err
		}
	}
	return approvalID, nil
}

// record persists the decision: the policy event, any implied side events,
// and the egress request row for egress actions.
func (p *Pipeline) record(ctx context.Context, tx *sql.Tx, in *Input, d *Decision, side []sideEvent) error {
	eventType := events.TypePolicyAllowed
	switch d.Outcome {
	case Deny:
		eventType = events.TypePolicyDenied
	case RequireApproval:
		eventType = events.TypePolicyRequireApproval
	}

	data := events.PolicyDecisionData{
		Action:     in.Action,
		Decision:   string(d.Outcome),
		ReasonCode: d.ReasonCode,
		ApprovalID: d.ApprovalID,
		TargetHost: hostOf(in.TargetURL),
		Mode:       d.Mode,
	}
	drafts := []*events.Draft{p.decisionDraft(in, eventType, data)}
	for _, s := range side {
		drafts = append(drafts, p.decisionDraft(in, s.eventType, data))
	}
	results, err := p.log.Append(ctx, tx, in.WorkspaceID, drafts...)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Replayed {
			continue
		}
		if err := p.proj.Apply(ctx, tx, r.Event); err != nil {
			return err
		}
	}

	if isEgress(in.Action) {
		return p.policies.InsertEgressRequest(ctx, tx, &store.EgressRequest{
			RequestID:      d.RequestID,
			WorkspaceID:    in.WorkspaceID,
			AgentID:        in.ActorID,
			Action:         in.Action,
			TargetURL:      in.TargetURL,
			TargetHost:     hostOf(in.TargetURL),
			PolicyDecision: string(d.Outcome),
			ReasonCode:     d.ReasonCode,
			ApprovalID:     d.ApprovalID,
			CreatedAt:      p.now(),
		})
	}
	return nil
}

func (p *Pipeline) decisionDraft(in *Input, eventType string, data events.PolicyDecisionData) *events.Draft {
	entityType, entityID := "agent", in.ActorID
	if in.ResourceID != "" {
		entityType, entityID = "resource", in.ResourceID
	}
	return &events.Draft{
		EventType:     eventType,
		WorkspaceID:   in.WorkspaceID,
		Actor:         events.Actor{Type: in.ActorType, ID: in.ActorID},
		Stream:        events.Stream{Type: events.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID: in.CorrelationID,
		EntityType:    entityType,
		EntityID:      entityID,
		Data:          data,
	}
}

func isEgress(action string) bool {
	return strings.HasPrefix(action, "external.") || strings.HasPrefix(action, "egress.")
}

func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Bare hosts are accepted as-is.
		if !strings.Contains(rawURL, "/") {
			return strings.ToLower(rawURL)
		}
		return ""
	}
	return strings.ToLower(u.Hostname())
}
