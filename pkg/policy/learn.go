package policy

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/loomworks/loom/pkg/events"
)

// repeatThreshold is how many times the same (reason_code, pattern) must
// recur before the learning loop speaks up.
const repeatThreshold = 2

// secretPatterns match substrings that must never land in a learned
// pattern. Anything matching is replaced wholesale with REDACTED.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)[=:]\s*\S+`),
	regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`),
	regexp.MustCompile(`(?i)postgres(ql)?://\S+`),
}

// maskSecrets scrubs secret-shaped substrings from a pattern.
func maskSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "REDACTED")
	}
	return s
}

// learn bumps the mistake counter for the decision and, on repetition,
// emits mistake.repeated and constraint.learned so downstream tooling can
// tighten scopes instead of replaying the same denial forever.
func (p *Pipeline) learn(ctx context.Context, tx *sql.Tx, in *Input, reason string) error {
	pattern := maskSecrets(in.Action)
	if host := hostOf(in.TargetURL); host != "" {
		pattern += ":" + host
	} else if in.Tool != "" {
		pattern += ":" + maskSecrets(in.Tool)
	}

	count, err := p.policies.BumpMistake(ctx, tx, in.WorkspaceID, reason, pattern, p.now())
	if err != nil {
		return err
	}
	if count < repeatThreshold {
		return nil
	}

	data := events.MistakeData{ReasonCode: reason, Pattern: pattern, Count: count}
	drafts := []*events.Draft{
		{
			EventType:      events.TypeMistakeRepeated,
			WorkspaceID:    in.WorkspaceID,
			Actor:          events.Actor{Type: events.ActorSystem, ID: "policy"},
			Stream:         events.Stream{Type: events.StreamWorkspace, ID: in.WorkspaceID},
			CorrelationID:  in.CorrelationID,
			IdempotencyKey: events.IdemKey("mistake", "repeated", in.WorkspaceID, reason, pattern),
			EntityType:     "agent",
			EntityID:       in.ActorID,
			Data:           data,
		},
		{
			EventType:      events.TypeConstraintLearned,
			WorkspaceID:    in.WorkspaceID,
			Actor:          events.Actor{Type: events.ActorSystem, ID: "policy"},
			Stream:         events.Stream{Type: events.StreamWorkspace, ID: in.WorkspaceID},
			CorrelationID:  in.CorrelationID,
			IdempotencyKey: events.IdemKey("constraint", "learned", in.WorkspaceID, reason, pattern),
			EntityType:     "agent",
			EntityID:       in.ActorID,
			Data:           data,
		},
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
	p.logger.Info("constraint learned",
		"workspace_id", in.WorkspaceID, "reason_code", reason, "pattern", pattern, "count", count)
	return nil
}
