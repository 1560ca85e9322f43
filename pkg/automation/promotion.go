// Package automation drives the secondary effects of the event log: the
// promotion loop over scorecards, the agent lifecycle state machine, and
// the cron heart with its watchdog jobs. Everything here runs off the
// outbox or the cron tick, never inside a producing request.
package automation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/store"
)

// Handler names bound to event types; outbox rows are routed by these.
const (
	HandlerPromotion = "promotion"
	HandlerLifecycle = "lifecycle"
)

// MaxPromotionIterations is the ceiling on scorecard iterations before the
// loop gives up and opens an incident instead of asking again.
const MaxPromotionIterations = 5

// Bindings maps event types to the automation handlers that drain them;
// the event store writes one outbox row per binding.
func Bindings(promotionEnabled bool) func(eventType string) []string {
	return func(eventType string) []string {
		switch eventType {
		case events.TypeScorecardRecorded:
			if promotionEnabled {
				return []string{HandlerPromotion}
			}
			return nil
		case events.TypeRunSucceeded, events.TypeRunFailed:
			return []string{HandlerLifecycle}
		}
		return nil
	}
}

// PromotionAction is the pure decision of the promotion loop for one
// scorecard.
type PromotionAction struct {
	// Intent of the message to emit; empty means no emission.
	Intent string
	// OpenIncident requests an incident instead of a message.
	OpenIncident bool
	Category     string
}

// DecidePromotion maps a scorecard to the loop's next move: passing work at
// low or medium risk asks for approval, high risk asks a human, and
// iteration overflow stops the loop with an incident.
func DecidePromotion(sc events.ScorecardData, maxIterations int) PromotionAction {
	if sc.Iteration > maxIterations {
		return PromotionAction{OpenIncident: true, Category: "promotion_iteration_overflow"}
	}
	if sc.Verdict != "PASS" {
		return PromotionAction{}
	}
	switch sc.RiskTier {
	case "", "low", "medium":
		return PromotionAction{Intent: "request_approval"}
	default:
		return PromotionAction{Intent: "request_human_decision"}
	}
}

// Promotion is the outbox handler for scorecard.recorded.
type Promotion struct {
	log    *store.EventStore
	proj   *projection.Engine
	projDB *store.ProjectionStore
	logger *slog.Logger
}

// NewPromotion builds the handler.
func NewPromotion(log *store.EventStore, proj *projection.Engine, projDB *store.ProjectionStore, logger *slog.Logger) *Promotion {
	return &Promotion{log: log, proj: proj, projDB: projDB, logger: logger}
}

// Handle runs the loop for one scorecard inside the drain transaction.
func (p *Promotion) Handle(ctx context.Context, tx *sql.Tx, entry *store.OutboxEntry, ev *events.Event) error {
	sc, err := events.Decode[events.ScorecardData](ev)
	if err != nil {
		return fmt.Errorf("decode scorecard: %w", err)
	}
	action := DecidePromotion(sc, MaxPromotionIterations)

	if action.OpenIncident {
		return p.openIncident(ctx, tx, ev, sc, action.Category)
	}
	if action.Intent == "" {
		return nil
	}
	return p.emitMessage(ctx, tx, ev, sc, action.Intent)
}

func (p *Promotion) emitMessage(ctx context.Context, tx *sql.Tx, ev *events.Event, sc events.ScorecardData, intent string) error {
	messageID := "msg_" + uuid.NewString()
	results, err := p.log.Append(ctx, tx, ev.WorkspaceID, &events.Draft{
		EventType:      events.TypeMessageCreated,
		WorkspaceID:    ev.WorkspaceID,
		Actor:          events.Actor{Type: events.ActorSystem, ID: "promotion"},
		Stream:         events.Stream{Type: events.StreamWorkspace, ID: ev.WorkspaceID},
		CorrelationID:  ev.CorrelationID,
		CausationID:    ev.EventID,
		IdempotencyKey: events.PromotionKey(intent, "", ev.WorkspaceID, sc.RunID),
		EntityType:     "message",
		EntityID:       messageID,
		Data: events.MessageData{
			Intent: intent,
			Body:   fmt.Sprintf("run %s scored %.2f (%s, risk %s)", sc.RunID, sc.Score, sc.Verdict, sc.RiskTier),
		},
	})
	if err != nil {
		return err
	}
	return applyFresh(ctx, tx, p.proj, results)
}

// openIncident opens one incident per category; an already-open incident
// for the category suppresses further escalation.
func (p *Promotion) openIncident(ctx context.Context, tx *sql.Tx, ev *events.Event, sc events.ScorecardData, category string) error {
	open, err := p.projDB.OpenIncidentExists(ctx, tx, ev.WorkspaceID, category)
	if err != nil {
		return err
	}
	if open {
		p.logger.Debug("escalation suppressed by open incident",
			"workspace_id", ev.WorkspaceID, "category", category)
		return nil
	}
	incidentID := "inc_" + uuid.NewString()
	results, err := p.log.Append(ctx, tx, ev.WorkspaceID, &events.Draft{
		EventType:      events.TypeIncidentOpened,
		WorkspaceID:    ev.WorkspaceID,
		Actor:          events.Actor{Type: events.ActorSystem, ID: "promotion"},
		Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
		CorrelationID:  ev.CorrelationID,
		CausationID:    ev.EventID,
		IdempotencyKey: events.PromotionKey("incident", category, ev.WorkspaceID, sc.RunID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data: events.IncidentData{
			Category: category,
			Severity: "medium",
			Title:    fmt.Sprintf("promotion loop exhausted after %d iterations for run %s", sc.Iteration, sc.RunID),
		},
	})
	if err != nil {
		return err
	}
	return applyFresh(ctx, tx, p.proj, results)
}

// applyFresh projects only non-replayed append results.
func applyFresh(ctx context.Context, tx *sql.Tx, proj *projection.Engine, results []store.AppendResult) error {
	for _, r := range results {
		if r.Replayed {
			continue
		}
		if err := proj.Apply(ctx, tx, r.Event); err != nil {
			return err
		}
	}
	return nil
}
