package automation

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/store"
)

// Agent lifecycle states.
const (
	StateActive    = "active"
	StateProbation = "probation"
	StateSunset    = "sunset"
)

// Hysteresis thresholds: consecutive risky days before a demotion step.
const (
	probationAfterRiskyDays = 3
	sunsetAfterRiskyDays    = 5
)

// RiskyDay reports whether a day's outcomes count against the agent: more
// failures than successes, with at least one failure.
func RiskyDay(succeeded, failed int) bool {
	return failed > 0 && failed >= succeeded
}

// NextState advances the lifecycle machine given the updated risky-day
// streak. Demotions step down one state at a time; a clean day promotes
// probation back to active. Sunset is terminal.
func NextState(state string, riskyStreak int) string {
	switch state {
	case StateSunset:
		return StateSunset
	case StateProbation:
		if riskyStreak == 0 {
			return StateActive
		}
		if riskyStreak >= sunsetAfterRiskyDays {
			return StateSunset
		}
		return StateProbation
	default: // active
		if riskyStreak >= probationAfterRiskyDays {
			return StateProbation
		}
		return StateActive
	}
}

// Lifecycle runs the daily survival rollup: per agent, aggregate the day's
// run outcomes, update the risky-day streak, and emit agent.state.changed
// on transitions.
type Lifecycle struct {
	db     *sql.DB
	projDB *store.ProjectionStore
	log    *store.EventStore
	proj   *projection.Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewLifecycle builds the rollup job.
func NewLifecycle(db *sql.DB, projDB *store.ProjectionStore, log *store.EventStore, proj *projection.Engine, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{db: db, projDB: projDB, log: log, proj: proj, logger: logger,
		now: func() time.Time { return time.Now().UTC() }}
}

// Name implements Job.
func (l *Lifecycle) Name() string { return "lifecycle_rollup" }

// Run implements Job: one rollup pass over the last day.
func (l *Lifecycle) Run(ctx context.Context, tx *sql.Tx) error {
	stats, err := l.projDB.DailySurvival(ctx, l.now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	for _, st := range stats {
		if err := l.rollAgent(ctx, tx, st); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) rollAgent(ctx context.Context, tx *sql.Tx, st store.SurvivalStat) error {
	agent, err := l.projDB.GetAgent(ctx, tx, st.WorkspaceID, st.AgentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return nil
	}

	streak := 0
	if RiskyDay(st.Succeeded, st.Failed) {
		streak = agent.RiskyDayStreak + 1
	}
	next := NextState(agent.State, streak)

	if next == agent.State && streak == agent.RiskyDayStreak {
		return nil
	}
	day := l.now().Format("2006-01-02")
	results, err := l.log.Append(ctx, tx, st.WorkspaceID, &events.Draft{
		EventType:      events.TypeAgentStateChanged,
		WorkspaceID:    st.WorkspaceID,
		Actor:          events.Actor{Type: events.ActorSystem, ID: "lifecycle"},
		Stream:         events.Stream{Type: events.StreamAgent, ID: st.AgentID},
		IdempotencyKey: events.IdemKey("lifecycle", "rollup", st.WorkspaceID, st.AgentID, day),
		EntityType:     "agent",
		EntityID:       st.AgentID,
		Data: events.AgentData{
			State:      next,
			PriorState: agent.State,
			Reason:     "daily survival rollup",
		},
	})
	if err != nil {
		return err
	}
	if err := applyFresh(ctx, tx, l.proj, results); err != nil {
		return err
	}

	// The streak itself is not event-carried; persist it on the projection
	// row directly.
	prior := agent.State
	agent.RiskyDayStreak = streak
	agent.State = next
	agent.UpdatedAt = l.now()
	if err := l.projDB.UpsertAgent(ctx, tx, agent); err != nil {
		return err
	}
	if next != prior {
		l.logger.Info("agent lifecycle transition",
			"workspace_id", st.WorkspaceID, "agent_id", st.AgentID, "state", next, "risky_streak", streak)
	}
	return nil
}

// HandleRunOutcome is the outbox handler bound to run terminals; it keeps
// the per-run bookkeeping hot so the daily rollup reads fresh projections.
// The heavy lifting stays in Run.
func (l *Lifecycle) HandleRunOutcome(ctx context.Context, tx *sql.Tx, entry *store.OutboxEntry, ev *events.Event) error {
	// Projections were already applied synchronously with the append; the
	// handler exists so run terminals wake the dispatcher promptly and the
	// DLQ catches events whose projection rows went missing.
	run, err := l.projDB.GetRun(ctx, tx, ev.WorkspaceID, ev.EntityID)
	if err != nil {
		return err
	}
	if run == nil {
		return errMissingProjection(ev)
	}
	return nil
}

func errMissingProjection(ev *events.Event) error {
	return &missingProjectionError{eventID: ev.EventID, entityID: ev.EntityID}
}

type missingProjectionError struct {
	eventID  string
	entityID string
}

func (e *missingProjectionError) Error() string {
	return "projection row missing for entity " + e.entityID + " (event " + e.eventID + ")"
}
