// Package projection maintains the read models. Projectors run synchronously
// inside the append transaction: an event and every row it implies commit or
// roll back together, so reads never observe a partially applied event.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

// applier applies one event to one read model inside tx.
type applier func(ctx context.Context, tx *sql.Tx, ev *events.Event) error

type handler struct {
	name  string
	apply applier
}

// Engine dispatches events to the registered projectors and advances their
// watermarks.
type Engine struct {
	proj     *store.ProjectionStore
	handlers map[string][]handler
}

// New builds an engine with the full projector set registered.
func New(proj *store.ProjectionStore) *Engine {
	e := &Engine{proj: proj, handlers: map[string][]handler{}}

	e.register("runs", e.applyRun,
		events.TypeRunCreated, events.TypeRunStarted, events.TypeRunSucceeded, events.TypeRunFailed)
	e.register("experiments", e.applyExperiment,
		events.TypeExperimentCreated, events.TypeExperimentClosed,
		events.TypeRunCreated, events.TypeRunSucceeded, events.TypeRunFailed)
	e.register("approvals", e.applyApproval,
		events.TypeApprovalRequested, events.TypeApprovalDecided)
	e.register("incidents", e.applyIncident,
		events.TypeIncidentOpened, events.TypeIncidentRCA, events.TypeIncidentLearning, events.TypeIncidentClosed)
	e.register("agents", e.applyAgent,
		events.TypeAgentRegistered, events.TypeAgentStateChanged,
		events.TypeAgentQuarantined, events.TypeAgentQuarantineLifted)
	e.register("messages", e.applyMessage, events.TypeMessageCreated)
	e.register("scorecards", e.applyScorecard, events.TypeScorecardRecorded)
	e.register("steps", e.applyStep, events.TypeRunStep)
	e.register("tool_calls", e.applyToolCall, events.TypeToolCalled)
	e.register("evidence", e.applyEvidence, events.TypeEvidenceAttached)

	return e
}

func (e *Engine) register(name string, fn applier, eventTypes ...string) {
	for _, t := range eventTypes {
		e.handlers[t] = append(e.handlers[t], handler{name: name, apply: fn})
	}
}

// Apply runs every projector bound to each event's type and stamps the
// projector watermark. Events with no bound projector are a no-op.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, evs ...*events.Event) error {
	for _, ev := range evs {
		for _, h := range e.handlers[ev.EventType] {
			if err := h.apply(ctx, tx, ev); err != nil {
				return fmt.Errorf("projection: %s on %s: %w", h.name, ev.EventType, err)
			}
			if err := e.proj.SetWatermark(ctx, tx, ev.WorkspaceID, h.name, ev.EventID, ev.RecordedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyRun(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	cur, err := e.proj.GetRun(ctx, tx, ev.WorkspaceID, ev.EntityID)
	if err != nil {
		return err
	}
	next, changed, err := reduceRun(cur, ev)
	if err != nil || !changed {
		return err
	}
	return e.proj.UpsertRun(ctx, tx, next)
}

func (e *Engine) applyExperiment(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	experimentID := ev.EntityID
	if ev.EventType == events.TypeRunCreated || ev.EventType == events.TypeRunSucceeded || ev.EventType == events.TypeRunFailed {
		data, err := events.Decode[events.RunData](ev)
		if err != nil {
			return err
		}
		experimentID = data.ExperimentID
	}
	if experimentID == "" {
		return nil
	}
	cur, err := e.proj.GetExperiment(ctx, tx, ev.WorkspaceID, experimentID)
	if err != nil {
		return err
	}
	next, changed, err := reduceExperiment(cur, experimentID, ev)
	if err != nil || !changed {
		return err
	}
	return e.proj.UpsertExperiment(ctx, tx, next)
}

func (e *Engine) applyApproval(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	cur, err := e.proj.GetApproval(ctx, tx, ev.WorkspaceID, ev.EntityID)
	if err != nil {
		return err
	}
	next, changed, err := reduceApproval(cur, ev)
	if err != nil || !changed {
		return err
	}
	return e.proj.UpsertApproval(ctx, tx, next)
}

func (e *Engine) applyIncident(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	cur, err := e.proj.GetIncident(ctx, tx, ev.WorkspaceID, ev.EntityID)
	if err != nil {
		return err
	}
	next, changed, err := reduceIncident(cur, ev)
	if err != nil || !changed {
		return err
	}
	return e.proj.UpsertIncident(ctx, tx, next)
}

func (e *Engine) applyAgent(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	cur, err := e.proj.GetAgent(ctx, tx, ev.WorkspaceID, ev.EntityID)
	if err != nil {
		return err
	}
	next, changed, err := reduceAgent(cur, ev)
	if err != nil || !changed {
		return err
	}
	return e.proj.UpsertAgent(ctx, tx, next)
}

func (e *Engine) applyMessage(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	data, err := events.Decode[events.MessageData](ev)
	if err != nil {
		return err
	}
	return e.proj.UpsertMessage(ctx, tx, &store.MessageRow{
		WorkspaceID:   ev.WorkspaceID,
		MessageID:     ev.EntityID,
		ThreadID:      data.ThreadID,
		RoomID:        data.RoomID,
		Intent:        data.Intent,
		Category:      data.Category,
		LastEventID:   ev.EventID,
		CorrelationID: ev.CorrelationID,
		UpdatedAt:     ev.RecordedAt,
	})
}

func (e *Engine) applyScorecard(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	data, err := events.Decode[events.ScorecardData](ev)
	if err != nil {
		return err
	}
	return e.proj.UpsertScorecard(ctx, tx, &store.ScorecardRow{
		WorkspaceID:   ev.WorkspaceID,
		ScorecardID:   ev.EntityID,
		RunID:         data.RunID,
		Verdict:       data.Verdict,
		Score:         data.Score,
		RiskTier:      data.RiskTier,
		Iteration:     data.Iteration,
		LastEventID:   ev.EventID,
		CorrelationID: ev.CorrelationID,
		UpdatedAt:     ev.RecordedAt,
	})
}

func (e *Engine) applyStep(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	data, err := events.Decode[events.StepData](ev)
	if err != nil {
		return err
	}
	return e.proj.UpsertStep(ctx, tx, &store.StepRow{
		WorkspaceID:   ev.WorkspaceID,
		RunID:         ev.EntityID,
		StepIndex:     data.StepIndex,
		Name:          data.Name,
		Status:        data.Status,
		DurationMS:    data.DurationMS,
		LastEventID:   ev.EventID,
		CorrelationID: ev.CorrelationID,
		UpdatedAt:     ev.RecordedAt,
	})
}

func (e *Engine) applyToolCall(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	data, err := events.Decode[events.ToolCallData](ev)
	if err != nil {
		return err
	}
	return e.proj.UpsertToolCall(ctx, tx, &store.ToolCallRow{
		WorkspaceID:   ev.WorkspaceID,
		CallID:        ev.EventID,
		RunID:         ev.EntityID,
		Tool:          data.Tool,
		TargetHost:    data.TargetHost,
		Decision:      data.Decision,
		LastEventID:   ev.EventID,
		CorrelationID: ev.CorrelationID,
		UpdatedAt:     ev.RecordedAt,
	})
}

func (e *Engine) applyEvidence(ctx context.Context, tx *sql.Tx, ev *events.Event) error {
	data, err := events.Decode[events.EvidenceData](ev)
	if err != nil {
		return err
	}
	return e.proj.UpsertEvidence(ctx, tx, &store.EvidenceRow{
		WorkspaceID:   ev.WorkspaceID,
		ArtifactID:    data.ArtifactID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		ArtifactURL:   data.ArtifactURL,
		Digest:        data.Digest,
		Kind:          data.Kind,
		LastEventID:   ev.EventID,
		CorrelationID: ev.CorrelationID,
		UpdatedAt:     ev.RecordedAt,
	})
}
