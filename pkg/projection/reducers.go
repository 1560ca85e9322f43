package projection

import (
	"database/sql"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/store"
)

// Reducers are pure: current row plus event in, next row out. Two rules hold
// for every reducer. Replaying an already-applied event is a no-op (the row's
// last_event_id matches), and state never moves backward: a terminal or later
// state wins over an earlier one even if events arrive out of order.

// runRank orders the run state machine. Both terminals share a rank; a
// terminal row never changes status again.
var runRank = map[string]int{
	"queued":    0,
	"running":   1,
	"succeeded": 2,
	"failed":    2,
}

func reduceRun(cur *store.RunRow, ev *events.Event) (*store.RunRow, bool, error) {
	if cur != nil && cur.LastEventID == ev.EventID {
		return cur, false, nil
	}
	data, err := events.Decode[events.RunData](ev)
	if err != nil {
		return nil, false, err
	}

	next := &store.RunRow{WorkspaceID: ev.WorkspaceID, RunID: ev.EntityID}
	if cur != nil {
		*next = *cur
	}
	next.LastEventID = ev.EventID
	next.CorrelationID = ev.CorrelationID
	next.UpdatedAt = ev.RecordedAt

	var status string
	switch ev.EventType {
	case events.TypeRunCreated:
		status = "queued"
		next.ExperimentID = data.ExperimentID
		next.AgentID = data.AgentID
	case events.TypeRunStarted:
		status = "running"
		next.StartedAt = sql.NullTime{Time: ev.OccurredAt, Valid: true}
	case events.TypeRunSucceeded:
		status = "succeeded"
		next.FinishedAt = sql.NullTime{Time: ev.OccurredAt, Valid: true}
	case events.TypeRunFailed:
		status = "failed"
		next.FailureClass = data.FailureClass
		next.FinishedAt = sql.NullTime{Time: ev.OccurredAt, Valid: true}
	default:
		return cur, false, nil
	}

	if cur != nil && runRank[status] < runRank[cur.Status] {
		// Late or replayed earlier event: keep the advanced status, still
		// fill fields only the earlier event carries.
		next.Status = cur.Status
		return next, true, nil
	}
	if cur != nil && runRank[status] == runRank[cur.Status] && status != cur.Status {
		// succeeded vs failed disagree: first terminal wins.
		next.Status = cur.Status
		return next, true, nil
	}
	next.Status = status
	return next, true, nil
}

func reduceExperiment(cur *store.ExperimentRow, experimentID string, ev *events.Event) (*store.ExperimentRow, bool, error) {
	if cur != nil && cur.LastEventID == ev.EventID {
		return cur, false, nil
	}
	next := &store.ExperimentRow{WorkspaceID: ev.WorkspaceID, ExperimentID: experimentID, Status: "open"}
	if cur != nil {
		*next = *cur
	}
	next.LastEventID = ev.EventID
	next.CorrelationID = ev.CorrelationID
	next.UpdatedAt = ev.RecordedAt

	switch ev.EventType {
	case events.TypeExperimentCreated:
		if cur == nil {
			next.Status = "open"
		}
	case events.TypeExperimentClosed:
		next.Status = "closed"
	case events.TypeRunCreated:
		next.ActiveRuns++
	case events.TypeRunSucceeded, events.TypeRunFailed:
		if next.ActiveRuns > 0 {
			next.ActiveRuns--
		}
	default:
		return cur, false, nil
	}
	return next, true, nil
}

func reduceApproval(cur *store.ApprovalRow, ev *events.Event) (*store.ApprovalRow, bool, error) {
	if cur != nil && cur.LastEventID == ev.EventID {
		return cur, false, nil
	}
	data, err := events.Decode[events.ApprovalData](ev)
	if err != nil {
		return nil, false, err
	}
	next := &store.ApprovalRow{WorkspaceID: ev.WorkspaceID, ApprovalID: ev.EntityID}
	if cur != nil {
		*next = *cur
	}
	next.LastEventID = ev.EventID
	next.CorrelationID = ev.CorrelationID
	next.UpdatedAt = ev.RecordedAt

	switch ev.EventType {
	case events.TypeApprovalRequested:
		if cur != nil && cur.Status != "" && cur.Status != "pending" {
			// Already decided; a late request must not reopen it.
			return next, true, nil
		}
		next.Status = "pending"
		next.Action = data.Action
		next.TargetHost = data.TargetHost
		next.ReasonCode = data.ReasonCode
	case events.TypeApprovalDecided:
		next.Status = data.Decision
		next.DecidedBy = data.DecidedBy
	default:
		return cur, false, nil
	}
	return next, true, nil
}

func reduceIncident(cur *store.IncidentRow, ev *events.Event) (*store.IncidentRow, bool, error) {
	if cur != nil && cur.LastEventID == ev.EventID {
		return cur, false, nil
	}
	data, err := events.Decode[events.IncidentData](ev)
	if err != nil {
		return nil, false, err
	}
	next := &store.IncidentRow{WorkspaceID: ev.WorkspaceID, IncidentID: ev.EntityID}
	if cur != nil {
		*next = *cur
	}
	next.LastEventID = ev.EventID
	next.CorrelationID = ev.CorrelationID
	next.UpdatedAt = ev.RecordedAt

	switch ev.EventType {
	case events.TypeIncidentOpened:
		if cur != nil && cur.Status == "closed" {
			// Closed incidents never reopen.
			return next, true, nil
		}
		next.Status = "open"
		next.Category = data.Category
		next.Severity = data.Severity
		next.OpenedAt = ev.OccurredAt
	case events.TypeIncidentRCA:
		next.HasRCA = true
	case events.TypeIncidentLearning:
		next.HasLearning = true
	case events.TypeIncidentClosed:
		next.Status = "closed"
		next.ClosedAt = sql.NullTime{Time: ev.OccurredAt, Valid: true}
	default:
		return cur, false, nil
	}
	return next, true, nil
}

func reduceAgent(cur *store.AgentRow, ev *events.Event) (*store.AgentRow, bool, error) {
	if cur != nil && cur.LastEventID == ev.EventID {
		return cur, false, nil
	}
	data, err := events.Decode[events.AgentData](ev)
	if err != nil {
		return nil, false, err
	}
	next := &store.AgentRow{WorkspaceID: ev.WorkspaceID, AgentID: ev.EntityID}
	if cur != nil {
		*next = *cur
	}
	next.LastEventID = ev.EventID
	next.CorrelationID = ev.CorrelationID
	next.UpdatedAt = ev.RecordedAt

	switch ev.EventType {
	case events.TypeAgentRegistered:
		if cur == nil {
			next.State = "active"
		}
		next.Name = data.Name
	case events.TypeAgentStateChanged:
		next.State = data.State
	case events.TypeAgentQuarantined:
		next.Quarantined = true
	case events.TypeAgentQuarantineLifted:
		next.Quarantined = false
	default:
		return cur, false, nil
	}
	return next, true, nil
}
