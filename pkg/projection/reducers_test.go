package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
)

func ev(t *testing.T, id, eventType, entityID string, data any) *events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &events.Event{
		EventID:       id,
		EventType:     eventType,
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RecordedAt:    time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		WorkspaceID:   "ws",
		EntityID:      entityID,
		CorrelationID: "corr",
		Data:          raw,
	}
}

func TestReduceRunLifecycle(t *testing.T) {
	created := ev(t, "e1", events.TypeRunCreated, "run_1", events.RunData{ExperimentID: "exp_1", AgentID: "a1"})
	row, changed, err := reduceRun(nil, created)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "queued", row.Status)
	assert.Equal(t, "exp_1", row.ExperimentID)

	started := ev(t, "e2", events.TypeRunStarted, "run_1", events.RunData{})
	row, _, err = reduceRun(row, started)
	require.NoError(t, err)
	assert.Equal(t, "running", row.Status)
	assert.True(t, row.StartedAt.Valid)

	failed := ev(t, "e3", events.TypeRunFailed, "run_1", events.RunData{FailureClass: "timeout"})
	row, _, err = reduceRun(row, failed)
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, "timeout", row.FailureClass)
	assert.True(t, row.FinishedAt.Valid)
}

func TestReduceRunNoRegress(t *testing.T) {
	row, _, err := reduceRun(nil, ev(t, "e1", events.TypeRunSucceeded, "run_1", events.RunData{}))
	require.NoError(t, err)
	require.Equal(t, "succeeded", row.Status)

	// A late run.started must not pull a terminal run back to running.
	row, changed, err := reduceRun(row, ev(t, "e2", events.TypeRunStarted, "run_1", events.RunData{}))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "succeeded", row.Status)
	assert.True(t, row.StartedAt.Valid)

	// Conflicting terminal: first one sticks.
	row, _, err = reduceRun(row, ev(t, "e3", events.TypeRunFailed, "run_1", events.RunData{}))
	require.NoError(t, err)
	assert.Equal(t, "succeeded", row.Status)
}

func TestReduceRunIdempotent(t *testing.T) {
	created := ev(t, "e1", events.TypeRunCreated, "run_1", events.RunData{ExperimentID: "exp_1"})
	row, _, err := reduceRun(nil, created)
	require.NoError(t, err)

	again, changed, err := reduceRun(row, created)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, row, again)
}

func TestReduceExperimentActiveRuns(t *testing.T) {
	row, _, err := reduceExperiment(nil, "exp_1", ev(t, "e1", events.TypeExperimentCreated, "exp_1", nil))
	require.NoError(t, err)
	assert.Equal(t, "open", row.Status)
	assert.Zero(t, row.ActiveRuns)

	row, _, err = reduceExperiment(row, "exp_1", ev(t, "e2", events.TypeRunCreated, "run_1", events.RunData{ExperimentID: "exp_1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, row.ActiveRuns)

	// Replay of the same event does not double count.
	_, changed, err := reduceExperiment(row, "exp_1", ev(t, "e2", events.TypeRunCreated, "run_1", events.RunData{ExperimentID: "exp_1"}))
	require.NoError(t, err)
	assert.False(t, changed)

	row, _, err = reduceExperiment(row, "exp_1", ev(t, "e3", events.TypeRunFailed, "run_1", events.RunData{ExperimentID: "exp_1"}))
	require.NoError(t, err)
	assert.Zero(t, row.ActiveRuns)

	// Never goes negative.
	row, _, err = reduceExperiment(row, "exp_1", ev(t, "e4", events.TypeRunSucceeded, "run_2", events.RunData{ExperimentID: "exp_1"}))
	require.NoError(t, err)
	assert.Zero(t, row.ActiveRuns)
}

func TestReduceApproval(t *testing.T) {
	req := ev(t, "e1", events.TypeApprovalRequested, "apr_1",
		events.ApprovalData{Action: "external.write", TargetHost: "example.com", ReasonCode: "approval_required_external_action"})
	row, _, err := reduceApproval(nil, req)
	require.NoError(t, err)
	assert.Equal(t, "pending", row.Status)
	assert.Equal(t, "external.write", row.Action)

	decided := ev(t, "e2", events.TypeApprovalDecided, "apr_1",
		events.ApprovalData{Decision: "approved", DecidedBy: "owner_1"})
	row, _, err = reduceApproval(row, decided)
	require.NoError(t, err)
	assert.Equal(t, "approved", row.Status)
	assert.Equal(t, "owner_1", row.DecidedBy)

	// Late re-request must not reopen a decided approval.
	row, _, err = reduceApproval(row, ev(t, "e3", events.TypeApprovalRequested, "apr_1", events.ApprovalData{Action: "external.write"}))
	require.NoError(t, err)
	assert.Equal(t, "approved", row.Status)
}

func TestReduceIncidentLifecycle(t *testing.T) {
	opened := ev(t, "e1", events.TypeIncidentOpened, "inc_1",
		events.IncidentData{Category: "poison_message", Severity: "high"})
	row, _, err := reduceIncident(nil, opened)
	require.NoError(t, err)
	assert.Equal(t, "open", row.Status)
	assert.Equal(t, "poison_message", row.Category)
	assert.False(t, row.HasRCA)

	row, _, err = reduceIncident(row, ev(t, "e2", events.TypeIncidentRCA, "inc_1", events.IncidentData{RCA: "bad payload"}))
	require.NoError(t, err)
	assert.True(t, row.HasRCA)

	row, _, err = reduceIncident(row, ev(t, "e3", events.TypeIncidentLearning, "inc_1", events.IncidentData{Learning: "validate first"}))
	require.NoError(t, err)
	assert.True(t, row.HasLearning)

	row, _, err = reduceIncident(row, ev(t, "e4", events.TypeIncidentClosed, "inc_1", nil))
	require.NoError(t, err)
	assert.Equal(t, "closed", row.Status)
	assert.True(t, row.ClosedAt.Valid)

	// Closed incidents never reopen.
	row, _, err = reduceIncident(row, ev(t, "e5", events.TypeIncidentOpened, "inc_1", events.IncidentData{Category: "poison_message"}))
	require.NoError(t, err)
	assert.Equal(t, "closed", row.Status)
}

func TestReduceAgentQuarantine(t *testing.T) {
	row, _, err := reduceAgent(nil, ev(t, "e1", events.TypeAgentRegistered, "agent_a", events.AgentData{Name: "scout"}))
	require.NoError(t, err)
	assert.Equal(t, "active", row.State)
	assert.False(t, row.Quarantined)

	row, _, err = reduceAgent(row, ev(t, "e2", events.TypeAgentQuarantined, "agent_a", events.AgentData{Reason: "flooding"}))
	require.NoError(t, err)
	assert.True(t, row.Quarantined)
	assert.Equal(t, "active", row.State)

	row, _, err = reduceAgent(row, ev(t, "e3", events.TypeAgentStateChanged, "agent_a", events.AgentData{State: "probation"}))
	require.NoError(t, err)
	assert.Equal(t, "probation", row.State)

	row, _, err = reduceAgent(row, ev(t, "e4", events.TypeAgentQuarantineLifted, "agent_a", nil))
	require.NoError(t, err)
	assert.False(t, row.Quarantined)
}
