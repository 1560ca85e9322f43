package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Projection rows. Every row carries last_event_id (causal watermark) and
// correlation_id; each is derivable by replaying its entity's stream.

// RunRow projects the run state machine.
type RunRow struct {
	WorkspaceID   string
	RunID         string
	ExperimentID  string
	AgentID       string
	Status        string // queued | running | succeeded | failed
	FailureClass  string
	StartedAt     sql.NullTime
	FinishedAt    sql.NullTime
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// ApprovalRow projects the approval lifecycle.
type ApprovalRow struct {
	WorkspaceID   string
	ApprovalID    string
	Status        string // pending | approved | held | denied
	Action        string
	ReasonCode    string
	TargetHost    string
	DecidedBy     string
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// IncidentRow projects the incident gate.
type IncidentRow struct {
	WorkspaceID   string
	IncidentID    string
	Category      string
	Severity      string
	Status        string // open | closed
	HasRCA        bool
	HasLearning   bool
	OpenedAt      time.Time
	ClosedAt      sql.NullTime
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// ExperimentRow projects experiment status.
type ExperimentRow struct {
	WorkspaceID   string
	ExperimentID  string
	Status        string // open | closed
	ActiveRuns    int
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// ScorecardRow projects run evaluations for the promotion loop.
type ScorecardRow struct {
	WorkspaceID   string
	ScorecardID   string
	RunID         string
	Verdict       string
	Score         float64
	RiskTier      string
	Iteration     int
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// StepRow projects run steps.
type StepRow struct {
	WorkspaceID   string
	RunID         string
	StepIndex     int
	Name          string
	Status        string
	DurationMS    int64
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// ToolCallRow projects tool invocations.
type ToolCallRow struct {
	WorkspaceID   string
	CallID        string
	RunID         string
	Tool          string
	TargetHost    string
	Decision      string
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// EvidenceRow projects evidence manifests.
type EvidenceRow struct {
	WorkspaceID   string
	ArtifactID    string
	EntityType    string
	EntityID      string
	ArtifactURL   string
	Digest        string
	Kind          string
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// AgentRow projects agent lifecycle and quarantine state.
type AgentRow struct {
	WorkspaceID    string
	AgentID        string
	Name           string
	State          string // active | probation | sunset
	Quarantined    bool
	RiskyDayStreak int
	LastEventID    string
	CorrelationID  string
	UpdatedAt      time.Time
}

// MessageRow projects messages; the promotion loop and DLQ key off it.
type MessageRow struct {
	WorkspaceID   string
	MessageID     string
	ThreadID      string
	RoomID        string
	Intent        string
	Category      string
	LastEventID   string
	CorrelationID string
	UpdatedAt     time.Time
}

// ProjectionStore upserts read-model rows inside the append transaction.
type ProjectionStore struct {
	db *sql.DB
}

// NewProjectionStore builds the gateway.
func NewProjectionStore(db *sql.DB) *ProjectionStore {
	return &ProjectionStore{db: db}
}

// GetRun loads a run row inside tx (nil when absent).
func (s *ProjectionStore) GetRun(ctx context.Context, tx *sql.Tx, workspaceID, runID string) (*RunRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT workspace_id, run_id, experiment_id, agent_id, status, failure_class,
		       started_at, finished_at, last_event_id, correlation_id, updated_at
		FROM proj_runs WHERE workspace_id = $1 AND run_id = $2`, workspaceID, runID)
	var r RunRow
	err := row.Scan(&r.WorkspaceID, &r.RunID, &r.ExperimentID, &r.AgentID, &r.Status, &r.FailureClass,
		&r.StartedAt, &r.FinishedAt, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run projection: %w", err)
	}
	return &r, nil
}

// UpsertRun writes a run row.
func (s *ProjectionStore) UpsertRun(ctx context.Context, tx *sql.Tx, r *RunRow) error {
	const q = `
		INSERT INTO proj_runs (workspace_id, run_id, experiment_id, agent_id, status, failure_class,
			started_at, finished_at, last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (workspace_id, run_id) DO UPDATE SET
			experiment_id = EXCLUDED.experiment_id, agent_id = EXCLUDED.agent_id,
			status = EXCLUDED.status, failure_class = EXCLUDED.failure_class,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.RunID, r.ExperimentID, r.AgentID, r.Status, r.FailureClass,
		r.StartedAt, r.FinishedAt, r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert run projection: %w", err)
	}
	return nil
}

// GetApproval loads an approval row inside tx.
func (s *ProjectionStore) GetApproval(ctx context.Context, tx *sql.Tx, workspaceID, approvalID string) (*ApprovalRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT workspace_id, approval_id, status, action, reason_code, target_host, decided_by,
		       last_event_id, correlation_id, updated_at
		FROM proj_approvals WHERE workspace_id = $1 AND approval_id = $2`, workspaceID, approvalID)
	var r ApprovalRow
	err := row.Scan(&r.WorkspaceID, &r.ApprovalID, &r.Status, &r.Action, &r.ReasonCode, &r.TargetHost,
		&r.DecidedBy, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get approval projection: %w", err)
	}
	return &r, nil
}

// UpsertApproval writes an approval row.
func (s *ProjectionStore) UpsertApproval(ctx context.Context, tx *sql.Tx, r *ApprovalRow) error {
	const q = `
		INSERT INTO proj_approvals (workspace_id, approval_id, status, action, reason_code,
			target_host, decided_by, last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (workspace_id, approval_id) DO UPDATE SET
			status = EXCLUDED.status, action = EXCLUDED.action, reason_code = EXCLUDED.reason_code,
			target_host = EXCLUDED.target_host, decided_by = EXCLUDED.decided_by,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.ApprovalID, r.Status, r.Action, r.ReasonCode,
		r.TargetHost, r.DecidedBy, r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert approval projection: %w", err)
	}
	return nil
}

// GetIncident loads an incident row inside tx.
func (s *ProjectionStore) GetIncident(ctx context.Context, tx *sql.Tx, workspaceID, incidentID string) (*IncidentRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT workspace_id, incident_id, category, severity, status, has_rca, has_learning,
		       opened_at, closed_at, last_event_id, correlation_id, updated_at
		FROM proj_incidents WHERE workspace_id = $1 AND incident_id = $2`, workspaceID, incidentID)
	var r IncidentRow
	err := row.Scan(&r.WorkspaceID, &r.IncidentID, &r.Category, &r.Severity, &r.Status, &r.HasRCA, &r.HasLearning,
		&r.OpenedAt, &r.ClosedAt, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get incident projection: %w", err)
	}
	return &r, nil
}

// UpsertIncident writes an incident row.
func (s *ProjectionStore) UpsertIncident(ctx context.Context, tx *sql.Tx, r *IncidentRow) error {
	const q = `
		INSERT INTO proj_incidents (workspace_id, incident_id, category, severity, status,
			has_rca, has_learning, opened_at, closed_at, last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (workspace_id, incident_id) DO UPDATE SET
			category = EXCLUDED.category, severity = EXCLUDED.severity, status = EXCLUDED.status,
			has_rca = EXCLUDED.has_rca, has_learning = EXCLUDED.has_learning,
			opened_at = EXCLUDED.opened_at, closed_at = EXCLUDED.closed_at,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.IncidentID, r.Category, r.Severity, r.Status,
		r.HasRCA, r.HasLearning, r.OpenedAt, r.ClosedAt, r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert incident projection: %w", err)
	}
	return nil
}

// OpenIncidentExists reports whether an open incident of the category
// already exists; escalation emitters use it for suppression.
func (s *ProjectionStore) OpenIncidentExists(ctx context.Context, tx *sql.Tx, workspaceID, category string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proj_incidents WHERE workspace_id = $1 AND category = $2 AND status = 'open'`,
		workspaceID, category).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: open incident check: %w", err)
	}
	return n > 0, nil
}

// GetExperiment loads an experiment row inside tx.
func (s *ProjectionStore) GetExperiment(ctx context.Context, tx *sql.Tx, workspaceID, experimentID string) (*ExperimentRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT workspace_id, experiment_id, status, active_runs, last_event_id, correlation_id, updated_at
		FROM proj_experiments WHERE workspace_id = $1 AND experiment_id = $2`, workspaceID, experimentID)
	var r ExperimentRow
	err := row.Scan(&r.WorkspaceID, &r.ExperimentID, &r.Status, &r.ActiveRuns, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get experiment projection: %w", err)
	}
	return &r, nil
}

// UpsertExperiment writes an experiment row.
func (s *ProjectionStore) UpsertExperiment(ctx context.Context, tx *sql.Tx, r *ExperimentRow) error {
	const q = `
		INSERT INTO proj_experiments (workspace_id, experiment_id, status, active_runs,
			last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (workspace_id, experiment_id) DO UPDATE SET
			status = EXCLUDED.status, active_runs = EXCLUDED.active_runs,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.ExperimentID, r.Status, r.ActiveRuns,
		r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert experiment projection: %w", err)
	}
	return nil
}

// UpsertScorecard writes a scorecard row.
func (s *ProjectionStore) UpsertScorecard(ctx context.Context, tx *sql.Tx, r *ScorecardRow) error {
	const q = `
		INSERT INTO proj_scorecards (workspace_id, scorecard_id, run_id, verdict, score,
			risk_tier, iteration, last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (workspace_id, scorecard_id) DO UPDATE SET
			verdict = EXCLUDED.verdict, score = EXCLUDED.score, risk_tier = EXCLUDED.risk_tier,
			iteration = EXCLUDED.iteration, last_event_id = EXCLUDED.last_event_id,
			correlation_id = EXCLUDED.correlation_id, updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.ScorecardID, r.RunID, r.Verdict, r.Score,
		r.RiskTier, r.Iteration, r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert scorecard projection: %w", err)
	}
	return nil
}

// UpsertStep writes a step row.
func (s *ProjectionStore) UpsertStep(ctx context.Context, tx *sql.Tx, r *StepRow) error {
	const q = `
		INSERT INTO proj_steps (workspace_id, run_id, step_index, name, status, duration_ms,
			last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workspace_id, run_id, step_index) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status, duration_ms = EXCLUDED.duration_ms,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.RunID, r.StepIndex, r.Name, r.Status, r.DurationMS,
		r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert step projection: %w", err)
	}
	return nil
}

// UpsertToolCall writes a tool-call row.
func (s *ProjectionStore) UpsertToolCall(ctx context.Context, tx *sql.Tx, r *ToolCallRow) error {
	const q = `
		INSERT INTO proj_tool_calls (workspace_id, call_id, run_id, tool, target_host, decision,
			last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workspace_id, call_id) DO UPDATE SET
			tool = EXCLUDED.tool, target_host = EXCLUDED.target_host, decision = EXCLUDED.decision,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.CallID, r.RunID, r.Tool, r.TargetHost, r.Decision,
		r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert tool call projection: %w", err)
	}
	return nil
}

// UpsertEvidence writes an evidence-manifest row.
func (s *ProjectionStore) UpsertEvidence(ctx context.Context, tx *sql.Tx, r *EvidenceRow) error {
	const q = `
		INSERT INTO proj_evidence_manifests (workspace_id, artifact_id, entity_type, entity_id,
			artifact_url, digest, kind, last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (workspace_id, artifact_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type, entity_id = EXCLUDED.entity_id,
			artifact_url = EXCLUDED.artifact_url, digest = EXCLUDED.digest, kind = EXCLUDED.kind,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.ArtifactID, r.EntityType, r.EntityID,
		r.ArtifactURL, r.Digest, r.Kind, r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert evidence projection: %w", err)
	}
	return nil
}

// GetAgent loads an agent row inside tx.
func (s *ProjectionStore) GetAgent(ctx context.Context, tx *sql.Tx, workspaceID, agentID string) (*AgentRow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT workspace_id, agent_id, name, state, quarantined, risky_day_streak,
		       last_event_id, correlation_id, updated_at
		FROM proj_agents WHERE workspace_id = $1 AND agent_id = $2`, workspaceID, agentID)
	var r AgentRow
	err := row.Scan(&r.WorkspaceID, &r.AgentID, &r.Name, &r.State, &r.Quarantined, &r.RiskyDayStreak,
		&r.LastEventID, &r.CorrelationID, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent projection: %w", err)
	}
	return &r, nil
}

// UpsertAgent writes an agent row.
func (s *ProjectionStore) UpsertAgent(ctx context.Context, tx *sql.Tx, r *AgentRow) error {
	const q = `
		INSERT INTO proj_agents (workspace_id, agent_id, name, state, quarantined, risky_day_streak,
			last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workspace_id, agent_id) DO UPDATE SET
			name = EXCLUDED.name, state = EXCLUDED.state, quarantined = EXCLUDED.quarantined,
			risky_day_streak = EXCLUDED.risky_day_streak, last_event_id = EXCLUDED.last_event_id,
			correlation_id = EXCLUDED.correlation_id, updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.AgentID, r.Name, r.State, r.Quarantined, r.RiskyDayStreak,
		r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert agent projection: %w", err)
	}
	return nil
}

// UpsertMessage writes a message row.
func (s *ProjectionStore) UpsertMessage(ctx context.Context, tx *sql.Tx, r *MessageRow) error {
	const q = `
		INSERT INTO proj_messages (workspace_id, message_id, thread_id, room_id, intent, category,
			last_event_id, correlation_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (workspace_id, message_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id, room_id = EXCLUDED.room_id,
			intent = EXCLUDED.intent, category = EXCLUDED.category,
			last_event_id = EXCLUDED.last_event_id, correlation_id = EXCLUDED.correlation_id,
			updated_at = EXCLUDED.updated_at`
	_, err := tx.ExecContext(ctx, q, r.WorkspaceID, r.MessageID, r.ThreadID, r.RoomID, r.Intent, r.Category,
		r.LastEventID, r.CorrelationID, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert message projection: %w", err)
	}
	return nil
}

// SurvivalStat is one agent's run outcomes since a cutoff, for the daily
// lifecycle rollup.
type SurvivalStat struct {
	WorkspaceID string
	AgentID     string
	Succeeded   int
	Failed      int
}

// DailySurvival aggregates run outcomes per (workspace, agent) since the
// cutoff.
func (s *ProjectionStore) DailySurvival(ctx context.Context, since time.Time) ([]SurvivalStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, agent_id,
		       COUNT(*) FILTER (WHERE status = 'succeeded'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM proj_runs
		WHERE updated_at >= $1 AND agent_id <> ''
		GROUP BY workspace_id, agent_id`, since)
	if err != nil {
		return nil, fmt.Errorf("store: daily survival: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []SurvivalStat
	for rows.Next() {
		var st SurvivalStat
		if err := rows.Scan(&st.WorkspaceID, &st.AgentID, &st.Succeeded, &st.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// StaleApprovals returns pending approvals older than the cutoff.
func (s *ProjectionStore) StaleApprovals(ctx context.Context, cutoff time.Time, limit int) ([]*ApprovalRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, approval_id, status, action, reason_code, target_host, decided_by,
		       last_event_id, correlation_id, updated_at
		FROM proj_approvals
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: stale approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ApprovalRow
	for rows.Next() {
		var r ApprovalRow
		if err := rows.Scan(&r.WorkspaceID, &r.ApprovalID, &r.Status, &r.Action, &r.ReasonCode,
			&r.TargetHost, &r.DecidedBy, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// StuckRuns returns runs still marked running whose last update predates
// the cutoff.
func (s *ProjectionStore) StuckRuns(ctx context.Context, cutoff time.Time, limit int) ([]*RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, run_id, experiment_id, agent_id, status, failure_class,
		       started_at, finished_at, last_event_id, correlation_id, updated_at
		FROM proj_runs
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: stuck runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.WorkspaceID, &r.RunID, &r.ExperimentID, &r.AgentID, &r.Status, &r.FailureClass,
			&r.StartedAt, &r.FinishedAt, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ActiveIncidentCount counts open incidents for the workspace.
func (s *ProjectionStore) ActiveIncidentCount(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proj_incidents WHERE workspace_id = $1 AND status = 'open'`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: active incidents: %w", err)
	}
	return n, nil
}

// SetWatermark records (workspace, projector) -> last applied event.
func (s *ProjectionStore) SetWatermark(ctx context.Context, tx *sql.Tx, workspaceID, projector, eventID string, at time.Time) error {
	const q = `
		INSERT INTO projector_watermarks (workspace_id, projector_name, last_event_id, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (workspace_id, projector_name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id, updated_at = EXCLUDED.updated_at`
	if _, err := tx.ExecContext(ctx, q, workspaceID, projector, eventID, at); err != nil {
		return fmt.Errorf("store: set watermark: %w", err)
	}
	return nil
}

// ProjectionLag returns the age of the oldest watermark for the workspace.
func (s *ProjectionStore) ProjectionLag(ctx context.Context, workspaceID string, now time.Time) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(updated_at) FROM projector_watermarks WHERE workspace_id = $1`, workspaceID).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("store: projection lag: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return now.Sub(oldest.Time), nil
}

// PipelineItem is one card of the six-stage pipeline view.
type PipelineItem struct {
	Kind          string    `json:"kind"`
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PipelineStage lists runs in one status, paged by updated_at.
func (s *ProjectionStore) PipelineStage(ctx context.Context, workspaceID, status string, cursor time.Time, limit int) ([]PipelineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, status, correlation_id, updated_at FROM proj_runs
		WHERE workspace_id = $1 AND status = $2 AND updated_at > $3
		ORDER BY updated_at ASC LIMIT $4`, workspaceID, status, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pipeline stage %s: %w", status, err)
	}
	return collectPipelineItems(rows, "run")
}

// PendingApprovalItems lists pending approvals for the pipeline view.
func (s *ProjectionStore) PendingApprovalItems(ctx context.Context, workspaceID string, cursor time.Time, limit int) ([]PipelineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, status, correlation_id, updated_at FROM proj_approvals
		WHERE workspace_id = $1 AND status = 'pending' AND updated_at > $2
		ORDER BY updated_at ASC LIMIT $3`, workspaceID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending approvals: %w", err)
	}
	return collectPipelineItems(rows, "approval")
}

// OpenIncidentItems lists open incidents for the pipeline view.
func (s *ProjectionStore) OpenIncidentItems(ctx context.Context, workspaceID string, cursor time.Time, limit int) ([]PipelineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, status, correlation_id, updated_at FROM proj_incidents
		WHERE workspace_id = $1 AND status = 'open' AND updated_at > $2
		ORDER BY updated_at ASC LIMIT $3`, workspaceID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store: open incidents: %w", err)
	}
	return collectPipelineItems(rows, "incident")
}

func collectPipelineItems(rows *sql.Rows, kind string) ([]PipelineItem, error) {
	defer func() { _ = rows.Close() }()
	var out []PipelineItem
	for rows.Next() {
		item := PipelineItem{Kind: kind}
		if err := rows.Scan(&item.ID, &item.Status, &item.CorrelationID, &item.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
