package automation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/store"
)

// escalator opens at most one incident per (cron_job, work_item) and per
// open category, shared by the scanner jobs.
type escalator struct {
	log    *store.EventStore
	proj   *projection.Engine
	projDB *store.ProjectionStore
	logger *slog.Logger
}

func (e *escalator) open(ctx context.Context, tx *sql.Tx, cronName, workspaceID, workItemID, category, title string) error {
	exists, err := e.projDB.OpenIncidentExists(ctx, tx, workspaceID, category)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	incidentID := "inc_" + uuid.NewString()
	results, err := e.log.Append(ctx, tx, workspaceID, &events.Draft{
		EventType:      events.TypeIncidentOpened,
		WorkspaceID:    workspaceID,
		Actor:          events.Actor{Type: events.ActorSystem, ID: cronName},
		Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
		IdempotencyKey: events.CronIncidentKey(workspaceID, cronName, workItemID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           events.IncidentData{Category: category, Severity: "medium", Title: title},
	})
	if err != nil {
		return err
	}
	return applyFresh(ctx, tx, e.proj, results)
}

// ApprovalScan escalates approvals that sat pending past maxAge.
type ApprovalScan struct {
	esc    escalator
	projDB *store.ProjectionStore
	maxAge time.Duration
	batch  int
	now    func() time.Time
}

// NewApprovalScan builds the job.
func NewApprovalScan(log *store.EventStore, proj *projection.Engine, projDB *store.ProjectionStore,
	logger *slog.Logger, maxAge time.Duration, batch int) *ApprovalScan {
	return &ApprovalScan{
		esc:    escalator{log: log, proj: proj, projDB: projDB, logger: logger},
		projDB: projDB,
		maxAge: maxAge,
		batch:  batch,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (j *ApprovalScan) Name() string { return "approval_scan" }

func (j *ApprovalScan) Run(ctx context.Context, tx *sql.Tx) error {
	stale, err := j.projDB.StaleApprovals(ctx, j.now().Add(-j.maxAge), j.batch)
	if err != nil {
		return err
	}
	for _, a := range stale {
		title := fmt.Sprintf("approval %s pending since %s (%s)", a.ApprovalID, a.UpdatedAt.Format(time.RFC3339), a.Action)
		if err := j.esc.open(ctx, tx, j.Name(), a.WorkspaceID, a.ApprovalID, "approval_stale", title); err != nil {
			return err
		}
	}
	return nil
}

// RunScan escalates runs stuck in running past maxAge.
type RunScan struct {
	esc    escalator
	projDB *store.ProjectionStore
	maxAge time.Duration
	batch  int
	now    func() time.Time
}

// NewRunScan builds the job.
func NewRunScan(log *store.EventStore, proj *projection.Engine, projDB *store.ProjectionStore,
	logger *slog.Logger, maxAge time.Duration, batch int) *RunScan {
	return &RunScan{
		esc:    escalator{log: log, proj: proj, projDB: projDB, logger: logger},
		projDB: projDB,
		maxAge: maxAge,
		batch:  batch,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (j *RunScan) Name() string { return "run_scan" }

func (j *RunScan) Run(ctx context.Context, tx *sql.Tx) error {
	stuck, err := j.projDB.StuckRuns(ctx, j.now().Add(-j.maxAge), j.batch)
	if err != nil {
		return err
	}
	for _, r := range stuck {
		title := fmt.Sprintf("run %s running since %s without progress", r.RunID, r.UpdatedAt.Format(time.RFC3339))
		if err := j.esc.open(ctx, tx, j.Name(), r.WorkspaceID, r.RunID, "run_stuck", title); err != nil {
			return err
		}
	}
	return nil
}

// RateWindowPrune drops expired fixed-window counters.
type RateWindowPrune struct {
	rates *store.RateLimitStore
	keep  time.Duration
	now   func() time.Time
}

// NewRateWindowPrune builds the job.
func NewRateWindowPrune(rates *store.RateLimitStore, keep time.Duration) *RateWindowPrune {
	return &RateWindowPrune{rates: rates, keep: keep, now: func() time.Time { return time.Now().UTC() }}
}

func (j *RateWindowPrune) Name() string { return "rate_window_prune" }

func (j *RateWindowPrune) Run(ctx context.Context, _ *sql.Tx) error {
	return j.rates.Prune(ctx, j.now().Add(-j.keep))
}
