// Package health produces the typed system health summary: hard checks on
// the database and event log plumbing, soft checks on cron freshness,
// projection lag, DLQ backlog and rate-limit floods, and a deterministic
// top_issues ranking. Reports are cached per workspace.
package health

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/loomworks/loom/pkg/store"
)

// Check statuses, ordered by severity.
const (
	StatusOK       = "ok"
	StatusDegraded = "DEGRADED"
	StatusDown     = "DOWN"
)

// Issue is one entry of top_issues.
type Issue struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	AgeSec   *int64 `json:"age_sec"`
}

// Checks are the hard (required) and soft (optional) probes.
type Checks struct {
	DB                   string            `json:"db"`
	KernelSchemaVersions string            `json:"kernel_schema_versions"`
	EvtEvents            string            `json:"evt_events"`
	EvtEventsIdempotency string            `json:"evt_events_idempotency"`
	Optional             map[string]string `json:"optional"`
}

// Summary is the numeric digest.
type Summary struct {
	HealthSummary          string  `json:"health_summary"`
	CronFreshnessSec       int64   `json:"cron_freshness_sec"`
	ProjectionLagSec       int64   `json:"projection_lag_sec"`
	DLQBacklogCount        int     `json:"dlq_backlog_count"`
	RateLimitFloodDetected bool    `json:"rate_limit_flood_detected"`
	ActiveIncidentsCount   int     `json:"active_incidents_count"`
	TopIssues              []Issue `json:"top_issues"`
}

// Meta carries report provenance.
type Meta struct {
	Cached      bool      `json:"cached"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Report is the full health response.
type Report struct {
	SchemaVersion string  `json:"schema_version"`
	OK            bool    `json:"ok"`
	Checks        Checks  `json:"checks"`
	Summary       Summary `json:"summary"`
	Meta          Meta    `json:"meta"`
}

// Thresholds bound the soft checks.
type Thresholds struct {
	CronStale     time.Duration
	ProjectionLag time.Duration
	DLQBacklogMax int
	FloodStreak   int
}

// Scanner assembles reports.
type Scanner struct {
	db         *sql.DB
	workspaces *store.WorkspaceStore
	crons      *store.CronStore
	projDB     *store.ProjectionStore
	dlq        *store.DLQStore
	rates      *store.RateLimitStore
	logger     *slog.Logger
	thresholds Thresholds
	now        func() time.Time
}

// NewScanner builds a scanner.
func NewScanner(db *sql.DB, workspaces *store.WorkspaceStore, crons *store.CronStore,
	projDB *store.ProjectionStore, dlq *store.DLQStore, rates *store.RateLimitStore,
	logger *slog.Logger, thresholds Thresholds) *Scanner {
	return &Scanner{
		db:         db,
		workspaces: workspaces,
		crons:      crons,
		projDB:     projDB,
		dlq:        dlq,
		rates:      rates,
		logger:     logger,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Scan builds a fresh report for the workspace.
func (s *Scanner) Scan(ctx context.Context, workspaceID string) (*Report, error) {
	now := s.now()
	r := &Report{
		Checks: Checks{Optional: map[string]string{}},
		Meta:   Meta{GeneratedAt: now},
	}

	// Hard checks.
	r.Checks.DB = s.probe(func() error { return s.db.PingContext(ctx) })
	version, err := s.workspaces.CurrentSchemaVersion(ctx)
	if err != nil {
		r.Checks.KernelSchemaVersions = StatusDown
	} else {
		r.Checks.KernelSchemaVersions = StatusOK
		r.SchemaVersion = version
	}
	r.Checks.EvtEvents = s.probe(func() error {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM evt_events LIMIT 1`).Scan(&one)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	r.Checks.EvtEventsIdempotency = s.probe(func() error {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM pg_indexes WHERE indexname = 'evt_events_workspace_idem_uq'`).Scan(&one)
		if err == sql.ErrNoRows {
			return errMissingIndex
		}
		return err
	})

	// Soft checks feed both the optional map and top_issues.
	var issues []Issue

	freshness, err := s.crons.Freshness(ctx, now)
	halted, haltedErr := s.crons.AnyHalted(ctx)
	r.Summary.CronFreshnessSec = int64(freshness / time.Second)
	switch {
	case err != nil || haltedErr != nil:
		r.Checks.Optional["cron_watchdog"] = StatusDegraded
		issues = append(issues, Issue{Kind: "cron_watchdog", Severity: StatusDegraded})
	case halted:
		r.Checks.Optional["cron_watchdog"] = StatusDown
		issues = append(issues, Issue{Kind: "cron_watchdog", Severity: StatusDown, AgeSec: ptr(r.Summary.CronFreshnessSec)})
	case s.thresholds.CronStale > 0 && freshness > s.thresholds.CronStale:
		r.Checks.Optional["cron_watchdog"] = StatusDegraded
		issues = append(issues, Issue{Kind: "cron_watchdog", Severity: StatusDegraded, AgeSec: ptr(r.Summary.CronFreshnessSec)})
	default:
		r.Checks.Optional["cron_watchdog"] = StatusOK
	}

	lag, err := s.projDB.ProjectionLag(ctx, workspaceID, now)
	r.Summary.ProjectionLagSec = int64(lag / time.Second)
	switch {
	case err != nil:
		r.Checks.Optional["projection_lag"] = StatusDegraded
		issues = append(issues, Issue{Kind: "projection_lag", Severity: StatusDegraded})
	case s.thresholds.ProjectionLag > 0 && lag > s.thresholds.ProjectionLag:
		r.Checks.Optional["projection_lag"] = StatusDegraded
		issues = append(issues, Issue{Kind: "projection_lag", Severity: StatusDegraded, AgeSec: ptr(r.Summary.ProjectionLagSec)})
	default:
		r.Checks.Optional["projection_lag"] = StatusOK
	}

	backlog, err := s.dlq.Backlog(ctx, workspaceID, 3)
	r.Summary.DLQBacklogCount = backlog
	oldest, _ := s.dlq.Oldest(ctx, workspaceID, now)
	switch {
	case err != nil:
		r.Checks.Optional["dlq_backlog"] = StatusDegraded
		issues = append(issues, Issue{Kind: "dlq_backlog", Severity: StatusDegraded})
	case s.thresholds.DLQBacklogMax > 0 && backlog > s.thresholds.DLQBacklogMax:
		r.Checks.Optional["dlq_backlog"] = StatusDown
		issues = append(issues, Issue{Kind: "dlq_backlog", Severity: StatusDown, AgeSec: ptr(int64(oldest / time.Second))})
	case backlog > 0:
		r.Checks.Optional["dlq_backlog"] = StatusDegraded
		issues = append(issues, Issue{Kind: "dlq_backlog", Severity: StatusDegraded, AgeSec: ptr(int64(oldest / time.Second))})
	default:
		r.Checks.Optional["dlq_backlog"] = StatusOK
	}

	flood, err := s.rates.FloodDetected(ctx, s.thresholds.FloodStreak)
	r.Summary.RateLimitFloodDetected = flood
	switch {
	case err != nil:
		r.Checks.Optional["rate_limit_flood"] = StatusDegraded
		issues = append(issues, Issue{Kind: "rate_limit_flood", Severity: StatusDegraded})
	case flood:
		r.Checks.Optional["rate_limit_flood"] = StatusDegraded
		issues = append(issues, Issue{Kind: "rate_limit_flood", Severity: StatusDegraded})
	default:
		r.Checks.Optional["rate_limit_flood"] = StatusOK
	}

	if n, err := s.projDB.ActiveIncidentCount(ctx, workspaceID); err == nil {
		r.Summary.ActiveIncidentsCount = n
	}

	r.OK = r.Checks.DB == StatusOK &&
		r.Checks.KernelSchemaVersions == StatusOK &&
		r.Checks.EvtEvents == StatusOK &&
		r.Checks.EvtEventsIdempotency == StatusOK
	r.Summary.TopIssues = RankIssues(issues)
	switch {
	case !r.OK:
		r.Summary.HealthSummary = StatusDown
	case len(r.Summary.TopIssues) > 0:
		r.Summary.HealthSummary = StatusDegraded
	default:
		r.Summary.HealthSummary = StatusOK
	}
	return r, nil
}

var errMissingIndex = errors.New("health: idempotency index missing")

func (s *Scanner) probe(fn func() error) string {
	if err := fn(); err != nil {
		return StatusDown
	}
	return StatusOK
}

func ptr(v int64) *int64 { return &v }

// RankIssues orders issues deterministically: DOWN before DEGRADED, then
// older first with unknown ages last, then kind ascending.
func RankIssues(issues []Issue) []Issue {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity != b.Severity {
			return a.Severity == StatusDown
		}
		switch {
		case a.AgeSec != nil && b.AgeSec == nil:
			return true
		case a.AgeSec == nil && b.AgeSec != nil:
			return false
		case a.AgeSec != nil && b.AgeSec != nil && *a.AgeSec != *b.AgeSec:
			return *a.AgeSec > *b.AgeSec
		}
		return a.Kind < b.Kind
	})
	return issues
}
