// Package api is the HTTP surface of the control plane. Every mutating
// route follows the same shape: authenticate, bind the workspace, rate
// limit, then run one transaction that appends events, applies projections
// and writes outbox rows, and respond with the projected result.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/auth"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/health"
	"github.com/loomworks/loom/pkg/lease"
	"github.com/loomworks/loom/pkg/policy"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/stream"
)

// Server wires the HTTP handlers to the domain services.
type Server struct {
	db       *sql.DB
	cfg      *config.Config
	logger   *slog.Logger
	log      *store.EventStore
	proj     *projection.Engine
	projRead *store.ProjectionStore
	runLease *store.RunLeaseStore
	caps     *store.CapabilityStore
	leases   *lease.Coordinator
	policy   *policy.Pipeline
	limiter  *ratelimit.Limiter
	fanout   *stream.Fanout
	health   *health.Cache
	auth     *auth.Service
	artifact *http.Client
	now      func() time.Time
}

// New builds the server.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger,
	log *store.EventStore, proj *projection.Engine, projRead *store.ProjectionStore,
	runLease *store.RunLeaseStore, caps *store.CapabilityStore,
	leases *lease.Coordinator, pol *policy.Pipeline, limiter *ratelimit.Limiter,
	fanout *stream.Fanout, healthCache *health.Cache, authSvc *auth.Service) *Server {
	return &Server{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		log:      log,
		proj:     proj,
		projRead: projRead,
		runLease: runLease,
		caps:     caps,
		leases:   leases,
		policy:   pol,
		limiter:  limiter,
		fanout:   fanout,
		health:   healthCache,
		auth:     authSvc,
		artifact: &http.Client{Timeout: 5 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the routed HTTP handler with auth middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("POST /v1/auth/bootstrap", s.handleBootstrap)
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)

	mux.HandleFunc("POST /v1/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /v1/rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /v1/rooms/{id}/threads", s.handleCreateThread)
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.handleCreateMessage)
	mux.HandleFunc("GET /v1/threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /v1/messages", s.handleCreateMessage)

	mux.HandleFunc("POST /v1/experiments", s.handleCreateExperiment)
	mux.HandleFunc("POST /v1/experiments/{id}/close", s.handleCloseExperiment)

	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("POST /v1/runs/claim", s.handleClaimRun)
	mux.HandleFunc("POST /v1/runs/{id}/start", s.handleRunStart)
	mux.HandleFunc("POST /v1/runs/{id}/complete", s.handleRunComplete)
	mux.HandleFunc("POST /v1/runs/{id}/fail", s.handleRunFail)
	mux.HandleFunc("POST /v1/runs/{id}/steps", s.handleRunStep)
	mux.HandleFunc("POST /v1/runs/{id}/scorecard", s.handleRunScorecard)
	mux.HandleFunc("POST /v1/runs/{id}/lease/heartbeat", s.handleRunLeaseHeartbeat)
	mux.HandleFunc("POST /v1/runs/{id}/lease/release", s.handleRunLeaseRelease)

	mux.HandleFunc("POST /v1/work-items/claim", s.handleWorkItemClaim)
	mux.HandleFunc("POST /v1/work-items/heartbeat", s.handleWorkItemHeartbeat)
	mux.HandleFunc("POST /v1/work-items/release", s.handleWorkItemRelease)

	mux.HandleFunc("POST /v1/approvals", s.handleCreateApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/decide", s.handleDecideApproval)

	mux.HandleFunc("POST /v1/incidents", s.handleCreateIncident)
	mux.HandleFunc("POST /v1/incidents/{id}/rca", s.handleIncidentRCA)
	mux.HandleFunc("POST /v1/incidents/{id}/learning", s.handleIncidentLearning)
	mux.HandleFunc("POST /v1/incidents/{id}/close", s.handleIncidentClose)

	mux.HandleFunc("POST /v1/policy/evaluate", s.handlePolicyEvaluate)
	mux.HandleFunc("POST /v1/egress/requests", s.handleEgressRequest)
	mux.HandleFunc("POST /v1/data/access/requests", s.handleDataAccessRequest)

	mux.HandleFunc("POST /v1/capabilities/grant", s.handleCapabilityGrant)
	mux.HandleFunc("POST /v1/capabilities/revoke", s.handleCapabilityRevoke)

	mux.HandleFunc("POST /v1/evidence", s.handleAttachEvidence)

	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /v1/streams/{type}/{id}", s.handleStream)
	mux.HandleFunc("GET /v1/pipeline/projection", s.handlePipelineProjection)

	mux.HandleFunc("GET /v1/system/health", s.handleSystemHealth)
	mux.HandleFunc("POST /v1/system/health", s.handleSystemHealth)

	return s.auth.Middleware(mux)
}

// principal returns the authenticated caller or an unauthorized error.
func (s *Server) principal(r *http.Request) (*auth.Principal, error) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return p, nil
}

// bind authenticates and workspace-binds a request whose body may name a
// workspace.
func (s *Server) bind(r *http.Request, requested string) (*auth.Principal, string, error) {
	p, err := s.principal(r)
	if err != nil {
		return nil, "", err
	}
	ws, err := auth.RequireWorkspace(r, requested)
	if err != nil {
		return nil, "", err
	}
	return p, ws, nil
}

func actorOf(p *auth.Principal) events.Actor {
	if p.Kind == auth.PrincipalOwner {
		return events.Actor{Type: events.ActorHuman, ID: p.ID}
	}
	return events.Actor{Type: events.ActorAgent, ID: p.ID}
}

// correlationOf resolves the flow id: explicit value, else a fresh request
// id serving as both.
func correlationOf(env envelope) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return "req_" + uuid.NewString()
}

// allowMutation applies the hierarchical rate limits and, on rejection,
// feeds the flood detector. Three consecutive rejections open one
// agent_flooding incident and mute the detector.
func (s *Server) allowMutation(ctx context.Context, workspaceID, agentID, experimentID string) error {
	err := s.limiter.Allow(ctx, workspaceID, agentID, experimentID)
	flood, obsErr := s.limiter.Observe(ctx, workspaceID, agentID, err != nil, s.cfg.RateLimitStreakThreshold)
	if obsErr != nil {
		s.logger.Warn("flood detector unavailable", "error", obsErr)
	}
	if flood {
		s.openFloodIncident(ctx, workspaceID, agentID)
	}
	return err
}

func (s *Server) openFloodIncident(ctx context.Context, workspaceID, agentID string) {
	incidentID := "inc_flood_" + agentID
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		results, err := s.log.Append(ctx, tx, workspaceID, &events.Draft{
			EventType:      events.TypeIncidentOpened,
			EventVersion:   1,
			OccurredAt:     s.now(),
			WorkspaceID:    workspaceID,
			Actor:          events.Actor{Type: events.ActorSystem, ID: "rate_limiter"},
			Stream:         events.Stream{Type: events.StreamIncident, ID: incidentID},
			CorrelationID:  "req_" + uuid.NewString(),
			IdempotencyKey: events.FloodIncidentKey(workspaceID, agentID),
			EntityType:     "incident",
			EntityID:       incidentID,
			Data: events.IncidentData{
				Category: "agent_flooding",
				Severity: "medium",
				Title:    "agent " + agentID + " is flooding the API",
			},
		})
		if err != nil {
			return err
		}
		if !results[0].Replayed {
			return s.proj.Apply(ctx, tx, results[0].Event)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("flood incident append failed",
			"workspace_id", workspaceID, "agent_id", agentID, "error", err)
		return
	}
	muteFor := time.Duration(s.cfg.RateLimitIncidentMuteSec) * time.Second
	if err := s.limiter.Mute(ctx, workspaceID, agentID, muteFor); err != nil {
		s.logger.Warn("flood mute failed", "agent_id", agentID, "error", err)
	}
}

// appendAndProject is the standard single-draft write transaction.
func (s *Server) appendAndProject(ctx context.Context, workspaceID string, draft *events.Draft) (store.AppendResult, error) {
	var result store.AppendResult
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		results, err := s.log.Append(ctx, tx, workspaceID, draft)
		if err != nil {
			return err
		}
		result = results[0]
		if !result.Replayed {
			return s.proj.Apply(ctx, tx, result.Event)
		}
		return nil
	})
	return result, err
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "schema_version": SchemaVersion})
}
