// Command loomd runs the control plane: the HTTP surface, the cron heart
// and the outbox dispatcher in a single process. Replicas coordinate
// through Postgres (advisory locks, SKIP LOCKED claims), so running more
// than one loomd is safe.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/migrations"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/auth"
	"github.com/loomworks/loom/pkg/automation"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/health"
	"github.com/loomworks/loom/pkg/lease"
	"github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/pkg/outbox"
	"github.com/loomworks/loom/pkg/policy"
	"github.com/loomworks/loom/pkg/projection"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/stream"
)

const (
	approvalStaleAfter = 30 * time.Minute
	runStuckAfter      = 15 * time.Minute
	rateWindowKeep     = 24 * time.Hour

	outboxWorkers = 2
	outboxBatch   = 10
	outboxTick    = time.Second
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := observability.SetupLogger(cfg.LogLevel)

	if cfg.SessionSecret == "" {
		log.Fatal("SESSION_JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Apply(ctx, db); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	logger.Info("schema ready", "version", api.SchemaVersion)

	obs, err := observability.New()
	if err != nil {
		log.Fatalf("observability: %v", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
	}

	workspaces := store.NewWorkspaceStore(db)
	capabilities := store.NewCapabilityStore(db)
	policies := store.NewPolicyStore(db)
	leaseStore := store.NewLeaseStore(db)
	runLeases := store.NewRunLeaseStore(db)
	projStore := store.NewProjectionStore(db)
	outboxStore := store.NewOutboxStore(db)
	dlqStore := store.NewDLQStore(db)
	cronStore := store.NewCronStore(db)
	rateStore := store.NewRateLimitStore(db)

	eventLog := store.NewEventStore(db, obs, automation.Bindings(cfg.PromotionLoopEnabled))
	proj := projection.New(projStore)
	coordinator := lease.New(db, leaseStore, eventLog, proj, logger, cfg.HeartbeatMinInterval)

	rules, err := policy.LoadRulesFile(cfg.PolicyRulesFile)
	if err != nil {
		log.Fatalf("policy rules: %v", err)
	}
	mode := config.NewEnforcementMode(cfg.EnforcementMode)
	pipeline := policy.New(workspaces, capabilities, policies, eventLog, proj, rules, mode, cfg, logger)

	limiter := ratelimit.New(rateStore, rdb, ratelimit.DefaultLimits(), logger)
	fanout := stream.New(eventLog, logger)

	scanner := health.NewScanner(db, workspaces, cronStore, projStore, dlqStore, rateStore, logger,
		health.Thresholds{
			CronStale:     time.Duration(cfg.HealthCronStaleSec) * time.Second,
			ProjectionLag: time.Duration(cfg.HealthProjectionLagSec) * time.Second,
			DLQBacklogMax: cfg.HealthDLQBacklogMax,
			FloodStreak:   cfg.RateLimitStreakThreshold,
		})
	healthCache := health.NewCache(scanner, cfg.HealthCacheTTL, cfg.HealthErrorCacheTTL)

	authSvc := auth.New(db, workspaces, logger, cfg.SessionSecret, cfg.SessionTTL)

	server := api.New(db, cfg, logger, eventLog, proj, projStore, runLeases, capabilities,
		coordinator, pipeline, limiter, fanout, healthCache, authSvc)

	lifecycle := automation.NewLifecycle(db, projStore, eventLog, proj, logger)

	heart := automation.NewHeart(db, cronStore, logger,
		cfg.CronInterval, cfg.CronJitter, cfg.CronTickTimeout, cfg.CronWatchdogThreshold)
	heart.Register(
		automation.NewApprovalScan(eventLog, proj, projStore, logger, approvalStaleAfter, cfg.CronBatchLimit),
		automation.NewRunScan(eventLog, proj, projStore, logger, runStuckAfter, cfg.CronBatchLimit),
		lifecycle,
		automation.NewRateWindowPrune(rateStore, rateWindowKeep),
	)

	dispatcher := outbox.NewDispatcher(db, outboxStore, dlqStore, eventLog, proj, logger,
		outboxWorkers, outboxBatch, outboxTick)
	promotion := automation.NewPromotion(eventLog, proj, projStore, logger)
	dispatcher.Register(automation.HandlerPromotion, promotion.Handle)
	dispatcher.Register(automation.HandlerLifecycle, lifecycle.HandleRunOutcome)

	go heart.Run(ctx)
	go dispatcher.Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("loomd listening", "port", cfg.Port, "enforcement_mode", cfg.EnforcementMode,
		"promotion_loop", cfg.PromotionLoopEnabled, "redis", rdb != nil)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
	logger.Info("loomd stopped")
}
