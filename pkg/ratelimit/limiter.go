// Package ratelimit enforces the hierarchical request limits: per-agent per
// minute and per hour, per-experiment per hour, global per minute, and a
// separate heartbeat tier. Windows are fixed and durable; a Redis hot tier
// absorbs the per-minute counters when configured, with Postgres as the
// authoritative fallback.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/pkg/store"
)

// Scope names one limit tier; rejections carry it so callers can report
// which tier fired.
type Scope string

const (
	ScopeAgentMinute     Scope = "agent_per_minute"
	ScopeAgentHour       Scope = "agent_per_hour"
	ScopeExperimentHour  Scope = "experiment_per_hour"
	ScopeGlobalMinute    Scope = "global_per_minute"
	ScopeHeartbeatMinute Scope = "heartbeat_per_minute"
)

// Limits carries the ceiling per tier; zero disables a tier.
type Limits struct {
	AgentPerMinute     int
	AgentPerHour       int
	ExperimentPerHour  int
	GlobalPerMinute    int
	HeartbeatPerMinute int
}

// DefaultLimits are the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		AgentPerMinute:     60,
		AgentPerHour:       1200,
		ExperimentPerHour:  600,
		GlobalPerMinute:    600,
		HeartbeatPerMinute: 30,
	}
}

// RejectedError reports which tier rejected the request.
type RejectedError struct {
	Scope Scope
	Limit int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limited on %s (limit %d)", e.Scope, e.Limit)
}

// Limiter evaluates the tiers in cheapest-first order: the in-process token
// bucket, then Redis (when wired), then the durable Postgres windows.
type Limiter struct {
	store  *store.RateLimitStore
	redis  *redis.Client
	local  *rate.Limiter
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// New builds a limiter. rdb may be nil; the Postgres windows then carry
// every tier alone.
func New(st *store.RateLimitStore, rdb *redis.Client, limits Limits, logger *slog.Logger) *Limiter {
	var local *rate.Limiter
	if limits.GlobalPerMinute > 0 {
		local = rate.NewLimiter(rate.Limit(float64(limits.GlobalPerMinute)/60), limits.GlobalPerMinute)
	}
	return &Limiter{
		store:  st,
		redis:  rdb,
		local:  local,
		limits: limits,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Allow checks every tier that applies to a mutation. experimentID may be
// empty. Idempotent replays must be resolved before calling Allow; replays
// bypass the limiter entirely.
func (l *Limiter) Allow(ctx context.Context, workspaceID, agentID, experimentID string) error {
	if l.local != nil && !l.local.Allow() {
		return &RejectedError{Scope: ScopeGlobalMinute, Limit: l.limits.GlobalPerMinute}
	}
	now := l.now()
	if err := l.check(ctx, ScopeAgentMinute, workspaceID+":"+agentID, l.limits.AgentPerMinute, now.Truncate(time.Minute), time.Minute); err != nil {
		return err
	}
	if err := l.check(ctx, ScopeAgentHour, workspaceID+":"+agentID, l.limits.AgentPerHour, now.Truncate(time.Hour), time.Hour); err != nil {
		return err
	}
	if experimentID != "" {
		if err := l.check(ctx, ScopeExperimentHour, workspaceID+":"+experimentID, l.limits.ExperimentPerHour, now.Truncate(time.Hour), time.Hour); err != nil {
			return err
		}
	}
	return nil
}

// AllowHeartbeat checks the heartbeat tier only.
func (l *Limiter) AllowHeartbeat(ctx context.Context, workspaceID, agentID string) error {
	now := l.now()
	return l.check(ctx, ScopeHeartbeatMinute, workspaceID+":"+agentID, l.limits.HeartbeatPerMinute, now.Truncate(time.Minute), time.Minute)
}

func (l *Limiter) check(ctx context.Context, scope Scope, key string, limit int, windowStart time.Time, window time.Duration) error {
	if limit <= 0 {
		return nil
	}
	count, err := l.count(ctx, scope, key, windowStart, window)
	if err != nil {
		// Fail open on counter errors: availability of the write path wins
		// over strict limiting, the durable window catches up next request.
		l.logger.Warn("rate limit counter unavailable", "scope", scope, "error", err)
		return nil
	}
	if count > limit {
		return &RejectedError{Scope: scope, Limit: limit}
	}
	return nil
}

func (l *Limiter) count(ctx context.Context, scope Scope, key string, windowStart time.Time, window time.Duration) (int, error) {
	if l.redis != nil && window <= time.Minute {
		return l.redisCount(ctx, scope, key, windowStart, window)
	}
	return l.store.Incr(ctx, string(scope), key, windowStart)
}

// redisCount maintains a per-window counter with INCR plus a TTL set on
// first touch, the usual fixed-window idiom.
func (l *Limiter) redisCount(ctx context.Context, scope Scope, key string, windowStart time.Time, window time.Duration) (int, error) {
	rkey := fmt.Sprintf("rl:%s:%s:%d", scope, key, windowStart.Unix())
	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Observe records a request outcome for flood detection and reports whether
// the consecutive-rejection streak just crossed threshold (and is not
// muted). The caller opens the agent_flooding incident and calls Mute.
func (l *Limiter) Observe(ctx context.Context, workspaceID, agentID string, rejected bool, threshold int) (flood bool, err error) {
	key := workspaceID + ":" + agentID
	now := l.now()
	streak, err := l.store.Streak(ctx, key, rejected, now)
	if err != nil {
		return false, err
	}
	if !rejected || streak < threshold {
		return false, nil
	}
	muted, err := l.store.Muted(ctx, key, now)
	if err != nil {
		return false, err
	}
	return !muted, nil
}

// Mute suppresses further flood incidents for the agent for muteFor.
func (l *Limiter) Mute(ctx context.Context, workspaceID, agentID string, muteFor time.Duration) error {
	return l.store.Mute(ctx, workspaceID+":"+agentID, l.now().Add(muteFor))
}
