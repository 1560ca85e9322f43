package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "enforce", cfg.EnforcementMode)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatMinInterval)
	assert.Equal(t, 3, cfg.RateLimitStreakThreshold)
	assert.True(t, cfg.PromotionLoopEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLICY_ENFORCEMENT_MODE", "shadow")
	t.Setenv("EGRESS_MAX_REQUESTS_PER_HOUR", "2")
	t.Setenv("HEARTBEAT_MIN_INTERVAL_SEC", "11")
	t.Setenv("POLICY_KILL_SWITCH_EXTERNAL_WRITE", "true")
	t.Setenv("PROMOTION_LOOP_ENABLED", "false")

	cfg := Load()
	assert.Equal(t, "shadow", cfg.EnforcementMode)
	assert.Equal(t, 2, cfg.EgressMaxPerHour)
	assert.Equal(t, 11*time.Second, cfg.HeartbeatMinInterval)
	assert.True(t, cfg.KillSwitchExternalWrite)
	assert.False(t, cfg.PromotionLoopEnabled)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("EGRESS_MAX_REQUESTS_PER_HOUR", "lots")
	cfg := Load()
	assert.Equal(t, 50, cfg.EgressMaxPerHour)
}
