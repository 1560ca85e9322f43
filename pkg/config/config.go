// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration. Every field maps to one recognized
// environment variable.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// Auth
	SessionSecret string
	SessionTTL    time.Duration

	// Policy
	EnforcementMode         string // enforce | shadow
	KillSwitchExternalWrite bool
	EgressMaxPerHour        int
	PolicyRulesFile         string

	// Leases
	HeartbeatMinInterval time.Duration

	// Cron
	CronInterval          time.Duration
	CronJitter            time.Duration
	CronBatchLimit        int
	CronTickTimeout       time.Duration
	CronWatchdogThreshold int

	// Automation
	PromotionLoopEnabled bool

	// Rate limits
	RateLimitStreakThreshold int
	RateLimitIncidentMuteSec int

	// Health
	HealthCacheTTL         time.Duration
	HealthErrorCacheTTL    time.Duration
	HealthCronStaleSec     int
	HealthProjectionLagSec int
	HealthDLQBacklogMax    int

	// Secrets & artifacts (external collaborators, referenced by URL only)
	SecretsMasterKey      string
	ArtifactHeadURL       string
	ArtifactUploadBaseURL string
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", "postgres://loom@localhost:5432/loom?sslmode=disable"),
		RedisURL:    os.Getenv("REDIS_URL"),

		SessionSecret: os.Getenv("SESSION_JWT_SECRET"),
		SessionTTL:    secenv("SESSION_TTL_SEC", 24*time.Hour),

		EnforcementMode:         getenv("POLICY_ENFORCEMENT_MODE", "enforce"),
		KillSwitchExternalWrite: boolenv("POLICY_KILL_SWITCH_EXTERNAL_WRITE", false),
		EgressMaxPerHour:        intenv("EGRESS_MAX_REQUESTS_PER_HOUR", 50),
		PolicyRulesFile:         os.Getenv("POLICY_RULES_FILE"),

		HeartbeatMinInterval: secenv("HEARTBEAT_MIN_INTERVAL_SEC", 5*time.Second),

		CronInterval:          secenv("CRON_INTERVAL_SEC", time.Minute),
		CronJitter:            secenv("CRON_JITTER_SEC", 3*time.Second),
		CronBatchLimit:        intenv("CRON_BATCH_LIMIT", 100),
		CronTickTimeout:       secenv("CRON_TICK_TIMEOUT_SEC", 30*time.Second),
		CronWatchdogThreshold: intenv("CRON_WATCHDOG_THRESHOLD", 5),

		PromotionLoopEnabled: boolenv("PROMOTION_LOOP_ENABLED", true),

		RateLimitStreakThreshold: intenv("RATE_LIMIT_STREAK_THRESHOLD", 3),
		RateLimitIncidentMuteSec: intenv("RATE_LIMIT_INCIDENT_MUTE_SEC", 300),

		HealthCacheTTL:         secenv("HEALTH_CACHE_TTL_SEC", 15*time.Second),
		HealthErrorCacheTTL:    secenv("HEALTH_ERROR_CACHE_TTL_SEC", 3*time.Second),
		HealthCronStaleSec:     intenv("HEALTH_CRON_STALE_SEC", 300),
		HealthProjectionLagSec: intenv("HEALTH_PROJECTION_LAG_SEC", 60),
		HealthDLQBacklogMax:    intenv("HEALTH_DLQ_BACKLOG_MAX", 10),

		SecretsMasterKey:      os.Getenv("SECRETS_MASTER_KEY"),
		ArtifactHeadURL:       os.Getenv("ARTIFACT_STORAGE_HEAD_URL"),
		ArtifactUploadBaseURL: os.Getenv("ARTIFACT_UPLOAD_BASE_URL"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolenv(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "on":
		return true
	case "false", "0", "off":
		return false
	}
	return def
}

func secenv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
