// Package config loads the orchestrator's runtime configuration from the
// environment and the telephony provider profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the SQLite database file.
	DatabasePath string

	// RedisAddr enables the dedup cache when set.
	RedisAddr string
	// DedupWindow bounds how long dedup marks stay cached.
	DedupWindow time.Duration

	// JWTSecret signs operator API tokens.
	JWTSecret string
	// WebhookSecret signs provider callback deliveries.
	WebhookSecret string
	// SchedulerTickSecret authenticates the internal tick endpoint.
	SchedulerTickSecret string

	// ProviderProfilePath is the telephony provider profile YAML.
	ProviderProfilePath string

	// CapabilityServiceURL enables the external capability gate when set;
	// empty falls back to the local plan catalog.
	CapabilityServiceURL string

	// ArtifactBucket and ArtifactRegion configure the S3 artifact resolver.
	// An empty bucket disables artifact existence checks.
	ArtifactBucket   string
	ArtifactRegion   string
	ArtifactEndpoint string

	// SchedulerInterval and SchedulerStaleAfter tune the dispatch scan.
	SchedulerInterval   time.Duration
	SchedulerStaleAfter time.Duration

	// AssemblyInterval tunes the evidence retry loop.
	AssemblyInterval time.Duration

	// OTLPEndpoint enables trace/metric export when set.
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:                 envOr("PORT", "8080"),
		LogLevel:             envOr("LOG_LEVEL", "INFO"),
		DatabasePath:         envOr("DATABASE_PATH", "orchestrator.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		DedupWindow:          envDuration("DEDUP_WINDOW", 24*time.Hour),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		SchedulerTickSecret:  os.Getenv("SCHEDULER_TICK_SECRET"),
		ProviderProfilePath:  envOr("PROVIDER_PROFILE_PATH", "providers.yaml"),
		CapabilityServiceURL: os.Getenv("CAPABILITY_SERVICE_URL"),
		ArtifactBucket:       os.Getenv("ARTIFACT_BUCKET"),
		ArtifactRegion:       envOr("ARTIFACT_REGION", "us-east-1"),
		ArtifactEndpoint:     os.Getenv("ARTIFACT_ENDPOINT"),
		SchedulerInterval:    envDuration("SCHEDULER_INTERVAL", 15*time.Second),
		SchedulerStaleAfter:  envDuration("SCHEDULER_STALE_AFTER", 5*time.Minute),
		AssemblyInterval:     envDuration("ASSEMBLY_INTERVAL", 2*time.Second),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Accept bare seconds for operator convenience.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
