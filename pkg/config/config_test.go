package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DatabasePath != "orchestrator.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.DedupWindow != 24*time.Hour {
		t.Errorf("DedupWindow = %v", cfg.DedupWindow)
	}
	if cfg.SchedulerInterval != 15*time.Second {
		t.Errorf("SchedulerInterval = %v", cfg.SchedulerInterval)
	}
	if cfg.SchedulerStaleAfter != 5*time.Minute {
		t.Errorf("SchedulerStaleAfter = %v", cfg.SchedulerStaleAfter)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "s1")
	t.Setenv("SCHEDULER_INTERVAL", "30s")

	cfg := Load()
	if cfg.Port != "9090" || cfg.LogLevel != "DEBUG" {
		t.Errorf("Port/LogLevel = %q/%q", cfg.Port, cfg.LogLevel)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.JWTSecret != "s1" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if cfg.SchedulerInterval != 30*time.Second {
		t.Errorf("SchedulerInterval = %v", cfg.SchedulerInterval)
	}
}

func TestEnvDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("SCHEDULER_STALE_AFTER", "120")

	cfg := Load()
	if cfg.SchedulerStaleAfter != 2*time.Minute {
		t.Errorf("SchedulerStaleAfter = %v, want 2m", cfg.SchedulerStaleAfter)
	}
}

func TestEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("DEDUP_WINDOW", "not-a-duration")

	cfg := Load()
	if cfg.DedupWindow != 24*time.Hour {
		t.Errorf("DedupWindow = %v, want 24h", cfg.DedupWindow)
	}
}
