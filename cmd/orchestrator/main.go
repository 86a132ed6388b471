// Command orchestrator runs the call orchestration service: the versioned
// call store, the transition engine, the provider webhook gateway, the
// dispatch scheduler, and the evidence assembly loop behind one HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/callmonitor-labs/orchestrator/pkg/artifacts"
	"github.com/callmonitor-labs/orchestrator/pkg/audit"
	"github.com/callmonitor-labs/orchestrator/pkg/capability"
	"github.com/callmonitor-labs/orchestrator/pkg/config"
	"github.com/callmonitor-labs/orchestrator/pkg/dedup"
	"github.com/callmonitor-labs/orchestrator/pkg/engine"
	"github.com/callmonitor-labs/orchestrator/pkg/evidence"
	"github.com/callmonitor-labs/orchestrator/pkg/observability"
	"github.com/callmonitor-labs/orchestrator/pkg/provider"
	"github.com/callmonitor-labs/orchestrator/pkg/scheduler"
	"github.com/callmonitor-labs/orchestrator/pkg/server"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
	"github.com/callmonitor-labs/orchestrator/pkg/translation"
	"github.com/callmonitor-labs/orchestrator/pkg/webhook"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "call-orchestrator",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	callStore, err := store.NewCallStore(db)
	if err != nil {
		return err
	}

	auditLog := audit.NewLogger()

	gate := buildGate(cfg)
	machine := engine.NewMachine(gate)
	translator := translation.NewManager()

	dispatcher, err := buildDispatcher(cfg, log)
	if err != nil {
		return err
	}

	resolver, err := buildResolver(ctx, cfg)
	if err != nil {
		return err
	}

	assembler := evidence.NewAssembler(callStore, resolver, auditLog, log)
	go assembler.Run(ctx, cfg.AssemblyInterval)

	orch := engine.NewOrchestrator(callStore, machine, translator, dispatcher, assembler, auditLog, log)
	assembler.WithReplayer(orch)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, dedup cache falls through to the store", "addr", cfg.RedisAddr, "error", err)
		}
	}
	deduplicator := dedup.New(callStore, redisClient, cfg.DedupWindow, log)
	go deduplicator.RunRetention(ctx, callStore, cfg.DedupWindow)

	parser, err := webhook.NewParser()
	if err != nil {
		return err
	}
	gateway := webhook.NewGateway(webhook.NewVerifier(cfg.WebhookSecret), parser, deduplicator, orch, callStore, log)

	sched := scheduler.New(callStore, orch, auditLog, scheduler.Config{
		Interval:   cfg.SchedulerInterval,
		StaleAfter: cfg.SchedulerStaleAfter,
		BatchSize:  scheduler.DefaultConfig.BatchSize,
	}, log)
	go sched.Run(ctx)

	calls := server.NewCallService(orch, callStore, sched, cfg.SchedulerTickSecret)

	opts := server.DefaultOptions()
	opts.JWTSecret = cfg.JWTSecret
	opts.Metrics = obs
	handler := server.New(calls, gateway, opts, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator listening", "port", cfg.Port, "database", cfg.DatabasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildGate prefers the external capability collaborator and falls back to
// the local plan catalog, where unknown orgs resolve to the free plan.
func buildGate(cfg *config.Config) capability.Gate {
	if cfg.CapabilityServiceURL != "" {
		return capability.NewHTTPGate(cfg.CapabilityServiceURL)
	}
	return capability.NewPlanGate(capability.NewStaticPlanResolver(nil))
}

func buildDispatcher(cfg *config.Config, log *slog.Logger) (provider.Dispatcher, error) {
	profiles, err := config.LoadProviderProfiles(cfg.ProviderProfilePath)
	if err != nil {
		return nil, err
	}
	profile, err := profiles.Get("")
	if err != nil {
		return nil, err
	}
	return provider.NewHTTPDispatcher(profile, log), nil
}

// buildResolver returns the S3 artifact resolver, or the in-memory one when
// no bucket is configured so evidence assembly still completes in dev setups.
func buildResolver(ctx context.Context, cfg *config.Config) (artifacts.Resolver, error) {
	if cfg.ArtifactBucket == "" {
		return artifacts.NewMemoryResolver(), nil
	}
	return artifacts.NewS3Resolver(ctx, artifacts.S3Config{
		Bucket:   cfg.ArtifactBucket,
		Region:   cfg.ArtifactRegion,
		Endpoint: cfg.ArtifactEndpoint,
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}
