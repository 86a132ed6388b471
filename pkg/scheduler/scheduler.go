// Package scheduler promotes queued calls to dispatch when their scheduled
// time arrives, and fails calls the platform missed by more than the staleness
// threshold. Multiple instances may scan concurrently; the store's version CAS
// guarantees one winner per call.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/audit"
	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
)

// Submitter is the engine-facing write path.
type Submitter interface {
	Submit(ctx context.Context, ev call.Event) (*call.Call, error)
}

// Config tunes the scan loop.
type Config struct {
	// Interval between scans.
	Interval time.Duration
	// StaleAfter is how far past its scheduled time a queued call may be
	// found before it is failed instead of dispatched.
	StaleAfter time.Duration
	// BatchSize bounds how many due calls one scan picks up.
	BatchSize int
}

// DefaultConfig matches the platform's one-minute scheduling granularity.
var DefaultConfig = Config{
	Interval:   15 * time.Second,
	StaleAfter: 5 * time.Minute,
	BatchSize:  100,
}

// Scheduler scans for due calls and drives them into dispatch.
type Scheduler struct {
	store  *store.CallStore
	engine Submitter
	audit  audit.Logger
	cfg    Config
	log    *slog.Logger
	clock  func() time.Time
}

// New creates a scheduler.
func New(s *store.CallStore, engine Submitter, auditLog audit.Logger, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	return &Scheduler{store: s, engine: engine, audit: auditLog, cfg: cfg, log: log, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run scans on the configured interval until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.log.Error("scheduler scan failed", "error", err)
			}
		}
	}
}

// Scan picks up due calls once. Also reachable through the internal tick
// endpoint so operators can force a scan.
func (s *Scheduler) Scan(ctx context.Context) error {
	now := s.clock().UTC()
	due, err := s.store.DueScheduled(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, c := range due {
		if now.Sub(*c.ScheduledAt) > s.cfg.StaleAfter {
			s.failMissed(ctx, c, now)
			continue
		}
		s.dispatch(ctx, c, now)
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, c *call.Call, now time.Time) {
	_, err := s.engine.Submit(ctx, call.Event{
		Kind:       call.EventScheduledDispatch,
		CallID:     c.ID,
		OccurredAt: now,
	})
	if err != nil {
		// A concurrent scan already moved the call. Nothing to do.
		if call.RejectionOf(err) != nil {
			s.log.Debug("dispatch lost to concurrent scan", "call_id", c.ID, "error", err)
			return
		}
		s.log.Error("scheduled dispatch failed", "call_id", c.ID, "error", err)
	}
}

// failMissed fails a queued call found too long after its scheduled time,
// rather than placing a call the customer no longer expects.
func (s *Scheduler) failMissed(ctx context.Context, c *call.Call, now time.Time) {
	next := c.Clone()
	next.State = call.StateFailed
	next.FailureReason = call.FailureMissedSchedule
	next.Version = c.Version + 1
	next.UpdatedAt = now

	if err := s.store.UpdateState(ctx, c.Version, next); err != nil {
		if !errors.Is(err, call.ErrStaleVersion) {
			s.log.Error("failed to mark missed schedule", "call_id", c.ID, "error", err)
		}
		return
	}

	_ = s.audit.Record(ctx, audit.Event{
		OrgID:    c.OrgID,
		Type:     audit.EventFailure,
		Action:   "missed_schedule",
		Resource: "calls/" + c.ID,
		Before:   audit.Snapshot(c),
		After:    audit.Snapshot(next),
		Metadata: map[string]any{
			"scheduled_at": c.ScheduledAt.UTC().Format(time.RFC3339),
			"found_at":     now.Format(time.RFC3339),
		},
	})
	s.log.Warn("queued call missed its schedule",
		"call_id", c.ID, "scheduled_at", c.ScheduledAt, "found_at", now)
}
