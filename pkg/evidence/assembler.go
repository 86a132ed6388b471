package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callmonitor-labs/orchestrator/pkg/artifacts"
	"github.com/callmonitor-labs/orchestrator/pkg/audit"
	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/canonicalize"
	"github.com/callmonitor-labs/orchestrator/pkg/retry"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
)

// ErrManifestMismatch means a re-assembly produced a hash that differs from
// the sealed manifest. This is a consistency violation surfaced to operators,
// never silently overwritten.
var ErrManifestMismatch = errors.New("manifest hash mismatch")

// Replayer drains events buffered during the live phase. Wired to the
// orchestrator so deferred assembly passes pick up references whose first
// replay failed transiently.
type Replayer interface {
	ReplayBuffered(ctx context.Context, callID string)
}

// Assembler drives completed calls through post-processing into finalized,
// deferring until recording/transcript references resolve, within a bounded
// retry budget.
type Assembler struct {
	store    *store.CallStore
	resolver artifacts.Resolver // nil skips existence checks
	replayer Replayer           // nil skips buffer draining
	audit    audit.Logger
	log      *slog.Logger
	policy   retry.Policy
	clock    func() time.Time

	mu       sync.Mutex
	attempts map[string]int
	due      map[string]time.Time
}

// DefaultPolicy bounds assembly retries while references trickle in.
var DefaultPolicy = retry.Policy{BaseMs: 2_000, MaxMs: 60_000, MaxJitterMs: 500, MaxAttempts: 10}

// NewAssembler creates an assembler. resolver may be nil.
func NewAssembler(s *store.CallStore, resolver artifacts.Resolver, auditLog audit.Logger, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger()
	}
	return &Assembler{
		store:    s,
		resolver: resolver,
		audit:    auditLog,
		log:      log,
		policy:   DefaultPolicy,
		clock:    time.Now,
		attempts: make(map[string]int),
		due:      make(map[string]time.Time),
	}
}

// WithPolicy overrides the retry policy.
func (a *Assembler) WithPolicy(p retry.Policy) *Assembler {
	a.policy = p
	return a
}

// WithClock overrides the clock for deterministic testing.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	a.clock = clock
	return a
}

// WithReplayer wires the buffered-event replayer. Set after the orchestrator
// exists; the two reference each other.
func (a *Assembler) WithReplayer(r Replayer) *Assembler {
	a.replayer = r
	return a
}

// Run processes deferred assemblies until the context is canceled. Trigger
// remains usable without Run for deployments that re-drive assembly purely
// from incoming reference events.
func (a *Assembler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range a.takeDue() {
				if err := a.Assemble(ctx, id); err != nil {
					a.log.Error("deferred evidence assembly failed", "call_id", id, "error", err)
				}
			}
		}
	}
}

func (a *Assembler) takeDue() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock()
	var ids []string
	for id, at := range a.due {
		if !at.After(now) {
			ids = append(ids, id)
			delete(a.due, id)
		}
	}
	return ids
}

// Assemble runs one assembly attempt for a call. Idempotent: a finalized
// call is verified against its sealed hash instead of re-assembled.
func (a *Assembler) Assemble(ctx context.Context, callID string) error {
	if a.replayer != nil {
		// Any references still buffered must land before the snapshot below,
		// or a deferred pass could seal without them.
		a.replayer.ReplayBuffered(ctx, callID)
	}
	c, err := a.store.Get(ctx, callID)
	if err != nil {
		return err
	}

	switch c.State {
	case call.StateCompleted:
		next := c.Clone()
		next.State = call.StatePostProcessing
		next.Version = c.Version + 1
		next.UpdatedAt = a.clock().UTC()
		if err := a.store.UpdateState(ctx, c.Version, next); err != nil {
			if errors.Is(err, call.ErrStaleVersion) {
				// Another worker moved the call; re-read and continue from there.
				return a.Assemble(ctx, callID)
			}
			return err
		}
		c = next
	case call.StatePostProcessing:
		// Retry attempt.
	case call.StateFinalized:
		return a.verify(ctx, c)
	default:
		// Nothing to assemble (failed, canceled, still live).
		return nil
	}

	missing, err := a.missingReferences(ctx, c)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return a.deferAssembly(ctx, c, missing)
	}
	return a.seal(ctx, c)
}

// missingReferences returns the reference kinds still unresolved for the
// call's requested modulations.
func (a *Assembler) missingReferences(ctx context.Context, c *call.Call) ([]string, error) {
	var missing []string
	if c.Record {
		ok, err := a.resolved(ctx, c.RecordingRef)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, "recording")
		}
	}
	if c.Transcribe {
		ok, err := a.resolved(ctx, c.TranscriptRef)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, "transcript")
		}
	}
	return missing, nil
}

func (a *Assembler) resolved(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	if a.resolver == nil {
		return true, nil
	}
	return a.resolver.Exists(ctx, ref)
}

func (a *Assembler) deferAssembly(ctx context.Context, c *call.Call, missing []string) error {
	a.mu.Lock()
	attempt := a.attempts[c.ID]
	a.attempts[c.ID] = attempt + 1
	a.mu.Unlock()

	if retry.Exhausted(attempt, a.policy) {
		return a.failIncomplete(ctx, c, missing)
	}

	delay := retry.Backoff(retry.Params{CallID: c.ID, Stage: "evidence_assembly", AttemptIndex: attempt}, a.policy)
	a.mu.Lock()
	a.due[c.ID] = a.clock().Add(delay)
	a.mu.Unlock()

	a.log.Info("evidence assembly deferred",
		"call_id", c.ID, "missing", missing, "attempt", attempt, "retry_in", delay)
	return nil
}

func (a *Assembler) failIncomplete(ctx context.Context, c *call.Call, missing []string) error {
	next := c.Clone()
	next.State = call.StateFailed
	next.FailureReason = call.FailureEvidenceIncomplete
	next.Version = c.Version + 1
	next.UpdatedAt = a.clock().UTC()
	if err := a.store.UpdateState(ctx, c.Version, next); err != nil {
		return err
	}

	a.clearTracking(c.ID)
	_ = a.audit.Record(ctx, audit.Event{
		OrgID:    c.OrgID,
		Type:     audit.EventFailure,
		Action:   "evidence_incomplete",
		Resource: "calls/" + c.ID,
		Before:   audit.Snapshot(c),
		After:    audit.Snapshot(next),
		Metadata: map[string]any{"missing": missing, "attempts": a.policy.MaxAttempts},
	})
	a.log.Error("evidence retry budget exhausted",
		"call_id", c.ID, "missing", missing)
	return nil
}

func (a *Assembler) seal(ctx context.Context, c *call.Call) error {
	timeline, err := a.store.Timeline(ctx, c.ID)
	if err != nil {
		return err
	}

	manifest := NewManifest(uuid.New().String(), c, timeline, a.clock())
	content, hash, err := manifest.Seal()
	if err != nil {
		return fmt.Errorf("manifest seal failed: %w", err)
	}

	next := c.Clone()
	next.State = call.StateFinalized
	next.Version = c.Version + 1
	next.UpdatedAt = a.clock().UTC()

	err = a.store.PutManifest(ctx, next, c.Version, &store.StoredManifest{
		CallID:       c.ID,
		ManifestID:   manifest.ManifestID,
		ManifestHash: hash,
		Content:      content,
		CreatedAt:    a.clock().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrManifestExists) || errors.Is(err, call.ErrStaleVersion) {
			// Lost the race to another assembly; verify its result instead.
			return a.Assemble(ctx, c.ID)
		}
		return err
	}

	a.clearTracking(c.ID)
	_ = a.audit.Record(ctx, audit.Event{
		OrgID:    c.OrgID,
		Type:     audit.EventEvidence,
		Action:   "manifest_sealed",
		Resource: "calls/" + c.ID,
		After:    audit.Snapshot(next),
		Metadata: map[string]any{"manifest_id": manifest.ManifestID, "manifest_hash": hash},
	})
	a.log.Info("evidence manifest sealed", "call_id", c.ID, "manifest_hash", hash)
	return nil
}

// verify recomputes the hash of the sealed content and asserts it matches.
func (a *Assembler) verify(ctx context.Context, c *call.Call) error {
	m, err := a.store.GetManifest(ctx, c.ID)
	if err != nil {
		return err
	}
	recomputed := canonicalize.HashBytes(m.Content)
	if recomputed != m.ManifestHash {
		_ = a.audit.Record(ctx, audit.Event{
			OrgID:    c.OrgID,
			Type:     audit.EventFailure,
			Action:   "manifest_hash_mismatch",
			Resource: "calls/" + c.ID,
			Metadata: map[string]any{"stored": m.ManifestHash, "recomputed": recomputed},
		})
		return fmt.Errorf("%w for call %s: stored %s, recomputed %s",
			ErrManifestMismatch, c.ID, m.ManifestHash, recomputed)
	}
	return nil
}

func (a *Assembler) clearTracking(callID string) {
	a.mu.Lock()
	delete(a.attempts, callID)
	delete(a.due, callID)
	a.mu.Unlock()
}
