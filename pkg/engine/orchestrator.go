package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/audit"
	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/provider"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
	"github.com/callmonitor-labs/orchestrator/pkg/translation"
)

// maxApplyRetries bounds the re-read/re-decide loop when a concurrent worker
// wins the version CAS.
const maxApplyRetries = 3

// EvidenceAssembler triggers manifest assembly for a call. Satisfied by
// *evidence.Assembler.
type EvidenceAssembler interface {
	Assemble(ctx context.Context, callID string) error
}

// Orchestrator commits accepted transitions through the call store and
// executes their side effects in order. It is the single write path for call
// state; the webhook gateway, the scheduler, and the API all submit events
// through it.
type Orchestrator struct {
	store      *store.CallStore
	machine    *Machine
	translator *translation.Manager
	dispatcher provider.Dispatcher
	assembler  EvidenceAssembler
	audit      audit.Logger
	log        *slog.Logger
	clock      func() time.Time
}

// NewOrchestrator wires the orchestrator. dispatcher and assembler may be nil
// in tests; the matching effects then become no-ops.
func NewOrchestrator(s *store.CallStore, m *Machine, tm *translation.Manager,
	d provider.Dispatcher, ea EvidenceAssembler, auditLog audit.Logger, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger()
	}
	if tm == nil {
		tm = translation.NewManager()
	}
	return &Orchestrator{
		store:      s,
		machine:    m,
		translator: tm,
		dispatcher: d,
		assembler:  ea,
		audit:      auditLog,
		log:        log,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Get returns the current snapshot of a call.
func (o *Orchestrator) Get(ctx context.Context, callID string) (*call.Call, error) {
	return o.store.Get(ctx, callID)
}

// Translator exposes the translation session manager for read access.
func (o *Orchestrator) Translator() *translation.Manager {
	return o.translator
}

// Submit evaluates the event against the current snapshot, commits the
// accepted transition, and executes its side effects. A lost version CAS is
// retried against the fresh snapshot a bounded number of times; a duplicate
// source event returns the current snapshot with no error, since the work it
// asked for is already done.
func (o *Orchestrator) Submit(ctx context.Context, ev call.Event) (*call.Call, error) {
	now := o.clock().UTC()

	for attempt := 0; attempt < maxApplyRetries; attempt++ {
		cur, err := o.load(ctx, ev)
		if err != nil {
			return nil, err
		}

		outcome, err := o.machine.Transition(ctx, cur, ev, now)
		if err != nil {
			o.auditRejection(ctx, cur, ev, err)
			return nil, err
		}

		if outcome.Buffer {
			if err := o.store.Buffer(ctx, ev); err != nil {
				if errors.Is(err, store.ErrDuplicateEvent) {
					return cur, nil
				}
				return nil, err
			}
			o.log.Info("event buffered until call completes",
				"call_id", ev.CallID, "kind", ev.Kind)
			return cur, nil
		}

		var prevVersion int64
		if cur != nil {
			prevVersion = cur.Version
		}
		if err := o.store.Apply(ctx, prevVersion, outcome.Next, ev); err != nil {
			if errors.Is(err, call.ErrStaleVersion) {
				o.log.Debug("version CAS lost, retrying against fresh snapshot",
					"call_id", ev.CallID, "attempt", attempt)
				continue
			}
			if errors.Is(err, store.ErrDuplicateEvent) {
				return cur, nil
			}
			return nil, err
		}

		o.auditTransition(ctx, cur, outcome, ev)
		o.runEffects(ctx, outcome)
		return outcome.Next, nil
	}

	return nil, call.Reject(call.RejectStaleVersion,
		"call %s: transition retried %d times against concurrent writers", ev.CallID, maxApplyRetries)
}

func (o *Orchestrator) load(ctx context.Context, ev call.Event) (*call.Call, error) {
	cur, err := o.store.Get(ctx, ev.CallID)
	if err == nil {
		return cur, nil
	}
	if errors.Is(err, call.ErrNotFound) {
		if ev.Kind == call.EventManualCreate {
			return nil, nil
		}
		return nil, err
	}
	return nil, err
}

func (o *Orchestrator) runEffects(ctx context.Context, outcome *Outcome) {
	c := outcome.Next
	for _, effect := range outcome.Effects {
		switch effect.Kind {
		case EffectEnqueueDispatch:
			if _, err := o.Submit(ctx, call.Event{
				Kind:       call.EventScheduledDispatch,
				CallID:     c.ID,
				OccurredAt: o.clock().UTC(),
			}); err != nil {
				o.log.Error("immediate dispatch failed", "call_id", c.ID, "error", err)
			}

		case EffectDispatchProvider:
			o.dispatchProvider(ctx, c)

		case EffectOpenTranslation:
			if _, err := o.translator.Open(c.ID, c.Translation.From, c.Translation.To); err != nil {
				if errors.Is(err, translation.ErrAlreadyOpen) {
					continue
				}
				o.log.Error("translation session open failed", "call_id", c.ID, "error", err)
			}

		case EffectCloseTranslation:
			o.translator.Close(c.ID)

		case EffectReplayBuffered:
			o.ReplayBuffered(ctx, c.ID)

		case EffectAssembleEvidence:
			if o.assembler == nil {
				continue
			}
			if err := o.assembler.Assemble(ctx, c.ID); err != nil {
				o.log.Error("evidence assembly failed", "call_id", c.ID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) dispatchProvider(ctx context.Context, c *call.Call) {
	if o.dispatcher == nil {
		return
	}
	sid, err := o.dispatcher.Dispatch(ctx, c)
	if err != nil {
		o.failDispatch(ctx, c, err)
		return
	}
	if err := o.store.SetProviderRef(ctx, c.ID, sid); err != nil {
		o.log.Error("failed to record provider ref", "call_id", c.ID, "error", err)
		return
	}
	o.log.Info("call dispatched to provider", "call_id", c.ID, "provider_ref", sid)
}

// failDispatch moves a dispatched call to failed when the provider refused or
// the retry budget ran out. A lost CAS means someone else already moved the
// call, which is fine.
func (o *Orchestrator) failDispatch(ctx context.Context, c *call.Call, cause error) {
	next := c.Clone()
	next.State = call.StateFailed
	next.FailureReason = call.FailureDispatchError
	next.Version = c.Version + 1
	next.UpdatedAt = o.clock().UTC()

	if err := o.store.UpdateState(ctx, c.Version, next); err != nil {
		if !errors.Is(err, call.ErrStaleVersion) {
			o.log.Error("failed to mark dispatch failure", "call_id", c.ID, "error", err)
		}
		return
	}
	_ = o.audit.Record(ctx, audit.Event{
		OrgID:    c.OrgID,
		Type:     audit.EventFailure,
		Action:   "dispatch_failed",
		Resource: "calls/" + c.ID,
		Before:   audit.Snapshot(c),
		After:    audit.Snapshot(next),
		Metadata: map[string]any{"error": cause.Error()},
	})
	o.log.Error("provider dispatch failed", "call_id", c.ID, "error", cause)
}

// ReplayBuffered re-submits events held during the live phase, in arrival
// order. Their dedup marks committed when they were buffered, so the source id
// is cleared before resubmission and the event is flagged as a replay. Each
// row is removed only after its replay committed or was definitively
// rejected; a transient failure keeps the remainder durable for the next
// assembly pass.
func (o *Orchestrator) ReplayBuffered(ctx context.Context, callID string) {
	buffered, err := o.store.PeekBuffered(ctx, callID)
	if err != nil {
		o.log.Error("failed to read buffered events", "call_id", callID, "error", err)
		return
	}
	for _, b := range buffered {
		ev := b.Event
		ev.SourceID = ""
		ev.Replay = true
		if _, err := o.Submit(ctx, ev); err != nil {
			if call.RejectionOf(err) == nil {
				o.log.Error("buffered event replay failed, keeping remainder",
					"call_id", callID, "kind", ev.Kind, "error", err)
				return
			}
			o.log.Warn("buffered event rejected on replay",
				"call_id", callID, "kind", ev.Kind, "error", err)
		}
		if err := o.store.RemoveBuffered(ctx, callID, b.Arrival); err != nil {
			o.log.Error("failed to remove replayed buffered event",
				"call_id", callID, "arrival", b.Arrival, "error", err)
			return
		}
	}
}

func (o *Orchestrator) auditTransition(ctx context.Context, before *call.Call, outcome *Outcome, ev call.Event) {
	next := outcome.Next
	meta := map[string]any{"event": string(ev.Kind)}
	if ev.SourceID != "" {
		meta["source_id"] = ev.SourceID
	}
	if len(outcome.Denied) > 0 {
		meta["denied_capabilities"] = outcome.Denied
	}
	_ = o.audit.Record(ctx, audit.Event{
		OrgID:    next.OrgID,
		Type:     audit.EventTransition,
		Action:   string(ev.Kind),
		Resource: "calls/" + next.ID,
		Before:   audit.Snapshot(before),
		After:    audit.Snapshot(next),
		Metadata: meta,
	})

	// A call created with recording on also leaves an intent row, so the
	// trail shows who asked for the recording before any media exists.
	if ev.Kind == call.EventManualCreate && next.Record {
		_ = o.audit.Record(ctx, audit.Event{
			OrgID:    next.OrgID,
			Type:     audit.EventIntent,
			Action:   "recording_requested",
			Resource: "calls/" + next.ID,
			After:    audit.Snapshot(next),
			Metadata: map[string]any{"targets": len(next.Targets)},
		})
	}
}

func (o *Orchestrator) auditRejection(ctx context.Context, cur *call.Call, ev call.Event, err error) {
	r := call.RejectionOf(err)
	if r == nil {
		return
	}
	var orgID string
	if cur != nil {
		orgID = cur.OrgID
	} else if ev.Create != nil {
		orgID = ev.Create.OrgID
	}
	_ = o.audit.Record(ctx, audit.Event{
		OrgID:    orgID,
		Type:     audit.EventRejection,
		Action:   string(ev.Kind),
		Resource: "calls/" + ev.CallID,
		Before:   audit.Snapshot(cur),
		Metadata: map[string]any{"code": string(r.Code), "detail": r.Detail},
	})
}
