// Package engine implements the call orchestration state machine: a pure
// transition function over the closed event set, and the orchestrator that
// commits accepted transitions through the call store and executes their
// side effects.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/capability"
)

// EffectKind names a side effect the orchestrator must execute after an
// accepted transition commits.
type EffectKind string

const (
	// EffectEnqueueDispatch asks the orchestrator to submit the dispatch
	// event immediately (calls created without a scheduled time).
	EffectEnqueueDispatch EffectKind = "enqueue_dispatch"
	// EffectDispatchProvider invokes the telephony provider.
	EffectDispatchProvider EffectKind = "dispatch_provider"
	EffectOpenTranslation  EffectKind = "open_translation"
	EffectCloseTranslation EffectKind = "close_translation"
	// EffectReplayBuffered replays early media/transcript events held while
	// the call was still live, in their original arrival order.
	EffectReplayBuffered   EffectKind = "replay_buffered"
	EffectAssembleEvidence EffectKind = "assemble_evidence"
)

// Effect is one ordered side effect of an accepted transition.
type Effect struct {
	Kind EffectKind
}

// Outcome is the result of an accepted transition. Buffer set means the event
// was legal but early: it must be held and replayed after the call completes,
// with no state change now.
type Outcome struct {
	Next    *call.Call
	Effects []Effect
	Buffer  bool
	// Denied lists plan-gated side effects that were refused by the
	// capability gate. The transition itself still commits.
	Denied []capability.Capability
}

// Machine evaluates transitions. The capability gate is the only collaborator
// consulted inside the transition function, and only for plan-gated actions.
type Machine struct {
	Gate capability.Gate
}

// NewMachine creates a Machine using the given capability gate.
func NewMachine(gate capability.Gate) *Machine {
	return &Machine{Gate: gate}
}

// Transition computes (next state, side effects) for (cur, ev), or a
// call.Rejection. cur is nil only for ManualCreate. The returned snapshot has
// its version incremented; persistence (and the version CAS) belongs to the
// caller.
func (m *Machine) Transition(ctx context.Context, cur *call.Call, ev call.Event, now time.Time) (*Outcome, error) {
	switch ev.Kind {
	case call.EventManualCreate:
		return m.create(ctx, cur, ev, now)
	case call.EventScheduledDispatch:
		return m.dispatch(cur, ev, now)
	case call.EventProviderStatus:
		return m.providerStatus(ctx, cur, ev, now)
	case call.EventProviderMedia, call.EventTranscriptReady:
		return m.reference(cur, ev, now)
	case call.EventManualCancel:
		return m.cancel(cur, ev, now)
	default:
		return nil, call.Reject(call.RejectIllegalTransition, "unknown event kind %q", ev.Kind)
	}
}

func (m *Machine) create(ctx context.Context, cur *call.Call, ev call.Event, now time.Time) (*Outcome, error) {
	if cur != nil {
		return nil, call.Reject(call.RejectIllegalTransition, "call %s already exists", cur.ID)
	}
	p := ev.Create
	if p == nil {
		return nil, call.Reject(call.RejectIllegalTransition, "manual_create missing payload")
	}
	if len(p.Targets) == 0 {
		return nil, call.Reject(call.RejectIllegalTransition, "call requires at least one target")
	}
	if err := p.Translation.Validate(); err != nil {
		return nil, call.Reject(call.RejectIllegalTransition, "invalid translation config: %v", err)
	}

	// Recording and transcription are plan-gated at creation and denied
	// synchronously. Translation is re-checked when the session would open,
	// since entitlement can change between scheduling and dispatch.
	if p.Record {
		if err := m.require(ctx, p.OrgID, capability.CapabilityRecord); err != nil {
			return nil, err
		}
	}
	if p.Transcribe {
		if err := m.require(ctx, p.OrgID, capability.CapabilityTranscribe); err != nil {
			return nil, err
		}
	}

	next := &call.Call{
		ID:          p.CallID,
		OrgID:       p.OrgID,
		Targets:     append([]string(nil), p.Targets...),
		Version:     1,
		Record:      p.Record,
		Transcribe:  p.Transcribe,
		Translation: p.Translation,
		ScheduledAt: p.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if p.ScheduledAt != nil && p.ScheduledAt.After(now) {
		next.State = call.StateQueued
		return &Outcome{Next: next}, nil
	}
	next.State = call.StateCreated
	return &Outcome{Next: next, Effects: []Effect{{Kind: EffectEnqueueDispatch}}}, nil
}

func (m *Machine) dispatch(cur *call.Call, ev call.Event, now time.Time) (*Outcome, error) {
	if cur == nil {
		return nil, call.Reject(call.RejectIllegalTransition, "dispatch for unknown call")
	}
	switch cur.State {
	case call.StateCreated:
		// Immediate dispatch right after creation.
	case call.StateQueued:
		// Sanity only: the scheduler owns the real due check.
		if cur.ScheduledAt != nil && cur.ScheduledAt.After(now) {
			return nil, call.Reject(call.RejectIllegalTransition,
				"call %s not due until %s", cur.ID, cur.ScheduledAt.Format(time.RFC3339))
		}
	default:
		return nil, call.Reject(call.RejectIllegalTransition,
			"dispatch not legal from %s", cur.State)
	}

	next := advance(cur, call.StateDispatched, now)
	return &Outcome{Next: next, Effects: []Effect{{Kind: EffectDispatchProvider}}}, nil
}

func (m *Machine) providerStatus(ctx context.Context, cur *call.Call, ev call.Event, now time.Time) (*Outcome, error) {
	if cur == nil {
		return nil, call.Reject(call.RejectIllegalTransition, "status for unknown call")
	}
	p := ev.Status
	if p == nil {
		return nil, call.Reject(call.RejectIllegalTransition, "provider_status_changed missing payload")
	}

	switch {
	case p.Status.Live():
		if cur.State != call.StateDispatched {
			return nil, call.Reject(call.RejectIllegalTransition,
				"status %q not legal from %s", p.Status, cur.State)
		}
		next := advance(cur, call.StateInProgress, now)
		out := &Outcome{Next: next}
		if cur.Translation != nil {
			allowed, err := m.Gate.Has(ctx, cur.OrgID, capability.CapabilityTranslate)
			if err != nil {
				return nil, fmt.Errorf("capability gate unavailable: %w", err)
			}
			if allowed {
				out.Effects = append(out.Effects, Effect{Kind: EffectOpenTranslation})
			} else {
				// The call proceeds without the gated sub-session.
				out.Denied = append(out.Denied, capability.CapabilityTranslate)
			}
		}
		return out, nil

	case p.Status == call.StatusCompleted:
		if cur.State != call.StateDispatched && cur.State != call.StateInProgress {
			return nil, call.Reject(call.RejectIllegalTransition,
				"status %q not legal from %s", p.Status, cur.State)
		}
		next := advance(cur, call.StateCompleted, now)
		effects := []Effect{}
		if cur.Translation != nil {
			effects = append(effects, Effect{Kind: EffectCloseTranslation})
		}
		effects = append(effects,
			Effect{Kind: EffectReplayBuffered},
			Effect{Kind: EffectAssembleEvidence})
		return &Outcome{Next: next, Effects: effects}, nil

	case p.Status.Terminal():
		// busy / no-answer / failed
		if cur.State != call.StateDispatched && cur.State != call.StateInProgress {
			return nil, call.Reject(call.RejectIllegalTransition,
				"status %q not legal from %s", p.Status, cur.State)
		}
		next := advance(cur, call.StateFailed, now)
		next.FailureReason = p.Status.FailureReason()
		var effects []Effect
		if cur.Translation != nil {
			effects = append(effects, Effect{Kind: EffectCloseTranslation})
		}
		return &Outcome{Next: next, Effects: effects}, nil

	default:
		return nil, call.Reject(call.RejectIllegalTransition, "unknown provider status %q", p.Status)
	}
}

func (m *Machine) reference(cur *call.Call, ev call.Event, now time.Time) (*Outcome, error) {
	if cur == nil {
		return nil, call.Reject(call.RejectIllegalTransition, "reference event for unknown call")
	}

	if cur.State.Terminal() {
		return nil, call.Reject(call.RejectLateEvent,
			"%s arrived after terminal state %s", ev.Kind, cur.State)
	}
	if !cur.State.AtOrPastCompleted() {
		// Early arrival: hold until the call completes, then replay.
		return &Outcome{Buffer: true}, nil
	}

	next := advance(cur, cur.State, now)
	switch ev.Kind {
	case call.EventProviderMedia:
		if ev.Media == nil {
			return nil, call.Reject(call.RejectIllegalTransition, "provider_media_ready missing payload")
		}
		next.RecordingRef = ev.Media.RecordingRef
	case call.EventTranscriptReady:
		if ev.Transcript == nil {
			return nil, call.Reject(call.RejectIllegalTransition, "transcription_ready missing payload")
		}
		next.TranscriptRef = ev.Transcript.TranscriptRef
	}
	if ev.Replay {
		// Replays run under a completion or deferred-assembly pass that
		// triggers assembly once, after the whole buffer drains. Triggering
		// per replayed event could seal the manifest before later buffered
		// references land.
		return &Outcome{Next: next}, nil
	}
	return &Outcome{Next: next, Effects: []Effect{{Kind: EffectAssembleEvidence}}}, nil
}

func (m *Machine) cancel(cur *call.Call, ev call.Event, now time.Time) (*Outcome, error) {
	if cur == nil {
		return nil, call.Reject(call.RejectIllegalTransition, "cancel for unknown call")
	}
	if cur.State != call.StateCreated && cur.State != call.StateQueued {
		return nil, call.Reject(call.RejectIllegalTransition,
			"cancel not legal from %s", cur.State)
	}
	next := advance(cur, call.StateCanceled, now)
	return &Outcome{Next: next}, nil
}

func (m *Machine) require(ctx context.Context, orgID string, c capability.Capability) error {
	allowed, err := m.Gate.Has(ctx, orgID, c)
	if err != nil {
		return fmt.Errorf("capability gate unavailable: %w", err)
	}
	if !allowed {
		return call.Reject(call.RejectCapabilityDenied, "org %s lacks capability %q", orgID, c)
	}
	return nil
}

// advance clones cur into the next state with the version incremented.
func advance(cur *call.Call, state call.State, now time.Time) *call.Call {
	next := cur.Clone()
	next.State = state
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return next
}
