// Package call defines the durable call record and the closed event set
// consumed by the orchestration engine.
package call

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a call.
type State string

const (
	StateCreated        State = "created"
	StateQueued         State = "queued"
	StateDispatched     State = "dispatched"
	StateInProgress     State = "in_progress"
	StateCompleted      State = "completed"
	StatePostProcessing State = "post_processing"
	StateFinalized      State = "finalized"
	StateFailed         State = "failed"
	StateCanceled       State = "canceled"
)

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateFinalized, StateFailed, StateCanceled:
		return true
	}
	return false
}

// AtOrPastCompleted reports whether the call has finished its live phase.
func (s State) AtOrPastCompleted() bool {
	switch s {
	case StateCompleted, StatePostProcessing, StateFinalized:
		return true
	}
	return false
}

// Failure reasons recorded on terminal failed calls.
const (
	FailureMissedSchedule     = "MISSED_SCHEDULE"
	FailureEvidenceIncomplete = "EVIDENCE_INCOMPLETE"
	FailureProviderBusy       = "PROVIDER_BUSY"
	FailureProviderNoAnswer   = "PROVIDER_NO_ANSWER"
	FailureProviderError      = "PROVIDER_ERROR"
	FailureDispatchError      = "DISPATCH_ERROR"
)

// TranslationConfig is the language pair for an optional live-translation
// sub-session.
type TranslationConfig struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Validate rejects empty or same-language pairs at write time. The persisted
// columns for this pair have drifted from the code in the past, so the store
// also verifies the schema against these field names on open.
func (tc *TranslationConfig) Validate() error {
	if tc == nil {
		return nil
	}
	if tc.From == "" || tc.To == "" {
		return errors.New("translation config requires both language codes")
	}
	if tc.From == tc.To {
		return fmt.Errorf("translation config maps %q onto itself", tc.From)
	}
	return nil
}

// Call is a single durable call record. Version is a monotonic counter
// incremented on every accepted transition; all writes are compare-and-swap
// on the version that was read.
type Call struct {
	ID            string             `json:"id"`
	OrgID         string             `json:"org_id"`
	Targets       []string           `json:"targets"`
	State         State              `json:"state"`
	Version       int64              `json:"version"`
	Record        bool               `json:"record"`
	Transcribe    bool               `json:"transcribe"`
	Translation   *TranslationConfig `json:"translation,omitempty"`
	ScheduledAt   *time.Time         `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	ProviderRef   string             `json:"provider_ref,omitempty"`   // provider call SID
	RecordingRef  string             `json:"recording_ref,omitempty"`  // set by media-ready event
	TranscriptRef string             `json:"transcript_ref,omitempty"` // set by transcript-ready event
	FailureReason string             `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (c *Call) Clone() *Call {
	dup := *c
	dup.Targets = append([]string(nil), c.Targets...)
	if c.Translation != nil {
		tc := *c.Translation
		dup.Translation = &tc
	}
	if c.ScheduledAt != nil {
		ts := *c.ScheduledAt
		dup.ScheduledAt = &ts
	}
	return &dup
}
