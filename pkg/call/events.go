package call

import "time"

// EventKind tags the closed set of event variants the engine accepts.
type EventKind string

const (
	EventManualCreate      EventKind = "manual_create"
	EventScheduledDispatch EventKind = "scheduled_dispatch"
	EventProviderStatus    EventKind = "provider_status_changed"
	EventProviderMedia     EventKind = "provider_media_ready"
	EventTranscriptReady   EventKind = "transcription_ready"
	EventManualCancel      EventKind = "manual_cancel"
)

// Provider identities used for dedup keying.
const (
	ProviderTelephony     = "telephony"
	ProviderTranscription = "transcription"
)

// ProviderCallStatus is the normalized telephony status carried by a
// ProviderStatusChanged event.
type ProviderCallStatus string

const (
	StatusRinging   ProviderCallStatus = "ringing"
	StatusAnswered  ProviderCallStatus = "answered"
	StatusCompleted ProviderCallStatus = "completed"
	StatusBusy      ProviderCallStatus = "busy"
	StatusNoAnswer  ProviderCallStatus = "no-answer"
	StatusFailed    ProviderCallStatus = "failed"
)

// Live reports whether the status means the call is ringing or answered.
func (s ProviderCallStatus) Live() bool {
	return s == StatusRinging || s == StatusAnswered
}

// Terminal reports whether the status ends the live phase on the provider side.
func (s ProviderCallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

// FailureReason maps a terminal provider status to the stored failure reason.
// Returns "" for statuses that complete the call normally.
func (s ProviderCallStatus) FailureReason() string {
	switch s {
	case StatusBusy:
		return FailureProviderBusy
	case StatusNoAnswer:
		return FailureProviderNoAnswer
	case StatusFailed:
		return FailureProviderError
	}
	return ""
}

// CreatePayload carries the configuration of a new call.
type CreatePayload struct {
	CallID      string             `json:"call_id"`
	OrgID       string             `json:"org_id"`
	Targets     []string           `json:"targets"`
	Record      bool               `json:"record"`
	Transcribe  bool               `json:"transcribe"`
	Translation *TranslationConfig `json:"translation,omitempty"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
}

// StatusPayload carries a telephony status callback.
type StatusPayload struct {
	CallSID string             `json:"call_sid"`
	Status  ProviderCallStatus `json:"status"`
}

// MediaPayload carries a recording reference once the provider has persisted it.
type MediaPayload struct {
	RecordingRef string `json:"recording_ref"`
}

// TranscriptPayload carries a transcript reference from the transcription
// provider, correlated back by call id.
type TranscriptPayload struct {
	TranscriptID  string `json:"transcript_id"`
	TranscriptRef string `json:"transcript_ref"`
}

// Event is a single externally- or internally-sourced occurrence. SourceID is
// the provider's event identifier, used for dedup; internally generated events
// leave it empty. Replay marks a buffered event being re-delivered after the
// call completed; it is in-process state and never persisted. Exactly one
// payload field matching Kind is set.
type Event struct {
	Kind       EventKind          `json:"kind"`
	CallID     string             `json:"call_id"`
	SourceID   string             `json:"source_id,omitempty"`
	Provider   string             `json:"provider,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
	Replay     bool               `json:"-"`
	Create     *CreatePayload     `json:"create,omitempty"`
	Status     *StatusPayload     `json:"status,omitempty"`
	Media      *MediaPayload      `json:"media,omitempty"`
	Transcript *TranscriptPayload `json:"transcript,omitempty"`
}
