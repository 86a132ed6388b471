package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
)

// ErrUnsupportedEvent marks a structurally valid delivery whose event type the
// engine does not consume. The gateway acks and drops these.
var ErrUnsupportedEvent = errors.New("unsupported webhook event type")

const telephonySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "event_type", "call_sid", "timestamp"],
	"properties": {
		"event_id":      {"type": "string", "minLength": 1},
		"event_type":    {"type": "string"},
		"call_id":       {"type": "string"},
		"call_sid":      {"type": "string", "minLength": 1},
		"status":        {"type": "string"},
		"recording_url": {"type": "string"},
		"timestamp":     {"type": "string", "format": "date-time"}
	}
}`

const transcriptionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event_id", "event_type", "call_id", "timestamp"],
	"properties": {
		"event_id":       {"type": "string", "minLength": 1},
		"event_type":     {"type": "string"},
		"call_id":        {"type": "string", "minLength": 1},
		"transcript_id":  {"type": "string"},
		"transcript_url": {"type": "string"},
		"timestamp":      {"type": "string", "format": "date-time"}
	}
}`

// Parser validates raw deliveries against their JSON Schemas and normalizes
// them into engine events.
type Parser struct {
	telephony     *jsonschema.Schema
	transcription *jsonschema.Schema
}

// NewParser compiles the payload schemas.
func NewParser() (*Parser, error) {
	telephony, err := compileSchema("telephony", telephonySchema)
	if err != nil {
		return nil, err
	}
	transcription, err := compileSchema("transcription", transcriptionSchema)
	if err != nil {
		return nil, err
	}
	return &Parser{telephony: telephony, transcription: transcription}, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://callmonitor.schemas.local/webhooks/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("webhook schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("webhook schema compile failed: %w", err)
	}
	return compiled, nil
}

type telephonyDelivery struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	CallID       string `json:"call_id"`
	CallSID      string `json:"call_sid"`
	Status       string `json:"status"`
	RecordingURL string `json:"recording_url"`
	Timestamp    string `json:"timestamp"`
}

type transcriptionDelivery struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	CallID        string `json:"call_id"`
	TranscriptID  string `json:"transcript_id"`
	TranscriptURL string `json:"transcript_url"`
	Timestamp     string `json:"timestamp"`
}

// ParseTelephony validates and normalizes a telephony callback. The returned
// event's CallID may be empty when the provider only echoed its SID; the
// gateway resolves it from the provider ref.
func (p *Parser) ParseTelephony(body []byte) (call.Event, string, error) {
	if err := validate(p.telephony, body); err != nil {
		return call.Event{}, "", err
	}
	var d telephonyDelivery
	if err := json.Unmarshal(body, &d); err != nil {
		return call.Event{}, "", err
	}

	occurredAt := parseTimestamp(d.Timestamp)
	switch d.EventType {
	case "call.status":
		status := call.ProviderCallStatus(d.Status)
		if !status.Live() && !status.Terminal() {
			return call.Event{}, "", fmt.Errorf("%w: telephony status %q", ErrUnsupportedEvent, d.Status)
		}
		return call.Event{
			Kind:       call.EventProviderStatus,
			CallID:     d.CallID,
			SourceID:   d.EventID,
			Provider:   call.ProviderTelephony,
			OccurredAt: occurredAt,
			Status:     &call.StatusPayload{CallSID: d.CallSID, Status: status},
		}, d.CallSID, nil

	case "call.recording":
		if d.RecordingURL == "" {
			return call.Event{}, "", errors.New("recording callback missing recording_url")
		}
		return call.Event{
			Kind:       call.EventProviderMedia,
			CallID:     d.CallID,
			SourceID:   d.EventID,
			Provider:   call.ProviderTelephony,
			OccurredAt: occurredAt,
			Media:      &call.MediaPayload{RecordingRef: d.RecordingURL},
		}, d.CallSID, nil

	default:
		return call.Event{}, "", fmt.Errorf("%w: telephony %q", ErrUnsupportedEvent, d.EventType)
	}
}

// ParseTranscription validates and normalizes a transcription callback.
func (p *Parser) ParseTranscription(body []byte) (call.Event, error) {
	if err := validate(p.transcription, body); err != nil {
		return call.Event{}, err
	}
	var d transcriptionDelivery
	if err := json.Unmarshal(body, &d); err != nil {
		return call.Event{}, err
	}

	switch d.EventType {
	case "transcript.completed":
		if d.TranscriptURL == "" {
			return call.Event{}, errors.New("transcript callback missing transcript_url")
		}
		return call.Event{
			Kind:       call.EventTranscriptReady,
			CallID:     d.CallID,
			SourceID:   d.EventID,
			Provider:   call.ProviderTranscription,
			OccurredAt: parseTimestamp(d.Timestamp),
			Transcript: &call.TranscriptPayload{TranscriptID: d.TranscriptID, TranscriptRef: d.TranscriptURL},
		}, nil

	default:
		return call.Event{}, fmt.Errorf("%w: transcription %q", ErrUnsupportedEvent, d.EventType)
	}
}

func validate(schema *jsonschema.Schema, body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("malformed webhook body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("webhook payload rejected: %w", err)
	}
	return nil
}

func parseTimestamp(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Now().UTC()
}
