// Package evidence assembles the immutable compliance record of a finished
// call: the full event timeline plus recording and transcript references,
// sealed under an RFC 8785 canonical content hash.
package evidence

import (
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/canonicalize"
)

// Artifact is one referenced piece of call evidence.
type Artifact struct {
	Type      string `json:"type"` // "recording" | "transcript"
	ID        string `json:"id"`
	Reference string `json:"reference"`
}

// Manifest is the evidence record for one call. The timeline is a copy of
// the call's event log, not a reference, so the manifest stays intact even
// if the raw log is later pruned.
type Manifest struct {
	ManifestID string       `json:"manifest_id"`
	CallID     string       `json:"call_id"`
	CreatedAt  string       `json:"created_at"` // RFC 3339; a string keeps the canonical form stable
	Artifacts  []Artifact   `json:"artifacts"`
	Timeline   []call.Event `json:"timeline"`
}

// NewManifest builds the manifest for a call from its committed timeline.
func NewManifest(manifestID string, c *call.Call, timeline []call.Event, createdAt time.Time) *Manifest {
	m := &Manifest{
		ManifestID: manifestID,
		CallID:     c.ID,
		CreatedAt:  createdAt.UTC().Format(time.RFC3339Nano),
		Artifacts:  []Artifact{},
		Timeline:   timeline,
	}
	if c.RecordingRef != "" {
		m.Artifacts = append(m.Artifacts, Artifact{Type: "recording", ID: c.ProviderRef, Reference: c.RecordingRef})
	}
	if c.TranscriptRef != "" {
		m.Artifacts = append(m.Artifacts, Artifact{Type: "transcript", ID: c.ID, Reference: c.TranscriptRef})
	}
	return m
}

// Seal returns the canonical serialized content and its hash. The hash is
// stored alongside the content, never inside it, so re-hashing the stored
// bytes must always reproduce it.
func (m *Manifest) Seal() (content []byte, hash string, err error) {
	content, err = canonicalize.Canonical(m)
	if err != nil {
		return nil, "", err
	}
	return content, canonicalize.HashBytes(content), nil
}
