package evidence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/artifacts"
	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/canonicalize"
	"github.com/callmonitor-labs/orchestrator/pkg/retry"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
)

func newTestStore(t *testing.T) *store.CallStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.NewCallStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func completedCall(t *testing.T, s *store.CallStore, id string) *call.Call {
	t.Helper()
	now := time.Now().UTC()
	c := &call.Call{
		ID:           id,
		OrgID:        "org-1",
		Targets:      []string{"+15555551234"},
		State:        call.StateCompleted,
		Version:      1,
		Record:       true,
		RecordingRef: "s3://evidence/" + id + "/recording.wav",
		ProviderRef:  "SW_" + id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ev := call.Event{
		Kind:       call.EventManualCreate,
		CallID:     id,
		OccurredAt: now,
		Create:     &call.CreatePayload{CallID: id, OrgID: c.OrgID, Targets: c.Targets, Record: true},
	}
	if err := s.Apply(context.Background(), 0, c, ev); err != nil {
		t.Fatalf("seed call failed: %v", err)
	}
	return c
}

func TestAssembleSealsAndFinalizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := completedCall(t, s, "c-1")

	resolver := artifacts.NewMemoryResolver()
	resolver.Put(c.RecordingRef)

	a := NewAssembler(s, resolver, nil, nil)
	if err := a.Assemble(ctx, c.ID); err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != call.StateFinalized {
		t.Fatalf("expected finalized, got %s", got.State)
	}

	m, err := s.GetManifest(ctx, c.ID)
	if err != nil {
		t.Fatalf("manifest not stored: %v", err)
	}
	if m.ManifestHash != canonicalize.HashBytes(m.Content) {
		t.Error("stored hash does not cover stored content")
	}

	// Re-running assembly on a finalized call verifies, it never re-seals.
	if err := a.Assemble(ctx, c.ID); err != nil {
		t.Fatalf("verify on finalized call failed: %v", err)
	}
	again, _ := s.GetManifest(ctx, c.ID)
	if again.ManifestID != m.ManifestID {
		t.Error("finalized call must keep its original manifest")
	}
}

func TestAssembleDefersUntilReferencesResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := completedCall(t, s, "c-2")

	resolver := artifacts.NewMemoryResolver() // reference not registered yet
	a := NewAssembler(s, resolver, nil, nil)

	if err := a.Assemble(ctx, c.ID); err != nil {
		t.Fatalf("first attempt should defer, not fail: %v", err)
	}
	got, _ := s.Get(ctx, c.ID)
	if got.State != call.StatePostProcessing {
		t.Fatalf("expected post_processing while deferred, got %s", got.State)
	}
	if _, err := s.GetManifest(ctx, c.ID); !errors.Is(err, store.ErrManifestNotFound) {
		t.Error("no manifest may exist while references are unresolved")
	}

	// Media lands; the next attempt seals.
	resolver.Put(c.RecordingRef)
	if err := a.Assemble(ctx, c.ID); err != nil {
		t.Fatalf("assemble after resolution failed: %v", err)
	}
	got, _ = s.Get(ctx, c.ID)
	if got.State != call.StateFinalized {
		t.Errorf("expected finalized, got %s", got.State)
	}
}

func TestAssembleExhaustsBudgetAndFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := completedCall(t, s, "c-3")

	a := NewAssembler(s, artifacts.NewMemoryResolver(), nil, nil).
		WithPolicy(retry.Policy{BaseMs: 1, MaxMs: 2, MaxAttempts: 2})

	for i := 0; i < 3; i++ {
		if err := a.Assemble(ctx, c.ID); err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
	}

	got, _ := s.Get(ctx, c.ID)
	if got.State != call.StateFailed {
		t.Fatalf("expected failed after budget exhaustion, got %s", got.State)
	}
	if got.FailureReason != call.FailureEvidenceIncomplete {
		t.Errorf("expected EVIDENCE_INCOMPLETE, got %q", got.FailureReason)
	}
}

func TestVerifyDetectsTamperedManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := completedCall(t, s, "c-4")

	// Seal with a hash that does not cover the content, as a corrupted store
	// row would present.
	next := c.Clone()
	next.State = call.StateFinalized
	next.Version = c.Version + 1
	err := s.PutManifest(ctx, next, c.Version, &store.StoredManifest{
		CallID:       c.ID,
		ManifestID:   "m-bad",
		ManifestHash: "sha256:deadbeef",
		Content:      []byte(`{"call_id":"c-4"}`),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed manifest failed: %v", err)
	}

	a := NewAssembler(s, nil, nil, nil)
	if err := a.Assemble(ctx, c.ID); !errors.Is(err, ErrManifestMismatch) {
		t.Fatalf("expected ErrManifestMismatch, got %v", err)
	}
}

func TestSealDeterministicForSameInput(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &call.Call{ID: "c-5", RecordingRef: "s3://b/r.wav", ProviderRef: "SW_5", Record: true}
	timeline := []call.Event{{Kind: call.EventManualCreate, CallID: "c-5", OccurredAt: now}}

	m1 := NewManifest("m-1", c, timeline, now)
	m2 := NewManifest("m-1", c, timeline, now)

	c1, h1, err := m1.Seal()
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	c2, h2, err := m2.Seal()
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if h1 != h2 || string(c1) != string(c2) {
		t.Error("identical inputs must seal to identical content and hash")
	}
}
