package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
)

func newTestStore(t *testing.T) *CallStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewCallStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func testCall(id string) *call.Call {
	now := time.Now().UTC()
	return &call.Call{
		ID:        id,
		OrgID:     "org-1",
		Targets:   []string{"+15555551234"},
		State:     call.StateCreated,
		Version:   1,
		Record:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createEvent(c *call.Call) call.Event {
	return call.Event{
		Kind:       call.EventManualCreate,
		CallID:     c.ID,
		OccurredAt: c.CreatedAt,
		Create: &call.CreatePayload{
			CallID:  c.ID,
			OrgID:   c.OrgID,
			Targets: c.Targets,
			Record:  c.Record,
		},
	}
}

func TestApplyInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testCall("c-1")
	c.Translation = &call.TranslationConfig{From: "en", To: "es"}
	if err := s.Apply(ctx, 0, c, createEvent(c)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	got, err := s.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != call.StateCreated || got.Version != 1 {
		t.Errorf("unexpected snapshot: state=%s version=%d", got.State, got.Version)
	}
	if got.Translation == nil || got.Translation.From != "en" || got.Translation.To != "es" {
		t.Errorf("translation pair not round-tripped: %+v", got.Translation)
	}

	// Second insert for the same id must fail.
	if err := s.Apply(ctx, 0, c, createEvent(c)); !errors.Is(err, call.ErrCallExists) {
		t.Errorf("expected ErrCallExists, got %v", err)
	}
}

func TestApplyCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testCall("c-1")
	if err := s.Apply(ctx, 0, c, createEvent(c)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	next := c.Clone()
	next.State = call.StateDispatched
	next.Version = 2
	ev := call.Event{Kind: call.EventScheduledDispatch, CallID: c.ID, OccurredAt: time.Now()}
	if err := s.Apply(ctx, 1, next, ev); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// Replaying the same transition against the old version loses the race.
	if err := s.Apply(ctx, 1, next, ev); !errors.Is(err, call.ErrStaleVersion) {
		t.Errorf("expected ErrStaleVersion, got %v", err)
	}

	got, _ := s.Get(ctx, "c-1")
	if got.Version != 2 {
		t.Errorf("version advanced past CAS: %d", got.Version)
	}
}

func TestApplyDedupMarkAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testCall("c-1")
	if err := s.Apply(ctx, 0, c, createEvent(c)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	ev := call.Event{
		Kind:       call.EventProviderStatus,
		CallID:     c.ID,
		SourceID:   "evt-1",
		Provider:   call.ProviderTelephony,
		OccurredAt: time.Now(),
		Status:     &call.StatusPayload{Status: call.StatusAnswered},
	}
	next := c.Clone()
	next.State = call.StateInProgress
	next.Version = 2
	if err := s.Apply(ctx, 1, next, ev); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	seen, err := s.IsProcessed(ctx, call.ProviderTelephony, "evt-1")
	if err != nil {
		t.Fatalf("dedup query failed: %v", err)
	}
	if !seen {
		t.Error("dedup mark not committed with transition")
	}

	// Redelivery of the same source event must not commit a second transition.
	again := next.Clone()
	again.Version = 3
	err = s.Apply(ctx, 2, again, ev)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}
	got, _ := s.Get(ctx, "c-1")
	if got.Version != 2 {
		t.Errorf("duplicate delivery advanced the version to %d", got.Version)
	}
}

func TestTimelineOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testCall("c-1")
	if err := s.Apply(ctx, 0, c, createEvent(c)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	for i, kind := range []call.EventKind{call.EventScheduledDispatch, call.EventProviderStatus} {
		next := c.Clone()
		next.Version = int64(i + 2)
		if err := s.Apply(ctx, int64(i+1), next, call.Event{Kind: kind, CallID: c.ID, OccurredAt: time.Now()}); err != nil {
			t.Fatalf("apply %s failed: %v", kind, err)
		}
	}

	timeline, err := s.Timeline(ctx, "c-1")
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	want := []call.EventKind{call.EventManualCreate, call.EventScheduledDispatch, call.EventProviderStatus}
	if len(timeline) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(timeline))
	}
	for i, ev := range timeline {
		if ev.Kind != want[i] {
			t.Errorf("timeline[%d] = %s, want %s", i, ev.Kind, want[i])
		}
	}
}

func TestBufferPeekAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := call.Event{
		Kind: call.EventTranscriptReady, CallID: "c-2", SourceID: "tr-1",
		Provider: call.ProviderTranscription, OccurredAt: time.Now(),
		Transcript: &call.TranscriptPayload{TranscriptID: "t-1", TranscriptRef: "ref-1"},
	}
	second := call.Event{
		Kind: call.EventProviderMedia, CallID: "c-2", SourceID: "m-1",
		Provider: call.ProviderTelephony, OccurredAt: time.Now(),
		Media: &call.MediaPayload{RecordingRef: "rec-1"},
	}
	if err := s.Buffer(ctx, first); err != nil {
		t.Fatalf("buffer failed: %v", err)
	}
	if err := s.Buffer(ctx, second); err != nil {
		t.Fatalf("buffer failed: %v", err)
	}

	// Buffering marks the source event processed.
	if err := s.Buffer(ctx, first); !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent on re-buffer, got %v", err)
	}

	events, err := s.PeekBuffered(ctx, "c-2")
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(events) != 2 || events[0].Event.Kind != call.EventTranscriptReady || events[1].Event.Kind != call.EventProviderMedia {
		t.Errorf("buffered events out of arrival order: %+v", events)
	}

	// Peeking leaves the rows durable.
	again, err := s.PeekBuffered(ctx, "c-2")
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(again) != 2 {
		t.Errorf("peek must not consume rows, got %d left", len(again))
	}

	// Rows come out one at a time as their replay is confirmed.
	if err := s.RemoveBuffered(ctx, "c-2", events[0].Arrival); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	rest, err := s.PeekBuffered(ctx, "c-2")
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Event.Kind != call.EventProviderMedia {
		t.Errorf("expected only the media event left, got %+v", rest)
	}

	if err := s.RemoveBuffered(ctx, "c-2", rest[0].Arrival); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	empty, err := s.PeekBuffered(ctx, "c-2")
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty buffer, got %d events", len(empty))
	}
}

func TestDueScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := testCall("c-due")
	past := now.Add(-time.Minute)
	due.State = call.StateQueued
	due.ScheduledAt = &past
	if err := s.Apply(ctx, 0, due, createEvent(due)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	future := testCall("c-future")
	later := now.Add(time.Hour)
	future.State = call.StateQueued
	future.ScheduledAt = &later
	if err := s.Apply(ctx, 0, future, createEvent(future)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	calls, err := s.DueScheduled(ctx, now, 10)
	if err != nil {
		t.Fatalf("due query failed: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "c-due" {
		t.Errorf("expected only c-due, got %+v", calls)
	}
}

func TestManifestWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testCall("c-1")
	c.State = call.StatePostProcessing
	if err := s.Apply(ctx, 0, c, createEvent(c)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	final := c.Clone()
	final.State = call.StateFinalized
	final.Version = 2
	m := &StoredManifest{
		CallID:       "c-1",
		ManifestID:   "man-1",
		ManifestHash: "sha256:abc",
		Content:      []byte(`{"manifest_id":"man-1"}`),
		CreatedAt:    time.Now(),
	}
	if err := s.PutManifest(ctx, final, 1, m); err != nil {
		t.Fatalf("put manifest failed: %v", err)
	}

	got, err := s.GetManifest(ctx, "c-1")
	if err != nil {
		t.Fatalf("get manifest failed: %v", err)
	}
	if got.ManifestHash != "sha256:abc" {
		t.Errorf("unexpected hash %s", got.ManifestHash)
	}

	// Write-once: a second manifest is rejected and the call is untouched.
	again := final.Clone()
	again.Version = 3
	err = s.PutManifest(ctx, again, 2, m)
	if !errors.Is(err, ErrManifestExists) {
		t.Errorf("expected ErrManifestExists, got %v", err)
	}

	snap, _ := s.Get(ctx, "c-1")
	if snap.State != call.StateFinalized || snap.Version != 2 {
		t.Errorf("finalized call modified: state=%s version=%d", snap.State, snap.Version)
	}
}

func TestSchemaCheckCatchesDrift(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	// A calls table whose translation column drifted from the field name.
	_, err = db.Exec(`CREATE TABLE calls (
		id TEXT PRIMARY KEY, org_id TEXT, targets JSON, state TEXT, version INTEGER,
		record INTEGER, transcribe INTEGER,
		translation_source TEXT, translate_to TEXT,
		scheduled_at DATETIME, created_at DATETIME, updated_at DATETIME,
		provider_ref TEXT, recording_ref TEXT, transcript_ref TEXT, failure_reason TEXT)`)
	if err != nil {
		t.Fatalf("failed to create drifted table: %v", err)
	}

	s := &CallStore{db: db}
	if err := s.checkSchema(); !errors.Is(err, ErrSchemaDrift) {
		t.Errorf("expected ErrSchemaDrift, got %v", err)
	}
}
