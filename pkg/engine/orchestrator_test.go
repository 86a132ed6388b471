package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/artifacts"
	"github.com/callmonitor-labs/orchestrator/pkg/audit"
	"github.com/callmonitor-labs/orchestrator/pkg/call"
	"github.com/callmonitor-labs/orchestrator/pkg/evidence"
	"github.com/callmonitor-labs/orchestrator/pkg/store"
	"github.com/callmonitor-labs/orchestrator/pkg/translation"
)

type fakeDispatcher struct {
	sid   string
	err   error
	calls atomic.Int32
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *call.Call) (string, error) {
	d.calls.Add(1)
	return d.sid, d.err
}

type testHarness struct {
	orch       *Orchestrator
	store      *store.CallStore
	dispatcher *fakeDispatcher
	resolver   *artifacts.MemoryResolver
	translator *translation.Manager
}

func newHarness(t *testing.T) *testHarness {
	return newHarnessWithAudit(t, io.Discard)
}

func newHarnessWithAudit(t *testing.T, auditSink io.Writer) *testHarness {
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

	auditLog := audit.NewLoggerWithWriter(auditSink)
	resolver := artifacts.NewMemoryResolver()
	assembler := evidence.NewAssembler(s, resolver, auditLog, nil)
	dispatcher := &fakeDispatcher{sid: "SW_1"}
	translator := translation.NewManager()

	orch := NewOrchestrator(s, paidMachine(), translator, dispatcher, assembler, auditLog, nil)
	orch.WithClock(func() time.Time { return testNow })
	assembler.WithReplayer(orch)
	return &testHarness{orch: orch, store: s, dispatcher: dispatcher, resolver: resolver, translator: translator}
}

func createEvent(id, orgID string) call.Event {
	return call.Event{
		Kind:       call.EventManualCreate,
		CallID:     id,
		OccurredAt: testNow,
		Create: &call.CreatePayload{
			CallID: id, OrgID: orgID, Targets: []string{"+15555551234"}, Transcribe: true,
		},
	}
}

func TestLifecycleImmediateDispatchThroughFinalized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, createEvent("c-1", "org-paid")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Immediate create chains straight into dispatch.
	got, _ := h.store.Get(ctx, "c-1")
	if got.State != call.StateDispatched {
		t.Fatalf("expected dispatched, got %s", got.State)
	}
	if got.ProviderRef != "SW_1" {
		t.Errorf("provider ref not recorded: %q", got.ProviderRef)
	}
	if h.dispatcher.calls.Load() != 1 {
		t.Errorf("expected one provider dispatch, got %d", h.dispatcher.calls.Load())
	}

	if _, err := h.orch.Submit(ctx, statusEvent(call.StatusAnswered)); err != nil {
		t.Fatalf("answered failed: %v", err)
	}

	// Transcript lands before the call completes: held, not applied.
	transcript := call.Event{
		Kind:       call.EventTranscriptReady,
		CallID:     "c-1",
		SourceID:   "tr-1",
		Provider:   call.ProviderTranscription,
		OccurredAt: testNow,
		Transcript: &call.TranscriptPayload{TranscriptID: "t-1", TranscriptRef: "s3://b/t.json"},
	}
	if _, err := h.orch.Submit(ctx, transcript); err != nil {
		t.Fatalf("early transcript failed: %v", err)
	}
	got, _ = h.store.Get(ctx, "c-1")
	if got.TranscriptRef != "" {
		t.Error("early transcript must not touch the call record")
	}

	h.resolver.Put("s3://b/t.json")
	completed := statusEvent(call.StatusCompleted)
	completed.SourceID = "evt-2"
	if _, err := h.orch.Submit(ctx, completed); err != nil {
		t.Fatalf("completed failed: %v", err)
	}

	// Replay applied the transcript and assembly sealed the manifest.
	got, _ = h.store.Get(ctx, "c-1")
	if got.State != call.StateFinalized {
		t.Fatalf("expected finalized, got %s", got.State)
	}
	if got.TranscriptRef != "s3://b/t.json" {
		t.Errorf("replayed transcript ref missing: %q", got.TranscriptRef)
	}
	if _, err := h.store.GetManifest(ctx, "c-1"); err != nil {
		t.Errorf("manifest not sealed: %v", err)
	}
	if buffered, _ := h.store.PeekBuffered(ctx, "c-1"); len(buffered) != 0 {
		t.Errorf("replayed events must leave the buffer empty, got %d", len(buffered))
	}
}

func TestDuplicateBufferedEventIsBenign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, createEvent("c-1", "org-paid")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.orch.Submit(ctx, statusEvent(call.StatusAnswered)); err != nil {
		t.Fatalf("answered failed: %v", err)
	}

	transcript := call.Event{
		Kind:       call.EventTranscriptReady,
		CallID:     "c-1",
		SourceID:   "tr-1",
		Provider:   call.ProviderTranscription,
		OccurredAt: testNow,
		Transcript: &call.TranscriptPayload{TranscriptID: "t-1", TranscriptRef: "s3://b/t.json"},
	}
	if _, err := h.orch.Submit(ctx, transcript); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	// Redelivery of the same source event acks without a second buffer entry.
	if _, err := h.orch.Submit(ctx, transcript); err != nil {
		t.Fatalf("redelivery must be benign: %v", err)
	}

	buffered, err := h.store.PeekBuffered(ctx, "c-1")
	if err != nil {
		t.Fatalf("peek buffered failed: %v", err)
	}
	if len(buffered) != 1 {
		t.Errorf("expected exactly one buffered event, got %d", len(buffered))
	}
}

func TestRejectedReplayStillDrainsBuffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, createEvent("c-1", "org-paid")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.orch.Submit(ctx, statusEvent(call.StatusAnswered)); err != nil {
		t.Fatalf("answered failed: %v", err)
	}

	transcript := call.Event{
		Kind:       call.EventTranscriptReady,
		CallID:     "c-1",
		SourceID:   "tr-1",
		Provider:   call.ProviderTranscription,
		OccurredAt: testNow,
		Transcript: &call.TranscriptPayload{TranscriptID: "t-1", TranscriptRef: "s3://b/t.json"},
	}
	if _, err := h.orch.Submit(ctx, transcript); err != nil {
		t.Fatalf("early transcript failed: %v", err)
	}

	// The provider drops the call; it ends failed without a completion, so
	// the buffered transcript was never replayed.
	failed := statusEvent(call.StatusFailed)
	failed.SourceID = "evt-2"
	if _, err := h.orch.Submit(ctx, failed); err != nil {
		t.Fatalf("failed status rejected: %v", err)
	}

	h.orch.ReplayBuffered(ctx, "c-1")

	buffered, err := h.store.PeekBuffered(ctx, "c-1")
	if err != nil {
		t.Fatalf("peek buffered failed: %v", err)
	}
	if len(buffered) != 0 {
		t.Errorf("definitively rejected replays must not stay buffered, got %d", len(buffered))
	}
	got, _ := h.store.Get(ctx, "c-1")
	if got.TranscriptRef != "" {
		t.Error("late transcript must not land on a failed call")
	}
}

func TestCreateWithRecordingLeavesIntentRow(t *testing.T) {
	var trail bytes.Buffer
	h := newHarnessWithAudit(t, &trail)
	ctx := context.Background()

	ev := createEvent("c-1", "org-paid")
	ev.Create.Record = true
	if _, err := h.orch.Submit(ctx, ev); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !strings.Contains(trail.String(), `"type":"INTENT"`) ||
		!strings.Contains(trail.String(), `"action":"recording_requested"`) {
		t.Errorf("recording create must leave an intent row, trail:\n%s", trail.String())
	}

	trail.Reset()
	if _, err := h.orch.Submit(ctx, createEvent("c-2", "org-paid")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if strings.Contains(trail.String(), `"type":"INTENT"`) {
		t.Error("intent rows are only for calls that requested recording")
	}
}

func TestOverlappingDispatchHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	future := testNow.Add(-time.Minute) // already due
	ev := createEvent("c-1", "org-paid")
	ev.Create.ScheduledAt = &future
	if _, err := h.orch.Submit(ctx, ev); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dispatch := call.Event{Kind: call.EventScheduledDispatch, CallID: "c-1", OccurredAt: testNow}
	if _, err := h.orch.Submit(ctx, dispatch); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if _, err := h.orch.Submit(ctx, dispatch); !call.IsRejection(err, call.RejectIllegalTransition) {
		t.Fatalf("second dispatch must lose, got %v", err)
	}
	if h.dispatcher.calls.Load() != 1 {
		t.Errorf("provider must be invoked exactly once, got %d", h.dispatcher.calls.Load())
	}
}

func TestDispatchFailureFailsCall(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("provider unreachable")
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, createEvent("c-1", "org-paid")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, _ := h.store.Get(ctx, "c-1")
	if got.State != call.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.FailureReason != call.FailureDispatchError {
		t.Errorf("expected DISPATCH_ERROR, got %q", got.FailureReason)
	}
}

func TestCancelOnlyBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	future := testNow.Add(24 * time.Hour)
	ev := createEvent("c-1", "org-paid")
	ev.Create.ScheduledAt = &future
	if _, err := h.orch.Submit(ctx, ev); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	cancel := call.Event{Kind: call.EventManualCancel, CallID: "c-1", OccurredAt: testNow}
	next, err := h.orch.Submit(ctx, cancel)
	if err != nil {
		t.Fatalf("cancel from queued failed: %v", err)
	}
	if next.State != call.StateCanceled {
		t.Errorf("expected canceled, got %s", next.State)
	}

	// A second cancel is now illegal; the call is terminal.
	if _, err := h.orch.Submit(ctx, cancel); !call.IsRejection(err, call.RejectIllegalTransition) {
		t.Errorf("expected ILLEGAL_TRANSITION, got %v", err)
	}
}

func TestTranslationSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := createEvent("c-1", "org-paid")
	ev.Create.Translation = &call.TranslationConfig{From: "en", To: "es"}
	if _, err := h.orch.Submit(ctx, ev); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.orch.Submit(ctx, statusEvent(call.StatusAnswered)); err != nil {
		t.Fatalf("answered failed: %v", err)
	}

	s := h.translator.Get("c-1")
	if !s.Open() {
		t.Fatal("translation session must open when the call goes live")
	}
	if s.From != "en" || s.To != "es" {
		t.Errorf("session pair %s->%s", s.From, s.To)
	}

	completed := statusEvent(call.StatusCompleted)
	completed.SourceID = "evt-2"
	if _, err := h.orch.Submit(ctx, completed); err != nil {
		t.Fatalf("completed failed: %v", err)
	}
	if h.translator.Get("c-1").Open() {
		t.Error("translation session must close on completion")
	}
}
