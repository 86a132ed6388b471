package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecordWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	err := l.Record(context.Background(), Event{
		OrgID:    "org-1",
		Type:     EventTransition,
		Action:   "created->dispatched",
		Resource: "calls/c-1",
		Before:   Snapshot(map[string]string{"state": "created"}),
		After:    Snapshot(map[string]string{"state": "dispatched"}),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	line := buf.String()
	if !strings.HasPrefix(line, "AUDIT: ") {
		t.Errorf("missing AUDIT prefix: %s", line)
	}

	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &ev); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if ev.ID == "" {
		t.Error("id not assigned")
	}
	if ev.ActorID != "system" {
		t.Errorf("expected system actor, got %s", ev.ActorID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestSnapshotNil(t *testing.T) {
	if Snapshot(nil) != nil {
		t.Error("nil value should produce nil snapshot")
	}
}
