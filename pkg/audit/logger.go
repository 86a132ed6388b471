// Package audit records the operator-facing trail of call transitions and
// asynchronous failures as structured JSON lines.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventTransition EventType = "TRANSITION"
	EventRejection  EventType = "REJECTION"
	EventIntent     EventType = "INTENT"
	EventFailure    EventType = "FAILURE"
	EventEvidence   EventType = "EVIDENCE"
)

// Event is a structured audit record. Before and After hold call snapshots
// around an accepted transition; rejections carry only Before.
type Event struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	ActorID   string          `json:"actor_id"`
	Type      EventType       `json:"type"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Timestamp time.Time       `json:"timestamp"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, ev Event) error
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer. Allows
// injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(_ context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ActorID == "" {
		ev.ActorID = "system"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(line, '\n')...))
	return err
}

// Snapshot marshals a value into a raw before/after snapshot, swallowing
// marshal errors into an empty snapshot so audit never blocks a transition.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
