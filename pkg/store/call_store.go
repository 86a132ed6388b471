// Package store implements the durable, versioned call record store: one row
// per call with compare-and-swap on the version column, an append-only event
// timeline keyed by (call_id, seq), write-once evidence manifests, and dedup
// marks committed in the same transaction as the transition they guard.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/call"

	_ "modernc.org/sqlite"
)

var (
	ErrManifestExists   = errors.New("manifest already recorded")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrDuplicateEvent   = errors.New("source event already processed")
	ErrSchemaDrift      = errors.New("calls table schema does not match code expectations")
)

// CallStore persists calls, their event timelines, buffered events, dedup
// marks, and evidence manifests in a single SQLite database.
type CallStore struct {
	db *sql.DB
}

// NewCallStore migrates the schema and verifies it against the code's column
// expectations before returning a usable store.
func NewCallStore(db *sql.DB) (*CallStore, error) {
	s := &CallStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.checkSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CallStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		targets JSON NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL,
		record INTEGER NOT NULL DEFAULT 0,
		transcribe INTEGER NOT NULL DEFAULT 0,
		translate_from TEXT,
		translate_to TEXT,
		scheduled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		provider_ref TEXT,
		recording_ref TEXT,
		transcript_ref TEXT,
		failure_reason TEXT
	);
	CREATE TABLE IF NOT EXISTS call_events (
		call_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		source_id TEXT,
		provider TEXT,
		occurred_at DATETIME NOT NULL,
		payload JSON,
		PRIMARY KEY (call_id, seq)
	);
	CREATE TABLE IF NOT EXISTS processed_events (
		provider TEXT NOT NULL,
		source_id TEXT NOT NULL,
		call_id TEXT,
		processed_at DATETIME NOT NULL,
		PRIMARY KEY (provider, source_id)
	);
	CREATE TABLE IF NOT EXISTS buffered_events (
		call_id TEXT NOT NULL,
		arrival INTEGER NOT NULL,
		event JSON NOT NULL,
		PRIMARY KEY (call_id, arrival)
	);
	CREATE TABLE IF NOT EXISTS manifests (
		call_id TEXT PRIMARY KEY,
		manifest_id TEXT NOT NULL,
		manifest_hash TEXT NOT NULL,
		content JSON NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_state_scheduled
		ON calls (state, scheduled_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// checkSchema asserts that the translation columns the code writes actually
// exist under the expected names. A prior deployment shipped with a column
// that had drifted from the field it represented; this catches that class of
// bug at startup instead of at read time.
func (s *CallStore) checkSchema() error {
	rows, err := s.db.QueryContext(context.Background(), `PRAGMA table_info(calls)`)
	if err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	present := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range []string{"translate_from", "translate_to", "version", "state"} {
		if !present[col] {
			return fmt.Errorf("%w: missing column %q", ErrSchemaDrift, col)
		}
	}
	return nil
}

// Get loads the current snapshot of a call.
func (s *CallStore) Get(ctx context.Context, id string) (*call.Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, targets, state, version, record, transcribe,
		       translate_from, translate_to, scheduled_at, created_at, updated_at,
		       provider_ref, recording_ref, transcript_ref, failure_reason
		FROM calls WHERE id = ?`, id)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, call.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*call.Call, error) {
	var (
		c             call.Call
		targetsJSON   string
		record        int
		transcribe    int
		translateFrom sql.NullString
		translateTo   sql.NullString
		scheduledAt   sql.NullString
		createdAt     string
		updatedAt     string
		providerRef   sql.NullString
		recordingRef  sql.NullString
		transcriptRef sql.NullString
		failureReason sql.NullString
	)
	err := row.Scan(&c.ID, &c.OrgID, &targetsJSON, &c.State, &c.Version, &record, &transcribe,
		&translateFrom, &translateTo, &scheduledAt, &createdAt, &updatedAt,
		&providerRef, &recordingRef, &transcriptRef, &failureReason)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(targetsJSON), &c.Targets); err != nil {
		return nil, fmt.Errorf("corrupt targets JSON for call %s: %w", c.ID, err)
	}
	c.Record = record != 0
	c.Transcribe = transcribe != 0
	if translateFrom.Valid && translateFrom.String != "" {
		c.Translation = &call.TranslationConfig{From: translateFrom.String, To: translateTo.String}
	}
	if scheduledAt.Valid && scheduledAt.String != "" {
		t := parseTime(scheduledAt.String)
		c.ScheduledAt = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.ProviderRef = providerRef.String
	c.RecordingRef = recordingRef.String
	c.TranscriptRef = transcriptRef.String
	c.FailureReason = failureReason.String
	return &c, nil
}

// Apply commits an accepted transition atomically: the call row CAS (insert
// for a new call, conditional update otherwise), the timeline append, and the
// dedup mark for externally-sourced events. A stale version rolls everything
// back and returns call.ErrStaleVersion.
func (s *CallStore) Apply(ctx context.Context, prevVersion int64, next *call.Call, ev call.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if prevVersion == 0 {
		if err := insertCall(ctx, tx, next); err != nil {
			return err
		}
	} else {
		if err := updateCallCAS(ctx, tx, prevVersion, next); err != nil {
			return err
		}
	}

	if err := appendEvent(ctx, tx, next.ID, ev); err != nil {
		return err
	}

	if ev.SourceID != "" {
		if err := markProcessed(ctx, tx, ev.Provider, ev.SourceID, next.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertCall(ctx context.Context, tx *sql.Tx, c *call.Call) error {
	targetsJSON, err := json.Marshal(c.Targets)
	if err != nil {
		return err
	}
	var translateFrom, translateTo any
	if c.Translation != nil {
		translateFrom, translateTo = c.Translation.From, c.Translation.To
	}
	var scheduledAt any
	if c.ScheduledAt != nil {
		scheduledAt = c.ScheduledAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calls (id, org_id, targets, state, version, record, transcribe,
			translate_from, translate_to, scheduled_at, created_at, updated_at,
			provider_ref, recording_ref, transcript_ref, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrgID, string(targetsJSON), c.State, c.Version,
		boolToInt(c.Record), boolToInt(c.Transcribe),
		translateFrom, translateTo, scheduledAt,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullable(c.ProviderRef), nullable(c.RecordingRef), nullable(c.TranscriptRef), nullable(c.FailureReason))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return call.ErrCallExists
		}
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

func updateCallCAS(ctx context.Context, tx *sql.Tx, prevVersion int64, c *call.Call) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE calls SET state = ?, version = ?, updated_at = ?,
			provider_ref = ?, recording_ref = ?, transcript_ref = ?, failure_reason = ?
		WHERE id = ? AND version = ?`,
		c.State, c.Version, c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullable(c.ProviderRef), nullable(c.RecordingRef), nullable(c.TranscriptRef), nullable(c.FailureReason),
		c.ID, prevVersion)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return call.ErrStaleVersion
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, callID string, ev call.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO call_events (call_id, seq, kind, source_id, provider, occurred_at, payload)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM call_events WHERE call_id = ?), ?, ?, ?, ?, ?)`,
		callID, callID, ev.Kind, nullable(ev.SourceID), nullable(ev.Provider),
		ev.OccurredAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func markProcessed(ctx context.Context, tx *sql.Tx, provider, sourceID, callID string) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (provider, source_id, call_id, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, source_id) DO NOTHING`,
		provider, sourceID, callID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// A concurrent worker already committed this source event. Rolling back
		// keeps at-most-once semantics for the transition.
		return ErrDuplicateEvent
	}
	return nil
}

// IsProcessed is the authoritative dedup query.
func (s *CallStore) IsProcessed(ctx context.Context, provider, sourceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE provider = ? AND source_id = ?`,
		provider, sourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PruneProcessed drops dedup marks older than the retention window.
func (s *CallStore) PruneProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Buffer holds an early media/transcript event for replay once the call
// completes. The dedup mark commits in the same transaction so a redelivery
// does not buffer twice.
func (s *CallStore) Buffer(ctx context.Context, ev call.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO buffered_events (call_id, arrival, event)
		VALUES (?, (SELECT COALESCE(MAX(arrival), 0) + 1 FROM buffered_events WHERE call_id = ?), ?)`,
		ev.CallID, ev.CallID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to buffer event: %w", err)
	}

	if ev.SourceID != "" {
		if err := markProcessed(ctx, tx, ev.Provider, ev.SourceID, ev.CallID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BufferedEvent pairs a held event with its arrival position so callers can
// remove each row individually once its replay has stuck.
type BufferedEvent struct {
	Arrival int64
	Event   call.Event
}

// PeekBuffered returns buffered events for a call in their original arrival
// order without removing them. Rows stay durable until RemoveBuffered
// confirms the replay, so a crash or a transient replay failure cannot lose
// a reference.
func (s *CallStore) PeekBuffered(ctx context.Context, callID string) ([]BufferedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT arrival, event FROM buffered_events WHERE call_id = ? ORDER BY arrival ASC`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []BufferedEvent
	for rows.Next() {
		var (
			arrival int64
			payload string
		)
		if err := rows.Scan(&arrival, &payload); err != nil {
			return nil, err
		}
		var ev call.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("corrupt buffered event for call %s: %w", callID, err)
		}
		events = append(events, BufferedEvent{Arrival: arrival, Event: ev})
	}
	return events, rows.Err()
}

// RemoveBuffered deletes a single buffered row after its event has been
// replayed or definitively rejected.
func (s *CallStore) RemoveBuffered(ctx context.Context, callID string, arrival int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_events WHERE call_id = ? AND arrival = ?`, callID, arrival)
	return err
}

// Timeline returns the full accepted-event timeline for a call, in the order
// the transitions were durably committed.
func (s *CallStore) Timeline(ctx context.Context, callID string) ([]call.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM call_events WHERE call_id = ? ORDER BY seq ASC`, callID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []call.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev call.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("corrupt timeline event for call %s: %w", callID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DueScheduled returns queued calls whose scheduled time has passed.
func (s *CallStore) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*call.Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, targets, state, version, record, transcribe,
		       translate_from, translate_to, scheduled_at, created_at, updated_at,
		       provider_ref, recording_ref, transcript_ref, failure_reason
		FROM calls
		WHERE state = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`,
		call.StateQueued, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []*call.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// SetProviderRef records the provider call SID after a successful dispatch.
// Not a state transition, so it bypasses the version CAS.
func (s *CallStore) SetProviderRef(ctx context.Context, callID, providerRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET provider_ref = ? WHERE id = ?`, providerRef, callID)
	return err
}

// FindByProviderRef resolves a call from a provider call SID.
func (s *CallStore) FindByProviderRef(ctx context.Context, providerRef string) (*call.Call, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, targets, state, version, record, transcribe,
		       translate_from, translate_to, scheduled_at, created_at, updated_at,
		       provider_ref, recording_ref, transcript_ref, failure_reason
		FROM calls WHERE provider_ref = ?`, providerRef)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, call.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
