package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
)

// StoredManifest is the write-once evidence manifest row for a call.
type StoredManifest struct {
	CallID       string
	ManifestID   string
	ManifestHash string
	Content      []byte
	CreatedAt    time.Time
}

// PutManifest records the evidence manifest and finalizes the call in one
// transaction. The manifest row is write-once: a second insert for the same
// call fails with ErrManifestExists and nothing is modified.
func (s *CallStore) PutManifest(ctx context.Context, c *call.Call, prevVersion int64, m *StoredManifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO manifests (call_id, manifest_id, manifest_hash, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.CallID, m.ManifestID, m.ManifestHash, string(m.Content),
		m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrManifestExists
		}
		return fmt.Errorf("failed to insert manifest: %w", err)
	}

	if err := updateCallCAS(ctx, tx, prevVersion, c); err != nil {
		return err
	}
	return tx.Commit()
}

// GetManifest returns the stored manifest for a call.
func (s *CallStore) GetManifest(ctx context.Context, callID string) (*StoredManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, manifest_id, manifest_hash, content, created_at
		FROM manifests WHERE call_id = ?`, callID)

	var (
		m         StoredManifest
		content   string
		createdAt string
	)
	err := row.Scan(&m.CallID, &m.ManifestID, &m.ManifestHash, &content, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrManifestNotFound
		}
		return nil, err
	}
	m.Content = []byte(content)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}
