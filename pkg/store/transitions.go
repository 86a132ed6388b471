package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/callmonitor-labs/orchestrator/pkg/call"
)

// UpdateState commits an internal transition (post-processing, terminal
// failure) as a single conditional write. No timeline event is appended;
// internal steps are visible through the audit trail instead.
func (s *CallStore) UpdateState(ctx context.Context, prevVersion int64, next *call.Call) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateCallCAS(ctx, tx, prevVersion, next); err != nil {
		return err
	}
	return tx.Commit()
}

// CountByState returns call counts grouped by state, used by operators and
// the metrics exporter.
func (s *CallStore) CountByState(ctx context.Context) (map[call.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM calls GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[call.State]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[call.State(state)] = n
	}
	return counts, rows.Err()
}

// Open opens the SQLite database at path and applies connection settings
// suitable for concurrent workers.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent transactions while the version CAS provides call-level safety.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	return db, nil
}
