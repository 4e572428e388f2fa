package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// #endregion

// #region schema

const cycleRecordsSchema = `
CREATE TABLE IF NOT EXISTS cycle_records (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id            TEXT NOT NULL UNIQUE,
    cycle_type          TEXT NOT NULL,
    started_at          TEXT NOT NULL,
    duration_ms         INTEGER NOT NULL,
    proposals_generated INTEGER NOT NULL DEFAULT 0,
    proposals_approved  INTEGER NOT NULL DEFAULT 0,
    changes_applied     INTEGER NOT NULL DEFAULT 0,
    outcome             TEXT NOT NULL,
    partial             INTEGER NOT NULL DEFAULT 0,
    interrupt_reason    TEXT NOT NULL DEFAULT '',
    error               TEXT NOT NULL DEFAULT ''
);
`

// #endregion

// #region memory-struct

// CycleMemory persists one row per finished cycle.
type CycleMemory struct {
	db *sql.DB
}

// NewCycleMemory initializes the cycle_records table.
func NewCycleMemory(db *sql.DB) (*CycleMemory, error) {
	if _, err := db.Exec(cycleRecordsSchema); err != nil {
		return nil, err
	}
	return &CycleMemory{db: db}, nil
}

// #endregion

// #region record

// Record stores rec. A second write for the same cycle fails.
func (m *CycleMemory) Record(ctx context.Context, rec CycleRecord) error {
	partial := 0
	if rec.Partial {
		partial = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cycle_records
		(cycle_id, cycle_type, started_at, duration_ms, proposals_generated,
		 proposals_approved, changes_applied, outcome, partial, interrupt_reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Type),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(),
		rec.ProposalsGenerated,
		rec.ProposalsApproved,
		rec.ChangesApplied,
		string(rec.Outcome),
		partial,
		rec.InterruptReason,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", rec.ID, err)
	}
	return nil
}

// #endregion

// #region recent

// Recent returns up to limit records, newest first.
func (m *CycleMemory) Recent(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT cycle_id, cycle_type, started_at, duration_ms, proposals_generated,
		       proposals_approved, changes_applied, outcome, partial, interrupt_reason, error
		FROM cycle_records
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var cycleType, startedAt, outcome string
		var durationMS int64
		var partial int
		if err := rows.Scan(&rec.ID, &cycleType, &startedAt, &durationMS, &rec.ProposalsGenerated,
			&rec.ProposalsApproved, &rec.ChangesApplied, &outcome, &partial,
			&rec.InterruptReason, &rec.Error); err != nil {
			return nil, err
		}
		rec.Type = CycleType(cycleType)
		rec.Outcome = Outcome(outcome)
		rec.Partial = partial == 1
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion
