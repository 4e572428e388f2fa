package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS system_state (
	id                      INTEGER PRIMARY KEY CHECK (id = 1),
	total_cycles            INTEGER NOT NULL DEFAULT 0,
	total_applied           INTEGER NOT NULL DEFAULT 0,
	last_cycle_id           TEXT,
	last_cycle_outcome      TEXT,
	last_cycle_generated    INTEGER NOT NULL DEFAULT 0,
	last_cycle_approved     INTEGER NOT NULL DEFAULT 0,
	last_cycle_applied      INTEGER NOT NULL DEFAULT 0,
	last_run_at             TEXT,
	last_improvement_cycle  TEXT
);

CREATE TABLE IF NOT EXISTS hysteresis (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	last_proposal_type  TEXT NOT NULL DEFAULT '',
	cycles_since_last   INTEGER NOT NULL DEFAULT 0,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	proposal_id    TEXT PRIMARY KEY,
	target         TEXT NOT NULL,
	kind           TEXT NOT NULL,
	priority       TEXT NOT NULL,
	status         TEXT NOT NULL,
	score          REAL NOT NULL DEFAULT 0,
	note           TEXT,
	proposal_json  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
`
// #endregion schema

// #region store-struct
// Store holds the controller's durable state in SQLite: the system snapshot,
// the hysteresis record and the proposal ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers from the cycle loop and the queue worker.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (audit, cycle memory).
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region snapshot
// LoadSnapshot reads the system snapshot. A fresh database yields the zero Snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	return loadSnapshot(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSnapshot(ctx context.Context, q queryer) (Snapshot, error) {
	var snap Snapshot
	var cycleID, outcome, lastRun, lastImprovement sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT total_cycles, total_applied, last_cycle_id, last_cycle_outcome,
		        last_cycle_generated, last_cycle_approved, last_cycle_applied,
		        last_run_at, last_improvement_cycle
		 FROM system_state WHERE id = 1`,
	).Scan(&snap.TotalCycles, &snap.TotalApplied, &cycleID, &outcome,
		&snap.LastCycleGenerated, &snap.LastCycleApproved, &snap.LastCycleApplied,
		&lastRun, &lastImprovement)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap.LastCycleID = cycleID.String
	snap.LastCycleOutcome = outcome.String
	snap.LastImprovementCycle = lastImprovement.String
	if lastRun.Valid {
		snap.LastRunAt, _ = time.Parse(time.RFC3339Nano, lastRun.String)
	}
	return snap, nil
}

// AdvanceSnapshot folds one finished cycle into the snapshot atomically.
func (s *Store) AdvanceSnapshot(ctx context.Context, sum CycleSummary) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	snap, err := loadSnapshot(ctx, tx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.TotalCycles++
	snap.TotalApplied += sum.Applied
	snap.LastCycleID = sum.CycleID
	snap.LastCycleOutcome = sum.Outcome
	snap.LastCycleGenerated = sum.Generated
	snap.LastCycleApproved = sum.Approved
	snap.LastCycleApplied = sum.Applied
	snap.LastRunAt = sum.FinishedAt
	if sum.Applied > 0 {
		snap.LastImprovementCycle = sum.FinishedAt.Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO system_state (id, total_cycles, total_applied, last_cycle_id, last_cycle_outcome,
		     last_cycle_generated, last_cycle_approved, last_cycle_applied, last_run_at, last_improvement_cycle)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     total_cycles = excluded.total_cycles,
		     total_applied = excluded.total_applied,
		     last_cycle_id = excluded.last_cycle_id,
		     last_cycle_outcome = excluded.last_cycle_outcome,
		     last_cycle_generated = excluded.last_cycle_generated,
		     last_cycle_approved = excluded.last_cycle_approved,
		     last_cycle_applied = excluded.last_cycle_applied,
		     last_run_at = excluded.last_run_at,
		     last_improvement_cycle = excluded.last_improvement_cycle`,
		snap.TotalCycles, snap.TotalApplied, snap.LastCycleID, snap.LastCycleOutcome,
		snap.LastCycleGenerated, snap.LastCycleApproved, snap.LastCycleApplied,
		snap.LastRunAt.Format(time.RFC3339Nano), nullIfEmpty(snap.LastImprovementCycle),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit: %w", err)
	}
	return snap, nil
}
// #endregion snapshot

// #region hysteresis
// LoadHysteresis implements proposal.HysteresisStore.
func (s *Store) LoadHysteresis(ctx context.Context) (proposal.Hysteresis, error) {
	var h proposal.Hysteresis
	var last string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_proposal_type, cycles_since_last FROM hysteresis WHERE id = 1`,
	).Scan(&last, &h.CyclesSince)
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Hysteresis{}, nil
	}
	if err != nil {
		return proposal.Hysteresis{}, fmt.Errorf("load hysteresis: %w", err)
	}
	h.LastType = proposal.Kind(last)
	return h, nil
}

// SaveHysteresis implements proposal.HysteresisStore.
func (s *Store) SaveHysteresis(ctx context.Context, h proposal.Hysteresis) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hysteresis (id, last_proposal_type, cycles_since_last, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     last_proposal_type = excluded.last_proposal_type,
		     cycles_since_last = excluded.cycles_since_last,
		     updated_at = excluded.updated_at`,
		string(h.LastType), h.CyclesSince, s.now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save hysteresis: %w", err)
	}
	return nil
}
// #endregion hysteresis

// #region ledger
// RecordProposal inserts a proposal with its evaluation outcome.
func (s *Store) RecordProposal(ctx context.Context, p proposal.Proposal, status string, score float64, note string) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	now := s.now().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (proposal_id, target, kind, priority, status, score, note, proposal_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Target, string(p.Kind), string(p.Priority), status, score, nullIfEmpty(note), string(raw), now, now,
	)
	if err != nil {
		return fmt.Errorf("record proposal %s: %w", p.ID, err)
	}
	return nil
}

// ClaimProposal moves one approved proposal to queued. It returns false when
// somebody else claimed it first.
func (s *Store) ClaimProposal(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, updated_at = ? WHERE proposal_id = ? AND status = ?`,
		StatusQueued, s.now().Format(time.RFC3339Nano), id, StatusApproved,
	)
	if err != nil {
		return false, fmt.Errorf("claim proposal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim proposal %s: %w", id, err)
	}
	return n == 1, nil
}

// ClaimLatestApproved claims the most recently approved proposal that has not
// been queued yet.
func (s *Store) ClaimLatestApproved(ctx context.Context) (proposal.Proposal, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return proposal.Proposal{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id, raw string
	err = tx.QueryRowContext(ctx,
		`SELECT proposal_id, proposal_json FROM proposals WHERE status = ? ORDER BY rowid DESC LIMIT 1`,
		StatusApproved,
	).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Proposal{}, false, nil
	}
	if err != nil {
		return proposal.Proposal{}, false, fmt.Errorf("find approved: %w", err)
	}

	var p proposal.Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return proposal.Proposal{}, false, fmt.Errorf("unmarshal proposal %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE proposals SET status = ?, updated_at = ? WHERE proposal_id = ?`,
		StatusQueued, s.now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return proposal.Proposal{}, false, fmt.Errorf("claim proposal %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return proposal.Proposal{}, false, fmt.Errorf("commit: %w", err)
	}
	return p, true, nil
}

// SetProposalStatus records the final status of a proposal.
func (s *Store) SetProposalStatus(ctx context.Context, id, status, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, note = ?, updated_at = ? WHERE proposal_id = ?`,
		status, nullIfEmpty(note), s.now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s not found", id)
	}
	return nil
}

// ListProposals returns the newest proposals first, optionally filtered by status.
func (s *Store) ListProposals(ctx context.Context, status string, limit int) ([]ProposalRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT proposal_json, status, score, note, created_at, updated_at FROM proposals`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var records []ProposalRecord
	for rows.Next() {
		var rec ProposalRecord
		var raw, created, updated string
		var note sql.NullString
		if err := rows.Scan(&raw, &rec.Status, &rec.Score, &note, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.Proposal); err != nil {
			return nil, fmt.Errorf("unmarshal proposal: %w", err)
		}
		rec.Note = note.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountProposals returns the number of ledger rows per status.
func (s *Store) CountProposals(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count proposals: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
// #endregion ledger

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
