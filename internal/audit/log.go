package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS action_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent        TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	details_json TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	entry_hash   TEXT NOT NULL UNIQUE,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_log_type ON action_log(action_type);
`

// #endregion schema

// #region log-struct

// Log is a hash-chained, append-only action log stored in SQLite. Each entry
// commits to its predecessor's hash, so any rewrite of history breaks Verify.
type Log struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewLog creates the action_log table on db if needed.
func NewLog(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate action_log: %w", err)
	}
	return &Log{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// #endregion log-struct

// #region append

// Append writes a new entry and returns its hash.
func (l *Log) Append(ctx context.Context, agent, actionType string, details any) (string, error) {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM action_log ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read chain head: %w", err)
	}

	ts := l.now().Format(time.RFC3339Nano)
	hash, err := entryHash(agent, actionType, raw, prev, ts)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO action_log (agent, action_type, details_json, prev_hash, entry_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent, actionType, string(raw), prev, hash, ts,
	)
	if err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash, nil
}

// #endregion append

// #region read

// Recent returns the last limit entries in chronological order. limit <= 0
// returns the whole log.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	entries, err := l.query(ctx,
		`SELECT id, agent, action_type, details_json, prev_hash, entry_hash, created_at
		 FROM action_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ByAction returns all entries of one action type, oldest first.
func (l *Log) ByAction(ctx context.Context, actionType string) ([]Entry, error) {
	return l.query(ctx,
		`SELECT id, agent, action_type, details_json, prev_hash, entry_hash, created_at
		 FROM action_log WHERE action_type = ? ORDER BY id ASC`, actionType)
}

// Count returns the number of entries in the log.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query action_log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var details, created string
		if err := rows.Scan(&e.Seq, &e.Agent, &e.ActionType, &details, &e.PrevHash, &e.Hash, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion read

// #region verify

// Verify recomputes every hash and chain link from the genesis entry on.
func (l *Log) Verify(ctx context.Context) (VerifyReport, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, agent, action_type, details_json, prev_hash, entry_hash, created_at
		 FROM action_log ORDER BY id ASC`)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("query action_log: %w", err)
	}
	defer rows.Close()

	report := VerifyReport{Valid: true}
	expectedPrev := GenesisHash
	for rows.Next() {
		var seq int64
		var agent, action, details, prev, hash, created string
		if err := rows.Scan(&seq, &agent, &action, &details, &prev, &hash, &created); err != nil {
			return VerifyReport{}, fmt.Errorf("scan row: %w", err)
		}
		report.Entries++

		if prev != expectedPrev {
			return broken(report, seq, "previous hash does not match chain"), nil
		}
		want, err := entryHash(agent, action, json.RawMessage(details), prev, created)
		if err != nil {
			return broken(report, seq, err.Error()), nil
		}
		if want != hash {
			return broken(report, seq, "entry hash mismatch"), nil
		}
		expectedPrev = hash
		report.Head = hash
	}
	return report, rows.Err()
}

func broken(r VerifyReport, seq int64, reason string) VerifyReport {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
	return r
}

// #endregion verify

// #region hashing

type hashInput struct {
	Agent      string          `json:"agent"`
	ActionType string          `json:"action_type"`
	Details    json.RawMessage `json:"details"`
	PrevHash   string          `json:"prev_hash"`
	Timestamp  string          `json:"timestamp"`
}

// entryHash is sha256 over the RFC 8785 canonical form of the entry.
func entryHash(agent, actionType string, details json.RawMessage, prev, ts string) (string, error) {
	raw, err := json.Marshal(hashInput{
		Agent:      agent,
		ActionType: actionType,
		Details:    details,
		PrevHash:   prev,
		Timestamp:  ts,
	})
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// #endregion hashing
