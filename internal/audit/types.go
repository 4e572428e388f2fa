package audit

import (
	"context"
	"encoding/json"
	"time"
)

// #region action-types
const (
	ActionProposalEvaluated = "PROPOSAL_EVALUATED"
	ActionAtomicCommit      = "ATOMIC_COMMIT"
	ActionAtomicRollback    = "ATOMIC_ROLLBACK"
	ActionTaskCompleted     = "TASK_COMPLETED"
	ActionCycleCompleted    = "CYCLE_COMPLETED"
	ActionCycleInterrupted  = "CYCLE_INTERRUPTED"
	ActionCycleFailed       = "CYCLE_FAILED"
	ActionSignalReceived    = "SIGNAL_RECEIVED"
	ActionEmergencyHalt     = "EMERGENCY_HALT"
	ActionResumed           = "RESUMED"
	ActionNotificationSent  = "NOTIFICATION_SENT"
)

// GenesisHash is the previous-hash value of the first entry in a chain.
const GenesisHash = "genesis"

// #endregion action-types

// #region entry

// Entry is one row of the append-only action log.
type Entry struct {
	Seq        int64           `json:"seq"`
	Agent      string          `json:"agent"`
	ActionType string          `json:"action_type"`
	Details    json.RawMessage `json:"details"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DecodeDetails unmarshals the entry's details into v.
func (e Entry) DecodeDetails(v any) error {
	return json.Unmarshal(e.Details, v)
}

// #endregion entry

// #region appender

// Appender is the write side of the log. Components depend on this rather
// than on *Log so a retrying Recorder can sit in front of it.
type Appender interface {
	Append(ctx context.Context, agent, actionType string, details any) (string, error)
}

// #endregion appender

// #region verify-report

// VerifyReport summarizes a full chain check.
type VerifyReport struct {
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head,omitempty"`
}

// #endregion verify-report
