package state

import (
	"time"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
)

// #region snapshot
// Snapshot is the system-state record: running counters plus the summary of
// the most recent cycle.
type Snapshot struct {
	TotalCycles          int       `json:"total_cycles"`
	TotalApplied         int       `json:"total_applied"`
	LastCycleID          string    `json:"last_cycle_id,omitempty"`
	LastCycleOutcome     string    `json:"last_cycle_outcome,omitempty"`
	LastCycleGenerated   int       `json:"last_cycle_proposals_generated"`
	LastCycleApproved    int       `json:"last_cycle_proposals_approved"`
	LastCycleApplied     int       `json:"last_cycle_changes_applied"`
	LastRunAt            time.Time `json:"last_run_at,omitempty"`
	LastImprovementCycle string    `json:"last_improvement_cycle,omitempty"`
}

// CycleSummary is what one finished cycle contributes to the snapshot.
type CycleSummary struct {
	CycleID    string
	Outcome    string
	Generated  int
	Approved   int
	Applied    int
	FinishedAt time.Time
}
// #endregion snapshot

// #region proposal-record
// Ledger statuses. A proposal moves approved -> queued -> applied|failed;
// rejected proposals never leave the rejected state.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusQueued   = "queued"
	StatusApplied  = "applied"
	StatusFailed   = "failed"
)

// ProposalRecord is a ledger row: the proposal plus its evaluation outcome.
type ProposalRecord struct {
	Proposal  proposal.Proposal `json:"proposal"`
	Status    string            `json:"status"`
	Score     float64           `json:"score"`
	Note      string            `json:"note,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
// #endregion proposal-record
