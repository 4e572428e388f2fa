package orchestrator

import (
	"errors"
	"time"
)

// #region errors
var (
	// ErrInterrupted marks a cycle that stopped cooperatively at a checkpoint.
	// RunCycle does not return it; the cycle is recorded as partial instead.
	ErrInterrupted = errors.New("cycle interrupted")
	// ErrCycleActive is returned when a cycle starts while another is current.
	ErrCycleActive = errors.New("a cycle is already running")
	// ErrHalted is returned for automatic cycles while an emergency halt holds.
	ErrHalted = errors.New("automatic cycles halted by emergency signal")
)
// #endregion errors

// #region phase
// Phase is a state of the cycle machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCollecting Phase = "collecting"
	PhaseProposing  Phase = "proposing"
	PhaseEvaluating Phase = "evaluating"
	PhaseApplying   Phase = "applying"
	PhaseRecording  Phase = "recording"
)

var nextPhase = map[Phase]Phase{
	PhaseIdle:       PhaseCollecting,
	PhaseCollecting: PhaseProposing,
	PhaseProposing:  PhaseEvaluating,
	PhaseEvaluating: PhaseApplying,
	PhaseApplying:   PhaseRecording,
	PhaseRecording:  PhaseIdle,
}
// #endregion phase

// #region cycle-type
// CycleType says what started a cycle.
type CycleType string

const (
	CycleAutomatic     CycleType = "automatic"
	CycleUserInitiated CycleType = "user_initiated"
	CycleEmergency     CycleType = "emergency"
)
// #endregion cycle-type

// #region outcome
// Outcome is the final disposition of a cycle.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)
// #endregion outcome

// #region cycle-record
// CycleRecord summarizes one orchestration pass. It is written once.
type CycleRecord struct {
	ID                 string        `json:"cycle_id"`
	Type               CycleType     `json:"type"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"-"`
	ProposalsGenerated int           `json:"proposals_generated"`
	ProposalsApproved  int           `json:"proposals_approved"`
	ChangesApplied     int           `json:"changes_applied"`
	Outcome            Outcome       `json:"outcome"`
	Partial            bool          `json:"partial"`
	InterruptReason    string        `json:"interrupt_reason,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// DurationSeconds is Duration in seconds, for reports.
func (r CycleRecord) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// Summary is the flat key/value view used by audit entries and CLI output.
func (r CycleRecord) Summary() map[string]any {
	out := map[string]any{
		"cycle_id":            r.ID,
		"type":                string(r.Type),
		"outcome":             string(r.Outcome),
		"partial":             r.Partial,
		"proposals_generated": r.ProposalsGenerated,
		"proposals_approved":  r.ProposalsApproved,
		"changes_applied":     r.ChangesApplied,
		"duration_seconds":    r.DurationSeconds(),
	}
	if r.InterruptReason != "" {
		out["interrupt_reason"] = r.InterruptReason
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}
// #endregion cycle-record

// #region config
// Config tunes the orchestrator.
type Config struct {
	// WaitTimeout bounds each wait on the execution queue.
	WaitTimeout time.Duration
	Agent       string
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{WaitTimeout: 2 * time.Minute, Agent: "orchestrator"}
}
// #endregion config
