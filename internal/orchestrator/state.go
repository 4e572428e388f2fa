package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/signals"
)

// State is the process-wide orchestration state. Every field is read and
// written under mu, which is never held across blocking work.
type State struct {
	mu            sync.Mutex
	cycleID       string
	cycleType     CycleType
	phase         Phase
	startedAt     time.Time
	interrupted   bool
	reason        string
	interruptedAt time.Time
	halted        bool
}

// Status is a copy of State for callers outside the lock.
type Status struct {
	CycleID       string    `json:"cycle_id,omitempty"`
	CycleType     CycleType `json:"cycle_type,omitempty"`
	Phase         Phase     `json:"phase"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	Interrupted   bool      `json:"interrupted"`
	Reason        string    `json:"interrupt_reason,omitempty"`
	InterruptedAt time.Time `json:"interrupted_at,omitempty"`
	Halted        bool      `json:"halted"`
}

// NewState returns an idle state with no cycle and no halt.
func NewState() *State {
	return &State{phase: PhaseIdle}
}

// #region cycle
// Begin makes id the current cycle. It fails when a cycle is already current,
// or when an automatic cycle starts under an emergency halt.
func (s *State) Begin(id string, typ CycleType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleID != "" {
		return fmt.Errorf("%w: %s", ErrCycleActive, s.cycleID)
	}
	if s.halted && typ == CycleAutomatic {
		return ErrHalted
	}
	s.cycleID = id
	s.cycleType = typ
	s.phase = PhaseIdle
	s.startedAt = time.Now().UTC()
	return nil
}

// Transition moves the current cycle to next. Only the successor phase is
// allowed, except that any working phase may jump to Recording on abort.
func (s *State) Transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleID == "" {
		return fmt.Errorf("transition to %s with no active cycle", next)
	}
	if nextPhase[s.phase] == next || (next == PhaseRecording && s.phase != PhaseIdle && s.phase != PhaseRecording) {
		s.phase = next
		return nil
	}
	return fmt.Errorf("invalid transition %s -> %s", s.phase, next)
}

// End resets to no active cycle and clears the interrupt flag. The halt
// latch survives.
func (s *State) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycleID = ""
	s.cycleType = ""
	s.phase = PhaseIdle
	s.startedAt = time.Time{}
	s.clearInterruptLocked()
}
// #endregion cycle

// #region interrupt
// InterruptIfActive sets the interrupt flag only while a cycle is current and
// reports whether it did.
func (s *State) InterruptIfActive(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleID == "" {
		return false
	}
	s.setInterruptLocked(reason)
	return true
}

// Interrupt sets the interrupt flag unconditionally.
func (s *State) Interrupt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setInterruptLocked(reason)
}

// Interrupted returns the pending interrupt reason, if any.
func (s *State) Interrupted() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.interrupted
}

func (s *State) setInterruptLocked(reason string) {
	s.interrupted = true
	s.reason = reason
	s.interruptedAt = time.Now().UTC()
}

func (s *State) clearInterruptLocked() {
	s.interrupted = false
	s.reason = ""
	s.interruptedAt = time.Time{}
}
// #endregion interrupt

// #region halt
// Halt latches the emergency halt.
func (s *State) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
}

// Resume lifts the halt and drops a pending emergency interrupt.
func (s *State) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
	if s.reason == signals.ReasonEmergency {
		s.clearInterruptLocked()
	}
}

func (s *State) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}
// #endregion halt

// Status returns a consistent copy of the state.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		CycleID:       s.cycleID,
		CycleType:     s.cycleType,
		Phase:         s.phase,
		StartedAt:     s.startedAt,
		Interrupted:   s.interrupted,
		Reason:        s.reason,
		InterruptedAt: s.interruptedAt,
		Halted:        s.halted,
	}
}
