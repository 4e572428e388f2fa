package signals

import (
	"context"
	"errors"
	"time"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/update"
)

// ErrQueueClosed is returned by Submit once the worker has stopped, and is
// the outcome of tasks still pending at that point.
var ErrQueueClosed = errors.New("execution queue closed")

// #region priority
// Priority orders execution tasks. Higher values are dequeued first.
type Priority int

const (
	PriorityAutomatic Priority = iota
	PriorityUser
)

func (p Priority) String() string {
	if p == PriorityUser {
		return "user_immediate"
	}
	return "automatic"
}
// #endregion priority

// #region task
// Task is one queued apply. Proposal has already passed evaluation.
type Task struct {
	ID         string
	Priority   Priority
	Proposal   proposal.Proposal
	Source     string
	Scope      string // backup scope handed to the updater
	EnqueuedAt time.Time

	seq  uint64
	done chan Outcome
}

// Outcome is delivered once per task when the worker has finished it.
type Outcome struct {
	TaskID   string
	Priority Priority
	Result   update.Result
}
// #endregion task

// #region collaborators
// Applier runs the atomic apply protocol.
type Applier interface {
	Apply(ctx context.Context, scope string, p proposal.Proposal) update.Result
	DiscardScope(scope string) error
}

// Ledger tracks proposal status between evaluation and application.
type Ledger interface {
	ClaimLatestApproved(ctx context.Context) (proposal.Proposal, bool, error)
	SetProposalStatus(ctx context.Context, id, status, note string) error
}

// CycleState is the part of the orchestration state the signal path touches.
// Every method must return without waiting on a running cycle.
type CycleState interface {
	InterruptIfActive(reason string) bool
	Interrupt(reason string)
	Halt()
	Resume()
}
// #endregion collaborators
