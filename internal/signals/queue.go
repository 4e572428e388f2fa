package signals

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/state"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/telemetry"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/update"
	"go.uber.org/zap"
)

const queueAgent = "execution_queue"

// #region heap
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
// #endregion heap

// #region queue
// Queue is the single-consumer execution queue. User tasks are dequeued before
// automatic ones; within a class the order is FIFO.
type Queue struct {
	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	held    int  // reservations for tasks about to be submitted
	busy    bool // worker is applying a task
	closed  bool
	idle    chan struct{}
	drained bool

	wake chan struct{}

	applier   Applier
	ledger    Ledger
	audit     audit.Appender
	telemetry *telemetry.Metrics
	logger    *zap.Logger
}

// NewQueue creates an empty queue. ledger, appender, metrics and logger may
// be nil.
func NewQueue(applier Applier, ledger Ledger, appender audit.Appender, metrics *telemetry.Metrics, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		idle:      idle,
		drained:   true,
		wake:      make(chan struct{}, 1),
		applier:   applier,
		ledger:    ledger,
		audit:     appender,
		telemetry: metrics,
		logger:    logger.Named("queue"),
	}
}

// Submit enqueues t and returns a channel that receives its outcome.
func (q *Queue) Submit(t Task) (<-chan Outcome, error) {
	if t.Proposal.ID == "" {
		return nil, errors.New("task has no proposal")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	done := make(chan Outcome, 1)
	t.done = done

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.tasks, &t)
	depth := len(q.tasks)
	q.syncIdleLocked()
	q.mu.Unlock()

	q.telemetry.SetQueueDepth(depth)
	q.logger.Debug("task queued",
		zap.String("task", t.ID),
		zap.String("proposal", t.Proposal.ID),
		zap.Stringer("priority", t.Priority))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done, nil
}

// Hold reserves a slot for a task that will be submitted shortly, so waiters
// do not see the queue as drained in between. Every Hold needs one Release.
func (q *Queue) Hold() {
	q.mu.Lock()
	q.held++
	q.syncIdleLocked()
	q.mu.Unlock()
}

// Release drops a reservation taken by Hold.
func (q *Queue) Release() {
	q.mu.Lock()
	if q.held > 0 {
		q.held--
	}
	q.syncIdleLocked()
	q.mu.Unlock()
}

// Len returns the number of tasks waiting to be applied.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// WaitForCompletion blocks until the queue drains or timeout elapses. It
// reports whether the queue drained.
func (q *Queue) WaitForCompletion(timeout time.Duration) bool {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// syncIdleLocked opens or closes the idle channel to match the queue's state.
func (q *Queue) syncIdleLocked() {
	drained := len(q.tasks) == 0 && !q.busy && q.held == 0
	switch {
	case drained && !q.drained:
		close(q.idle)
	case !drained && q.drained:
		q.idle = make(chan struct{})
	}
	q.drained = drained
}
// #endregion queue

// #region worker
// Run drains the queue serially until ctx is done. Tasks still pending when it
// returns complete with ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) error {
	defer q.shutdown()
	for {
		t := q.next()
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			q.requeue(t)
			return nil
		}
		q.process(ctx, t)
	}
}

func (q *Queue) next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := heap.Pop(&q.tasks).(*Task)
	q.busy = true
	q.telemetry.SetQueueDepth(len(q.tasks))
	return t
}

func (q *Queue) requeue(t *Task) {
	q.mu.Lock()
	heap.Push(&q.tasks, t)
	q.busy = false
	q.mu.Unlock()
}

func (q *Queue) process(ctx context.Context, t *Task) {
	log := q.logger.With(zap.String("task", t.ID), zap.String("proposal", t.Proposal.ID))
	log.Info("applying task", zap.Stringer("priority", t.Priority), zap.String("source", t.Source))

	res := q.applier.Apply(ctx, t.Scope, t.Proposal)

	result := "failed"
	status := state.StatusFailed
	switch {
	case res.Success:
		result, status = "committed", state.StatusApplied
	case res.RolledBack:
		result = "rolled_back"
	}
	q.telemetry.ObserveApply(result)

	// User tasks own their backup scope; ApplyIO keeps backups for recovery.
	if t.Priority == PriorityUser && !errors.Is(res.Err, update.ErrApplyIO) {
		if err := q.applier.DiscardScope(t.Scope); err != nil {
			log.Warn("discard task scope", zap.Error(err))
		}
	}

	bg := context.WithoutCancel(ctx)
	if q.ledger != nil {
		err := audit.Retry(func() error {
			return q.ledger.SetProposalStatus(bg, t.Proposal.ID, status, res.Message)
		})
		if err != nil {
			log.Error("update proposal ledger", zap.Error(err))
			res.Err = errors.Join(res.Err, err)
		}
	}
	if q.audit != nil {
		_, err := q.audit.Append(bg, queueAgent, audit.ActionTaskCompleted, map[string]any{
			"task_id":     t.ID,
			"proposal_id": t.Proposal.ID,
			"target":      t.Proposal.Target,
			"priority":    t.Priority.String(),
			"source":      t.Source,
			"success":     res.Success,
			"rolled_back": res.RolledBack,
			"message":     res.Message,
			"waited_ms":   time.Since(t.EnqueuedAt).Milliseconds(),
		})
		if err != nil {
			res.Err = errors.Join(res.Err, err)
		}
	}

	t.done <- Outcome{TaskID: t.ID, Priority: t.Priority, Result: res}

	q.mu.Lock()
	q.busy = false
	q.syncIdleLocked()
	q.mu.Unlock()
	log.Info("task finished", zap.String("result", result))
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.closed = true
	q.busy = false
	q.held = 0
	q.syncIdleLocked()
	q.mu.Unlock()

	for _, t := range pending {
		q.release(t)
		t.done <- Outcome{
			TaskID:   t.ID,
			Priority: t.Priority,
			Result: update.Result{
				ProposalID: t.Proposal.ID,
				Target:     t.Proposal.Target,
				Message:    "queue stopped before the task ran",
				Err:        ErrQueueClosed,
			},
		}
	}
	q.telemetry.SetQueueDepth(0)
}

// release returns a claimed proposal that never ran to approved, so a later
// cycle or urgent signal can claim it again.
func (q *Queue) release(t *Task) {
	if q.ledger == nil {
		return
	}
	err := audit.Retry(func() error {
		return q.ledger.SetProposalStatus(context.Background(), t.Proposal.ID, state.StatusApproved, "queue stopped before the task ran")
	})
	if err != nil {
		q.logger.Error("release proposal", zap.String("task", t.ID), zap.String("proposal", t.Proposal.ID), zap.Error(err))
	}
}
// #endregion worker
