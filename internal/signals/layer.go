package signals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/telemetry"
	"go.uber.org/zap"
)

const (
	layerAgent    = "preemption_layer"
	requestBuffer = 16

	// ReasonEmergency is the interrupt reason of every emergency signal.
	ReasonEmergency = "EMERGENCY"
	// ReasonUrgent is the default interrupt reason of an urgent signal.
	ReasonUrgent = "USER_URGENT"
)

// #region request
type requestKind string

const (
	requestUrgent    requestKind = "urgent"
	requestEmergency requestKind = "emergency"
	requestResume    requestKind = "resume"
)

type request struct {
	kind        requestKind
	reason      string
	interrupted bool
	at          time.Time
}
// #endregion request

// #region layer
// Layer absorbs external signals. Its entry points only flip state flags and
// post a message; the dispatcher goroutine started by Run does the rest.
type Layer struct {
	state     CycleState
	queue     *Queue
	ledger    Ledger
	audit     audit.Appender
	telemetry *telemetry.Metrics
	logger    *zap.Logger

	requests chan request
}

// NewLayer wires the layer. appender, metrics and logger may be nil.
func NewLayer(state CycleState, queue *Queue, ledger Ledger, appender audit.Appender, metrics *telemetry.Metrics, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{
		state:     state,
		queue:     queue,
		ledger:    ledger,
		audit:     appender,
		telemetry: metrics,
		logger:    logger.Named("signals"),
		requests:  make(chan request, requestBuffer),
	}
}

// Urgent marks a running cycle for interruption and asks the dispatcher to
// enqueue the latest approved proposal at user priority. It never blocks; a
// request arriving while the buffer is full is dropped, which is safe because
// the buffered requests already cover it. It reports whether a running cycle
// was marked.
func (l *Layer) Urgent(reason string) bool {
	if reason == "" {
		reason = ReasonUrgent
	}
	interrupted := l.state.InterruptIfActive(reason)
	l.telemetry.ObserveInterrupt(string(requestUrgent))

	l.queue.Hold()
	if !l.post(request{kind: requestUrgent, reason: reason, interrupted: interrupted}) {
		l.queue.Release()
	}
	return interrupted
}

// Emergency interrupts with reason EMERGENCY and halts automatic cycles until
// Resume. It enqueues no work.
func (l *Layer) Emergency(reason string) {
	l.state.Interrupt(ReasonEmergency)
	l.state.Halt()
	l.telemetry.ObserveInterrupt(string(requestEmergency))
	l.post(request{kind: requestEmergency, reason: reason})
}

// Resume lifts an emergency halt.
func (l *Layer) Resume() {
	l.state.Resume()
	l.post(request{kind: requestResume})
}

func (l *Layer) post(r request) bool {
	r.at = time.Now().UTC()
	select {
	case l.requests <- r:
		return true
	default:
		l.logger.Warn("signal request dropped", zap.String("kind", string(r.kind)))
		return false
	}
}
// #endregion layer

// #region dispatcher
// Run handles posted requests until ctx is done.
func (l *Layer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case r := <-l.requests:
			l.handle(ctx, r)
		}
	}
}

func (l *Layer) handle(ctx context.Context, r request) {
	bg := context.WithoutCancel(ctx)
	switch r.kind {
	case requestUrgent:
		defer l.queue.Release()
		details := map[string]any{
			"kind":        string(r.kind),
			"reason":      r.reason,
			"interrupted": r.interrupted,
			"received_at": r.at.Format(time.RFC3339Nano),
			"enqueued":    false,
		}
		if taskID, proposalID, ok := l.enqueueLatest(bg); ok {
			details["enqueued"] = true
			details["task_id"] = taskID
			details["proposal_id"] = proposalID
		}
		l.record(bg, audit.ActionSignalReceived, details)

	case requestEmergency:
		l.logger.Warn("emergency halt", zap.String("reason", r.reason))
		l.record(bg, audit.ActionEmergencyHalt, map[string]any{
			"reason":      ReasonEmergency,
			"detail":      r.reason,
			"received_at": r.at.Format(time.RFC3339Nano),
		})

	case requestResume:
		l.logger.Info("emergency halt lifted")
		l.record(bg, audit.ActionResumed, map[string]any{
			"received_at": r.at.Format(time.RFC3339Nano),
		})
	}
}

// enqueueLatest claims the most recently approved, unapplied proposal and
// submits it at user priority.
func (l *Layer) enqueueLatest(ctx context.Context) (taskID, proposalID string, ok bool) {
	if l.ledger == nil {
		return "", "", false
	}
	p, found, err := l.ledger.ClaimLatestApproved(ctx)
	if err != nil {
		l.logger.Error("claim approved proposal", zap.Error(err))
		return "", "", false
	}
	if !found {
		l.logger.Info("urgent signal: no approved proposal pending")
		return "", "", false
	}

	taskID = uuid.NewString()
	if _, err := l.queue.Submit(Task{
		ID:       taskID,
		Priority: PriorityUser,
		Proposal: p,
		Source:   "urgent_signal",
		Scope:    "urgent-" + taskID,
	}); err != nil {
		l.logger.Error("enqueue urgent task", zap.String("proposal", p.ID), zap.Error(err))
		return "", "", false
	}
	l.logger.Info("urgent task enqueued", zap.String("task", taskID), zap.String("proposal", p.ID))
	return taskID, p.ID, true
}

func (l *Layer) record(ctx context.Context, action string, details map[string]any) {
	if l.audit == nil {
		return
	}
	if _, err := l.audit.Append(ctx, layerAgent, action, details); err != nil {
		l.logger.Error("record signal", zap.String("action", action), zap.Error(err))
	}
}

// HandlePending handles every request already posted, in the caller's
// goroutine. It is the one-shot alternative to Run for processes that raise a
// signal on their own layer and exit.
func (l *Layer) HandlePending(ctx context.Context) {
	for {
		select {
		case r := <-l.requests:
			l.handle(ctx, r)
		default:
			return
		}
	}
}

// drain releases the reservations of urgent requests that will never be
// handled.
func (l *Layer) drain() {
	for {
		select {
		case r := <-l.requests:
			if r.kind == requestUrgent {
				l.queue.Release()
			}
		default:
			return
		}
	}
}
// #endregion dispatcher
