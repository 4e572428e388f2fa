package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/alerts"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/gate"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/signals"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/state"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/telemetry"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/update"
	"go.uber.org/zap"
)

// #endregion

// #region collaborators

// MetricsSource supplies the current metric snapshot.
type MetricsSource interface {
	Current(ctx context.Context) (proposal.Metrics, error)
}

// Evaluator scores one proposal.
type Evaluator interface {
	Evaluate(ctx context.Context, p proposal.Proposal, metrics proposal.Metrics) (gate.EvaluationResult, error)
}

// Ledger stores evaluated proposals and hands them to exactly one applier.
type Ledger interface {
	RecordProposal(ctx context.Context, p proposal.Proposal, status string, score float64, note string) error
	ClaimProposal(ctx context.Context, id string) (bool, error)
	SetProposalStatus(ctx context.Context, id, status, note string) error
	AdvanceSnapshot(ctx context.Context, sum state.CycleSummary) (state.Snapshot, error)
}

// Executor runs applies on the execution queue.
type Executor interface {
	Submit(t signals.Task) (<-chan signals.Outcome, error)
	WaitForCompletion(timeout time.Duration) bool
}

// BackupDiscarder drops a cycle's backup scope.
type BackupDiscarder interface {
	DiscardScope(scope string) error
}

// Deps bundles the orchestrator's collaborators. Alerts, Memory, Telemetry
// and Logger may be nil.
type Deps struct {
	State     *State
	Metrics   MetricsSource
	Source    proposal.Source
	Evaluator Evaluator
	Ledger    Ledger
	Executor  Executor
	Backups   BackupDiscarder
	Audit     audit.Appender
	Memory    *CycleMemory
	Alerts    *alerts.Notifier
	Telemetry *telemetry.Metrics
	Logger    *zap.Logger
}

// #endregion

// #region orchestrator-struct

// Orchestrator drives collect -> propose -> evaluate -> apply -> record.
type Orchestrator struct {
	config Config
	Deps
	logger *zap.Logger
}

// New creates an orchestrator. A nil State gets a fresh one.
func New(config Config, deps Deps) *Orchestrator {
	if deps.State == nil {
		deps.State = NewState()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{config: config, Deps: deps, logger: logger.Named("orch")}
}

// Status returns the current orchestration state.
func (o *Orchestrator) Status() Status {
	return o.State.Status()
}

// #endregion

// #region run-cycle

// RunCycle runs one full cycle. An interrupted cycle is not an error: it is
// returned with Outcome interrupted and Partial set. The error is non-nil
// only for failures that must be escalated (apply I/O, persistence) or when
// the cycle could not start at all.
func (o *Orchestrator) RunCycle(ctx context.Context, typ CycleType) (CycleRecord, error) {
	id := uuid.NewString()
	if err := o.State.Begin(id, typ); err != nil {
		return CycleRecord{}, err
	}
	rec := CycleRecord{ID: id, Type: typ, StartedAt: time.Now().UTC()}
	log := o.logger.With(zap.String("cycle", id), zap.String("type", string(typ)))
	log.Info("cycle started")

	runErr := o.runPhases(ctx, log, &rec)
	return o.finish(ctx, log, rec, runErr)
}

func (o *Orchestrator) runPhases(ctx context.Context, log *zap.Logger, rec *CycleRecord) error {
	// --- Collecting ---
	if err := o.enter(PhaseCollecting); err != nil {
		return err
	}
	if err := o.checkpoint(ctx); err != nil {
		return err
	}
	metrics, err := o.Metrics.Current(ctx)
	if err != nil {
		log.Warn("metrics unavailable", zap.Error(err))
		metrics = nil
	}

	// --- Proposing ---
	if err := o.enter(PhaseProposing); err != nil {
		return err
	}
	proposals, err := o.Source.Propose(ctx, metrics)
	switch {
	case errors.Is(err, proposal.ErrInsufficientData):
		log.Info("no proposal: insufficient data", zap.Error(err))
	case err != nil:
		log.Warn("proposal source failed", zap.Error(err))
	}
	if err != nil {
		proposals = nil
	}
	rec.ProposalsGenerated = len(proposals)
	o.Telemetry.AddProposals("generated", len(proposals))

	// --- Evaluating ---
	if err := o.enter(PhaseEvaluating); err != nil {
		return err
	}
	approved, err := o.evaluateAll(ctx, log, proposals, metrics)
	if err != nil {
		return err
	}
	rec.ProposalsApproved = len(approved)
	o.Telemetry.AddProposals("approved", len(approved))
	o.Telemetry.AddProposals("rejected", len(proposals)-len(approved))

	// --- Applying ---
	if err := o.enter(PhaseApplying); err != nil {
		return err
	}
	for _, p := range approved {
		if err := o.checkpoint(ctx); err != nil {
			return err
		}
		applied, err := o.applyOne(ctx, log, rec.ID, p)
		if applied {
			rec.ChangesApplied++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// #endregion

// #region phases

func (o *Orchestrator) enter(p Phase) error {
	if err := o.State.Transition(p); err != nil {
		return fmt.Errorf("state machine: %w", err)
	}
	return nil
}

// checkpoint returns ErrInterrupted when an interrupt is pending or ctx is done.
func (o *Orchestrator) checkpoint(ctx context.Context) error {
	if reason, ok := o.State.Interrupted(); ok {
		return fmt.Errorf("%w: %s", ErrInterrupted, reason)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

// evaluateAll scores every proposal and records it in the ledger. Malformed
// proposals count as rejections; only persistence failures abort.
func (o *Orchestrator) evaluateAll(ctx context.Context, log *zap.Logger, proposals []proposal.Proposal, metrics proposal.Metrics) ([]proposal.Proposal, error) {
	var approved []proposal.Proposal
	for _, p := range proposals {
		res, err := o.Evaluator.Evaluate(ctx, p, metrics)
		if errors.Is(err, audit.ErrPersistence) {
			return approved, err
		}
		if err != nil {
			log.Warn("proposal rejected", zap.String("proposal", p.ID), zap.Error(err))
			res.Approved = false
		}

		status := state.StatusRejected
		if res.Approved {
			status = state.StatusApproved
		}
		note := ""
		if n := len(res.Reasoning); n > 0 {
			note = res.Reasoning[n-1]
		}
		if err := audit.Retry(func() error {
			return o.Ledger.RecordProposal(context.WithoutCancel(ctx), p, status, res.Overall, note)
		}); err != nil {
			return approved, fmt.Errorf("record proposal %s: %w", p.ID, err)
		}
		if res.Approved {
			approved = append(approved, p)
		}
	}
	return approved, nil
}

// applyOne claims p and runs it through the execution queue, waiting for the
// transaction to finish. A proposal already claimed by an urgent signal is
// skipped.
func (o *Orchestrator) applyOne(ctx context.Context, log *zap.Logger, cycleID string, p proposal.Proposal) (bool, error) {
	claimed, err := o.Ledger.ClaimProposal(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("%w: claim proposal %s: %w", audit.ErrPersistence, p.ID, err)
	}
	if !claimed {
		log.Info("proposal already claimed", zap.String("proposal", p.ID))
		return false, nil
	}

	done, err := o.Executor.Submit(signals.Task{
		Priority: signals.PriorityAutomatic,
		Proposal: p,
		Source:   "cycle:" + cycleID,
		Scope:    cycleID,
	})
	if err != nil {
		o.unclaim(ctx, log, p.ID)
		return false, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}

	// Every accepted task gets an outcome. The cycle's backup scope must
	// outlive the transaction, so this wait does not watch ctx.
	out := <-done

	res := out.Result
	switch {
	case errors.Is(res.Err, signals.ErrQueueClosed):
		return false, fmt.Errorf("%w: %w", ErrInterrupted, res.Err)
	case errors.Is(res.Err, update.ErrApplyIO), errors.Is(res.Err, audit.ErrPersistence):
		return res.Success, res.Err
	}
	if res.Success {
		log.Info("change applied", zap.String("proposal", p.ID), zap.String("target", p.Target))
	} else {
		log.Warn("change not applied", zap.String("proposal", p.ID), zap.String("reason", res.Message))
	}
	if err := ctx.Err(); err != nil {
		return res.Success, fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return res.Success, nil
}

// unclaim hands a proposal the queue refused back to the approved pool.
func (o *Orchestrator) unclaim(ctx context.Context, log *zap.Logger, id string) {
	err := audit.Retry(func() error {
		return o.Ledger.SetProposalStatus(context.WithoutCancel(ctx), id, state.StatusApproved, "execution queue closed")
	})
	if err != nil {
		log.Error("release claimed proposal", zap.String("proposal", id), zap.Error(err))
	}
}

// #endregion

// #region recording

// finish runs the Recording phase. It always executes, whatever runPhases
// returned.
func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, rec CycleRecord, runErr error) (CycleRecord, error) {
	bg := context.WithoutCancel(ctx)
	if err := o.enter(PhaseRecording); err != nil {
		log.Error("enter recording", zap.Error(err))
	}

	interrupted := errors.Is(runErr, ErrInterrupted)
	switch {
	case interrupted:
		rec.Outcome = OutcomeInterrupted
		rec.Partial = true
		rec.InterruptReason = interruptReason(runErr)
		if o.Backups != nil {
			if err := o.Backups.DiscardScope(rec.ID); err != nil {
				log.Warn("discard cycle backups", zap.Error(err))
			}
		}
	case runErr != nil:
		rec.Outcome = OutcomeFailed
		rec.Partial = true
		rec.Error = runErr.Error()
	default:
		rec.Outcome = OutcomeCompleted
		if o.Backups != nil {
			if err := o.Backups.DiscardScope(rec.ID); err != nil {
				log.Warn("discard cycle backups", zap.Error(err))
			}
		}
	}
	rec.Duration = time.Since(rec.StartedAt)

	var escalate []error
	if runErr != nil && !interrupted {
		escalate = append(escalate, runErr)
	}

	summary := state.CycleSummary{
		CycleID:    rec.ID,
		Outcome:    string(rec.Outcome),
		Generated:  rec.ProposalsGenerated,
		Approved:   rec.ProposalsApproved,
		Applied:    rec.ChangesApplied,
		FinishedAt: time.Now().UTC(),
	}
	if err := audit.Retry(func() error {
		_, err := o.Ledger.AdvanceSnapshot(bg, summary)
		return err
	}); err != nil {
		escalate = append(escalate, fmt.Errorf("save snapshot: %w", err))
	}
	if o.Memory != nil {
		if err := audit.Retry(func() error { return o.Memory.Record(bg, rec) }); err != nil {
			escalate = append(escalate, err)
		}
	}
	if o.Audit != nil {
		if _, err := o.Audit.Append(bg, o.config.Agent, cycleAction(rec.Outcome), rec.Summary()); err != nil {
			escalate = append(escalate, err)
		}
	}

	o.alert(bg, rec, errors.Join(escalate...))
	o.Telemetry.ObserveCycle(string(rec.Type), string(rec.Outcome), rec.Duration)

	o.State.End()
	log.Info("cycle finished",
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("proposals_generated", rec.ProposalsGenerated),
		zap.Int("proposals_approved", rec.ProposalsApproved),
		zap.Int("changes_applied", rec.ChangesApplied),
		zap.Duration("duration", rec.Duration))

	// Let signaled user work run before the next automatic cycle.
	if interrupted && o.Executor != nil && !o.Executor.WaitForCompletion(o.config.WaitTimeout) {
		log.Warn("execution queue still busy after interrupt", zap.Duration("waited", o.config.WaitTimeout))
	}
	return rec, errors.Join(escalate...)
}

func (o *Orchestrator) alert(ctx context.Context, rec CycleRecord, escalated error) {
	if o.Alerts == nil {
		return
	}
	extra := rec.Summary()
	var err error
	switch {
	case escalated != nil:
		err = o.Alerts.Critical(ctx, "cycle failed", escalated.Error(), extra)
	case rec.ChangesApplied > 0:
		err = o.Alerts.Info(ctx, "changes applied", fmt.Sprintf("%d change(s) committed", rec.ChangesApplied), extra)
	case rec.ProposalsGenerated > 0 && rec.ProposalsApproved == 0:
		err = o.Alerts.Warning(ctx, "no proposals approved",
			fmt.Sprintf("%d proposal(s) rejected", rec.ProposalsGenerated), extra)
	}
	if err != nil {
		o.logger.Error("send alert", zap.Error(err))
	}
}

func cycleAction(out Outcome) string {
	switch out {
	case OutcomeInterrupted:
		return audit.ActionCycleInterrupted
	case OutcomeFailed:
		return audit.ActionCycleFailed
	default:
		return audit.ActionCycleCompleted
	}
}

func interruptReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInterrupted.Error()+": ")
}

// #endregion
