package daemon

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/lock"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/orchestrator"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/replay"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/signals"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// #region status

// StatusReport is the output of the status command.
type StatusReport struct {
	Snapshot     state.Snapshot      `json:"snapshot"`
	Cycle        orchestrator.Status `json:"cycle"`
	QueueDepth   int                 `json:"queue_depth"`
	Proposals    map[string]int      `json:"proposals"`
	AuditEntries int                 `json:"audit_entries"`
	DaemonPID    int                 `json:"daemon_pid,omitempty"`
}

// Status reports the persisted snapshot together with this process's cycle
// state and the PID of a running watcher, if any.
func (d *Daemon) Status(ctx context.Context) (StatusReport, error) {
	snap, err := d.store.LoadSnapshot(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	counts, err := d.store.CountProposals(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	entries, err := d.auditLog.Count(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		Snapshot:     snap,
		Cycle:        d.orch.Status(),
		QueueDepth:   d.queue.Len(),
		Proposals:    counts,
		AuditEntries: entries,
	}
	if pid, err := lock.ReadPID(d.cfg.LockPath()); err == nil {
		report.DaemonPID = pid
	}
	return report, nil
}

// History returns the most recent cycle records, newest first.
func (d *Daemon) History(ctx context.Context, limit int) ([]orchestrator.CycleRecord, error) {
	return d.memory.Recent(ctx, limit)
}

// Proposals lists ledger entries, optionally filtered by status.
func (d *Daemon) Proposals(ctx context.Context, status string, limit int) ([]state.ProposalRecord, error) {
	return d.store.ListProposals(ctx, status, limit)
}

// #endregion status

// #region signals

// Signal names accepted by SendSignal.
const (
	SignalUrgent    = "urgent"
	SignalEmergency = "emergency"
	SignalResume    = "resume"
)

// SignalReport describes what happened to a signal.
type SignalReport struct {
	Signal    string         `json:"signal"`
	Delivered bool           `json:"delivered_to_daemon"`
	PID       int            `json:"pid,omitempty"`
	Handled   map[string]any `json:"handled,omitempty"`
	Completed map[string]any `json:"completed,omitempty"`
	Note      string         `json:"note,omitempty"`
}

var osSignals = map[string]syscall.Signal{
	SignalUrgent:    unix.SIGUSR1,
	SignalEmergency: unix.SIGUSR2,
	SignalResume:    unix.SIGHUP,
}

// SendSignal delivers kind to the running controller. With none running, the
// signal is handled in this process: an urgent signal applies the latest
// approved proposal, an emergency or resume is recorded in the audit log.
func (d *Daemon) SendSignal(ctx context.Context, kind string) (SignalReport, error) {
	sig, ok := osSignals[kind]
	if !ok {
		return SignalReport{}, fmt.Errorf("unknown signal %q", kind)
	}
	report := SignalReport{Signal: kind}

	pid, err := lock.ReadPID(d.cfg.LockPath())
	switch {
	case err == nil:
		if err := unix.Kill(pid, sig); err != nil {
			return report, fmt.Errorf("signal pid %d: %w", pid, err)
		}
		d.logger.Info("signal delivered", zap.String("signal", kind), zap.Int("pid", pid))
		report.Delivered, report.PID = true, pid
		return report, nil
	case !errors.Is(err, lock.ErrNotRunning):
		return report, err
	}

	return d.handleLocally(ctx, report)
}

func (d *Daemon) handleLocally(ctx context.Context, report SignalReport) (SignalReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.queue.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var action string
	switch report.Signal {
	case SignalUrgent:
		d.layer.Urgent(signals.ReasonUrgent)
		action = audit.ActionSignalReceived
	case SignalEmergency:
		d.layer.Emergency("cli")
		action = audit.ActionEmergencyHalt
		report.Note = "no running controller; halt recorded, nothing to stop"
	case SignalResume:
		d.layer.Resume()
		action = audit.ActionResumed
		report.Note = "no running controller; resume recorded"
	}
	d.layer.HandlePending(ctx)

	if !d.queue.WaitForCompletion(d.cfg.Orchestrator.WaitTimeout) {
		return report, fmt.Errorf("urgent task did not finish within %s", d.cfg.Orchestrator.WaitTimeout)
	}

	var err error
	if report.Handled, err = d.lastDetails(ctx, action); err != nil {
		return report, err
	}
	if report.Handled["enqueued"] == true {
		if report.Completed, err = d.lastDetails(ctx, audit.ActionTaskCompleted); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (d *Daemon) lastDetails(ctx context.Context, action string) (map[string]any, error) {
	entries, err := d.auditLog.ByAction(ctx, action)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	var details map[string]any
	if err := entries[len(entries)-1].DecodeDetails(&details); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", action, err)
	}
	return details, nil
}

// Resume lifts an emergency halt, on the running controller when there is one.
func (d *Daemon) Resume(ctx context.Context) (SignalReport, error) {
	return d.SendSignal(ctx, SignalResume)
}

// #endregion signals

// #region audit

// VerifyLog recomputes the audit hash chain.
func (d *Daemon) VerifyLog(ctx context.Context) (audit.VerifyReport, error) {
	return d.auditLog.Verify(ctx)
}

// ExportLog returns every audit entry, oldest first.
func (d *Daemon) ExportLog(ctx context.Context) ([]audit.Entry, error) {
	return d.auditLog.Recent(ctx, 0)
}

// Replay re-scores the logged evaluations, from entries when given and from
// the audit log otherwise, with the configured gate.
func (d *Daemon) Replay(ctx context.Context, entries []audit.Entry) (replay.Summary, error) {
	if entries == nil {
		var err error
		entries, err = d.auditLog.ByAction(ctx, audit.ActionProposalEvaluated)
		if err != nil {
			return replay.Summary{}, err
		}
	}
	return replay.Replay(entries, d.cfg.Gate), nil
}

// #endregion audit
