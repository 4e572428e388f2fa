package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/config"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/lock"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/orchestrator"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/state"
)

// #region fixtures

const engineFile = `# potential capture engine
entry_threshold: 0.45
sl_factor: 1
tp_factor: 2
atr_period: 14
`

const criticalMetrics = `
potential_capture_engine:
  win_rate: [0.41, 0.25]
  total_trades: 50
  drawdown: 0.2
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Artifacts.Root = filepath.Join(dir, "artifacts")
	cfg.Orchestrator.WaitTimeout = 5 * time.Second
	cfg.Watch.Debounce = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func newDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.artifacts.Write(proposal.DefaultTarget, []byte(engineFile)))
	writeMetrics(t, cfg, criticalMetrics)
	return d
}

func writeMetrics(t *testing.T, cfg *config.Config, doc string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.MetricsPath()), 0755))
	require.NoError(t, os.WriteFile(cfg.MetricsPath(), []byte(doc), 0644))
}

func slFactor(t *testing.T, d *Daemon) float64 {
	t.Helper()
	content, err := d.artifacts.Read(proposal.DefaultTarget)
	require.NoError(t, err)
	v, err := proposal.LookupParam(content, "sl_factor")
	require.NoError(t, err)
	return v
}

// approve records a ready-to-apply sl_factor change in the ledger.
func approve(t *testing.T, d *Daemon, id string, next float64) {
	t.Helper()
	rel, err := d.artifacts.Rel(proposal.DefaultTarget)
	require.NoError(t, err)
	diff, err := proposal.RewriteParam([]byte(engineFile), rel, "sl_factor", next)
	require.NoError(t, err)
	p := proposal.Proposal{
		ID:               id,
		Title:            "Tighten sl_factor",
		Target:           proposal.DefaultTarget,
		Diff:             diff,
		VerificationPlan: "bounds:" + proposal.DefaultTarget,
		Difficulty:       proposal.DifficultyTrivial,
		Priority:         proposal.PriorityHigh,
		Kind:             proposal.KindTighten,
	}
	require.NoError(t, d.store.RecordProposal(context.Background(), p, state.StatusApproved, 0.8, ""))
}

// #endregion fixtures

// #region run-once

func TestRunOnceAppliesAndReports(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)
	ctx := context.Background()

	rec, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.CycleUserInitiated, rec.Type)
	assert.Equal(t, orchestrator.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, 1, rec.ChangesApplied)
	assert.Equal(t, 0.9, slFactor(t, d))

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Snapshot.TotalCycles)
	assert.Equal(t, 1, status.Proposals[state.StatusApplied])
	assert.Zero(t, status.DaemonPID, "lock is released after the cycle")
	assert.Equal(t, orchestrator.PhaseIdle, status.Cycle.Phase)
	assert.Positive(t, status.AuditEntries)

	history, err := d.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)

	applied, err := d.Proposals(ctx, state.StatusApplied, 0)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "sl_factor", applied[0].Proposal.Parameter)

	report, err := d.VerifyLog(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	summary, err := d.Replay(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)
	assert.Zero(t, summary.Diverged)

	exported, err := d.ExportLog(ctx)
	require.NoError(t, err)
	assert.Len(t, exported, status.AuditEntries)
}

func TestRunOnceRollsBackWhenTestCommandFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.Commands = map[string][]string{proposal.DefaultTarget: {"false"}}
	d := newDaemon(t, cfg)

	rec, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ProposalsApproved)
	assert.Zero(t, rec.ChangesApplied)
	assert.Equal(t, 1.0, slFactor(t, d))

	failed, err := d.Proposals(context.Background(), state.StatusFailed, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRunOnceRefusesWhileLocked(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)

	held := lock.NewFileLock(cfg.LockPath())
	require.NoError(t, held.TryLock())
	defer held.Unlock()

	_, err := d.RunOnce(context.Background())
	assert.Error(t, err)
}

// #endregion run-once

// #region signals

func TestUrgentSignalWithoutDaemonAppliesLatestApproved(t *testing.T) {
	cfg := testConfig(t)
	d := newDaemon(t, cfg)
	approve(t, d, "p-old", 0.8)
	approve(t, d, "p-new", 0.9)

	report, err := d.SendSignal(context.Background(), SignalUrgent)
	require.NoError(t, err)
	assert.False(t, report.Delivered)
	assert.Equal(t, true, report.Handled["enqueued"])
	assert.Equal(t, "p-new", report.Handled["proposal_id"])
	assert.Equal(t, true, report.Completed["success"])
	assert.Equal(t, "user_immediate", report.Completed["priority"])
	assert.Equal(t, 0.9, slFactor(t, d))

	pending, err := d.Proposals(context.Background(), state.StatusApproved, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-old", pending[0].Proposal.ID)
}

func TestUrgentSignalWithNothingApproved(t *testing.T) {
	d := newDaemon(t, testConfig(t))

	report, err := d.SendSignal(context.Background(), SignalUrgent)
	require.NoError(t, err)
	assert.Equal(t, false, report.Handled["enqueued"])
	assert.Nil(t, report.Completed)
	assert.Equal(t, 1.0, slFactor(t, d))
}

func TestEmergencyAndResumeWithoutDaemon(t *testing.T) {
	d := newDaemon(t, testConfig(t))
	ctx := context.Background()

	report, err := d.SendSignal(ctx, SignalEmergency)
	require.NoError(t, err)
	assert.Equal(t, "EMERGENCY", report.Handled["reason"])
	assert.NotEmpty(t, report.Note)

	report, err = d.Resume(ctx)
	require.NoError(t, err)
	assert.NotNil(t, report.Handled)

	resumed, err := d.auditLog.ByAction(ctx, audit.ActionResumed)
	require.NoError(t, err)
	assert.Len(t, resumed, 1)

	_, err = d.SendSignal(ctx, "panic")
	assert.Error(t, err)
}

// #endregion signals

// #region watch

func TestWatchRunsOnStartAndOnMetricsChange(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.Interval = time.Hour
	d := newDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()

	cycles := func() int {
		snap, err := d.store.LoadSnapshot(context.Background())
		if err != nil {
			return 0
		}
		return snap.TotalCycles
	}
	require.Eventually(t, func() bool { return cycles() >= 1 }, 5*time.Second, 10*time.Millisecond)

	status, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.DaemonPID)

	require.Eventually(t, func() bool {
		_ = os.WriteFile(cfg.MetricsPath(), []byte(criticalMetrics), 0644)
		return cycles() >= 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Less(t, slFactor(t, d), 1.0)
}

// #endregion watch
