// Package daemon assembles the controller from configuration and runs it,
// either for a single cycle or as a long-lived watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/alerts"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/artifact"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/config"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/gate"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/lock"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/logging"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/metrics"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/orchestrator"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/signals"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/state"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/telemetry"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/update"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/verify"
	"go.uber.org/zap"
)

// #region daemon-struct

// Daemon owns every controller component for the lifetime of one process.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *state.Store
	auditLog  *audit.Log
	recorder  *audit.Recorder
	artifacts *artifact.FSStore
	updater   *update.Updater
	metrics   metrics.Source
	telemetry *telemetry.Metrics

	state  *orchestrator.State
	memory *orchestrator.CycleMemory
	orch   *orchestrator.Orchestrator
	queue  *signals.Queue
	layer  *signals.Layer

	fileLock *lock.FileLock
	triggers chan struct{}
}

// #endregion daemon-struct

// #region new

// New opens the data directory and wires the components. Call Close when done.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	logger = logging.OrNop(logger)

	// Step 1: Storage
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := state.NewStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewLog(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}
	memory, err := orchestrator.NewCycleMemory(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}
	recorder := audit.NewRecorder(auditLog, logger)

	// Step 2: Metrics source
	src, err := newMetricsSource(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	// Step 3: Apply path
	arts := artifact.NewFSStore(cfg.Artifacts.Root, cfg.Artifacts.Ext)
	updater := update.NewUpdater(update.DefaultConfig(cfg.BackupDir()), arts, newVerifier(cfg, arts), recorder, logger)

	// Step 4: Proposal source and evaluator
	source, err := proposal.NewSource(cfg.Proposal, arts, store, logger)
	if err != nil {
		closeSource(src)
		store.Close()
		return nil, err
	}
	evaluator := gate.NewGate(cfg.Gate, recorder, logger)

	// Step 5: Queue, signal layer, orchestrator
	tel := telemetry.New()
	st := orchestrator.NewState()
	queue := signals.NewQueue(updater, store, recorder, tel, logger)
	layer := signals.NewLayer(st, queue, store, recorder, tel, logger)

	ocfg := orchestrator.DefaultConfig()
	ocfg.WaitTimeout = cfg.Orchestrator.WaitTimeout
	orch := orchestrator.New(ocfg, orchestrator.Deps{
		State:     st,
		Metrics:   src,
		Source:    source,
		Evaluator: evaluator,
		Ledger:    store,
		Executor:  queue,
		Backups:   updater,
		Audit:     recorder,
		Memory:    memory,
		Alerts:    alerts.NewNotifier(recorder, logger),
		Telemetry: tel,
		Logger:    logger,
	})

	return &Daemon{
		cfg:       cfg,
		logger:    logger.Named("daemon"),
		store:     store,
		auditLog:  auditLog,
		recorder:  recorder,
		artifacts: arts,
		updater:   updater,
		metrics:   src,
		telemetry: tel,
		state:     st,
		memory:    memory,
		orch:      orch,
		queue:     queue,
		layer:     layer,
		fileLock:  lock.NewFileLock(cfg.LockPath()),
		triggers:  make(chan struct{}, 1),
	}, nil
}

// Close releases the metrics connection and the database.
func (d *Daemon) Close() error {
	return errors.Join(closeSource(d.metrics), d.store.Close())
}

func newMetricsSource(cfg *config.Config) (metrics.Source, error) {
	if cfg.Metrics.Addr != "" {
		return metrics.NewGRPCSource(cfg.Metrics.Addr, cfg.Metrics.Component)
	}
	return metrics.NewFileSource(cfg.MetricsPath(), cfg.Metrics.Component), nil
}

func closeSource(src metrics.Source) error {
	if c, ok := src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// newVerifier routes "bounds:<target>" plans to the parameter bounds check,
// followed by the target's test command when one is configured, and
// "exec:<name>" plans to the named command.
func newVerifier(cfg *config.Config, arts *artifact.FSStore) verify.Runner {
	mux := verify.NewMux()
	bounds := verify.NewBoundsRunner(arts, cfg.Proposal.Heuristic.Params)
	if len(cfg.Verify.Commands) == 0 {
		mux.Handle("bounds", bounds)
		return mux
	}

	tests := verify.NewExecRunner(cfg.Verify.Commands, cfg.Verify.Dir, cfg.Verify.Timeout)
	full := verify.Sequence(bounds, tests)
	mux.Handle("bounds", verify.RunnerFunc(func(ctx context.Context, target string) (bool, string, error) {
		if _, ok := cfg.Verify.Commands[target]; ok {
			return full.Run(ctx, target)
		}
		return bounds.Run(ctx, target)
	}))
	mux.Handle("exec", tests)
	return mux
}

// #endregion new
