package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/orchestrator"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/update"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 5 * time.Second

// #region run-once

// RunOnce takes the controller lock, runs one user-initiated cycle and stops
// the workers. Signals sent to the process during the cycle are honored.
func (d *Daemon) RunOnce(ctx context.Context) (orchestrator.CycleRecord, error) {
	if err := d.fileLock.TryLock(); err != nil {
		return orchestrator.CycleRecord{}, fmt.Errorf("controller lock: %w", err)
	}
	defer d.fileLock.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	d.startWorkers(gctx, g)

	var rec orchestrator.CycleRecord
	var runErr error
	g.Go(func() error {
		defer cancel()
		rec, runErr = d.cycle(gctx, orchestrator.CycleUserInitiated)
		return nil
	})

	if err := g.Wait(); err != nil {
		return rec, err
	}
	return rec, runErr
}

// #endregion run-once

// #region watch

// Watch runs automatic cycles every watch interval, and early when the
// metrics file changes, until ctx is done. It serves Prometheus metrics when
// watch.metrics_addr is set.
func (d *Daemon) Watch(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("controller lock: %w", err)
	}
	defer d.fileLock.Unlock()
	d.logger.Info("watching",
		zap.Int("pid", os.Getpid()),
		zap.Duration("interval", d.cfg.Watch.Interval))

	g, gctx := errgroup.WithContext(ctx)
	d.startWorkers(gctx, g)
	g.Go(func() error { return d.schedule(gctx) })
	if d.cfg.Metrics.Addr == "" {
		g.Go(func() error { return d.watchMetricsFile(gctx) })
	}
	if addr := d.cfg.Watch.MetricsAddr; addr != "" {
		d.serveMetrics(gctx, g, addr)
	}

	err := g.Wait()
	d.logger.Info("watch stopped", zap.Error(err))
	return err
}

func (d *Daemon) startWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return d.queue.Run(ctx) })
	g.Go(func() error { return d.layer.Run(ctx) })
	g.Go(func() error { return d.layer.ListenOS(ctx) })
}

// schedule runs a cycle at start, on every tick and on every trigger.
func (d *Daemon) schedule(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Watch.Interval)
	defer ticker.Stop()

	d.cycle(ctx, orchestrator.CycleAutomatic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.logger.Debug("periodic cycle triggered")
		case <-d.triggers:
			d.logger.Debug("metrics change triggered cycle")
		}
		d.cycle(ctx, orchestrator.CycleAutomatic)
	}
}

// cycle runs one cycle. Escalated failures latch the halt so no further
// automatic cycle touches artifacts until an operator resumes.
func (d *Daemon) cycle(ctx context.Context, typ orchestrator.CycleType) (orchestrator.CycleRecord, error) {
	rec, err := d.orch.RunCycle(ctx, typ)
	switch {
	case err == nil:
		d.logger.Info("cycle finished", zap.Any("summary", rec.Summary()))
	case errors.Is(err, orchestrator.ErrHalted), errors.Is(err, orchestrator.ErrCycleActive):
		d.logger.Info("cycle skipped", zap.Error(err))
	case errors.Is(err, update.ErrApplyIO), errors.Is(err, audit.ErrPersistence):
		d.state.Halt()
		d.logger.Error("cycle escalated; automatic cycles halted", zap.Error(err))
	default:
		d.logger.Error("cycle failed", zap.Error(err))
	}
	return rec, err
}

// #endregion watch

// #region metrics-file

// watchMetricsFile triggers a cycle when the metrics file is written. The
// directory is watched so atomic replacements are seen; triggers are rate
// limited to one per debounce window.
func (d *Daemon) watchMetricsFile(ctx context.Context) error {
	path := filepath.Clean(d.cfg.MetricsPath())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure metrics dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	limit := rate.Inf
	if d.cfg.Watch.Debounce > 0 {
		limit = rate.Every(d.cfg.Watch.Debounce)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !limiter.Allow() {
				d.logger.Debug("metrics change debounced", zap.String("op", event.Op.String()))
				continue
			}
			d.trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// trigger asks the scheduler for a cycle; triggers coalesce while one is pending.
func (d *Daemon) trigger() {
	select {
	case d.triggers <- struct{}{}:
	default:
	}
}

// #endregion metrics-file

// #region metrics-http

func (d *Daemon) serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		d.logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// #endregion metrics-http
