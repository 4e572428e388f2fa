// Command controller runs the adaptive self-improvement loop and its
// operator commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/config"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/daemon"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/logging"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/replay"
	"go.uber.org/zap"
)

// #region globals

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Adaptive self-improvement controller",
	Long: `Observes trading-system metrics, proposes parameter changes, scores them
and applies the approved ones atomically with verification and rollback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Log.Format = logFormat
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// #endregion globals

// #region commands

var runOnceCmd = &cobra.Command{
	Use:   "run-cycle-once",
	Short: "Run one user-initiated cycle and exit",
	Long: `Collects metrics, proposes, evaluates and applies once. The process
honors urgent (SIGUSR1) and emergency (SIGUSR2) signals while the cycle runs.
Exits non-zero when an apply I/O or persistence failure was escalated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			rec, err := d.RunOnce(ctx)
			if rec.ID != "" {
				if perr := printJSON(rec.Summary()); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run automatic cycles until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("interval") {
			interval, _ := cmd.Flags().GetDuration("interval")
			cfg.Watch.Interval = interval
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			return d.Watch(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the system snapshot and ledger counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			report, err := d.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent cycles, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			records, err := d.History(ctx, limit)
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(records))
			for _, r := range records {
				out = append(out, r.Summary())
			}
			return printJSON(out)
		})
	},
}

var urgentCmd = &cobra.Command{
	Use:   "send-urgent-signal",
	Short: "Interrupt the running cycle and apply the latest approved proposal",
	RunE:  signalRunner(daemon.SignalUrgent),
}

var emergencyCmd = &cobra.Command{
	Use:   "send-emergency-signal",
	Short: "Interrupt the running cycle and halt automatic cycles",
	RunE:  signalRunner(daemon.SignalEmergency),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Lift an emergency halt",
	RunE:  signalRunner(daemon.SignalResume),
}

var verifyLogCmd = &cobra.Command{
	Use:   "verify-log",
	Short: "Recompute the audit log hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		export, _ := cmd.Flags().GetString("export")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			report, err := d.VerifyLog(ctx)
			if err != nil {
				return err
			}
			if export != "" {
				entries, err := d.ExportLog(ctx)
				if err != nil {
					return err
				}
				if err := writeJSONFile(export, entries); err != nil {
					return err
				}
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("audit chain broken at entry %d: %s", report.BrokenAt, report.Reason)
			}
			return nil
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-score logged evaluations with the configured gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			var entries []audit.Entry
			if from != "" {
				var err error
				if entries, err = replay.LoadFixture(from); err != nil {
					return err
				}
			}
			summary, err := d.Replay(ctx, entries)
			if err != nil {
				return err
			}
			return printJSON(summary)
		})
	},
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List the proposal ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			records, err := d.Proposals(ctx, status, limit)
			if err != nil {
				return err
			}
			return printJSON(records)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AIPHA_CONFIG"), "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatJSON, "Log format (json, console)")

	watchCmd.Flags().Duration("interval", time.Hour, "Time between automatic cycles")
	historyCmd.Flags().Int("limit", 10, "Number of cycles to show")
	verifyLogCmd.Flags().String("export", "", "Also write every entry to this JSON file")
	replayCmd.Flags().String("from", "", "Replay entries from an exported JSON file instead of the log")
	proposalsCmd.Flags().String("status", "", "Only show proposals with this status")
	proposalsCmd.Flags().Int("limit", 20, "Number of proposals to show (0 for all)")

	rootCmd.AddCommand(runOnceCmd, watchCmd, statusCmd, historyCmd,
		urgentCmd, emergencyCmd, resumeCmd,
		verifyLogCmd, replayCmd, proposalsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
			_ = logger.Sync()
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// #endregion commands

// #region helpers

// withDaemon opens the controller, runs fn with a context cancelled on
// SIGINT or SIGTERM, and closes it again.
func withDaemon(cmd *cobra.Command, fn func(context.Context, *daemon.Daemon) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func signalRunner(kind string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			report, err := d.SendSignal(ctx, kind)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// #endregion helpers
