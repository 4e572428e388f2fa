// Package config loads the controller configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/gate"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/logging"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"gopkg.in/yaml.v3"
)

// #region types

// Config is the complete controller configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Proposal     proposal.Config    `yaml:"proposal"`
	Gate         gate.Config        `yaml:"gate"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Verify       VerifyConfig       `yaml:"verify"`
	Watch        WatchConfig        `yaml:"watch"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Log          LogConfig          `yaml:"log"`
}

// ArtifactsConfig locates the tunable artifacts. Ids map to
// <root>/a/b/c<ext>.
type ArtifactsConfig struct {
	Root string `yaml:"root"`
	Ext  string `yaml:"ext"`
}

// MetricsConfig selects the metrics source. A non-empty Addr selects the
// gRPC source; otherwise File is read.
type MetricsConfig struct {
	File      string `yaml:"file"`
	Addr      string `yaml:"addr"`
	Component string `yaml:"component"`
}

// VerifyConfig lists test commands keyed by artifact id. A target with a
// command is verified by its bounds and then by the command.
type VerifyConfig struct {
	Commands map[string][]string `yaml:"commands"`
	Dir      string              `yaml:"dir"`
	Timeout  time.Duration       `yaml:"timeout"`
}

type WatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Debounce    time.Duration `yaml:"debounce"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

type OrchestratorConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// #endregion types

// #region defaults

// Default returns a configuration that runs against ./data with the stock
// heuristic policy.
func Default() *Config {
	model := proposal.DefaultModelConfig()
	return &Config{
		DataDir: "data",
		Artifacts: ArtifactsConfig{
			Root: ".",
			Ext:  ".yaml",
		},
		Proposal: proposal.Config{
			Kind:      proposal.SourceHeuristic,
			Heuristic: proposal.DefaultHeuristicConfig(),
			Model:     model,
		},
		Gate: gate.DefaultConfig(),
		Metrics: MetricsConfig{
			Component: "potential_capture_engine",
		},
		Verify: VerifyConfig{
			Timeout: 5 * time.Minute,
		},
		Watch: WatchConfig{
			Interval: time.Hour,
			Debounce: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			WaitTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatJSON,
		},
	}
}

// #endregion defaults

// #region load

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = envOr("AIPHA_DATA_DIR", c.DataDir)
	c.Artifacts.Root = envOr("AIPHA_ARTIFACT_ROOT", c.Artifacts.Root)
	c.Log.Level = envOr("AIPHA_LOG_LEVEL", c.Log.Level)
	c.Metrics.File = envOr("AIPHA_METRICS_FILE", c.Metrics.File)
	c.Metrics.Addr = envOr("AIPHA_METRICS_ADDR", c.Metrics.Addr)
	c.Proposal.Kind = envOr("AIPHA_PROPOSER", c.Proposal.Kind)
	c.Proposal.Model.APIKey = envOr("HF_API_KEY", c.Proposal.Model.APIKey)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load

// #region validate

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Artifacts.Root == "" {
		return errors.New("artifacts.root is required")
	}
	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	h := c.Proposal.Heuristic
	if h.Target == "" {
		return errors.New("proposal.heuristic.target is required")
	}
	if h.Cooldown < 0 {
		return fmt.Errorf("proposal.heuristic.cooldown %d is negative", h.Cooldown)
	}
	if h.LowWinRate >= h.HighWinRate {
		return fmt.Errorf("proposal.heuristic: low_win_rate %.2f must be below high_win_rate %.2f",
			h.LowWinRate, h.HighWinRate)
	}
	for _, p := range h.Params {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("proposal.heuristic.params: %w", err)
		}
	}
	switch c.Proposal.Kind {
	case proposal.SourceHeuristic, proposal.SourceModel:
	default:
		return fmt.Errorf("proposal.kind %q is not heuristic or model", c.Proposal.Kind)
	}

	if c.Metrics.Component == "" {
		return errors.New("metrics.component is required")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive, got %s", c.Watch.Interval)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative, got %s", c.Watch.Debounce)
	}
	if c.Orchestrator.WaitTimeout <= 0 {
		return fmt.Errorf("orchestrator.wait_timeout must be positive, got %s", c.Orchestrator.WaitTimeout)
	}
	for id, argv := range c.Verify.Commands {
		if len(argv) == 0 {
			return fmt.Errorf("verify.commands[%s] is empty", id)
		}
	}
	switch c.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("log.format %q is not json or console", c.Log.Format)
	}
	return nil
}

// #endregion validate

// #region paths

func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "aipha.db") }

func (c *Config) BackupDir() string { return filepath.Join(c.DataDir, "backups") }

// LockPath is the PID file held by a running watch daemon.
func (c *Config) LockPath() string { return filepath.Join(c.DataDir, "controller.pid") }

// MetricsPath is the metrics file, defaulting to metrics.yaml in the data dir.
func (c *Config) MetricsPath() string {
	if c.Metrics.File != "" {
		return c.Metrics.File
	}
	return filepath.Join(c.DataDir, "metrics.yaml")
}

// #endregion paths
