package proposal

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	SourceHeuristic = "heuristic"
	SourceModel     = "model"
)

// Config selects and tunes a proposal source.
type Config struct {
	Kind      string          `yaml:"kind"`
	Heuristic HeuristicConfig `yaml:"heuristic"`
	Model     ModelConfig     `yaml:"model"`
}

// NewSource builds the configured source. The model source always wraps a
// heuristic fallback sharing the same hysteresis record.
func NewSource(cfg Config, artifacts Artifacts, hysteresis HysteresisStore, logger *zap.Logger) (Source, error) {
	for _, p := range cfg.Heuristic.Params {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	heuristic := NewHeuristicSource(cfg.Heuristic, artifacts, hysteresis, logger)
	switch cfg.Kind {
	case "", SourceHeuristic:
		return heuristic, nil
	case SourceModel:
		return NewModelSource(cfg.Model, cfg.Heuristic, artifacts, hysteresis, heuristic, logger), nil
	}
	return nil, fmt.Errorf("unknown proposal source %q", cfg.Kind)
}
