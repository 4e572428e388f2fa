package proposal

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region config

// HeuristicConfig tunes the rule-based proposal source.
type HeuristicConfig struct {
	Target      string                      `yaml:"target"`
	Cooldown    int                         `yaml:"cooldown"`
	Params      []ParamSpec                 `yaml:"params"`
	LowWinRate  float64                     `yaml:"low_win_rate"`  // tighten below this
	HighWinRate float64                     `yaml:"high_win_rate"` // stabilize above this
	MaxDrawdown float64                     `yaml:"max_drawdown"`  // tighten above this
	Impacts     map[Kind]map[string]float64 `yaml:"impacts"`
}

// DefaultTarget is the labeler whose parameters the controller tunes out of the box.
const DefaultTarget = "trading_manager.building_blocks.labelers.potential_capture_engine"

// DefaultHeuristicConfig returns the stock trading-system policy.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		Target:   DefaultTarget,
		Cooldown: 3,
		Params: []ParamSpec{
			{Name: "entry_threshold", Role: RoleSensitivity, Step: 0.05, Min: 0.1, Max: 1.0},
			{Name: "sl_factor", Role: RoleRisk, Step: 0.1, Min: 0.5, Max: 1.5},
			{Name: "tp_factor", Role: RoleReward, Step: 0.25, Min: 1.5, Max: 3.0},
		},
		LowWinRate:  0.4,
		HighWinRate: 0.6,
		MaxDrawdown: 0.15,
		Impacts: map[Kind]map[string]float64{
			KindLoosen:    {"total_trades": 0.10, "win_rate": 0.02},
			KindTighten:   {"win_rate": 0.06, "drawdown": 0.05},
			KindStabilize: {"profit_factor": 0.06},
		},
	}
}

// #endregion config

// #region metric-keys

const (
	MetricWinRate     = "win_rate"
	MetricTotalTrades = "total_trades"
	MetricDrawdown    = "drawdown"
)

var metricAliases = map[string][]string{
	MetricDrawdown: {"current_drawdown"},
}

func lookupMetric(m Metrics, name string) (float64, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for _, alias := range metricAliases[name] {
		if v, ok := m[alias]; ok {
			return v, true
		}
	}
	return 0, false
}

// #endregion metric-keys

// #region source

// HeuristicSource applies three prioritized rules to the metric snapshot and
// emits at most one parameter change per cycle.
type HeuristicSource struct {
	config    HeuristicConfig
	artifacts Artifacts
	cooldown  cooldown
	logger    *zap.Logger
	now       func() time.Time
}

// NewHeuristicSource creates a rule-based source. logger may be nil.
func NewHeuristicSource(config HeuristicConfig, artifacts Artifacts, hysteresis HysteresisStore, logger *zap.Logger) *HeuristicSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("heuristic")
	return &HeuristicSource{
		config:    config,
		artifacts: artifacts,
		cooldown:  cooldown{store: hysteresis, cycles: config.Cooldown, logger: logger},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Propose evaluates the rules and updates the hysteresis record. Every call
// counts as one cycle for the cooldown.
func (s *HeuristicSource) Propose(ctx context.Context, metrics Metrics) ([]Proposal, error) {
	return s.cooldown.cycle(ctx, func(h Hysteresis) (*Proposal, error) {
		return s.decide(metrics, h)
	})
}

// #endregion source

// #region decide

type candidate struct {
	kind      Kind
	role      Role
	direction float64
	priority  Priority
	reason    string
}

func (s *HeuristicSource) decide(metrics Metrics, h Hysteresis) (*Proposal, error) {
	c, err := s.pickCandidate(metrics)
	if err != nil || c == nil {
		return nil, err
	}

	if s.cooldown.suppressed(c.kind, h) {
		return nil, nil
	}

	spec, ok := FindParam(s.config.Params, c.role)
	if !ok {
		return nil, fmt.Errorf("no parameter configured for role %s", c.role)
	}

	content, err := s.artifacts.Read(s.config.Target)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", s.config.Target, err)
	}
	current, err := LookupParam(content, spec.Name)
	if err != nil {
		return nil, err
	}
	if !spec.InBounds(current) {
		s.logger.Warn("parameter outside configured range",
			zap.String("param", spec.Name), zap.Float64("value", current))
		return nil, nil
	}
	next := spec.Clamp(Round(current + c.direction*spec.Step))
	if next == current {
		s.logger.Info("parameter already at bound",
			zap.String("param", spec.Name), zap.Float64("value", current))
		return nil, nil
	}

	rel, err := s.artifacts.Rel(s.config.Target)
	if err != nil {
		return nil, err
	}
	unified, err := RewriteParam(content, rel, spec.Name, next)
	if err != nil {
		return nil, err
	}

	return &Proposal{
		ID:               uuid.New().String(),
		Title:            fmt.Sprintf("%s %s %s -> %s", c.kind, spec.Name, FormatValue(current), FormatValue(next)),
		Target:           s.config.Target,
		Justification:    c.reason,
		Difficulty:       DifficultyTrivial,
		Diff:             unified,
		VerificationPlan: "bounds:" + s.config.Target,
		ExpectedImpact:   maps.Clone(s.config.Impacts[c.kind]),
		Priority:         c.priority,
		Kind:             c.kind,
		Parameter:        spec.Name,
		OldValue:         current,
		NewValue:         next,
		Source:           "heuristic",
		CreatedAt:        s.now(),
	}, nil
}

// pickCandidate applies the rules in priority order; the first match wins.
func (s *HeuristicSource) pickCandidate(metrics Metrics) (*candidate, error) {
	trades, ok := lookupMetric(metrics, MetricTotalTrades)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientData, MetricTotalTrades)
	}
	if trades == 0 {
		return &candidate{
			kind: KindLoosen, role: RoleSensitivity, direction: -1, priority: PriorityNormal,
			reason: "no trades executed; lowering entry sensitivity to admit more signals",
		}, nil
	}

	win, okWin := lookupMetric(metrics, MetricWinRate)
	dd, okDD := lookupMetric(metrics, MetricDrawdown)
	if !okWin || !okDD {
		return nil, fmt.Errorf("%w: need %s and %s", ErrInsufficientData, MetricWinRate, MetricDrawdown)
	}

	lowWin := win < s.config.LowWinRate
	deepDD := dd > s.config.MaxDrawdown
	switch {
	case lowWin || deepDD:
		priority := PriorityHigh
		if lowWin && deepDD {
			priority = PriorityCritical
		}
		return &candidate{
			kind: KindTighten, role: RoleRisk, direction: -1, priority: priority,
			reason: fmt.Sprintf("win_rate %.2f, drawdown %.2f; reducing risk exposure", win, dd),
		}, nil
	case win > s.config.HighWinRate:
		return &candidate{
			kind: KindStabilize, role: RoleReward, direction: 1, priority: PriorityLow,
			reason: fmt.Sprintf("win_rate %.2f above %.2f; extending reward target", win, s.config.HighWinRate),
		}, nil
	}
	return nil, nil
}

// #endregion decide
