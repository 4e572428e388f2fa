package gate

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"go.uber.org/zap"
)

const agentName = "proposal_evaluator"

// #region gate
// Gate scores proposals and decides whether they may be applied.
type Gate struct {
	config Config
	audit  audit.Appender
	logger *zap.Logger
}

// NewGate creates a gate. appender and logger may be nil.
func NewGate(config Config, appender audit.Appender, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{config: config, audit: appender, logger: logger.Named("gate")}
}

// Config returns the gate's weights and threshold.
func (g *Gate) Config() Config { return g.config }

// Evaluate checks the proposal's shape, scores it and records the evaluation.
// A malformed proposal returns ErrEvaluationInput with a rejected result. An
// audit failure is returned alongside the otherwise valid result.
func (g *Gate) Evaluate(ctx context.Context, p proposal.Proposal, metrics proposal.Metrics) (EvaluationResult, error) {
	// --- Input checks ---
	if err := p.Validate(); err != nil {
		g.logger.Warn("malformed proposal", zap.String("proposal", p.ID), zap.Error(err))
		return EvaluationResult{
			ProposalID: p.ID,
			Threshold:  g.config.Threshold,
			Reasoning:  []string{"rejected: " + err.Error()},
		}, fmt.Errorf("%w: %s: %w", ErrEvaluationInput, p.ID, err)
	}

	// --- Scoring ---
	res := Score(g.config, p)

	g.logger.Info("proposal evaluated",
		zap.String("proposal", p.ID),
		zap.Float64("overall", res.Overall),
		zap.Bool("approved", res.Approved))

	if g.audit == nil {
		return res, nil
	}
	_, err := g.audit.Append(ctx, agentName, audit.ActionProposalEvaluated, map[string]any{
		"proposal_id":     p.ID,
		"title":           p.Title,
		"target":          p.Target,
		"difficulty":      p.Difficulty,
		"priority":        p.Priority,
		"expected_impact": p.ExpectedImpact,
		"metrics":         metrics,
		"feasibility":     res.Feasibility,
		"impact":          res.Impact,
		"risk":            res.Risk,
		"overall":         res.Overall,
		"approved":        res.Approved,
		"threshold":       res.Threshold,
		"reasoning":       strings.Join(res.Reasoning, "; "),
	})
	if err != nil {
		return res, fmt.Errorf("record evaluation %s: %w", p.ID, err)
	}
	return res, nil
}

// Score is the pure scoring function behind Evaluate. Identical inputs always
// give identical results.
func Score(config Config, p proposal.Proposal) EvaluationResult {
	f := feasibility(p)
	i := impact(p.ExpectedImpact)
	r := risk(p)
	overall := round(f*config.FeasibilityWeight + i*config.ImpactWeight + (1-r)*config.RiskWeight)
	approved := overall >= config.Threshold

	res := EvaluationResult{
		ProposalID:  p.ID,
		Feasibility: f,
		Impact:      i,
		Risk:        r,
		Overall:     overall,
		Approved:    approved,
		Threshold:   config.Threshold,
	}
	res.Reasoning = []string{
		fmt.Sprintf("feasibility %.3f (difficulty %s, weight %.2f)", f, p.Difficulty, config.FeasibilityWeight),
		fmt.Sprintf("impact %.3f (average expected %.4f, weight %.2f)", i, average(p.ExpectedImpact), config.ImpactWeight),
		fmt.Sprintf("risk %.3f (priority %s, weight %.2f)", r, p.Priority, config.RiskWeight),
	}
	if approved {
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("approved: overall %.3f >= %.2f (margin %+.3f)", overall, config.Threshold, res.Margin()))
	} else {
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("rejected: overall %.3f < %.2f (deficit %.3f)", overall, config.Threshold, -res.Margin()))
	}
	return res
}

// #endregion gate

// #region criteria
var difficultyFeasibility = map[proposal.Difficulty]float64{
	proposal.DifficultyTrivial:  0.95,
	proposal.DifficultySimple:   0.80,
	proposal.DifficultyModerate: 0.60,
	proposal.DifficultyComplex:  0.30,
}

func feasibility(p proposal.Proposal) float64 {
	score := difficultyFeasibility[p.Difficulty]
	target := strings.ToLower(p.Target)
	if strings.Contains(target, "model") {
		score *= 0.85
	}
	if strings.Contains(target, "barrier") {
		score *= 1.05
	}
	return round(math.Min(score, 1))
}

func impact(expected map[string]float64) float64 {
	if len(expected) == 0 {
		return 0.30
	}
	avg := average(expected)
	switch {
	case avg > 0.10:
		return 0.95
	case avg > 0.05:
		return 0.70
	case avg > 0.01:
		return 0.40
	default:
		return 0.20
	}
}

func risk(p proposal.Proposal) float64 {
	score := 0.20
	switch p.Difficulty {
	case proposal.DifficultyComplex:
		score += 0.40
	case proposal.DifficultyModerate:
		score += 0.20
	}
	if len(p.ExpectedImpact) > 0 && maxValue(p.ExpectedImpact) < 0.02 {
		score *= 0.5
	}
	if p.Priority == proposal.PriorityCritical {
		score *= 0.8
	}
	return round(math.Min(score, 1))
}
// #endregion criteria

// #region helpers
func average(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	var sum float64
	for _, k := range slices.Sorted(maps.Keys(m)) {
		sum += m[k]
	}
	return sum / float64(len(m))
}

func maxValue(m map[string]float64) float64 {
	first := true
	var out float64
	for _, v := range m {
		if first || v > out {
			out, first = v, false
		}
	}
	return out
}

// round trims float noise so equal inputs compare equal across platforms.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
// #endregion helpers
