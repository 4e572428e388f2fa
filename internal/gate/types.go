package gate

import "errors"

// ErrEvaluationInput marks a malformed proposal. It is fatal to that proposal
// only; the cycle treats it as a rejection.
var ErrEvaluationInput = errors.New("evaluation input error")

// #region config
// Config holds the scoring weights and approval threshold.
type Config struct {
	Threshold         float64 `yaml:"threshold" json:"threshold"`
	FeasibilityWeight float64 `yaml:"feasibility_weight" json:"feasibility_weight"`
	ImpactWeight      float64 `yaml:"impact_weight" json:"impact_weight"`
	RiskWeight        float64 `yaml:"risk_weight" json:"risk_weight"`
}

// DefaultConfig returns the 30/40/30 weighting with a 0.70 threshold.
func DefaultConfig() Config {
	return Config{
		Threshold:         0.70,
		FeasibilityWeight: 0.30,
		ImpactWeight:      0.40,
		RiskWeight:        0.30,
	}
}

// Validate rejects weights that do not sum to 1 or a threshold outside [0,1].
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return errors.New("gate threshold must be within [0,1]")
	}
	if c.FeasibilityWeight < 0 || c.ImpactWeight < 0 || c.RiskWeight < 0 {
		return errors.New("gate weights must be non-negative")
	}
	sum := c.FeasibilityWeight + c.ImpactWeight + c.RiskWeight
	if sum < 0.999 || sum > 1.001 {
		return errors.New("gate weights must sum to 1")
	}
	return nil
}
// #endregion config

// #region result
// EvaluationResult is the score of exactly one proposal. Component scores are
// in [0,1]; Risk is a cost, so it enters Overall as (1 - Risk).
type EvaluationResult struct {
	ProposalID  string   `json:"proposal_id"`
	Feasibility float64  `json:"feasibility"`
	Impact      float64  `json:"impact"`
	Risk        float64  `json:"risk"`
	Overall     float64  `json:"overall"`
	Approved    bool     `json:"approved"`
	Threshold   float64  `json:"threshold"`
	Reasoning   []string `json:"reasoning"`
}

// Margin is Overall minus Threshold; negative values are the deficit.
func (r EvaluationResult) Margin() float64 {
	return r.Overall - r.Threshold
}
// #endregion result
