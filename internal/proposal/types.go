package proposal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInsufficientData is returned when the metrics snapshot lacks the values a
// source needs to decide. Callers treat it as "no proposal", never as fatal.
var ErrInsufficientData = errors.New("insufficient metric data")

// #region enums

// Difficulty estimates how hard a change is to land.
type Difficulty string

const (
	DifficultyTrivial  Difficulty = "trivial"
	DifficultySimple   Difficulty = "simple"
	DifficultyModerate Difficulty = "moderate"
	DifficultyComplex  Difficulty = "complex"
)

// Valid reports whether d is one of the known difficulty levels.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyTrivial, DifficultySimple, DifficultyModerate, DifficultyComplex:
		return true
	}
	return false
}

// Priority orders proposals for the operator and the evaluator.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Kind is the policy family a proposal belongs to.
type Kind string

const (
	KindLoosen    Kind = "loosen"
	KindTighten   Kind = "tighten"
	KindStabilize Kind = "stabilize"
	KindModel     Kind = "model"
	KindNone      Kind = ""
)

// Opposite returns the semantic opposite used by the cooldown rule.
// Stabilize and model proposals have no opposite.
func (k Kind) Opposite() Kind {
	switch k {
	case KindLoosen:
		return KindTighten
	case KindTighten:
		return KindLoosen
	}
	return KindNone
}

// #endregion enums

// #region proposal

// Proposal is a candidate change to one artifact. It is never mutated after
// creation; a newer proposal supersedes an older one.
type Proposal struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Target           string             `json:"target"`
	Justification    string             `json:"justification"`
	Difficulty       Difficulty         `json:"difficulty"`
	Diff             string             `json:"diff"`
	VerificationPlan string             `json:"verification_plan"`
	ExpectedImpact   map[string]float64 `json:"expected_impact"`
	Priority         Priority           `json:"priority"`
	Kind             Kind               `json:"kind"`
	Parameter        string             `json:"parameter,omitempty"`
	OldValue         float64            `json:"old_value,omitempty"`
	NewValue         float64            `json:"new_value,omitempty"`
	Source           string             `json:"source"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Validate checks the fields every downstream consumer relies on.
func (p Proposal) Validate() error {
	if p.ID == "" {
		return errors.New("missing id")
	}
	if p.Target == "" {
		return errors.New("missing target")
	}
	if !p.Difficulty.Valid() {
		return fmt.Errorf("unknown difficulty %q", p.Difficulty)
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", p.Priority)
	}
	for name, v := range p.ExpectedImpact {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("expected impact %s is not finite", name)
		}
	}
	return nil
}

// #endregion proposal

// #region source

// Metrics is a flat snapshot of the latest metric values keyed by name.
type Metrics map[string]float64

// Source produces proposals from the current metric snapshot.
type Source interface {
	Propose(ctx context.Context, metrics Metrics) ([]Proposal, error)
}

// Artifacts is the read side of the artifact store that sources need.
type Artifacts interface {
	Read(id string) ([]byte, error)
	Rel(id string) (string, error)
}

// #endregion source

// #region hysteresis

// Hysteresis remembers the last emitted proposal type and how many cycles
// have passed since.
type Hysteresis struct {
	LastType    Kind `json:"last_proposal_type"`
	CyclesSince int  `json:"cycles_since_last"`
}

// HysteresisStore persists the hysteresis record between cycles.
type HysteresisStore interface {
	LoadHysteresis(ctx context.Context) (Hysteresis, error)
	SaveHysteresis(ctx context.Context, h Hysteresis) error
}

// #endregion hysteresis
