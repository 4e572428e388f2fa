// Package replay re-scores logged evaluations with a gate configuration and
// reports where today's scoring disagrees with what was recorded.
package replay

import (
	"fmt"
	"math"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/audit"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/gate"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
)

// tolerance absorbs float noise between the recorded and replayed overall.
const tolerance = 1e-6

// #region types

// Recorded is the part of a PROPOSAL_EVALUATED entry that replay needs.
type Recorded struct {
	ProposalID     string              `json:"proposal_id"`
	Title          string              `json:"title"`
	Target         string              `json:"target"`
	Difficulty     proposal.Difficulty `json:"difficulty"`
	Priority       proposal.Priority   `json:"priority"`
	ExpectedImpact map[string]float64  `json:"expected_impact"`
	Overall        float64             `json:"overall"`
	Approved       bool                `json:"approved"`
	Threshold      float64             `json:"threshold"`
}

func (r Recorded) proposal() proposal.Proposal {
	return proposal.Proposal{
		ID:             r.ProposalID,
		Title:          r.Title,
		Target:         r.Target,
		Difficulty:     r.Difficulty,
		Priority:       r.Priority,
		ExpectedImpact: r.ExpectedImpact,
	}
}

// Result captures one replayed evaluation.
type Result struct {
	Seq              int64   `json:"seq"`
	ProposalID       string  `json:"proposal_id"`
	RecordedOverall  float64 `json:"recorded_overall"`
	RecordedApproved bool    `json:"recorded_approved"`
	ReplayedOverall  float64 `json:"replayed_overall"`
	ReplayedApproved bool    `json:"replayed_approved"`
	Diverged         bool    `json:"diverged"`
	Reason           string  `json:"reason,omitempty"`
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Total     int      `json:"total"`
	Matched   int      `json:"matched"`
	Diverged  int      `json:"diverged"`
	Flipped   int      `json:"flipped"` // approval decision changed
	Skipped   int      `json:"skipped"`
	Results   []Result `json:"results"`
	Threshold float64  `json:"threshold"`
}

// #endregion types

// #region replay

// Replay re-scores every PROPOSAL_EVALUATED entry with config. Entries of
// other types are ignored; evaluation entries whose details cannot be decoded
// or no longer validate are counted as skipped.
func Replay(entries []audit.Entry, config gate.Config) Summary {
	s := Summary{Threshold: config.Threshold}

	for _, e := range entries {
		if e.ActionType != audit.ActionProposalEvaluated {
			continue
		}
		var rec Recorded
		if err := e.DecodeDetails(&rec); err != nil {
			s.Skipped++
			continue
		}
		p := rec.proposal()
		if err := p.Validate(); err != nil {
			s.Skipped++
			continue
		}

		got := gate.Score(config, p)
		r := Result{
			Seq:              e.Seq,
			ProposalID:       rec.ProposalID,
			RecordedOverall:  rec.Overall,
			RecordedApproved: rec.Approved,
			ReplayedOverall:  got.Overall,
			ReplayedApproved: got.Approved,
		}
		switch {
		case got.Approved != rec.Approved:
			r.Diverged = true
			r.Reason = fmt.Sprintf("decision flipped: approved %t -> %t", rec.Approved, got.Approved)
			s.Flipped++
		case math.Abs(got.Overall-rec.Overall) > tolerance:
			r.Diverged = true
			r.Reason = fmt.Sprintf("overall %.3f -> %.3f", rec.Overall, got.Overall)
		}

		s.Total++
		if r.Diverged {
			s.Diverged++
		} else {
			s.Matched++
		}
		s.Results = append(s.Results, r)
	}

	return s
}

// #endregion replay
