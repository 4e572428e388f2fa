package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
)

// #region types

// Check captures a single validation check result.
type Check struct {
	Name  string
	Value float64
	Pass  bool
}

// ArtifactReader is the part of the artifact store the bounds runner reads.
type ArtifactReader interface {
	Read(id string) ([]byte, error)
}

// #endregion types

// #region bounds-runner

// BoundsRunner re-reads an artifact after a change and checks every known
// parameter against its configured range.
type BoundsRunner struct {
	artifacts ArtifactReader
	params    []proposal.ParamSpec
}

// NewBoundsRunner creates a runner for the given parameter specs.
func NewBoundsRunner(artifacts ArtifactReader, params []proposal.ParamSpec) *BoundsRunner {
	return &BoundsRunner{artifacts: artifacts, params: params}
}

// Run implements Runner; target is the artifact id.
func (r *BoundsRunner) Run(_ context.Context, target string) (bool, string, error) {
	content, err := r.artifacts.Read(target)
	if err != nil {
		return false, "", fmt.Errorf("read %s: %w", target, err)
	}
	checks, failReasons := r.check(content)

	var out strings.Builder
	for _, c := range checks {
		status := "ok"
		if !c.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(&out, "%s=%s %s\n", c.Name, proposal.FormatValue(c.Value), status)
	}
	if len(failReasons) > 0 {
		reason := fmt.Sprintf("bounds check failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("bounds check failed: %d checks: %s", len(failReasons), failReasons[0])
		}
		out.WriteString(reason)
		return false, out.String(), nil
	}
	out.WriteString("all checks passed")
	return true, out.String(), nil
}

func (r *BoundsRunner) check(content []byte) ([]Check, []string) {
	var checks []Check
	var failReasons []string
	for _, p := range r.params {
		v, err := proposal.LookupParam(content, p.Name)
		if err != nil {
			checks = append(checks, Check{Name: p.Name, Pass: false})
			failReasons = append(failReasons, err.Error())
			continue
		}
		pass := p.InBounds(v)
		checks = append(checks, Check{Name: p.Name, Value: v, Pass: pass})
		if !pass {
			failReasons = append(failReasons, fmt.Sprintf("%s %s outside [%s, %s]",
				p.Name, proposal.FormatValue(v), proposal.FormatValue(p.Min), proposal.FormatValue(p.Max)))
		}
	}
	return checks, failReasons
}

// #endregion bounds-runner
