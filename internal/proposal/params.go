package proposal

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"gopkg.in/yaml.v3"
)

// ErrParamNotFound is returned when a parameter path does not resolve to a
// scalar in the artifact.
var ErrParamNotFound = errors.New("parameter not found")

// #region param-spec

// Role binds a parameter to the policy rule that moves it.
type Role string

const (
	RoleSensitivity Role = "sensitivity"
	RoleRisk        Role = "risk"
	RoleReward      Role = "reward"
)

// ParamSpec describes a tunable parameter inside the target artifact.
type ParamSpec struct {
	Name string  `yaml:"name" json:"name"`
	Role Role    `yaml:"role" json:"role"`
	Step float64 `yaml:"step" json:"step"`
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
}

// InBounds reports whether v lies inside [Min, Max].
func (s ParamSpec) InBounds(v float64) bool {
	return v >= s.Min && v <= s.Max
}

// Clamp pins v to [Min, Max].
func (s ParamSpec) Clamp(v float64) float64 {
	return math.Max(s.Min, math.Min(s.Max, v))
}

// Validate rejects specs whose step or range cannot produce a change.
func (s ParamSpec) Validate() error {
	if s.Name == "" {
		return errors.New("parameter name is empty")
	}
	if s.Step <= 0 {
		return fmt.Errorf("parameter %s: step must be positive", s.Name)
	}
	if s.Min > s.Max {
		return fmt.Errorf("parameter %s: min %.4f above max %.4f", s.Name, s.Min, s.Max)
	}
	return nil
}

// FindParam returns the first spec with the given role.
func FindParam(specs []ParamSpec, role Role) (ParamSpec, bool) {
	for _, s := range specs {
		if s.Role == role {
			return s, true
		}
	}
	return ParamSpec{}, false
}

// FindParamByName returns the spec with the given name.
func FindParamByName(specs []ParamSpec, name string) (ParamSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return ParamSpec{}, false
}

// #endregion param-spec

// #region values

// Round trims float noise introduced by repeated step arithmetic.
func Round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// FormatValue renders a parameter value the way it is written back to YAML.
func FormatValue(v float64) string {
	return strconv.FormatFloat(Round(v), 'f', -1, 64)
}

// #endregion values

// #region lookup

type paramLocation struct {
	line  int // 1-based
	col   int // 1-based
	raw   string
	value float64
}

// LookupParam reads a dotted parameter path (e.g. "barrier.sl_factor") from
// a YAML document.
func LookupParam(content []byte, name string) (float64, error) {
	loc, err := locateParam(content, name)
	if err != nil {
		return 0, err
	}
	return loc.value, nil
}

func locateParam(content []byte, name string) (paramLocation, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return paramLocation{}, fmt.Errorf("parse artifact: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return paramLocation{}, fmt.Errorf("%s: %w (empty document)", name, ErrParamNotFound)
	}

	node := doc.Content[0]
	for _, part := range strings.Split(name, ".") {
		if node.Kind != yaml.MappingNode {
			return paramLocation{}, fmt.Errorf("%s: %w", name, ErrParamNotFound)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return paramLocation{}, fmt.Errorf("%s: %w", name, ErrParamNotFound)
		}
		node = next
	}

	if node.Kind != yaml.ScalarNode || node.Style != 0 {
		return paramLocation{}, fmt.Errorf("%s: not a plain scalar", name)
	}
	v, err := strconv.ParseFloat(node.Value, 64)
	if err != nil {
		return paramLocation{}, fmt.Errorf("%s: not numeric: %w", name, err)
	}
	return paramLocation{line: node.Line, col: node.Column, raw: node.Value, value: v}, nil
}

// #endregion lookup

// #region rewrite

const diffContext = 3

// RewriteParam replaces the parameter's value in place and returns the unified
// diff between the original and the rewritten artifact. Only the parameter's
// own line changes.
func RewriteParam(content []byte, relPath, name string, newValue float64) (string, error) {
	loc, err := locateParam(content, name)
	if err != nil {
		return "", err
	}

	text := string(content)
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	idx := loc.line - 1
	if idx < 0 || idx >= len(lines) {
		return "", fmt.Errorf("%s: line %d out of range", name, loc.line)
	}
	line := lines[idx]
	col := loc.col - 1
	if col < 0 || col+len(loc.raw) > len(line) || line[col:col+len(loc.raw)] != loc.raw {
		return "", fmt.Errorf("%s: value not found at line %d column %d", name, loc.line, loc.col)
	}
	replaced := line[:col] + FormatValue(newValue) + line[col+len(loc.raw):]

	start := max(0, idx-diffContext)
	end := min(len(lines), idx+diffContext+1)
	var body bytes.Buffer
	for i := start; i < end; i++ {
		if i == idx {
			body.WriteString("-" + line + "\n")
			body.WriteString("+" + replaced + "\n")
			continue
		}
		body.WriteString(" " + lines[i] + "\n")
	}

	n := int32(end - start)
	fd := &diff.FileDiff{
		OrigName: "a/" + relPath,
		NewName:  "b/" + relPath,
		Hunks: []*diff.Hunk{{
			OrigStartLine: int32(start + 1),
			OrigLines:     n,
			NewStartLine:  int32(start + 1),
			NewLines:      n,
			Body:          body.Bytes(),
		}},
	}
	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", fmt.Errorf("print diff: %w", err)
	}
	return string(out), nil
}

// #endregion rewrite
