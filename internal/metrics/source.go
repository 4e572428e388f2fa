// Package metrics provides the performance metrics the control loop observes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"gopkg.in/yaml.v3"
)

// ErrUnknownMetric is returned by Get for a component or metric with no data.
var ErrUnknownMetric = errors.New("unknown metric")

// #region source
// Source is the metrics collaborator of the orchestrator.
type Source interface {
	// Get returns the recent values of one metric, oldest first.
	Get(ctx context.Context, component, metric string) ([]float64, error)
	// Current returns the latest value of every metric of the watched component.
	Current(ctx context.Context) (proposal.Metrics, error)
}
// #endregion source

// #region file-source
// FileSource reads metrics from a YAML document of the form
//
//	component:
//	  metric: [v1, v2, v3]   # or a single number
//
// The file is re-read on every call so external writers need no signalling.
type FileSource struct {
	path      string
	component string
}

// NewFileSource watches component inside the file at path.
func NewFileSource(path, component string) *FileSource {
	return &FileSource{path: path, component: component}
}

// Path returns the file the source reads.
func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Get(_ context.Context, component, metric string) ([]float64, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	values, ok := doc[component][metric]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMetric, component, metric)
	}
	return values, nil
}

func (s *FileSource) Current(_ context.Context) (proposal.Metrics, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	series, ok := doc[s.component]
	if !ok {
		return nil, fmt.Errorf("%w: component %s", ErrUnknownMetric, s.component)
	}
	return Latest(series), nil
}

func (s *FileSource) load() (map[string]map[string][]float64, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	var doc map[string]map[string]series
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse metrics %s: %w", s.path, err)
	}
	out := make(map[string]map[string][]float64, len(doc))
	for comp, metrics := range doc {
		out[comp] = make(map[string][]float64, len(metrics))
		for name, v := range metrics {
			out[comp][name] = []float64(v)
		}
	}
	return out, nil
}

// series accepts either a scalar or a sequence of numbers.
type series []float64

func (s *series) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*s = series{v}
		return nil
	}
	var vs []float64
	if err := node.Decode(&vs); err != nil {
		return err
	}
	*s = vs
	return nil
}
// #endregion file-source

// Latest reduces each series to its last value. Empty series are skipped.
func Latest(series map[string][]float64) proposal.Metrics {
	out := make(proposal.Metrics, len(series))
	for name, vs := range series {
		if len(vs) > 0 {
			out[name] = vs[len(vs)-1]
		}
	}
	return out
}
