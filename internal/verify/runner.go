package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// #region errors

// ErrVerificationFailed marks a change whose verification plan did not pass.
var ErrVerificationFailed = errors.New("verification failed")

// ErrUnknownPlan is returned for plan references no runner handles.
var ErrUnknownPlan = errors.New("unknown verification plan")

// #endregion errors

// #region runner

// Runner executes a verification plan. passed=false with a nil error means the
// plan ran and failed; a non-nil error means it could not run at all. Both
// are treated as failure by callers.
type Runner interface {
	Run(ctx context.Context, plan string) (passed bool, output string, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, plan string) (bool, string, error)

func (f RunnerFunc) Run(ctx context.Context, plan string) (bool, string, error) {
	return f(ctx, plan)
}

// #endregion runner

// #region mux

// Mux routes "kind:arg" plan references to the runner registered for kind and
// passes it arg.
type Mux struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewMux() *Mux {
	return &Mux{runners: make(map[string]Runner)}
}

// Handle registers r for plans of the given kind.
func (m *Mux) Handle(kind string, r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[kind] = r
}

// Run implements Runner.
func (m *Mux) Run(ctx context.Context, plan string) (bool, string, error) {
	kind, arg, ok := strings.Cut(plan, ":")
	if !ok || arg == "" {
		return false, "", fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	m.mu.RLock()
	r, found := m.runners[kind]
	m.mu.RUnlock()
	if !found {
		return false, "", fmt.Errorf("%w: no runner for %q", ErrUnknownPlan, kind)
	}
	return r.Run(ctx, arg)
}

// #endregion mux

// #region sequence

// Sequence runs each runner with the same argument and stops at the first
// one that fails or errors. Outputs are joined in order.
func Sequence(runners ...Runner) Runner {
	return RunnerFunc(func(ctx context.Context, arg string) (bool, string, error) {
		var outputs []string
		for _, r := range runners {
			passed, out, err := r.Run(ctx, arg)
			if out != "" {
				outputs = append(outputs, strings.TrimRight(out, "\n"))
			}
			if err != nil || !passed {
				return false, strings.Join(outputs, "\n"), err
			}
		}
		return true, strings.Join(outputs, "\n"), nil
	})
}

// #endregion sequence
