package verify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const maxOutput = 16 << 10

// ExecRunner runs named test commands as subprocesses. A non-zero exit is a
// failed plan; a command that cannot start is an error.
type ExecRunner struct {
	commands map[string][]string
	dir      string
	timeout  time.Duration
}

// NewExecRunner creates a runner for the given named argv lists. dir is the
// working directory for every command.
func NewExecRunner(commands map[string][]string, dir string, timeout time.Duration) *ExecRunner {
	return &ExecRunner{commands: commands, dir: dir, timeout: timeout}
}

// Run implements Runner; name selects the configured command.
func (r *ExecRunner) Run(ctx context.Context, name string) (bool, string, error) {
	argv, ok := r.commands[name]
	if !ok || len(argv) == 0 {
		return false, "", fmt.Errorf("%w: no command named %q", ErrUnknownPlan, name)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, string(out), nil
	case ctx.Err() != nil:
		return false, string(out), fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.As(err, &exitErr):
		return false, string(out), nil
	default:
		return false, string(out), fmt.Errorf("run %s: %w", name, err)
	}
}
