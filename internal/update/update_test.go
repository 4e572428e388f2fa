package update

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/artifact"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/verify"
)

// #region fixtures

const target = "trading_manager.labelers.engine"

const engine = `# engine parameters
entry_threshold: 0.45
sl_factor: 1
tp_factor: 2
atr_period: 14
`

type auditCall struct {
	action  string
	details map[string]any
}

type memAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (m *memAudit) Append(_ context.Context, _ string, action string, details any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, _ := details.(map[string]any)
	m.calls = append(m.calls, auditCall{action: action, details: d})
	return "h", nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.action)
	}
	return out
}

func passing() verify.Runner {
	return verify.RunnerFunc(func(context.Context, string) (bool, string, error) { return true, "ok", nil })
}

func failing() verify.Runner {
	return verify.RunnerFunc(func(context.Context, string) (bool, string, error) {
		return false, "1 failed\nsl_factor regression", nil
	})
}

type harness struct {
	updater   *Updater
	artifacts *artifact.FSStore
	audit     *memAudit
	backupDir string
}

func newHarness(t *testing.T, runner verify.Runner, content string) *harness {
	t.Helper()
	root := t.TempDir()
	backupDir := filepath.Join(t.TempDir(), "backups")
	arts := artifact.NewFSStore(root, ".yaml")
	if content != "" {
		require.NoError(t, arts.Write(target, []byte(content)))
	}
	a := &memAudit{}
	return &harness{
		updater:   NewUpdater(DefaultConfig(backupDir), arts, runner, a, nil),
		artifacts: arts,
		audit:     a,
		backupDir: backupDir,
	}
}

func slProposal(t *testing.T, content string, next float64) proposal.Proposal {
	t.Helper()
	d, err := proposal.RewriteParam([]byte(content), "engine.yaml", "sl_factor", next)
	require.NoError(t, err)
	return proposal.Proposal{
		ID:               "p-1",
		Target:           target,
		Diff:             d,
		VerificationPlan: "bounds:" + target,
		Difficulty:       proposal.DifficultyTrivial,
		Priority:         proposal.PriorityHigh,
	}
}

// #endregion fixtures

// #region protocol

func TestApplyCommits(t *testing.T) {
	h := newHarness(t, passing(), engine)

	res := h.updater.Apply(context.Background(), "cycle-1", slProposal(t, engine, 0.9))
	require.True(t, res.Success, res.Message)
	assert.NoError(t, res.Err)

	got, err := h.artifacts.Read(target)
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(engine, "sl_factor: 1\n", "sl_factor: 0.9\n", 1), string(got))

	assert.Equal(t, []string{"ATOMIC_COMMIT"}, h.audit.actions())
	assert.Equal(t, "p-1", h.audit.calls[0].details["proposal_id"])
	assert.NoFileExists(t, filepath.Join(h.backupDir, "cycle-1", target+".bak"))
}

func TestApplyRollsBackOnVerificationFailure(t *testing.T) {
	h := newHarness(t, failing(), engine)

	res := h.updater.Apply(context.Background(), "cycle-1", slProposal(t, engine, 0.9))
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.ErrorIs(t, res.Err, verify.ErrVerificationFailed)
	assert.NotErrorIs(t, res.Err, ErrApplyIO)
	assert.Contains(t, res.Message, "sl_factor regression")

	got, _ := h.artifacts.Read(target)
	assert.Equal(t, engine, string(got))

	require.Equal(t, []string{"ATOMIC_ROLLBACK"}, h.audit.actions())
	assert.Contains(t, h.audit.calls[0].details["reason"], "verification failed")
	assert.NoFileExists(t, filepath.Join(h.backupDir, "cycle-1", target+".bak"))
}

func TestRollbackSurvivesDiscardedScope(t *testing.T) {
	var h *harness
	h = newHarness(t, verify.RunnerFunc(func(context.Context, string) (bool, string, error) {
		// the owning cycle gives up on its scope while verification runs
		require.NoError(t, h.updater.DiscardScope("cycle-1"))
		return false, "regression", nil
	}), engine)

	res := h.updater.Apply(context.Background(), "cycle-1", slProposal(t, engine, 0.9))
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.NotErrorIs(t, res.Err, ErrApplyIO)

	got, _ := h.artifacts.Read(target)
	assert.Equal(t, engine, string(got))
	require.Equal(t, []string{"ATOMIC_ROLLBACK"}, h.audit.actions())
	assert.Equal(t, true, h.audit.calls[0].details["restored"])
}

func TestApplyRollsBackOnStaleDiff(t *testing.T) {
	h := newHarness(t, passing(), engine)
	stale := slProposal(t, strings.Replace(engine, "sl_factor: 1", "sl_factor: 1.2", 1), 1.1)

	res := h.updater.Apply(context.Background(), "cycle-1", stale)
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Contains(t, res.Message, "diff apply")

	got, _ := h.artifacts.Read(target)
	assert.Equal(t, engine, string(got))
}

func TestApplyMissingTarget(t *testing.T) {
	h := newHarness(t, passing(), "")

	res := h.updater.Apply(context.Background(), "cycle-1", slProposal(t, engine, 0.9))
	assert.False(t, res.Success)
	assert.False(t, res.RolledBack)
	assert.NoError(t, res.Err)
	assert.Empty(t, h.audit.actions())
}

func TestApplyBackupFailureIsIO(t *testing.T) {
	h := newHarness(t, passing(), engine)
	// a regular file where the backup directory should be
	require.NoError(t, os.MkdirAll(filepath.Dir(h.backupDir), 0755))
	require.NoError(t, os.WriteFile(h.backupDir, []byte("x"), 0644))

	res := h.updater.Apply(context.Background(), "cycle-1", slProposal(t, engine, 0.9))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrApplyIO)

	got, _ := h.artifacts.Read(target)
	assert.Equal(t, engine, string(got))
}

func TestDiscardScope(t *testing.T) {
	h := newHarness(t, passing(), engine)
	dir := filepath.Join(h.backupDir, "cycle-9")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, target+".bak"), []byte(engine), 0600))

	require.NoError(t, h.updater.DiscardScope("cycle-9"))
	assert.NoDirExists(t, dir)
	assert.Error(t, h.updater.DiscardScope(""))
}

// #endregion protocol

// #region concurrency

func TestApplySerializesPerTarget(t *testing.T) {
	var inside, peak int32
	runner := verify.RunnerFunc(func(context.Context, string) (bool, string, error) {
		n := atomic.AddInt32(&inside, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inside, -1)
		// fail so every apply restores the same base content
		return false, "", nil
	})
	h := newHarness(t, runner, engine)
	p := slProposal(t, engine, 0.9)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.updater.Apply(context.Background(), "cycle-1", p)
			assert.True(t, res.RolledBack)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	got, _ := h.artifacts.Read(target)
	assert.Equal(t, engine, string(got))
}

// #endregion concurrency

// #region properties

func TestFailedApplyRestoresExactBytes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("failed verification leaves the artifact byte-identical", prop.ForAll(
		func(keys []string, idx int, next float64, trailingNL bool) bool {
			var b strings.Builder
			for i, k := range keys {
				b.WriteString("k" + k + "_" + string(rune('a'+i%26)) + ": " + proposal.FormatValue(float64(i)+0.5))
				if i < len(keys)-1 || trailingNL {
					b.WriteString("\n")
				}
			}
			content := b.String()
			name := "k" + keys[idx%len(keys)] + "_" + string(rune('a'+(idx%len(keys))%26))

			d, err := proposal.RewriteParam([]byte(content), "x.yaml", name, next)
			if err != nil {
				return false
			}

			root := t.TempDir()
			arts := artifact.NewFSStore(root, ".yaml")
			if err := arts.Write(target, []byte(content)); err != nil {
				return false
			}
			u := NewUpdater(DefaultConfig(filepath.Join(root, "bak")), arts, failing(), &memAudit{}, nil)
			res := u.Apply(context.Background(), "prop", proposal.Proposal{
				ID: "p", Target: target, Diff: d, VerificationPlan: "bounds:" + target,
			})

			got, err := arts.Read(target)
			return err == nil && !res.Success && res.RolledBack && string(got) == content
		},
		gen.SliceOfN(6, gen.Identifier()),
		gen.IntRange(0, 5),
		gen.Float64Range(-100, 100),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestApplyUnifiedRoundTrip(t *testing.T) {
	content := "a: 1\nb: 2\nc: 3\n"
	d, err := proposal.RewriteParam([]byte(content), "x.yaml", "b", 5)
	require.NoError(t, err)

	got, err := applyUnified([]byte(content), d)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\nb: 5\nc: 3\n", string(got))

	_, err = applyUnified([]byte("a: 1\nb: 3\nc: 3\n"), d)
	assert.ErrorIs(t, err, ErrPatchMismatch)
}

func TestApplyUnifiedInsertAndDelete(t *testing.T) {
	content := "one\ntwo\nthree\n"
	d := "--- a/x\n+++ b/x\n@@ -1,3 +1,3 @@\n one\n-two\n three\n+four\n"

	got, err := applyUnified([]byte(content), d)
	require.NoError(t, err)
	assert.Equal(t, "one\nthree\nfour\n", string(got))
}

// #endregion properties
