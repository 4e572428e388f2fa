package proposal

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region fakes

type memHysteresis struct {
	h     Hysteresis
	saves int
}

func (m *memHysteresis) LoadHysteresis(context.Context) (Hysteresis, error) { return m.h, nil }

func (m *memHysteresis) SaveHysteresis(_ context.Context, h Hysteresis) error {
	m.h = h
	m.saves++
	return nil
}

type memArtifacts map[string][]byte

func (a memArtifacts) Read(id string) ([]byte, error) {
	b, ok := a[id]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return b, nil
}

func (a memArtifacts) Rel(id string) (string, error) {
	return strings.ReplaceAll(id, ".", "/") + ".yaml", nil
}

func engineYAML(entry, sl, tp float64) []byte {
	return []byte(fmt.Sprintf(`# potential capture engine
entry_threshold: %s
sl_factor: %s
tp_factor: %s
atr_period: 14
`, FormatValue(entry), FormatValue(sl), FormatValue(tp)))
}

func newTestSource(content []byte) (*HeuristicSource, *memHysteresis) {
	hyst := &memHysteresis{}
	arts := memArtifacts{DefaultTarget: content}
	return NewHeuristicSource(DefaultHeuristicConfig(), arts, hyst, nil), hyst
}

// #endregion fakes

// #region rules

func TestHeuristicTightenCritical(t *testing.T) {
	src, hyst := newTestSource(engineYAML(0.45, 1.0, 2.0))

	got, err := src.Propose(context.Background(), Metrics{"win_rate": 0.25, "total_trades": 50, "drawdown": 0.2})
	require.NoError(t, err)
	require.Len(t, got, 1)

	p := got[0]
	assert.Equal(t, KindTighten, p.Kind)
	assert.Equal(t, PriorityCritical, p.Priority)
	assert.Equal(t, "sl_factor", p.Parameter)
	assert.Equal(t, 1.0, p.OldValue)
	assert.Equal(t, 0.9, p.NewValue)
	assert.Equal(t, DifficultyTrivial, p.Difficulty)
	assert.Equal(t, "bounds:"+DefaultTarget, p.VerificationPlan)
	assert.Contains(t, p.Diff, "-sl_factor: 1\n")
	assert.Contains(t, p.Diff, "+sl_factor: 0.9\n")
	assert.NoError(t, p.Validate())
	assert.Equal(t, Hysteresis{LastType: KindTighten}, hyst.h)
}

func TestHeuristicTightenHighOnDrawdownOnly(t *testing.T) {
	src, _ := newTestSource(engineYAML(0.45, 1.0, 2.0))

	got, err := src.Propose(context.Background(), Metrics{"win_rate": 0.5, "total_trades": 10, "current_drawdown": 0.3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindTighten, got[0].Kind)
	assert.Equal(t, PriorityHigh, got[0].Priority)
}

func TestHeuristicLoosenOnNoTrades(t *testing.T) {
	src, _ := newTestSource(engineYAML(0.45, 1.0, 2.0))

	got, err := src.Propose(context.Background(), Metrics{"total_trades": 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindLoosen, got[0].Kind)
	assert.Equal(t, PriorityNormal, got[0].Priority)
	assert.Equal(t, 0.4, got[0].NewValue)
}

func TestHeuristicStabilize(t *testing.T) {
	src, _ := newTestSource(engineYAML(0.45, 1.0, 2.0))

	got, err := src.Propose(context.Background(), Metrics{"win_rate": 0.7, "total_trades": 40, "drawdown": 0.05})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindStabilize, got[0].Kind)
	assert.Equal(t, PriorityLow, got[0].Priority)
	assert.Equal(t, 2.25, got[0].NewValue)
}

func TestHeuristicNoRuleMatches(t *testing.T) {
	src, hyst := newTestSource(engineYAML(0.45, 1.0, 2.0))

	got, err := src.Propose(context.Background(), Metrics{"win_rate": 0.5, "total_trades": 40, "drawdown": 0.05})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, hyst.h.CyclesSince)
}

func TestHeuristicInsufficientData(t *testing.T) {
	src, hyst := newTestSource(engineYAML(0.45, 1.0, 2.0))

	got, err := src.Propose(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Empty(t, got)
	assert.Equal(t, 1, hyst.saves)

	_, err = src.Propose(context.Background(), Metrics{"total_trades": 12})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestHeuristicAtBoundEmitsNothing(t *testing.T) {
	src, _ := newTestSource(engineYAML(0.1, 0.5, 3.0))

	for _, m := range []Metrics{
		{"total_trades": 0},
		{"win_rate": 0.2, "total_trades": 5, "drawdown": 0.3},
		{"win_rate": 0.9, "total_trades": 5, "drawdown": 0.01},
	} {
		got, err := src.Propose(context.Background(), m)
		require.NoError(t, err)
		assert.Empty(t, got, "metrics %v", m)
	}
}

// #endregion rules

// #region hysteresis

func TestHeuristicCooldownBlocksOpposite(t *testing.T) {
	src, hyst := newTestSource(engineYAML(0.45, 1.0, 2.0))
	ctx := context.Background()
	loosen := Metrics{"total_trades": 0}

	got, err := src.Propose(ctx, Metrics{"win_rate": 0.3, "total_trades": 20, "drawdown": 0.1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, KindTighten, got[0].Kind)

	for cycle := 1; cycle < DefaultHeuristicConfig().Cooldown; cycle++ {
		got, err := src.Propose(ctx, loosen)
		require.NoError(t, err)
		assert.Empty(t, got, "cycle %d after tighten", cycle)
		assert.Equal(t, cycle, hyst.h.CyclesSince)
	}

	got, err = src.Propose(ctx, loosen)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindLoosen, got[0].Kind)
}

func TestHeuristicCooldownIgnoresSameDirection(t *testing.T) {
	src, _ := newTestSource(engineYAML(0.45, 1.0, 2.0))
	ctx := context.Background()
	bad := Metrics{"win_rate": 0.3, "total_trades": 20, "drawdown": 0.1}

	for i := 0; i < 2; i++ {
		got, err := src.Propose(ctx, bad)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
}

// #endregion hysteresis

// #region properties

func TestHeuristicLoosenProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := DefaultHeuristicConfig()
	spec, _ := FindParam(cfg.Params, RoleSensitivity)
	kinds := []Kind{KindNone, KindLoosen, KindTighten, KindStabilize}

	properties.Property("zero trades yields one in-range loosen unless cooldown or bound blocks it", prop.ForAll(
		func(entry float64, kindIdx int, since int) bool {
			entry = Round(entry)
			hyst := &memHysteresis{h: Hysteresis{LastType: kinds[kindIdx], CyclesSince: since}}
			src := NewHeuristicSource(cfg, memArtifacts{cfg.Target: engineYAML(entry, 1.0, 2.0)}, hyst, nil)

			got, err := src.Propose(context.Background(), Metrics{"total_trades": 0})
			if err != nil {
				return false
			}

			blocked := kinds[kindIdx] == KindTighten && since+1 < cfg.Cooldown
			if blocked || entry == spec.Min {
				return len(got) == 0
			}
			return len(got) == 1 &&
				got[0].Kind == KindLoosen &&
				spec.InBounds(got[0].NewValue) &&
				got[0].NewValue < entry
		},
		gen.Float64Range(spec.Min, spec.Max),
		gen.IntRange(0, len(kinds)-1),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// #endregion properties
