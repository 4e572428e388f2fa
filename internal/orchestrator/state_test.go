package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaseksindelaru/Aipha-0.0.2/internal/signals"
)

func TestTransitionsAreSequential(t *testing.T) {
	s := NewState()
	assert.Error(t, s.Transition(PhaseCollecting), "no active cycle")

	require.NoError(t, s.Begin("c1", CycleAutomatic))
	for _, p := range []Phase{PhaseCollecting, PhaseProposing, PhaseEvaluating, PhaseApplying, PhaseRecording} {
		require.NoError(t, s.Transition(p))
		assert.Equal(t, p, s.Status().Phase)
	}
	s.End()
	assert.Equal(t, PhaseIdle, s.Status().Phase)
	assert.Empty(t, s.Status().CycleID)
}

func TestTransitionRejectsSkips(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Begin("c1", CycleAutomatic))
	assert.Error(t, s.Transition(PhaseEvaluating))
	assert.Error(t, s.Transition(PhaseRecording), "idle cannot abort")

	require.NoError(t, s.Transition(PhaseCollecting))
	assert.Error(t, s.Transition(PhaseApplying))
	require.NoError(t, s.Transition(PhaseRecording), "abort path")
	assert.Error(t, s.Transition(PhaseRecording))
}

func TestBeginGuards(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Begin("c1", CycleAutomatic))
	assert.ErrorIs(t, s.Begin("c2", CycleUserInitiated), ErrCycleActive)
	s.End()

	s.Halt()
	assert.ErrorIs(t, s.Begin("c3", CycleAutomatic), ErrHalted)
	require.NoError(t, s.Begin("c4", CycleEmergency))
	s.End()
	assert.True(t, s.Halted(), "halt survives End")
}

func TestInterruptFlags(t *testing.T) {
	s := NewState()
	assert.False(t, s.InterruptIfActive("urgent"))
	_, ok := s.Interrupted()
	assert.False(t, ok)

	require.NoError(t, s.Begin("c1", CycleAutomatic))
	assert.True(t, s.InterruptIfActive("urgent"))
	reason, ok := s.Interrupted()
	assert.True(t, ok)
	assert.Equal(t, "urgent", reason)
	assert.False(t, s.Status().InterruptedAt.IsZero())

	s.End()
	_, ok = s.Interrupted()
	assert.False(t, ok, "End clears the flag")

	s.Interrupt(signals.ReasonEmergency)
	s.Halt()
	s.Resume()
	_, ok = s.Interrupted()
	assert.False(t, ok)
	assert.False(t, s.Halted())
}

func TestResumeKeepsUrgentInterrupt(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Begin("c1", CycleUserInitiated))
	s.InterruptIfActive("urgent")
	s.Resume()
	_, ok := s.Interrupted()
	assert.True(t, ok)
}

func TestStateIsSafeForConcurrentSignals(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Begin("c1", CycleAutomatic))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.InterruptIfActive("urgent") }()
		go func() { defer wg.Done(); _ = s.Status() }()
	}
	wg.Wait()
	_, ok := s.Interrupted()
	assert.True(t, ok)
}
