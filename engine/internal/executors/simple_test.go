package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

func TestSetStateExecutorTransitionsAndRejectsUnknownTarget(t *testing.T) {
	h := newHarness(t)
	leaf := program.LeafStep{Step: models.Step{ID: "s1", Kind: models.StepKindSetState, SetState: &models.SetStateStep{Target: models.StateDrain}}}

	res, err := setStateExecutor{}.Execute(context.Background(), leaf, h.Deps)
	require.NoError(t, err)
	assert.True(t, res.Success)

	name, ok := h.Deps.Machine.Current()
	require.True(t, ok)
	assert.Equal(t, models.StateDrain, name)

	bad := program.LeafStep{Step: models.Step{ID: "s2", Kind: models.StepKindSetState, SetState: &models.SetStateStep{Target: "NOT_A_STATE"}}}
	pre := setStateExecutor{}.CheckPreconditions(context.Background(), bad, h.Deps)
	assert.False(t, pre.OK)
}

func TestSetGasPumpExecutorWritesWithoutRelabeling(t *testing.T) {
	h := newHarness(t)
	_, err := h.Deps.Machine.TransitionTo(context.Background(), models.StateSample)
	require.NoError(t, err)

	leaf := program.LeafStep{Step: models.Step{ID: "g1", Kind: models.StepKindSetGasPump, SetGasPump: &models.SetGasPumpStep{Percent: 60}}}
	res, err := setGasPumpExecutor{}.Execute(context.Background(), leaf, h.Deps)
	require.NoError(t, err)
	assert.True(t, res.Success)

	name, ok := h.Deps.Machine.Current()
	require.True(t, ok)
	assert.Equal(t, models.StateSample, name)
	assert.Equal(t, 0.6, h.Deps.Machine.Snapshot().GasPumpPWM)
}

func TestSetGasPumpExecutorRejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	leaf := program.LeafStep{Step: models.Step{ID: "g2", Kind: models.StepKindSetGasPump, SetGasPump: &models.SetGasPumpStep{Percent: 150}}}
	res := setGasPumpExecutor{}.CheckPreconditions(context.Background(), leaf, h.Deps)
	assert.False(t, res.OK)
}

func TestWaitExecutorBlocksForDuration(t *testing.T) {
	h := newHarness(t)
	leaf := program.LeafStep{Step: models.Step{ID: "w1", Kind: models.StepKindWait, Wait: &models.WaitStep{
		Mode: models.WaitModeDuration, DurationS: 0.02,
	}}}

	start := time.Now()
	res, err := waitExecutor{}.Execute(context.Background(), leaf, h.Deps)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestWaitExecutorRespectsCancellation(t *testing.T) {
	h := newHarness(t)
	leaf := program.LeafStep{Step: models.Step{ID: "w2", Kind: models.StepKindWait, Wait: &models.WaitStep{
		Mode: models.WaitModeDuration, DurationS: 10,
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		_, _ = waitExecutor{}.Execute(ctx, leaf, h.Deps)
		done <- time.Since(start)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case elapsed := <-done:
		assert.Less(t, elapsed, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("wait executor did not respect cancellation")
	}
}

func TestPhaseMarkerExecutorValidatesPayload(t *testing.T) {
	leaf := program.LeafStep{Step: models.Step{ID: "p1", Kind: models.StepKindPhaseMarker}}
	res := phaseMarkerExecutor{}.CheckPreconditions(context.Background(), leaf, Deps{})
	assert.False(t, res.OK)

	leaf.Step.Phase = &models.PhaseMarkerStep{Edge: models.PhaseStart, Name: "acquire"}
	res = phaseMarkerExecutor{}.CheckPreconditions(context.Background(), leaf, Deps{})
	assert.True(t, res.OK)

	result, err := phaseMarkerExecutor{}.Execute(context.Background(), leaf, Deps{})
	require.NoError(t, err)
	assert.True(t, result.Success)
}
