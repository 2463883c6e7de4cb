package executors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/links"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

func acquireLeaf(s *models.AcquireStep) program.LeafStep {
	return program.LeafStep{Step: models.Step{ID: "a1", Kind: models.StepKindAcquire, Acquire: s}}
}

func TestAcquireRejectsOutOfRangeGasPump(t *testing.T) {
	h := newHarness(t)
	res := acquireExecutor{}.CheckPreconditions(context.Background(), acquireLeaf(&models.AcquireStep{GasPumpPercent: 150}), h.Deps)
	assert.False(t, res.OK)
}

func TestAcquireDurationModeRunsForConfiguredTime(t *testing.T) {
	h := newHarness(t)
	s := &models.AcquireStep{GasPumpPercent: 50, Mode: models.WaitModeDuration, DurationS: 0.03}

	start := time.Now()
	res, err := acquireExecutor{}.Execute(context.Background(), acquireLeaf(s), h.Deps)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestAcquireRestoresStateAfterCommit(t *testing.T) {
	h := newHarness(t)
	s := &models.AcquireStep{GasPumpPercent: 20, Mode: models.WaitModeDuration, DurationS: 0.01}
	_, err := acquireExecutor{}.Execute(context.Background(), acquireLeaf(s), h.Deps)
	require.NoError(t, err)

	name, ok := h.Deps.Machine.Current()
	require.True(t, ok)
	assert.Equal(t, models.StateInitial, name)
}

func TestAcquireCyclesModeCountsFullHeaterCycles(t *testing.T) {
	h := newHarness(t)
	s := &models.AcquireStep{GasPumpPercent: 30, Mode: models.WaitModeCycles, HeaterCycles: 2, MaxDurationS: 2}

	done := make(chan struct{})
	go func() {
		res, err := acquireExecutor{}.Execute(context.Background(), acquireLeaf(s), h.Deps)
		assert.NoError(t, err)
		assert.True(t, res.Success)
		close(done)
	}()

	emitHeaterCycle := func() {
		h.Sensor.Emit(links.SensorEvent{Kind: links.SensorEventData, Reading: links.SensorReading{HeaterStep: 1, Timestamp: time.Now()}})
		h.Sensor.Emit(links.SensorEvent{Kind: links.SensorEventData, Reading: links.SensorReading{HeaterStep: 0, Timestamp: time.Now()}})
	}

	// Give Execute time to reach guard.Open/SetGasPump and subscribe
	// before any events are emitted, then drive two full cycles.
	time.Sleep(5 * time.Millisecond)
	emitHeaterCycle()
	time.Sleep(5 * time.Millisecond)
	emitHeaterCycle()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete after two heater cycles")
	}
}

func TestAcquireFallsBackToMaxDurationOnUnknownMode(t *testing.T) {
	h := newHarness(t)
	s := &models.AcquireStep{GasPumpPercent: 10, Mode: "", MaxDurationS: 0.02}
	start := time.Now()
	res, err := acquireExecutor{}.Execute(context.Background(), acquireLeaf(s), h.Deps)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}
