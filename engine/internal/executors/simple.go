package executors

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// setStateExecutor transitions to a named state with no wait and no guard
// (spec.md §4.4.5): the effect is the new state, so there is nothing to
// restore afterward.
type setStateExecutor struct{}

func (setStateExecutor) Name() string                 { return "set_state" }
func (setStateExecutor) RequiredResources() []string { return []string{"valves"} }
func (setStateExecutor) IsIdempotent() bool           { return true }
func (setStateExecutor) EstimateDuration(program.LeafStep) time.Duration { return 0 }

func (setStateExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	if leaf.Step.SetState == nil {
		return fail("set_state payload missing")
	}
	if _, known := models.NamedStates[leaf.Step.SetState.Target]; !known {
		return fail("unknown target state")
	}
	return ok()
}

func (setStateExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	start := time.Now()
	if _, err := deps.Machine.TransitionTo(ctx, leaf.Step.SetState.Target); err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	return Result{Success: true, Duration: time.Since(start)}, nil
}

// setGasPumpExecutor writes only the gas-pump PWM field; it does not
// change the active named state label (spec.md §4.4.5, §9 open question b).
type setGasPumpExecutor struct{}

func (setGasPumpExecutor) Name() string                 { return "set_gas_pump" }
func (setGasPumpExecutor) RequiredResources() []string { return []string{"gas_pump"} }
func (setGasPumpExecutor) IsIdempotent() bool           { return true }
func (setGasPumpExecutor) EstimateDuration(program.LeafStep) time.Duration { return 0 }

func (setGasPumpExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	s := leaf.Step.SetGasPump
	if s == nil {
		return fail("set_gas_pump payload missing")
	}
	if s.Percent < 0 || s.Percent > 100 {
		return fail("percent must be within [0, 100]")
	}
	return ok()
}

func (setGasPumpExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	start := time.Now()
	if err := deps.Machine.SetGasPump(ctx, leaf.Step.SetGasPump.Percent); err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	return Result{Success: true, Duration: time.Since(start)}, nil
}

// waitExecutor blocks without changing the named state (spec.md §4.4.5),
// reusing the same termination logic as Acquire.
type waitExecutor struct{}

func (waitExecutor) Name() string                 { return "wait" }
func (waitExecutor) RequiredResources() []string { return nil }
func (waitExecutor) IsIdempotent() bool           { return true }

func (waitExecutor) EstimateDuration(leaf program.LeafStep) time.Duration {
	if leaf.Step.Wait == nil {
		return 0
	}
	return time.Duration(leaf.Step.Wait.MaxDurationS * float64(time.Second))
}

func (waitExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	if leaf.Step.Wait == nil {
		return fail("wait payload missing")
	}
	return ok()
}

func (waitExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	s := leaf.Step.Wait
	start := time.Now()

	waitCtx := ctx
	var cancel context.CancelFunc
	if s.MaxDurationS > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(s.MaxDurationS*float64(time.Second)))
		defer cancel()
	}

	switch s.Mode {
	case models.WaitModeDuration:
		sleepOrCancel(waitCtx, time.Duration(s.DurationS*float64(time.Second)))
	case models.WaitModeCycles:
		waitForHeaterCycles(waitCtx, deps.Sensor, s.HeaterCycles)
	case models.WaitModeStability:
		waitForSensorStability(waitCtx, deps.Sensor, s.StabilityPct, s.StabilityWindow)
	default:
		sleepOrCancel(waitCtx, time.Duration(s.MaxDurationS*float64(time.Second)))
	}

	return Result{Success: true, Duration: time.Since(start)}, nil
}

// phaseMarkerExecutor is a pure annotation; the Runner is responsible for
// emitting the progress event and attaching the phase name to subsequent
// weight samples (spec.md §4.4.5) — this executor only validates the
// payload and returns immediately.
type phaseMarkerExecutor struct{}

func (phaseMarkerExecutor) Name() string                 { return "phase_marker" }
func (phaseMarkerExecutor) RequiredResources() []string { return nil }
func (phaseMarkerExecutor) IsIdempotent() bool           { return true }
func (phaseMarkerExecutor) EstimateDuration(program.LeafStep) time.Duration { return 0 }

func (phaseMarkerExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	if leaf.Step.Phase == nil {
		return fail("phase_marker payload missing")
	}
	return ok()
}

func (phaseMarkerExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	return Result{Success: true}, nil
}
