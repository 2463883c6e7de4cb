package executors

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/guard"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/links"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

type acquireExecutor struct{}

func (acquireExecutor) Name() string                 { return "acquire" }
func (acquireExecutor) RequiredResources() []string { return []string{"gas_pump", "sensor", "valves"} }
func (acquireExecutor) IsIdempotent() bool           { return false }

func (acquireExecutor) EstimateDuration(leaf program.LeafStep) time.Duration {
	s := leaf.Step.Acquire
	if s == nil {
		return 0
	}
	return time.Duration(s.MaxDurationS * float64(time.Second))
}

func (acquireExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	s := leaf.Step.Acquire
	if s == nil {
		return fail("acquire payload missing")
	}
	var failures []string
	if name, hasName := deps.Machine.Current(); !hasName || name != models.StateInitial {
		failures = append(failures, "current state must be INITIAL")
	}
	if s.GasPumpPercent < 0 || s.GasPumpPercent > 100 {
		failures = append(failures, "gas pump PWM must be within [0, 100]")
	}
	if len(failures) > 0 {
		return fail(failures...)
	}
	return ok()
}

func (acquireExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	s := leaf.Step.Acquire
	start := time.Now()

	g, err := guard.Open(ctx, deps.Machine, models.StateSample)
	if err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	defer g.Close(ctx)

	if err := deps.Machine.SetGasPump(ctx, s.GasPumpPercent); err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if s.MaxDurationS > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(s.MaxDurationS*float64(time.Second)))
		defer cancel()
	}

	sampleStart := time.Now()
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

	// The gas pump draws through the filter for the whole sampling wait,
	// charged by wall-clock time rather than volume (spec.md §4.8).
	if _, err := deps.Consumables.Charge(consumables.FilterCounterID(), time.Since(sampleStart).Seconds()); err != nil && deps.Log != nil {
		deps.Log.WarnCtx(ctx, "consumable charge failed", "counter", consumables.FilterCounterID(), "err", err)
	}

	if err := g.CommitAndRestore(ctx); err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	return Result{Success: true, Duration: time.Since(start)}, nil
}

// waitForHeaterCycles blocks until count full heater cycles have been
// observed: a cycle completes on a transition where the reported heater
// step decreases from a positive value to zero, after at least one
// initial full cycle has already been observed (spec.md §4.4.4).
func waitForHeaterCycles(ctx context.Context, sensor links.SensorLink, count int) {
	if sensor == nil || count <= 0 {
		return
	}
	events := sensor.Subscribe(ctx)
	completed := 0
	sawInitialRise := false
	lastStep := 0
	for {
		select {
		case <-ctx.Done():
			return
		case evt, okEvt := <-events:
			if !okEvt {
				return
			}
			if evt.Kind != links.SensorEventData {
				continue
			}
			step := evt.Reading.HeaterStep
			if step > 0 {
				sawInitialRise = true
			}
			if sawInitialRise && lastStep > 0 && step == 0 {
				completed++
				if completed >= count {
					return
				}
			}
			lastStep = step
		}
	}
}

// waitForSensorStability blocks until the sensor's primary reading has
// peak-to-peak variation below pct percent over the trailing window, or
// ctx is done (spec.md §4.4.4: "fall back to max_duration_s on timeout").
func waitForSensorStability(ctx context.Context, sensor links.SensorLink, pct float64, window time.Duration) {
	if sensor == nil {
		return
	}
	events := sensor.Subscribe(ctx)
	var samples []float64
	var timestamps []time.Time
	windowFull := false // set once a sample older than the window has been trimmed
	for {
		select {
		case <-ctx.Done():
			return
		case evt, okEvt := <-events:
			if !okEvt {
				return
			}
			if evt.Kind != links.SensorEventData {
				continue
			}
			now := evt.Reading.Timestamp
			samples = append(samples, evt.Reading.PrimaryValue)
			timestamps = append(timestamps, now)
			cutoff := now.Add(-window)
			for len(timestamps) > 0 && timestamps[0].Before(cutoff) {
				samples = samples[1:]
				timestamps = timestamps[1:]
				windowFull = true
			}
			if len(samples) < 2 || !windowFull {
				continue // window not yet full
			}
			lo, hi := samples[0], samples[0]
			for _, v := range samples[1:] {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			mean := hi
			if mean == 0 {
				mean = 1
			}
			if (hi-lo)/mean*100 <= pct {
				return
			}
		}
	}
}
