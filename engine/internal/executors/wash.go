package executors

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/guard"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

type washExecutor struct{}

func (washExecutor) Name() string { return "wash" }
func (washExecutor) RequiredResources() []string {
	return []string{"clean_pump", "valves", "load_cell"}
}
func (washExecutor) IsIdempotent() bool { return false }

func (washExecutor) EstimateDuration(leaf program.LeafStep) time.Duration {
	s := leaf.Step.Wash
	if s == nil {
		return 0
	}
	return time.Duration(s.RepeatCount) * (s.DrainTimeout*2 + s.FillTimeout)
}

func (washExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	s := leaf.Step.Wash
	if s == nil {
		return fail("wash payload missing")
	}
	var failures []string
	if name, hasName := deps.Machine.Current(); !hasName || name != models.StateInitial {
		failures = append(failures, "current state must be INITIAL")
	}
	if s.RepeatCount < 1 {
		failures = append(failures, "repeat_count must be >= 1")
	}
	if s.TargetWeightG <= 0 {
		failures = append(failures, "target_weight_g must be > 0")
	}
	if len(failures) > 0 {
		return fail(failures...)
	}
	return ok()
}

// Execute runs RepeatCount drain->fill->drain cycles (spec.md §4.4.3).
// Cancellation is checked between every phase and during every poll; the
// executor is not idempotent since it consumes cleaning fluid.
func (washExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	s := leaf.Step.Wash
	start := time.Now()
	phaseDurations := make(map[string]int64)

	tolerance := s.ToleranceG
	if tolerance <= 0 {
		tolerance = deps.Preamble.DefaultTolerance
	}
	window := s.StabilityWindow
	if window <= 0 {
		window = deps.Preamble.DefaultStabilityWindow
	}

	for cycle := 0; cycle < s.RepeatCount; cycle++ {
		if ctx.Err() != nil {
			return Result{Success: false, FailureReason: "cancelled", Duration: time.Since(start), PhaseDurationsMS: phaseDurations}, nil
		}

		drainStart := time.Now()
		var baseline float64
		if err := washPhase(ctx, deps, models.StateDrain, func(g *guard.Guard) error {
			if deps.LoadCell != nil {
				res := deps.LoadCell.WaitForEmptyBottle(ctx, tolerance, s.DrainTimeout, window, deps.Preamble.EmptyTareG, func(r models.LoadCellReading) {
					recordSample(ctx, deps, r)
				})
				baseline = res.EmptyWeightG
			} else {
				sleepOrCancel(ctx, s.DrainTimeout)
			}
			return nil
		}); err != nil {
			return Result{Success: false, FailureReason: err.Error(), PhaseDurationsMS: phaseDurations}, err
		}
		phaseDurations["drain"] += time.Since(drainStart).Milliseconds()

		if ctx.Err() != nil {
			return Result{Success: false, FailureReason: "cancelled", Duration: time.Since(start), PhaseDurationsMS: phaseDurations}, nil
		}

		fillStart := time.Now()
		reachedTarget := false
		if err := washPhase(ctx, deps, models.StateClean, func(_ *guard.Guard) error {
			deadline := time.Now().Add(s.FillTimeout)
			for {
				reading := deps.LoadCell.Snapshot()
				recordSample(ctx, deps, reading)
				if reading.WeightG-baseline >= s.TargetWeightG {
					reachedTarget = true
					return nil
				}
				if time.Now().After(deadline) {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollInterval):
				}
			}
		}); err != nil {
			return Result{Success: false, FailureReason: err.Error(), PhaseDurationsMS: phaseDurations}, err
		}
		fillElapsed := time.Since(fillStart)
		phaseDurations["fill"] += fillElapsed.Milliseconds()

		// The cleaning pump runs for the whole fill phase, charged by
		// wall-clock time rather than volume (spec.md §4.8).
		if _, err := deps.Consumables.Charge(consumables.CleanPumpCounterID(), fillElapsed.Seconds()); err != nil && deps.Log != nil {
			deps.Log.WarnCtx(ctx, "consumable charge failed", "counter", consumables.CleanPumpCounterID(), "err", err)
		}

		if !reachedTarget && deps.Preamble.WashFillTimeoutPolicy == models.WashFillTimeoutAbort {
			return Result{Success: false, FailureReason: "fill phase timed out before reaching target delta", PhaseDurationsMS: phaseDurations}, nil
		}

		if ctx.Err() != nil {
			return Result{Success: false, FailureReason: "cancelled", Duration: time.Since(start), PhaseDurationsMS: phaseDurations}, nil
		}

		finalDrainStart := time.Now()
		if err := washPhase(ctx, deps, models.StateDrain, func(_ *guard.Guard) error {
			if deps.LoadCell != nil {
				deps.LoadCell.WaitForEmptyBottle(ctx, tolerance, s.DrainTimeout, window, deps.Preamble.EmptyTareG, func(r models.LoadCellReading) {
					recordSample(ctx, deps, r)
				})
			} else {
				sleepOrCancel(ctx, s.DrainTimeout)
			}
			return nil
		}); err != nil {
			return Result{Success: false, FailureReason: err.Error(), PhaseDurationsMS: phaseDurations}, err
		}
		phaseDurations["drain"] += time.Since(finalDrainStart).Milliseconds()
	}

	return Result{Success: true, Duration: time.Since(start), PhaseDurationsMS: phaseDurations}, nil
}

// washPhase opens a guard to target, runs body, and always commits the
// guard back (abandon is never used here: each wash phase should restore
// cleanly even if cancelled mid-phase).
func washPhase(ctx context.Context, deps Deps, target models.StateName, body func(g *guard.Guard) error) error {
	g, err := guard.Open(ctx, deps.Machine, target)
	if err != nil {
		return err
	}
	defer g.Close(ctx)
	if err := body(g); err != nil {
		return err
	}
	return g.CommitAndRestore(ctx)
}
