package executors

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/guard"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

type drainExecutor struct{}

func (drainExecutor) Name() string                 { return "drain" }
func (drainExecutor) RequiredResources() []string { return []string{"valves", "load_cell"} }
func (drainExecutor) IsIdempotent() bool           { return true }

func (drainExecutor) EstimateDuration(leaf program.LeafStep) time.Duration {
	if leaf.Step.Drain == nil {
		return 0
	}
	return leaf.Step.Drain.Timeout
}

func (drainExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	name, hasName := deps.Machine.Current()
	if !hasName || (name != models.StateInitial && name != models.StateInject) {
		return fail("current state must be INITIAL or INJECT")
	}
	return ok()
}

func (drainExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	s := leaf.Step.Drain
	start := time.Now()

	g, err := guard.Open(ctx, deps.Machine, models.StateDrain)
	if err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	defer g.Close(ctx)

	if deps.LoadCell != nil {
		tolerance := s.Tolerance
		if tolerance <= 0 {
			tolerance = deps.Preamble.DefaultTolerance
		}
		window := s.StabilityWindow
		if window <= 0 {
			window = deps.Preamble.DefaultStabilityWindow
		}
		deps.LoadCell.WaitForEmptyBottle(ctx, tolerance, s.Timeout, window, deps.Preamble.EmptyTareG, func(r models.LoadCellReading) {
			recordSample(ctx, deps, r)
		})
	} else {
		sleepOrCancel(ctx, s.Timeout)
	}

	if err := g.CommitAndRestore(ctx); err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	return Result{Success: true, Duration: time.Since(start)}, nil
}
