package executors

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/guard"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// mmToML is the volumetric conversion used to charge consumables from
// commanded pump travel (spec.md §4.4.1 step 5: "commanded_volume ×
// mm_to_ml"). The step-volume fields are already expressed in ml in this
// model, so the conversion factor here is identity; it is kept as a named
// constant so a future pump/tube geometry change has one place to live.
const mmToML = 1.0

type injectExecutor struct{}

func (injectExecutor) Name() string { return "inject" }

func (injectExecutor) RequiredResources() []string {
	return []string{"peristaltic_pumps", "load_cell", "valves"}
}

func (injectExecutor) IsIdempotent() bool { return false }

func (injectExecutor) EstimateDuration(leaf program.LeafStep) time.Duration {
	if leaf.Step.Inject == nil {
		return 0
	}
	return leaf.Step.Inject.StableTimeout
}

func (injectExecutor) CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult {
	s := leaf.Step.Inject
	if s == nil {
		return fail("inject payload missing")
	}
	var failures []string
	if name, ok := deps.Machine.Current(); !ok || name != models.StateInitial {
		failures = append(failures, "current state must be INITIAL")
	}
	if s.TotalVolumeML <= 0 {
		failures = append(failures, "target volume must be > 0")
	}
	if len(s.Ratios) == 0 {
		failures = append(failures, "at least one component required")
	} else {
		sum := 0.0
		for _, r := range s.Ratios {
			sum += r
		}
		if math.Abs(sum-1.0) > 0.01 {
			failures = append(failures, "component ratios must sum to 1 +/- 0.01")
		}
	}
	if len(failures) > 0 {
		return fail(failures...)
	}
	return ok()
}

func (injectExecutor) Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error) {
	s := leaf.Step.Inject
	start := time.Now()

	g, err := guard.Open(ctx, deps.Machine, models.StateInject)
	if err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}
	defer g.Close(ctx)

	volumes := computePumpVolumes(s)

	emptyWeight := deps.LoadCell.Snapshot().WeightG
	targetWeight := s.TotalVolumeML // density ~= 1, spec.md §4.4.1 step 4

	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = deps.Preamble.DefaultTolerance
	}

	// Command the motion subsystem to start all non-zero pumps
	// concurrently with common speed and acceleration (spec.md §4.4.1
	// step 3), then poll the load cell until the termination condition.
	deps.Machine.RunPumps(ctx, volumes, s.SpeedMMPerSec, s.AccelMMPerSec2)

	deadline := time.Now().Add(s.StableTimeout)
	reached := false
pollLoop:
	for {
		reading := deps.LoadCell.Snapshot()
		recordSample(ctx, deps, reading)
		if reading.WeightG >= targetWeight-tolerance {
			reached = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break pollLoop
		case <-time.After(pollInterval):
		}
	}

	fullWeight := deps.LoadCell.Snapshot().WeightG

	// Terminate pump motion now that the poll loop has exited (weight
	// target reached, stable_timeout elapsed, or cancelled), before the
	// guard's restoration transition.
	deps.Machine.StopPumps(ctx, volumes)

	// Charge consumables irrespective of whether the weight target was
	// reached (spec.md §4.4.1 step 5).
	for i, v := range volumes {
		if v == 0 {
			continue
		}
		if _, err := deps.Consumables.Charge(consumables.PumpCounterID(i), v*mmToML); err != nil && deps.Log != nil {
			deps.Log.WarnCtx(ctx, "consumable charge failed", "pump", i, "err", err)
		}
	}

	if err := g.CommitAndRestore(ctx); err != nil {
		return Result{Success: false, FailureReason: err.Error()}, err
	}

	totalDuration := time.Since(start)
	tr := &models.TestResult{
		RunID:            deps.RunID,
		ParamSetID:       leaf.ParamSetID,
		ParamSetName:     leaf.ParamSetName,
		CycleIndex:       leaf.CycleIndex,
		PumpVolumesML:    volumes,
		CommandedSpeed:   s.SpeedMMPerSec,
		EmptyWeightG:     emptyWeight,
		FullWeightG:      fullWeight,
		InjectedWeightG:  fullWeight - emptyWeight,
		RecordedAt:       time.Now(),
		PhaseDurationsMS: map[string]int64{"inject": totalDuration.Milliseconds()},
		TotalDurationMS:  totalDuration.Milliseconds(),
	}

	// Not reaching the weight target is reported via FailureReason, not a
	// hard failure — consumables are still charged and a TestResult still
	// recorded (spec.md §4.4.1 step 5).
	reason := ""
	if !reached {
		reason = fmt.Sprintf("stable_timeout elapsed before reaching target weight %.2fg", targetWeight)
	}
	return Result{Success: true, FailureReason: reason, Duration: time.Since(start), TestResult: tr}, nil
}

// computePumpVolumes maps liquid ratios onto contiguous pump indices
// starting at PumpOffset (spec.md §4.4.1 step 2, and §9 open question (a):
// positional enumeration, not the liquid→pump binding table).
func computePumpVolumes(s *models.InjectStep) [models.PumpCount]float64 {
	var volumes [models.PumpCount]float64
	for i, ratio := range s.Ratios {
		idx := s.PumpOffset + i
		if idx < 0 || idx >= models.PumpCount {
			continue
		}
		volumes[idx] = s.TotalVolumeML * ratio
	}
	return volumes
}
