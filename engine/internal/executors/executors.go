// Package executors implements the Action Executors (C4, spec.md §4.4):
// Inject, Drain, Wash, Acquire, SetState, SetGasPump, Wait, PhaseMarker.
// Each is modeled as a tagged variant dispatched through a table rather
// than an interface hierarchy, per spec.md §9 ("the executor set is closed
// and known at build time") — the same shape the teacher uses for its
// Step sum type rather than deep inheritance.
package executors

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/guard"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/links"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/loadcell"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/peripheral"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/persistence"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/recorder"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
)

// pollInterval is the cancellation/poll granularity every blocking
// executor honors (spec.md §4.4.6: "at least every 100 ms").
const pollInterval = 100 * time.Millisecond

// PreconditionResult is the outcome of CheckPreconditions; it is returned,
// never thrown (spec.md §4.4).
type PreconditionResult struct {
	OK       bool
	Failures []string
}

func ok() PreconditionResult { return PreconditionResult{OK: true} }
func fail(failures ...string) PreconditionResult {
	return PreconditionResult{OK: false, Failures: failures}
}

// Result is the outcome of Execute.
type Result struct {
	Success       bool
	FailureReason string
	Duration      time.Duration
	TestResult    *models.TestResult
	PhaseDurationsMS map[string]int64
}

// Deps bundles every collaborator an executor needs. It is constructed
// once by the engine facade and shared read-only across executors; the
// only mutable collaborator state lives inside Machine/LoadCell/Ledger
// themselves, each already safe for concurrent use.
type Deps struct {
	Machine     *peripheral.Machine
	LoadCell    *loadcell.Feedback
	Sensor      links.SensorLink
	Consumables *consumables.Ledger
	Recorder    *recorder.Recorder
	Bus         events.Bus
	Log         logging.Logger
	RunID       string
	Preamble    models.Preamble
	// Phase is the name of the currently open PhaseMarker, kept in sync by
	// the Runner before each Execute call; "" outside any phase. Executors
	// that stream weight samples tag them with this (spec.md §5).
	Phase string
}

// recordSample forwards a single load-cell reading to the Recorder with
// the executor's current phase tag, a no-op if no Recorder is wired
// (e.g. in unit tests that construct Deps directly).
func recordSample(ctx context.Context, deps Deps, reading models.LoadCellReading) {
	if deps.Recorder == nil {
		return
	}
	deps.Recorder.AppendWeightSamples(ctx, []persistence.WeightSample{{
		RunID: deps.RunID, Phase: deps.Phase, At: time.Now(), WeightG: reading.WeightG,
	}})
}

// Executor is implemented by each of the eight step kinds listed in
// spec.md §4.4.
type Executor interface {
	Name() string
	CheckPreconditions(ctx context.Context, leaf program.LeafStep, deps Deps) PreconditionResult
	Execute(ctx context.Context, leaf program.LeafStep, deps Deps) (Result, error)
	EstimateDuration(leaf program.LeafStep) time.Duration
	IsIdempotent() bool
	RequiredResources() []string
}

// Table maps each StepKind to its Executor, the dispatch table spec.md §9
// calls for in place of an interface hierarchy.
type Table map[models.StepKind]Executor

// NewTable returns the complete, closed dispatch table.
func NewTable() Table {
	return Table{
		models.StepKindInject:      injectExecutor{},
		models.StepKindDrain:       drainExecutor{},
		models.StepKindWash:        washExecutor{},
		models.StepKindAcquire:     acquireExecutor{},
		models.StepKindWait:        waitExecutor{},
		models.StepKindSetState:    setStateExecutor{},
		models.StepKindSetGasPump:  setGasPumpExecutor{},
		models.StepKindPhaseMarker: phaseMarkerExecutor{},
	}
}

// sleepOrCancel blocks for d or until ctx is done, whichever comes first,
// polling at pollInterval granularity; it returns true if ctx was
// cancelled before d elapsed.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(wait):
		}
	}
}
