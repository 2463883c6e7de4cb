// Package runner implements the Experiment Runner (C6, spec.md §4.6): a
// single dedicated thread that walks a loaded Program's flattened step
// sequence, dispatches each leaf step to its Executor, and manages
// pause/resume/abort. The per-step dispatch loop follows the same shape as
// the teacher's pipeline.Pipeline worker loop (one stage, retried and
// metered, driven by a single goroutine reading a work list) adapted to a
// single-writer, hardware-blocking context rather than a concurrent
// multi-stage fan-out.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/executors"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/peripheral"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/persistence"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/recorder"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/metrics"
)

// State is the Runner's top-level lifecycle state (spec.md §4.6).
type State string

const (
	StateIdle       State = "IDLE"
	StateLoaded     State = "LOADED"
	StateRunning    State = "RUNNING"
	StateCompleting State = "COMPLETING"
	StateAborting   State = "ABORTING"
	StateCompleted  State = "COMPLETED"
	StateAborted    State = "ABORTED"
	StateError      State = "ERROR"
)

// StepStarted/StepCompleted/RunCompleted/RunAborted are the progress event
// payloads published on the engine's event bus (spec.md §4.6, §8).
type StepStarted struct {
	Index int
	Name  string
	Phase string
}
type StepCompleted struct {
	Index    int
	Success  bool
	Reason   string
	Duration time.Duration
}
type RunCompleted struct{ RunID string }
type RunAborted struct{ RunID string }
type RunErrored struct {
	RunID  string
	Reason string
}

// Runner is the single-writer experiment execution engine. The engine is
// single-writer: only one Program may be RUNNING|PAUSED at a time
// (spec.md §4.6); Start fails with ConflictingState otherwise.
type Runner struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State

	pauseFlag  bool
	cancelFlag bool
	pausedAt   time.Time
	pausedTotal time.Duration

	machine  *peripheral.Machine
	table    executors.Table
	deps     executors.Deps
	recorder *recorder.Recorder
	bus      events.Bus
	log      logging.Logger

	loaded  models.Program
	leaves  []program.LeafStep
	current *models.RunRecord

	currentPhase string

	stepDurationHist metrics.Histogram
	stepsCompleted   metrics.Counter
	stepsFailed      metrics.Counter
}

// Config bundles the Runner's fixed collaborators.
type Config struct {
	Machine     *peripheral.Machine
	Table       executors.Table
	Deps        executors.Deps
	Recorder    *recorder.Recorder
	Bus         events.Bus
	Log         logging.Logger
	MetricsProvider metrics.Provider
}

// New constructs an idle Runner.
func New(cfg Config) *Runner {
	provider := cfg.MetricsProvider
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	r := &Runner{
		state:    StateIdle,
		machine:  cfg.Machine,
		table:    cfg.Table,
		deps:     cfg.Deps,
		recorder: cfg.Recorder,
		bus:      cfg.Bus,
		log:      cfg.Log,
		stepDurationHist: provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "enose", Subsystem: "runner", Name: "step_duration_seconds", Help: "leaf step execution duration",
		}}),
		stepsCompleted: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "enose", Subsystem: "runner", Name: "steps_completed_total", Help: "leaf steps completed successfully",
		}}),
		stepsFailed: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "enose", Subsystem: "runner", Name: "steps_failed_total", Help: "leaf steps that failed or were skipped",
		}}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Load validates and binds p as the next program to run. Programs must be
// validated by the caller (program.Validate) before Load — Load itself
// re-checks and rejects invalid programs defensively.
func (r *Runner) Load(p models.Program) error {
	report := program.Validate(p)
	if !report.OK() {
		return fmt.Errorf("%w: %v", models.ErrValidation, report.Errors)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning || r.state == StateCompleting || r.state == StateAborting {
		return fmt.Errorf("%w: cannot load while a run is active", models.ErrConflictingState)
	}
	// Flatten is bound at load time here rather than per-container at
	// execution time, since Program is immutable once loaded (spec.md §3) —
	// the two are equivalent because the body a container would flatten
	// against can never change after Load returns.
	r.leaves = program.Flatten(p.Steps)
	r.loaded = p
	r.state = StateLoaded
	return nil
}

// Start launches the runner thread and returns immediately; the caller
// observes progress via the event bus and the RunRecord.
func (r *Runner) Start(ctx context.Context, store persistence.Store) (string, error) {
	r.mu.Lock()
	if r.state != StateLoaded {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: start requires state LOADED, got %s", models.ErrConflictingState, r.state)
	}
	runID := uuid.NewString()
	now := time.Now()
	record := models.RunRecord{
		ID: runID, CreatedAt: now, State: models.RunStateRunning,
		ProgramName: r.loaded.Name, CurrentStep: 0, TotalSteps: len(r.leaves),
	}
	r.current = &record
	r.state = StateRunning
	r.pauseFlag = false
	r.cancelFlag = false
	r.deps.RunID = runID
	r.deps.Preamble = r.loaded.Preamble
	r.mu.Unlock()

	r.machine.SetRunActive(true)
	if r.recorder != nil {
		r.recorder.AppendRun(ctx, record)
	}
	if store != nil {
		_ = store.InsertRun(ctx, record)
	}

	go r.runLoop(ctx)
	return runID, nil
}

// Pause sets the pause flag; it takes effect between steps, never within a
// blocking executor call (spec.md §4.6).
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return fmt.Errorf("%w: pause requires state RUNNING, got %s", models.ErrConflictingState, r.state)
	}
	r.pauseFlag = true
	return nil
}

// Resume clears the pause flag and wakes the runner thread.
func (r *Runner) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pauseFlag {
		return nil
	}
	r.pauseFlag = false
	if !r.pausedAt.IsZero() {
		r.pausedTotal += time.Since(r.pausedAt)
		r.pausedAt = time.Time{}
	}
	r.cond.Broadcast()
	return nil
}

// Abort sets the level-triggered cancellation flag; it stays set until the
// run completes (spec.md §5).
func (r *Runner) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return fmt.Errorf("%w: abort requires state RUNNING, got %s", models.ErrConflictingState, r.state)
	}
	r.cancelFlag = true
	r.cond.Broadcast()
	return nil
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelFlag
}

// waitIfPaused blocks on the condition variable while the pause flag is
// set, returning early if cancellation is requested while paused. It
// records when the pause began and Resume adds the paused span to
// pausedTotal; nothing else in the Runner reads pausedTotal, so no step
// estimate or elapsed-time figure is derived from it.
func (r *Runner) waitIfPaused() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.pauseFlag && !r.cancelFlag {
		if r.pausedAt.IsZero() {
			r.pausedAt = time.Now()
		}
		r.cond.Wait()
	}
}

func (r *Runner) runLoop(ctx context.Context) {
	runID := r.deps.RunID
	for i, leaf := range r.leaves {
		if leaf.Step.Kind == models.StepKindPhaseMarker && leaf.Step.Phase != nil {
			if leaf.Step.Phase.Edge == models.PhaseStart {
				r.currentPhase = leaf.Step.Phase.Name
			} else {
				r.currentPhase = ""
			}
		}
		r.deps.Phase = r.currentPhase

		if r.isCancelled() {
			r.teardown(ctx, models.RunStateAborted, "")
			if r.bus != nil {
				r.bus.Publish(events.Event{Category: events.CategoryRun, Name: "RunAborted", RunID: runID, Payload: RunAborted{RunID: runID}})
			}
			return
		}

		r.waitIfPaused()
		if r.isCancelled() {
			r.teardown(ctx, models.RunStateAborted, "")
			if r.bus != nil {
				r.bus.Publish(events.Event{Category: events.CategoryRun, Name: "RunAborted", RunID: runID, Payload: RunAborted{RunID: runID}})
			}
			return
		}

		r.mu.Lock()
		r.current.CurrentStep = i
		r.mu.Unlock()

		if r.bus != nil {
			r.bus.Publish(events.Event{Category: events.CategoryStep, Name: "StepStarted", RunID: runID,
				Payload: StepStarted{Index: i, Name: leaf.Step.Name, Phase: r.currentPhase}})
		}

		exec, known := r.table[leaf.Step.Kind]
		if !known {
			r.teardown(ctx, models.RunStateError, fmt.Sprintf("no executor for step kind %q", leaf.Step.Kind))
			if r.bus != nil {
				r.bus.Publish(events.Event{Category: events.CategoryRun, Name: "RunErrored", RunID: runID})
			}
			return
		}

		pre := exec.CheckPreconditions(ctx, leaf, r.deps)
		if !pre.OK {
			if r.loaded.Preamble.OnPreconditionFailure == models.OnFailureSkip {
				r.stepsFailed.Inc(1)
				r.emitStepCompleted(runID, i, false, "precondition failed (skipped)", 0)
				continue
			}
			reason := fmt.Sprintf("%v: %v", models.ErrPreconditionFailed, pre.Failures)
			r.teardown(ctx, models.RunStateError, reason)
			if r.bus != nil {
				r.bus.Publish(events.Event{Category: events.CategoryRun, Name: "RunErrored", RunID: runID, Payload: RunErrored{RunID: runID, Reason: reason}})
			}
			return
		}

		result, execErr := exec.Execute(ctx, leaf, r.deps)
		r.stepDurationHist.Observe(result.Duration.Seconds())
		if execErr != nil || !result.Success {
			reason := result.FailureReason
			if execErr != nil {
				reason = execErr.Error()
			}
			r.stepsFailed.Inc(1)
			// A Result with Success=false and no error (e.g. a cancelled
			// Wash, or its fill timeout under the abort policy) still
			// records any TestResult and continues; only execErr != nil is
			// fatal. Inject's unreached-target note comes back with
			// Success=true and takes the success path below.
			if result.TestResult != nil && r.recorder != nil {
				r.recorder.AppendResult(ctx, *result.TestResult)
			}
			r.emitStepCompleted(runID, i, execErr == nil, reason, result.Duration)
			if execErr != nil {
				r.teardown(ctx, models.RunStateError, reason)
				if r.bus != nil {
					r.bus.Publish(events.Event{Category: events.CategoryRun, Name: "RunErrored", RunID: runID, Payload: RunErrored{RunID: runID, Reason: reason}})
				}
				return
			}
			continue
		}

		r.stepsCompleted.Inc(1)
		if result.TestResult != nil && r.recorder != nil {
			r.recorder.AppendResult(ctx, *result.TestResult)
		}
		r.emitStepCompleted(runID, i, true, "", result.Duration)
	}

	r.teardown(ctx, models.RunStateCompleted, "")
	if r.bus != nil {
		r.bus.Publish(events.Event{Category: events.CategoryRun, Name: "RunCompleted", RunID: runID, Payload: RunCompleted{RunID: runID}})
	}
}

func (r *Runner) emitStepCompleted(runID string, index int, success bool, reason string, d time.Duration) {
	if r.bus != nil {
		r.bus.Publish(events.Event{Category: events.CategoryStep, Name: "StepCompleted", RunID: runID,
			Payload: StepCompleted{Index: index, Success: success, Reason: reason, Duration: d}})
	}
}

// teardown drains back to INITIAL and closes the RunRecord; it is the
// single exit path for abort, error, and normal completion (spec.md
// §4.6: "the Runner performs the same drain-and-return-to-INITIAL
// teardown").
func (r *Runner) teardown(ctx context.Context, final models.RunState, reason string) {
	restoreCtx := context.WithoutCancel(ctx)
	_, _ = r.machine.TransitionTo(restoreCtx, models.StateInitial)
	r.machine.SetRunActive(false)

	now := time.Now()
	r.mu.Lock()
	r.current.State = final
	r.current.CompletedAt = &now
	r.current.ErrorMessage = reason
	record := *r.current
	switch final {
	case models.RunStateCompleted:
		r.state = StateCompleted
	case models.RunStateAborted:
		r.state = StateAborted
	default:
		r.state = StateError
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.AppendRun(restoreCtx, record)
	}
}
