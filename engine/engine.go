// Package engine composes every subsystem behind a single facade, the same
// way the teacher's engine package wires pipeline/limiter/resources/
// telemetry behind Engine — here the composed pieces are the peripheral
// state machine, transaction guard, load-cell feedback, executors, program
// validator, runner, recorder, and consumable ledger instead of a crawl
// pipeline.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/executors"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/links"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/loadcell"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/peripheral"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/persistence"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/program"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/recorder"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/runner"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/health"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/metrics"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/policy"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/tracing"
)

// Snapshot is a unified, serializable view of engine state for external
// observers (status endpoints, the enosectl CLI).
type Snapshot struct {
	StartedAt   time.Time
	Uptime      time.Duration
	RunnerState runner.State
	Recorder    recorder.Stats
	Consumables []models.ConsumableCounter
	Peripheral  models.PeripheralState
	LoadCell    models.LoadCellReading
}

// Engine composes every subsystem and is the sole entry point embedders and
// cmd/enosectl use.
type Engine struct {
	cfg Config

	machine     *peripheral.Machine
	loadCell    *loadcell.Feedback
	ledger      *consumables.Ledger
	table       executors.Table
	run         *runner.Runner
	rec         *recorder.Recorder
	store       persistence.Store
	bus         events.Bus
	log         logging.Logger
	tracer      tracing.Tracer
	metrics     metrics.Provider
	healthEval  *health.Evaluator
	startedAt   time.Time

	telemetryPolicy policy.TelemetryPolicy
}

// New constructs a fully wired Engine from cfg; it does not start the
// recorder drain loop or mark any run active — call Start after New.
func New(cfg Config) (*Engine, error) {
	tp := policy.Default()
	if cfg.Spec.Telemetry.HealthCacheTTL > 0 {
		tp.Health.CacheTTL = cfg.Spec.Telemetry.HealthCacheTTL
	}
	tp.Tracing.Enabled = cfg.Spec.Telemetry.TracingEnabled
	tp.Events.Enabled = true
	tp = tp.Normalize()

	provider := selectMetricsProvider(cfg)
	bus := events.NewBus()
	baseLog := logging.NewCorrelatedLogger(slog.Default())
	var tracer tracing.Tracer = tracing.NewNoopTracer()
	if tp.Tracing.Enabled {
		tracer = tracing.NewAdaptiveTracer(func() bool { return tp.Tracing.Enabled }, tracing.NewSimpleTracer())
	}

	motionLink, sensorLink, err := buildLinks(cfg)
	if err != nil {
		return nil, err
	}

	breaker := links.NewLinkBreaker(links.DefaultBreakerConfig())
	machine := peripheral.New(motionLink, breaker, bus, baseLog)

	var source loadcell.Source = loadcell.NewSimulatedSource(cfg.Spec.Geometry.EmptyTareG)
	lc := loadcell.New(source, sampleInterval(cfg.Spec.LoadCell.SampleRateHz), cfg.Spec.LoadCell.RingBufferSize, cfg.Spec.LoadCell.DefaultTolerance)

	ledger := consumables.New(bus, provider)
	for _, c := range consumableCountersFromConfig(cfg.Spec.Consumables) {
		ledger.Register(c, false)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	recCfg := cfg.RecorderConfig.applyTo(cfg.Spec.Recorder)
	rec := recorder.New(store, recorder.Config{
		QueueCapacity: recCfg.QueueCapacity, BatchSize: recCfg.BatchSize, FlushInterval: recCfg.FlushInterval,
		MaxRetries: recCfg.MaxRetries, BackoffInitial: recCfg.BackoffInitial, BackoffMax: recCfg.BackoffMax,
	}, baseLog, provider)

	deps := executors.Deps{
		Machine: machine, LoadCell: lc, Sensor: sensorLink, Consumables: ledger, Recorder: rec,
		Bus: bus, Log: baseLog,
	}
	table := executors.NewTable()

	run := runner.New(runner.Config{
		Machine: machine, Table: table, Deps: deps, Recorder: rec, Bus: bus, Log: baseLog, MetricsProvider: provider,
	})

	e := &Engine{
		cfg: cfg, machine: machine, loadCell: lc, ledger: ledger, table: table,
		run: run, rec: rec, store: store, bus: bus, log: baseLog, tracer: tracer,
		metrics: provider, startedAt: time.Now(), telemetryPolicy: tp,
	}

	if tp.Health.Enabled {
		e.healthEval = health.NewEvaluator(tp.Health.CacheTTL)
		e.healthEval.Register(e.peripheralHealthProbe())
		e.healthEval.Register(e.recorderHealthProbe())
		e.healthEval.Register(e.consumablesHealthProbe())
	}

	return e, nil
}

func sampleInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = 10
	}
	return time.Duration(float64(time.Second) / hz)
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func buildLinks(cfg Config) (links.MotionLink, links.SensorLink, error) {
	if cfg.DryRun || cfg.Spec.Link.MotionControllerKind == "simulated" {
		return links.NewFakeMotionLink(), links.NewFakeSensorLink(), nil
	}
	// A real deployment dials TCP/serial transports here; out of scope for
	// this repository's test/dry-run surface (spec.md Non-goals).
	return nil, nil, fmt.Errorf("engine: hardware link kind %q not built into this binary", cfg.Spec.Link.MotionControllerKind)
}

func buildStore(cfg Config) (persistence.Store, error) {
	switch cfg.Spec.Persistence.Driver {
	case "file":
		return persistence.OpenFileStore(cfg.Spec.Persistence.DSN)
	default:
		return persistence.NewMemoryStore(), nil
	}
}

// LoadProgramYAML parses and validates raw YAML, loading it into the
// runner if valid.
func (e *Engine) LoadProgramYAML(raw []byte) (program.ValidationReport, error) {
	p, err := program.LoadYAML(raw)
	if err != nil {
		return program.ValidationReport{}, err
	}
	report := program.Validate(p)
	if !report.OK() {
		return report, fmt.Errorf("%w: %v", models.ErrValidation, report.Errors)
	}
	return report, e.run.Load(p)
}

// StartRun begins executing the loaded program and returns its run id.
func (e *Engine) StartRun(ctx context.Context) (string, error) {
	return e.run.Start(ctx, e.store)
}

func (e *Engine) PauseRun() error  { return e.run.Pause() }
func (e *Engine) ResumeRun() error { return e.run.Resume() }
func (e *Engine) AbortRun() error  { return e.run.Abort() }

// Events returns a subscription to the engine's internal telemetry/progress
// bus (spec.md §7: progress events, health/consumable status changes).
func (e *Engine) Events(buffer int, categories ...events.Category) events.Subscription {
	return e.bus.Subscribe(buffer, categories...)
}

// Start brings up background workers (recorder drain loop, load-cell
// sampling). Call once before the first StartRun.
func (e *Engine) Start() {
	e.rec.Start()
	e.loadCell.Start()
}

// Stop drains and stops all background workers; safe to call once during
// shutdown (SIGINT/SIGTERM in cmd/enosectl).
func (e *Engine) Stop() error {
	e.loadCell.Stop()
	e.rec.Stop()
	e.bus.Close()
	if closer, ok := e.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Snapshot returns a unified view of current engine state.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{StartedAt: e.startedAt, Uptime: time.Since(e.startedAt), RunnerState: e.run.State()}
	snap.Recorder = e.rec.Stats()
	snap.Consumables = e.ledger.All()
	snap.Peripheral = e.machine.Snapshot()
	snap.LoadCell = e.loadCell.Snapshot()
	return snap
}

// HealthSnapshot evaluates (or returns the cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	if e.healthEval == nil {
		return health.Snapshot{}
	}
	return e.healthEval.Evaluate(ctx)
}

func (e *Engine) peripheralHealthProbe() health.Probe {
	return health.ProbeFunc{NameStr: "peripheral", Fn: func(ctx context.Context) health.ProbeResult {
		if e.machine.LinkDegraded() {
			return health.Degraded("peripheral", "motion link circuit breaker open")
		}
		return health.Healthy("peripheral", "")
	}}
}

func (e *Engine) recorderHealthProbe() health.Probe {
	return health.ProbeFunc{NameStr: "recorder", Fn: func(ctx context.Context) health.ProbeResult {
		s := e.rec.Stats()
		cap := e.cfg.RecorderConfig.applyTo(e.cfg.Spec.Recorder).QueueCapacity
		if cap <= 0 {
			cap = 10_000
		}
		ratio := float64(s.QueueDepth) / float64(cap)
		if ratio >= 0.9 {
			return health.Unhealthy("recorder", "queue near capacity")
		}
		if ratio >= 0.5 {
			return health.Degraded("recorder", "queue under pressure")
		}
		return health.Healthy("recorder", "")
	}}
}

func (e *Engine) consumablesHealthProbe() health.Probe {
	return health.ProbeFunc{NameStr: "consumables", Fn: func(ctx context.Context) health.ProbeResult {
		worst := health.Healthy("consumables", "")
		for _, c := range e.ledger.All() {
			switch c.Status() {
			case models.ConsumableCritical:
				return health.Unhealthy("consumables", c.ID+" critical")
			case models.ConsumableWarning:
				worst = health.Degraded("consumables", c.ID+" low")
			}
		}
		return worst
	}}
}

// NewRunID is exposed for callers that need to pre-allocate a run
// identifier before StartRun (e.g. to correlate with an external ticket).
func NewRunID() string { return uuid.NewString() }
