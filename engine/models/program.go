package models

import "time"

// StepKind tags the Step sum type (spec §3). The executor set is closed and
// known at build time, so a tagged struct with a dispatch table is used
// instead of an interface hierarchy (spec §9).
type StepKind string

const (
	StepKindInject       StepKind = "inject"
	StepKindDrain        StepKind = "drain"
	StepKindWash         StepKind = "wash"
	StepKindAcquire      StepKind = "acquire"
	StepKindWait         StepKind = "wait"
	StepKindSetState     StepKind = "set_state"
	StepKindSetGasPump   StepKind = "set_gas_pump"
	StepKindPhaseMarker  StepKind = "phase_marker"
	StepKindLoop         StepKind = "loop"
	StepKindParamSweep   StepKind = "param_sweep"
)

// MaxNestingDepth bounds Loop/ParamSweep nesting (spec §3, validator rule d).
const MaxNestingDepth = 8

// WaitMode selects which termination condition a Wait/Acquire step blocks on.
type WaitMode string

const (
	WaitModeDuration  WaitMode = "duration"
	WaitModeCycles    WaitMode = "heater_cycles"
	WaitModeStability WaitMode = "stability"
)

// InjectStep injects a liquid sample and waits for load-cell feedback
// (spec §4.4.1).
type InjectStep struct {
	LiquidIDs      []string // positional, mapped to pumps starting at PumpOffset
	Ratios         []float64
	PumpOffset     int
	TotalVolumeML  float64
	SpeedMMPerSec  float64
	AccelMMPerSec2 float64
	StableTimeout  time.Duration
	Tolerance      float64
}

// DrainStep empties the chamber (spec §4.4.2).
type DrainStep struct {
	Tolerance       float64
	Timeout         time.Duration
	StabilityWindow time.Duration
}

// WashStep repeats drain/fill/drain cycles (spec §4.4.3).
type WashStep struct {
	RepeatCount     int
	TargetWeightG   float64
	DrainTimeout    time.Duration
	FillTimeout     time.Duration
	ToleranceG      float64 // load-cell weight tolerance passed through to drain/fill phases
	StabilityWindow time.Duration
}

// AcquireStep samples the gas array (spec §4.4.4).
type AcquireStep struct {
	GasPumpPercent float64
	Mode           WaitMode
	DurationS      float64
	HeaterCycles   int
	StabilityPct   float64
	StabilityWindow time.Duration
	MaxDurationS   float64
}

// WaitStep blocks without changing the named state (spec §4.4.5).
type WaitStep struct {
	Mode            WaitMode
	DurationS       float64
	HeaterCycles    int
	StabilityPct    float64
	StabilityWindow time.Duration
	MaxDurationS    float64
}

// SetStateStep transitions to a named state with no wait.
type SetStateStep struct {
	Target StateName
}

// SetGasPumpStep writes the air-pump PWM only.
type SetGasPumpStep struct {
	Percent float64
}

// PhaseMarkerEdge distinguishes the start and end of a named phase span.
type PhaseMarkerEdge string

const (
	PhaseStart PhaseMarkerEdge = "start"
	PhaseEnd   PhaseMarkerEdge = "end"
)

// PhaseMarkerStep is a pure annotation consumed by the Runner (spec §4.4.5).
type PhaseMarkerStep struct {
	Edge PhaseMarkerEdge
	Name string
}

// LoopStep repeats its body Count times (spec §3).
type LoopStep struct {
	Count int
	Body  []Step
}

// ParamSweepStep binds Axis to each of Points in turn and runs Body once per
// point (spec §3).
type ParamSweepStep struct {
	Axis   string
	Points []float64
	Body   []Step
}

// Step is one node of a Program (spec §3). Every Step carries a stable
// identifier, a human name, and an optional comment; exactly one of the
// payload fields matching Kind is populated.
type Step struct {
	ID      string
	Name    string
	Comment string
	Kind    StepKind

	Inject     *InjectStep
	Drain      *DrainStep
	Wash       *WashStep
	Acquire    *AcquireStep
	Wait       *WaitStep
	SetState   *SetStateStep
	SetGasPump *SetGasPumpStep
	Phase      *PhaseMarkerStep
	Loop       *LoopStep
	Sweep      *ParamSweepStep
}

// OnPreconditionFailure selects what the Runner does when a step's
// preconditions are not met (spec §4.6 step 4).
type OnPreconditionFailure string

const (
	OnFailureSkip  OnPreconditionFailure = "skip"
	OnFailureError OnPreconditionFailure = "error"
)

// WashFillTimeoutPolicy resolves spec §9 open question (c): whether a Wash
// fill phase that times out before reaching its target delta still counts
// as a completed cycle, or aborts the step.
type WashFillTimeoutPolicy string

const (
	WashFillTimeoutContinue WashFillTimeoutPolicy = "continue"
	WashFillTimeoutAbort    WashFillTimeoutPolicy = "abort"
)

// LiquidBinding maps a liquid id to a pump index for validator rule (a).
type LiquidBinding struct {
	LiquidID  string
	PumpIndex int
}

// Preamble holds the hardware-configuration values a Program is validated
// and executed against (spec §3).
type Preamble struct {
	BottleCapacityML      float64
	MaxFillML             float64
	EmptyTareG            float64
	DefaultStabilityWindow time.Duration
	DefaultTolerance       float64
	DefaultTimeout         time.Duration
	OnPreconditionFailure  OnPreconditionFailure
	WashFillTimeoutPolicy  WashFillTimeoutPolicy
	Liquids                []LiquidBinding
}

// Program is an immutable, ordered sequence of Steps plus preamble
// configuration (spec §3). Once loaded it is never mutated; Loop/ParamSweep
// bodies are flattened into a deterministic leaf sequence by the Runner when
// the program is loaded, not here.
type Program struct {
	Name     string
	Preamble Preamble
	Steps    []Step
}

// TestResult is produced by an Inject+Acquire cycle and owned by the
// Recorder thereafter (spec §3).
type TestResult struct {
	RunID           string
	ParamSetID      string
	ParamSetName    string
	CycleIndex      int
	PumpVolumesML   [PumpCount]float64
	CommandedSpeed  float64
	EmptyWeightG    float64
	FullWeightG     float64
	InjectedWeightG float64
	PhaseDurationsMS map[string]int64
	TotalDurationMS  int64
	RecordedAt       time.Time
}

// RunState enumerates RunRecord lifecycle states (spec §3 / §4.6).
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateError     RunState = "error"
	RunStateAborted   RunState = "aborted"
)

// RunRecord tracks one experiment execution end to end (spec §3). It is
// created at start, mutated only by the Runner, and closed on termination.
type RunRecord struct {
	ID             string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	State          RunState
	ProgramName    string
	ProgramConfig  string // serialized program config, opaque to the Runner
	CurrentStep    int
	TotalSteps     int
	ErrorMessage   string
}

// ConsumableKind distinguishes how a counter accumulates usage (spec §4.8).
type ConsumableKind string

const (
	ConsumableVolumeCharged ConsumableKind = "volume"
	ConsumableTimeCharged   ConsumableKind = "time"
)

// ConsumableStatus is the threshold rollup of a counter's remaining ratio.
type ConsumableStatus string

const (
	ConsumableOK       ConsumableStatus = "ok"
	ConsumableWarning  ConsumableStatus = "warning"
	ConsumableCritical ConsumableStatus = "critical"
)

// ConsumableCounter tracks cumulative usage of one wear item (spec §3/§4.8).
type ConsumableCounter struct {
	ID               string
	Kind             ConsumableKind
	AccumulatedUsage float64
	DesignLifetime   float64
	WarningFraction  float64
	CriticalFraction float64
}

// RemainingRatio returns the fraction of design lifetime left, clamped to
// [0,1].
func (c ConsumableCounter) RemainingRatio() float64 {
	if c.DesignLifetime <= 0 {
		return 0
	}
	r := 1 - c.AccumulatedUsage/c.DesignLifetime
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Status computes ok/warning/critical from the current remaining ratio.
func (c ConsumableCounter) Status() ConsumableStatus {
	remaining := c.RemainingRatio()
	if remaining <= c.CriticalFraction {
		return ConsumableCritical
	}
	if remaining <= c.WarningFraction {
		return ConsumableWarning
	}
	return ConsumableOK
}
