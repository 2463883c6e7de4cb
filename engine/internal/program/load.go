package program

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// doc is the YAML surface form of a Program (spec.md §6 "Program source").
// Field names are the on-disk vocabulary; LoadYAML converts this into the
// structured models.Program the validator and runner operate on.
type doc struct {
	Name     string     `yaml:"name"`
	Preamble preambleDoc `yaml:"preamble"`
	Steps    []stepDoc  `yaml:"steps"`
}

type preambleDoc struct {
	BottleCapacityML       float64        `yaml:"bottle_capacity_ml"`
	MaxFillML              float64        `yaml:"max_fill_ml"`
	EmptyTareG             float64        `yaml:"empty_tare_g"`
	DefaultStabilityWindow string         `yaml:"default_stability_window"`
	DefaultTolerance       float64        `yaml:"default_tolerance"`
	DefaultTimeout         string         `yaml:"default_timeout"`
	OnPreconditionFailure  string         `yaml:"on_precondition_failure"`
	WashFillTimeoutPolicy  string         `yaml:"wash_fill_timeout_policy"`
	Liquids                []liquidDoc    `yaml:"liquids"`
}

type liquidDoc struct {
	ID        string `yaml:"id"`
	PumpIndex int    `yaml:"pump_index"`
}

// stepDoc is a tagged-union document node; exactly one of the payload
// fields is populated depending on Kind, mirroring models.Step.
type stepDoc struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Comment string `yaml:"comment,omitempty"`
	Kind    string `yaml:"kind"`

	Inject     *injectDoc     `yaml:"inject,omitempty"`
	Drain      *drainDoc      `yaml:"drain,omitempty"`
	Wash       *washDoc       `yaml:"wash,omitempty"`
	Acquire    *acquireDoc    `yaml:"acquire,omitempty"`
	Wait       *waitDoc       `yaml:"wait,omitempty"`
	SetState   *setStateDoc   `yaml:"set_state,omitempty"`
	SetGasPump *setGasPumpDoc `yaml:"set_gas_pump,omitempty"`
	Phase      *phaseDoc      `yaml:"phase_marker,omitempty"`
	Loop       *loopDoc       `yaml:"loop,omitempty"`
	Sweep      *sweepDoc      `yaml:"param_sweep,omitempty"`
}

type injectDoc struct {
	LiquidIDs      []string  `yaml:"liquid_ids"`
	Ratios         []float64 `yaml:"ratios"`
	PumpOffset     int       `yaml:"pump_offset"`
	TotalVolumeML  float64   `yaml:"total_volume_ml"`
	SpeedMMPerSec  float64   `yaml:"speed_mm_per_s"`
	AccelMMPerSec2 float64   `yaml:"accel_mm_per_s2"`
	StableTimeout  string    `yaml:"stable_timeout"`
	Tolerance      float64   `yaml:"tolerance"`
}

type drainDoc struct {
	Tolerance       float64 `yaml:"tolerance"`
	Timeout         string  `yaml:"timeout"`
	StabilityWindow string  `yaml:"stability_window"`
}

type washDoc struct {
	RepeatCount     int     `yaml:"repeat_count"`
	TargetWeightG   float64 `yaml:"target_weight_g"`
	DrainTimeout    string  `yaml:"drain_timeout"`
	FillTimeout     string  `yaml:"fill_timeout"`
	ToleranceG      float64 `yaml:"tolerance_g"`
	StabilityWindow string  `yaml:"stability_window"`
}

type acquireDoc struct {
	GasPumpPercent  float64 `yaml:"gas_pump_percent"`
	Mode            string  `yaml:"mode"`
	DurationS       float64 `yaml:"duration_s"`
	HeaterCycles    int     `yaml:"heater_cycles"`
	StabilityPct    float64 `yaml:"stability_pct"`
	StabilityWindow string  `yaml:"stability_window"`
	MaxDurationS    float64 `yaml:"max_duration_s"`
}

type waitDoc struct {
	Mode            string  `yaml:"mode"`
	DurationS       float64 `yaml:"duration_s"`
	HeaterCycles    int     `yaml:"heater_cycles"`
	StabilityPct    float64 `yaml:"stability_pct"`
	StabilityWindow string  `yaml:"stability_window"`
	MaxDurationS    float64 `yaml:"max_duration_s"`
}

type setStateDoc struct {
	Target string `yaml:"target"`
}

type setGasPumpDoc struct {
	Percent float64 `yaml:"percent"`
}

type phaseDoc struct {
	Edge string `yaml:"edge"`
	Name string `yaml:"name"`
}

type loopDoc struct {
	Count int       `yaml:"count"`
	Body  []stepDoc `yaml:"body"`
}

type sweepDoc struct {
	Axis   string    `yaml:"axis"`
	Points []float64 `yaml:"points"`
	Body   []stepDoc `yaml:"body"`
}

// LoadYAML parses raw YAML program source into a models.Program. It does
// not validate business rules — callers must run Validate separately
// (spec.md §4.5: "the validator runs before any execution").
func LoadYAML(raw []byte) (models.Program, error) {
	var d doc
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return models.Program{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return fromDoc(d)
}

func fromDoc(d doc) (models.Program, error) {
	stabilityWindow, err := parseDurationOrDefault(d.Preamble.DefaultStabilityWindow, time.Second)
	if err != nil {
		return models.Program{}, err
	}
	defaultTimeout, err := parseDurationOrDefault(d.Preamble.DefaultTimeout, 10*time.Second)
	if err != nil {
		return models.Program{}, err
	}

	liquids := make([]models.LiquidBinding, 0, len(d.Preamble.Liquids))
	for _, l := range d.Preamble.Liquids {
		liquids = append(liquids, models.LiquidBinding{LiquidID: l.ID, PumpIndex: l.PumpIndex})
	}

	onFailure := models.OnFailureError
	if d.Preamble.OnPreconditionFailure == string(models.OnFailureSkip) {
		onFailure = models.OnFailureSkip
	}
	washPolicy := models.WashFillTimeoutContinue
	if d.Preamble.WashFillTimeoutPolicy == string(models.WashFillTimeoutAbort) {
		washPolicy = models.WashFillTimeoutAbort
	}

	steps, err := stepsFromDocs(d.Steps)
	if err != nil {
		return models.Program{}, err
	}

	return models.Program{
		Name: d.Name,
		Preamble: models.Preamble{
			BottleCapacityML:       d.Preamble.BottleCapacityML,
			MaxFillML:              d.Preamble.MaxFillML,
			EmptyTareG:              d.Preamble.EmptyTareG,
			DefaultStabilityWindow: stabilityWindow,
			DefaultTolerance:       d.Preamble.DefaultTolerance,
			DefaultTimeout:         defaultTimeout,
			OnPreconditionFailure:  onFailure,
			WashFillTimeoutPolicy:  washPolicy,
			Liquids:                liquids,
		},
		Steps: steps,
	}, nil
}

func stepsFromDocs(docs []stepDoc) ([]models.Step, error) {
	steps := make([]models.Step, 0, len(docs))
	for _, sd := range docs {
		s, err := stepFromDoc(sd)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func stepFromDoc(sd stepDoc) (models.Step, error) {
	s := models.Step{ID: sd.ID, Name: sd.Name, Comment: sd.Comment, Kind: models.StepKind(sd.Kind)}
	var err error
	switch s.Kind {
	case models.StepKindInject:
		if sd.Inject == nil {
			return s, fmt.Errorf("%w: step %q missing inject payload", models.ErrValidation, sd.ID)
		}
		timeout, e := parseDurationOrDefault(sd.Inject.StableTimeout, 30*time.Second)
		if e != nil {
			return s, e
		}
		s.Inject = &models.InjectStep{
			LiquidIDs: sd.Inject.LiquidIDs, Ratios: sd.Inject.Ratios, PumpOffset: sd.Inject.PumpOffset,
			TotalVolumeML: sd.Inject.TotalVolumeML, SpeedMMPerSec: sd.Inject.SpeedMMPerSec,
			AccelMMPerSec2: sd.Inject.AccelMMPerSec2, StableTimeout: timeout, Tolerance: sd.Inject.Tolerance,
		}
	case models.StepKindDrain:
		if sd.Drain == nil {
			return s, fmt.Errorf("%w: step %q missing drain payload", models.ErrValidation, sd.ID)
		}
		timeout, e := parseDurationOrDefault(sd.Drain.Timeout, 10*time.Second)
		if e != nil {
			return s, e
		}
		window, e := parseDurationOrDefault(sd.Drain.StabilityWindow, time.Second)
		if e != nil {
			return s, e
		}
		s.Drain = &models.DrainStep{Tolerance: sd.Drain.Tolerance, Timeout: timeout, StabilityWindow: window}
	case models.StepKindWash:
		if sd.Wash == nil {
			return s, fmt.Errorf("%w: step %q missing wash payload", models.ErrValidation, sd.ID)
		}
		drainTimeout, e := parseDurationOrDefault(sd.Wash.DrainTimeout, 10*time.Second)
		if e != nil {
			return s, e
		}
		fillTimeout, e := parseDurationOrDefault(sd.Wash.FillTimeout, 10*time.Second)
		if e != nil {
			return s, e
		}
		window, e := parseDurationOrDefault(sd.Wash.StabilityWindow, time.Second)
		if e != nil {
			return s, e
		}
		s.Wash = &models.WashStep{
			RepeatCount: sd.Wash.RepeatCount, TargetWeightG: sd.Wash.TargetWeightG,
			DrainTimeout: drainTimeout, FillTimeout: fillTimeout, ToleranceG: sd.Wash.ToleranceG, StabilityWindow: window,
		}
	case models.StepKindAcquire:
		if sd.Acquire == nil {
			return s, fmt.Errorf("%w: step %q missing acquire payload", models.ErrValidation, sd.ID)
		}
		window, e := parseDurationOrDefault(sd.Acquire.StabilityWindow, time.Second)
		if e != nil {
			return s, e
		}
		s.Acquire = &models.AcquireStep{
			GasPumpPercent: sd.Acquire.GasPumpPercent, Mode: models.WaitMode(sd.Acquire.Mode),
			DurationS: sd.Acquire.DurationS, HeaterCycles: sd.Acquire.HeaterCycles,
			StabilityPct: sd.Acquire.StabilityPct, StabilityWindow: window, MaxDurationS: sd.Acquire.MaxDurationS,
		}
	case models.StepKindWait:
		if sd.Wait == nil {
			return s, fmt.Errorf("%w: step %q missing wait payload", models.ErrValidation, sd.ID)
		}
		window, e := parseDurationOrDefault(sd.Wait.StabilityWindow, time.Second)
		if e != nil {
			return s, e
		}
		s.Wait = &models.WaitStep{
			Mode: models.WaitMode(sd.Wait.Mode), DurationS: sd.Wait.DurationS, HeaterCycles: sd.Wait.HeaterCycles,
			StabilityPct: sd.Wait.StabilityPct, StabilityWindow: window, MaxDurationS: sd.Wait.MaxDurationS,
		}
	case models.StepKindSetState:
		if sd.SetState == nil {
			return s, fmt.Errorf("%w: step %q missing set_state payload", models.ErrValidation, sd.ID)
		}
		s.SetState = &models.SetStateStep{Target: models.StateName(sd.SetState.Target)}
	case models.StepKindSetGasPump:
		if sd.SetGasPump == nil {
			return s, fmt.Errorf("%w: step %q missing set_gas_pump payload", models.ErrValidation, sd.ID)
		}
		s.SetGasPump = &models.SetGasPumpStep{Percent: sd.SetGasPump.Percent}
	case models.StepKindPhaseMarker:
		if sd.Phase == nil {
			return s, fmt.Errorf("%w: step %q missing phase_marker payload", models.ErrValidation, sd.ID)
		}
		s.Phase = &models.PhaseMarkerStep{Edge: models.PhaseMarkerEdge(sd.Phase.Edge), Name: sd.Phase.Name}
	case models.StepKindLoop:
		if sd.Loop == nil {
			return s, fmt.Errorf("%w: step %q missing loop payload", models.ErrValidation, sd.ID)
		}
		body, e := stepsFromDocs(sd.Loop.Body)
		if e != nil {
			return s, e
		}
		s.Loop = &models.LoopStep{Count: sd.Loop.Count, Body: body}
	case models.StepKindParamSweep:
		if sd.Sweep == nil {
			return s, fmt.Errorf("%w: step %q missing param_sweep payload", models.ErrValidation, sd.ID)
		}
		body, e := stepsFromDocs(sd.Sweep.Body)
		if e != nil {
			return s, e
		}
		s.Sweep = &models.ParamSweepStep{Axis: sd.Sweep.Axis, Points: sd.Sweep.Points, Body: body}
	default:
		return s, fmt.Errorf("%w: step %q has unknown kind %q", models.ErrValidation, sd.ID, sd.Kind)
	}
	return s, err
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q: %v", models.ErrValidation, s, err)
	}
	return d, nil
}
