// Package program implements the Program Model & Validator (C5, spec.md
// §4.5): loading an experiment program from YAML or its structured form,
// and a deterministic validator returning separate error and warning
// lists, mirroring the teacher's policies.PolicyManager validate-then-apply
// shape (ValidatePolicies returning a distinct error set rather than a
// single err).
package program

import (
	"fmt"
	"math"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// ValidationReport is the validator's output: errors block execution,
// warnings allow it (spec.md §4.5).
type ValidationReport struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the program may execute.
func (r ValidationReport) OK() bool { return len(r.Errors) == 0 }

const ratioTolerance = 0.01

// Validate runs every rule from spec.md §4.5 against p and returns the
// report. Validation is pure: the same Program always yields the same
// report (Testable Property #6).
func Validate(p models.Program) ValidationReport {
	v := &validation{program: p, liquidPumps: make(map[string]int)}
	for _, b := range p.Preamble.Liquids {
		v.liquidPumps[b.LiquidID] = b.PumpIndex
	}
	v.walk(p.Steps, 0, make(map[string]bool))
	return ValidationReport{Errors: v.errors, Warnings: v.warnings}
}

type validation struct {
	program     models.Program
	liquidPumps map[string]int
	errors      []string
	warnings    []string
}

func (v *validation) errorf(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *validation) warnf(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

// walk recursively validates steps, tracking nesting depth (rule d) and
// open phase-marker names (rule g) across the whole program — phase names
// are not scoped per-branch since a marker's matching end may legitimately
// live in a sibling loop iteration's flattened sequence.
func (v *validation) walk(steps []models.Step, depth int, openPhases map[string]bool) {
	if depth > models.MaxNestingDepth {
		v.errorf("nesting depth exceeds maximum of %d", models.MaxNestingDepth)
		return
	}
	for _, s := range steps {
		v.validateStep(s, depth, openPhases)
	}
}

func (v *validation) validateStep(s models.Step, depth int, openPhases map[string]bool) {
	switch s.Kind {
	case models.StepKindInject:
		v.validateInject(s)
	case models.StepKindWash:
		if s.Wash == nil {
			v.errorf("step %q: wash payload missing", s.ID)
			return
		}
		if s.Wash.RepeatCount < 1 {
			v.errorf("step %q: wash repeat_count must be >= 1", s.ID)
		}
		if s.Wash.TargetWeightG <= 0 {
			v.errorf("step %q: wash target_weight_g must be > 0", s.ID)
		}
	case models.StepKindPhaseMarker:
		if s.Phase == nil {
			v.errorf("step %q: phase_marker payload missing", s.ID)
			return
		}
		switch s.Phase.Edge {
		case models.PhaseStart:
			if openPhases[s.Phase.Name] {
				v.errorf("phase %q started twice without an intervening end", s.Phase.Name)
			}
			openPhases[s.Phase.Name] = true
		case models.PhaseEnd:
			if !openPhases[s.Phase.Name] {
				v.warnf("phase %q ended without a matching start", s.Phase.Name)
			}
			delete(openPhases, s.Phase.Name)
		}
	case models.StepKindLoop:
		if s.Loop == nil {
			v.errorf("step %q: loop payload missing", s.ID)
			return
		}
		if s.Loop.Count < 1 {
			v.errorf("step %q: loop count must be >= 1", s.ID)
		}
		if s.Loop.Count > 1000 {
			v.errorf("step %q: loop count must be <= 1000", s.ID)
		}
		v.walk(s.Loop.Body, depth+1, openPhases)
	case models.StepKindParamSweep:
		if s.Sweep == nil {
			v.errorf("step %q: param_sweep payload missing", s.ID)
			return
		}
		if len(s.Sweep.Points) < 1 {
			v.errorf("step %q: param_sweep axis %q must have >= 1 point", s.ID, s.Sweep.Axis)
		}
		v.walk(s.Sweep.Body, depth+1, openPhases)
	}
}

func (v *validation) validateInject(s models.Step) {
	if s.Inject == nil {
		v.errorf("step %q: inject payload missing", s.ID)
		return
	}
	inj := s.Inject
	if len(inj.LiquidIDs) == 0 {
		v.errorf("step %q: inject must reference at least one liquid", s.ID)
	}
	for _, id := range inj.LiquidIDs {
		if _, ok := v.liquidPumps[id]; !ok {
			v.errorf("step %q: liquid id %q is not bound to a pump", s.ID, id)
		}
	}
	if len(inj.Ratios) != len(inj.LiquidIDs) {
		v.errorf("step %q: ratios length must match liquid_ids length", s.ID)
	} else {
		sum := 0.0
		for _, r := range inj.Ratios {
			sum += r
		}
		if math.Abs(sum-1.0) > ratioTolerance {
			v.errorf("step %q: ratios must sum to 1 (got %.4f)", s.ID, sum)
		}
	}
	maxFill := v.program.Preamble.MaxFillML
	if maxFill > 0 && inj.TotalVolumeML > maxFill {
		v.errorf("step %q: total volume %.2f ml exceeds max_fill_ml %.2f", s.ID, inj.TotalVolumeML, maxFill)
	}
}
