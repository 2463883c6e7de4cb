package program

import "github.com/gsq7474741/rpi-odor-sub002/engine/models"

// LeafStep is one flattened, directly-executable step plus the
// loop/param-sweep context it was produced under — the Runner uses
// ParamSetID/Name to label the TestResult a leaf Inject/Acquire produces
// (spec.md §3 TestResult "parameter-set id and name"). SweepValue carries
// the point the nearest ParamSweep ancestor bound Axis to for this leaf; it
// is the zero value outside any sweep.
type LeafStep struct {
	Step         models.Step
	ParamSetID   string
	ParamSetName string
	CycleIndex   int
	SweepValue   float64
}

// Flatten walks steps, expanding every Loop and ParamSweep container into
// its leaf sequence. Parameters are bound at flatten time. The Runner calls
// Flatten once, when a program is loaded, over the whole step list;
// containers are not re-flattened as they are entered during execution.
// Flatten itself is pure and deterministic; callers control when it runs.
func Flatten(steps []models.Step) []LeafStep {
	return flattenWithContext(steps, "", "", 0, 0, false)
}

func flattenWithContext(steps []models.Step, paramSetID, paramSetName string, cycleIndex int, sweepValue float64, inSweep bool) []LeafStep {
	var out []LeafStep
	for _, s := range steps {
		switch s.Kind {
		case models.StepKindLoop:
			if s.Loop == nil {
				continue
			}
			for i := 0; i < s.Loop.Count; i++ {
				out = append(out, flattenWithContext(s.Loop.Body, paramSetID, paramSetName, i, sweepValue, inSweep)...)
			}
		case models.StepKindParamSweep:
			if s.Sweep == nil {
				continue
			}
			for i, point := range s.Sweep.Points {
				id := s.ID
				name := s.Sweep.Axis
				// ParamSweepStep binds Axis to point and runs Body once per
				// point (spec.md §3); bindAxis writes point into whichever
				// field of each body step's payload Axis names, recursing
				// into nested Loop/ParamSweep bodies so the binding reaches
				// every leaf under this point, not just direct children.
				bound := bindAxis(s.Sweep.Body, s.Sweep.Axis, point)
				out = append(out, flattenWithContext(bound, id, name, i, point, true)...)
			}
		default:
			leaf := LeafStep{Step: s, ParamSetID: paramSetID, ParamSetName: paramSetName, CycleIndex: cycleIndex}
			if inSweep {
				leaf.SweepValue = sweepValue
			}
			out = append(out, leaf)
		}
	}
	return out
}

// bindAxis returns a copy of steps with value bound into whichever field
// axis names on each step kind that has a matching one, recursing into
// Loop/ParamSweep bodies. Steps are shallow-cloned (payload pointers
// re-allocated) so binding one sweep point's body never mutates another
// point's or the original Program's steps.
func bindAxis(steps []models.Step, axis string, value float64) []models.Step {
	out := make([]models.Step, len(steps))
	for i, s := range steps {
		out[i] = bindAxisStep(s, axis, value)
	}
	return out
}

func bindAxisStep(s models.Step, axis string, value float64) models.Step {
	switch s.Kind {
	case models.StepKindInject:
		if s.Inject != nil {
			inj := *s.Inject
			switch axis {
			case "total_volume_ml":
				inj.TotalVolumeML = value
			case "speed_mm_per_sec":
				inj.SpeedMMPerSec = value
			case "accel_mm_per_sec2":
				inj.AccelMMPerSec2 = value
			case "tolerance":
				inj.Tolerance = value
			}
			s.Inject = &inj
		}
	case models.StepKindDrain:
		if s.Drain != nil {
			d := *s.Drain
			if axis == "tolerance" {
				d.Tolerance = value
			}
			s.Drain = &d
		}
	case models.StepKindWash:
		if s.Wash != nil {
			w := *s.Wash
			if axis == "target_weight_g" {
				w.TargetWeightG = value
			}
			s.Wash = &w
		}
	case models.StepKindAcquire:
		if s.Acquire != nil {
			a := *s.Acquire
			switch axis {
			case "gas_pump_percent":
				a.GasPumpPercent = value
			case "duration_s":
				a.DurationS = value
			case "stability_pct":
				a.StabilityPct = value
			case "max_duration_s":
				a.MaxDurationS = value
			}
			s.Acquire = &a
		}
	case models.StepKindWait:
		if s.Wait != nil {
			w := *s.Wait
			switch axis {
			case "duration_s":
				w.DurationS = value
			case "max_duration_s":
				w.MaxDurationS = value
			}
			s.Wait = &w
		}
	case models.StepKindSetGasPump:
		if s.SetGasPump != nil {
			sg := *s.SetGasPump
			if axis == "gas_pump_percent" || axis == "percent" {
				sg.Percent = value
			}
			s.SetGasPump = &sg
		}
	case models.StepKindLoop:
		if s.Loop != nil {
			l := *s.Loop
			l.Body = bindAxis(l.Body, axis, value)
			s.Loop = &l
		}
	case models.StepKindParamSweep:
		if s.Sweep != nil {
			sw := *s.Sweep
			sw.Body = bindAxis(sw.Body, axis, value)
			s.Sweep = &sw
		}
	}
	return s
}
