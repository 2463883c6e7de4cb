package program

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

func validProgram() models.Program {
	return models.Program{
		Name: "smoke",
		Preamble: models.Preamble{
			MaxFillML: 10,
			Liquids:   []models.LiquidBinding{{LiquidID: "water", PumpIndex: 0}},
		},
		Steps: []models.Step{
			{ID: "s1", Kind: models.StepKindInject, Inject: &models.InjectStep{
				LiquidIDs: []string{"water"}, Ratios: []float64{1.0}, TotalVolumeML: 5,
			}},
		},
	}
}

func TestValidateAcceptsWellFormedProgram(t *testing.T) {
	report := Validate(validProgram())
	assert.True(t, report.OK())
	assert.Empty(t, report.Errors)
}

func TestValidateRejectsUnboundLiquid(t *testing.T) {
	p := validProgram()
	p.Preamble.Liquids = nil
	report := Validate(p)
	require.False(t, report.OK())
	assert.Contains(t, report.Errors[0], "not bound to a pump")
}

func TestValidateRejectsRatiosNotSummingToOne(t *testing.T) {
	p := validProgram()
	p.Steps[0].Inject.Ratios = []float64{0.5}
	report := Validate(p)
	require.False(t, report.OK())
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "ratios must sum to 1") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateRejectsVolumeOverMaxFill(t *testing.T) {
	p := validProgram()
	p.Steps[0].Inject.TotalVolumeML = 999
	report := Validate(p)
	require.False(t, report.OK())
	assert.Contains(t, report.Errors[0], "exceeds max_fill_ml")
}

func TestValidateRejectsExcessiveNestingDepth(t *testing.T) {
	p := validProgram()
	var body []models.Step
	for i := 0; i < models.MaxNestingDepth+2; i++ {
		body = []models.Step{{ID: "loop", Kind: models.StepKindLoop, Loop: &models.LoopStep{Count: 1, Body: body}}}
	}
	p.Steps = body
	report := Validate(p)
	assert.False(t, report.OK())
}

func TestValidateWarnsOnPhaseEndWithoutStart(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps, models.Step{ID: "p1", Kind: models.StepKindPhaseMarker, Phase: &models.PhaseMarkerStep{
		Edge: models.PhaseEnd, Name: "acquire",
	}})
	report := Validate(p)
	assert.True(t, report.OK(), "an unmatched phase end is a warning, not an error")
	assert.NotEmpty(t, report.Warnings)
}

func TestValidateErrorsOnDoublePhaseStart(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps,
		models.Step{ID: "p1", Kind: models.StepKindPhaseMarker, Phase: &models.PhaseMarkerStep{Edge: models.PhaseStart, Name: "acquire"}},
		models.Step{ID: "p2", Kind: models.StepKindPhaseMarker, Phase: &models.PhaseMarkerStep{Edge: models.PhaseStart, Name: "acquire"}},
	)
	report := Validate(p)
	assert.False(t, report.OK())
}

func TestValidateIsDeterministic(t *testing.T) {
	p := validProgram()
	p.Preamble.Liquids = nil // force an error path too
	first := Validate(p)
	for i := 0; i < 5; i++ {
		again := Validate(p)
		assert.Equal(t, first, again, "Validate must be pure: same Program, same report, every call")
	}
}

func TestValidateRejectsLoopCountOutOfRange(t *testing.T) {
	p := validProgram()
	p.Steps = append(p.Steps, models.Step{ID: "loop", Kind: models.StepKindLoop, Loop: &models.LoopStep{Count: 0}})
	report := Validate(p)
	assert.False(t, report.OK())

	p2 := validProgram()
	p2.Steps = append(p2.Steps, models.Step{ID: "loop2", Kind: models.StepKindLoop, Loop: &models.LoopStep{Count: 5000}})
	report2 := Validate(p2)
	assert.False(t, report2.OK())
}

