package executors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

func TestNewTableCoversEveryLeafStepKind(t *testing.T) {
	table := NewTable()
	leafKinds := []models.StepKind{
		models.StepKindInject, models.StepKindDrain, models.StepKindWash, models.StepKindAcquire,
		models.StepKindWait, models.StepKindSetState, models.StepKindSetGasPump, models.StepKindPhaseMarker,
	}
	for _, k := range leafKinds {
		_, ok := table[k]
		assert.True(t, ok, "dispatch table missing executor for %s", k)
	}
	// Loop/ParamSweep are container kinds expanded by Flatten, never
	// dispatched directly.
	_, hasLoop := table[models.StepKindLoop]
	assert.False(t, hasLoop)
}
