package consumables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
)

func newTestLedger(t *testing.T) (*Ledger, events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(bus, nil), bus
}

func TestChargeAccumulatesUsage(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Register(models.ConsumableCounter{ID: "pump_tube_1", DesignLifetime: 100, WarningFraction: 0.2, CriticalFraction: 0.05}, false)

	c, err := l.Charge("pump_tube_1", 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, c.AccumulatedUsage)

	c, err = l.Charge("pump_tube_1", 5)
	require.NoError(t, err)
	assert.Equal(t, 15.0, c.AccumulatedUsage, "charges accumulate monotonically")
}

func TestChargeUnknownCounterErrors(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Charge("does_not_exist", 1)
	assert.Error(t, err)
}

func TestChargePublishesStatusChangeOnThresholdCross(t *testing.T) {
	l, bus := newTestLedger(t)
	l.Register(models.ConsumableCounter{ID: "clean_pump", Kind: models.ConsumableTimeCharged, DesignLifetime: 100, WarningFraction: 0.2, CriticalFraction: 0.05}, false)

	sub := bus.Subscribe(8, events.CategoryConsumable)
	defer sub.Unsubscribe()

	_, err := l.Charge("clean_pump", 85) // remaining ratio 0.15 -> warning
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		change, ok := evt.Payload.(StatusChange)
		require.True(t, ok)
		assert.Equal(t, models.ConsumableOK, change.Old)
		assert.Equal(t, models.ConsumableWarning, change.New)
	default:
		t.Fatal("expected a StatusChanged event on crossing into warning")
	}
}

func TestChargeDoesNotPublishWhenStatusUnchanged(t *testing.T) {
	l, bus := newTestLedger(t)
	l.Register(models.ConsumableCounter{ID: "pump_tube_2", DesignLifetime: 100, WarningFraction: 0.2, CriticalFraction: 0.05}, false)

	sub := bus.Subscribe(8, events.CategoryConsumable)
	defer sub.Unsubscribe()

	_, err := l.Charge("pump_tube_2", 1) // remaining 0.99, still ok
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event published for a charge that did not cross a threshold: %+v", evt)
	default:
	}
}

func TestResetZeroesUsageWithoutAffectingOthers(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Register(models.ConsumableCounter{ID: "a", DesignLifetime: 10}, false)
	l.Register(models.ConsumableCounter{ID: "b", DesignLifetime: 10}, false)

	_, err := l.Charge("a", 5)
	require.NoError(t, err)
	_, err = l.Charge("b", 3)
	require.NoError(t, err)

	require.NoError(t, l.Reset("a"))

	a, _ := l.Get("a")
	b, _ := l.Get("b")
	assert.Equal(t, 0.0, a.AccumulatedUsage)
	assert.Equal(t, 3.0, b.AccumulatedUsage)
}

func TestRegisterPreservesUsageWhenRequested(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Register(models.ConsumableCounter{ID: "a", DesignLifetime: 10}, false)
	_, err := l.Charge("a", 4)
	require.NoError(t, err)

	l.Register(models.ConsumableCounter{ID: "a", DesignLifetime: 20}, true)
	a, _ := l.Get("a")
	assert.Equal(t, 4.0, a.AccumulatedUsage)
	assert.Equal(t, 20.0, a.DesignLifetime)
}

func TestPumpCounterIDIsStable(t *testing.T) {
	assert.Equal(t, "pump_tube_3", PumpCounterID(3))
}
