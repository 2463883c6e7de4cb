package executors

import (
	"testing"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/links"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/loadcell"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/peripheral"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
)

// testHarness wires a full set of real (non-fake-at-the-interface-level)
// executor dependencies backed by simulated sources, the same in-process
// stand-ins cmd/enosectl uses for dry runs.
type testHarness struct {
	Deps     Deps
	Motion   *links.FakeMotionLink
	Sensor   *links.FakeSensorLink
	Source   *loadcell.SimulatedSource
	LoadCell *loadcell.Feedback
	Bus      events.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	motion := links.NewFakeMotionLink()
	sensor := links.NewFakeSensorLink()
	breaker := links.NewLinkBreaker(links.DefaultBreakerConfig())
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	log := logging.NewCorrelatedLogger(nil)

	machine := peripheral.New(motion, breaker, bus, log)

	source := loadcell.NewSimulatedSource(0)
	lc := loadcell.New(source, time.Millisecond, 3, 0.05)
	lc.Start()
	t.Cleanup(lc.Stop)

	ledger := consumables.New(bus, nil)
	for i := 0; i < models.PumpCount; i++ {
		ledger.Register(models.ConsumableCounter{ID: consumables.PumpCounterID(i), DesignLifetime: 1000, WarningFraction: 0.2, CriticalFraction: 0.05}, false)
	}
	ledger.Register(models.ConsumableCounter{ID: consumables.CleanPumpCounterID(), Kind: models.ConsumableTimeCharged, DesignLifetime: 3600, WarningFraction: 0.2, CriticalFraction: 0.05}, false)
	ledger.Register(models.ConsumableCounter{ID: consumables.FilterCounterID(), Kind: models.ConsumableTimeCharged, DesignLifetime: 36_000, WarningFraction: 0.2, CriticalFraction: 0.05}, false)

	deps := Deps{
		Machine:     machine,
		LoadCell:    lc,
		Sensor:      sensor,
		Consumables: ledger,
		Bus:         bus,
		Log:         log,
		RunID:       "test-run",
		Preamble: models.Preamble{
			DefaultTolerance:       0.1,
			DefaultStabilityWindow: 10 * time.Millisecond,
			EmptyTareG:             0,
		},
	}

	return &testHarness{Deps: deps, Motion: motion, Sensor: sensor, Source: source, LoadCell: lc, Bus: bus}
}
