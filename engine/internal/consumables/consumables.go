// Package consumables implements Consumable Accounting (spec.md §4.8):
// per-pump-tube volume-charged counters and per-filter/cleaning-pump
// time-charged counters, with thresholds rolled up into ok/warning/critical
// status observable to subscribers the moment a charge crosses a
// threshold — the same immediate-rollup-on-write discipline the teacher's
// health.Evaluator applies to probe results, just pushed instead of
// TTL-cached since a charge is itself the trigger to recompute.
package consumables

import (
	"fmt"
	"sync"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/metrics"
)

// StatusChange is published whenever a charge moves a counter across a
// warning/critical boundary.
type StatusChange struct {
	ID       string
	Old, New models.ConsumableStatus
	Remaining float64
}

// Ledger owns the full set of consumable counters for one instrument.
type Ledger struct {
	mu       sync.Mutex
	counters map[string]models.ConsumableCounter

	bus    events.Bus
	remGauge metrics.Gauge
}

// New constructs an empty Ledger. Register seeds counters from
// configuration before the first run.
func New(bus events.Bus, provider metrics.Provider) *Ledger {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	gauge := provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "enose", Subsystem: "consumables", Name: "remaining_ratio", Help: "fraction of design lifetime remaining", Labels: []string{"id"},
	}})
	return &Ledger{counters: make(map[string]models.ConsumableCounter), bus: bus, remGauge: gauge}
}

// Register adds or replaces a counter definition. Accumulated usage is
// preserved if a counter with the same id already exists and preserve is
// true, else it is reset to zero.
func (l *Ledger) Register(c models.ConsumableCounter, preserveUsage bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if preserveUsage {
		if existing, ok := l.counters[c.ID]; ok {
			c.AccumulatedUsage = existing.AccumulatedUsage
		}
	}
	l.counters[c.ID] = c
	l.remGauge.Set(c.RemainingRatio(), c.ID)
}

// Get returns a copy of the named counter.
func (l *Ledger) Get(id string) (models.ConsumableCounter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[id]
	return c, ok
}

// All returns a snapshot of every counter.
func (l *Ledger) All() []models.ConsumableCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ConsumableCounter, 0, len(l.counters))
	for _, c := range l.counters {
		out = append(out, c)
	}
	return out
}

// Charge adds amount (ml for volume-charged, seconds for time-charged) to
// the named counter's accumulated usage and returns the new status. It is
// a no-op error if id is unknown — callers are expected to have validated
// the program's liquid→pump bindings already (spec.md §4.5 rule a).
func (l *Ledger) Charge(id string, amount float64) (models.ConsumableCounter, error) {
	l.mu.Lock()
	c, ok := l.counters[id]
	if !ok {
		l.mu.Unlock()
		return models.ConsumableCounter{}, fmt.Errorf("consumables: unknown counter %q", id)
	}
	oldStatus := c.Status()
	c.AccumulatedUsage += amount
	l.counters[id] = c
	newStatus := c.Status()
	l.mu.Unlock()

	l.remGauge.Set(c.RemainingRatio(), id)

	if newStatus != oldStatus && l.bus != nil {
		l.bus.Publish(events.Event{
			Category: events.CategoryConsumable,
			Name:     "StatusChanged",
			Payload:  StatusChange{ID: id, Old: oldStatus, New: newStatus, Remaining: c.RemainingRatio()},
		})
	}
	return c, nil
}

// Reset zeroes a counter's accumulated usage. It takes only the counter
// id: no reset note is accepted or stored by the ledger.
func (l *Ledger) Reset(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[id]
	if !ok {
		return fmt.Errorf("consumables: unknown counter %q", id)
	}
	c.AccumulatedUsage = 0
	l.counters[id] = c
	return nil
}

// PumpCounterID is the canonical consumable id for a pump-tube counter.
func PumpCounterID(pumpIndex int) string {
	return fmt.Sprintf("pump_tube_%d", pumpIndex)
}

// CleanPumpCounterID is the canonical consumable id for the cleaning
// pump's time-charged counter (spec.md §4.8).
func CleanPumpCounterID() string { return "clean_pump" }

// FilterCounterID is the canonical consumable id for the gas-path filter's
// time-charged counter (spec.md §4.8).
func FilterCounterID() string { return "filter" }
