package engine

import (
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/configx"
	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/consumables"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// Config is the top-level facade configuration; it is a thin, directly
// constructible wrapper over configx.EngineConfigSpec, mirroring the
// teacher's own Config-struct-in-front-of-internal-types shape (engine.Config
// wrapping pipeline.Config).
type Config struct {
	Spec configx.EngineConfigSpec

	// DryRun selects the in-process FakeMotionLink/FakeSensorLink/
	// SimulatedSource stand-ins instead of dialing real hardware links —
	// the same simulated/real split Link.MotionControllerKind encodes, kept
	// as an explicit top-level knob for cmd/enosectl.
	DryRun bool

	MetricsEnabled bool
	MetricsBackend string // "prometheus" | "otel" | "noop"

	RecorderConfig RecorderOverride
}

// RecorderOverride lets a caller bypass configx entirely for quick
// programmatic construction (used by tests).
type RecorderOverride struct {
	QueueCapacity  int
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns a Config suitable for a dry-run, in-memory instance.
func DefaultConfig() Config {
	return Config{
		DryRun:         true,
		MetricsEnabled: true,
		MetricsBackend: "prometheus",
		Spec: configx.EngineConfigSpec{
			Link: configx.LinkConfigSection{
				MotionControllerKind: "simulated",
				SensorKind:           "simulated",
				DialTimeout:          2 * time.Second,
				CommandTimeout:       2 * time.Second,
			},
			Geometry: configx.GeometryConfigSection{
				BottleCapacityML: 250,
				MaxFillML:        200,
				EmptyTareG:       5,
			},
			LoadCell: configx.LoadCellConfigSection{
				SampleRateHz:           20,
				RingBufferSize:         40,
				DefaultTolerance:       0.2,
				DefaultStabilityWindow: 2 * time.Second,
				DefaultTimeout:         30 * time.Second,
			},
			Consumables: []configx.ConsumableConfigSection{
				{ID: "pump_tube_0", Kind: "volume", DesignLifetime: 5000, WarningFraction: 0.2, CriticalFraction: 0.05},
				{ID: consumables.CleanPumpCounterID(), Kind: "time", DesignLifetime: 3600, WarningFraction: 0.2, CriticalFraction: 0.05},
				{ID: consumables.FilterCounterID(), Kind: "time", DesignLifetime: 36_000, WarningFraction: 0.2, CriticalFraction: 0.05},
			},
			Recorder: configx.RecorderConfigSection{
				QueueCapacity: 10_000, BatchSize: 1000, FlushInterval: 200 * time.Millisecond,
				BackoffInitial: 250 * time.Millisecond, BackoffMax: 30 * time.Second,
			},
			Persistence: configx.PersistenceConfigSection{Driver: "memory"},
			Telemetry: configx.TelemetryConfigSection{
				MetricsBackend: "prometheus", HealthEnabled: true, HealthCacheTTL: 2 * time.Second,
				TracingEnabled: true, EventBufferSize: 64,
			},
		},
	}
}

func consumableCountersFromConfig(secs []configx.ConsumableConfigSection) []models.ConsumableCounter {
	out := make([]models.ConsumableCounter, 0, len(secs))
	for _, s := range secs {
		kind := models.ConsumableVolumeCharged
		if s.Kind == "time" {
			kind = models.ConsumableTimeCharged
		}
		out = append(out, models.ConsumableCounter{
			ID: s.ID, Kind: kind, DesignLifetime: s.DesignLifetime,
			WarningFraction: s.WarningFraction, CriticalFraction: s.CriticalFraction,
		})
	}
	return out
}

func (o RecorderOverride) applyTo(c configx.RecorderConfigSection) configx.RecorderConfigSection {
	if o.QueueCapacity > 0 {
		c.QueueCapacity = o.QueueCapacity
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.FlushInterval > 0 {
		c.FlushInterval = o.FlushInterval
	}
	if o.MaxRetries > 0 {
		c.MaxRetries = o.MaxRetries
	}
	if o.BackoffInitial > 0 {
		c.BackoffInitial = o.BackoffInitial
	}
	if o.BackoffMax > 0 {
		c.BackoffMax = o.BackoffMax
	}
	return c
}
