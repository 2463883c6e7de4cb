// Package configx is the layered configuration model for the engine: a base
// EngineConfigSpec merged from Global/Environment/Site/Ephemeral layers
// (useful when the same control-plane binary drives more than one physical
// instrument unit sharing most of their settings), plus the VersionedConfig
// and ApplyOptions reload envelope types. The package defines these types
// only; it does not read configuration files or watch them for changes.
package configx

import "time"

// LinkConfigSection configures the hardware link adapters (spec §5/§6).
type LinkConfigSection struct {
	MotionControllerAddr string
	MotionControllerKind string // "tcp", "serial", "simulated"
	SensorAddr           string
	SensorKind           string
	DialTimeout          time.Duration
	CommandTimeout       time.Duration
}

// GeometryConfigSection describes the physical chamber/bottle parameters
// (spec §3 Preamble, §4.3).
type GeometryConfigSection struct {
	BottleCapacityML float64
	MaxFillML        float64
	EmptyTareG       float64
}

// LoadCellConfigSection tunes the stability detector (spec §4.3).
type LoadCellConfigSection struct {
	SampleRateHz       float64
	RingBufferSize     int
	DefaultTolerance   float64
	DefaultStabilityWindow time.Duration
	DefaultTimeout     time.Duration
}

// ConsumableConfigSection seeds consumable counters at startup (spec §4.8).
type ConsumableConfigSection struct {
	ID               string
	Kind             string // "volume" | "time"
	DesignLifetime   float64
	WarningFraction  float64
	CriticalFraction float64
}

// RecorderConfigSection tunes the result recorder's async batching.
type RecorderConfigSection struct {
	QueueCapacity  int
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// PersistenceConfigSection selects and configures the storage adapter.
type PersistenceConfigSection struct {
	Driver string // "memory" | "file"
	DSN    string
}

// TelemetryConfigSection mirrors telemetry/policy.TelemetryPolicy in a flat,
// serializable form.
type TelemetryConfigSection struct {
	MetricsBackend string // "noop" | "prometheus" | "otel"
	HealthEnabled  bool
	HealthCacheTTL time.Duration
	TracingEnabled bool
	EventBufferSize int
}

// EngineConfigSpec is the full merged configuration surface handed to
// engine.New.
type EngineConfigSpec struct {
	Link        LinkConfigSection
	Geometry    GeometryConfigSection
	LoadCell    LoadCellConfigSection
	Consumables []ConsumableConfigSection
	Recorder    RecorderConfigSection
	Persistence PersistenceConfigSection
	Telemetry   TelemetryConfigSection
}

// VersionedConfig wraps an EngineConfigSpec with version and source
// metadata. It is a plain data type: nothing in this package compares
// versions or rejects updates.
type VersionedConfig struct {
	Version   int
	Spec      EngineConfigSpec
	Source    string
	LoadedAt  time.Time
}

// ApplyOptions describes how a reloaded VersionedConfig may be applied to a
// running engine. No code in this repository reads it or applies a reload.
type ApplyOptions struct {
	// AllowHardwareChange marks whether a reload may alter Link or Geometry,
	// as opposed to only the Telemetry/Recorder/Consumables sections.
	AllowHardwareChange bool
}

// LayeredSource is one layer's contribution to the merged spec; a section
// whose key field is zero is treated as "not set at this layer" and left to
// lower layers (see Merge).
type LayeredSource struct {
	Layer Layer
	Spec  EngineConfigSpec
}

// Merge folds sources in LayerPrecedenceOrder. Override is per section, not
// per field: a higher layer's section replaces the merged section wholesale
// when that section's key field is non-zero (Link.MotionControllerAddr,
// Geometry.BottleCapacityML, LoadCell.RingBufferSize,
// Recorder.QueueCapacity, Persistence.Driver, Telemetry.MetricsBackend) and
// is ignored otherwise, together with any other fields set in it.
// Consumables lists from the highest layer that sets any entries replace
// lower layers' lists wholesale.
func Merge(sources []LayeredSource) EngineConfigSpec {
	ordered := make(map[Layer]EngineConfigSpec, len(sources))
	for _, s := range sources {
		ordered[s.Layer] = s.Spec
	}
	var out EngineConfigSpec
	for _, layer := range LayerPrecedenceOrder {
		spec, ok := ordered[layer]
		if !ok {
			continue
		}
		out = mergeOne(out, spec)
	}
	return out
}

func mergeOne(base, overlay EngineConfigSpec) EngineConfigSpec {
	if overlay.Link.MotionControllerAddr != "" {
		base.Link = overlay.Link
	}
	if overlay.Geometry.BottleCapacityML != 0 {
		base.Geometry = overlay.Geometry
	}
	if overlay.LoadCell.RingBufferSize != 0 {
		base.LoadCell = overlay.LoadCell
	}
	if len(overlay.Consumables) > 0 {
		base.Consumables = overlay.Consumables
	}
	if overlay.Recorder.QueueCapacity != 0 {
		base.Recorder = overlay.Recorder
	}
	if overlay.Persistence.Driver != "" {
		base.Persistence = overlay.Persistence
	}
	if overlay.Telemetry.MetricsBackend != "" {
		base.Telemetry = overlay.Telemetry
	}
	return base
}
