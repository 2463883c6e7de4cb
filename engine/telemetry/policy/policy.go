// Package policy holds the user-facing telemetry configuration: which of
// health probing, tracing, and the event bus are active, and their tunables.
// engine.New fills this shape from configx's TelemetryConfigSection.
package policy

import "time"

// TelemetryPolicy is the top-level telemetry configuration surface.
type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

// HealthPolicy configures the health.Evaluator cache TTL.
type HealthPolicy struct {
	Enabled bool
	CacheTTL time.Duration
}

// TracingPolicy configures span emission.
type TracingPolicy struct {
	Enabled bool
}

// EventBusPolicy configures the bounded pub/sub bus.
type EventBusPolicy struct {
	Enabled        bool
	SubscriberBuffer int
}

// Default returns the policy applied when the user supplies none.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health:  HealthPolicy{Enabled: true, CacheTTL: 2 * time.Second},
		Tracing: TracingPolicy{Enabled: false},
		Events:  EventBusPolicy{Enabled: true, SubscriberBuffer: 64},
	}
}

// Normalize fills in zero-valued fields with defaults so partially specified
// policies (e.g. one built from a sparsely filled config section) behave
// sensibly.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	d := Default()
	if p.Health.CacheTTL <= 0 {
		p.Health.CacheTTL = d.Health.CacheTTL
	}
	if p.Events.SubscriberBuffer <= 0 {
		p.Events.SubscriberBuffer = d.Events.SubscriberBuffer
	}
	return p
}
