package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeReturning(name string, r ProbeResult) Probe {
	return ProbeFunc{NameStr: name, Fn: func(context.Context) ProbeResult { return r }}
}

func TestEvaluateRollsUpToHealthyWhenAllProbesHealthy(t *testing.T) {
	e := NewEvaluator(time.Hour)
	e.Register(probeReturning("motion", Healthy("motion", "ok")))
	e.Register(probeReturning("sensor", Healthy("sensor", "ok")))

	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusHealthy, snap.Overall)
	assert.Len(t, snap.Probes, 2)
}

func TestEvaluateRollsUpToUnhealthyWhenAnyProbeUnhealthy(t *testing.T) {
	e := NewEvaluator(time.Hour)
	e.Register(probeReturning("motion", Healthy("motion", "ok")))
	e.Register(probeReturning("sensor", Unhealthy("sensor", "no ack")))

	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusUnhealthy, snap.Overall)
}

func TestEvaluateRollsUpToDegradedWhenNoProbeUnhealthyButOneDegraded(t *testing.T) {
	e := NewEvaluator(time.Hour)
	e.Register(probeReturning("motion", Degraded("motion", "breaker half-open")))
	e.Register(probeReturning("sensor", Healthy("sensor", "ok")))

	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusDegraded, snap.Overall)
}

func TestEvaluateWithNoProbesRegisteredIsUnknown(t *testing.T) {
	e := NewEvaluator(time.Hour)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusUnknown, snap.Overall)
	assert.Empty(t, snap.Probes)
}

func TestEvaluateCachesWithinTTL(t *testing.T) {
	e := NewEvaluator(time.Hour)
	calls := 0
	e.Register(ProbeFunc{NameStr: "counter", Fn: func(context.Context) ProbeResult {
		calls++
		return Healthy("counter", "ok")
	}})

	first := e.Evaluate(context.Background())
	second := e.Evaluate(context.Background())

	require.Equal(t, first.At, second.At)
	assert.Equal(t, 1, calls, "a second Evaluate within the TTL must not re-run probes")
}

func TestForceInvalidateBypassesCache(t *testing.T) {
	e := NewEvaluator(time.Hour)
	calls := 0
	e.Register(ProbeFunc{NameStr: "counter", Fn: func(context.Context) ProbeResult {
		calls++
		return Healthy("counter", "ok")
	}})

	e.Evaluate(context.Background())
	e.ForceInvalidate()
	e.Evaluate(context.Background())

	assert.Equal(t, 2, calls)
}

func TestEvaluateRefreshesAfterTTLExpires(t *testing.T) {
	e := NewEvaluator(5 * time.Millisecond)
	calls := 0
	e.Register(ProbeFunc{NameStr: "counter", Fn: func(context.Context) ProbeResult {
		calls++
		return Healthy("counter", "ok")
	}})

	e.Evaluate(context.Background())
	time.Sleep(20 * time.Millisecond)
	e.Evaluate(context.Background())

	assert.Equal(t, 2, calls)
}
