package links

import (
	"sync"
	"time"
)

// circuitState mirrors the teacher's three-state breaker
// (closed/open/half-open) used to decide whether a link is healthy enough
// to keep issuing commands, or should be reported degraded while it
// recovers (spec.md §7 PeripheralDegraded / CommunicationTimeout).
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// BreakerConfig tunes the per-link circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive timeouts before opening
	OpenDuration     time.Duration // how long the breaker stays open before probing
	HalfOpenProbes   int           // successes required in half-open before closing
}

// DefaultBreakerConfig is a conservative default: three consecutive
// timeouts open the breaker, a 5s cooldown, two successful probes to close.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, OpenDuration: 5 * time.Second, HalfOpenProbes: 2}
}

// LinkBreaker tracks consecutive failures for a link and reports whether
// the link should currently be considered degraded, without itself making
// the transport calls — callers report outcomes via RecordResult.
type LinkBreaker struct {
	mu   sync.Mutex
	cfg  BreakerConfig
	state circuitState

	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
}

// NewLinkBreaker returns a breaker starting closed.
func NewLinkBreaker(cfg BreakerConfig) *LinkBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 2
	}
	return &LinkBreaker{cfg: cfg, state: circuitClosed}
}

// Allow reports whether a new command should be attempted. While open and
// within OpenDuration, commands are refused outright (surfaced by the
// caller as CommunicationTimeout without touching the transport); once the
// cooldown elapses the breaker moves to half-open and allows probes.
func (b *LinkBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitClosed:
		return true
	case circuitHalfOpen:
		return true
	case circuitOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = circuitHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	}
	return true
}

// RecordResult updates breaker state after a command completes.
func (b *LinkBreaker) RecordResult(timedOut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timedOut {
		b.consecutiveFailures++
		b.halfOpenSuccesses = 0
		if b.state == circuitHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = circuitOpen
			b.openedAt = time.Now()
		}
		return
	}
	b.consecutiveFailures = 0
	if b.state == circuitHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenProbes {
			b.state = circuitClosed
		}
	}
}

// Degraded reports whether the link is currently considered degraded for
// health-probe purposes (open or half-open, i.e. not fully trusted).
func (b *LinkBreaker) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != circuitClosed
}
