// Package peripheral implements the Peripheral State Machine (spec.md §4.1):
// it maps the five named high-level modes onto a concrete PeripheralState
// bit-vector and applies transitions to the motion-controller link,
// computing a minimal command diff so unrelated valves and pumps are never
// re-commanded. Transitions are unconditional (any state to any other);
// a sub-command that times out degrades the transition instead of failing
// it, mirroring the teacher's treatment of partial-success pipeline stages.
// Only when every sub-command of a transition times out, even after one
// retry of the batch, does TransitionTo return an ErrCommunicationTimeout
// error.
package peripheral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/links"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/events"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
)

// Transition describes the outcome of one transition_to call.
type Transition struct {
	From      models.StateName
	To        models.StateName
	Degraded  bool
	Commands  int
	TimedOut  int
	Duration  time.Duration
}

// StateChangeNotification is published on the event bus after every
// transition, carrying (old_name, new_name) per spec.md §4.1.
type StateChangeNotification struct {
	Old      models.StateName
	New      models.StateName
	Degraded bool
}

// Machine is the Peripheral State Machine. It is the only legitimate
// writer of peripheral state during a run (spec.md §5); callers outside a
// run must pass AllowDuringRun to ApplyRaw.
type Machine struct {
	mu      sync.Mutex
	current models.PeripheralState
	name    models.StateName // "" when current does not match any named state

	link    links.MotionLink
	breaker *links.LinkBreaker
	bus     events.Bus
	log     logging.Logger

	runActive bool
}

// New constructs a Machine starting in StateInitial.
func New(link links.MotionLink, breaker *links.LinkBreaker, bus events.Bus, log logging.Logger) *Machine {
	return &Machine{
		current: models.NamedStates[models.StateInitial],
		name:    models.StateInitial,
		link:    link,
		breaker: breaker,
		bus:     bus,
		log:     log,
	}
}

// Current returns the active named state, or ("", false) if the current
// PeripheralState does not match any canonical configuration.
func (m *Machine) Current() (models.StateName, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.name == "" {
		return "", false
	}
	return m.name, true
}

// Snapshot returns the full current PeripheralState.
func (m *Machine) Snapshot() models.PeripheralState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// LinkDegraded reports whether the motion link's circuit breaker is
// currently open or half-open, i.e. recent commands have been timing out.
func (m *Machine) LinkDegraded() bool {
	if m.breaker == nil {
		return false
	}
	return m.breaker.Degraded()
}

// SetRunActive marks whether a run currently owns the peripheral, gating
// ApplyRaw per spec.md §5.
func (m *Machine) SetRunActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runActive = active
}

// TransitionTo drives the peripheral to the named target state, issuing
// only the commands needed to change differing fields. It blocks until
// every issued command has acked or timed out.
func (m *Machine) TransitionTo(ctx context.Context, target models.StateName) (Transition, error) {
	targetState, ok := models.NamedStates[target]
	if !ok {
		return Transition{}, fmt.Errorf("%w: unknown named state %q", models.ErrInternalInvariant, target)
	}

	m.mu.Lock()
	from := m.name
	cur := m.current
	m.mu.Unlock()

	start := time.Now()
	cmds := diffCommands(cur, targetState)

	timedOut := m.sendCommands(ctx, cmds, target)
	if len(cmds) > 0 && timedOut == len(cmds) {
		// Every sub-command timed out: retry the batch once before giving up,
		// per spec.md §7's stated policy for CommunicationTimeout.
		if m.log != nil {
			m.log.WarnCtx(ctx, "transition fully timed out, retrying once", "target", target, "commands", len(cmds))
		}
		timedOut = m.sendCommands(ctx, cmds, target)
	}

	m.mu.Lock()
	m.current = targetState
	m.name = target
	m.mu.Unlock()

	degraded := timedOut > 0
	result := Transition{From: from, To: target, Degraded: degraded, Commands: len(cmds), TimedOut: timedOut, Duration: time.Since(start)}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Category: events.CategoryPeripheral,
			Name:     "StateChanged",
			Payload:  StateChangeNotification{Old: from, New: target, Degraded: degraded},
		})
	}

	if len(cmds) > 0 && timedOut == len(cmds) {
		err := fmt.Errorf("%w: CommunicationTimeout: motion link unresponsive for transition %q -> %q, %d/%d commands timed out after retry",
			models.ErrCommunicationTimeout, from, target, timedOut, len(cmds))
		return result, err
	}
	return result, nil
}

// sendCommands issues cmds over the motion link, recording each reply
// against the circuit breaker, and returns how many went unacknowledged.
func (m *Machine) sendCommands(ctx context.Context, cmds []links.MotionCommand, target models.StateName) int {
	timedOut := 0
	for _, cmd := range cmds {
		if m.breaker != nil && !m.breaker.Allow() {
			timedOut++
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reply := m.link.Send(cctx, cmd)
		cancel()
		if m.breaker != nil {
			m.breaker.RecordResult(!reply.Acked)
		}
		if !reply.Acked {
			timedOut++
			if m.log != nil {
				m.log.WarnCtx(ctx, "motion command timed out", "command", cmd.Name, "target", target)
			}
		}
	}
	return timedOut
}

// ApplyRaw mutates the peripheral state directly, for manual overrides
// outside a run. It is rejected when a run is active unless
// allowDuringRun is true (spec.md §5).
func (m *Machine) ApplyRaw(delta models.PeripheralState, allowDuringRun bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runActive && !allowDuringRun {
		return fmt.Errorf("%w: manual peripheral override rejected while a run is active", models.ErrInvalidState)
	}
	m.current = delta
	if name, ok := models.MatchName(delta); ok {
		m.name = name
	} else {
		m.name = ""
	}
	return nil
}

// SetGasPump writes only the gas-pump PWM field without relabeling the
// active named state (spec.md §9 open question (b), resolved: the label
// is preserved, only the concrete field changes).
func (m *Machine) SetGasPump(ctx context.Context, percent float64) error {
	m.mu.Lock()
	cur := m.current
	name := m.name
	m.mu.Unlock()

	if m.breaker == nil || m.breaker.Allow() {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reply := m.link.Send(cctx, links.MotionCommand{Name: "set-fan", Args: map[string]float64{"percent": percent}})
		cancel()
		if m.breaker != nil {
			m.breaker.RecordResult(!reply.Acked)
		}
	}

	cur.GasPumpPWM = percent / 100
	m.mu.Lock()
	m.current = cur
	m.name = name
	m.mu.Unlock()
	return nil
}

// RunPumps starts the peristaltic pumps whose volumes are non-zero,
// concurrently, at the given common speed and acceleration (spec.md
// §4.4.1 step 3: "Command the motion subsystem to start all non-zero
// pumps concurrently with common speed and acceleration"). distance is
// taken directly from each pump's commanded volume (1 ml ~= 1 mm of feed,
// matching the identity mmToML conversion the Inject executor charges
// consumables with). It returns the number of run-pump commands that
// timed out; running flags are marked set in the tracked PeripheralState
// regardless, since a timed-out start is reported as degraded, not failed
// (spec.md §4.1).
func (m *Machine) RunPumps(ctx context.Context, volumes [models.PumpCount]float64, speedMMPerSec, accelMMPerSec2 float64) int {
	timedOut := 0
	for i, v := range volumes {
		if v == 0 {
			continue
		}
		cmd := links.MotionCommand{Name: "run-pump", Args: map[string]float64{
			"index": float64(i), "running": 1, "distance": v, "speed": speedMMPerSec, "accel": accelMMPerSec2,
		}}
		if m.breaker != nil && !m.breaker.Allow() {
			timedOut++
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reply := m.link.Send(cctx, cmd)
		cancel()
		if m.breaker != nil {
			m.breaker.RecordResult(!reply.Acked)
		}
		if !reply.Acked {
			timedOut++
			if m.log != nil {
				m.log.WarnCtx(ctx, "run-pump command timed out", "pump", i)
			}
		}
		m.mu.Lock()
		m.current.Pumps[i] = models.PumpRunning
		m.name = ""
		m.mu.Unlock()
	}
	return timedOut
}

// StopPumps sends a stop command for every pump whose commanded volume was
// non-zero, used once Inject's termination condition is reached so the
// motors are not left running into the guard's restoration transition.
func (m *Machine) StopPumps(ctx context.Context, volumes [models.PumpCount]float64) int {
	timedOut := 0
	for i, v := range volumes {
		if v == 0 {
			continue
		}
		cmd := links.MotionCommand{Name: "run-pump", Args: map[string]float64{"index": float64(i), "running": 0}}
		if m.breaker != nil && !m.breaker.Allow() {
			timedOut++
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reply := m.link.Send(cctx, cmd)
		cancel()
		if m.breaker != nil {
			m.breaker.RecordResult(!reply.Acked)
		}
		if !reply.Acked {
			timedOut++
		}
		m.mu.Lock()
		m.current.Pumps[i] = models.PumpStopped
		if name, ok := models.MatchName(m.current); ok {
			m.name = name
		}
		m.mu.Unlock()
	}
	return timedOut
}

// diffCommands computes the minimal set of motion commands needed to move
// from `cur` to `target`, touching only fields that differ (spec.md §4.1).
func diffCommands(cur, target models.PeripheralState) []links.MotionCommand {
	var cmds []links.MotionCommand
	for i := range cur.Valves {
		if cur.Valves[i] != target.Valves[i] {
			v := 0.0
			if target.Valves[i] == models.ValveOpen {
				v = 1.0
			}
			cmds = append(cmds, links.MotionCommand{Name: "set-valve", Args: map[string]float64{"index": float64(i), "open": v}})
		}
	}
	for i := range cur.Pumps {
		if cur.Pumps[i] != target.Pumps[i] {
			v := 0.0
			if target.Pumps[i] == models.PumpRunning {
				v = 1.0
			}
			cmds = append(cmds, links.MotionCommand{Name: "run-pump", Args: map[string]float64{"index": float64(i), "running": v}})
		}
	}
	if cur.GasPumpPWM != target.GasPumpPWM {
		cmds = append(cmds, links.MotionCommand{Name: "set-fan", Args: map[string]float64{"percent": target.GasPumpPWM * 100}})
	}
	if cur.CleanPumpPWM != target.CleanPumpPWM {
		cmds = append(cmds, links.MotionCommand{Name: "set-clean-pump", Args: map[string]float64{"percent": target.CleanPumpPWM * 100}})
	}
	if cur.HeaterDuty != target.HeaterDuty {
		cmds = append(cmds, links.MotionCommand{Name: "set-heater", Args: map[string]float64{"duty": target.HeaterDuty}})
	}
	return cmds
}
