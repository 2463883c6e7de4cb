// Package guard implements the Transaction Guard (spec.md §4.2): a scoped
// acquisition of a peripheral state transition with guaranteed restoration
// on every exit path. Go has no destructors, so the guard is used with a
// deferred Close immediately after a successful Open, the same
// defer-immediately-after-acquire idiom the teacher applies to its
// resources.Manager.Acquire/Release pairs.
package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/peripheral"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// Machine is the subset of peripheral.Machine the guard depends on.
type Machine interface {
	Current() (models.StateName, bool)
	TransitionTo(ctx context.Context, target models.StateName) (peripheral.Transition, error)
}

// activeGuards tracks, per Machine, whether a guard is currently open —
// guards are non-reentrant (spec.md §4.2): attempting to open a second
// guard against the same machine while one is live is a programming error
// surfaced as InvalidState, not silently queued.
var (
	activeMu sync.Mutex
	active   = make(map[Machine]bool)
)

// Guard is one scoped acquisition. Zero value is not usable; obtain one via
// Open.
type Guard struct {
	machine  Machine
	preState models.StateName
	resolved bool // true once Close, CommitAndRestore, or Abandon has run
}

// Open records the current state as the restoration point and, if target
// is non-empty, transitions to it. It returns InvalidState if a guard is
// already open against machine.
func Open(ctx context.Context, m Machine, target models.StateName) (*Guard, error) {
	activeMu.Lock()
	if active[m] {
		activeMu.Unlock()
		return nil, fmt.Errorf("%w: transaction guard already open for this machine", models.ErrInvalidState)
	}
	active[m] = true
	activeMu.Unlock()

	pre, _ := m.Current()
	g := &Guard{machine: m, preState: pre}

	if target != "" {
		if _, err := m.TransitionTo(ctx, target); err != nil {
			g.release()
			return nil, err
		}
	}
	return g, nil
}

func (g *Guard) release() {
	activeMu.Lock()
	delete(active, g.machine)
	activeMu.Unlock()
}

// CommitAndRestore explicitly restores the pre-transition state and marks
// the guard successful. Safe to call at most meaningfully once; subsequent
// calls and the deferred Close are no-ops.
func (g *Guard) CommitAndRestore(ctx context.Context) error {
	if g.resolved {
		return nil
	}
	g.resolved = true
	defer g.release()
	if g.preState == "" {
		return nil
	}
	_, err := g.machine.TransitionTo(ctx, g.preState)
	return err
}

// Abandon leaves the peripheral as-is, used when the Runner wants the next
// step to chain directly without a trip through the pre-transition state.
func (g *Guard) Abandon() {
	if g.resolved {
		return
	}
	g.resolved = true
	g.release()
}

// Close restores the pre-transition state if neither CommitAndRestore nor
// Abandon has already run — the guaranteed-restoration exit path (spec.md
// §4.2 and Testable Property #2). Intended to be deferred immediately
// after a successful Open; it must tolerate ctx already being cancelled,
// since restoration must still be attempted on abort.
func (g *Guard) Close(ctx context.Context) {
	if g.resolved {
		return
	}
	g.resolved = true
	defer g.release()
	if g.preState == "" {
		return
	}
	restoreCtx := context.Background()
	if ctx != nil {
		// WithoutCancel so restoration on an already-cancelled (aborted) run
		// context can still complete rather than being rejected immediately.
		restoreCtx = context.WithoutCancel(ctx)
	}
	_, _ = g.machine.TransitionTo(restoreCtx, g.preState)
}
