package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/peripheral"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// fakeMachine is a minimal in-memory stand-in for peripheral.Machine, used
// so the guard's restoration bookkeeping can be tested without standing up
// a real motion link.
type fakeMachine struct {
	current      models.StateName
	transitions  []models.StateName
	failNextTo   models.StateName
}

func (f *fakeMachine) Current() (models.StateName, bool) { return f.current, f.current != "" }

func (f *fakeMachine) TransitionTo(ctx context.Context, target models.StateName) (peripheral.Transition, error) {
	if f.failNextTo != "" && target == f.failNextTo {
		f.failNextTo = ""
		return peripheral.Transition{}, assertErr
	}
	f.transitions = append(f.transitions, target)
	f.current = target
	return peripheral.Transition{To: target}, nil
}

var assertErr = &transitionError{"simulated transition failure"}

type transitionError struct{ msg string }

func (e *transitionError) Error() string { return e.msg }

func TestGuardCloseRestoresPreState(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial}

	g, err := Open(context.Background(), m, models.StateInject)
	require.NoError(t, err)
	assert.Equal(t, models.StateInject, m.current)

	g.Close(context.Background())
	assert.Equal(t, models.StateInitial, m.current)
}

func TestGuardCloseToleratesCancelledContext(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial}
	g, err := Open(context.Background(), m, models.StateDrain)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Close(ctx)

	assert.Equal(t, models.StateInitial, m.current, "restoration must still occur after the run context is cancelled")
}

func TestGuardCommitAndRestoreIsIdempotentWithDeferredClose(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial}
	g, err := Open(context.Background(), m, models.StateSample)
	require.NoError(t, err)

	require.NoError(t, g.CommitAndRestore(context.Background()))
	assert.Equal(t, models.StateInitial, m.current)

	transitionsBefore := len(m.transitions)
	g.Close(context.Background())
	assert.Equal(t, transitionsBefore, len(m.transitions), "Close after CommitAndRestore must be a no-op")
}

func TestGuardAbandonSkipsRestoration(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial}
	g, err := Open(context.Background(), m, models.StateClean)
	require.NoError(t, err)

	g.Abandon()
	assert.Equal(t, models.StateClean, m.current, "Abandon leaves the peripheral at the transitioned-to state")

	g.Close(context.Background())
	assert.Equal(t, models.StateClean, m.current, "Close after Abandon must not restore")
}

func TestOpenRejectsReentrantGuardOnSameMachine(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial}
	g, err := Open(context.Background(), m, models.StateDrain)
	require.NoError(t, err)
	defer g.Close(context.Background())

	_, err = Open(context.Background(), m, models.StateClean)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestOpenReleasesGuardSlotAfterClose(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial}
	g, err := Open(context.Background(), m, models.StateDrain)
	require.NoError(t, err)
	g.Close(context.Background())

	// Same machine can be re-opened once the prior guard resolved.
	g2, err := Open(context.Background(), m, models.StateClean)
	require.NoError(t, err)
	g2.Abandon()
}

func TestOpenPropagatesTransitionFailureAndReleasesSlot(t *testing.T) {
	m := &fakeMachine{current: models.StateInitial, failNextTo: models.StateInject}

	_, err := Open(context.Background(), m, models.StateInject)
	require.Error(t, err)

	// The failed Open must not leave the machine permanently locked.
	g, err := Open(context.Background(), m, models.StateDrain)
	require.NoError(t, err)
	g.Abandon()
}
