package links

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FakeMotionLink is an in-process stand-in for the real motion-controller
// transport, used by cmd/enosectl dry runs and by the executor test suite
// (spec.md treats the real link as an external collaborator it does not
// specify; something exercisable without hardware is needed to run the
// engine end to end). Commands ack immediately unless Down is set, in
// which case every Send times out — used to synthesize scenario S5.
type FakeMotionLink struct {
	mu      sync.Mutex
	down    atomic.Bool
	policy  MotionLinkPolicy
	stats   MotionLinkStats
	onSend  func(cmd MotionCommand)
}

// NewFakeMotionLink returns a link that acks every command immediately.
func NewFakeMotionLink() *FakeMotionLink {
	return &FakeMotionLink{policy: DefaultMotionLinkPolicy()}
}

// SetDown toggles whether every Send times out, simulating a dropped link.
func (f *FakeMotionLink) SetDown(down bool) { f.down.Store(down) }

// OnSend installs an observer invoked synchronously for every accepted
// command, used by tests asserting which commands a transition issued.
func (f *FakeMotionLink) OnSend(fn func(cmd MotionCommand)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *FakeMotionLink) Send(ctx context.Context, cmd MotionCommand) MotionReply {
	f.mu.Lock()
	f.stats.Sent++
	f.stats.LastActivity = time.Now()
	obs := f.onSend
	f.mu.Unlock()
	if obs != nil {
		obs(cmd)
	}
	if f.down.Load() {
		select {
		case <-time.After(f.policy.AckTimeout):
		case <-ctx.Done():
		}
		f.mu.Lock()
		f.stats.TimedOut++
		f.mu.Unlock()
		return MotionReply{Acked: false, Err: ErrLinkDown}
	}
	f.mu.Lock()
	f.stats.Acked++
	f.mu.Unlock()
	return MotionReply{Acked: true}
}

func (f *FakeMotionLink) EmergencyStop(ctx context.Context) MotionReply {
	return f.Send(ctx, MotionCommand{Name: "emergency-stop"})
}

func (f *FakeMotionLink) Configure(p MotionLinkPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
}

func (f *FakeMotionLink) Stats() MotionLinkStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// FakeSensorLink is an in-process sensor transport; tests push synthetic
// readings via Emit rather than the link generating its own.
type FakeSensorLink struct {
	mu     sync.Mutex
	policy MotionLinkPolicy
	stats  MotionLinkStats
	nextID int64
	subs   []chan SensorEvent
}

func NewFakeSensorLink() *FakeSensorLink {
	return &FakeSensorLink{policy: DefaultMotionLinkPolicy()}
}

func (f *FakeSensorLink) Send(ctx context.Context, cmd SensorCommand) SensorReply {
	f.mu.Lock()
	f.stats.Sent++
	f.stats.Acked++
	f.mu.Unlock()
	return SensorReply{RequestID: cmd.RequestID, Ok: true}
}

func (f *FakeSensorLink) Subscribe(ctx context.Context) <-chan SensorEvent {
	ch := make(chan SensorEvent, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// Emit pushes a synthetic event to every current subscriber, dropping it
// for any subscriber whose buffer is full rather than blocking the test
// driver.
func (f *FakeSensorLink) Emit(evt SensorEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *FakeSensorLink) Configure(p MotionLinkPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = p
}

func (f *FakeSensorLink) Stats() MotionLinkStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
