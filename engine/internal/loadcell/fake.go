package loadcell

import "sync/atomic"

// SimulatedSource is an in-process stand-in for the strain-gauge driver,
// used by dry runs and tests the same way FakeMotionLink/FakeSensorLink
// stand in for the hardware transports.
type SimulatedSource struct {
	weightG atomic.Value // float64
}

// NewSimulatedSource returns a source reporting startG until SetWeight is
// called, e.g. by a test driving a fill/drain sequence.
func NewSimulatedSource(startG float64) *SimulatedSource {
	s := &SimulatedSource{}
	s.weightG.Store(startG)
	return s
}

func (s *SimulatedSource) ReadRaw() float64 {
	v, _ := s.weightG.Load().(float64)
	return v
}

// SetWeight overwrites the reported weight; safe for concurrent use.
func (s *SimulatedSource) SetWeight(g float64) { s.weightG.Store(g) }

// AddWeight adjusts the reported weight by delta (negative for draining).
func (s *SimulatedSource) AddWeight(delta float64) {
	s.weightG.Store(s.ReadRaw() + delta)
}
