// Package loadcell implements the Load-Cell Feedback component (spec.md
// §4.3): a ring-buffered filtered-weight stream, a stability detector, and
// the wait_for_empty_bottle primitive with a self-correcting dynamic tare.
// The sampling loop runs on its own goroutine and publishes into an atomic
// snapshot plus the ring buffer, matching the "atomic store/load of a small
// POD" discipline spec.md §5 requires for this shared resource.
package loadcell

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// Source supplies raw weight samples; a real deployment backs this with
// the strain-gauge driver, tests back it with a synthetic generator.
type Source interface {
	// ReadRaw returns one raw weight sample in grams.
	ReadRaw() float64
}

// Feedback samples a Source at a fixed rate and maintains the filtered
// weight, stability, and trend state spec.md §4.3 describes.
type Feedback struct {
	source       Source
	sampleRate   time.Duration
	windowSize   int // number of samples spanning the configured stability window
	tolerance    float64

	mu      sync.Mutex
	buf     []float64 // ring buffer, oldest first once full
	filled  bool
	writeAt int

	snapshot atomic.Pointer[models.LoadCellReading]

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Feedback loop. windowSize is the number of samples the
// stability/trend computation spans (window duration / sample period).
func New(source Source, sampleRate time.Duration, windowSize int, tolerance float64) *Feedback {
	if windowSize < 2 {
		windowSize = 2
	}
	f := &Feedback{
		source:     source,
		sampleRate: sampleRate,
		windowSize: windowSize,
		tolerance:  tolerance,
		buf:        make([]float64, windowSize),
	}
	f.snapshot.Store(&models.LoadCellReading{})
	return f
}

// Start launches the sampling goroutine; Stop must be called to release it.
func (f *Feedback) Start() {
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.loop()
}

// Stop halts the sampling goroutine and waits for it to exit.
func (f *Feedback) Stop() {
	if f.stopCh == nil {
		return
	}
	close(f.stopCh)
	<-f.doneCh
}

func (f *Feedback) loop() {
	defer close(f.doneCh)
	ticker := time.NewTicker(f.sampleRate)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.sampleOnce()
		}
	}
}

func (f *Feedback) sampleOnce() {
	raw := f.source.ReadRaw()

	f.mu.Lock()
	f.buf[f.writeAt] = raw
	f.writeAt = (f.writeAt + 1) % len(f.buf)
	if f.writeAt == 0 {
		f.filled = true
	}
	reading := f.computeLocked(raw)
	f.mu.Unlock()

	f.snapshot.Store(&reading)
}

// computeLocked must be called with mu held; it reads f.buf in its current
// ring order, filters, and computes stability/trend over the full window.
func (f *Feedback) computeLocked(raw float64) models.LoadCellReading {
	n := len(f.buf)
	ordered := make([]float64, 0, n)
	if f.filled {
		for i := 0; i < n; i++ {
			ordered = append(ordered, f.buf[(f.writeAt+i)%n])
		}
	} else {
		ordered = append(ordered, f.buf[:f.writeAt]...)
	}
	if len(ordered) == 0 {
		return models.LoadCellReading{WeightG: raw, RawFraction: raw, Calibrated: true, Trend: models.TrendFlat}
	}

	filtered := movingAverage(ordered, min(len(ordered), 5))

	stable := false
	if f.filled {
		lo, hi := minMax(ordered)
		stable = (hi - lo) <= f.tolerance
	}

	trend := leastSquaresTrend(ordered)

	return models.LoadCellReading{
		WeightG:     filtered,
		RawFraction: raw,
		Calibrated:  true,
		Stable:      stable,
		Trend:       trend,
	}
}

// Snapshot returns the most recent computed reading without blocking on
// the sampling loop.
func (f *Feedback) Snapshot() models.LoadCellReading {
	p := f.snapshot.Load()
	if p == nil {
		return models.LoadCellReading{}
	}
	return *p
}

// WaitResult is the outcome of WaitForEmptyBottle.
type WaitResult struct {
	Success    bool
	EmptyWeightG float64
}

// WaitForEmptyBottle blocks until the filtered weight is stable within
// tolerance of a dynamically tracked empty baseline, until timeout
// elapses, or until ctx is cancelled (spec.md §4.3). The baseline starts
// at emptyTareG and is lowered whenever a sustained stable reading below
// the current baseline persists for at least one full stabilityWindow,
// self-correcting against film/carryover buildup. The peripheral state is
// not changed by this call. onSample, if non-nil, is invoked with every
// polled reading so a caller can forward phase-tagged weight samples to
// the Recorder (spec.md §5); it may be nil.
func (f *Feedback) WaitForEmptyBottle(ctx context.Context, tolerance float64, timeout, stabilityWindow time.Duration, emptyTareG float64, onSample func(models.LoadCellReading)) WaitResult {
	deadline := time.Now().Add(timeout)
	baseline := emptyTareG

	pollEvery := f.sampleRate
	if pollEvery <= 0 {
		pollEvery = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	var belowBaselineSince time.Time
	var lastReading models.LoadCellReading

	for {
		lastReading = f.Snapshot()
		if onSample != nil {
			onSample(lastReading)
		}

		if lastReading.Stable && absf(lastReading.WeightG-baseline) <= tolerance {
			return WaitResult{Success: true, EmptyWeightG: lastReading.WeightG}
		}

		if lastReading.Stable && lastReading.WeightG < baseline {
			if belowBaselineSince.IsZero() {
				belowBaselineSince = time.Now()
			} else if time.Since(belowBaselineSince) >= stabilityWindow {
				baseline = lastReading.WeightG
				belowBaselineSince = time.Time{}
			}
		} else {
			belowBaselineSince = time.Time{}
		}

		if time.Now().After(deadline) {
			return WaitResult{Success: false, EmptyWeightG: lastReading.WeightG}
		}

		select {
		case <-ctx.Done():
			return WaitResult{Success: false, EmptyWeightG: lastReading.WeightG}
		case <-ticker.C:
		}
	}
}

func movingAverage(samples []float64, window int) float64 {
	if window <= 0 || window > len(samples) {
		window = len(samples)
	}
	start := len(samples) - window
	var sum float64
	for _, v := range samples[start:] {
		sum += v
	}
	return sum / float64(window)
}

func minMax(samples []float64) (float64, float64) {
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// leastSquaresTrend returns the sign of the least-squares slope of samples
// against their index, classified flat/rising/falling with a small
// deadband to avoid noise flapping the trend label.
func leastSquaresTrend(samples []float64) models.Trend {
	n := float64(len(samples))
	if n < 2 {
		return models.TrendFlat
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range samples {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return models.TrendFlat
	}
	slope := (n*sumXY - sumX*sumY) / denom
	const deadband = 1e-4
	switch {
	case slope > deadband:
		return models.TrendRising
	case slope < -deadband:
		return models.TrendFalling
	default:
		return models.TrendFlat
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
