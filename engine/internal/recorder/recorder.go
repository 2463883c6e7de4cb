// Package recorder implements the Result Recorder (C7, spec.md §4.7): an
// asynchronous, bounded-queue sink in front of a persistence.Store. It
// mirrors the teacher's resources.Manager checkpoint worker — a buffered
// channel feeding a dedicated drain goroutine that retries on failure with
// capped exponential backoff — rather than the crawler pipeline's
// multi-stage shape, since the Recorder is a single sink, not a pipeline.
package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/persistence"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/metrics"
)

// entryKind distinguishes queue entries; run/result entries are never
// dropped under overload, only weight samples are (spec.md §4.7).
type entryKind int

const (
	kindRun entryKind = iota
	kindResult
	kindSamples
)

type entry struct {
	kind    entryKind
	run     models.RunRecord
	result  models.TestResult
	samples []persistence.WeightSample
}

// Config tunes the Recorder's batching and retry behavior.
type Config struct {
	QueueCapacity  int
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig mirrors spec.md §4.7's stated defaults (batches of up to
// 1,000 weight-sample rows, backoff capped at 30s).
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  10_000,
		BatchSize:      1000,
		FlushInterval:  200 * time.Millisecond,
		MaxRetries:     0, // 0 = retry indefinitely with capped backoff
		BackoffInitial: 250 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// Stats reports recorder queue health for the health evaluator and
// overload-reporting metric (spec.md §4.7, §7 ResourceExhausted/overload).
type Stats struct {
	Enqueued       uint64
	Flushed        uint64
	SamplesDropped uint64
	QueueDepth     int
}

// Recorder accepts append requests and drains them asynchronously.
type Recorder struct {
	store persistence.Store
	cfg   Config
	log   logging.Logger

	ch chan entry

	enqueued       atomic.Uint64
	flushed        atomic.Uint64
	samplesDropped atomic.Uint64

	queueGauge metrics.Gauge
	dropCounter metrics.Counter

	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.Mutex
	pendingSamples []persistence.WeightSample
}

// New constructs a Recorder backed by store. Start must be called before
// any Append* call will make progress.
func New(store persistence.Store, cfg Config, log logging.Logger, provider metrics.Provider) *Recorder {
	if cfg.QueueCapacity <= 0 {
		cfg = DefaultConfig()
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	return &Recorder{
		store: store,
		cfg:   cfg,
		log:   log,
		ch:    make(chan entry, cfg.QueueCapacity),
		queueGauge: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "enose", Subsystem: "recorder", Name: "queue_depth", Help: "pending recorder entries",
		}}),
		dropCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "enose", Subsystem: "recorder", Name: "samples_dropped_total", Help: "weight samples dropped under overload",
		}}),
	}
}

// Start launches the drain worker goroutine.
func (r *Recorder) Start() {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.drainLoop()
}

// Stop signals the drain worker to flush remaining entries and exit,
// blocking until it does.
func (r *Recorder) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

// AppendRun and AppendResult entries are never dropped for lack of queue
// space: while the queue is full the call blocks until a slot frees up or
// ctx is done, and an entry whose ctx ends first is not enqueued.
func (r *Recorder) AppendRun(ctx context.Context, run models.RunRecord) {
	r.push(ctx, entry{kind: kindRun, run: run})
}

func (r *Recorder) AppendResult(ctx context.Context, result models.TestResult) {
	r.push(ctx, entry{kind: kindResult, result: result})
}

// AppendWeightSamples enqueues samples for batched insertion without
// blocking the producer. When the queue is full the incoming samples are
// dropped and counted in SamplesDropped; samples already queued or pending
// are kept, so under overload the newest samples are lost, not the oldest.
func (r *Recorder) AppendWeightSamples(ctx context.Context, samples []persistence.WeightSample) {
	select {
	case r.ch <- entry{kind: kindSamples, samples: samples}:
		r.enqueued.Add(1)
		r.queueGauge.Set(float64(len(r.ch)))
	default:
		r.samplesDropped.Add(uint64(len(samples)))
		r.dropCounter.Inc(float64(len(samples)))
		if r.log != nil {
			r.log.WarnCtx(ctx, "recorder queue full, dropping weight samples", "count", len(samples))
		}
	}
}

func (r *Recorder) push(ctx context.Context, e entry) {
	select {
	case r.ch <- e:
		r.enqueued.Add(1)
		r.queueGauge.Set(float64(len(r.ch)))
	case <-ctx.Done():
	}
}

// Stats returns current queue health counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Enqueued:       r.enqueued.Load(),
		Flushed:        r.flushed.Load(),
		SamplesDropped: r.samplesDropped.Load(),
		QueueDepth:     len(r.ch),
	}
}

func (r *Recorder) drainLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case e := <-r.ch:
			r.handle(e)
		case <-ticker.C:
			r.flushSamples()
		case <-r.stopCh:
			r.drainRemaining()
			return
		}
	}
}

func (r *Recorder) drainRemaining() {
	for {
		select {
		case e := <-r.ch:
			r.handle(e)
		default:
			r.flushSamples()
			return
		}
	}
}

func (r *Recorder) handle(e entry) {
	switch e.kind {
	case kindRun:
		r.writeWithRetry(func(ctx context.Context) error { return r.store.UpdateRun(ctx, e.run) })
	case kindResult:
		r.writeWithRetry(func(ctx context.Context) error { return r.store.InsertTestResult(ctx, e.result) })
	case kindSamples:
		r.mu.Lock()
		r.pendingSamples = append(r.pendingSamples, e.samples...)
		full := len(r.pendingSamples) >= r.cfg.BatchSize
		r.mu.Unlock()
		if full {
			r.flushSamples()
		}
	}
	r.flushed.Add(1)
	r.queueGauge.Set(float64(len(r.ch)))
}

func (r *Recorder) flushSamples() {
	r.mu.Lock()
	if len(r.pendingSamples) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pendingSamples
	r.pendingSamples = nil
	r.mu.Unlock()

	for len(batch) > 0 {
		n := r.cfg.BatchSize
		if n <= 0 || n > len(batch) {
			n = len(batch)
		}
		chunk := batch[:n]
		batch = batch[n:]
		r.writeWithRetry(func(ctx context.Context) error { return r.store.InsertWeightSamples(ctx, chunk) })
	}
}

// writeWithRetry retries fn with exponential backoff capped at
// cfg.BackoffMax. It runs on the drain goroutine, so while it sleeps
// between attempts no further entries are taken off the queue; producers
// can keep enqueueing until the queue is full. With MaxRetries > 0 the
// write is abandoned after that many failed attempts.
func (r *Recorder) writeWithRetry(fn func(ctx context.Context) error) {
	backoff := r.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	attempts := 0
	for {
		err := fn(context.Background())
		if err == nil {
			return
		}
		attempts++
		if r.log != nil {
			r.log.WarnCtx(context.Background(), "recorder write failed, retrying", "attempt", attempts, "err", err)
		}
		if r.cfg.MaxRetries > 0 && attempts >= r.cfg.MaxRetries {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > r.cfg.BackoffMax {
			backoff = r.cfg.BackoffMax
		}
	}
}
