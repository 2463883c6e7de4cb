package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsq7474741/rpi-odor-sub002/engine/internal/persistence"
	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/logging"
	"github.com/gsq7474741/rpi-odor-sub002/engine/telemetry/metrics"
)

// fakeStore is a persistence.Store test double that can be configured to
// fail a fixed number of times before succeeding, so writeWithRetry's
// backoff path can be exercised without a real database.
type fakeStore struct {
	mu sync.Mutex

	failRunsRemaining    int
	runs                 []models.RunRecord
	results              []models.TestResult
	sampleBatches        [][]persistence.WeightSample
	insertSampleCalls    int32
}

func (s *fakeStore) InsertRun(_ context.Context, r models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, r)
	return nil
}

func (s *fakeStore) UpdateRun(_ context.Context, r models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRunsRemaining > 0 {
		s.failRunsRemaining--
		return assertError("transient run update failure")
	}
	s.runs = append(s.runs, r)
	return nil
}

func (s *fakeStore) InsertTestResult(_ context.Context, r models.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *fakeStore) InsertWeightSamples(_ context.Context, samples []persistence.WeightSample) error {
	atomic.AddInt32(&s.insertSampleCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]persistence.WeightSample, len(samples))
	copy(batch, samples)
	s.sampleBatches = append(s.sampleBatches, batch)
	return nil
}

func (s *fakeStore) ListRecentRuns(context.Context, int) ([]models.RunRecord, error) { return nil, nil }
func (s *fakeStore) FetchRun(context.Context, string) (models.RunRecord, error)      { return models.RunRecord{}, nil }
func (s *fakeStore) FetchResults(context.Context, string) ([]models.TestResult, error) {
	return nil, nil
}
func (s *fakeStore) FetchWeightSamples(context.Context, string, time.Time, time.Time) ([]persistence.WeightSample, error) {
	return nil, nil
}

func (s *fakeStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *fakeStore) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *fakeStore) totalSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.sampleBatches {
		n += len(b)
	}
	return n
}

type testStringError string

func (e testStringError) Error() string { return string(e) }

func assertError(msg string) error { return testStringError(msg) }

func newTestRecorder(t *testing.T, store persistence.Store, cfg Config) *Recorder {
	t.Helper()
	r := New(store, cfg, logging.NewCorrelatedLogger(nil), metrics.NewNoopProvider())
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestAppendRunIsEventuallyWritten(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	r := newTestRecorder(t, store, cfg)

	r.AppendRun(context.Background(), models.RunRecord{ID: "run-1"})

	require.Eventually(t, func() bool { return store.runCount() == 1 }, time.Second, 2*time.Millisecond)
}

func TestAppendResultIsEventuallyWritten(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	r := newTestRecorder(t, store, cfg)

	r.AppendResult(context.Background(), models.TestResult{RunID: "run-1"})

	require.Eventually(t, func() bool { return store.resultCount() == 1 }, time.Second, 2*time.Millisecond)
}

func TestAppendWeightSamplesDropsUnderOverloadWithoutBlocking(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{
		QueueCapacity:  2,
		BatchSize:      1000,
		FlushInterval:  time.Hour, // never auto-flushes during this test
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}
	r := New(store, cfg, logging.NewCorrelatedLogger(nil), metrics.NewNoopProvider())
	// Deliberately do not Start the drain worker: the channel fills up and
	// stays full, simulating sustained overload.

	for i := 0; i < 10; i++ {
		r.AppendWeightSamples(context.Background(), []persistence.WeightSample{{RunID: "run-1", WeightG: float64(i)}})
	}

	stats := r.Stats()
	assert.Greater(t, stats.SamplesDropped, uint64(0), "queue overload should drop some weight samples rather than block")
	assert.LessOrEqual(t, stats.QueueDepth, cfg.QueueCapacity)
}

func TestAppendRunBlocksUntilQueueDrainsOrContextCancelled(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{
		QueueCapacity:  1,
		BatchSize:      1000,
		FlushInterval:  time.Hour,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}
	r := New(store, cfg, logging.NewCorrelatedLogger(nil), metrics.NewNoopProvider())
	// No Start(): the one queue slot fills on the first AppendRun and never
	// drains, so a second AppendRun call must block on the full channel
	// until its context is cancelled rather than silently dropping a run
	// entry (run/result entries are never dropped, spec.md §4.7).
	r.AppendRun(context.Background(), models.RunRecord{ID: "run-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.AppendRun(ctx, models.RunRecord{ID: "run-2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AppendRun did not return after context cancellation")
	}
	assert.Equal(t, 0, store.runCount(), "drain worker was never started, so neither run should have reached the store")
}

func TestWriteWithRetryRecoversAfterTransientFailures(t *testing.T) {
	store := &fakeStore{failRunsRemaining: 2}
	cfg := Config{
		QueueCapacity:  10,
		BatchSize:      1000,
		FlushInterval:  5 * time.Millisecond,
		MaxRetries:     0, // retry indefinitely
		BackoffInitial: 2 * time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
	r := newTestRecorder(t, store, cfg)

	// A run entry (kindRun maps to UpdateRun) that fails twice before the
	// fake store lets it through.
	r.AppendRun(context.Background(), models.RunRecord{ID: "run-retry"})

	require.Eventually(t, func() bool { return store.runCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFlushSamplesBatchesAcrossBatchSize(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{
		QueueCapacity:  1000,
		BatchSize:      4,
		FlushInterval:  5 * time.Millisecond,
		MaxRetries:     1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}
	r := newTestRecorder(t, store, cfg)

	samples := make([]persistence.WeightSample, 10)
	for i := range samples {
		samples[i] = persistence.WeightSample{RunID: "run-1", WeightG: float64(i)}
	}
	r.AppendWeightSamples(context.Background(), samples)

	require.Eventually(t, func() bool { return store.totalSamples() == 10 }, time.Second, 5*time.Millisecond)
}

func TestStatsReportsQueueDepthAndCounters(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	r := newTestRecorder(t, store, cfg)

	r.AppendRun(context.Background(), models.RunRecord{ID: "run-1"})
	require.Eventually(t, func() bool { return r.Stats().Flushed > 0 }, time.Second, 2*time.Millisecond)

	stats := r.Stats()
	assert.GreaterOrEqual(t, stats.Enqueued, uint64(1))
}
