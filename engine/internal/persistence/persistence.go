// Package persistence defines the append-only store interface the Result
// Recorder writes through (spec.md §6: "append inserts for runs,
// test_results, weight_samples"), plus an in-memory and a file-backed
// adapter. The real deployment target is a time-series database, which
// spec.md explicitly places out of scope (§1); these adapters exist so the
// Recorder (C7) is exercisable end to end without one.
package persistence

import (
	"context"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// WeightSample is one load-cell reading tagged with the run and phase it
// was observed under (spec.md §5: "weight samples written during a step
// carry a phase tag").
type WeightSample struct {
	RunID     string
	Phase     string
	At        time.Time
	WeightG   float64
}

// Store is the append-only persistence contract. Queries used by external
// readers are included because spec.md §6 lists them as part of the
// interface, even though they "do not influence core correctness".
type Store interface {
	InsertRun(ctx context.Context, r models.RunRecord) error
	UpdateRun(ctx context.Context, r models.RunRecord) error
	InsertTestResult(ctx context.Context, r models.TestResult) error
	InsertWeightSamples(ctx context.Context, samples []WeightSample) error

	ListRecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
	FetchRun(ctx context.Context, id string) (models.RunRecord, error)
	FetchResults(ctx context.Context, runID string) ([]models.TestResult, error)
	FetchWeightSamples(ctx context.Context, runID string, from, to time.Time) ([]WeightSample, error)
}
