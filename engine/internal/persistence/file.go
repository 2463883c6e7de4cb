package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gsq7474741/rpi-odor-sub002/engine/models"
)

// fileRecord is the on-disk envelope for one appended event; Kind selects
// how Payload is interpreted on replay.
type fileRecord struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// FileStore appends every write as one NDJSON line to a log file and keeps
// an in-memory MemoryStore as the queryable read path, replaying the log
// on open so a restart does not lose prior runs. This mirrors the
// teacher's pattern of pairing a fast in-memory structure with a durable
// append-only log, scaled down to a single file since a full WAL is out of
// scope for this adapter.
type FileStore struct {
	mem *MemoryStore

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenFileStore opens (creating if needed) path for append, replays any
// existing records into an in-memory read path, and returns a ready Store.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	mem := NewMemoryStore()
	if err := replay(f, mem); err != nil {
		f.Close()
		return nil, err
	}
	return &FileStore{mem: mem, f: f, w: bufio.NewWriter(f)}, nil
}

func replay(f *os.File, mem *MemoryStore) error {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("persistence: corrupt log line: %w", err)
		}
		ctx := context.Background()
		switch rec.Kind {
		case "run":
			var r models.RunRecord
			if err := json.Unmarshal(rec.Payload, &r); err != nil {
				return err
			}
			if _, err := mem.FetchRun(ctx, r.ID); err != nil {
				_ = mem.InsertRun(ctx, r)
			} else {
				_ = mem.UpdateRun(ctx, r)
			}
		case "result":
			var r models.TestResult
			if err := json.Unmarshal(rec.Payload, &r); err != nil {
				return err
			}
			_ = mem.InsertTestResult(ctx, r)
		case "samples":
			var s []WeightSample
			if err := json.Unmarshal(rec.Payload, &s); err != nil {
				return err
			}
			_ = mem.InsertWeightSamples(ctx, s)
		}
	}
	return scanner.Err()
}

func (s *FileStore) appendLine(kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(fileRecord{Kind: kind, Payload: payload})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *FileStore) InsertRun(ctx context.Context, r models.RunRecord) error {
	if err := s.appendLine("run", r); err != nil {
		return err
	}
	return s.mem.InsertRun(ctx, r)
}

func (s *FileStore) UpdateRun(ctx context.Context, r models.RunRecord) error {
	if err := s.appendLine("run", r); err != nil {
		return err
	}
	return s.mem.UpdateRun(ctx, r)
}

func (s *FileStore) InsertTestResult(ctx context.Context, r models.TestResult) error {
	if err := s.appendLine("result", r); err != nil {
		return err
	}
	return s.mem.InsertTestResult(ctx, r)
}

func (s *FileStore) InsertWeightSamples(ctx context.Context, samples []WeightSample) error {
	if err := s.appendLine("samples", samples); err != nil {
		return err
	}
	return s.mem.InsertWeightSamples(ctx, samples)
}

func (s *FileStore) ListRecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	return s.mem.ListRecentRuns(ctx, limit)
}
func (s *FileStore) FetchRun(ctx context.Context, id string) (models.RunRecord, error) {
	return s.mem.FetchRun(ctx, id)
}
func (s *FileStore) FetchResults(ctx context.Context, runID string) ([]models.TestResult, error) {
	return s.mem.FetchResults(ctx, runID)
}
func (s *FileStore) FetchWeightSamples(ctx context.Context, runID string, from, to time.Time) ([]WeightSample, error) {
	return s.mem.FetchWeightSamples(ctx, runID, from, to)
}

// Close flushes and closes the underlying log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
