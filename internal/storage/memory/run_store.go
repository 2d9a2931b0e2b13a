package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

// RunStore keeps the run log in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*catalog.RunLog
	last map[string]string
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*catalog.RunLog),
		last: make(map[string]string),
	}
}

// StartRun records a running entry.
func (s *RunStore) StartRun(_ context.Context, runID, source string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &catalog.RunLog{
		RunID:     runID,
		Source:    source,
		StartedAt: startedAt,
		Status:    catalog.RunRunning,
	}
	s.last[source] = runID
	return nil
}

// FinishRun stores the final counters of a run.
func (s *RunStore) FinishRun(_ context.Context, result catalog.RunResult, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[result.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", result.RunID, catalog.ErrNotFound)
	}
	finished := result.FinishedAt
	totals := result.Totals()
	run.FinishedAt = &finished
	run.Status = catalog.RunFailed
	if result.Success {
		run.Status = catalog.RunSucceeded
	}
	run.Processed = totals.Processed
	run.Inserted = totals.Inserted
	run.Updated = totals.Updated
	run.Failed = totals.Failed
	run.Error = errMsg
	return nil
}

// LastRun returns the most recently started run of source.
func (s *RunStore) LastRun(_ context.Context, source string) (catalog.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.last[source]
	if !ok {
		return catalog.RunLog{}, catalog.ErrNotFound
	}
	return *s.runs[id], nil
}

// GetRun returns one run by id.
func (s *RunStore) GetRun(_ context.Context, runID string) (catalog.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return catalog.RunLog{}, fmt.Errorf("run %s: %w", runID, catalog.ErrNotFound)
	}
	return *run, nil
}

// ListRuns returns runs of source, newest first.
func (s *RunStore) ListRuns(_ context.Context, source string, status *catalog.RunStatus, limit, offset int) ([]catalog.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.RunLog
	for _, run := range s.runs {
		if run.Source != source || (status != nil && run.Status != *status) {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
