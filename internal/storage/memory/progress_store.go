package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/ingestd/internal/store"
)

// ProgressStore implements store.ProgressRepository without a database.
type ProgressStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.Run
	sources map[uuid.UUID]map[string]store.SourceStats
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		runs:    make(map[uuid.UUID]store.Run),
		sources: make(map[uuid.UUID]map[string]store.SourceStats),
	}
}

// UpsertRunStart creates the run or returns it to running.
func (s *ProgressStore) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// CompleteRun records the terminal status. Unknown runs return store.ErrNotFound.
func (s *ProgressStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = pointerTime(finishedAt)
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// UpsertSourceStats adds delta to the (run, source) aggregate.
func (s *ProgressStore) UpsertSourceStats(
	_ context.Context,
	runID uuid.UUID,
	source string,
	delta store.SourceDelta,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySource := s.sources[runID]
	if bySource == nil {
		bySource = make(map[string]store.SourceStats)
		s.sources[runID] = bySource
	}
	stat := bySource[source]
	stat.RunID = runID
	stat.Source = source
	stat.Enqueued += delta.Enqueued
	stat.Processed += delta.Processed
	stat.Duplicates += delta.Duplicates
	stat.Errors += delta.Errors
	stat.BytesTotal += delta.Bytes
	if at.After(stat.LastUpdate) {
		stat.LastUpdate = at
	}
	bySource[source] = stat
	return nil
}

// GetRun fetches a run by ID.
func (s *ProgressStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *ProgressStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListRunSources returns the run's source aggregates ordered by name.
func (s *ProgressStore) ListRunSources(
	_ context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SourceStats, error) {
	s.mu.RLock()
	out := make([]store.SourceStats, 0, len(s.sources[runID]))
	for _, stat := range s.sources[runID] {
		out = append(out, stat)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
