// Package store declares interfaces for persisting run progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the ingest_runs status column.
type RunStatus string

// Run statuses persisted in ingest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
	RunFailed  RunStatus = "failed"
)

// Run models the ingest_runs table for API responses.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil until the run reaches stopped/failed.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the first fatal error.
	ErrorMessage *string
}

// SourceDelta carries counter increments for one source.
type SourceDelta struct {
	Enqueued   int64
	Processed  int64
	Duplicates int64
	Errors     int64
	Bytes      int64
}

// IsZero reports whether the delta changes nothing.
func (d SourceDelta) IsZero() bool {
	return d == SourceDelta{}
}

// SourceStats captures per-source aggregation for a run.
type SourceStats struct {
	RunID      uuid.UUID
	Source     string
	LastUpdate time.Time
	Enqueued   int64
	Processed  int64
	Duplicates int64
	Errors     int64
	BytesTotal int64
}

// ProgressRepository persists incremental run progress.
type ProgressRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertSourceStats applies counter deltas per (run, source).
	UpsertSourceStats(ctx context.Context, runID uuid.UUID, source string, delta SourceDelta, at time.Time) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSources returns aggregated source stats for one run.
	ListRunSources(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SourceStats, error)
}
