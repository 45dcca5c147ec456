package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ingestd/internal/store"
)

// queryPool is the subset of pgxpool.Pool the stores rely on.
type queryPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ProgressStore implements store.ProgressRepository using Postgres.
type ProgressStore struct {
	pool queryPool
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ProgressStore{pool: pool}, nil
}

// NewProgressStoreWithPool wraps an existing pool (primarily for testing).
func NewProgressStoreWithPool(pool queryPool) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// UpsertRunStart inserts a run row or flips an existing one back to running.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO ingest_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE ingest_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE ingest_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// UpsertSourceStats adds delta to the (run, source) row, creating it on first use.
func (s *ProgressStore) UpsertSourceStats(
	ctx context.Context,
	runID uuid.UUID,
	source string,
	delta store.SourceDelta,
	at time.Time,
) error {
	query := `
		INSERT INTO source_stats (run_id, source, last_update, enqueued, processed, duplicates, errors, bytes_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, source) DO UPDATE
		SET last_update = GREATEST(source_stats.last_update, EXCLUDED.last_update),
			enqueued = source_stats.enqueued + EXCLUDED.enqueued,
			processed = source_stats.processed + EXCLUDED.processed,
			duplicates = source_stats.duplicates + EXCLUDED.duplicates,
			errors = source_stats.errors + EXCLUDED.errors,
			bytes_total = source_stats.bytes_total + EXCLUDED.bytes_total;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		runID,
		source,
		at,
		delta.Enqueued,
		delta.Processed,
		delta.Duplicates,
		delta.Errors,
		delta.Bytes,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert source stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM ingest_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM ingest_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunSources retrieves aggregated source statistics for a given run.
func (s *ProgressStore) ListRunSources(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SourceStats, error) {
	query := `
		SELECT run_id, source, last_update, enqueued, processed, duplicates, errors, bytes_total
		FROM source_stats
		WHERE run_id = $1
		ORDER BY source
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sources: %w", err)
	}
	defer rows.Close()

	var stats []store.SourceStats
	for rows.Next() {
		var stat store.SourceStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Source,
			&stat.LastUpdate,
			&stat.Enqueued,
			&stat.Processed,
			&stat.Duplicates,
			&stat.Errors,
			&stat.BytesTotal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan source stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source stats: %w", err)
	}
	return stats, nil
}
