package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/progress"
	"github.com/JakeFAU/ingestd/internal/store"
)

// StoreSink persists progress deltas via a store.ProgressRepository. It
// collapses per-source counters within a batch to reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run lifecycle events in order and flushes the collapsed
// source deltas before any terminal run event so the final row is complete.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			if err := s.flushStats(ctx, stats); err != nil {
				return err
			}
			if err := s.completeRun(ctx, runID, evt); err != nil {
				return err
			}
		default:
			recordSourceStats(stats, runID, evt)
		}
	}
	return s.flushStats(ctx, stats)
}

func (s *StoreSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunStopped
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunFailed
		if evt.Note != "" {
			note = &evt.Note
		}
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (s *StoreSink) flushStats(ctx context.Context, stats map[statsKey]*statsDelta) error {
	for key, delta := range stats {
		if !delta.IsZero() {
			if err := s.repo.UpsertSourceStats(ctx, key.runID, key.source, delta.SourceDelta, delta.at); err != nil {
				return fmt.Errorf("upsert source stats: %w", err)
			}
		}
		delete(stats, key)
	}
	return nil
}

func recordSourceStats(stats map[statsKey]*statsDelta, runID uuid.UUID, evt progress.Event) {
	if evt.Source == "" {
		return
	}
	key := statsKey{runID: runID, source: evt.Source}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	switch evt.Stage {
	case progress.StageFetchBatch:
		stat.Enqueued += evt.Items
	case progress.StageItemDone:
		stat.Processed += evt.Items
		stat.Bytes += evt.Bytes
	case progress.StageItemDuplicate:
		stat.Duplicates += evt.Items
	case progress.StageItemError:
		stat.Errors++
	}
	if evt.TS.After(stat.at) {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID  uuid.UUID
	source string
}

type statsDelta struct {
	store.SourceDelta
	at time.Time
}
