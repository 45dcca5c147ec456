package progress

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

func TestTrackerCountsAndEmits(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []Event
	)
	emitter := EmitterFunc(func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	})
	runID := uuid.New()
	tr := NewTracker(runID, emitter)

	require.True(t, tr.SetState(pipeline.StateRunning))
	tr.AddEnqueued("feeds", 3, 30)
	tr.AddProcessed(pipeline.Item{ID: "a", Source: "feeds", Payload: []byte("abc")}, time.Millisecond)
	tr.AddDuplicate(pipeline.Item{ID: "a", Source: "feeds"})
	tr.RecordError(pipeline.KindHandlerTransient, "feeds", errors.New("disk full"))
	tr.AddDropped(1)
	require.True(t, tr.SetState(pipeline.StateStopped))

	snap := tr.Snapshot()
	require.Equal(t, runID.String(), snap.RunID)
	require.Equal(t, pipeline.StateStopped, snap.State)
	require.Equal(t, int64(3), snap.Enqueued)
	require.Equal(t, int64(1), snap.Processed)
	require.Equal(t, int64(1), snap.Duplicates)
	require.Equal(t, int64(1), snap.Dropped)
	require.Equal(t, int64(1), snap.Errors[pipeline.KindHandlerTransient])
	require.EqualError(t, snap.LastError, "disk full")
	require.Nil(t, snap.FirstFatal)
	require.False(t, snap.FinishedAt.IsZero())

	mu.Lock()
	defer mu.Unlock()
	stages := make([]Stage, 0, len(events))
	for _, evt := range events {
		require.NoError(t, evt.Validate())
		require.Equal(t, runID, evt.RunUUID())
		stages = append(stages, evt.Stage)
	}
	require.Equal(t, []Stage{
		StageRunStart,
		StageFetchBatch,
		StageItemDone,
		StageItemDuplicate,
		StageItemError,
		StageItemDropped,
		StageRunDone,
	}, stages)
}

func TestTrackerTerminalStateIsSticky(t *testing.T) {
	t.Parallel()

	tr := NewTracker(uuid.New(), nil)
	tr.SetState(pipeline.StateRunning)
	fatal := pipeline.NewError(pipeline.KindHandlerFatal, "consumer", errors.New("boom"))
	tr.RecordError(pipeline.KindHandlerFatal, "feeds", fatal)
	tr.RecordError(pipeline.KindSourceFatal, "other", errors.New("later"))
	require.True(t, tr.SetState(pipeline.StateFailed))
	require.False(t, tr.SetState(pipeline.StateStopped))

	report := tr.Snapshot().Report()
	require.Equal(t, pipeline.StateFailed, report.State)
	require.Equal(t, pipeline.KindHandlerFatal, report.FirstFatalKind())
}

func TestTrackerCountersAreMonotonic(t *testing.T) {
	t.Parallel()

	tr := NewTracker(uuid.New(), nil)
	tr.SetState(pipeline.StateRunning)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var prev Snapshot
		for {
			select {
			case <-done:
				return
			default:
			}
			cur := tr.Snapshot()
			if cur.Processed < prev.Processed || cur.Duplicates < prev.Duplicates ||
				cur.Errors[pipeline.KindHandlerTransient] < prev.Errors[pipeline.KindHandlerTransient] {
				t.Errorf("counters went backwards: %+v -> %+v", prev, cur)
				return
			}
			prev = cur
		}
	}()

	for i := range 500 {
		item := pipeline.Item{ID: "x", Source: "s"}
		switch i % 3 {
		case 0:
			tr.AddProcessed(item, 0)
		case 1:
			tr.AddDuplicate(item)
		default:
			tr.RecordError(pipeline.KindHandlerTransient, "s", errors.New("retry later"))
		}
	}
	close(done)
	wg.Wait()
}

func TestTrackerMarkCancelledCountsOnce(t *testing.T) {
	t.Parallel()

	tr := NewTracker(uuid.New(), nil)
	tr.MarkCancelled()
	tr.MarkCancelled()
	snap := tr.Snapshot()
	require.True(t, snap.Cancelled)
	require.Equal(t, int64(1), snap.Errors[pipeline.KindCancelled])
}
