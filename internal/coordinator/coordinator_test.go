package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestd/internal/fetcher"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/progress"
)

func TestTwoFetchersAllSucceed(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler(nil)
	c := newCoordinator(t, Config{QueueCapacity: 2}, h)

	require.NoError(t, c.Start(context.Background(),
		sliceFetcher("abc", "A", "B", "C"),
		sliceFetcher("xy", "X", "Y"),
	))
	report, err := c.Wait()

	require.NoError(t, err)
	require.Equal(t, pipeline.StateStopped, report.State)
	require.EqualValues(t, 5, report.Processed)
	require.Zero(t, report.Duplicates)
	require.Zero(t, totalErrors(report))
	require.ElementsMatch(t, []string{"A", "B", "C", "X", "Y"}, h.IDs())
	require.Equal(t, pipeline.StateStopped, c.State())
}

func TestHandlerReportedDuplicates(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	h := newRecordingHandler(func(item pipeline.Item) error {
		if seen[item.ID] {
			return pipeline.ErrDuplicate
		}
		seen[item.ID] = true
		return nil
	})
	c := newCoordinator(t, Config{DisableDedup: true}, h)

	require.NoError(t, c.Start(context.Background(), sliceFetcher("dups", "A", "A", "B")))
	report, err := c.Wait()

	require.NoError(t, err)
	require.EqualValues(t, 2, report.Processed)
	require.EqualValues(t, 1, report.Duplicates)
}

func TestDedupSetSkipsRepeatedIdentity(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler(nil)
	c := newCoordinator(t, Config{}, h)

	require.NoError(t, c.Start(context.Background(), sliceFetcher("dups", "A", "A", "B")))
	report, err := c.Wait()

	require.NoError(t, err)
	require.EqualValues(t, 2, report.Processed)
	require.EqualValues(t, 1, report.Duplicates)
	require.Equal(t, []string{"A", "B"}, h.IDs())
}

func TestHandlerFatalFailsRun(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler(func(item pipeline.Item) error {
		if item.ID == "B" {
			return pipeline.Fatal(errors.New("schema mismatch"))
		}
		return nil
	})
	c := newCoordinator(t, Config{QueueCapacity: 4}, h)

	require.NoError(t, c.Start(context.Background(), sliceFetcher("abc", "A", "B", "C")))
	report, err := c.Wait()

	require.Error(t, err)
	require.Equal(t, pipeline.StateFailed, report.State)
	require.EqualValues(t, 1, report.Processed)
	require.Equal(t, pipeline.KindHandlerFatal, report.FirstFatalKind())
	require.EqualValues(t, 1, report.ErrorCount(pipeline.KindHandlerFatal))
	require.Equal(t, []string{"A", "B"}, h.IDs())
}

func TestCancelInfiniteStream(t *testing.T) {
	t.Parallel()

	var delivered atomic.Int64
	h := pipeline.HandlerFunc(func(context.Context, pipeline.Item) error {
		delivered.Add(1)
		return nil
	})
	cfg := Config{QueueCapacity: 4, DrainTimeout: 500 * time.Millisecond, Grace: 200 * time.Millisecond}
	c := newCoordinator(t, cfg, h)

	require.NoError(t, c.Start(context.Background(), infiniteFetcher("ticker")))
	require.Eventually(t, func() bool {
		return c.Progress().Processed >= 10
	}, 2*time.Second, time.Millisecond)

	cancelled := time.Now()
	c.Cancel()
	report, err := c.Wait()
	elapsed := time.Since(cancelled)

	require.NoError(t, err)
	require.Equal(t, pipeline.StateStopped, report.State)
	require.True(t, report.Cancelled)
	require.EqualValues(t, 1, report.ErrorCount(pipeline.KindCancelled))
	require.GreaterOrEqual(t, report.Processed, int64(10))
	require.Less(t, elapsed, cfg.DrainTimeout+cfg.Grace)

	after := delivered.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, delivered.Load(), "no item may be delivered after the terminal state")
}

func TestTransientSourceErrorsAreRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	src := pipeline.SourceFunc(func(context.Context) (pipeline.Batch, error) {
		attempts++
		if attempts <= 3 {
			return pipeline.Batch{}, fmt.Errorf("attempt %d: connection reset", attempts)
		}
		return pipeline.Batch{Items: []pipeline.Item{{ID: "A"}}, Done: true}, nil
	})
	f := fetcher.New("flaky", src, fetcher.Config{MaxRetries: 5, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	c := newCoordinator(t, Config{}, newRecordingHandler(nil))

	require.NoError(t, c.Start(context.Background(), f))
	report, err := c.Wait()

	require.NoError(t, err)
	require.Equal(t, pipeline.StateStopped, report.State)
	require.EqualValues(t, 1, report.Processed)
	require.EqualValues(t, 3, report.ErrorCount(pipeline.KindSourceTransient))
	require.Equal(t, int64(3), totalErrors(report))
}

func TestFetcherFatalDoesNotStopPeers(t *testing.T) {
	t.Parallel()

	broken := fetcher.New("broken", pipeline.SourceFunc(func(context.Context) (pipeline.Batch, error) {
		return pipeline.Batch{}, pipeline.Fatal(errors.New("credentials revoked"))
	}), fetcher.Config{})
	h := newRecordingHandler(nil)
	c := newCoordinator(t, Config{}, h)

	require.NoError(t, c.Start(context.Background(), sliceFetcher("ok", "A"), broken))
	report, err := c.Wait()

	require.Error(t, err)
	require.Equal(t, pipeline.KindSourceFatal, pipeline.KindOf(err))
	require.Equal(t, pipeline.StateStopped, report.State)
	require.EqualValues(t, 1, report.Processed)
	require.Equal(t, pipeline.KindSourceFatal, report.FirstFatalKind())
}

func TestFailFastAbortsOnFetcherFatal(t *testing.T) {
	t.Parallel()

	broken := fetcher.New("broken", pipeline.SourceFunc(func(context.Context) (pipeline.Batch, error) {
		return pipeline.Batch{}, pipeline.Fatal(errors.New("credentials revoked"))
	}), fetcher.Config{})
	c := newCoordinator(t, Config{FailFast: true, Grace: 200 * time.Millisecond}, newRecordingHandler(nil))

	require.NoError(t, c.Start(context.Background(), infiniteFetcher("ticker"), broken))
	report, err := c.Wait()

	require.Error(t, err)
	require.Equal(t, pipeline.StateFailed, report.State)
	require.Equal(t, pipeline.KindSourceFatal, report.FirstFatalKind())
}

func TestFailFastWinsOverFinishedConsumer(t *testing.T) {
	t.Parallel()

	for i := range 50 {
		broken := fetcher.New("broken", pipeline.SourceFunc(func(context.Context) (pipeline.Batch, error) {
			return pipeline.Batch{}, pipeline.Fatal(errors.New("credentials revoked"))
		}), fetcher.Config{})
		c := newCoordinator(t, Config{FailFast: true}, newRecordingHandler(nil))

		require.NoError(t, c.Start(context.Background(), sliceFetcher("ok", "a"), broken))
		report, err := c.Wait()

		require.Error(t, err, "run %d", i)
		require.Equal(t, pipeline.StateFailed, report.State, "run %d", i)
	}
}

func TestDrainDeadlineDropsRemainingItems(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	h := pipeline.HandlerFunc(func(ctx context.Context, _ pipeline.Item) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := Config{QueueCapacity: 8, DrainTimeout: 50 * time.Millisecond, Grace: 200 * time.Millisecond}
	c := newCoordinator(t, cfg, h)

	require.NoError(t, c.Start(context.Background(), sliceFetcher("slow", "A", "B", "C", "D")))
	<-started
	require.Eventually(t, func() bool { return c.QueueDepth() == 3 }, time.Second, time.Millisecond)

	c.Cancel()
	report, err := c.Wait()

	require.ErrorIs(t, err, pipeline.ErrDrainTimeout)
	require.Equal(t, pipeline.StateStopped, report.State)
	require.EqualValues(t, 1, report.ErrorCount(pipeline.KindTimeout))
	require.EqualValues(t, 4, report.Dropped)
	require.Zero(t, report.Processed)
}

func TestStartContextCancellationActsAsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := newCoordinator(t, Config{DrainTimeout: 100 * time.Millisecond}, newRecordingHandler(nil))

	require.NoError(t, c.Start(ctx, infiniteFetcher("ticker")))
	cancel()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after context cancellation")
	}
	report, err := c.Wait()
	require.NoError(t, err)
	require.True(t, report.Cancelled)
	require.Equal(t, pipeline.StateStopped, report.State)
}

func TestCancelBeforeStart(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, Config{}, newRecordingHandler(nil))
	c.Cancel()
	c.Cancel()

	report, err := c.Wait()
	require.NoError(t, err)
	require.Equal(t, pipeline.StateStopped, report.State)
	require.True(t, report.Cancelled)
	require.EqualValues(t, 1, report.ErrorCount(pipeline.KindCancelled))
	require.ErrorIs(t, c.Start(context.Background(), sliceFetcher("late", "A")), ErrNotIdle)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, Config{}, newRecordingHandler(nil))
	require.NoError(t, c.Start(context.Background(), sliceFetcher("a", "A")))
	require.ErrorIs(t, c.Start(context.Background(), sliceFetcher("b", "B")), ErrNotIdle)
	_, err := c.Wait()
	require.NoError(t, err)

	c.Cancel()
	require.Equal(t, pipeline.StateStopped, c.State())
}

func TestNewRequiresHandler(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestDeliveredSetMatchesProducedAcrossCapacities(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	for capacity := 1; capacity <= 4; capacity++ {
		t.Run("capacity="+strconv.Itoa(capacity), func(t *testing.T) {
			streams := make([][]string, 1+rng.IntN(3))
			want := map[string]struct{}{}
			for i := range streams {
				for range rng.IntN(20) {
					// Small ID space so streams overlap and dedup kicks in.
					id := "item-" + strconv.Itoa(rng.IntN(30))
					streams[i] = append(streams[i], id)
					want[id] = struct{}{}
				}
			}

			var depthMu sync.Mutex
			maxDepth := 0
			var c *Coordinator
			h := newRecordingHandler(func(pipeline.Item) error {
				depthMu.Lock()
				maxDepth = max(maxDepth, c.QueueDepth())
				depthMu.Unlock()
				return nil
			})
			c = newCoordinator(t, Config{QueueCapacity: capacity}, h)

			fetchers := make([]*fetcher.Fetcher, 0, len(streams))
			for i, ids := range streams {
				fetchers = append(fetchers, sliceFetcher("f"+strconv.Itoa(i), ids...))
			}
			require.NoError(t, c.Start(context.Background(), fetchers...))
			report, err := c.Wait()
			require.NoError(t, err)

			got := h.IDs()
			require.Len(t, got, len(want))
			for _, id := range got {
				require.Contains(t, want, id)
			}
			require.EqualValues(t, len(want), report.Processed)
			require.LessOrEqual(t, maxDepth, capacity)
		})
	}
}

func TestPerFetcherOrderIsPreserved(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler(nil)
	c := newCoordinator(t, Config{QueueCapacity: 1}, h)

	var (
		left  []string
		right []string
	)
	for i := range 25 {
		left = append(left, "l-"+strconv.Itoa(i))
		right = append(right, "r-"+strconv.Itoa(i))
	}
	require.NoError(t, c.Start(context.Background(), sliceFetcher("left", left...), sliceFetcher("right", right...)))
	_, err := c.Wait()
	require.NoError(t, err)

	bySource := map[string][]string{}
	for _, item := range h.Items() {
		bySource[item.Source] = append(bySource[item.Source], item.ID)
	}
	require.Equal(t, left, bySource["left"])
	require.Equal(t, right, bySource["right"])
}

func TestEmitterSeesRunLifecycle(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		stages []progress.Stage
	)
	emitter := progress.EmitterFunc(func(evt progress.Event) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, evt.Stage)
	})
	c := newCoordinator(t, Config{}, newRecordingHandler(nil), WithEmitter(emitter))

	require.NoError(t, c.Start(context.Background(), sliceFetcher("one", "A")))
	_, err := c.Wait()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, stages)
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StageFetchBatch)
	require.Contains(t, stages, progress.StageItemDone)
}

func newCoordinator(t *testing.T, cfg Config, h pipeline.Handler, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(cfg, h, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Cancel)
	return c
}

// sliceFetcher emits one item per batch and marks the last batch done.
func sliceFetcher(name string, ids ...string) *fetcher.Fetcher {
	var (
		mu  sync.Mutex
		pos int
	)
	src := pipeline.SourceFunc(func(context.Context) (pipeline.Batch, error) {
		mu.Lock()
		defer mu.Unlock()
		if pos >= len(ids) {
			return pipeline.Batch{Done: true}, nil
		}
		item := pipeline.Item{ID: ids[pos], Payload: []byte(ids[pos])}
		pos++
		return pipeline.Batch{Items: []pipeline.Item{item}, Done: pos == len(ids)}, nil
	})
	return fetcher.New(name, src, fetcher.Config{BackoffInitial: time.Millisecond})
}

func infiniteFetcher(name string) *fetcher.Fetcher {
	var n atomic.Int64
	src := pipeline.SourceFunc(func(context.Context) (pipeline.Batch, error) {
		id := name + "-" + strconv.FormatInt(n.Add(1), 10)
		return pipeline.Batch{Items: []pipeline.Item{{ID: id}}}, nil
	})
	return fetcher.New(name, src, fetcher.Config{})
}

type recordingHandler struct {
	mu    sync.Mutex
	items []pipeline.Item
	fn    func(pipeline.Item) error
}

func newRecordingHandler(fn func(pipeline.Item) error) *recordingHandler {
	return &recordingHandler{fn: fn}
}

func (h *recordingHandler) Handle(_ context.Context, item pipeline.Item) error {
	h.mu.Lock()
	h.items = append(h.items, item)
	fn := h.fn
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(item)
}

func (h *recordingHandler) Items() []pipeline.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pipeline.Item(nil), h.items...)
}

func (h *recordingHandler) IDs() []string {
	items := h.Items()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

func totalErrors(r pipeline.Report) int64 {
	var n int64
	for _, count := range r.Errors {
		n += count
	}
	return n
}
