package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

func TestNewQueueRejectsZeroCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewQueue(0)
	require.Error(t, err)
}

func TestQueuePutGet(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 1)
	result := make(chan pipeline.Item, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Get(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to block
	if err := q.Put(context.Background(), pipeline.Item{ID: "item-1"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Get() error = %v", err)
	case got := <-result:
		require.Equal(t, "item-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("get did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qGet := mustQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qGet.Get(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qPut := mustQueue(t, 1)
	require.NoError(t, qPut.Put(context.Background(), pipeline.Item{ID: "primed"}))
	blockedCtx, blockedCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer blockedCancel()
	err = qPut.Put(blockedCtx, pipeline.Item{ID: "blocked"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, qPut.Len())

	got, err := qPut.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "primed", got.ID)
	require.Equal(t, 0, qPut.Len(), "canceled put must not land in the queue")
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, pipeline.Item{ID: id}))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.ID)
	}
}

func TestQueueBlockedPutsServedInArrivalOrder(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 1)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, pipeline.Item{ID: "head"}))

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := q.Put(ctx, pipeline.Item{ID: id}); err != nil {
				t.Errorf("Put(%s) error = %v", id, err)
			}
		}(fmt.Sprintf("p%d", i))
		// Wait for each producer to park before starting the next one.
		require.Eventually(t, func() bool { return q.waitingPutters() == i+1 }, time.Second, time.Millisecond)
	}

	var got []string
	for range 6 {
		item, err := q.Get(ctx)
		require.NoError(t, err)
		got = append(got, item.ID)
	}
	wg.Wait()
	require.Equal(t, []string{"head", "p0", "p1", "p2", "p3", "p4"}, got)
}

func TestQueueLengthNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const (
		capacity  = 3
		producers = 4
		perProd   = 200
	)
	q := mustQueue(t, capacity)
	ctx := context.Background()

	var violations atomic.Int64
	stop := make(chan struct{})
	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		for {
			select {
			case <-stop:
				return
			default:
				if q.Len() > capacity {
					violations.Add(1)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProd {
				if err := q.Put(ctx, pipeline.Item{ID: fmt.Sprintf("%d-%d", p, i)}); err != nil {
					t.Errorf("Put() error = %v", err)
					return
				}
			}
		}()
	}

	received := 0
	for received < producers*perProd {
		_, err := q.Get(ctx)
		require.NoError(t, err)
		received++
	}
	wg.Wait()
	close(stop)
	<-observerDone
	require.Zero(t, violations.Load())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 1)
	q.Close()
	_, err := q.Get(context.Background())
	require.ErrorIs(t, err, pipeline.ErrEndOfStream)
	require.ErrorIs(t, q.Put(context.Background(), pipeline.Item{ID: "late"}), pipeline.ErrQueueClosed)
	// Closing twice should be safe.
	q.Close()
	require.ErrorIs(t, q.Put(context.Background(), pipeline.Item{ID: "later"}), pipeline.ErrQueueClosed)
	_, err = q.Get(context.Background())
	require.ErrorIs(t, err, pipeline.ErrEndOfStream)
}

func TestQueueCloseDrainsRemainingItems(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, pipeline.Item{ID: "a"}))
	require.NoError(t, q.Put(ctx, pipeline.Item{ID: "b"}))
	q.Close()

	for _, want := range []string{"a", "b"} {
		got, err := q.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.ID)
	}
	_, err := q.Get(ctx)
	require.ErrorIs(t, err, pipeline.ErrEndOfStream)
}

func TestQueueCloseWakesBlockedCallers(t *testing.T) {
	t.Parallel()

	full := mustQueue(t, 1)
	require.NoError(t, full.Put(context.Background(), pipeline.Item{ID: "x"}))
	empty := mustQueue(t, 1)

	putErr := make(chan error, 1)
	getErr := make(chan error, 1)
	go func() { putErr <- full.Put(context.Background(), pipeline.Item{ID: "y"}) }()
	go func() {
		_, err := empty.Get(context.Background())
		getErr <- err
	}()
	require.Eventually(t, func() bool {
		return full.waitingPutters() == 1 && empty.waitingGetters() == 1
	}, time.Second, time.Millisecond)

	full.Close()
	empty.Close()

	select {
	case err := <-putErr:
		require.True(t, errors.Is(err, pipeline.ErrQueueClosed))
	case <-time.After(time.Second):
		t.Fatal("blocked put was not woken by close")
	}
	select {
	case err := <-getErr:
		require.ErrorIs(t, err, pipeline.ErrEndOfStream)
	case <-time.After(time.Second):
		t.Fatal("blocked get was not woken by close")
	}
}

func TestQueueDiscard(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, pipeline.Item{ID: "a"}))
	require.NoError(t, q.Put(ctx, pipeline.Item{ID: "b"}))
	require.Equal(t, 2, q.Discard())
	require.Zero(t, q.Len())
	require.Zero(t, q.Discard())
}

func TestQueueItemsAreIsolatedFromProducer(t *testing.T) {
	t.Parallel()

	q := mustQueue(t, 1)
	payload := []byte("original")
	meta := map[string]string{"k": "v"}
	require.NoError(t, q.Put(context.Background(), pipeline.Item{ID: "a", Payload: payload, Metadata: meta}))
	payload[0] = 'X'
	meta["k"] = "changed"

	got, err := q.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "original", string(got.Payload))
	require.Equal(t, "v", got.Metadata["k"])
}

func mustQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	q, err := NewQueue(capacity)
	require.NoError(t, err)
	return q
}

func (q *Queue) waitingPutters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.putters)
}

func (q *Queue) waitingGetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.getters)
}
