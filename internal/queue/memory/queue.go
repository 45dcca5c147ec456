// Package memory provides the in-process bounded queue used by a pipeline run.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

type putWaiter struct {
	item  pipeline.Item
	ready chan struct{}
	// settled and err are guarded by Queue.mu.
	settled bool
	err     error
}

type getWaiter struct {
	ready chan struct{}
	woken bool
}

// Queue is a bounded FIFO with context-aware blocking operations.
//
// Blocked producers are admitted in arrival order: when a consumer frees a
// slot, the oldest waiting Put hands its item over before any new Put can
// claim the space.
type Queue struct {
	mu       sync.Mutex
	items    []pipeline.Item
	capacity int
	closed   bool
	putters  []*putWaiter
	getters  []*getWaiter
}

// NewQueue constructs a queue holding at most capacity items.
func NewQueue(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, errors.New("queue capacity must be >= 1")
	}
	return &Queue{
		items:    make([]pipeline.Item, 0, capacity),
		capacity: capacity,
	}, nil
}

// Put enqueues item, blocking while the queue is full.
func (q *Queue) Put(ctx context.Context, item pipeline.Item) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	item = item.Clone()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pipeline.ErrQueueClosed
	}
	if len(q.items) < q.capacity && len(q.putters) == 0 {
		q.items = append(q.items, item)
		q.wakeGetterLocked()
		q.mu.Unlock()
		return nil
	}
	w := &putWaiter{item: item, ready: make(chan struct{})}
	q.putters = append(q.putters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		if w.settled {
			// Admitted or closed before cancellation was observed.
			return w.err
		}
		q.removePutterLocked(w)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	}
}

// Get dequeues the oldest item, blocking while the queue is empty. It returns
// pipeline.ErrEndOfStream once the queue is closed and empty.
func (q *Queue) Get(ctx context.Context) (pipeline.Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Item{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = pipeline.Item{}
			q.items = q.items[1:]
			q.admitPuttersLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return pipeline.Item{}, pipeline.ErrEndOfStream
		}
		w := &getWaiter{ready: make(chan struct{})}
		q.getters = append(q.getters, w)
		q.mu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			q.mu.Lock()
			if w.woken {
				// Hand the wake-up to another waiter so it is not lost.
				if len(q.items) > 0 {
					q.wakeGetterLocked()
				}
			} else {
				q.removeGetterLocked(w)
			}
			q.mu.Unlock()
			return pipeline.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		}
	}
}

// Close marks the queue closed and wakes every blocked caller. Blocked and
// future Puts fail with pipeline.ErrQueueClosed; queued items stay readable.
// Calling Close more than once has no further effect.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.getters {
		w.woken = true
		close(w.ready)
	}
	q.getters = nil
	for _, w := range q.putters {
		w.settled = true
		w.err = pipeline.ErrQueueClosed
		close(w.ready)
	}
	q.putters = nil
}

// Discard drops every queued item and returns how many were removed.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	q.admitPuttersLocked()
	return n
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

func (q *Queue) admitPuttersLocked() {
	for len(q.items) < q.capacity && len(q.putters) > 0 {
		w := q.putters[0]
		q.putters[0] = nil
		q.putters = q.putters[1:]
		q.items = append(q.items, w.item)
		w.settled = true
		close(w.ready)
		q.wakeGetterLocked()
	}
}

func (q *Queue) wakeGetterLocked() {
	if len(q.getters) == 0 {
		return
	}
	w := q.getters[0]
	q.getters[0] = nil
	q.getters = q.getters[1:]
	w.woken = true
	close(w.ready)
}

func (q *Queue) removePutterLocked(target *putWaiter) {
	for i, w := range q.putters {
		if w == target {
			q.putters = append(q.putters[:i], q.putters[i+1:]...)
			return
		}
	}
}

func (q *Queue) removeGetterLocked(target *getWaiter) {
	for i, w := range q.getters {
		if w == target {
			q.getters = append(q.getters[:i], q.getters[i+1:]...)
			return
		}
	}
}
