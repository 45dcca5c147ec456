// Package queue defines the interfaces the fetchers and the consumer use to
// reach the run's bounded queue. Implementations live in subpackages.
package queue

import (
	"context"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

// Enqueuer is the producer side of a queue.
type Enqueuer interface {
	// Put blocks while the queue is full. It fails with pipeline.ErrQueueClosed
	// once the queue is closed, or with the context error when ctx ends.
	Put(ctx context.Context, item pipeline.Item) error
}

// Dequeuer is the consumer side of a queue.
type Dequeuer interface {
	// Get blocks while the queue is empty. It returns pipeline.ErrEndOfStream
	// once the queue is closed and drained.
	Get(ctx context.Context) (pipeline.Item, error)
}

// Queue is a bounded FIFO shared by one run.
type Queue interface {
	Enqueuer
	Dequeuer
	Close()
	Len() int
	Cap() int
}
