// Package memory provides a pipeline.Source over a fixed slice of items.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/ingestd/internal/pipeline"
)

// Source hands out items in order, BatchSize at a time.
type Source struct {
	mu        sync.Mutex
	items     []pipeline.Item
	batchSize int
	pos       int
}

// New returns a Source over a copy of items. A batchSize below one means one
// item per batch.
func New(batchSize int, items ...pipeline.Item) *Source {
	if batchSize < 1 {
		batchSize = 1
	}
	cp := make([]pipeline.Item, len(items))
	for i, it := range items {
		cp[i] = it.Clone()
	}
	return &Source{items: cp, batchSize: batchSize}
}

// FromIDs builds items whose ID and payload are the given strings.
func FromIDs(batchSize int, ids ...string) *Source {
	items := make([]pipeline.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, pipeline.Item{ID: id, Key: id, Payload: []byte(id)})
	}
	return New(batchSize, items...)
}

// Next returns the next batch. The batch holding the final item is marked Done.
func (s *Source) Next(ctx context.Context) (pipeline.Batch, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	end := min(s.pos+s.batchSize, len(s.items))
	batch := pipeline.Batch{Items: s.items[s.pos:end:end], Done: end == len(s.items)}
	s.pos = end
	return batch, nil
}

// Remaining reports how many items have not been handed out yet.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) - s.pos
}
