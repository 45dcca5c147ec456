package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/JakeFAU/ingestd/internal/store"
)

// ItemStore keeps item records keyed by ID.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]store.ItemRecord
	order []string
}

// NewItemStore constructs an ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]store.ItemRecord)}
}

// StoreItem records the item or returns store.ErrAlreadyStored.
func (s *ItemStore) StoreItem(_ context.Context, record store.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[record.ID]; exists {
		return store.ErrAlreadyStored
	}
	record.Metadata = maps.Clone(record.Metadata)
	s.items[record.ID] = record
	s.order = append(s.order, record.ID)
	return nil
}

// Get fetches a record by ID.
func (s *ItemStore) Get(id string) (store.ItemRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	return rec, ok
}

// IDs returns the stored IDs in insertion order.
func (s *ItemStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
