package store

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyStored signals that an item with the same identity was persisted earlier.
var ErrAlreadyStored = errors.New("item already stored")

// ItemRecord is the metadata row written for each archived item.
type ItemRecord struct {
	ID          string
	RunID       string
	Source      string
	Key         string
	Hash        string
	BlobURI     string
	ContentType string
	Size        int64
	Metadata    map[string]string
	FetchedAt   time.Time
	StoredAt    time.Time
}

// ItemStore persists item metadata. StoreItem returns ErrAlreadyStored when
// the ID was stored before.
type ItemStore interface {
	StoreItem(ctx context.Context, record ItemRecord) error
}
