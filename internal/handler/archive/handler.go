// Package archive implements the default pipeline.Handler: it hashes each
// payload, writes it to blob storage, records a metadata row, and publishes a
// notification.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/clock/system"
	"github.com/JakeFAU/ingestd/internal/hash/sha256"
	"github.com/JakeFAU/ingestd/internal/id/uuid"
	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/storage"
	"github.com/JakeFAU/ingestd/internal/store"
)

const defaultContentType = "application/octet-stream"

// Hasher produces a content digest.
type Hasher interface {
	Hash(data []byte) string
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Publisher announces stored items.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config controls Handler behavior.
type Config struct {
	RunID string
	// ContentType is used when an item carries no content_type metadata.
	ContentType string
	BlobPrefix  string
	// Topic enables notifications when non-empty.
	Topic string
}

// Handler archives items.
type Handler struct {
	blobs     storage.BlobStore
	items     store.ItemStore
	publisher Publisher
	hasher    Hasher
	clock     Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithPublisher enables notifications through p.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) {
		h.publisher = p
	}
}

// WithHasher overrides the SHA-256 default.
func WithHasher(hasher Hasher) Option {
	return func(h *Handler) {
		if hasher != nil {
			h.hasher = hasher
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New constructs a Handler.
func New(blobs storage.BlobStore, items store.ItemStore, cfg Config, opts ...Option) (*Handler, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if items == nil {
		return nil, errors.New("item store is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	h := &Handler{
		blobs:  blobs,
		items:  items,
		hasher: sha256.New(),
		clock:  system.New(),
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle stores one item. An item whose ID was stored before yields
// pipeline.ErrDuplicate. Storage failures are recoverable unless the store
// marked them fatal.
func (h *Handler) Handle(ctx context.Context, item pipeline.Item) error {
	hash := h.hasher.Hash(item.Payload)
	id := item.ID
	if id == "" {
		key := item.Key
		if key == "" {
			key = hash
		}
		id = uuid.ItemID(item.Source, key)
	}
	contentType := item.Metadata["content_type"]
	if contentType == "" {
		contentType = h.cfg.ContentType
	}

	blobPath := h.buildBlobPath(item.Source, hash)
	uri, err := h.blobs.PutObject(ctx, blobPath, contentType, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	record := store.ItemRecord{
		ID:          id,
		RunID:       h.cfg.RunID,
		Source:      item.Source,
		Key:         item.Key,
		Hash:        hash,
		BlobURI:     uri,
		ContentType: contentType,
		Size:        int64(len(item.Payload)),
		Metadata:    maps.Clone(item.Metadata),
		FetchedAt:   item.FetchedAt,
		StoredAt:    h.clock.Now(),
	}
	if err := h.items.StoreItem(ctx, record); err != nil {
		if errors.Is(err, store.ErrAlreadyStored) {
			return fmt.Errorf("item %s: %w", id, pipeline.ErrDuplicate)
		}
		return fmt.Errorf("record item: %w", err)
	}

	if err := h.publishResult(ctx, record); err != nil {
		return err
	}
	h.logger.Debug("item archived",
		zap.String("item_id", id),
		zap.String("source", item.Source),
		zap.String("blob_uri", uri),
		zap.String("hash", hash),
	)
	return nil
}

// buildBlobPath lays blobs out by source and content hash, so identical
// payloads from one source share an object.
func (h *Handler) buildBlobPath(source, hash string) string {
	if source == "" {
		source = "unknown"
	}
	prefix := strings.Trim(h.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", source, hash)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, source, hash)
}

func (h *Handler) publishResult(ctx context.Context, rec store.ItemRecord) error {
	if h.cfg.Topic == "" || h.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"item_id":      rec.ID,
		"run_id":       rec.RunID,
		"source":       rec.Source,
		"key":          rec.Key,
		"blob_uri":     rec.BlobURI,
		"hash":         rec.Hash,
		"content_type": rec.ContentType,
		"size":         rec.Size,
		"timestamp":    rec.StoredAt.Format(time.RFC3339),
	}
	if _, err := h.publisher.Publish(ctx, h.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	return nil
}
