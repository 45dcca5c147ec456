// Package storage defines the blob storage abstraction used by the archive
// handler. Implementations live in the memory, local, and gcs subpackages.
package storage

import (
	"context"
	"io"
)

// BlobStore persists one object and returns a URI locating it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpBlobStore discards content. It is useful for dry runs where items are
// fetched and recorded but bodies are not kept.
type NoOpBlobStore struct{}

// PutObject drains r and returns a noop:// URI.
func (NoOpBlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err //nolint:wrapcheck
	}
	return "noop://" + path, nil
}
