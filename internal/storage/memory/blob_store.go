// Package memory keeps blobs and item records in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores artifacts in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string]blob
}

type blob struct {
	contentType string
	body        []byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string]blob)}
}

// PutObject persists the content and returns a URI. Writing an existing path
// replaces it.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	s.data[path] = blob{contentType: contentType, body: body}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns a copy of the stored body and its content type.
func (s *BlobStore) Get(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.body...), b.contentType, true
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
