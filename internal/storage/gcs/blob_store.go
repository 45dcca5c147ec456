// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, e.g. "ingest/".
	Prefix string
	// Overwrite replaces existing objects. By default writes are conditional on
	// the object not existing, since item paths are content addressed.
	Overwrite bool
}

// BlobStore writes item payloads to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	prefix    string
	overwrite bool
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    strings.TrimPrefix(cfg.Prefix, "/"),
		overwrite: cfg.Overwrite,
	}, nil
}

// PutObject uploads r and returns a gs:// URI. An object that already exists
// is left untouched and its URI returned. Cancelling ctx aborts the upload.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	name := s.prefix + strings.TrimPrefix(path, "/")
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, name)

	obj := s.client.Bucket(s.bucket).Object(name)
	if !s.overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		return "", errors.Join(fmt.Errorf("copy object %s: %w", name, err), closeErr)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return uri, nil
		}
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return uri, nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
