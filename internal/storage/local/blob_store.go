// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts under a base directory. Writes go to a temp file
// first and are renamed into place so readers never see partial objects.
type BlobStore struct {
	baseDir string
}

// New creates a local filesystem-backed blob store, creating BaseDir when missing.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}
	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PutObject streams r to baseDir/path and returns a file:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", errors.New("path traversal detected")
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return "file://" + fullPath, nil
}
