package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/item.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/item.json", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Get("path/item.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "application/json", contentType)
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBlobStore().PutObject(ctx, "x", "", bytes.NewReader(nil))
	require.ErrorIs(t, err, context.Canceled)
}
