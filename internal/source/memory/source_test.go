package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextBatchesInOrder(t *testing.T) {
	t.Parallel()

	src := FromIDs(2, "A", "B", "C")

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	require.False(t, first.Done)
	require.Len(t, first.Items, 2)
	require.Equal(t, "A", first.Items[0].ID)
	require.Equal(t, 1, src.Remaining())

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	require.True(t, second.Done)
	require.Len(t, second.Items, 1)
	require.Equal(t, "C", second.Items[0].ID)

	third, err := src.Next(context.Background())
	require.NoError(t, err)
	require.True(t, third.Done)
	require.Empty(t, third.Items)
}

func TestEmptySourceIsDoneImmediately(t *testing.T) {
	t.Parallel()

	batch, err := New(0).Next(context.Background())
	require.NoError(t, err)
	require.True(t, batch.Done)
}

func TestNextRespectsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FromIDs(1, "A").Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
