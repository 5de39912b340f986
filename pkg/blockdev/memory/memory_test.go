package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dev := New(4096)
	defer dev.Close()

	require.Equal(t, uint64(4096), dev.Size())

	payload := []byte("block device payload")
	require.NoError(t, dev.WriteAt(ctx, 100, payload))

	got := make([]byte, len(payload))
	require.NoError(t, dev.ReadAt(ctx, 100, got))
	require.Equal(t, payload, got)

	// untouched bytes stay zero
	zero := make([]byte, 10)
	require.NoError(t, dev.ReadAt(ctx, 0, zero))
	for _, b := range zero {
		require.Zero(t, b)
	}
}

func TestBoundsChecks(t *testing.T) {
	ctx := context.Background()
	dev := New(128)

	buf := make([]byte, 64)
	require.NoError(t, dev.ReadAt(ctx, 64, buf))
	require.Error(t, dev.ReadAt(ctx, 65, buf))
	require.Error(t, dev.WriteAt(ctx, 65, buf))
	require.Error(t, dev.ReadAt(ctx, 1000, buf))
}

func TestFromBytes(t *testing.T) {
	ctx := context.Background()
	image := []byte{1, 2, 3, 4}
	dev := FromBytes(image)

	require.Equal(t, uint64(4), dev.Size())
	got := make([]byte, 4)
	require.NoError(t, dev.ReadAt(ctx, 0, got))
	require.Equal(t, image, got)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := New(128)
	buf := make([]byte, 8)
	require.Error(t, dev.ReadAt(ctx, 0, buf))
	require.Error(t, dev.WriteAt(ctx, 0, buf))
}
