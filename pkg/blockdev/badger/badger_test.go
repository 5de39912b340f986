package badger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newInMemoryDevice(t *testing.T, size, chunkSize uint64) *BadgerDevice {
	t.Helper()

	dev, err := New(context.Background(), Options{
		InMemory:  true,
		Size:      size,
		ChunkSize: chunkSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestReadWriteWithinChunk(t *testing.T) {
	ctx := context.Background()
	dev := newInMemoryDevice(t, 1<<20, 4096)

	payload := []byte("fits in one chunk")
	require.NoError(t, dev.WriteAt(ctx, 100, payload))

	got := make([]byte, len(payload))
	require.NoError(t, dev.ReadAt(ctx, 100, got))
	require.Equal(t, payload, got)
}

func TestReadWriteAcrossChunks(t *testing.T) {
	ctx := context.Background()
	dev := newInMemoryDevice(t, 1<<20, 4096)

	// straddle three chunk boundaries
	payload := make([]byte, 3*4096+100)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	off := uint64(4096 - 50)
	require.NoError(t, dev.WriteAt(ctx, off, payload))

	got := make([]byte, len(payload))
	require.NoError(t, dev.ReadAt(ctx, off, got))
	require.True(t, bytes.Equal(payload, got))
}

func TestUnwrittenChunksReadZero(t *testing.T) {
	ctx := context.Background()
	dev := newInMemoryDevice(t, 1<<20, 4096)

	// a write far into the device must not materialize the gap
	require.NoError(t, dev.WriteAt(ctx, 900_000, []byte("far")))

	got := make([]byte, 8192)
	require.NoError(t, dev.ReadAt(ctx, 0, got))
	for i, b := range got {
		require.Zero(t, b, "byte %d", i)
	}
}

func TestPartialChunkOverwrite(t *testing.T) {
	ctx := context.Background()
	dev := newInMemoryDevice(t, 1<<20, 4096)

	base := bytes.Repeat([]byte{0xAA}, 4096)
	require.NoError(t, dev.WriteAt(ctx, 0, base))
	require.NoError(t, dev.WriteAt(ctx, 1000, []byte{0xBB, 0xBB}))

	got := make([]byte, 4096)
	require.NoError(t, dev.ReadAt(ctx, 0, got))
	require.Equal(t, byte(0xAA), got[999])
	require.Equal(t, byte(0xBB), got[1000])
	require.Equal(t, byte(0xBB), got[1001])
	require.Equal(t, byte(0xAA), got[1002])
}

func TestBoundsChecks(t *testing.T) {
	ctx := context.Background()
	dev := newInMemoryDevice(t, 8192, 4096)

	buf := make([]byte, 16)
	require.Error(t, dev.ReadAt(ctx, 8190, buf))
	require.Error(t, dev.WriteAt(ctx, 8190, buf))
}

func TestSizeRequiredForFreshVolume(t *testing.T) {
	_, err := New(context.Background(), Options{InMemory: true})
	require.Error(t, err)
}
