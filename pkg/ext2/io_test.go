package ext2

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// pattern fills a buffer with a position-dependent byte sequence so that
// misplaced block copies show up as mismatches.
func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)*7 + seed
	}
	return buf
}

func newTestFile(t *testing.T, fs *Filesystem) (InodeNum, *Inode) {
	t.Helper()
	ctx := context.Background()

	num, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	inode := newInode(ModeRegular|0o644, rootCreds())
	require.NoError(t, fs.WriteInode(ctx, num, inode))
	return num, inode
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	blockSize := int(fs.geo.BlockSize)
	p := int(fs.geo.PointersPerBlock)

	tests := []struct {
		name string
		size int
	}{
		{"empty write boundary", 1},
		{"sub-block", 100},
		{"exactly one block", blockSize},
		{"one block plus one byte", blockSize + 1},
		{"all direct blocks", 12 * blockSize},
		{"into single indirect", 12*blockSize + 1},
		{"across single indirect", 20 * blockSize},
		{"into double indirect", (12 + p + 2) * blockSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			num, inode := newTestFile(t, fs)

			data := pattern(tt.size, byte(tt.size))
			n, err := fs.WriteData(ctx, num, inode, 0, data)
			require.NoError(t, err)
			require.Equal(t, tt.size, n)
			require.Equal(t, uint32(tt.size), inode.Size)

			got := make([]byte, tt.size)
			n, err = fs.ReadData(ctx, num, inode, 0, got)
			require.NoError(t, err)
			require.Equal(t, tt.size, n)
			require.True(t, bytes.Equal(data, got), "content mismatch")

			// reloading the inode must give the same content
			reloaded, err := fs.ReadInode(ctx, num)
			require.NoError(t, err)
			n, err = fs.ReadData(ctx, num, reloaded, 0, got)
			require.NoError(t, err)
			require.Equal(t, tt.size, n)
			require.True(t, bytes.Equal(data, got), "content mismatch after reload")
		})
	}
}

func TestReadPastEndOfFile(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	num, inode := newTestFile(t, fs)

	_, err := fs.WriteData(ctx, num, inode, 0, []byte("short"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := fs.ReadData(ctx, num, inode, 5, buf)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = fs.ReadData(ctx, num, inode, 1000, buf)
	require.NoError(t, err)
	require.Zero(t, n)

	// a read straddling the end is clamped
	n, err = fs.ReadData(ctx, num, inode, 3, buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("rt"), buf[:n])
}

func TestSparseFileReadsZeroes(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	num, inode := newTestFile(t, fs)

	blockSize := uint64(fs.geo.BlockSize)
	farOffset := 30 * blockSize

	payload := []byte("beyond the hole")
	_, err := fs.WriteData(ctx, num, inode, farOffset, payload)
	require.NoError(t, err)
	require.Equal(t, uint32(farOffset)+uint32(len(payload)), inode.Size)

	// everything before the write is a hole and reads as zeroes
	hole := make([]byte, blockSize)
	n, err := fs.ReadData(ctx, num, inode, 5*blockSize, hole)
	require.NoError(t, err)
	require.Equal(t, int(blockSize), n)
	for i, b := range hole {
		require.Zero(t, b, "hole byte %d", i)
	}

	got := make([]byte, len(payload))
	_, err = fs.ReadData(ctx, num, inode, farOffset, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// sparse: far fewer sectors than a dense file of this size
	require.Less(t, inode.BlocksCount, uint32(10*fs.sectorsPerBlock()))
}

func TestOverwriteKeepsSize(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	num, inode := newTestFile(t, fs)

	data := pattern(3000, 1)
	_, err := fs.WriteData(ctx, num, inode, 0, data)
	require.NoError(t, err)
	sizeBefore := inode.Size
	blocksBefore := inode.BlocksCount

	// overwriting in place must not grow anything
	_, err = fs.WriteData(ctx, num, inode, 500, pattern(1000, 2))
	require.NoError(t, err)
	require.Equal(t, sizeBefore, inode.Size)
	require.Equal(t, blocksBefore, inode.BlocksCount)

	got := make([]byte, 3000)
	_, err = fs.ReadData(ctx, num, inode, 0, got)
	require.NoError(t, err)
	require.Equal(t, pattern(1000, 2), got[500:1500])
	require.Equal(t, data[:500], got[:500])
	require.Equal(t, data[1500:], got[1500:])
}

func TestTruncateShrinkZeroesDroppedContent(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	num, inode := newTestFile(t, fs)

	data := pattern(5000, 3)
	_, err := fs.WriteData(ctx, num, inode, 0, data)
	require.NoError(t, err)
	blocksBefore := inode.BlocksCount

	require.NoError(t, fs.Truncate(ctx, num, inode, 1000))
	require.Equal(t, uint32(1000), inode.Size)
	// blocks stay allocated, the count must not undercount them
	require.Equal(t, blocksBefore, inode.BlocksCount)

	// growing back exposes zeroes, not the old content
	require.NoError(t, fs.Truncate(ctx, num, inode, 5000))
	got := make([]byte, 4000)
	n, err := fs.ReadData(ctx, num, inode, 1000, got)
	require.NoError(t, err)
	require.Equal(t, 4000, n)
	for i, b := range got {
		require.Zero(t, b, "byte %d after shrink and regrow", i)
	}

	// the kept prefix is intact
	head := make([]byte, 1000)
	_, err = fs.ReadData(ctx, num, inode, 0, head)
	require.NoError(t, err)
	require.Equal(t, data[:1000], head)
}

func TestWriteRejectsSizeOverflow(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	num, inode := newTestFile(t, fs)

	_, err := fs.WriteData(ctx, num, inode, 1<<32-1, []byte("xx"))
	require.Equal(t, ErrInvalidArgument, CodeOf(err))
}
