package ext2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeBlockIndex(t *testing.T) {
	fs := newTestFS(t)
	p := uint64(fs.geo.PointersPerBlock) // 256 for 1 KiB blocks

	tests := []struct {
		name    string
		logical uint64
		want    indirection
	}{
		{"first direct", 0, indirection{depth: 0, slot: 0}},
		{"last direct", 11, indirection{depth: 0, slot: 11}},
		{"first single indirect", 12, indirection{depth: 1, slot: slotSingleIndirect, path: [3]uint32{0}}},
		{"mid single indirect", 13, indirection{depth: 1, slot: slotSingleIndirect, path: [3]uint32{1}}},
		{"last single indirect", 12 + p - 1, indirection{depth: 1, slot: slotSingleIndirect, path: [3]uint32{uint32(p - 1)}}},
		{"first double indirect", 12 + p, indirection{depth: 2, slot: slotDoubleIndirect, path: [3]uint32{0, 0}}},
		{"second row of double", 12 + p + p, indirection{depth: 2, slot: slotDoubleIndirect, path: [3]uint32{1, 0}}},
		{"first triple indirect", 12 + p + p*p, indirection{depth: 3, slot: slotTripleIndirect, path: [3]uint32{0, 0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fs.decomposeBlockIndex(tt.logical)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecomposeBlockIndexBeyondMaximum(t *testing.T) {
	fs := newTestFS(t)

	_, err := fs.decomposeBlockIndex(fs.geo.MaxTriple)
	require.Equal(t, ErrInvalidArgument, CodeOf(err))
}

func TestBlockIndexRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	p := uint64(fs.geo.PointersPerBlock)

	num, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	inode := newInode(ModeRegular|0o644, rootCreds())
	require.NoError(t, fs.WriteInode(ctx, num, inode))

	// indices on both sides of every indirection boundary
	logicals := []uint64{0, 11, 12, 13, 12 + p - 1, 12 + p, 12 + p + 1}

	assigned := make(map[uint64]uint32)
	for _, logical := range logicals {
		phys, err := fs.AllocateInodeBlock(ctx, num, inode, logical)
		require.NoError(t, err)
		assigned[logical] = phys
	}

	for _, logical := range logicals {
		phys, err := fs.BlockIndex(ctx, inode, logical)
		require.NoError(t, err)
		assert.Equal(t, assigned[logical], phys, "logical block %d", logical)
	}

	// the in-between blocks were never mapped and stay holes
	for _, hole := range []uint64{1, 5, 14, 12 + p/2} {
		phys, err := fs.BlockIndex(ctx, inode, hole)
		require.NoError(t, err)
		assert.Zero(t, phys, "logical block %d should be a hole", hole)
	}

	// persisted mapping survives an inode reload
	reloaded, err := fs.ReadInode(ctx, num)
	require.NoError(t, err)
	for _, logical := range logicals {
		phys, err := fs.BlockIndex(ctx, reloaded, logical)
		require.NoError(t, err)
		assert.Equal(t, assigned[logical], phys, "logical block %d after reload", logical)
	}
}

func TestBlocksCountTracksIndirectionBlocks(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	num, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	inode := newInode(ModeRegular|0o644, rootCreds())
	require.NoError(t, fs.WriteInode(ctx, num, inode))

	sectors := fs.sectorsPerBlock()

	// one direct block: one data block
	_, err = fs.AllocateInodeBlock(ctx, num, inode, 0)
	require.NoError(t, err)
	require.Equal(t, sectors, inode.BlocksCount)

	// first single-indirect block also allocates the indirection block
	_, err = fs.AllocateInodeBlock(ctx, num, inode, 12)
	require.NoError(t, err)
	require.Equal(t, 3*sectors, inode.BlocksCount)

	// a second single-indirect block reuses the indirection block
	_, err = fs.AllocateInodeBlock(ctx, num, inode, 13)
	require.NoError(t, err)
	require.Equal(t, 4*sectors, inode.BlocksCount)
}

func TestFreeAllBlocksReturnsEverything(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	_, freeBefore, _, _ := fs.Stats()

	num, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	inode := newInode(ModeRegular|0o644, rootCreds())
	require.NoError(t, fs.WriteInode(ctx, num, inode))

	p := uint64(fs.geo.PointersPerBlock)
	for _, logical := range []uint64{0, 5, 11, 12, 12 + p, 12 + p + 1} {
		_, err := fs.AllocateInodeBlock(ctx, num, inode, logical)
		require.NoError(t, err)
	}

	require.NoError(t, fs.freeAllBlocks(ctx, inode))
	require.Zero(t, inode.BlocksCount)
	for i, ptr := range inode.Block {
		require.Zero(t, ptr, "pointer slot %d", i)
	}

	require.NoError(t, fs.FreeInode(ctx, num, false))

	_, freeAfter, _, _ := fs.Stats()
	require.Equal(t, freeBefore, freeAfter)
}
