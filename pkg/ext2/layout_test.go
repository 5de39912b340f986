package ext2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperblockCodecFieldOffsets(t *testing.T) {
	sb := &Superblock{
		InodesCount:    4096,
		BlocksCount:    16384,
		FirstDataBlock: 1,
		BlocksPerGroup: 8192,
		InodesPerGroup: 2048,
		Magic:          SuperblockMagic,
		State:          StateClean,
		RevLevel:       1,
		FirstInode:     FirstUsableInode,
		InodeSize:      InodeSize,
	}

	raw, err := encodeSuperblock(sb)
	require.NoError(t, err)
	require.Len(t, raw, SuperblockSize)

	// spot-check the load-bearing offsets of the on-disk format
	assert.Equal(t, byte(0x53), raw[56], "magic low byte")
	assert.Equal(t, byte(0xEF), raw[57], "magic high byte")
	assert.Equal(t, byte(1), raw[20], "first_data_block")
	assert.Equal(t, byte(128), raw[88], "inode_size low byte")

	decoded, err := decodeSuperblock(raw)
	require.NoError(t, err)
	assert.Equal(t, sb, decoded)
}

func TestGroupDescCodecRoundTrip(t *testing.T) {
	descs := []GroupDesc{
		{BlockBitmap: 3, InodeBitmap: 4, InodeTable: 5, FreeBlocksCount: 7932, FreeInodesCount: 2038, UsedDirsCount: 2},
		{BlockBitmap: 8193, InodeBitmap: 8194, InodeTable: 8195, FreeBlocksCount: 7933, FreeInodesCount: 2048},
	}

	raw, err := encodeGroupDescs(descs)
	require.NoError(t, err)
	require.Len(t, raw, len(descs)*GroupDescSize)

	decoded, err := decodeGroupDescs(raw, uint32(len(descs)))
	require.NoError(t, err)
	assert.Equal(t, descs, decoded)
}

func TestDirentEncodedLen(t *testing.T) {
	tests := []struct {
		nameLen int
		want    uint16
	}{
		{1, 12},
		{2, 12},
		{4, 12},
		{5, 16},
		{8, 16},
		{255, 264},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, direntEncodedLen(tt.nameLen), "name length %d", tt.nameLen)
	}
}

func TestDirentCodec(t *testing.T) {
	buf := make([]byte, 64)
	entry := &Dirent{Inode: 42, RecLen: 24, FileType: FileTypeRegular, Name: "hello.txt"}

	require.NoError(t, encodeDirent(buf, entry))

	decoded, err := decodeDirent(buf)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}

func TestDirentCodecRejectsCorruptRecords(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "zero rec_len",
			raw:  []byte{1, 0, 0, 0, 0, 0, 1, 1, 'a', 0, 0, 0},
		},
		{
			name: "rec_len not multiple of four",
			raw:  []byte{1, 0, 0, 0, 13, 0, 1, 1, 'a', 0, 0, 0, 0},
		},
		{
			name: "name longer than rec_len",
			raw:  []byte{1, 0, 0, 0, 12, 0, 9, 1, 'a', 'b', 'c', 'd'},
		},
		{
			name: "truncated header",
			raw:  []byte{1, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeDirent(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestInodeRawRoundTrip(t *testing.T) {
	inode := &Inode{
		Mode:        ModeRegular | 0o644,
		UID:         501,
		GID:         20,
		Size:        123456,
		ATime:       1700000000,
		CTime:       1700000001,
		MTime:       1700000002,
		LinksCount:  2,
		BlocksCount: 242,
		Generation:  7,
	}
	for i := range inode.Block {
		inode.Block[i] = uint32(100 + i)
	}

	raw, err := encodeRawInode(inode.toRaw())
	require.NoError(t, err)
	require.Len(t, raw, InodeSize)

	parsed, err := decodeRawInode(raw)
	require.NoError(t, err)

	var back Inode
	back.fromRaw(parsed)
	assert.Equal(t, *inode, back)
}
