package ext2

import "fmt"

// Geometry holds every constant derived from the superblock. These are
// computed once at mount and never change while the volume is mounted.
type Geometry struct {
	// BlockSize is 1024 << log_block_size bytes.
	BlockSize uint32

	// PointersPerBlock is BlockSize / 4: how many block pointers one
	// indirection block holds.
	PointersPerBlock uint32

	// InodesPerBlock is BlockSize / InodeSize.
	InodesPerBlock uint32

	// InodeSize is the on-disk inode record size.
	InodeSize uint32

	// GroupCount is the number of block groups on the volume.
	GroupCount uint32

	// BGDTStartBlock is the first block of the descriptor table: block 1
	// when the block size exceeds 1024, block 2 otherwise (the superblock
	// occupies block 1 on 1KB-block volumes).
	BGDTStartBlock uint32

	// BGDTBlocks is the descriptor table length in blocks.
	BGDTBlocks uint32

	// Indirection thresholds: a file-relative logical block index b maps
	// through the direct slots while b < DirectBlocks, through the single
	// indirect block while b < MaxSingle, and so on. MaxTriple is the
	// format's hard file-size ceiling in blocks.
	MaxSingle uint64
	MaxDouble uint64
	MaxTriple uint64
}

// ceilDiv is ceil(a / b) for positive integers.
func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// computeGeometry derives and validates all cached constants from a decoded
// superblock. A geometry that fails validation rejects the mount with
// ErrInvalidVolume before any other state is built.
func computeGeometry(sb *Superblock) (Geometry, error) {
	invalid := func(format string, v ...any) (Geometry, error) {
		return Geometry{}, &FilesystemError{
			Code:    ErrInvalidVolume,
			Message: fmt.Sprintf(format, v...),
		}
	}

	if sb.LogBlockSize > 6 {
		return invalid("implausible log_block_size %d", sb.LogBlockSize)
	}
	blockSize := uint32(1024) << sb.LogBlockSize

	inodeSize := uint32(sb.InodeSize)
	if sb.RevLevel == 0 {
		inodeSize = InodeSize
	}
	if inodeSize == 0 || inodeSize > blockSize || blockSize%inodeSize != 0 {
		return invalid("invalid inode record size %d for block size %d", inodeSize, blockSize)
	}

	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return invalid("zero blocks_per_group or inodes_per_group")
	}
	if sb.BlocksCount <= sb.FirstDataBlock {
		return invalid("blocks_count %d does not cover first data block %d",
			sb.BlocksCount, sb.FirstDataBlock)
	}

	wantFirstData := uint32(0)
	if blockSize == 1024 {
		wantFirstData = 1
	}
	if sb.FirstDataBlock != wantFirstData {
		return invalid("first_data_block is %d, want %d for block size %d",
			sb.FirstDataBlock, wantFirstData, blockSize)
	}

	groupCount := ceilDiv(sb.BlocksCount-sb.FirstDataBlock, sb.BlocksPerGroup)
	inodeGroupCount := ceilDiv(sb.InodesCount, sb.InodesPerGroup)
	if groupCount != inodeGroupCount {
		return invalid("block group count %d disagrees with inode group count %d",
			groupCount, inodeGroupCount)
	}

	pointersPerBlock := blockSize / blockPointerSize
	p := uint64(pointersPerBlock)
	maxSingle := uint64(DirectBlocks) + p
	maxDouble := maxSingle + p*p
	maxTriple := maxDouble + p*p*p

	return Geometry{
		BlockSize:        blockSize,
		PointersPerBlock: pointersPerBlock,
		InodesPerBlock:   blockSize / inodeSize,
		InodeSize:        inodeSize,
		GroupCount:       groupCount,
		BGDTStartBlock:   sb.FirstDataBlock + 1,
		BGDTBlocks:       ceilDiv(groupCount*GroupDescSize, blockSize),
		MaxSingle:        maxSingle,
		MaxDouble:        maxDouble,
		MaxTriple:        maxTriple,
	}, nil
}

// blockOffset converts a global block number into a byte offset on the
// device.
func (geo *Geometry) blockOffset(block uint32) uint64 {
	return uint64(block) * uint64(geo.BlockSize)
}
