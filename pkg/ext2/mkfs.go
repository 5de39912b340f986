package ext2

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/marmos91/ext2fs/internal/logger"
	"github.com/marmos91/ext2fs/pkg/blockdev"
)

// ============================================================================
// Volume Formatting
// ============================================================================

// FormatOptions configures Format. The zero value formats with 1 KiB
// blocks, a derived inode count and a random volume UUID.
type FormatOptions struct {
	// BlockSize in bytes: 1024, 2048 or 4096. Defaults to 1024.
	BlockSize uint32

	// InodesPerGroup overrides the derived one-inode-per-four-blocks
	// density. Rounded up to fill whole inode table blocks.
	InodesPerGroup uint32

	// ReservedPercent of blocks kept for the superuser. Defaults to 5.
	ReservedPercent uint32

	// VolumeName is the label stored in the superblock, at most 16 bytes.
	VolumeName string

	// UUID identifies the volume; all-zero means generate a random one.
	UUID [16]byte
}

// formatLayout is the per-group geometry the formatter derives up front.
type formatLayout struct {
	blockSize      uint32
	firstDataBlock uint32
	blocksCount    uint32
	blocksPerGroup uint32
	inodesPerGroup uint32
	groupCount     uint32
	bgdtBlocks     uint32
	tableBlocks    uint32 // inode table blocks per group
}

// metaStart returns the first metadata block of a group. Group 0 starts
// after the superblock block and the descriptor table; the primary copies
// are the only ones written.
func (l *formatLayout) metaStart(group uint32) uint32 {
	if group == 0 {
		return l.firstDataBlock + 1 + l.bgdtBlocks
	}
	return l.firstDataBlock + group*l.blocksPerGroup
}

func (l *formatLayout) blocksInGroup(group uint32) uint32 {
	start := l.firstDataBlock + group*l.blocksPerGroup
	if remain := l.blocksCount - start; remain < l.blocksPerGroup {
		return remain
	}
	return l.blocksPerGroup
}

// Format writes a fresh volume onto dev: superblock, group descriptor
// table, per-group bitmaps and inode tables, the root directory and a
// lost+found directory. Everything previously on the device is lost.
func Format(ctx context.Context, dev blockdev.Device, opts FormatOptions) error {
	l, err := deriveFormatLayout(dev, &opts)
	if err != nil {
		return err
	}

	logger.Info("formatting volume: %d blocks of %d bytes, %d groups, %d inodes per group",
		l.blocksCount, l.blockSize, l.groupCount, l.inodesPerGroup)

	sb := buildSuperblock(l, &opts)
	descs := make([]GroupDesc, l.groupCount)

	for group := uint32(0); group < l.groupCount; group++ {
		if err := formatGroup(ctx, dev, l, sb, &descs[group], group); err != nil {
			return err
		}
	}

	if err := writeRootDirectory(ctx, dev, l, sb, descs); err != nil {
		return err
	}

	raw, err := encodeGroupDescs(descs)
	if err != nil {
		return err
	}
	bgdtOff := uint64(l.firstDataBlock+1) * uint64(l.blockSize)
	if err := dev.WriteAt(ctx, bgdtOff, raw); err != nil {
		return ioError("writing group descriptor table", err)
	}
	if err := writeSuperblock(ctx, dev, sb); err != nil {
		return err
	}
	if err := dev.Sync(ctx); err != nil {
		return ioError("syncing formatted volume", err)
	}

	// lost+found goes through the regular driver paths
	fs, err := Mount(ctx, dev, MountOptions{})
	if err != nil {
		return fmt.Errorf("remounting freshly formatted volume: %w", err)
	}
	if err := fs.Mkdir(ctx, Credentials{}, "/lost+found", 0o700); err != nil {
		return fmt.Errorf("creating lost+found: %w", err)
	}
	return fs.Unmount(ctx)
}

func deriveFormatLayout(dev blockdev.Device, opts *FormatOptions) (*formatLayout, error) {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = 1024
	}
	switch blockSize {
	case 1024, 2048, 4096:
	default:
		return nil, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: fmt.Sprintf("unsupported block size %d", blockSize),
		}
	}

	blocksCount := uint32(dev.Size() / uint64(blockSize))
	firstDataBlock := uint32(0)
	if blockSize == 1024 {
		firstDataBlock = 1
	}

	// enough room for the fixed metadata plus a handful of data blocks
	if blocksCount < firstDataBlock+16 {
		return nil, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: fmt.Sprintf("device too small: %d blocks of %d bytes", blocksCount, blockSize),
		}
	}

	l := &formatLayout{
		blockSize:      blockSize,
		firstDataBlock: firstDataBlock,
		blocksCount:    blocksCount,
		blocksPerGroup: blockSize * 8, // one block bitmap covers the group
	}
	l.groupCount = ceilDiv(blocksCount-firstDataBlock, l.blocksPerGroup)
	l.bgdtBlocks = ceilDiv(l.groupCount*GroupDescSize, blockSize)

	inodesPerBlock := blockSize / InodeSize
	l.inodesPerGroup = opts.InodesPerGroup
	if l.inodesPerGroup == 0 {
		l.inodesPerGroup = l.blocksPerGroup / 4
	}
	l.inodesPerGroup = ceilDiv(l.inodesPerGroup, inodesPerBlock) * inodesPerBlock
	if l.inodesPerGroup > blockSize*8 {
		l.inodesPerGroup = blockSize * 8
	}
	l.tableBlocks = l.inodesPerGroup / inodesPerBlock

	// a group must be able to hold its own metadata
	minGroup := 2 + l.tableBlocks + 1
	if l.blocksInGroup(l.groupCount-1) < l.metaStart(l.groupCount-1)-
		(l.firstDataBlock+(l.groupCount-1)*l.blocksPerGroup)+minGroup {
		// fold a runt tail group into its predecessor
		if l.groupCount == 1 {
			return nil, &FilesystemError{
				Code:    ErrInvalidArgument,
				Message: "device too small for one block group",
			}
		}
		l.groupCount--
		l.blocksCount = l.firstDataBlock + l.groupCount*l.blocksPerGroup
		l.bgdtBlocks = ceilDiv(l.groupCount*GroupDescSize, blockSize)
	}

	return l, nil
}

func buildSuperblock(l *formatLayout, opts *FormatOptions) *Superblock {
	reservedPercent := opts.ReservedPercent
	if reservedPercent == 0 {
		reservedPercent = 5
	}

	sb := &Superblock{
		InodesCount:    l.inodesPerGroup * l.groupCount,
		BlocksCount:    l.blocksCount,
		ReservedBlocks: l.blocksCount * reservedPercent / 100,
		FirstDataBlock: l.firstDataBlock,
		LogBlockSize:   log2(l.blockSize / 1024),
		LogFragSize:    log2(l.blockSize / 1024),
		BlocksPerGroup: l.blocksPerGroup,
		FragsPerGroup:  l.blocksPerGroup,
		InodesPerGroup: l.inodesPerGroup,
		WriteTime:      nowTimestamp(),
		MaxMountCount:  0xFFFF,
		Magic:          SuperblockMagic,
		State:          StateClean,
		Errors:         1, // continue on errors
		LastCheck:      nowTimestamp(),
		RevLevel:       1,
		FirstInode:     FirstUsableInode,
		InodeSize:      InodeSize,
	}

	if opts.UUID == ([16]byte{}) {
		sb.UUID = [16]byte(uuid.New())
	} else {
		sb.UUID = opts.UUID
	}
	copy(sb.VolumeName[:], opts.VolumeName)

	return sb
}

func log2(v uint32) uint32 {
	var n uint32
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// formatGroup writes one group's block bitmap, inode bitmap and zeroed
// inode table, fills in its descriptor and accumulates the superblock free
// counters.
func formatGroup(ctx context.Context, dev blockdev.Device, l *formatLayout, sb *Superblock, desc *GroupDesc, group uint32) error {
	groupStart := l.firstDataBlock + group*l.blocksPerGroup
	metaStart := l.metaStart(group)
	blocks := l.blocksInGroup(group)

	desc.BlockBitmap = metaStart
	desc.InodeBitmap = metaStart + 1
	desc.InodeTable = metaStart + 2
	dataStart := desc.InodeTable + l.tableBlocks

	// block bitmap: metadata blocks used, tail bits past the group set
	bbm := bitmap(make([]byte, l.blockSize))
	for b := groupStart; b < dataStart; b++ {
		bbm.set(b - groupStart)
	}
	for bit := blocks; bit < l.blocksPerGroup; bit++ {
		bbm.set(bit)
	}
	desc.FreeBlocksCount = uint16(blocks - (dataStart - groupStart))
	sb.FreeBlocksCount += uint32(desc.FreeBlocksCount)

	// inode bitmap: group 0 carries the reserved inodes 1..10
	ibm := bitmap(make([]byte, l.blockSize))
	free := l.inodesPerGroup
	if group == 0 {
		for bit := uint32(0); bit < FirstUsableInode-1; bit++ {
			ibm.set(bit)
		}
		free -= FirstUsableInode - 1
	}
	desc.FreeInodesCount = uint16(free)
	sb.FreeInodesCount += uint32(desc.FreeInodesCount)

	if err := dev.WriteAt(ctx, uint64(desc.BlockBitmap)*uint64(l.blockSize), bbm); err != nil {
		return ioError("writing block bitmap", err)
	}
	if err := dev.WriteAt(ctx, uint64(desc.InodeBitmap)*uint64(l.blockSize), ibm); err != nil {
		return ioError("writing inode bitmap", err)
	}

	zero := make([]byte, l.blockSize)
	for b := uint32(0); b < l.tableBlocks; b++ {
		off := uint64(desc.InodeTable+b) * uint64(l.blockSize)
		if err := dev.WriteAt(ctx, off, zero); err != nil {
			return ioError("zeroing inode table", err)
		}
	}

	return nil
}

// writeRootDirectory claims inode 2 and one data block in group 0 and
// writes the "." and ".." entries.
func writeRootDirectory(ctx context.Context, dev blockdev.Device, l *formatLayout, sb *Superblock, descs []GroupDesc) error {
	desc := &descs[0]
	groupStart := sb.FirstDataBlock

	// first data block of group 0
	block := desc.InodeTable + l.tableBlocks

	bbm := bitmap(make([]byte, l.blockSize))
	if err := dev.ReadAt(ctx, uint64(desc.BlockBitmap)*uint64(l.blockSize), bbm); err != nil {
		return ioError("reading block bitmap", err)
	}
	bbm.set(block - groupStart)
	if err := dev.WriteAt(ctx, uint64(desc.BlockBitmap)*uint64(l.blockSize), bbm); err != nil {
		return ioError("writing block bitmap", err)
	}
	desc.FreeBlocksCount--
	sb.FreeBlocksCount--
	desc.UsedDirsCount = 1

	buf := make([]byte, l.blockSize)
	dot := &Dirent{Inode: RootInode, RecLen: direntEncodedLen(1), FileType: FileTypeDir, Name: "."}
	if err := encodeDirent(buf, dot); err != nil {
		return err
	}
	dotdot := &Dirent{
		Inode:    RootInode,
		RecLen:   uint16(l.blockSize) - dot.RecLen,
		FileType: FileTypeDir,
		Name:     "..",
	}
	if err := encodeDirent(buf[dot.RecLen:], dotdot); err != nil {
		return err
	}
	if err := dev.WriteAt(ctx, uint64(block)*uint64(l.blockSize), buf); err != nil {
		return ioError("writing root directory block", err)
	}

	now := nowTimestamp()
	root := &Inode{
		Mode:        ModeDir | 0o755,
		Size:        l.blockSize,
		ATime:       now,
		CTime:       now,
		MTime:       now,
		LinksCount:  2, // "." plus the conventional self-parent ".."
		BlocksCount: l.blockSize / 512,
	}
	root.Block[0] = block

	raw, err := encodeRawInode(root.toRaw())
	if err != nil {
		return err
	}
	// inode 2 is the second record of the table
	off := uint64(desc.InodeTable)*uint64(l.blockSize) + uint64(RootInode-1)*InodeSize
	if err := dev.WriteAt(ctx, off, raw); err != nil {
		return ioError("writing root inode", err)
	}

	return nil
}
