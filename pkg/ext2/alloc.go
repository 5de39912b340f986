package ext2

import (
	"context"
	"fmt"

	"github.com/marmos91/ext2fs/internal/bufpool"
	"github.com/marmos91/ext2fs/internal/logger"
)

// ============================================================================
// Block and Inode Allocation
// ============================================================================
//
// Every allocation or free is one transaction under the filesystem-wide
// allocation mutex: flip the bitmap bit, write the bitmap block back, update
// the group descriptor counter and the superblock counter, persist both.
// The two counters and the bitmap must always agree; there is no journal,
// so a crash between the bitmap write and the counter write leaves the
// volume inconsistent (accepted limitation of the format).

// blocksInGroup returns how many blocks group actually has; the last group
// covers only the remainder of the volume.
func (fs *Filesystem) blocksInGroup(group uint32) uint32 {
	dataBlocks := fs.sb.BlocksCount - fs.sb.FirstDataBlock
	if group == fs.geo.GroupCount-1 && dataBlocks%fs.sb.BlocksPerGroup != 0 {
		return dataBlocks % fs.sb.BlocksPerGroup
	}
	return fs.sb.BlocksPerGroup
}

// inodesInGroup returns how many inodes group actually has.
func (fs *Filesystem) inodesInGroup(group uint32) uint32 {
	if group == fs.geo.GroupCount-1 && fs.sb.InodesCount%fs.sb.InodesPerGroup != 0 {
		return fs.sb.InodesCount % fs.sb.InodesPerGroup
	}
	return fs.sb.InodesPerGroup
}

// AllocateBlock finds a free block, marks it used, zeroes its content and
// returns its global block number. Groups are scanned in ascending order;
// the first group advertising a free block is used. Fails with ErrNoSpace
// when no group has a free block.
func (fs *Filesystem) AllocateBlock(ctx context.Context) (uint32, error) {
	if err := fs.mutable(); err != nil {
		return 0, err
	}

	fs.allocMu.Lock()
	block, err := fs.allocateBlockLocked(ctx)
	fs.allocMu.Unlock()
	if err != nil {
		return 0, err
	}

	// Content of a fresh block must read as zeroes before anyone chains
	// it into an inode or an indirection block.
	if err := fs.zeroBlock(ctx, block); err != nil {
		return 0, err
	}

	fs.metrics.BlockAllocated()
	return block, nil
}

func (fs *Filesystem) allocateBlockLocked(ctx context.Context) (uint32, error) {
	for group := uint32(0); group < fs.geo.GroupCount; group++ {
		if fs.bgdt[group].FreeBlocksCount == 0 {
			continue
		}

		buf := bufpool.Get(fs.geo.BlockSize)
		if err := fs.readBlock(ctx, fs.bgdt[group].BlockBitmap, buf); err != nil {
			bufpool.Put(buf)
			return 0, err
		}

		bit, ok := bitmap(buf).firstClearFrom(0, fs.blocksInGroup(group))
		if !ok {
			// Counter said free but the bitmap disagrees; resync the
			// counter and keep scanning rather than failing the volume.
			bufpool.Put(buf)
			logger.Warn("group %d free-block counter out of sync with bitmap", group)
			fs.bgdt[group].FreeBlocksCount = 0
			continue
		}

		bitmap(buf).set(bit)
		err := fs.writeBlock(ctx, fs.bgdt[group].BlockBitmap, buf)
		bufpool.Put(buf)
		if err != nil {
			return 0, err
		}

		fs.bgdt[group].FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		if err := fs.flushGroupDesc(ctx, group); err != nil {
			return 0, err
		}
		if err := fs.flushSuperblock(ctx); err != nil {
			return 0, err
		}
		fs.metrics.SetFreeCounts(fs.sb.FreeBlocksCount, fs.sb.FreeInodesCount)

		return fs.sb.FirstDataBlock + group*fs.sb.BlocksPerGroup + bit, nil
	}

	return 0, &FilesystemError{Code: ErrNoSpace, Message: "no free blocks in any group"}
}

// FreeBlock clears the block's bitmap bit and restores the counters. The
// block's content is left as-is.
func (fs *Filesystem) FreeBlock(ctx context.Context, block uint32) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	if block < fs.sb.FirstDataBlock || block >= fs.sb.BlocksCount {
		return &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: fmt.Sprintf("block %d outside volume data area", block),
		}
	}

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	index := block - fs.sb.FirstDataBlock
	group := index / fs.sb.BlocksPerGroup
	bit := index % fs.sb.BlocksPerGroup

	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	if err := fs.readBlock(ctx, fs.bgdt[group].BlockBitmap, buf); err != nil {
		return err
	}

	if !bitmap(buf).test(bit) {
		// Double free: the bitmap already says free. Log and keep the
		// counters untouched so they stay consistent with the bitmap.
		logger.Warn("double free of block %d (group %d bit %d)", block, group, bit)
		return nil
	}

	bitmap(buf).clear(bit)
	if err := fs.writeBlock(ctx, fs.bgdt[group].BlockBitmap, buf); err != nil {
		return err
	}

	fs.bgdt[group].FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	if err := fs.flushGroupDesc(ctx, group); err != nil {
		return err
	}
	if err := fs.flushSuperblock(ctx); err != nil {
		return err
	}

	fs.metrics.BlockFreed()
	fs.metrics.SetFreeCounts(fs.sb.FreeBlocksCount, fs.sb.FreeInodesCount)
	return nil
}

// AllocateInode finds a free inode, marks it used and returns its 1-based
// number. preferredGroup (normally the parent directory's group) is tried
// first for locality, then all groups in ascending order. Scanning group 0
// skips the format's reserved low inode numbers. The on-disk record is NOT
// initialized; the caller writes it next.
func (fs *Filesystem) AllocateInode(ctx context.Context, preferredGroup uint32, isDir bool) (InodeNum, error) {
	if err := fs.mutable(); err != nil {
		return 0, err
	}

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	if preferredGroup < fs.geo.GroupCount && fs.bgdt[preferredGroup].FreeInodesCount > 0 {
		if num, ok, err := fs.tryAllocateInodeInGroup(ctx, preferredGroup, isDir); err != nil {
			return 0, err
		} else if ok {
			return num, nil
		}
	}

	for group := uint32(0); group < fs.geo.GroupCount; group++ {
		if group == preferredGroup || fs.bgdt[group].FreeInodesCount == 0 {
			continue
		}
		if num, ok, err := fs.tryAllocateInodeInGroup(ctx, group, isDir); err != nil {
			return 0, err
		} else if ok {
			return num, nil
		}
	}

	return 0, &FilesystemError{Code: ErrNoSpace, Message: "no free inodes in any group"}
}

// tryAllocateInodeInGroup scans one group's inode bitmap. Must hold
// allocMu.
func (fs *Filesystem) tryAllocateInodeInGroup(ctx context.Context, group uint32, isDir bool) (InodeNum, bool, error) {
	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	if err := fs.readBlock(ctx, fs.bgdt[group].InodeBitmap, buf); err != nil {
		return 0, false, err
	}

	// Reserved inodes live at the bottom of group 0 and are never handed
	// out, even when their bitmap bits were left clear by a foreign mkfs.
	start := uint32(0)
	if group == 0 {
		first := fs.sb.FirstInode
		if first == 0 {
			first = FirstUsableInode
		}
		start = first - 1
	}

	bit, ok := bitmap(buf).firstClearFrom(start, fs.inodesInGroup(group))
	if !ok {
		logger.Warn("group %d free-inode counter out of sync with bitmap", group)
		fs.bgdt[group].FreeInodesCount = 0
		return 0, false, nil
	}

	bitmap(buf).set(bit)
	if err := fs.writeBlock(ctx, fs.bgdt[group].InodeBitmap, buf); err != nil {
		return 0, false, err
	}

	fs.bgdt[group].FreeInodesCount--
	fs.sb.FreeInodesCount--
	if isDir {
		fs.bgdt[group].UsedDirsCount++
	}
	if err := fs.flushGroupDesc(ctx, group); err != nil {
		return 0, false, err
	}
	if err := fs.flushSuperblock(ctx); err != nil {
		return 0, false, err
	}

	fs.metrics.InodeAllocated()
	fs.metrics.SetFreeCounts(fs.sb.FreeBlocksCount, fs.sb.FreeInodesCount)

	return InodeNum(group*fs.sb.InodesPerGroup + bit + 1), true, nil
}

// FreeInode clears the inode's bitmap bit and restores the counters. The
// on-disk record is left as-is (no zeroing), matching the format's
// behavior of recoverable deletions.
func (fs *Filesystem) FreeInode(ctx context.Context, num InodeNum, isDir bool) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	if num == 0 || uint32(num) > fs.sb.InodesCount {
		return &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: fmt.Sprintf("inode number %d out of range", num),
		}
	}

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	index := uint32(num) - 1
	group := index / fs.sb.InodesPerGroup
	bit := index % fs.sb.InodesPerGroup

	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	if err := fs.readBlock(ctx, fs.bgdt[group].InodeBitmap, buf); err != nil {
		return err
	}

	if !bitmap(buf).test(bit) {
		logger.Warn("double free of inode %d (group %d bit %d)", num, group, bit)
		return nil
	}

	bitmap(buf).clear(bit)
	if err := fs.writeBlock(ctx, fs.bgdt[group].InodeBitmap, buf); err != nil {
		return err
	}

	fs.bgdt[group].FreeInodesCount++
	fs.sb.FreeInodesCount++
	if isDir && fs.bgdt[group].UsedDirsCount > 0 {
		fs.bgdt[group].UsedDirsCount--
	}
	if err := fs.flushGroupDesc(ctx, group); err != nil {
		return err
	}
	if err := fs.flushSuperblock(ctx); err != nil {
		return err
	}

	fs.metrics.InodeFreed()
	fs.metrics.SetFreeCounts(fs.sb.FreeBlocksCount, fs.sb.FreeInodesCount)
	return nil
}

// inodeGroup returns the block group owning inode num.
func (fs *Filesystem) inodeGroup(num InodeNum) uint32 {
	return (uint32(num) - 1) / fs.sb.InodesPerGroup
}
