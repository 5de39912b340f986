package ext2

import (
	"context"
	"fmt"

	"github.com/marmos91/ext2fs/internal/bufpool"
	"github.com/marmos91/ext2fs/pkg/blockdev"
)

// ============================================================================
// Superblock and BGDT Transfer
// ============================================================================
//
// The superblock is a fixed 1024-byte record at byte offset 1024. The block
// group descriptor table occupies whole blocks starting at the block after
// the superblock: block 1 when the block size exceeds 1024 (the superblock
// shares block 0's tail), block 2 on 1KB-block volumes.

// readSuperblock transfers and decodes the superblock record. Used at mount
// before any geometry is known, so it reads at the fixed byte offset rather
// than through block helpers.
func readSuperblock(ctx context.Context, dev blockdev.Device) (*Superblock, error) {
	if dev.Size() < SuperblockOffset+SuperblockSize {
		return nil, &FilesystemError{
			Code:    ErrInvalidVolume,
			Message: fmt.Sprintf("device of %d bytes cannot hold a superblock", dev.Size()),
		}
	}

	raw := bufpool.Get(SuperblockSize)
	defer bufpool.Put(raw)

	if err := dev.ReadAt(ctx, SuperblockOffset, raw); err != nil {
		return nil, ioError("reading superblock", err)
	}

	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, &FilesystemError{Code: ErrInvalidVolume, Message: "unreadable superblock", Err: err}
	}
	return sb, nil
}

// writeSuperblock encodes and transfers the superblock record.
func writeSuperblock(ctx context.Context, dev blockdev.Device, sb *Superblock) error {
	raw, err := encodeSuperblock(sb)
	if err != nil {
		return err
	}
	if err := dev.WriteAt(ctx, SuperblockOffset, raw); err != nil {
		return ioError("writing superblock", err)
	}
	return nil
}

// flushSuperblock persists the cached superblock. Called under allocMu
// after every counter change.
func (fs *Filesystem) flushSuperblock(ctx context.Context) error {
	return writeSuperblock(ctx, fs.dev, fs.sb)
}

// readBGDT transfers and decodes the whole descriptor table.
func readBGDT(ctx context.Context, dev blockdev.Device, sb *Superblock, geo *Geometry) ([]GroupDesc, error) {
	tableBytes := geo.BGDTBlocks * geo.BlockSize

	raw := bufpool.Get(tableBytes)
	defer bufpool.Put(raw)

	if err := dev.ReadAt(ctx, geo.blockOffset(geo.BGDTStartBlock), raw); err != nil {
		return nil, ioError("reading block group descriptor table", err)
	}

	descs, err := decodeGroupDescs(raw, geo.GroupCount)
	if err != nil {
		return nil, &FilesystemError{Code: ErrInvalidVolume, Message: "unreadable descriptor table", Err: err}
	}
	return descs, nil
}

// flushBGDT persists the whole cached descriptor table.
func (fs *Filesystem) flushBGDT(ctx context.Context) error {
	raw, err := encodeGroupDescs(fs.bgdt)
	if err != nil {
		return err
	}
	if err := fs.dev.WriteAt(ctx, fs.geo.blockOffset(fs.geo.BGDTStartBlock), raw); err != nil {
		return ioError("writing block group descriptor table", err)
	}
	return nil
}

// flushGroupDesc persists one group's descriptor in place. Allocation
// transactions touch a single group, so rewriting the full table every time
// would be wasteful.
func (fs *Filesystem) flushGroupDesc(ctx context.Context, group uint32) error {
	raw, err := encodeGroupDescs(fs.bgdt[group : group+1])
	if err != nil {
		return err
	}

	off := fs.geo.blockOffset(fs.geo.BGDTStartBlock) + uint64(group)*GroupDescSize
	if err := fs.dev.WriteAt(ctx, off, raw); err != nil {
		return ioError(fmt.Sprintf("writing descriptor of group %d", group), err)
	}
	return nil
}

// flushMetadata persists superblock and descriptor table together. Used at
// unmount.
func (fs *Filesystem) flushMetadata(ctx context.Context) error {
	if err := fs.flushSuperblock(ctx); err != nil {
		return err
	}
	return fs.flushBGDT(ctx)
}
