package ext2

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/ext2fs/internal/bufpool"
	"github.com/marmos91/ext2fs/internal/logger"
	"github.com/marmos91/ext2fs/pkg/blockdev"
	"github.com/marmos91/ext2fs/pkg/metrics"
)

// Filesystem is one mounted ext2 volume.
//
// It owns the cached superblock, the block group descriptor table and the
// open-file table; every operation the dispatch layer forwards (open, read,
// write, mkdir, ...) runs against a *Filesystem. Instances are created by
// Mount and destroyed by Unmount; no partially initialized instance is ever
// returned.
//
// Locking Model:
// A single filesystem-wide mutex (allocMu) serializes every allocation/free
// transaction: bitmap bit flips and the matching group + superblock counter
// updates happen atomically with respect to other allocations. Lookups of
// already-committed state read without it. There is no per-inode lock:
// concurrent writers to the same directory's entries or the same file's
// data can race, exactly as the on-disk format's classic implementations
// allow. Callers that need stronger guarantees must serialize externally.
type Filesystem struct {
	// dev is the underlying block device
	dev blockdev.Device

	// sb is the cached superblock, re-written after every allocation or
	// free that changes a counter
	sb *Superblock

	// bgdt is the cached block group descriptor table
	bgdt []GroupDesc

	// geo holds all derived geometry constants
	geo Geometry

	// readOnly rejects every mutating operation with ErrReadOnly
	readOnly bool

	// allocMu serializes allocation/free transactions (bitmaps + counters)
	allocMu sync.Mutex

	// openMu guards the open-file table
	openMu sync.Mutex

	// open maps inode number to its shared open-file handle
	open map[InodeNum]*OpenFile

	// metrics is optional; nil disables collection
	metrics *metrics.FilesystemMetrics
}

// MountOptions configures Mount.
type MountOptions struct {
	// ReadOnly mounts the volume read-only; every mutating operation
	// fails with ErrReadOnly.
	ReadOnly bool

	// Metrics, when non-nil, receives allocator and I/O activity.
	Metrics *metrics.FilesystemMetrics
}

// Mount validates the volume on dev and builds a filesystem instance.
//
// The sequence is all-or-nothing: superblock read, magic check, geometry
// derivation, BGDT read, root inode read and root directory check. Any
// failure returns a nil instance with nothing retained; the device is left
// untouched and still owned by the caller.
func Mount(ctx context.Context, dev blockdev.Device, opts MountOptions) (*Filesystem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sb, err := readSuperblock(ctx, dev)
	if err != nil {
		return nil, err
	}

	if sb.Magic != SuperblockMagic {
		return nil, &FilesystemError{
			Code:    ErrInvalidVolume,
			Message: fmt.Sprintf("bad magic %#04x, want %#04x", sb.Magic, SuperblockMagic),
		}
	}

	geo, err := computeGeometry(sb)
	if err != nil {
		return nil, err
	}

	bgdt, err := readBGDT(ctx, dev, sb, &geo)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		dev:      dev,
		sb:       sb,
		bgdt:     bgdt,
		geo:      geo,
		readOnly: opts.ReadOnly,
		open:     make(map[InodeNum]*OpenFile),
		metrics:  opts.Metrics,
	}

	root, err := fs.ReadInode(ctx, RootInode)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() {
		return nil, &FilesystemError{
			Code:    ErrInvalidVolume,
			Message: "root inode is not a directory",
		}
	}

	fs.metrics.SetFreeCounts(sb.FreeBlocksCount, sb.FreeInodesCount)

	logger.Info("mounted volume: %d blocks of %d bytes, %d groups, %d/%d inodes free",
		sb.BlocksCount, geo.BlockSize, geo.GroupCount,
		sb.FreeInodesCount, sb.InodesCount)

	return fs, nil
}

// Unmount flushes cached metadata, closes every open file and syncs the
// device. The instance must not be used afterwards.
func (fs *Filesystem) Unmount(ctx context.Context) error {
	fs.openMu.Lock()
	for ino := range fs.open {
		delete(fs.open, ino)
	}
	fs.openMu.Unlock()

	if !fs.readOnly {
		fs.allocMu.Lock()
		err := fs.flushMetadata(ctx)
		fs.allocMu.Unlock()
		if err != nil {
			return err
		}
	}

	if err := fs.dev.Sync(ctx); err != nil {
		return ioError("syncing device on unmount", err)
	}

	logger.Info("unmounted volume")
	return nil
}

// Geometry returns a copy of the derived geometry constants.
func (fs *Filesystem) Geometry() Geometry {
	return fs.geo
}

// VolumeName returns the label recorded at format time, if any.
func (fs *Filesystem) VolumeName() string {
	name := fs.sb.VolumeName[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// Stats returns volume-wide totals from the cached superblock.
func (fs *Filesystem) Stats() (totalBlocks, freeBlocks, totalInodes, freeInodes uint32) {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()
	return fs.sb.BlocksCount, fs.sb.FreeBlocksCount, fs.sb.InodesCount, fs.sb.FreeInodesCount
}

// ============================================================================
// Raw Block Access
// ============================================================================

// readBlock fills buf (one block) from global block number block.
func (fs *Filesystem) readBlock(ctx context.Context, block uint32, buf []byte) error {
	if err := fs.dev.ReadAt(ctx, fs.geo.blockOffset(block), buf); err != nil {
		return ioError(fmt.Sprintf("reading block %d", block), err)
	}
	return nil
}

// writeBlock writes buf (one block) at global block number block.
func (fs *Filesystem) writeBlock(ctx context.Context, block uint32, buf []byte) error {
	if err := fs.dev.WriteAt(ctx, fs.geo.blockOffset(block), buf); err != nil {
		return ioError(fmt.Sprintf("writing block %d", block), err)
	}
	return nil
}

// zeroBlock overwrites the block's content with zeroes. Freshly allocated
// blocks are zeroed so directory initialization and file holes behave.
func (fs *Filesystem) zeroBlock(ctx context.Context, block uint32) error {
	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)
	return fs.writeBlock(ctx, block, buf)
}

// mutable rejects mutations on read-only mounts.
func (fs *Filesystem) mutable() error {
	if fs.readOnly {
		return &FilesystemError{Code: ErrReadOnly, Message: "volume is mounted read-only"}
	}
	return nil
}

// ============================================================================
// Principals and Permission Checks
// ============================================================================

// Credentials identifies the calling principal. The scheduler/process
// subsystem supplies this; the driver only consumes it for permission
// checks.
type Credentials struct {
	UID uint32
	GID uint32
}

// Permission bits requested against an inode.
type Permission uint8

const (
	PermRead    Permission = 4
	PermWrite   Permission = 2
	PermExecute Permission = 1
)

// checkAccess implements the classic Unix owner/group/other mode check.
//
// Root (UID 0) bypasses everything. For directories PermExecute is the
// traverse right.
func checkAccess(inode *Inode, creds Credentials, want Permission) bool {
	if creds.UID == 0 {
		return true
	}

	perm := inode.Mode & ModePerm
	var granted Permission
	switch {
	case creds.UID == inode.UID:
		granted = Permission(perm >> 6 & 7)
	case creds.GID == inode.GID:
		granted = Permission(perm >> 3 & 7)
	default:
		granted = Permission(perm & 7)
	}

	return granted&want == want
}
