package ext2

import (
	"context"
	"fmt"

	"github.com/marmos91/ext2fs/internal/bufpool"
)

// Inode is the decoded in-memory view of one on-disk inode record.
//
// Block holds the 12 direct pointers followed by the single, double and
// triple indirect pointers. For fast symlinks the same 60 bytes hold the
// inline target string instead; symlink.go provides the byte view.
//
// BlocksCount is in 512-byte sectors regardless of the volume block size,
// exactly as the format stores it. It must never undercount what the block
// pointers actually reference.
type Inode struct {
	Mode        uint16
	UID         uint32
	GID         uint32
	Size        uint32
	ATime       uint32
	CTime       uint32
	MTime       uint32
	DTime       uint32
	LinksCount  uint16
	BlocksCount uint32
	Flags       uint32
	Block       [inodeBlockSlots]uint32
	Generation  uint32
}

// IsDir reports whether the inode is a directory.
func (inode *Inode) IsDir() bool {
	return inode.Mode&ModeTypeMask == ModeDir
}

// IsRegular reports whether the inode is a regular file.
func (inode *Inode) IsRegular() bool {
	return inode.Mode&ModeTypeMask == ModeRegular
}

// IsSymlink reports whether the inode is a symbolic link.
func (inode *Inode) IsSymlink() bool {
	return inode.Mode&ModeTypeMask == ModeSymlink
}

// DirentFileType maps the inode's mode to the directory entry file_type
// tag.
func (inode *Inode) DirentFileType() uint8 {
	switch inode.Mode & ModeTypeMask {
	case ModeRegular:
		return FileTypeRegular
	case ModeDir:
		return FileTypeDir
	case ModeSymlink:
		return FileTypeSymlink
	case ModeCharDev:
		return FileTypeCharDev
	case ModeBlockDev:
		return FileTypeBlockDev
	case ModeFIFO:
		return FileTypeFIFO
	case ModeSocket:
		return FileTypeSocket
	default:
		return FileTypeUnknown
	}
}

func (inode *Inode) fromRaw(raw *rawInode) {
	inode.Mode = raw.Mode
	inode.UID = uint32(raw.UID)
	inode.GID = uint32(raw.GID)
	inode.Size = raw.Size
	inode.ATime = raw.ATime
	inode.CTime = raw.CTime
	inode.MTime = raw.MTime
	inode.DTime = raw.DTime
	inode.LinksCount = raw.LinksCount
	inode.BlocksCount = raw.BlocksLo
	inode.Flags = raw.Flags
	inode.Block = raw.Block
	inode.Generation = raw.Generation
}

func (inode *Inode) toRaw() *rawInode {
	return &rawInode{
		Mode:       inode.Mode,
		UID:        uint16(inode.UID),
		GID:        uint16(inode.GID),
		Size:       inode.Size,
		ATime:      inode.ATime,
		CTime:      inode.CTime,
		MTime:      inode.MTime,
		DTime:      inode.DTime,
		LinksCount: inode.LinksCount,
		BlocksLo:   inode.BlocksCount,
		Flags:      inode.Flags,
		Block:      inode.Block,
		Generation: inode.Generation,
	}
}

// ============================================================================
// Inode Store
// ============================================================================
//
// An inode number maps to its on-disk record in three steps: the owning
// group is (index-1) / inodes_per_group, the slot within that group is
// (index-1) % inodes_per_group, and the slot picks a block of the group's
// inode table plus an offset inside it. Both read and write are a
// read-modify-write of that one block; records are smaller than blocks and
// never span two.

// inodeLocation resolves an inode number to its table block and in-block
// byte offset.
func (fs *Filesystem) inodeLocation(num InodeNum) (block uint32, offset uint32, err error) {
	if num == 0 {
		return 0, 0, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: "inode number 0 is invalid",
		}
	}
	if uint32(num) > fs.sb.InodesCount {
		return 0, 0, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: fmt.Sprintf("inode %d beyond volume's %d inodes", num, fs.sb.InodesCount),
		}
	}

	index := uint32(num) - 1
	group := index / fs.sb.InodesPerGroup
	if group >= fs.geo.GroupCount {
		// InodesCount said the inode exists but the BGDT has no group for
		// it: the volume is corrupt.
		return 0, 0, &FilesystemError{
			Code:    ErrInvalidVolume,
			Message: fmt.Sprintf("inode %d maps to group %d of %d", num, group, fs.geo.GroupCount),
		}
	}

	slot := index % fs.sb.InodesPerGroup
	byteOffset := slot * fs.geo.InodeSize
	block = fs.bgdt[group].InodeTable + byteOffset/fs.geo.BlockSize
	offset = byteOffset % fs.geo.BlockSize
	return block, offset, nil
}

// ReadInode reads the on-disk record of inode num.
func (fs *Filesystem) ReadInode(ctx context.Context, num InodeNum) (*Inode, error) {
	block, offset, err := fs.inodeLocation(num)
	if err != nil {
		return nil, err
	}

	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	if err := fs.readBlock(ctx, block, buf); err != nil {
		return nil, err
	}

	raw, err := decodeRawInode(buf[offset : offset+fs.geo.InodeSize])
	if err != nil {
		return nil, ioError(fmt.Sprintf("decoding inode %d", num), err)
	}

	inode := new(Inode)
	inode.fromRaw(raw)
	return inode, nil
}

// WriteInode persists the record of inode num with a read-modify-write of
// its inode table block.
func (fs *Filesystem) WriteInode(ctx context.Context, num InodeNum, inode *Inode) error {
	block, offset, err := fs.inodeLocation(num)
	if err != nil {
		return err
	}

	raw, err := encodeRawInode(inode.toRaw())
	if err != nil {
		return ioError(fmt.Sprintf("encoding inode %d", num), err)
	}

	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	if err := fs.readBlock(ctx, block, buf); err != nil {
		return err
	}

	copy(buf[offset:offset+fs.geo.InodeSize], raw)
	return fs.writeBlock(ctx, block, buf)
}
