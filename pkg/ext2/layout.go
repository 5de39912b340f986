package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// On-Disk Layout
// ============================================================================
//
// Everything in this file is bit-exact against the second extended
// filesystem revision 1 format. All multi-byte fields are little-endian.
// The structs below are written to and read from disk with encoding/binary,
// so their field order, field widths and padding are load-bearing.

const (
	// SuperblockMagic identifies an ext2 volume.
	SuperblockMagic uint16 = 0xEF53

	// SuperblockOffset is the fixed byte offset of the superblock from the
	// start of the volume, regardless of block size.
	SuperblockOffset = 1024

	// SuperblockSize is the on-disk size reserved for the superblock.
	SuperblockSize = 1024

	// GroupDescSize is the on-disk size of one block group descriptor.
	GroupDescSize = 32

	// InodeSize is the on-disk size of one inode record (revision 1
	// default; the superblock's inode_size field is authoritative).
	InodeSize = 128

	// RootInode is the conventional inode number of the filesystem root.
	RootInode = 2

	// FirstUsableInode is the first non-reserved inode number. Inodes
	// below it are reserved by the format (bad blocks, root, ACL indexes,
	// boot loader, undelete). Revision 1 volumes record this value in the
	// superblock, which is authoritative.
	FirstUsableInode = 11

	// DirectBlocks is the number of direct block pointers in an inode.
	DirectBlocks = 12

	// inodeBlockSlots is the total number of block pointer slots in an
	// inode: 12 direct + single + double + triple indirect.
	inodeBlockSlots = 15

	// blockPointerSize is the width of one block pointer on disk.
	blockPointerSize = 4

	// MaxNameLen is the longest directory entry name the format encodes
	// (name_len is a single byte, and 255 is the conventional cap).
	MaxNameLen = 255
)

// Inode block pointer slot indices.
const (
	slotSingleIndirect = 12
	slotDoubleIndirect = 13
	slotTripleIndirect = 14
)

// Superblock state values.
const (
	StateClean  uint16 = 1
	StateErrors uint16 = 2
)

// Inode mode: file type in the top four bits.
const (
	ModeTypeMask uint16 = 0xF000
	ModeFIFO     uint16 = 0x1000
	ModeCharDev  uint16 = 0x2000
	ModeDir      uint16 = 0x4000
	ModeBlockDev uint16 = 0x6000
	ModeRegular  uint16 = 0x8000
	ModeSymlink  uint16 = 0xA000
	ModeSocket   uint16 = 0xC000
)

// Inode mode: permission bits (standard Unix rwxrwxrwx plus setuid/setgid/
// sticky).
const (
	ModeSetUID uint16 = 0x0800
	ModeSetGID uint16 = 0x0400
	ModeSticky uint16 = 0x0200
	ModePerm   uint16 = 0x01FF
)

// Directory entry file_type values (revision 1 "filetype" feature).
const (
	FileTypeUnknown  uint8 = 0
	FileTypeRegular  uint8 = 1
	FileTypeDir      uint8 = 2
	FileTypeCharDev  uint8 = 3
	FileTypeBlockDev uint8 = 4
	FileTypeFIFO     uint8 = 5
	FileTypeSocket   uint8 = 6
	FileTypeSymlink  uint8 = 7
)

// InodeNum is a 1-based on-disk inode number. 0 is never a valid inode and
// doubles as the "deleted" marker inside directory entries.
type InodeNum uint32

// ============================================================================
// Superblock
// ============================================================================

// Superblock is the on-disk superblock record, always found at byte offset
// 1024. Field names follow the format's field order; the struct encodes to
// exactly SuperblockSize bytes.
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	ReservedBlocks   uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogFragSize      uint32
	BlocksPerGroup   uint32
	FragsPerGroup    uint32
	InodesPerGroup   uint32
	MountTime        uint32
	WriteTime        uint32
	MountCount       uint16
	MaxMountCount    uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	LastCheck        uint32
	CheckInterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefaultResUID    uint16
	DefaultResGID    uint16
	FirstInode       uint32
	InodeSize        uint16
	BlockGroupNumber uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureRoCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
	LastMounted      [64]byte
	AlgoUsageBitmap  uint32
	PreallocBlocks   uint8
	PreallocDirBlks  uint8
	PaddingAlign     uint16
	Reserved         [816]byte
}

// encodeSuperblock serializes sb into a SuperblockSize-byte buffer.
func encodeSuperblock(sb *Superblock) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(SuperblockSize)
	if err := binary.Write(&buf, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("encoding superblock: %w", err)
	}
	raw := buf.Bytes()
	if len(raw) != SuperblockSize {
		return nil, fmt.Errorf("encoded superblock is %d bytes, want %d", len(raw), SuperblockSize)
	}
	return raw, nil
}

// decodeSuperblock parses a SuperblockSize-byte buffer. It does not
// validate the magic number; that is mount's job (so tools can inspect
// damaged volumes).
func decodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < SuperblockSize {
		return nil, fmt.Errorf("superblock buffer is %d bytes, want %d", len(raw), SuperblockSize)
	}
	sb := new(Superblock)
	if err := binary.Read(bytes.NewReader(raw[:SuperblockSize]), binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("decoding superblock: %w", err)
	}
	return sb, nil
}

// ============================================================================
// Block Group Descriptor
// ============================================================================

// GroupDesc is one entry of the block group descriptor table. It encodes to
// exactly GroupDescSize bytes.
type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Padding         uint16
	Reserved        [12]byte
}

// encodeGroupDescs serializes the whole descriptor table.
func encodeGroupDescs(descs []GroupDesc) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(descs) * GroupDescSize)
	for i := range descs {
		if err := binary.Write(&buf, binary.LittleEndian, &descs[i]); err != nil {
			return nil, fmt.Errorf("encoding group descriptor %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeGroupDescs parses count descriptors from raw.
func decodeGroupDescs(raw []byte, count uint32) ([]GroupDesc, error) {
	if uint32(len(raw)) < count*GroupDescSize {
		return nil, fmt.Errorf(
			"descriptor table buffer is %d bytes, want %d", len(raw), count*GroupDescSize)
	}
	descs := make([]GroupDesc, count)
	reader := bytes.NewReader(raw[:count*GroupDescSize])
	for i := range descs {
		if err := binary.Read(reader, binary.LittleEndian, &descs[i]); err != nil {
			return nil, fmt.Errorf("decoding group descriptor %d: %w", i, err)
		}
	}
	return descs, nil
}

// ============================================================================
// Inode Record
// ============================================================================

// rawInode is the on-disk inode record. It encodes to exactly InodeSize
// bytes. The Block array holds either 15 block pointers or, for fast
// symlinks, the inline target string.
type rawInode struct {
	Mode       uint16
	UID        uint16
	Size       uint32
	ATime      uint32
	CTime      uint32
	MTime      uint32
	DTime      uint32
	GID        uint16
	LinksCount uint16
	BlocksLo   uint32 // in 512-byte units, regardless of block size
	Flags      uint32
	OSD1       uint32
	Block      [inodeBlockSlots]uint32
	Generation uint32
	FileACL    uint32
	DirACL     uint32
	FragAddr   uint32
	OSD2       [12]byte
}

// encodeRawInode serializes an inode record.
func encodeRawInode(raw *rawInode) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(InodeSize)
	if err := binary.Write(&buf, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("encoding inode record: %w", err)
	}
	out := buf.Bytes()
	if len(out) != InodeSize {
		return nil, fmt.Errorf("encoded inode record is %d bytes, want %d", len(out), InodeSize)
	}
	return out, nil
}

// decodeRawInode parses an inode record.
func decodeRawInode(b []byte) (*rawInode, error) {
	if len(b) < InodeSize {
		return nil, fmt.Errorf("inode record buffer is %d bytes, want %d", len(b), InodeSize)
	}
	raw := new(rawInode)
	if err := binary.Read(bytes.NewReader(b[:InodeSize]), binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("decoding inode record: %w", err)
	}
	return raw, nil
}

// ============================================================================
// Directory Entry
// ============================================================================

// direntHeaderSize is the fixed prefix of a directory record before the
// name bytes: inode (4) + rec_len (2) + name_len (1) + file_type (1).
const direntHeaderSize = 8

// Dirent is a decoded variable-length directory record.
//
// RecLen is always a multiple of 4 and is both the iteration step and the
// reusable space when the entry is a tombstone (Inode == 0). The last entry
// in a directory block always has its RecLen extended to the block
// boundary, so the records of one block tile it exactly.
type Dirent struct {
	Inode    InodeNum
	RecLen   uint16
	FileType uint8
	Name     string
}

// direntEncodedLen returns the minimal record length for a name: header
// plus name bytes, rounded up to a multiple of 4.
func direntEncodedLen(nameLen int) uint16 {
	return uint16((direntHeaderSize + nameLen + 3) &^ 3)
}

// encodeDirent writes the record at the start of b. The caller chooses
// RecLen (it may exceed the minimal length, absorbing trailing slack).
func encodeDirent(b []byte, entry *Dirent) error {
	if len(entry.Name) > MaxNameLen {
		return fmt.Errorf("directory entry name is %d bytes, max %d", len(entry.Name), MaxNameLen)
	}
	if int(entry.RecLen) > len(b) {
		return fmt.Errorf("record length %d exceeds remaining block space %d", entry.RecLen, len(b))
	}
	if entry.RecLen < direntEncodedLen(len(entry.Name)) {
		return fmt.Errorf("record length %d cannot hold name of %d bytes", entry.RecLen, len(entry.Name))
	}

	binary.LittleEndian.PutUint32(b[0:4], uint32(entry.Inode))
	binary.LittleEndian.PutUint16(b[4:6], entry.RecLen)
	b[6] = uint8(len(entry.Name))
	b[7] = entry.FileType
	copy(b[direntHeaderSize:], entry.Name)
	return nil
}

// decodeDirent parses the record at the start of b.
func decodeDirent(b []byte) (*Dirent, error) {
	if len(b) < direntHeaderSize {
		return nil, fmt.Errorf("directory record truncated: %d bytes", len(b))
	}

	recLen := binary.LittleEndian.Uint16(b[4:6])
	nameLen := int(b[6])

	if recLen < direntHeaderSize || recLen%4 != 0 {
		return nil, fmt.Errorf("invalid directory record length %d", recLen)
	}
	if int(recLen) > len(b) {
		return nil, fmt.Errorf("directory record length %d exceeds block remainder %d", recLen, len(b))
	}
	if direntHeaderSize+nameLen > int(recLen) {
		return nil, fmt.Errorf("directory record name length %d exceeds record length %d", nameLen, recLen)
	}

	return &Dirent{
		Inode:    InodeNum(binary.LittleEndian.Uint32(b[0:4])),
		RecLen:   recLen,
		FileType: b[7],
		Name:     string(b[direntHeaderSize : direntHeaderSize+nameLen]),
	}, nil
}
