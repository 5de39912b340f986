package ext2

import (
	"context"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// Block Indirection Resolver
// ============================================================================
//
// A file-relative logical block index maps to a physical block number
// through a fixed partition of the inode's 15 pointer slots: 12 direct
// pointers, then one single, one double and one triple indirect pointer,
// each indirection block holding block_size/4 pointers.
//
// Rather than hand-unrolling the three indirect cases, the walk is driven
// by a decomposition: which inode slot to start from and the per-level
// pointer indices to follow. Read-only lookups stop at an unset pointer
// (a hole reads as block 0); the writing walk allocates missing
// indirection blocks on the way down.

// indirection is the decomposed form of a logical block index.
type indirection struct {
	// depth is 0 for direct pointers, 1..3 for the indirect levels
	depth int

	// slot indexes inode.Block: the logical index itself for direct
	// blocks, or the single/double/triple indirect slot
	slot int

	// path holds the pointer index at each indirection level, outermost
	// first; only path[:depth] is meaningful
	path [3]uint32
}

// decomposeBlockIndex splits logical into an indirection descriptor.
// Fails when logical is beyond the triple-indirect range (file too large
// for the format).
func (fs *Filesystem) decomposeBlockIndex(logical uint64) (indirection, error) {
	p := uint64(fs.geo.PointersPerBlock)

	switch {
	case logical < DirectBlocks:
		return indirection{depth: 0, slot: int(logical)}, nil

	case logical < fs.geo.MaxSingle:
		base := logical - DirectBlocks
		return indirection{
			depth: 1,
			slot:  slotSingleIndirect,
			path:  [3]uint32{uint32(base)},
		}, nil

	case logical < fs.geo.MaxDouble:
		base := logical - fs.geo.MaxSingle
		return indirection{
			depth: 2,
			slot:  slotDoubleIndirect,
			path:  [3]uint32{uint32(base / p), uint32(base % p)},
		}, nil

	case logical < fs.geo.MaxTriple:
		base := logical - fs.geo.MaxDouble
		return indirection{
			depth: 3,
			slot:  slotTripleIndirect,
			path: [3]uint32{
				uint32(base / (p * p)),
				uint32(base / p % p),
				uint32(base % p),
			},
		}, nil

	default:
		return indirection{}, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: fmt.Sprintf("logical block %d beyond format maximum %d", logical, fs.geo.MaxTriple),
		}
	}
}

// readBlockPointer reads pointer slot index of indirection block block.
func (fs *Filesystem) readBlockPointer(ctx context.Context, block, index uint32) (uint32, error) {
	var raw [blockPointerSize]byte
	off := fs.geo.blockOffset(block) + uint64(index)*blockPointerSize
	if err := fs.dev.ReadAt(ctx, off, raw[:]); err != nil {
		return 0, ioError(fmt.Sprintf("reading pointer %d of indirection block %d", index, block), err)
	}
	return binary.LittleEndian.Uint32(raw[:]), nil
}

// writeBlockPointer persists pointer slot index of indirection block block.
func (fs *Filesystem) writeBlockPointer(ctx context.Context, block, index, value uint32) error {
	var raw [blockPointerSize]byte
	binary.LittleEndian.PutUint32(raw[:], value)
	off := fs.geo.blockOffset(block) + uint64(index)*blockPointerSize
	if err := fs.dev.WriteAt(ctx, off, raw[:]); err != nil {
		return ioError(fmt.Sprintf("writing pointer %d of indirection block %d", index, block), err)
	}
	return nil
}

// BlockIndex translates a logical block index into the physical block
// number, read-only. Returns 0 when the logical block is a hole (any
// pointer on the path is unset).
func (fs *Filesystem) BlockIndex(ctx context.Context, inode *Inode, logical uint64) (uint32, error) {
	ind, err := fs.decomposeBlockIndex(logical)
	if err != nil {
		return 0, err
	}

	ptr := inode.Block[ind.slot]
	for level := 0; level < ind.depth; level++ {
		if ptr == 0 {
			return 0, nil
		}
		ptr, err = fs.readBlockPointer(ctx, ptr, ind.path[level])
		if err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// sectorsPerBlock converts whole blocks into the inode's 512-byte
// blocks_count units.
func (fs *Filesystem) sectorsPerBlock() uint32 {
	return fs.geo.BlockSize / 512
}

// SetBlockIndex maps logical to physical block phys, allocating any unset
// indirection block on the way down. Every modified indirection block is
// persisted immediately; the inode record (pointer slots and blocks_count
// grown by the new indirection blocks) is persisted once at the end.
func (fs *Filesystem) SetBlockIndex(ctx context.Context, num InodeNum, inode *Inode, logical uint64, phys uint32) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	ind, err := fs.decomposeBlockIndex(logical)
	if err != nil {
		return err
	}

	if ind.depth == 0 {
		inode.Block[ind.slot] = phys
		return fs.WriteInode(ctx, num, inode)
	}

	ptr := inode.Block[ind.slot]
	if ptr == 0 {
		ptr, err = fs.AllocateBlock(ctx)
		if err != nil {
			return err
		}
		inode.Block[ind.slot] = ptr
		inode.BlocksCount += fs.sectorsPerBlock()
	}

	for level := 0; level < ind.depth-1; level++ {
		next, err := fs.readBlockPointer(ctx, ptr, ind.path[level])
		if err != nil {
			return err
		}
		if next == 0 {
			next, err = fs.AllocateBlock(ctx)
			if err != nil {
				return err
			}
			if err := fs.writeBlockPointer(ctx, ptr, ind.path[level], next); err != nil {
				return err
			}
			inode.BlocksCount += fs.sectorsPerBlock()
		}
		ptr = next
	}

	if err := fs.writeBlockPointer(ctx, ptr, ind.path[ind.depth-1], phys); err != nil {
		return err
	}
	return fs.WriteInode(ctx, num, inode)
}

// AllocateInodeBlock allocates a fresh data block, maps it at logical and
// grows the inode's blocks_count. Returns the physical block number.
func (fs *Filesystem) AllocateInodeBlock(ctx context.Context, num InodeNum, inode *Inode, logical uint64) (uint32, error) {
	phys, err := fs.AllocateBlock(ctx)
	if err != nil {
		return 0, err
	}

	inode.BlocksCount += fs.sectorsPerBlock()
	if err := fs.SetBlockIndex(ctx, num, inode, logical, phys); err != nil {
		return 0, err
	}
	return phys, nil
}

// freeIndirectionTree recursively frees the data and indirection blocks
// referenced from pointer block block at the given depth (depth 0 frees a
// data block).
func (fs *Filesystem) freeIndirectionTree(ctx context.Context, block uint32, depth int) error {
	if block == 0 {
		return nil
	}

	if depth > 0 {
		for index := uint32(0); index < fs.geo.PointersPerBlock; index++ {
			child, err := fs.readBlockPointer(ctx, block, index)
			if err != nil {
				return err
			}
			if child == 0 {
				continue
			}
			if err := fs.freeIndirectionTree(ctx, child, depth-1); err != nil {
				return err
			}
		}
	}

	return fs.FreeBlock(ctx, block)
}

// freeAllBlocks releases every block an inode references: the 12 direct
// pointers, then each indirection tree. The inode's pointer slots and
// blocks_count are reset in memory; the caller persists the record.
// A fast symlink stores its target bytes where the pointers would live,
// so those slots must never be treated as block numbers.
func (fs *Filesystem) freeAllBlocks(ctx context.Context, inode *Inode) error {
	if inode.IsSymlink() && inode.Size < inlineSymlinkMax {
		inode.Block = [inodeBlockSlots]uint32{}
		return nil
	}
	for slot := 0; slot < DirectBlocks; slot++ {
		if inode.Block[slot] == 0 {
			continue
		}
		if err := fs.FreeBlock(ctx, inode.Block[slot]); err != nil {
			return err
		}
		inode.Block[slot] = 0
	}

	for depth, slot := 1, slotSingleIndirect; slot <= slotTripleIndirect; depth, slot = depth+1, slot+1 {
		if err := fs.freeIndirectionTree(ctx, inode.Block[slot], depth); err != nil {
			return err
		}
		inode.Block[slot] = 0
	}

	inode.BlocksCount = 0
	return nil
}
