package ext2

import (
	"context"
	"fmt"
	"strings"

	"github.com/marmos91/ext2fs/internal/bufpool"
)

// ============================================================================
// Directory Entry Management
// ============================================================================
//
// A directory's data blocks hold variable-length records chained by
// rec_len. Records are never physically removed: deletion zeroes the
// record's inode field, leaving a tombstone whose rec_len keeps the chain
// intact and whose space is the first candidate for reuse. The last record
// of every block extends to the block boundary, so the records of one block
// always tile it exactly.

// dirIterator walks a directory inode's records one data block at a time.
//
// The iterator owns a pooled block buffer; callers must Close() it. It is
// not safe for concurrent use.
type dirIterator struct {
	fs      *Filesystem
	dirNum  InodeNum
	inode   *Inode
	buf     []byte
	loaded  int64  // logical block currently in buf, -1 if none
	offset  uint32 // cumulative byte offset of the next record
}

// iterateDir starts an iteration over dir's records.
func (fs *Filesystem) iterateDir(dirNum InodeNum, dir *Inode) *dirIterator {
	return &dirIterator{
		fs:     fs,
		dirNum: dirNum,
		inode:  dir,
		buf:    bufpool.Get(fs.geo.BlockSize),
		loaded: -1,
	}
}

// Close returns the staging buffer to the pool.
func (it *dirIterator) Close() {
	bufpool.Put(it.buf)
	it.buf = nil
}

// Next yields the next record and its cumulative byte offset, or nil at
// the end of the directory. Tombstones are yielded too; callers that only
// want live entries skip Inode == 0.
func (it *dirIterator) Next(ctx context.Context) (*Dirent, uint32, error) {
	blockSize := it.fs.geo.BlockSize

	if it.offset >= it.inode.Size {
		return nil, 0, nil
	}

	logical := int64(it.offset / blockSize)
	if logical != it.loaded {
		phys, err := it.fs.BlockIndex(ctx, it.inode, uint64(logical))
		if err != nil {
			return nil, 0, err
		}
		if phys == 0 {
			return nil, 0, &FilesystemError{
				Code:    ErrInvalidVolume,
				Message: fmt.Sprintf("directory %d has a hole at block %d", it.dirNum, logical),
			}
		}
		if err := it.fs.readBlock(ctx, phys, it.buf); err != nil {
			return nil, 0, err
		}
		it.loaded = logical
	}

	inBlock := it.offset % blockSize
	entry, err := decodeDirent(it.buf[inBlock:])
	if err != nil {
		return nil, 0, &FilesystemError{
			Code:    ErrInvalidVolume,
			Message: fmt.Sprintf("corrupt record in directory %d at offset %d", it.dirNum, it.offset),
			Err:     err,
		}
	}

	offset := it.offset
	it.offset += uint32(entry.RecLen)
	return entry, offset, nil
}

// rewrite encodes entry back at the given cumulative offset and flushes
// the containing block. The record's RecLen must be unchanged.
func (it *dirIterator) rewrite(ctx context.Context, offset uint32, entry *Dirent) error {
	blockSize := it.fs.geo.BlockSize

	logical := int64(offset / blockSize)
	if logical != it.loaded {
		phys, err := it.fs.BlockIndex(ctx, it.inode, uint64(logical))
		if err != nil {
			return err
		}
		if phys == 0 {
			return &FilesystemError{
				Code:    ErrInvalidVolume,
				Message: fmt.Sprintf("directory %d has a hole at block %d", it.dirNum, logical),
			}
		}
		if err := it.fs.readBlock(ctx, phys, it.buf); err != nil {
			return err
		}
		it.loaded = logical
	}

	if err := encodeDirent(it.buf[offset%blockSize:], entry); err != nil {
		return err
	}

	phys, err := it.fs.BlockIndex(ctx, it.inode, uint64(logical))
	if err != nil {
		return err
	}
	return it.fs.writeBlock(ctx, phys, it.buf)
}

// findEntry locates the live record with the given name. The match is on
// name length plus byte comparison; tombstones are skipped.
func (fs *Filesystem) findEntry(ctx context.Context, dirNum InodeNum, dir *Inode, name string) (*Dirent, error) {
	it := fs.iterateDir(dirNum, dir)
	defer it.Close()

	for {
		entry, _, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, &FilesystemError{Code: ErrNotFound, Message: "no such entry", Path: name}
		}
		if entry.Inode == 0 {
			continue
		}
		if entry.Name == name {
			return entry, nil
		}
	}
}

// addEntry inserts a record mapping name to target. Insertion policy, in
// order:
//
//  1. Reuse a tombstone whose rec_len can hold the new name.
//  2. Split the trailing record of the final used block when its rec_len
//     carries enough slack beyond its own content.
//  3. Grow the directory by one block, formatted as a single maximal
//     record holding the new entry.
func (fs *Filesystem) addEntry(ctx context.Context, dirNum InodeNum, dir *Inode, name string, target InodeNum, fileType uint8) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	if name == "" || len(name) > MaxNameLen || strings.ContainsAny(name, "/\x00") {
		return &FilesystemError{Code: ErrInvalidArgument, Message: "invalid entry name", Path: name}
	}

	blockSize := fs.geo.BlockSize
	needed := direntEncodedLen(len(name))

	buf := bufpool.Get(blockSize)
	defer bufpool.Put(buf)

	usedBlocks := dir.Size / blockSize

	// Track the trailing record of the final used block for policy 2.
	var (
		lastEntry   *Dirent
		lastInBlock uint32
		lastPhys    uint32
	)

	for logical := uint32(0); logical < usedBlocks; logical++ {
		phys, err := fs.BlockIndex(ctx, dir, uint64(logical))
		if err != nil {
			return err
		}
		if phys == 0 {
			return &FilesystemError{
				Code:    ErrInvalidVolume,
				Message: fmt.Sprintf("directory %d has a hole at block %d", dirNum, logical),
			}
		}
		if err := fs.readBlock(ctx, phys, buf); err != nil {
			return err
		}

		for inBlock := uint32(0); inBlock < blockSize; {
			entry, err := decodeDirent(buf[inBlock:])
			if err != nil {
				return &FilesystemError{
					Code:    ErrInvalidVolume,
					Message: fmt.Sprintf("corrupt record in directory %d", dirNum),
					Err:     err,
				}
			}

			// Policy 1: tombstone with enough room.
			if entry.Inode == 0 && entry.RecLen >= needed {
				replacement := Dirent{
					Inode:    target,
					RecLen:   entry.RecLen,
					FileType: fileType,
					Name:     name,
				}
				if err := encodeDirent(buf[inBlock:], &replacement); err != nil {
					return ioError("encoding directory entry", err)
				}
				return fs.writeBlock(ctx, phys, buf)
			}

			if logical == usedBlocks-1 {
				lastEntry = entry
				lastInBlock = inBlock
				lastPhys = phys
			}
			inBlock += uint32(entry.RecLen)
		}
	}

	// Policy 2: carve the slack off the trailing record.
	if lastEntry != nil && lastEntry.Inode != 0 {
		trueLen := direntEncodedLen(len(lastEntry.Name))
		slack := lastEntry.RecLen - trueLen
		if slack >= needed {
			// The final block is still staged in buf from the scan.
			shrunk := *lastEntry
			shrunk.RecLen = trueLen
			if err := encodeDirent(buf[lastInBlock:], &shrunk); err != nil {
				return ioError("encoding directory entry", err)
			}

			carved := Dirent{
				Inode:    target,
				RecLen:   slack,
				FileType: fileType,
				Name:     name,
			}
			if err := encodeDirent(buf[lastInBlock+uint32(trueLen):], &carved); err != nil {
				return ioError("encoding directory entry", err)
			}
			return fs.writeBlock(ctx, lastPhys, buf)
		}
	}

	// Policy 3: grow the directory by one block.
	phys, err := fs.AllocateInodeBlock(ctx, dirNum, dir, uint64(usedBlocks))
	if err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0
	}
	fresh := Dirent{
		Inode:    target,
		RecLen:   uint16(blockSize),
		FileType: fileType,
		Name:     name,
	}
	if err := encodeDirent(buf, &fresh); err != nil {
		return ioError("encoding directory entry", err)
	}
	if err := fs.writeBlock(ctx, phys, buf); err != nil {
		return err
	}

	dir.Size += blockSize
	return fs.WriteInode(ctx, dirNum, dir)
}

// removeEntry deletes the record with the given name by zeroing its inode
// field. The record itself stays in place so the rec_len chain is intact;
// its space becomes a tombstone for later reuse. Returns the removed
// record.
func (fs *Filesystem) removeEntry(ctx context.Context, dirNum InodeNum, dir *Inode, name string) (*Dirent, error) {
	if err := fs.mutable(); err != nil {
		return nil, err
	}

	blockSize := fs.geo.BlockSize

	buf := bufpool.Get(blockSize)
	defer bufpool.Put(buf)

	usedBlocks := dir.Size / blockSize
	for logical := uint32(0); logical < usedBlocks; logical++ {
		phys, err := fs.BlockIndex(ctx, dir, uint64(logical))
		if err != nil {
			return nil, err
		}
		if phys == 0 {
			return nil, &FilesystemError{
				Code:    ErrInvalidVolume,
				Message: fmt.Sprintf("directory %d has a hole at block %d", dirNum, logical),
			}
		}
		if err := fs.readBlock(ctx, phys, buf); err != nil {
			return nil, err
		}

		for inBlock := uint32(0); inBlock < blockSize; {
			entry, err := decodeDirent(buf[inBlock:])
			if err != nil {
				return nil, &FilesystemError{
					Code:    ErrInvalidVolume,
					Message: fmt.Sprintf("corrupt record in directory %d", dirNum),
					Err:     err,
				}
			}

			if entry.Inode != 0 && entry.Name == name {
				removed := *entry
				tombstone := *entry
				tombstone.Inode = 0
				if err := encodeDirent(buf[inBlock:], &tombstone); err != nil {
					return nil, ioError("encoding directory tombstone", err)
				}
				if err := fs.writeBlock(ctx, phys, buf); err != nil {
					return nil, err
				}
				return &removed, nil
			}

			inBlock += uint32(entry.RecLen)
		}
	}

	return nil, &FilesystemError{Code: ErrNotFound, Message: "no such entry", Path: name}
}

// isDirEmpty reports whether dir contains only "." and "..". A directory
// may only be removed when this holds.
func (fs *Filesystem) isDirEmpty(ctx context.Context, dirNum InodeNum, dir *Inode) (bool, error) {
	it := fs.iterateDir(dirNum, dir)
	defer it.Close()

	for {
		entry, _, err := it.Next(ctx)
		if err != nil {
			return false, err
		}
		if entry == nil {
			return true, nil
		}
		if entry.Inode == 0 {
			continue
		}
		if entry.Name != "." && entry.Name != ".." {
			return false, nil
		}
	}
}

// initDirectory formats a fresh directory's first block with its "." and
// ".." records and wires the counts: "." links the directory to itself,
// ".." links it to the parent. The block is allocated here; the caller
// persists both inodes afterwards.
func (fs *Filesystem) initDirectory(ctx context.Context, dirNum InodeNum, dir *Inode, parentNum InodeNum) error {
	blockSize := fs.geo.BlockSize

	phys, err := fs.AllocateInodeBlock(ctx, dirNum, dir, 0)
	if err != nil {
		return err
	}

	buf := bufpool.Get(blockSize)
	defer bufpool.Put(buf)

	self := Dirent{
		Inode:    dirNum,
		RecLen:   direntEncodedLen(1),
		FileType: FileTypeDir,
		Name:     ".",
	}
	if err := encodeDirent(buf, &self); err != nil {
		return ioError("encoding '.' entry", err)
	}

	parent := Dirent{
		Inode:    parentNum,
		RecLen:   uint16(blockSize) - self.RecLen,
		FileType: FileTypeDir,
		Name:     "..",
	}
	if err := encodeDirent(buf[self.RecLen:], &parent); err != nil {
		return ioError("encoding '..' entry", err)
	}

	if err := fs.writeBlock(ctx, phys, buf); err != nil {
		return err
	}

	dir.Size = blockSize
	return nil
}
