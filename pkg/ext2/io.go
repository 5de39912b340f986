package ext2

import (
	"context"
	"math"

	"github.com/marmos91/ext2fs/internal/bufpool"
)

// ============================================================================
// File Data I/O
// ============================================================================
//
// Byte-range reads and writes are built directly on the indirection
// resolver: the range maps to a run of logical blocks, each block is staged
// through a transient pooled buffer, and the relevant byte sub-range is
// copied in or out. Unmapped blocks inside the file (holes) read as zeroes.
// All content write-back goes through the same block path, including
// truncation's zeroing pass, so there is exactly one code path that
// mutates file content.

// ReadData copies up to len(dst) bytes of the file's logical data starting
// at byte offset. Returns the number of bytes read; reads at or past the
// current size return 0.
func (fs *Filesystem) ReadData(ctx context.Context, num InodeNum, inode *Inode, offset uint64, dst []byte) (int, error) {
	if offset >= uint64(inode.Size) {
		return 0, nil
	}

	n := uint64(len(dst))
	if remaining := uint64(inode.Size) - offset; n > remaining {
		n = remaining
	}

	blockSize := uint64(fs.geo.BlockSize)
	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	done := uint64(0)
	for done < n {
		logical := (offset + done) / blockSize
		within := (offset + done) % blockSize
		chunk := blockSize - within
		if remaining := n - done; chunk > remaining {
			chunk = remaining
		}

		phys, err := fs.BlockIndex(ctx, inode, logical)
		if err != nil {
			return int(done), err
		}

		if phys == 0 {
			// Hole: reads as zeroes.
			for i := uint64(0); i < chunk; i++ {
				dst[done+i] = 0
			}
		} else {
			if err := fs.readBlock(ctx, phys, buf); err != nil {
				return int(done), err
			}
			copy(dst[done:done+chunk], buf[within:within+chunk])
		}

		done += chunk
	}

	fs.metrics.BytesRead(int(done))
	return int(done), nil
}

// WriteData copies len(src) bytes into the file's logical data starting at
// byte offset, allocating data blocks on demand. A write extending past the
// current size grows the inode's size field before any content is copied.
// Returns the number of bytes written.
func (fs *Filesystem) WriteData(ctx context.Context, num InodeNum, inode *Inode, offset uint64, src []byte) (int, error) {
	if err := fs.mutable(); err != nil {
		return 0, err
	}
	if len(src) == 0 {
		return 0, nil
	}

	end := offset + uint64(len(src))
	if end > math.MaxUint32 {
		return 0, &FilesystemError{
			Code:    ErrInvalidArgument,
			Message: "write extends past the format's 32-bit size field",
		}
	}

	if end > uint64(inode.Size) {
		inode.Size = uint32(end)
		if err := fs.WriteInode(ctx, num, inode); err != nil {
			return 0, err
		}
	}

	blockSize := uint64(fs.geo.BlockSize)
	buf := bufpool.Get(fs.geo.BlockSize)
	defer bufpool.Put(buf)

	done := uint64(0)
	for done < uint64(len(src)) {
		logical := (offset + done) / blockSize
		within := (offset + done) % blockSize
		chunk := blockSize - within
		if remaining := uint64(len(src)) - done; chunk > remaining {
			chunk = remaining
		}

		phys, err := fs.BlockIndex(ctx, inode, logical)
		if err != nil {
			return int(done), err
		}
		if phys == 0 {
			phys, err = fs.AllocateInodeBlock(ctx, num, inode, logical)
			if err != nil {
				return int(done), err
			}
		}

		if chunk == blockSize {
			// Whole-block overwrite: no need to stage the old content.
			copy(buf, src[done:done+chunk])
		} else {
			if err := fs.readBlock(ctx, phys, buf); err != nil {
				return int(done), err
			}
			copy(buf[within:within+chunk], src[done:done+chunk])
		}
		if err := fs.writeBlock(ctx, phys, buf); err != nil {
			return int(done), err
		}

		done += chunk
	}

	fs.metrics.BytesWritten(int(done))
	return int(done), nil
}

// Truncate changes the file's logical size. Shrinking zeroes the dropped
// content block by block through the ordinary write path; allocated blocks
// stay allocated and blocks_count is untouched, so the record never
// undercounts what the pointers reference. Growing just moves the size
// field (the gap reads as a hole).
func (fs *Filesystem) Truncate(ctx context.Context, num InodeNum, inode *Inode, newSize uint32) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	if newSize < inode.Size {
		blockSize := uint64(fs.geo.BlockSize)
		buf := bufpool.Get(fs.geo.BlockSize)
		defer bufpool.Put(buf)

		for off := uint64(newSize); off < uint64(inode.Size); {
			logical := off / blockSize
			within := off % blockSize
			chunk := blockSize - within
			if remaining := uint64(inode.Size) - off; chunk > remaining {
				chunk = remaining
			}

			phys, err := fs.BlockIndex(ctx, inode, logical)
			if err != nil {
				return err
			}
			if phys != 0 {
				if err := fs.readBlock(ctx, phys, buf); err != nil {
					return err
				}
				for i := uint64(0); i < chunk; i++ {
					buf[within+i] = 0
				}
				if err := fs.writeBlock(ctx, phys, buf); err != nil {
					return err
				}
			}

			off += chunk
		}
	}

	inode.Size = newSize
	return fs.WriteInode(ctx, num, inode)
}
