package ext2

import (
	"context"

	"github.com/marmos91/ext2fs/internal/logger"
)

// inlineSymlinkMax is the byte capacity of the inode's block pointer area
// when it holds a fast symlink target instead of pointers.
const inlineSymlinkMax = inodeBlockSlots * blockPointerSize

// setInlineTarget packs the target string into the block pointer area,
// little-endian byte order to match the on-disk encoding of the pointers.
func (inode *Inode) setInlineTarget(target string) {
	inode.Block = [inodeBlockSlots]uint32{}
	for i := 0; i < len(target); i++ {
		inode.Block[i/4] |= uint32(target[i]) << (8 * uint(i%4))
	}
}

// inlineTarget unpacks a fast symlink target of the given length.
func (inode *Inode) inlineTarget(length uint32) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(inode.Block[i/4] >> (8 * uint(i%4)))
	}
	return string(b)
}

// Symlink creates a symbolic link at linkpath pointing at target.
//
// Targets shorter than the 60-byte pointer area are stored inline in the
// inode (a fast symlink, no data block); longer targets get a data block.
func (fs *Filesystem) Symlink(ctx context.Context, creds Credentials, target, linkpath string) error {
	if err := fs.mutable(); err != nil {
		return err
	}
	if target == "" || len(target) > int(fs.geo.BlockSize) {
		return &FilesystemError{Code: ErrInvalidArgument, Path: linkpath, Message: "symlink target length"}
	}

	parentNum, parent, name, err := fs.resolveParent(ctx, creds, linkpath)
	if err != nil {
		return err
	}
	if !checkAccess(parent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: linkpath, Message: "symlink"}
	}
	if _, err := fs.findEntry(ctx, parentNum, parent, name); err == nil {
		return &FilesystemError{Code: ErrAlreadyExists, Path: linkpath, Message: "symlink"}
	} else if CodeOf(err) != ErrNotFound {
		return err
	}

	num, err := fs.AllocateInode(ctx, fs.inodeGroup(parentNum), false)
	if err != nil {
		return err
	}

	inode := newInode(ModeSymlink|0o777, creds)
	inode.Size = uint32(len(target))

	if len(target) < inlineSymlinkMax {
		inode.setInlineTarget(target)
		if err := fs.WriteInode(ctx, num, inode); err != nil {
			return err
		}
	} else {
		if err := fs.WriteInode(ctx, num, inode); err != nil {
			return err
		}
		block, err := fs.AllocateInodeBlock(ctx, num, inode, 0)
		if err != nil {
			if ferr := fs.FreeInode(ctx, num, false); ferr != nil {
				logger.Error("symlink %s: rollback of inode %d failed: %v", linkpath, num, ferr)
			}
			return err
		}
		buf := make([]byte, fs.geo.BlockSize)
		copy(buf, target)
		if err := fs.writeBlock(ctx, block, buf); err != nil {
			return err
		}
	}

	if err := fs.addEntry(ctx, parentNum, parent, name, num, FileTypeSymlink); err != nil {
		// an inline target is not block pointers, only free real blocks
		if len(target) >= inlineSymlinkMax {
			if ferr := fs.freeAllBlocks(ctx, inode); ferr != nil {
				logger.Error("symlink %s: rollback of blocks failed: %v", linkpath, ferr)
			}
		}
		if ferr := fs.FreeInode(ctx, num, false); ferr != nil {
			logger.Error("symlink %s: rollback of inode %d failed: %v", linkpath, num, ferr)
		}
		return err
	}

	logger.Debug("created symlink %s -> %s as inode %d", linkpath, target, num)
	return nil
}

// Readlink returns the target string of the symlink at path.
func (fs *Filesystem) Readlink(ctx context.Context, creds Credentials, path string) (string, error) {
	num, inode, err := fs.ResolvePath(ctx, creds, path)
	if err != nil {
		return "", err
	}
	if !inode.IsSymlink() {
		return "", &FilesystemError{Code: ErrInvalidArgument, Path: path, Message: "not a symbolic link"}
	}

	if inode.Size < inlineSymlinkMax {
		return inode.inlineTarget(inode.Size), nil
	}

	buf := make([]byte, inode.Size)
	n, err := fs.ReadData(ctx, num, inode, 0, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
