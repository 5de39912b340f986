package ext2

import (
	"context"
	"path/filepath"
	"time"

	"github.com/marmos91/ext2fs/internal/logger"
)

func nowTimestamp() uint32 {
	return uint32(time.Now().Unix())
}

// FileInfo is the stat view of one inode.
type FileInfo struct {
	Inode       InodeNum
	Mode        uint16
	UID         uint32
	GID         uint32
	Size        uint32
	LinksCount  uint16
	BlocksCount uint32
	ATime       uint32
	CTime       uint32
	MTime       uint32
}

func fileInfoOf(num InodeNum, inode *Inode) *FileInfo {
	return &FileInfo{
		Inode:       num,
		Mode:        inode.Mode,
		UID:         inode.UID,
		GID:         inode.GID,
		Size:        inode.Size,
		LinksCount:  inode.LinksCount,
		BlocksCount: inode.BlocksCount,
		ATime:       inode.ATime,
		CTime:       inode.CTime,
		MTime:       inode.MTime,
	}
}

// Stat resolves path and returns the target's attributes.
func (fs *Filesystem) Stat(ctx context.Context, creds Credentials, path string) (*FileInfo, error) {
	num, inode, err := fs.ResolvePath(ctx, creds, path)
	if err != nil {
		return nil, err
	}
	return fileInfoOf(num, inode), nil
}

// newInode builds a fresh in-memory inode of the given type.
func newInode(mode uint16, creds Credentials) *Inode {
	now := nowTimestamp()
	return &Inode{
		Mode:       mode,
		UID:        creds.UID,
		GID:        creds.GID,
		ATime:      now,
		CTime:      now,
		MTime:      now,
		LinksCount: 1,
	}
}

// Open resolves path and returns a shared handle for it.
//
// With OpenCreate the final component is created as a regular file when it
// does not exist (mode supplies its permission bits); OpenExclusive then
// turns an existing name into an AlreadyExists error. OpenTruncate zeroes
// existing content on a writable handle.
func (fs *Filesystem) Open(ctx context.Context, creds Credentials, path string, flags OpenFlags, mode uint16) (*OpenFile, error) {
	if flags&(OpenWrite|OpenCreate|OpenTruncate) != 0 {
		if err := fs.mutable(); err != nil {
			return nil, err
		}
	}

	num, inode, err := fs.ResolvePath(ctx, creds, path)
	if err != nil {
		if CodeOf(err) != ErrNotFound || flags&OpenCreate == 0 {
			return nil, err
		}
		num, inode, err = fs.createFile(ctx, creds, path, mode)
		if err != nil {
			return nil, err
		}
		return fs.acquireHandle(num, inode, flags), nil
	}

	if flags&OpenCreate != 0 && flags&OpenExclusive != 0 {
		return nil, &FilesystemError{Code: ErrAlreadyExists, Path: path, Message: "exclusive create"}
	}
	if inode.IsDir() && flags&OpenWrite != 0 {
		return nil, &FilesystemError{Code: ErrIsDirectory, Path: path, Message: "directories cannot be opened for writing"}
	}

	var want Permission
	if flags&OpenRead != 0 {
		want |= PermRead
	}
	if flags&OpenWrite != 0 {
		want |= PermWrite
	}
	if !checkAccess(inode, creds, want) {
		return nil, &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "open"}
	}

	f := fs.acquireHandle(num, inode, flags)
	if flags&OpenTruncate != 0 && flags&OpenWrite != 0 {
		f.mu.Lock()
		err := fs.Truncate(ctx, num, f.inode, 0)
		f.mu.Unlock()
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// createFile allocates and links a new regular file inode.
func (fs *Filesystem) createFile(ctx context.Context, creds Credentials, path string, mode uint16) (InodeNum, *Inode, error) {
	if err := fs.mutable(); err != nil {
		return 0, nil, err
	}

	parentNum, parent, name, err := fs.resolveParent(ctx, creds, path)
	if err != nil {
		return 0, nil, err
	}
	if !checkAccess(parent, creds, PermWrite|PermExecute) {
		return 0, nil, &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "create in parent"}
	}

	num, err := fs.AllocateInode(ctx, fs.inodeGroup(parentNum), false)
	if err != nil {
		return 0, nil, err
	}

	inode := newInode(ModeRegular|mode&ModePerm, creds)
	if err := fs.WriteInode(ctx, num, inode); err != nil {
		return 0, nil, err
	}
	if err := fs.addEntry(ctx, parentNum, parent, name, num, FileTypeRegular); err != nil {
		// back out the inode so the volume stays consistent
		if ferr := fs.FreeInode(ctx, num, false); ferr != nil {
			logger.Error("create %s: rollback of inode %d failed: %v", path, num, ferr)
		}
		return 0, nil, err
	}

	logger.Debug("created file %s as inode %d", path, num)
	return num, inode, nil
}

// Mkdir creates an empty directory with "." and ".." entries and bumps the
// parent's link count for the new "..".
func (fs *Filesystem) Mkdir(ctx context.Context, creds Credentials, path string, mode uint16) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	parentNum, parent, name, err := fs.resolveParent(ctx, creds, path)
	if err != nil {
		return err
	}
	if !checkAccess(parent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "mkdir in parent"}
	}
	if _, err := fs.findEntry(ctx, parentNum, parent, name); err == nil {
		return &FilesystemError{Code: ErrAlreadyExists, Path: path, Message: "mkdir"}
	} else if CodeOf(err) != ErrNotFound {
		return err
	}

	num, err := fs.AllocateInode(ctx, fs.inodeGroup(parentNum), true)
	if err != nil {
		return err
	}

	dir := newInode(ModeDir|mode&ModePerm, creds)
	dir.LinksCount = 2 // the entry in the parent plus its own "."
	if err := fs.initDirectory(ctx, num, dir, parentNum); err != nil {
		if ferr := fs.FreeInode(ctx, num, true); ferr != nil {
			logger.Error("mkdir %s: rollback of inode %d failed: %v", path, num, ferr)
		}
		return err
	}
	if err := fs.WriteInode(ctx, num, dir); err != nil {
		return err
	}

	if err := fs.addEntry(ctx, parentNum, parent, name, num, FileTypeDir); err != nil {
		if ferr := fs.freeAllBlocks(ctx, dir); ferr != nil {
			logger.Error("mkdir %s: rollback of directory blocks failed: %v", path, ferr)
		}
		if ferr := fs.FreeInode(ctx, num, true); ferr != nil {
			logger.Error("mkdir %s: rollback of inode %d failed: %v", path, num, ferr)
		}
		return err
	}

	parent.LinksCount++
	parent.MTime = nowTimestamp()
	if err := fs.WriteInode(ctx, parentNum, parent); err != nil {
		return err
	}

	logger.Debug("created directory %s as inode %d", path, num)
	return nil
}

// Rmdir removes an empty directory.
//
// A directory holding anything beyond "." and ".." fails with NotEmpty and
// is left untouched. On success the parent loses the link the removed
// ".." held on it.
func (fs *Filesystem) Rmdir(ctx context.Context, creds Credentials, path string) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	parentNum, parent, name, err := fs.resolveParent(ctx, creds, path)
	if err != nil {
		return err
	}
	if !checkAccess(parent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "rmdir"}
	}

	entry, err := fs.findEntry(ctx, parentNum, parent, name)
	if err != nil {
		return err
	}

	num := entry.Inode
	target, err := fs.ReadInode(ctx, num)
	if err != nil {
		return err
	}
	if !target.IsDir() {
		return &FilesystemError{Code: ErrNotDirectory, Path: path, Message: "rmdir"}
	}

	empty, err := fs.isDirEmpty(ctx, num, target)
	if err != nil {
		return err
	}
	if !empty {
		return &FilesystemError{Code: ErrNotEmpty, Path: path, Message: "rmdir"}
	}

	if _, err := fs.removeEntry(ctx, parentNum, parent, name); err != nil {
		return err
	}

	if err := fs.freeAllBlocks(ctx, target); err != nil {
		return err
	}
	target.LinksCount = 0
	target.Size = 0
	target.DTime = nowTimestamp()
	if err := fs.WriteInode(ctx, num, target); err != nil {
		return err
	}
	if err := fs.FreeInode(ctx, num, true); err != nil {
		return err
	}

	// the removed directory's ".." no longer references the parent
	parent.LinksCount--
	parent.MTime = nowTimestamp()
	if err := fs.WriteInode(ctx, parentNum, parent); err != nil {
		return err
	}

	logger.Debug("removed directory %s (inode %d)", path, num)
	return nil
}

// Unlink removes a non-directory entry. The inode and its blocks are
// reclaimed only when the last link goes away.
func (fs *Filesystem) Unlink(ctx context.Context, creds Credentials, path string) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	parentNum, parent, name, err := fs.resolveParent(ctx, creds, path)
	if err != nil {
		return err
	}
	if !checkAccess(parent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "unlink"}
	}

	entry, err := fs.findEntry(ctx, parentNum, parent, name)
	if err != nil {
		return err
	}

	num := entry.Inode
	target, err := fs.ReadInode(ctx, num)
	if err != nil {
		return err
	}
	if target.IsDir() {
		return &FilesystemError{Code: ErrIsDirectory, Path: path, Message: "unlink"}
	}

	if _, err := fs.removeEntry(ctx, parentNum, parent, name); err != nil {
		return err
	}

	target.LinksCount--
	if target.LinksCount == 0 {
		if err := fs.freeAllBlocks(ctx, target); err != nil {
			return err
		}
		target.Size = 0
		target.DTime = nowTimestamp()
		if err := fs.WriteInode(ctx, num, target); err != nil {
			return err
		}
		if err := fs.FreeInode(ctx, num, false); err != nil {
			return err
		}
		logger.Debug("unlinked %s, reclaimed inode %d", path, num)
		return nil
	}

	target.CTime = nowTimestamp()
	if err := fs.WriteInode(ctx, num, target); err != nil {
		return err
	}
	logger.Debug("unlinked %s, inode %d keeps %d links", path, num, target.LinksCount)
	return nil
}

// Link creates a new hard link newpath referencing oldpath's inode.
// Directories cannot be hard-linked.
func (fs *Filesystem) Link(ctx context.Context, creds Credentials, oldpath, newpath string) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	num, target, err := fs.ResolvePath(ctx, creds, oldpath)
	if err != nil {
		return err
	}
	if target.IsDir() {
		return &FilesystemError{Code: ErrIsDirectory, Path: oldpath, Message: "hard links to directories are not allowed"}
	}

	parentNum, parent, name, err := fs.resolveParent(ctx, creds, newpath)
	if err != nil {
		return err
	}
	if !checkAccess(parent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: newpath, Message: "link"}
	}
	if _, err := fs.findEntry(ctx, parentNum, parent, name); err == nil {
		return &FilesystemError{Code: ErrAlreadyExists, Path: newpath, Message: "link"}
	} else if CodeOf(err) != ErrNotFound {
		return err
	}

	if err := fs.addEntry(ctx, parentNum, parent, name, num, target.DirentFileType()); err != nil {
		return err
	}

	target.LinksCount++
	target.CTime = nowTimestamp()
	return fs.WriteInode(ctx, num, target)
}

// Rename moves oldpath to newpath within the volume. An existing
// non-directory newpath is replaced; an existing directory must be empty.
// When both paths name the same inode, Rename succeeds without changing
// anything.
func (fs *Filesystem) Rename(ctx context.Context, creds Credentials, oldpath, newpath string) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	oldParentNum, oldParent, oldName, err := fs.resolveParent(ctx, creds, oldpath)
	if err != nil {
		return err
	}
	if !checkAccess(oldParent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: oldpath, Message: "rename"}
	}

	entry, err := fs.findEntry(ctx, oldParentNum, oldParent, oldName)
	if err != nil {
		return err
	}

	num := entry.Inode
	moved, err := fs.ReadInode(ctx, num)
	if err != nil {
		return err
	}

	// moving a directory under itself would orphan the subtree
	if moved.IsDir() {
		cleanOld := filepath.Clean(oldpath)
		cleanNew := filepath.Clean(newpath)
		if len(cleanNew) > len(cleanOld) && cleanNew[:len(cleanOld)] == cleanOld && cleanNew[len(cleanOld)] == '/' {
			return &FilesystemError{Code: ErrInvalidArgument, Path: newpath, Message: "rename into own subtree"}
		}
	}

	// drop any existing target first
	if existingNum, existing, err := fs.ResolvePath(ctx, creds, newpath); err == nil {
		// Both paths already name the same inode. Unlinking the target
		// here would free the very inode being moved, so stop before the
		// replace step and leave the volume untouched.
		if existingNum == num {
			return nil
		}
		if existing.IsDir() {
			if err := fs.Rmdir(ctx, creds, newpath); err != nil {
				return err
			}
		} else {
			if err := fs.Unlink(ctx, creds, newpath); err != nil {
				return err
			}
		}
	} else if CodeOf(err) != ErrNotFound {
		return err
	}

	newParentNum, newParent, newName, err := fs.resolveParent(ctx, creds, newpath)
	if err != nil {
		return err
	}
	if !checkAccess(newParent, creds, PermWrite|PermExecute) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: newpath, Message: "rename"}
	}

	if err := fs.addEntry(ctx, newParentNum, newParent, newName, num, moved.DirentFileType()); err != nil {
		return err
	}

	// re-read the old parent in case both parents are the same directory
	// and addEntry just changed it
	oldParent, err = fs.ReadInode(ctx, oldParentNum)
	if err != nil {
		return err
	}
	if _, err := fs.removeEntry(ctx, oldParentNum, oldParent, oldName); err != nil {
		return err
	}

	if moved.IsDir() && oldParentNum != newParentNum {
		// rewrite ".." and move the parent link
		if err := fs.retargetDotDot(ctx, num, moved, newParentNum); err != nil {
			return err
		}
		oldParent.LinksCount--
		oldParent.MTime = nowTimestamp()
		if err := fs.WriteInode(ctx, oldParentNum, oldParent); err != nil {
			return err
		}
		newParent, err = fs.ReadInode(ctx, newParentNum)
		if err != nil {
			return err
		}
		newParent.LinksCount++
		newParent.MTime = nowTimestamp()
		if err := fs.WriteInode(ctx, newParentNum, newParent); err != nil {
			return err
		}
	}

	logger.Debug("renamed %s to %s (inode %d)", oldpath, newpath, num)
	return nil
}

// retargetDotDot points a moved directory's ".." entry at its new parent.
func (fs *Filesystem) retargetDotDot(ctx context.Context, num InodeNum, dir *Inode, newParent InodeNum) error {
	it := fs.iterateDir(num, dir)
	defer it.Close()

	for {
		entry, offset, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return &FilesystemError{Code: ErrInvalidVolume, Message: "directory has no .. entry"}
		}
		if entry.Inode == 0 || entry.Name != ".." {
			continue
		}
		entry.Inode = newParent
		return it.rewrite(ctx, offset, entry)
	}
}

// Chmod replaces the permission bits of path's inode, keeping the type
// bits intact. Only the owner or root may change them.
func (fs *Filesystem) Chmod(ctx context.Context, creds Credentials, path string, mode uint16) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	num, inode, err := fs.ResolvePath(ctx, creds, path)
	if err != nil {
		return err
	}
	if creds.UID != 0 && creds.UID != inode.UID {
		return &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "chmod"}
	}

	inode.Mode = inode.Mode&ModeTypeMask | mode&^ModeTypeMask
	inode.CTime = nowTimestamp()
	return fs.WriteInode(ctx, num, inode)
}

// Chown replaces the owner and group of path's inode. Only root may change
// the owner; the owner may change the group.
func (fs *Filesystem) Chown(ctx context.Context, creds Credentials, path string, uid, gid uint32) error {
	if err := fs.mutable(); err != nil {
		return err
	}

	num, inode, err := fs.ResolvePath(ctx, creds, path)
	if err != nil {
		return err
	}
	if creds.UID != 0 && (uid != inode.UID || creds.UID != inode.UID) {
		return &FilesystemError{Code: ErrPermissionDenied, Path: path, Message: "chown"}
	}

	inode.UID = uid
	inode.GID = gid
	inode.CTime = nowTimestamp()
	return fs.WriteInode(ctx, num, inode)
}
