package ext2

import (
	"context"
	"sync"
)

// OpenFlags control Open behavior.
type OpenFlags uint32

const (
	// Access modes. At least one must be set; a handle opened without
	// OpenRead cannot Read and one without OpenWrite cannot Write.
	OpenRead  OpenFlags = 1 << 0
	OpenWrite OpenFlags = 1 << 1

	// OpenCreate creates the file when the final path component does not
	// exist.
	OpenCreate OpenFlags = 1 << 2

	// OpenExclusive makes OpenCreate fail with AlreadyExists when the
	// name is already taken.
	OpenExclusive OpenFlags = 1 << 3

	// OpenTruncate zeroes the file's content on open.
	OpenTruncate OpenFlags = 1 << 4

	// OpenAppend moves the cursor to the end before every write.
	OpenAppend OpenFlags = 1 << 5
)

// OpenFile is the shared handle for one open inode.
//
// The first Open of an inode creates the handle; subsequent opens of the
// same inode share it (reference-counted) and therefore share its cursor.
// The handle is destroyed when the last reference closes. The cached inode
// snapshot is re-read from disk only when the handle itself mutates it;
// external writers to the same inode are not observed (no per-inode lock,
// see Filesystem).
type OpenFile struct {
	fs  *Filesystem
	num InodeNum

	// mu guards pos, refs and the cached snapshot
	mu    sync.Mutex
	inode *Inode
	pos   uint64
	refs  int
	flags OpenFlags
}

// acquireHandle returns the shared handle for num, creating it on first
// open.
func (fs *Filesystem) acquireHandle(num InodeNum, inode *Inode, flags OpenFlags) *OpenFile {
	fs.openMu.Lock()
	defer fs.openMu.Unlock()

	if f, ok := fs.open[num]; ok {
		f.mu.Lock()
		f.refs++
		f.flags |= flags
		f.mu.Unlock()
		return f
	}

	f := &OpenFile{fs: fs, num: num, inode: inode, refs: 1, flags: flags}
	fs.open[num] = f
	fs.metrics.SetOpenFiles(len(fs.open))
	return f
}

// Inode returns the handle's inode number.
func (f *OpenFile) Inode() InodeNum {
	return f.num
}

// Close drops one reference; the handle is removed from the open-file
// table when the last reference goes away.
func (f *OpenFile) Close() {
	f.mu.Lock()
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()

	if !last {
		return
	}

	f.fs.openMu.Lock()
	delete(f.fs.open, f.num)
	f.fs.metrics.SetOpenFiles(len(f.fs.open))
	f.fs.openMu.Unlock()
}

// Read copies the next len(dst) bytes from the cursor, advancing it.
// Returns 0 at end of file.
func (f *OpenFile) Read(ctx context.Context, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&OpenRead == 0 {
		return 0, &FilesystemError{Code: ErrPermissionDenied, Message: "handle not open for reading"}
	}
	if f.inode.IsDir() {
		return 0, &FilesystemError{Code: ErrIsDirectory, Message: "read on a directory handle"}
	}

	n, err := f.fs.ReadData(ctx, f.num, f.inode, f.pos, dst)
	f.pos += uint64(n)
	return n, err
}

// ReadAt copies len(dst) bytes from the given offset without touching the
// cursor.
func (f *OpenFile) ReadAt(ctx context.Context, offset uint64, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&OpenRead == 0 {
		return 0, &FilesystemError{Code: ErrPermissionDenied, Message: "handle not open for reading"}
	}
	return f.fs.ReadData(ctx, f.num, f.inode, offset, dst)
}

// Write copies src at the cursor (or at end of file for append handles),
// advancing the cursor and updating the modification time.
func (f *OpenFile) Write(ctx context.Context, src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&OpenWrite == 0 {
		return 0, &FilesystemError{Code: ErrPermissionDenied, Message: "handle not open for writing"}
	}
	if f.inode.IsDir() {
		return 0, &FilesystemError{Code: ErrIsDirectory, Message: "write on a directory handle"}
	}

	if f.flags&OpenAppend != 0 {
		f.pos = uint64(f.inode.Size)
	}

	n, err := f.fs.WriteData(ctx, f.num, f.inode, f.pos, src)
	f.pos += uint64(n)
	if n > 0 {
		f.inode.MTime = nowTimestamp()
		if werr := f.fs.WriteInode(ctx, f.num, f.inode); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

// WriteAt copies src at the given offset without touching the cursor.
func (f *OpenFile) WriteAt(ctx context.Context, offset uint64, src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&OpenWrite == 0 {
		return 0, &FilesystemError{Code: ErrPermissionDenied, Message: "handle not open for writing"}
	}

	n, err := f.fs.WriteData(ctx, f.num, f.inode, offset, src)
	if n > 0 {
		f.inode.MTime = nowTimestamp()
		if werr := f.fs.WriteInode(ctx, f.num, f.inode); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

// Seek moves the cursor to an absolute byte offset.
func (f *OpenFile) Seek(offset uint64) {
	f.mu.Lock()
	f.pos = offset
	f.mu.Unlock()
}

// Size returns the cached size of the open inode.
func (f *OpenFile) Size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.inode.Size)
}

// DirEntry is one live directory entry as returned by Readdir.
type DirEntry struct {
	Inode    InodeNum
	FileType uint8
	Name     string

	// NextCursor resumes iteration after this entry.
	NextCursor uint32
}

// Readdir returns up to limit live entries starting at the byte-offset
// cursor (0 starts from the beginning; pass the last entry's NextCursor to
// continue). A nil slice means the end of the directory.
func (f *OpenFile) Readdir(ctx context.Context, cursor uint32, limit int) ([]DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.inode.IsDir() {
		return nil, &FilesystemError{Code: ErrNotDirectory, Message: "readdir on a non-directory handle"}
	}
	if limit <= 0 {
		limit = int(^uint(0) >> 1)
	}

	it := f.fs.iterateDir(f.num, f.inode)
	defer it.Close()

	var entries []DirEntry
	for len(entries) < limit {
		entry, offset, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if offset < cursor || entry.Inode == 0 {
			continue
		}

		entries = append(entries, DirEntry{
			Inode:      entry.Inode,
			FileType:   entry.FileType,
			Name:       entry.Name,
			NextCursor: offset + uint32(entry.RecLen),
		})
	}

	return entries, nil
}
