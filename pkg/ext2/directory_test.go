package ext2

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func rootDir(t *testing.T, fs *Filesystem) (InodeNum, *Inode) {
	t.Helper()
	inode, err := fs.ReadInode(context.Background(), RootInode)
	require.NoError(t, err)
	return RootInode, inode
}

func TestAddEntryFindEntry(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	dirNum, dir := rootDir(t, fs)

	target, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(ctx, target, newInode(ModeRegular|0o644, rootCreds())))

	require.NoError(t, fs.addEntry(ctx, dirNum, dir, "hello.txt", target, FileTypeRegular))

	entry, err := fs.findEntry(ctx, dirNum, dir, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, target, entry.Inode)
	require.Equal(t, "hello.txt", entry.Name)
	require.Equal(t, FileTypeRegular, entry.FileType)

	_, err = fs.findEntry(ctx, dirNum, dir, "absent")
	require.Equal(t, ErrNotFound, CodeOf(err))
}

func TestAddEntryRejectsBadNames(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	dirNum, dir := rootDir(t, fs)

	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}

	for _, name := range []string{"", string(long), "with/slash", "nul\x00byte"} {
		err := fs.addEntry(ctx, dirNum, dir, name, RootInode, FileTypeRegular)
		require.Equal(t, ErrInvalidArgument, CodeOf(err), "name %q", name)
	}
}

func TestRemoveEntryLeavesTombstone(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	dirNum, dir := rootDir(t, fs)

	target, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(ctx, target, newInode(ModeRegular|0o644, rootCreds())))
	require.NoError(t, fs.addEntry(ctx, dirNum, dir, "doomed", target, FileTypeRegular))

	removed, err := fs.removeEntry(ctx, dirNum, dir, "doomed")
	require.NoError(t, err)
	require.Equal(t, target, removed.Inode)

	_, err = fs.findEntry(ctx, dirNum, dir, "doomed")
	require.Equal(t, ErrNotFound, CodeOf(err))

	_, err = fs.removeEntry(ctx, dirNum, dir, "doomed")
	require.Equal(t, ErrNotFound, CodeOf(err))
}

func TestTombstoneReuseDoesNotGrowDirectory(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	dirNum, dir := rootDir(t, fs)

	target, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(ctx, target, newInode(ModeRegular|0o644, rootCreds())))

	require.NoError(t, fs.addEntry(ctx, dirNum, dir, "first", target, FileTypeRegular))
	sizeBefore := dir.Size

	// churn through the same slot many times; the directory must not grow
	for i := 0; i < 50; i++ {
		_, err := fs.removeEntry(ctx, dirNum, dir, "first")
		require.NoError(t, err)
		require.NoError(t, fs.addEntry(ctx, dirNum, dir, "first", target, FileTypeRegular))
	}
	require.Equal(t, sizeBefore, dir.Size)
}

func TestDirectoryGrowsByWholeBlocks(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	dirNum, dir := rootDir(t, fs)

	target, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(ctx, target, newInode(ModeRegular|0o644, rootCreds())))

	// enough entries to spill into a second block
	for i := 0; i < 80; i++ {
		name := fmt.Sprintf("entry-%02d-padding-name", i)
		require.NoError(t, fs.addEntry(ctx, dirNum, dir, name, target, FileTypeRegular))
	}
	require.Equal(t, uint32(0), dir.Size%fs.geo.BlockSize)
	require.Greater(t, dir.Size, fs.geo.BlockSize)

	// every entry is still reachable
	for i := 0; i < 80; i++ {
		name := fmt.Sprintf("entry-%02d-padding-name", i)
		entry, err := fs.findEntry(ctx, dirNum, dir, name)
		require.NoError(t, err, "entry %s", name)
		require.Equal(t, target, entry.Inode)
	}
}

func TestRecLenChainTilesEveryBlock(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	dirNum, dir := rootDir(t, fs)

	target, err := fs.AllocateInode(ctx, 0, false)
	require.NoError(t, err)
	require.NoError(t, fs.WriteInode(ctx, target, newInode(ModeRegular|0o644, rootCreds())))

	names := []string{"a", "bb", "ccc", "a-much-longer-entry-name", "z"}
	for _, name := range names {
		require.NoError(t, fs.addEntry(ctx, dirNum, dir, name, target, FileTypeRegular))
	}
	_, err = fs.removeEntry(ctx, dirNum, dir, "ccc")
	require.NoError(t, err)

	// walk the raw chain: offsets advance by rec_len and land exactly on
	// block boundaries
	it := fs.iterateDir(dirNum, dir)
	defer it.Close()

	prevOffset := uint32(0)
	prevRecLen := uint32(0)
	seen := false
	for {
		entry, offset, err := it.Next(ctx)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		if seen {
			require.Equal(t, prevOffset+prevRecLen, offset)
		}
		require.Zero(t, entry.RecLen%4)
		prevOffset = offset
		prevRecLen = uint32(entry.RecLen)
		seen = true
	}
	require.True(t, seen)
	require.Equal(t, dir.Size, prevOffset+prevRecLen)
}

func TestIsDirEmpty(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	creds := rootCreds()

	require.NoError(t, fs.Mkdir(ctx, creds, "/sub", 0o755))
	subNum, sub, err := fs.ResolvePath(ctx, creds, "/sub")
	require.NoError(t, err)

	empty, err := fs.isDirEmpty(ctx, subNum, sub)
	require.NoError(t, err)
	require.True(t, empty, "fresh directory holds only . and ..")

	require.NoError(t, fs.Mkdir(ctx, creds, "/sub/child", 0o755))
	sub, err = fs.ReadInode(ctx, subNum)
	require.NoError(t, err)
	empty, err = fs.isDirEmpty(ctx, subNum, sub)
	require.NoError(t, err)
	require.False(t, empty)
}
