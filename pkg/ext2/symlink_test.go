package ext2

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInlineSymlink(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	creds := rootCreds()

	target := "/short/target"
	require.Less(t, len(target), inlineSymlinkMax)

	require.NoError(t, fs.Symlink(ctx, creds, target, "/link"))

	got, err := fs.Readlink(ctx, creds, "/link")
	require.NoError(t, err)
	require.Equal(t, target, got)

	// the target lives in the pointer slots, no data block is used
	info, err := fs.Stat(ctx, creds, "/link")
	require.NoError(t, err)
	require.Zero(t, info.BlocksCount)
	require.Equal(t, uint32(len(target)), info.Size)
	require.Equal(t, uint16(ModeSymlink|0o777), info.Mode)
}

func TestLongSymlinkUsesDataBlock(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	creds := rootCreds()

	target := "/" + strings.Repeat("long-component/", 10) + "leaf"
	require.GreaterOrEqual(t, len(target), inlineSymlinkMax)

	require.NoError(t, fs.Symlink(ctx, creds, target, "/link"))

	got, err := fs.Readlink(ctx, creds, "/link")
	require.NoError(t, err)
	require.Equal(t, target, got)

	info, err := fs.Stat(ctx, creds, "/link")
	require.NoError(t, err)
	require.NotZero(t, info.BlocksCount)
}

func TestInlineSymlinkSurvivesRemount(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	creds := rootCreds()

	require.NoError(t, fs.Symlink(ctx, creds, "/kept/across", "/link"))
	require.NoError(t, fs.Unmount(ctx))

	remounted, err := Mount(ctx, fs.dev, MountOptions{})
	require.NoError(t, err)
	defer remounted.Unmount(ctx)

	got, err := remounted.Readlink(ctx, creds, "/link")
	require.NoError(t, err)
	require.Equal(t, "/kept/across", got)
}

func TestSymlinkRejections(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	creds := rootCreds()

	// empty and oversized targets
	require.Equal(t, ErrInvalidArgument, CodeOf(fs.Symlink(ctx, creds, "", "/l")))
	huge := strings.Repeat("x", int(fs.geo.BlockSize)+1)
	require.Equal(t, ErrInvalidArgument, CodeOf(fs.Symlink(ctx, creds, huge, "/l")))

	// an existing name is not overwritten
	require.NoError(t, fs.Symlink(ctx, creds, "/t", "/l"))
	require.Equal(t, ErrAlreadyExists, CodeOf(fs.Symlink(ctx, creds, "/t", "/l")))

	// readlink on a non-link
	require.NoError(t, fs.Mkdir(ctx, creds, "/d", 0o755))
	_, err := fs.Readlink(ctx, creds, "/d")
	require.Equal(t, ErrInvalidArgument, CodeOf(err))
}

func TestSymlinkRemoval(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	creds := rootCreds()

	_, freeBlocksBefore, _, freeInodesBefore := fs.Stats()

	long := "/" + strings.Repeat("deep/", 20) + "end"
	require.NoError(t, fs.Symlink(ctx, creds, long, "/gone"))
	require.NoError(t, fs.Unlink(ctx, creds, "/gone"))

	_, freeBlocksAfter, _, freeInodesAfter := fs.Stats()
	require.Equal(t, freeBlocksBefore, freeBlocksAfter)
	require.Equal(t, freeInodesBefore, freeInodesAfter)
}
