package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/ext2fs/pkg/ext2"
)

// TestFileWorkloadAcrossBackends runs the same mixed workload on every
// device backend: a directory tree, files small and large, renames, hard
// links and symlinks, then verifies the whole tree.
func TestFileWorkloadAcrossBackends(t *testing.T) {
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			ctx := context.Background()
			fs := mountFresh(t, be.make(t))
			creds := rootCreds()

			require.NoError(t, fs.Mkdir(ctx, creds, "/projects", 0o755))
			require.NoError(t, fs.Mkdir(ctx, creds, "/projects/alpha", 0o755))
			require.NoError(t, fs.Mkdir(ctx, creds, "/archive", 0o755))

			// a file large enough to need indirect blocks
			large := make([]byte, 600*1024)
			for i := range large {
				large[i] = byte(i * 17)
			}
			writeWhole(t, fs, "/projects/alpha/blob.bin", large)

			for i := 0; i < 20; i++ {
				writeWhole(t, fs, fmt.Sprintf("/projects/note-%02d.txt", i),
					[]byte(fmt.Sprintf("note %d", i)))
			}

			require.NoError(t, fs.Link(ctx, creds, "/projects/alpha/blob.bin", "/archive/blob.bin"))
			require.NoError(t, fs.Symlink(ctx, creds, "/projects/alpha/blob.bin", "/blob-link"))
			require.NoError(t, fs.Rename(ctx, creds, "/projects/note-00.txt", "/archive/first-note.txt"))

			require.Equal(t, large, readWhole(t, fs, "/projects/alpha/blob.bin"))
			require.Equal(t, large, readWhole(t, fs, "/archive/blob.bin"))
			require.Equal(t, []byte("note 0"), readWhole(t, fs, "/archive/first-note.txt"))

			target, err := fs.Readlink(ctx, creds, "/blob-link")
			require.NoError(t, err)
			require.Equal(t, "/projects/alpha/blob.bin", target)

			// dropping one hard link keeps the content reachable
			require.NoError(t, fs.Unlink(ctx, creds, "/projects/alpha/blob.bin"))
			require.Equal(t, large, readWhole(t, fs, "/archive/blob.bin"))

			info, err := fs.Stat(ctx, creds, "/archive/blob.bin")
			require.NoError(t, err)
			require.Equal(t, uint16(1), info.LinksCount)
		})
	}
}

// TestPersistenceAcrossRemount checks that a populated volume survives an
// unmount/mount cycle on backends whose device object stays usable.
func TestPersistenceAcrossRemount(t *testing.T) {
	for _, be := range backends() {
		t.Run(be.name, func(t *testing.T) {
			ctx := context.Background()
			dev := be.make(t)
			fs := mountFresh(t, dev)
			creds := rootCreds()

			require.NoError(t, fs.Mkdir(ctx, creds, "/kept", 0o755))
			writeWhole(t, fs, "/kept/data", []byte("across remount"))
			require.NoError(t, fs.Unmount(ctx))

			remounted, err := ext2.Mount(ctx, dev, ext2.MountOptions{})
			require.NoError(t, err)
			defer remounted.Unmount(ctx)

			require.Equal(t, []byte("across remount"), readWhole(t, remounted, "/kept/data"))
		})
	}
}

// TestReadOnlyRemount populates a volume, remounts it read-only and checks
// the write paths are refused while reads keep working.
func TestReadOnlyRemount(t *testing.T) {
	ctx := context.Background()
	dev := backends()[0].make(t)
	fs := mountFresh(t, dev)
	creds := rootCreds()

	writeWhole(t, fs, "/frozen", []byte("immutable"))
	require.NoError(t, fs.Unmount(ctx))

	ro, err := ext2.Mount(ctx, dev, ext2.MountOptions{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Unmount(ctx)

	require.Equal(t, []byte("immutable"), readWhole(t, ro, "/frozen"))

	require.Equal(t, ext2.ErrReadOnly, ext2.CodeOf(ro.Mkdir(ctx, creds, "/nope", 0o755)))
	_, err = ro.Open(ctx, creds, "/frozen", ext2.OpenWrite, 0)
	require.Equal(t, ext2.ErrReadOnly, ext2.CodeOf(err))
}

// TestManyFilesStressDirectory creates enough entries to push the root
// directory through several block allocations and then removes them all,
// checking the allocator counters return to the baseline.
func TestManyFilesStressDirectory(t *testing.T) {
	ctx := context.Background()
	fs := mountFresh(t, backends()[0].make(t))
	creds := rootCreds()

	_, freeBlocksBefore, _, freeInodesBefore := fs.Stats()

	const count = 200
	for i := 0; i < count; i++ {
		writeWhole(t, fs, fmt.Sprintf("/stress-file-%03d", i), []byte("x"))
	}

	for i := 0; i < count; i++ {
		require.NoError(t, fs.Unlink(ctx, creds, fmt.Sprintf("/stress-file-%03d", i)))
	}

	_, freeBlocksAfter, _, freeInodesAfter := fs.Stats()
	require.Equal(t, freeInodesBefore, freeInodesAfter)
	// directory blocks allocated for the entries stay with the directory,
	// every file block must be back
	require.LessOrEqual(t, freeBlocksBefore-freeBlocksAfter, uint32(8))
}
