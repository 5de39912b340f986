package e2e

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/ext2fs/pkg/blockdev"
	badgerdev "github.com/marmos91/ext2fs/pkg/blockdev/badger"
	filedev "github.com/marmos91/ext2fs/pkg/blockdev/file"
	"github.com/marmos91/ext2fs/pkg/blockdev/memory"
	"github.com/marmos91/ext2fs/pkg/ext2"
)

const volumeSize = 32 << 20

// backend builds one block device flavor for the cross-backend suites.
type backend struct {
	name string
	make func(t *testing.T) blockdev.Device
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			make: func(t *testing.T) blockdev.Device {
				return memory.New(volumeSize)
			},
		},
		{
			name: "file",
			make: func(t *testing.T) blockdev.Device {
				dev, err := filedev.Create(filepath.Join(t.TempDir(), "volume.img"), volumeSize)
				require.NoError(t, err)
				return dev
			},
		},
		{
			name: "badger",
			make: func(t *testing.T) blockdev.Device {
				dev, err := badgerdev.New(context.Background(), badgerdev.Options{
					InMemory: true,
					Size:     volumeSize,
				})
				require.NoError(t, err)
				return dev
			},
		},
	}
}

// mountFresh formats the device and mounts it, wiring cleanup into t.
func mountFresh(t *testing.T, dev blockdev.Device) *ext2.Filesystem {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, ext2.Format(ctx, dev, ext2.FormatOptions{VolumeName: "e2e"}))

	fs, err := ext2.Mount(ctx, dev, ext2.MountOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Unmount(context.Background())
		dev.Close()
	})
	return fs
}

func rootCreds() ext2.Credentials {
	return ext2.Credentials{UID: 0, GID: 0}
}

func writeWhole(t *testing.T, fs *ext2.Filesystem, path string, data []byte) {
	t.Helper()
	ctx := context.Background()

	f, err := fs.Open(ctx, rootCreds(), path, ext2.OpenWrite|ext2.OpenCreate|ext2.OpenTruncate, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write(ctx, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func readWhole(t *testing.T, fs *ext2.Filesystem, path string) []byte {
	t.Helper()
	ctx := context.Background()

	f, err := fs.Open(ctx, rootCreds(), path, ext2.OpenRead, 0)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, f.Size())
	n, err := f.ReadAt(ctx, 0, buf)
	require.NoError(t, err)
	return buf[:n]
}
