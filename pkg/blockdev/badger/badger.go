package badger

import (
	"context"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/ext2fs/pkg/blockdev"
)

// DefaultChunkSize is the granularity at which volume bytes are stored as
// BadgerDB values. 64 KiB keeps the value count low while staying well under
// Badger's value log thresholds.
const DefaultChunkSize = 64 * 1024

// metaSizeKey stores the logical device size so the volume geometry
// survives restarts.
var metaSizeKey = []byte("meta:size")

// BadgerDevice implements blockdev.Device on top of an embedded BadgerDB.
//
// The volume is persisted as fixed-size chunks keyed by chunk index. Chunks
// that have never been written are absent from the database and read back as
// zeroes, so a freshly created multi-gigabyte volume costs almost nothing on
// disk until it fills up (sparse-image behavior).
//
// This backend is suitable for:
//   - Persistent volumes without a preallocated image file
//   - Environments where a single append-friendly database file set is
//     easier to manage than a raw image
//
// Thread Safety:
// BadgerDB transactions provide isolation; concurrent reads are safe and
// concurrent writes to disjoint chunks are safe. The filesystem layer
// serializes metadata writes itself.
// Compiles only if BadgerDevice implements blockdev.Device.
var _ blockdev.Device = (*BadgerDevice)(nil)

type BadgerDevice struct {
	db        *badger.DB
	size      uint64
	chunkSize uint64
}

// Options configures a BadgerDevice.
type Options struct {
	// Path is the directory holding the Badger database files.
	Path string

	// Size is the logical device size in bytes. Required when creating a
	// new volume; ignored (and read from the database) when reopening.
	Size uint64

	// ChunkSize overrides DefaultChunkSize. Must divide the block size or
	// be a multiple of it; power-of-two sizes are recommended.
	ChunkSize uint64

	// InMemory runs Badger fully in memory (tests).
	InMemory bool
}

// New opens or creates a Badger-backed device.
func New(ctx context.Context, opts Options) (*BadgerDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	badgerOpts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithCompression(options.None).
		WithInMemory(opts.InMemory)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger volume at %q: %w", opts.Path, err)
	}

	dev := &BadgerDevice{db: db, chunkSize: chunkSize}

	// Reuse the persisted size when reopening an existing volume.
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSizeKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt size record (%d bytes)", len(val))
			}
			dev.size = binary.LittleEndian.Uint64(val)
			return nil
		})
	})

	switch {
	case err == badger.ErrKeyNotFound:
		if opts.Size == 0 {
			db.Close()
			return nil, fmt.Errorf("badger volume at %q has no size record and no size was given", opts.Path)
		}
		dev.size = opts.Size
		sizeBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(sizeBuf, dev.size)
		if err := db.Update(func(txn *badger.Txn) error {
			return txn.Set(metaSizeKey, sizeBuf)
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("persisting volume size: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("reading volume size: %w", err)
	}

	return dev, nil
}

// chunkKey builds the key for chunk index idx: "chunk:" + big-endian index.
// Big-endian keeps keys sorted by chunk order for efficient iteration.
func chunkKey(idx uint64) []byte {
	key := make([]byte, 6+8)
	copy(key, "chunk:")
	binary.BigEndian.PutUint64(key[6:], idx)
	return key
}

// ReadAt implements blockdev.Device.
func (dev *BadgerDevice) ReadAt(ctx context.Context, off uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if off+uint64(len(buf)) > dev.size {
		return fmt.Errorf("read of %d bytes at offset %d beyond device size %d",
			len(buf), off, dev.size)
	}

	return dev.db.View(func(txn *badger.Txn) error {
		done := uint64(0)
		for done < uint64(len(buf)) {
			chunkIdx := (off + done) / dev.chunkSize
			chunkOff := (off + done) % dev.chunkSize
			n := dev.chunkSize - chunkOff
			if remaining := uint64(len(buf)) - done; n > remaining {
				n = remaining
			}

			dst := buf[done : done+n]

			item, err := txn.Get(chunkKey(chunkIdx))
			switch {
			case err == badger.ErrKeyNotFound:
				// Never-written chunk: reads as zeroes.
				for i := range dst {
					dst[i] = 0
				}
			case err != nil:
				return fmt.Errorf("reading chunk %d: %w", chunkIdx, err)
			default:
				if err := item.Value(func(val []byte) error {
					if uint64(len(val)) < chunkOff+n {
						return fmt.Errorf("chunk %d truncated: %d bytes", chunkIdx, len(val))
					}
					copy(dst, val[chunkOff:chunkOff+n])
					return nil
				}); err != nil {
					return err
				}
			}

			done += n
		}
		return nil
	})
}

// WriteAt implements blockdev.Device.
func (dev *BadgerDevice) WriteAt(ctx context.Context, off uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if off+uint64(len(buf)) > dev.size {
		return fmt.Errorf("write of %d bytes at offset %d beyond device size %d",
			len(buf), off, dev.size)
	}

	return dev.db.Update(func(txn *badger.Txn) error {
		done := uint64(0)
		for done < uint64(len(buf)) {
			chunkIdx := (off + done) / dev.chunkSize
			chunkOff := (off + done) % dev.chunkSize
			n := dev.chunkSize - chunkOff
			if remaining := uint64(len(buf)) - done; n > remaining {
				n = remaining
			}

			chunk := make([]byte, dev.chunkSize)

			// Partial chunk writes need the existing content preserved.
			if chunkOff != 0 || n != dev.chunkSize {
				item, err := txn.Get(chunkKey(chunkIdx))
				if err != nil && err != badger.ErrKeyNotFound {
					return fmt.Errorf("reading chunk %d for partial write: %w", chunkIdx, err)
				}
				if err == nil {
					if err := item.Value(func(val []byte) error {
						copy(chunk, val)
						return nil
					}); err != nil {
						return err
					}
				}
			}

			copy(chunk[chunkOff:], buf[done:done+n])

			if err := txn.Set(chunkKey(chunkIdx), chunk); err != nil {
				return fmt.Errorf("writing chunk %d: %w", chunkIdx, err)
			}

			done += n
		}
		return nil
	})
}

// Size implements blockdev.Device.
func (dev *BadgerDevice) Size() uint64 {
	return dev.size
}

// Sync implements blockdev.Device.
func (dev *BadgerDevice) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dev.db.Sync(); err != nil {
		return fmt.Errorf("syncing badger volume: %w", err)
	}
	return nil
}

// Close implements blockdev.Device.
func (dev *BadgerDevice) Close() error {
	return dev.db.Close()
}
