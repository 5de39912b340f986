package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/ext2fs/pkg/blockdev"
)

// MemoryDevice implements blockdev.Device using an in-memory byte slice.
//
// This implementation is designed for:
//   - Unit tests that need a scratch volume without touching disk
//   - Formatting experiments (mkfs into memory, inspect the result)
//   - Ephemeral volumes
//
// Characteristics:
//   - Fast: all operations are memory-speed
//   - Volatile: contents are lost when the device is garbage collected
//   - Thread-safe: protected by a RWMutex
// Compiles only if MemoryDevice implements blockdev.Device.
var _ blockdev.Device = (*MemoryDevice)(nil)

type MemoryDevice struct {
	// data holds the full volume image
	data []byte

	// mu protects concurrent access to data
	mu sync.RWMutex
}

// New creates an in-memory device of the given size. The volume starts
// zero-filled, which conveniently reads as "no filesystem" until formatted.
func New(size uint64) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, size)}
}

// FromBytes wraps an existing volume image. The device takes ownership of
// the slice; callers must not modify it afterwards.
func FromBytes(image []byte) *MemoryDevice {
	return &MemoryDevice{data: image}
}

// ReadAt implements blockdev.Device.
func (dev *MemoryDevice) ReadAt(ctx context.Context, off uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dev.mu.RLock()
	defer dev.mu.RUnlock()

	if off+uint64(len(buf)) > uint64(len(dev.data)) {
		return fmt.Errorf(
			"read of %d bytes at offset %d beyond device size %d",
			len(buf), off, len(dev.data),
		)
	}

	copy(buf, dev.data[off:off+uint64(len(buf))])
	return nil
}

// WriteAt implements blockdev.Device.
func (dev *MemoryDevice) WriteAt(ctx context.Context, off uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if off+uint64(len(buf)) > uint64(len(dev.data)) {
		return fmt.Errorf(
			"write of %d bytes at offset %d beyond device size %d",
			len(buf), off, len(dev.data),
		)
	}

	copy(dev.data[off:], buf)
	return nil
}

// Size implements blockdev.Device.
func (dev *MemoryDevice) Size() uint64 {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	return uint64(len(dev.data))
}

// Sync implements blockdev.Device. Memory writes are immediately visible, so
// this is a no-op.
func (dev *MemoryDevice) Sync(ctx context.Context) error {
	return ctx.Err()
}

// Close implements blockdev.Device.
func (dev *MemoryDevice) Close() error {
	return nil
}
