package blockdev

import "context"

// ============================================================================
// Device Interface
// ============================================================================

// Device is the raw block device consumed by the filesystem driver.
//
// The driver is deliberately ignorant of where volume bytes live: a local
// image file, an in-memory buffer, an embedded key-value database or an
// object store all look the same behind this interface. The driver only ever
// issues synchronous reads and writes at explicit byte offsets; there is no
// internal retry, caching or reordering at this layer.
//
// Offset Semantics:
// Offsets are absolute byte positions from the start of the volume. The
// filesystem layer converts block numbers into byte offsets before calling
// into the device, so implementations never need to know the block size.
//
// Error Semantics:
// I/O failures are returned verbatim to the caller; the filesystem layer
// wraps them into its IoFailure domain error. Short reads and short writes
// are errors: a call either transfers len(buf) bytes or fails.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
// The filesystem serializes metadata mutations itself, but data reads can be
// issued concurrently.
type Device interface {
	// ReadAt fills buf with len(buf) bytes starting at byte offset off.
	ReadAt(ctx context.Context, off uint64, buf []byte) error

	// WriteAt writes len(buf) bytes starting at byte offset off.
	WriteAt(ctx context.Context, off uint64, buf []byte) error

	// Size returns the total size of the device in bytes.
	Size() uint64

	// Sync flushes any buffered writes to durable storage.
	Sync(ctx context.Context) error

	// Close releases the device. The device must not be used afterwards.
	Close() error
}
