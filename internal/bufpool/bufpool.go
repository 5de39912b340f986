package bufpool

import (
	"sync"
)

// ============================================================================
// Buffer Pool for Block Staging
// ============================================================================
//
// The buffer pool provides reusable byte slices for staging filesystem
// blocks between the block device and the driver's typed structures. Every
// read-modify-write of a bitmap, inode table block, indirection block or
// directory block goes through a transient buffer; pooling them keeps the
// hot metadata paths allocation-free.
//
// Design Rationale:
// - Block sizes are one of 1KB, 2KB or 4KB (1024 << log_block_size)
// - Superblock and BGDT transfers can span a few blocks at once
// - sync.Pool provides automatic GC-aware management
//
// Thread Safety:
// - All operations are thread-safe via sync.Pool
// - Safe for concurrent use from multiple filesystem operations

const (
	// smallBufferSize covers 1KB and 2KB block-size volumes as well as
	// single descriptors and inode records.
	smallBufferSize = 4 << 10 // 4KB

	// largeBufferSize covers multi-block transfers such as the BGDT of a
	// large volume or a full bitmap scan window.
	largeBufferSize = 64 << 10 // 64KB
)

// bufferPool manages byte slice pools organized by size class and provides
// fallback allocation for oversized requests.
type bufferPool struct {
	small sync.Pool // 4KB buffers
	large sync.Pool // 64KB buffers
}

// globalBufferPool is the package-level pool shared by all mounted
// filesystem instances.
var globalBufferPool = &bufferPool{
	small: sync.Pool{
		New: func() any {
			buf := make([]byte, smallBufferSize)
			return &buf
		},
	},
	large: sync.Pool{
		New: func() any {
			buf := make([]byte, largeBufferSize)
			return &buf
		},
	},
}

// Get returns a zeroed byte slice of exactly the requested length, backed by
// a pooled buffer when the size fits a pool class.
//
// The caller must call Put() when finished with the buffer. Buffers larger
// than largeBufferSize are allocated directly and will not be pooled.
func (p *bufferPool) Get(size uint32) []byte {
	var bufPtr *[]byte

	switch {
	case size <= smallBufferSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= largeBufferSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := (*bufPtr)[:size]

	// Pooled buffers carry stale bytes from their previous use; callers
	// rely on freshly allocated buffers reading as zeroes.
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer to the pool for reuse. The buffer must have been
// obtained from Get() and must not be used after Put().
func (p *bufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case smallBufferSize:
		fullBuf := buf[:cap(buf)]
		p.small.Put(&fullBuf)
	case largeBufferSize:
		fullBuf := buf[:cap(buf)]
		p.large.Put(&fullBuf)
	default:
		// Oversized buffers are garbage collected normally.
	}
}

// Get acquires a zeroed buffer from the global pool.
//
// Usage:
//
//	buf := bufpool.Get(blockSize)
//	defer bufpool.Put(buf)
func Get(size uint32) []byte {
	return globalBufferPool.Get(size)
}

// Put returns a buffer to the global pool. Always pair with Get().
func Put(buf []byte) {
	globalBufferPool.Put(buf)
}
