package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FilesystemMetrics collects allocator and I/O activity for one mounted
// volume.
//
// A nil *FilesystemMetrics is a valid no-op receiver, so callers never need
// to guard metric calls:
//
//	var m *metrics.FilesystemMetrics // nil: metrics disabled
//	m.BlockAllocated()               // safe, does nothing
type FilesystemMetrics struct {
	blocksAllocated prometheus.Counter
	blocksFreed     prometheus.Counter
	inodesAllocated prometheus.Counter
	inodesFreed     prometheus.Counter
	bytesRead       prometheus.Counter
	bytesWritten    prometheus.Counter
	openFiles       prometheus.Gauge
	freeBlocks      prometheus.Gauge
	freeInodes      prometheus.Gauge
}

// NewFilesystemMetrics creates metrics for one volume, labeled by volume
// name. Returns nil (no-op) when the global registry is not initialized.
func NewFilesystemMetrics(volume string) *FilesystemMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	labels := prometheus.Labels{"volume": volume}
	factory := promauto.With(reg)

	return &FilesystemMetrics{
		blocksAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ext2fs_blocks_allocated_total",
			Help:        "Number of data/indirection blocks allocated.",
			ConstLabels: labels,
		}),
		blocksFreed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ext2fs_blocks_freed_total",
			Help:        "Number of blocks returned to the free bitmap.",
			ConstLabels: labels,
		}),
		inodesAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ext2fs_inodes_allocated_total",
			Help:        "Number of inodes allocated.",
			ConstLabels: labels,
		}),
		inodesFreed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ext2fs_inodes_freed_total",
			Help:        "Number of inodes returned to the free bitmap.",
			ConstLabels: labels,
		}),
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ext2fs_read_bytes_total",
			Help:        "File data bytes read.",
			ConstLabels: labels,
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ext2fs_written_bytes_total",
			Help:        "File data bytes written.",
			ConstLabels: labels,
		}),
		openFiles: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ext2fs_open_files",
			Help:        "Currently open file handles.",
			ConstLabels: labels,
		}),
		freeBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ext2fs_free_blocks",
			Help:        "Free blocks according to the superblock.",
			ConstLabels: labels,
		}),
		freeInodes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "ext2fs_free_inodes",
			Help:        "Free inodes according to the superblock.",
			ConstLabels: labels,
		}),
	}
}

// BlockAllocated records one block allocation.
func (m *FilesystemMetrics) BlockAllocated() {
	if m == nil {
		return
	}
	m.blocksAllocated.Inc()
}

// BlockFreed records one block free.
func (m *FilesystemMetrics) BlockFreed() {
	if m == nil {
		return
	}
	m.blocksFreed.Inc()
}

// InodeAllocated records one inode allocation.
func (m *FilesystemMetrics) InodeAllocated() {
	if m == nil {
		return
	}
	m.inodesAllocated.Inc()
}

// InodeFreed records one inode free.
func (m *FilesystemMetrics) InodeFreed() {
	if m == nil {
		return
	}
	m.inodesFreed.Inc()
}

// BytesRead records file data read volume.
func (m *FilesystemMetrics) BytesRead(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

// BytesWritten records file data write volume.
func (m *FilesystemMetrics) BytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// SetOpenFiles updates the open-handle gauge.
func (m *FilesystemMetrics) SetOpenFiles(n int) {
	if m == nil {
		return
	}
	m.openFiles.Set(float64(n))
}

// SetFreeCounts updates the free-space gauges from superblock counters.
func (m *FilesystemMetrics) SetFreeCounts(freeBlocks, freeInodes uint32) {
	if m == nil {
		return
	}
	m.freeBlocks.Set(float64(freeBlocks))
	m.freeInodes.Set(float64(freeInodes))
}
