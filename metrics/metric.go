package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "InodeX"
		},
	)

	OrphanScans = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "orphan_scans_total",
		Help: "background orphan scan passes",
	})
	OrphanScanItems = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "orphan_scan_items_total",
		Help: "orphan markers examined by the scanner",
	})
	OrphanScanCached = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "orphan_scan_cached_total",
		Help: "orphan markers skipped because the inode is cached locally",
	})
	OrphanScanOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "orphan_scan_open_total",
		Help: "orphan markers skipped because the inode is open elsewhere",
	})
	OrphanScanReads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "orphan_scan_reads_total",
		Help: "orphans instantiated by the scanner to trigger deletion",
	})
	OrphanScanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "orphan_scan_errors_total",
		Help: "orphan scan passes that ended with an error",
	})

	IndexLockRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "index_lock_retries_total",
		Help: "index lock preparations retried after a sequence advance",
	})

	InodeDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "inode_deletes_total",
		Help: "inodes whose items were fully deleted",
	})
	InodeDeleteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "inode_delete_errors_total",
		Help: "deletion passes aborted by an error, left for the scanner",
	})

	CorruptionEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "InodeX", Name: "corruption_events_total",
		Help: "invariant violations detected and reported",
	})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		OrphanScans,
		OrphanScanItems,
		OrphanScanCached,
		OrphanScanOpen,
		OrphanScanReads,
		OrphanScanErrors,
		IndexLockRetries,
		InodeDeletes,
		InodeDeleteErrors,
		CorruptionEvents,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "InodeX"
		},
	)
}
