package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Datanode metrics
	DatanodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfs_datanodes_total",
			Help: "Total number of registered storage nodes by status",
		},
		[]string{"status"},
	)

	DatanodeAvailableBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfs_datanode_available_bytes",
			Help: "Available storage capacity reported by the last heartbeat, per node",
		},
		[]string{"node_id"},
	)

	// Namespace / block metrics
	FilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfs_files_total",
			Help: "Total number of files in the namespace",
		},
	)

	BlocksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dfs_blocks_total",
			Help: "Total number of blocks by health state",
		},
		[]string{"health"}, // healthy, under_replicated, degraded
	)

	ReplicationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfs_replication_queue_depth",
			Help: "Number of blocks currently queued for re-replication",
		},
	)

	// HA metrics
	HAIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfs_ha_is_leader",
			Help: "Whether this metadata node currently holds leadership (1=leader, 0=follower)",
		},
	)

	HATerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfs_ha_term",
			Help: "Current consensus term observed by this metadata node",
		},
	)

	HAElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dfs_ha_elections_total",
			Help: "Total number of elections this node has initiated",
		},
	)

	// Control-plane API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfs_api_requests_total",
			Help: "Total number of control-plane API requests by method and status code",
		},
		[]string{"method", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dfs_api_request_duration_seconds",
			Help:    "Control-plane API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Replication coordinator metrics
	ReplicationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfs_replication_attempts_total",
			Help: "Total re-replication attempts by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dfs_reconciliation_cycles_total",
			Help: "Total number of replication-coordinator repair cycles completed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dfs_reconciliation_duration_seconds",
			Help:    "Duration of a single replication-coordinator repair cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Datanode-side orphan sweep metrics
	OrphanBlocksDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfs_orphan_blocks_deleted_total",
			Help: "Total number of locally-stored blocks deleted after being unknown to the metadata plane past the grace period",
		},
		[]string{"node_id"},
	)

	// Client coordinator metrics
	ClientUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dfs_client_upload_duration_seconds",
			Help:    "Time taken for a full client put() to complete",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ClientDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dfs_client_download_duration_seconds",
			Help:    "Time taken for a full client get() to complete",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)

func init() {
	prometheus.MustRegister(DatanodesTotal)
	prometheus.MustRegister(DatanodeAvailableBytes)
	prometheus.MustRegister(FilesTotal)
	prometheus.MustRegister(BlocksTotal)
	prometheus.MustRegister(ReplicationQueueDepth)
	prometheus.MustRegister(HAIsLeader)
	prometheus.MustRegister(HATerm)
	prometheus.MustRegister(HAElectionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ReplicationAttemptsTotal)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(OrphanBlocksDeletedTotal)
	prometheus.MustRegister(ClientUploadDuration)
	prometheus.MustRegister(ClientDownloadDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
