package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource gauges
	SVMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arca_svms_total",
			Help: "Total number of SVMs by state",
		},
		[]string{"state"},
	)

	VolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arca_volumes_total",
			Help: "Total number of volumes",
		},
	)

	ExportsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arca_exports_total",
			Help: "Total number of exports",
		},
	)

	DirectoriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arca_directories_total",
			Help: "Total number of quota-backed directories",
		},
	)

	SVMsUnreachableTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arca_svms_nfs_unreachable_total",
			Help: "Number of Ready SVMs whose NFS daemon failed a TCP reachability probe on the most recent collection",
		},
	)

	// HA metrics
	HAIsPrimary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arca_ha_is_primary",
			Help: "Whether this node currently holds the HA primary role (1) or not (0)",
		},
	)

	HAGroupTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_ha_group_transitions_total",
			Help: "Total HA resource group transitions by target status",
		},
		[]string{"status"},
	)

	// REST API metrics
	RESTRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_rest_requests_total",
			Help: "Total REST requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	RESTRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arca_rest_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CSI metrics
	CSIControllerRPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_csi_controller_rpcs_total",
			Help: "Total CSI Controller RPCs by method and status",
		},
		[]string{"method", "status"},
	)

	CSIControllerRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arca_csi_controller_rpc_duration_seconds",
			Help:    "CSI Controller RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	CSINodeRPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_csi_node_rpcs_total",
			Help: "Total CSI Node RPCs by method and status",
		},
		[]string{"method", "status"},
	)

	CSINodeRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arca_csi_node_rpc_duration_seconds",
			Help:    "CSI Node RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SharedMountsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "arca_csi_node_shared_mounts_total",
			Help: "Total number of shared per-SVM NFS mounts currently held by this node",
		},
	)

	// Lock/lease metrics
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_lock_acquisitions_total",
			Help: "Total advisory lock acquisitions by key prefix and outcome",
		},
		[]string{"prefix", "outcome"},
	)

	LeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_lease_acquisitions_total",
			Help: "Total distributed lease acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	// Config renderer metrics
	ConfigRenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "arca_config_render_duration_seconds",
			Help:    "Time taken to render an exporter config file",
			Buckets: prometheus.DefBuckets,
		},
	)

	IPAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arca_ip_allocations_total",
			Help: "Total IP pool allocations by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(SVMsTotal)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(ExportsTotal)
	prometheus.MustRegister(DirectoriesTotal)
	prometheus.MustRegister(SVMsUnreachableTotal)
	prometheus.MustRegister(HAIsPrimary)
	prometheus.MustRegister(HAGroupTransitionsTotal)
	prometheus.MustRegister(RESTRequestsTotal)
	prometheus.MustRegister(RESTRequestDuration)
	prometheus.MustRegister(CSIControllerRPCsTotal)
	prometheus.MustRegister(CSIControllerRPCDuration)
	prometheus.MustRegister(CSINodeRPCsTotal)
	prometheus.MustRegister(CSINodeRPCDuration)
	prometheus.MustRegister(SharedMountsTotal)
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(LeaseAcquisitionsTotal)
	prometheus.MustRegister(ConfigRenderDuration)
	prometheus.MustRegister(IPAllocationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
