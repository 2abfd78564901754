package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Watcher metrics
	WatcherLastProcessedBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oz_monitor_watcher_last_processed_block",
			Help: "Last processed block height by network",
		},
		[]string{"network"},
	)

	WatcherScanIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_watcher_scan_iterations_total",
			Help: "Total number of scan loop iterations by network and outcome",
		},
		[]string{"network", "outcome"},
	)

	WatcherBlocksFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_watcher_blocks_fetched_total",
			Help: "Total number of blocks fetched by network",
		},
		[]string{"network"},
	)

	WatcherSubscriberLag = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_watcher_subscriber_lag_total",
			Help: "Total number of events dropped for lagging subscribers by network",
		},
		[]string{"network"},
	)

	WatcherScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oz_monitor_watcher_scan_duration_seconds",
			Help:    "Time taken for a scan loop iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network"},
	)

	// Load balancer metrics
	BalancerTenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oz_monitor_balancer_tenants_total",
			Help: "Total number of tenants with a current assignment",
		},
	)

	BalancerWorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oz_monitor_balancer_workers_total",
			Help: "Total number of registered workers",
		},
	)

	BalancerRebalancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oz_monitor_balancer_rebalances_total",
			Help: "Total number of whole-fleet rebalances performed",
		},
	)

	BalancerAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_balancer_assignments_total",
			Help: "Total number of tenant assignments by reason",
		},
		[]string{"reason"},
	)

	BalancerNoWorkersAvailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oz_monitor_balancer_no_workers_available_total",
			Help: "Total number of assign_tenant calls that failed with NoWorkersAvailable",
		},
	)

	// Worker / monitor services metrics
	WorkerTenantsAssigned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oz_monitor_worker_tenants_assigned",
			Help: "Number of tenants currently assigned to a worker",
		},
		[]string{"worker_id"},
	)

	WorkerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oz_monitor_worker_status",
			Help: "Worker status as a 1 for the current status label, 0 otherwise",
		},
		[]string{"worker_id", "status"},
	)

	MonitorMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_matches_total",
			Help: "Total number of tenant monitor matches produced",
		},
		[]string{"network"},
	)

	TriggerConditionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_trigger_condition_errors_total",
			Help: "Total number of fail-open trigger condition errors",
		},
		[]string{"kind"},
	)

	TriggerDispatchErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oz_monitor_trigger_dispatch_errors_total",
			Help: "Total number of trigger dispatch errors (logged and swallowed)",
		},
	)

	BlockProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oz_monitor_block_processing_duration_seconds",
			Help:    "Time taken to process one block for one tenant",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_cache_hits_total",
			Help: "Total number of block cache hits by class",
		},
		[]string{"class"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_cache_misses_total",
			Help: "Total number of block cache misses by class",
		},
		[]string{"class"},
	)

	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_cache_errors_total",
			Help: "Total number of block cache communication errors (degraded to miss/swallowed)",
		},
		[]string{"op"},
	)

	// Repository metrics
	RepositoryQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oz_monitor_repository_query_duration_seconds",
			Help:    "Time taken for a tenant repository query in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	RepositoryQueryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oz_monitor_repository_query_errors_total",
			Help: "Total number of tenant repository query errors",
		},
		[]string{"query"},
	)
)

func init() {
	prometheus.MustRegister(
		WatcherLastProcessedBlock,
		WatcherScanIterations,
		WatcherBlocksFetched,
		WatcherSubscriberLag,
		WatcherScanDuration,
		BalancerTenantsTotal,
		BalancerWorkersTotal,
		BalancerRebalancesTotal,
		BalancerAssignmentsTotal,
		BalancerNoWorkersAvailable,
		WorkerTenantsAssigned,
		WorkerStatus,
		MonitorMatchesTotal,
		TriggerConditionErrorsTotal,
		TriggerDispatchErrorsTotal,
		BlockProcessingDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheErrorsTotal,
		RepositoryQueryDuration,
		RepositoryQueryErrorsTotal,
	)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
