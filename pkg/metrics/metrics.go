package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_pool_instances",
			Help: "Number of execution instances by state",
		},
		[]string{"state"},
	)

	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_pool_queue_depth",
			Help: "Number of requests waiting for an instance",
		},
	)

	PoolAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchdog_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_instances_created_total",
			Help: "Total number of execution instances created",
		},
	)

	InstanceCreationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_instance_creation_failures_total",
			Help: "Total number of failed instance creations",
		},
	)

	InstancesDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_instances_destroyed_total",
			Help: "Total number of destroyed instances by reason",
		},
		[]string{"reason"},
	)

	InstanceColdStart = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchdog_instance_cold_start_seconds",
			Help:    "Time taken to create and warm an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_invocations_total",
			Help: "Total number of invocations by outcome",
		},
		[]string{"outcome"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchdog_invocation_duration_seconds",
			Help:    "Invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// GPU metrics
	GPULeaseWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchdog_gpu_lease_wait_seconds",
			Help:    "Time spent waiting for the GPU lease in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GPULeaseHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_gpu_lease_held",
			Help: "Whether the GPU lease is currently held (1 = held, 0 = free)",
		},
	)

	GPULeaseTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_gpu_lease_timeouts_total",
			Help: "Total number of GPU lease requests that timed out",
		},
	)

	// Filesystem metrics
	COWBlocksCopied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_cow_blocks_copied_total",
			Help: "Total number of base blocks copied into an overlay on first write",
		},
	)

	BaseBlockCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_base_block_cache_total",
			Help: "Base block cache lookups by result",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_http_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchdog_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	HTTPInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)
)

func init() {
	prometheus.MustRegister(PoolInstances)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(PoolAcquireWait)
	prometheus.MustRegister(InstancesCreated)
	prometheus.MustRegister(InstanceCreationFailures)
	prometheus.MustRegister(InstancesDestroyed)
	prometheus.MustRegister(InstanceColdStart)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(GPULeaseWait)
	prometheus.MustRegister(GPULeaseHeld)
	prometheus.MustRegister(GPULeaseTimeouts)
	prometheus.MustRegister(COWBlocksCopied)
	prometheus.MustRegister(BaseBlockCache)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPInflight)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
