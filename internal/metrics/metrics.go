package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrybe_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Reservation Metrics
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_reservations_total",
			Help: "Total number of successful reservations by funding source",
		},
		[]string{"source"},
	)

	ReservationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_reservation_failures_total",
			Help: "Total number of rejected reservations by reason",
		},
		[]string{"reason"},
	)

	MinutesReservedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrybe_minutes_reserved_total",
			Help: "Total subscription minutes reserved",
		},
	)

	CreditsSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrybe_credits_spent_total",
			Help: "Total wallet credits spent on reservations",
		},
	)

	CreditsRefundedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrybe_credits_refunded_total",
			Help: "Total wallet credits refunded",
		},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_jobs_created_total",
			Help: "Total number of transcription jobs created",
		},
		[]string{"mode"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobsQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrybe_jobs_queue_depth",
			Help: "Number of submissions waiting in queue",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrybe_job_duration_seconds",
			Help:    "Wall-clock time from submission to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		},
		[]string{"mode"},
	)

	StuckJobsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrybe_stuck_jobs_swept_total",
			Help: "Total number of jobs failed by the stuck-job sweeper",
		},
	)

	// Provider Metrics
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_provider_requests_total",
			Help: "Total number of transcription provider requests",
		},
		[]string{"operation", "status"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrybe_provider_request_duration_seconds",
			Help:    "Provider request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		},
		[]string{"operation"},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_provider_callbacks_total",
			Help: "Total number of provider callbacks by outcome",
		},
		[]string{"outcome"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrybe_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordReservation records a successful reservation
func RecordReservation(source string, minutes, credits int) {
	ReservationsTotal.WithLabelValues(source).Inc()
	MinutesReservedTotal.Add(float64(minutes))
	CreditsSpentTotal.Add(float64(credits))
}

// RecordProviderRequest records a provider request
func RecordProviderRequest(operation, status string, duration float64) {
	ProviderRequestsTotal.WithLabelValues(operation, status).Inc()
	ProviderRequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
