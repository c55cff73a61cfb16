package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal   *prometheus.CounterVec
	httpLatencySeconds  *prometheus.HistogramVec
	httpErrorsTotal     *prometheus.CounterVec
	pickupTransitions   *prometheus.CounterVec
	pickupRejections    *prometheus.CounterVec
	pickupAutoCompleted prometheus.Counter
	storeRetriesTotal   *prometheus.CounterVec
	changeEventsTotal   *prometheus.CounterVec
	syncRefetchesTotal  *prometheus.CounterVec
	syncDiscardedTotal  prometheus.Counter
	syncViewsActive     prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pickup_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		pickupTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_request_transitions_total",
			Help: "Pickup request status transitions applied.",
		}, []string{"from", "to"})

		pickupRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_request_rejections_total",
			Help: "Pickup operations rejected, by error kind.",
		}, []string{"operation", "reason"})

		pickupAutoCompleted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pickup_auto_completed_total",
			Help: "Called requests completed by the auto-complete timer.",
		})

		storeRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_store_retries_total",
			Help: "Retries of transient store failures.",
		}, []string{"operation"})

		changeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_change_events_total",
			Help: "Change events delivered to local subscribers, by origin.",
		}, []string{"table", "origin"})

		syncRefetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_sync_refetches_total",
			Help: "Sync view refetches, by trigger.",
		}, []string{"trigger"})

		syncDiscardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pickup_sync_stale_results_total",
			Help: "Fetch results discarded because a newer state was already applied.",
		})

		syncViewsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pickup_sync_views_active",
			Help: "Live sync views currently open.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			pickupTransitions, pickupRejections, pickupAutoCompleted, storeRetriesTotal,
			changeEventsTotal, syncRefetchesTotal, syncDiscardedTotal, syncViewsActive,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// PickupTransitions counts applied status transitions.
func PickupTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return pickupTransitions
}

// PickupRejections counts rejected pickup operations.
func PickupRejections() *prometheus.CounterVec {
	RegisterMetrics()
	return pickupRejections
}

// PickupAutoCompleted counts timer-driven completions.
func PickupAutoCompleted() prometheus.Counter {
	RegisterMetrics()
	return pickupAutoCompleted
}

// StoreRetries counts transient store retries.
func StoreRetries() *prometheus.CounterVec {
	RegisterMetrics()
	return storeRetriesTotal
}

// ChangeEvents counts change events handed to local subscribers.
func ChangeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return changeEventsTotal
}

// SyncRefetches counts sync view refetches.
func SyncRefetches() *prometheus.CounterVec {
	RegisterMetrics()
	return syncRefetchesTotal
}

// SyncDiscarded counts stale fetch results dropped by sync views.
func SyncDiscarded() prometheus.Counter {
	RegisterMetrics()
	return syncDiscardedTotal
}

// SyncViewsActive tracks open sync views.
func SyncViewsActive() prometheus.Gauge {
	RegisterMetrics()
	return syncViewsActive
}
