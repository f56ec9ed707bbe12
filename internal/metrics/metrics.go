package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darklight_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"subject", "status"},
	)

	EventsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darklight_events_handled_total",
			Help: "Total number of events handled by pipeline workers",
		},
		[]string{"subject", "group", "status"},
	)

	// Queue metrics
	RequestsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darklight_requests_added_total",
			Help: "Total number of fetch requests submitted to the queue",
		},
		[]string{"status"},
	)

	RequestsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "darklight_requests_tracked",
			Help: "Number of requests currently held in the staleness index",
		},
	)

	WorkDirsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darklight_workdirs_swept_total",
			Help: "Total number of stale request working directories removed",
		},
		[]string{"status"},
	)

	// Fetch metrics
	FetchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darklight_fetches_completed_total",
			Help: "Total number of fetch tool runs by outcome",
		},
		[]string{"outcome"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darklight_fetch_duration_seconds",
			Help:    "Wall-clock duration of fetch tool runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// Object storage metrics
	ObjectStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darklight_object_store_operations_total",
			Help: "Total number of object store operations",
		},
		[]string{"operation", "status"},
	)
)
