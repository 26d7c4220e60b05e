package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts outbox events successfully published to Kafka.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Total number of outbox events published to Kafka",
		},
		[]string{"event_type"},
	)

	// EventsRetried counts publish failures that returned the row to PENDING.
	EventsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_retried_total",
			Help: "Total number of outbox events returned to pending after a failed publish",
		},
		[]string{"event_type"},
	)

	// EventsDeadLettered counts events parked in the dead-letter table.
	EventsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_dead_lettered_total",
			Help: "Total number of outbox events moved to the dead-letter table",
		},
		[]string{"event_type"},
	)

	// EventsExpired counts events failed because their expiry passed before publish.
	EventsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_expired_total",
			Help: "Total number of outbox events failed because they expired before publish",
		},
		[]string{"event_type"},
	)

	// BatchDuration observes the wall time of one processor batch.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_duration_seconds",
			Help:    "Duration of one outbox processor batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BatchSizeClaimed observes how many rows each batch claimed.
	BatchSizeClaimed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_claimed_events",
			Help:    "Number of outbox events claimed per processor batch",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	// StaleRecovered counts PROCESSING rows swept back to PENDING on recovery.
	StaleRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_stale_recovered_total",
			Help: "Total number of stalled PROCESSING outbox events recovered to PENDING",
		},
	)
)
