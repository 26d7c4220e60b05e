package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events delivered straight to the broker.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Events published directly to Kafka by the bus",
		},
		[]string{"event_type"},
	)

	// EventsEnqueued counts events routed through the outbox instead of
	// being published directly (delayed, scheduled or transactional).
	EventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_enqueued_total",
			Help: "Events enqueued to the outbox by the bus",
		},
		[]string{"event_type"},
	)

	// PublishErrors counts failed direct publishes.
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_publish_errors_total",
			Help: "Failed direct publishes",
		},
		[]string{"event_type"},
	)

	// EventsDispatched counts inbound events handed to dispatch.
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_dispatched_total",
			Help: "Inbound events dispatched to handlers",
		},
		[]string{"event_type"},
	)

	// EventsExpired counts inbound events dropped because their expiry had
	// passed before delivery.
	EventsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_expired_total",
			Help: "Inbound events dropped as expired",
		},
		[]string{"event_type"},
	)

	// HandlerInvocations counts completed Handle calls.
	HandlerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_handler_invocations_total",
			Help: "Completed handler invocations",
		},
		[]string{"handler"},
	)

	// HandlerFailures counts Handle calls that returned an error or panicked.
	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_handler_failures_total",
			Help: "Handler invocations that failed",
		},
		[]string{"handler"},
	)

	// HandlerDuration observes Handle latency.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventbus_handler_duration_seconds",
			Help:    "Handler execution duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	// ActiveSubscriptions tracks registered subscriptions.
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_subscriptions",
			Help: "Currently registered subscriptions",
		},
	)

	// ActiveConsumers tracks running topic consumers.
	ActiveConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_consumers",
			Help: "Currently running topic consumers",
		},
	)
)
