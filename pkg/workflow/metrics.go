package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InstancesRunning tracks instances currently held by this engine.
	InstancesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_instances_running",
			Help: "Number of workflow instances currently executing in this engine",
		},
	)

	// InstancesStarted counts accepted Start calls.
	InstancesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_instances_started_total",
			Help: "Total number of workflow instances started",
		},
		[]string{"workflow_type"},
	)

	// InstancesFinished counts instances reaching a terminal status.
	InstancesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_instances_finished_total",
			Help: "Total number of workflow instances finished, by terminal status",
		},
		[]string{"workflow_type", "status"},
	)

	// StepsExecuted counts step attempts by outcome.
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_steps_executed_total",
			Help: "Total number of workflow step attempts, by outcome",
		},
		[]string{"workflow_type", "status"},
	)

	// StepDuration observes wall time per step attempt.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_step_duration_seconds",
			Help:    "Duration of one workflow step attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type"},
	)

	// Compensations counts instances that entered the compensation phase.
	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_compensations_total",
			Help: "Total number of workflow instances that entered compensation",
		},
		[]string{"workflow_type"},
	)

	// InstancesRecovered counts stale instances resumed by the recovery sweep.
	InstancesRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_instances_recovered_total",
			Help: "Total number of stale workflow instances resumed by recovery",
		},
	)

	// EventPublishFailures counts lifecycle events that could not be published.
	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_event_publish_failures_total",
			Help: "Total number of workflow lifecycle events that failed to publish",
		},
	)
)
