package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsSent counts saga commands published, per saga type and target.
	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_commands_sent_total",
			Help: "Total number of saga commands published, by saga type and service",
		},
		[]string{"saga_type", "service"},
	)

	// RepliesReceived counts replies delivered to a saga mailbox.
	RepliesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_replies_received_total",
			Help: "Total number of saga step replies received, by saga type and outcome",
		},
		[]string{"saga_type", "outcome"},
	)

	// OrphanReplies counts replies that matched no live saga or step.
	OrphanReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_orphan_replies_total",
			Help: "Total number of saga replies that matched no live saga step",
		},
	)
)
