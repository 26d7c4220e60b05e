package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func transportCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func transportHistogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.DefBuckets,
	}, labels)
}

// Consumer-side metrics, labelled by topic and consumer group. Received
// counts fetches off the broker; Processed/Failed split the terminal
// outcomes; Duplicate counts messages the idempotency guard swallowed.
var (
	ConsumerMessagesReceived = transportCounter(
		"kafka_consumer_messages_received_total",
		"Total number of Kafka messages received (fetched from broker)",
		"topic", "consumer_group")

	ConsumerMessagesProcessed = transportCounter(
		"kafka_consumer_messages_processed_total",
		"Total number of successfully processed Kafka messages",
		"topic", "consumer_group")

	ConsumerMessagesFailed = transportCounter(
		"kafka_consumer_messages_failed_total",
		"Total number of Kafka messages that failed all retries (sent to DLQ or dropped)",
		"topic", "consumer_group")

	ConsumerMessagesDuplicate = transportCounter(
		"kafka_consumer_messages_duplicate_total",
		"Total number of duplicate Kafka messages skipped by idempotency guard",
		"topic", "consumer_group")

	ConsumerDLQPublished = transportCounter(
		"kafka_consumer_dlq_published_total",
		"Total number of messages published to dead-letter queue",
		"topic", "consumer_group")

	ConsumerProcessingDuration = transportHistogram(
		"kafka_consumer_processing_duration_seconds",
		"Duration of Kafka message processing in seconds",
		"topic", "consumer_group")
)

// Producer-side metrics, labelled by topic only: one shared producer
// serves every component, so there is no group dimension.
var (
	ProducerMessagesPublished = transportCounter(
		"kafka_producer_messages_published_total",
		"Total number of Kafka messages published",
		"topic")

	ProducerPublishErrors = transportCounter(
		"kafka_producer_publish_errors_total",
		"Total number of Kafka publish errors",
		"topic")

	ProducerPublishDuration = transportHistogram(
		"kafka_producer_publish_duration_seconds",
		"Duration of Kafka publish operations in seconds",
		"topic")
)
