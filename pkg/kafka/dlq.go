package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// DLQTopicPrefix is prepended to the source topic to form the dead-letter
// topic name.
const DLQTopicPrefix = "backplane.dlq"

// DLQTopic constructs the dead-letter topic name for a source topic.
func DLQTopic(originalTopic string) string {
	return DLQTopicPrefix + "." + originalTopic
}

// DLQProducer writes messages that exhausted their handler retries to the
// dead-letter topic of their source topic. Writes are synchronous and wait
// for acks from all replicas so a dead-lettered message is never lost.
type DLQProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewDLQProducer(brokers []string, logger *slog.Logger) *DLQProducer {
	return &DLQProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    1,
			BatchTimeout: 100 * time.Millisecond,
			Async:        false,
			RequiredAcks: kafka.RequireAll,
		},
		logger: logger,
	}
}

// deadLetterHeaders copies the original headers and appends the dlq.*
// provenance headers consumers of the dead-letter topic rely on.
func deadLetterHeaders(msg kafka.Message, lastErr error, group string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq.original_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq.original_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "dlq.original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "dlq.consumer_group", Value: []byte(group)},
	)
	if lastErr != nil {
		headers = append(headers, kafka.Header{Key: "dlq.error", Value: []byte(lastErr.Error())})
	}
	return headers
}

// Publish moves a failed message to the dead-letter topic derived from its
// source topic, preserving key and payload and recording where it came from
// and why it failed in the headers.
func (d *DLQProducer) Publish(ctx context.Context, originalMsg kafka.Message, lastErr error, consumerGroup string) error {
	dlqTopic := DLQTopic(originalMsg.Topic)

	attrs := []any{
		slog.String("dlq_topic", dlqTopic),
		slog.String("original_topic", originalMsg.Topic),
		slog.Int("partition", originalMsg.Partition),
		slog.Int64("offset", originalMsg.Offset),
		slog.String("consumer_group", consumerGroup),
	}

	err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic:   dlqTopic,
		Key:     originalMsg.Key,
		Value:   originalMsg.Value,
		Headers: deadLetterHeaders(originalMsg, lastErr, consumerGroup),
	})
	if err != nil {
		d.logger.Error("failed to publish message to DLQ", append(attrs, slog.String("error", err.Error()))...)
		return fmt.Errorf("publish to DLQ %s: %w", dlqTopic, err)
	}

	ConsumerDLQPublished.WithLabelValues(originalMsg.Topic, consumerGroup).Inc()
	d.logger.Warn("message sent to DLQ", attrs...)
	return nil
}

func (d *DLQProducer) Close() error {
	return d.writer.Close()
}
