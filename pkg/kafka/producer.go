package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerConfig holds Kafka producer configuration. Zero values for
// BatchSize and BatchTimeout fall back to the defaults below.
type ProducerConfig struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 10 * time.Millisecond
)

// DefaultProducerConfig returns a synchronous producer configuration with
// the default batching parameters.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:      brokers,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

// Producer wraps the kafka-go writer for publishing messages. The writer is
// not bound to a topic; each message names its own.
type Producer struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

func NewProducer(cfg ProducerConfig, logger *slog.Logger) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			Async:        cfg.Async,
			RequiredAcks: kafka.RequireAll,
		},
		brokers: cfg.Brokers,
		logger:  logger,
	}
}

// Publish sends a single message to the given topic. The current trace
// context is injected into the message headers.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	return p.PublishMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

// PublishMessages writes one or more prepared messages. Messages may target
// different topics; each message must set Topic. All writes share a single
// round trip to the broker where batching allows.
func (p *Producer) PublishMessages(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	for i := range msgs {
		InjectTraceContext(ctx, &msgs[i].Headers)
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, msgs...)
	elapsed := time.Since(start).Seconds()

	for i := range msgs {
		ProducerPublishDuration.WithLabelValues(msgs[i].Topic).Observe(elapsed)
		if err != nil {
			ProducerPublishErrors.WithLabelValues(msgs[i].Topic).Inc()
		} else {
			ProducerMessagesPublished.WithLabelValues(msgs[i].Topic).Inc()
		}
	}

	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish messages",
			slog.String("topic", msgs[0].Topic),
			slog.Int("count", len(msgs)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish to %s: %w", msgs[0].Topic, err)
	}

	p.logger.DebugContext(ctx, "messages published",
		slog.String("topic", msgs[0].Topic),
		slog.Int("count", len(msgs)),
	)

	return nil
}

// Ping reports whether at least one configured broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return PingBrokers(ctx, p.brokers)
}

// pingBroker dials one broker and asks for the cluster member list as a
// lightweight liveness probe.
func pingBroker(ctx context.Context, addr string) error {
	conn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Brokers()
	return err
}

// PingBrokers returns nil when any of the given brokers responds. It serves
// as a standalone health check for consumer-only processes that hold no
// producer.
func PingBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}

	var lastErr error
	for _, addr := range brokers {
		if lastErr = pingBroker(ctx, addr); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka ping: all brokers unreachable: %w", lastErr)
}

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
