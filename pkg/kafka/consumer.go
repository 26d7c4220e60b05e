package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes a single fetched message. Returning an error
// triggers the retry loop; wrap the error with backoff.Permanent to skip
// retries and fail immediately (e.g. for payloads that will never decode).
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topic             string
	MinBytes          int
	MaxBytes          int
	StartOffset       string // "earliest" or "latest"
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxAttempts is the number of handler attempts per message before it is
	// dead-lettered (or dropped when no DLQ is attached) and committed.
	MaxAttempts int
	// RetryInterval is the base delay between attempts; it grows exponentially.
	RetryInterval time.Duration
}

// DefaultConsumerConfig returns sensible defaults for a group consumer.
func DefaultConsumerConfig(brokers []string, groupID, topic string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		Topic:             topic,
		MinBytes:          1,
		MaxBytes:          10 << 20,
		StartOffset:       "earliest",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxAttempts:       3,
		RetryInterval:     100 * time.Millisecond,
	}
}

func startOffset(s string) int64 {
	if s == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// Consumer wraps the kafka-go reader for consuming messages. Offsets are
// committed after the handler finishes, so delivery is at least once; a
// message whose handler keeps failing is committed anyway after MaxAttempts
// so it cannot wedge the partition.
type Consumer struct {
	reader        *kafka.Reader
	logger        *slog.Logger
	handler       MessageHandler
	dlq           *DLQProducer
	group         string
	maxAttempts   int
	retryInterval time.Duration
	closeOnce     sync.Once
}

// NewConsumer creates a new Kafka consumer for a specific topic and group.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *slog.Logger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		MinBytes:          cfg.MinBytes,
		MaxBytes:          cfg.MaxBytes,
		StartOffset:       startOffset(cfg.StartOffset),
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	return &Consumer{
		reader:        r,
		logger:        logger,
		handler:       handler,
		group:         cfg.GroupID,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
	}
}

// WithDLQ attaches a dead-letter producer. Messages that exhaust their
// attempts are forwarded there before being committed.
func (c *Consumer) WithDLQ(dlq *DLQProducer) *Consumer {
	c.dlq = dlq
	return c
}

// Start begins consuming messages. It blocks until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group", c.group),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", slog.String("topic", c.reader.Config().Topic))
				return c.Close()
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			continue
		}

		ConsumerMessagesReceived.WithLabelValues(msg.Topic, c.group).Inc()

		msgCtx := ExtractTraceContext(ctx, msg.Headers)

		start := time.Now()
		handleErr := c.handleWithRetry(msgCtx, msg)
		ConsumerProcessingDuration.WithLabelValues(msg.Topic, c.group).Observe(time.Since(start).Seconds())

		if handleErr != nil {
			if ctx.Err() != nil {
				// Shutdown interrupted the retry loop; leave the offset
				// uncommitted so the message is redelivered.
				return c.Close()
			}

			ConsumerMessagesFailed.WithLabelValues(msg.Topic, c.group).Inc()
			c.logger.Error("handler failed after all attempts, committing poison message",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempts", c.maxAttempts),
				slog.String("error", handleErr.Error()),
			)

			if c.dlq != nil {
				if dlqErr := c.dlq.Publish(ctx, msg, handleErr, c.group); dlqErr != nil {
					c.logger.Error("failed to dead-letter message", slog.String("error", dlqErr.Error()))
				}
			}
		} else {
			ConsumerMessagesProcessed.WithLabelValues(msg.Topic, c.group).Inc()
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message", slog.String("error", err.Error()))
		}
	}
}

// handleWithRetry invokes the handler with exponential backoff between
// attempts. A backoff.Permanent error from the handler stops retrying.
func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := c.handler(ctx, msg)
		if err != nil && attempt < c.maxAttempts {
			c.logger.Warn("handler failed, will retry",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.maxAttempts),
				slog.String("error", err.Error()),
			)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx))
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
