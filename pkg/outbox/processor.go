package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	kafkatransport "github.com/utafrali/BackplaneGo/pkg/kafka"
)

// Publisher is the transport the processor pushes claimed events through.
// *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// PartitionKeyFunc picks the Kafka partition key for an outbox row. The
// default keys by event ID; event types that need aggregate-level ordering
// register their own function on the bus.
type PartitionKeyFunc func(ev *OutboxEvent) []byte

// ProcessorConfig tunes the outbox pump.
type ProcessorConfig struct {
	// BatchSize caps how many rows one poll claims.
	BatchSize int
	// PollInterval is the sleep between polls.
	PollInterval time.Duration
	// RetryDelay is the sleep after a poll that failed outright
	// (e.g. the database was unreachable).
	RetryDelay time.Duration
	// RecoveryAge is how long a row may sit in PROCESSING before the startup
	// sweep considers it orphaned. Must comfortably exceed one poll cycle;
	// values below 2x PollInterval are raised to that.
	RecoveryAge time.Duration
	// PartitionKey overrides partition key selection. Nil keys by event ID.
	PartitionKey PartitionKeyFunc
}

// DefaultProcessorConfig returns the pump defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:    50,
		PollInterval: 2 * time.Second,
		RetryDelay:   5 * time.Second,
		RecoveryAge:  30 * time.Second,
	}
}

func (c *ProcessorConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if min := 2 * c.PollInterval; c.RecoveryAge < min {
		c.RecoveryAge = min
	}
	if c.RecoveryAge < 30*time.Second {
		c.RecoveryAge = 30 * time.Second
	}
	if c.PartitionKey == nil {
		c.PartitionKey = func(ev *OutboxEvent) []byte { return []byte(ev.EventID) }
	}
}

// Processor is the background pump that drains PENDING outbox rows to Kafka.
type Processor struct {
	store     *Store
	publisher Publisher
	cfg       ProcessorConfig
	logger    *slog.Logger
}

// NewProcessor creates an outbox processor. Call Run to start pumping.
func NewProcessor(store *Store, publisher Publisher, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	cfg.normalize()
	return &Processor{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run recovers stalled rows, then polls until the context is canceled. The
// batch in flight when cancellation arrives is finished before Run returns,
// so rows are not left PROCESSING by an orderly shutdown.
func (p *Processor) Run(ctx context.Context) error {
	recovered, err := p.store.RecoverStale(ctx, p.cfg.RecoveryAge)
	if err != nil {
		return fmt.Errorf("outbox recovery sweep: %w", err)
	}
	if recovered > 0 {
		StaleRecovered.Add(float64(recovered))
		p.logger.Warn("recovered stalled outbox events", slog.Int64("count", recovered))
	}

	p.logger.Info("outbox processor started",
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Duration("poll_interval", p.cfg.PollInterval),
	)

	delay := p.cfg.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopping")
			return nil
		case <-timer.C:
		}

		n, err := p.ProcessBatch(context.WithoutCancel(ctx))
		switch {
		case err != nil:
			p.logger.Error("outbox batch failed", slog.String("error", err.Error()))
			delay = p.cfg.RetryDelay
		case n == p.cfg.BatchSize:
			// Full batch suggests backlog; poll again immediately.
			delay = 0
		default:
			delay = p.cfg.PollInterval
		}

		if ctx.Err() != nil {
			p.logger.Info("outbox processor stopping")
			return nil
		}
		timer.Reset(delay)
	}
}

// ProcessBatch claims one batch of due rows and publishes them. Returns how
// many rows were claimed. Row-level failures are handled per row (retry or
// dead-letter) and do not fail the batch.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()

	claimed, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	BatchSizeClaimed.Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		return 0, nil
	}

	for _, ev := range claimed {
		p.processOne(ctx, ev)
	}

	BatchDuration.Observe(time.Since(start).Seconds())
	return len(claimed), nil
}

func (p *Processor) processOne(ctx context.Context, ev *OutboxEvent) {
	log := p.logger.With(
		slog.String("outbox_id", ev.ID),
		slog.String("event_id", ev.EventID),
		slog.String("event_type", ev.EventType),
	)

	if ev.Expired(time.Now().UTC()) {
		EventsExpired.WithLabelValues(ev.EventType).Inc()
		if err := p.store.MarkFailed(ctx, ev.ID, "expired"); err != nil {
			log.Error("failed to mark expired outbox event", slog.String("error", err.Error()))
		} else {
			log.Warn("outbox event expired before publish")
		}
		return
	}

	topic := kafkatransport.TopicForEventType(ev.EventType)
	headers := []kafka.Header{
		{Key: kafkatransport.HeaderEventID, Value: []byte(ev.EventID)},
		{Key: kafkatransport.HeaderEventType, Value: []byte(ev.EventType)},
	}
	if ev.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: kafkatransport.HeaderCorrelationID, Value: []byte(ev.CorrelationID)})
	}
	if ev.SourceService != "" {
		headers = append(headers, kafka.Header{Key: kafkatransport.HeaderSource, Value: []byte(ev.SourceService)})
	}

	if err := p.publisher.Publish(ctx, topic, p.cfg.PartitionKey(ev), ev.EventData, headers...); err != nil {
		p.handlePublishFailure(ctx, ev, err, log)
		return
	}

	if err := p.store.MarkCompleted(ctx, ev.ID); err != nil {
		// The publish went out; the row will be recovered and re-published,
		// which consumers must tolerate.
		log.Error("published but failed to mark completed", slog.String("error", err.Error()))
		return
	}

	EventsPublished.WithLabelValues(ev.EventType).Inc()
	log.Debug("outbox event published", slog.String("topic", topic), slog.Int("attempts", ev.Attempts))
}

func (p *Processor) handlePublishFailure(ctx context.Context, ev *OutboxEvent, pubErr error, log *slog.Logger) {
	if ev.Attempts >= ev.MaxAttempts {
		reason := fmt.Sprintf("publish failed after %d attempts: %s", ev.Attempts, pubErr.Error())
		if err := p.store.MoveToDeadLetter(ctx, ev, reason); err != nil {
			log.Error("failed to dead-letter outbox event", slog.String("error", err.Error()))
			return
		}
		EventsDeadLettered.WithLabelValues(ev.EventType).Inc()
		log.Error("outbox event dead-lettered",
			slog.Int("attempts", ev.Attempts),
			slog.String("error", pubErr.Error()),
		)
		return
	}

	if err := p.store.ReturnToPending(ctx, ev.ID, pubErr.Error()); err != nil {
		log.Error("failed to return outbox event to pending", slog.String("error", err.Error()))
		return
	}
	EventsRetried.WithLabelValues(ev.EventType).Inc()
	log.Warn("outbox publish failed, will retry",
		slog.Int("attempt", ev.Attempts),
		slog.Int("max_attempts", ev.MaxAttempts),
		slog.String("error", pubErr.Error()),
	)
}
