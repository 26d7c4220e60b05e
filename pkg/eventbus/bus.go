// Package eventbus publishes and delivers events over Kafka with optional
// transactional-outbox routing. Handlers subscribe with filters; the bus runs
// one consumer per referenced topic and dispatches each inbound event to
// every matching handler.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/event"
	kafkatransport "github.com/utafrali/BackplaneGo/pkg/kafka"
	"github.com/utafrali/BackplaneGo/pkg/outbox"
	"github.com/utafrali/BackplaneGo/pkg/tracing"
)

var (
	// ErrBusStopped is returned by publish and subscribe calls after Stop.
	ErrBusStopped = errors.New("event bus is stopped")
	// ErrOutboxDisabled is returned by outbox-backed operations when the bus
	// was built without a store.
	ErrOutboxDisabled = errors.New("outbox is not configured")
)

// Guarantee selects the delivery contract for one publish.
type Guarantee int

const (
	// AtLeastOnce publishes synchronously with full acks; failures surface
	// to the caller. The default.
	AtLeastOnce Guarantee = iota
	// AtMostOnce publishes best-effort; failures are logged and dropped.
	AtMostOnce
	// EffectivelyOnce routes through the outbox so publication rides on a
	// database commit and survives restarts.
	EffectivelyOnce
)

// Producer is the transport boundary the bus publishes through.
// *kafka.Producer satisfies it.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafkago.Header) error
}

// PartitionKeyFunc derives the Kafka partition key for an event. Returning
// "" falls back to the event id.
type PartitionKeyFunc func(e *event.Event) string

// Config tunes the bus.
type Config struct {
	// Brokers are the Kafka bootstrap addresses.
	Brokers []string
	// GroupID is the consumer group all bus consumers join.
	GroupID string
	// StartOffset is where new consumer groups begin: "earliest" or "latest".
	StartOffset string
	// DefaultMaxConcurrent caps in-flight Handle calls per handler when the
	// handler does not set its own limit.
	DefaultMaxConcurrent int
	// DefaultHandlerTimeout bounds each Handle call when the handler does not
	// set its own timeout.
	DefaultHandlerTimeout time.Duration
	// ShutdownTimeout bounds how long Run waits for in-flight handlers.
	ShutdownTimeout time.Duration
	// DedupTTL enables consumer-side duplicate suppression by event id for
	// the given window. Zero disables dedup.
	DedupTTL time.Duration
	// DedupStore overrides the in-memory dedup store, letting consumer
	// replicas share processed-id state (for example the Redis-backed
	// store). Ignored when DedupTTL is zero.
	DedupStore kafkatransport.IdempotencyStore
	// Processor tunes the outbox pump when a store is configured.
	Processor outbox.ProcessorConfig
}

// DefaultConfig returns bus defaults for the given brokers and group.
func DefaultConfig(brokers []string, groupID string) Config {
	return Config{
		Brokers:               brokers,
		GroupID:               groupID,
		StartOffset:           "earliest",
		DefaultMaxConcurrent:  8,
		DefaultHandlerTimeout: 30 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		DedupTTL:              30 * time.Minute,
		Processor:             outbox.DefaultProcessorConfig(),
	}
}

func (c *Config) normalize() {
	if c.GroupID == "" {
		c.GroupID = "backplane"
	}
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 8
	}
	if c.DefaultHandlerTimeout <= 0 {
		c.DefaultHandlerTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

type consumerRunner interface {
	Start(ctx context.Context) error
	Close() error
}

type consumerRef struct {
	runner consumerRunner
	cancel context.CancelFunc
	done   chan struct{}
	refs   int
}

// Bus is the event bus. It owns its producer, its topic consumers and, when
// a store is configured, the outbox pump.
type Bus struct {
	cfg      Config
	producer Producer
	store    *outbox.Store
	pump     *outbox.Processor
	registry *registry
	dedup    kafkatransport.IdempotencyStore
	logger   *slog.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	consumers map[string]*consumerRef

	partMu       sync.RWMutex
	partitioners map[string]PartitionKeyFunc

	rootCtx  context.Context
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
	stopped  atomic.Bool

	// newConsumer builds a topic consumer; replaced in tests.
	newConsumer func(topic string, h kafkatransport.MessageHandler) consumerRunner
	dlq         *kafkatransport.DLQProducer
}

// New creates an event bus. store may be nil, which disables the outbox
// operations (delayed, scheduled and transactional publishes, dead-letter
// management). Call Run to start the pump and Stop to shut down.
func New(cfg Config, producer Producer, store *outbox.Store, logger *slog.Logger) *Bus {
	cfg.normalize()
	rootCtx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		cfg:          cfg,
		producer:     producer,
		store:        store,
		registry:     newRegistry(),
		logger:       logger,
		tracer:       tracing.Tracer("eventbus"),
		consumers:    make(map[string]*consumerRef),
		partitioners: make(map[string]PartitionKeyFunc),
		rootCtx:      rootCtx,
		cancel:       cancel,
	}
	b.newConsumer = b.kafkaConsumer
	b.dlq = kafkatransport.NewDLQProducer(cfg.Brokers, logger)

	if cfg.DedupTTL > 0 {
		if cfg.DedupStore != nil {
			b.dedup = cfg.DedupStore
		} else {
			b.dedup = kafkatransport.NewMemoryIdempotencyStore(cfg.DedupTTL)
		}
	}
	if store != nil {
		pcfg := cfg.Processor
		pcfg.PartitionKey = b.outboxPartitionKey
		b.pump = outbox.NewProcessor(store, producer, pcfg, logger)
	}
	return b
}

// Run blocks until ctx is canceled, driving the outbox pump when one is
// configured, then performs a graceful Stop bounded by ShutdownTimeout.
func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	if b.pump != nil {
		runErr = b.pump.Run(ctx)
	} else {
		<-ctx.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, b.Stop(stopCtx))
}

// Stop shuts the bus down: consumers stop fetching, in-flight handlers get
// until the context deadline to finish, and the producer is flushed and
// closed. Stop is idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	b.logger.Info("event bus stopping")
	b.cancel()

	b.mu.Lock()
	refs := make([]*consumerRef, 0, len(b.consumers))
	for _, ref := range b.consumers {
		refs = append(refs, ref)
	}
	b.consumers = make(map[string]*consumerRef)
	b.mu.Unlock()

	var errs []error
	for _, ref := range refs {
		if err := ref.runner.Close(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-ref.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("consumer drain: %w", ctx.Err()))
		}
		ActiveConsumers.Dec()
	}

	handlersDone := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-ctx.Done():
		b.logger.Warn("shutdown deadline exceeded with handlers in flight")
		errs = append(errs, fmt.Errorf("handler drain: %w", ctx.Err()))
	}

	if err := b.dlq.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := b.producer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	b.logger.Info("event bus stopped")
	return errors.Join(errs...)
}

// --- Publishing ---

type publishOptions struct {
	guarantee Guarantee
	delay     time.Duration
}

// PublishOption adjusts one publish call.
type PublishOption func(*publishOptions)

// WithGuarantee selects the delivery contract.
func WithGuarantee(g Guarantee) PublishOption {
	return func(o *publishOptions) { o.guarantee = g }
}

// WithDelay defers delivery by d, routing the event through the outbox.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.delay = d }
}

// Publish sends the event to the topic derived from its type. A delay or the
// EffectivelyOnce guarantee routes it through the outbox instead of the
// direct producer path.
func (b *Bus) Publish(ctx context.Context, e *event.Event, opts ...PublishOption) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if e == nil {
		return errors.New("event is required")
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	if e.IsExpired() {
		EventsExpired.WithLabelValues(e.EventType).Inc()
		return fmt.Errorf("event %s expired before publish", e.Metadata.EventID)
	}

	if o.delay > 0 || o.guarantee == EffectivelyOnce {
		var at *time.Time
		if o.delay > 0 {
			t := time.Now().UTC().Add(o.delay)
			at = &t
		}
		return b.enqueue(ctx, e, at)
	}
	return b.publishDirect(ctx, e, o.guarantee)
}

// PublishTransactional inserts the event into the outbox inside the caller's
// transaction. The event is published iff the transaction commits.
func (b *Bus) PublishTransactional(ctx context.Context, tx pgx.Tx, e *event.Event) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if b.store == nil {
		return ErrOutboxDisabled
	}

	row, err := outbox.FromEvent(e)
	if err != nil {
		return err
	}
	if err := b.store.InsertTx(ctx, tx, row); err != nil {
		return err
	}
	EventsEnqueued.WithLabelValues(e.EventType).Inc()
	return nil
}

// PublishBatch publishes the events concurrently and returns after every
// publish finished, with all failures joined.
func (b *Bus) PublishBatch(ctx context.Context, events []*event.Event, opts ...PublishOption) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}

	p := pool.New().WithContext(ctx)
	for _, e := range events {
		p.Go(func(ctx context.Context) error {
			return b.Publish(ctx, e, opts...)
		})
	}
	return p.Wait()
}

// PublishScheduled enqueues the event for delivery at the given time.
func (b *Bus) PublishScheduled(ctx context.Context, e *event.Event, at time.Time) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if e.IsExpired() {
		EventsExpired.WithLabelValues(e.EventType).Inc()
		return fmt.Errorf("event %s expired before publish", e.Metadata.EventID)
	}
	when := at.UTC()
	return b.enqueue(ctx, e, &when)
}

func (b *Bus) enqueue(ctx context.Context, e *event.Event, scheduledAt *time.Time) error {
	if b.store == nil {
		return ErrOutboxDisabled
	}

	row, err := outbox.FromEvent(e)
	if err != nil {
		return err
	}
	row.ScheduledAt = scheduledAt
	if err := b.store.Insert(ctx, row); err != nil {
		return err
	}
	EventsEnqueued.WithLabelValues(e.EventType).Inc()
	return nil
}

func (b *Bus) publishDirect(ctx context.Context, e *event.Event, g Guarantee) error {
	ctx, span := b.tracer.Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", e.Metadata.EventID),
			attribute.String("event.type", e.EventType),
		),
	)
	defer span.End()

	if sc := span.SpanContext(); sc.IsValid() {
		if e.Metadata.TraceID == "" {
			e.Metadata.TraceID = sc.TraceID().String()
		}
		if e.Metadata.SpanID == "" {
			e.Metadata.SpanID = sc.SpanID().String()
		}
	}

	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := kafkatransport.TopicForEventType(e.EventType)
	headers := []kafkago.Header{
		{Key: kafkatransport.HeaderEventID, Value: []byte(e.Metadata.EventID)},
		{Key: kafkatransport.HeaderEventType, Value: []byte(e.EventType)},
	}
	if e.Metadata.CorrelationID != "" {
		headers = append(headers, kafkago.Header{Key: kafkatransport.HeaderCorrelationID, Value: []byte(e.Metadata.CorrelationID)})
	}
	if e.Metadata.SourceService != "" {
		headers = append(headers, kafkago.Header{Key: kafkatransport.HeaderSource, Value: []byte(e.Metadata.SourceService)})
	}

	if err := b.producer.Publish(ctx, topic, []byte(b.partitionKey(e)), payload, headers...); err != nil {
		PublishErrors.WithLabelValues(e.EventType).Inc()
		if g == AtMostOnce {
			b.logger.Warn("best-effort publish failed",
				slog.String("event_type", e.EventType),
				slog.String("event_id", e.Metadata.EventID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("publish %s: %w", e.EventType, err)
	}

	EventsPublished.WithLabelValues(e.EventType).Inc()
	return nil
}

// --- Partitioning ---

// RegisterPartitioner overrides partition key selection for one event type,
// e.g. keying domain events by aggregate id so one aggregate's events stay
// ordered.
func (b *Bus) RegisterPartitioner(eventType string, fn PartitionKeyFunc) {
	b.partMu.Lock()
	defer b.partMu.Unlock()
	b.partitioners[eventType] = fn
}

func (b *Bus) partitionKey(e *event.Event) string {
	b.partMu.RLock()
	fn := b.partitioners[e.EventType]
	b.partMu.RUnlock()

	if fn != nil {
		if key := fn(e); key != "" {
			return key
		}
	}
	return e.Metadata.EventID
}

// outboxPartitionKey adapts the partitioner registry to outbox rows. The
// stored event is decoded only when an override is registered.
func (b *Bus) outboxPartitionKey(row *outbox.OutboxEvent) []byte {
	b.partMu.RLock()
	fn := b.partitioners[row.EventType]
	b.partMu.RUnlock()

	if fn == nil {
		return []byte(row.EventID)
	}
	e, err := event.Unmarshal(row.EventData)
	if err != nil {
		return []byte(row.EventID)
	}
	if key := fn(e); key != "" {
		return []byte(key)
	}
	return []byte(row.EventID)
}

// --- Subscribing ---

// Subscribe registers a handler, optionally narrowed by a filter, and starts
// consumers for the topics it references. Returns the subscription id.
func (b *Bus) Subscribe(h Handler, filter *Filter) (string, error) {
	return b.subscribe(kindDirect, "", "", h, filter)
}

// SubscribePlugin registers a handler on behalf of a plugin. Plugin
// subscriptions match by their filter; the plugin id lets UnsubscribePlugin
// detach them all when the plugin unloads.
func (b *Bus) SubscribePlugin(pluginID, pluginName string, filter *Filter, h Handler) (string, error) {
	if pluginID == "" {
		return "", errors.New("plugin id is required")
	}
	return b.subscribe(kindPlugin, pluginID, pluginName, h, filter)
}

func (b *Bus) subscribe(kind subscriptionKind, pluginID, pluginName string, h Handler, filter *Filter) (string, error) {
	if b.stopped.Load() {
		return "", ErrBusStopped
	}
	if h == nil {
		return "", errors.New("handler is required")
	}

	topics := topicsFor(h, filter)
	if err := b.acquireConsumers(topics); err != nil {
		return "", err
	}

	sub := &subscription{
		id:         uuid.New().String(),
		kind:       kind,
		handler:    h,
		filter:     filter,
		pluginID:   pluginID,
		pluginName: pluginName,
		topics:     topics,
		sem:        make(chan struct{}, b.maxConcurrentFor(h)),
		timeout:    b.timeoutFor(h),
	}
	b.registry.add(sub)
	ActiveSubscriptions.Inc()

	b.logger.Info("handler subscribed",
		slog.String("subscription_id", sub.id),
		slog.String("handler", handlerName(h)),
		slog.String("kind", string(kind)),
		slog.Any("topics", topics),
	)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Topic consumers keep running while
// other subscriptions still reference them.
func (b *Bus) Unsubscribe(id string) error {
	sub, ok := b.registry.remove(id)
	if !ok {
		return apperrors.NotFound("subscription", id)
	}
	b.releaseConsumers(sub.topics)
	ActiveSubscriptions.Dec()

	b.logger.Info("handler unsubscribed",
		slog.String("subscription_id", id),
		slog.String("handler", handlerName(sub.handler)),
	)
	return nil
}

// UnsubscribePlugin detaches every subscription the plugin registered and
// returns how many were removed.
func (b *Bus) UnsubscribePlugin(pluginID string) int {
	subs := b.registry.removePlugin(pluginID)
	for _, sub := range subs {
		b.releaseConsumers(sub.topics)
		ActiveSubscriptions.Dec()
	}
	if len(subs) > 0 {
		b.logger.Info("plugin subscriptions detached",
			slog.String("plugin_id", pluginID),
			slog.Int("count", len(subs)),
		)
	}
	return len(subs)
}

func (b *Bus) maxConcurrentFor(h Handler) int {
	if l, ok := h.(ConcurrencyLimiter); ok && l.MaxConcurrent() > 0 {
		return l.MaxConcurrent()
	}
	return b.cfg.DefaultMaxConcurrent
}

func (b *Bus) timeoutFor(h Handler) time.Duration {
	if t, ok := h.(TimeoutProvider); ok && t.HandleTimeout() > 0 {
		return t.HandleTimeout()
	}
	return b.cfg.DefaultHandlerTimeout
}

// topicsFor resolves the concrete topics a subscription consumes: the
// handler's event types, narrowed by the filter's types when set. The
// wildcard contributes no topic of its own.
func topicsFor(h Handler, filter *Filter) []string {
	var allowed map[string]struct{}
	if filter != nil && len(filter.EventTypes) > 0 {
		allowed = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			allowed[t] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var topics []string
	for _, t := range h.EventTypes() {
		if t == "" || t == WildcardType {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[t]; !ok {
				continue
			}
		}
		topic := kafkatransport.TopicForEventType(t)
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

// --- Consumer lifecycle ---

func (b *Bus) kafkaConsumer(topic string, h kafkatransport.MessageHandler) consumerRunner {
	cfg := kafkatransport.DefaultConsumerConfig(b.cfg.Brokers, b.cfg.GroupID, topic)
	if b.cfg.StartOffset != "" {
		cfg.StartOffset = b.cfg.StartOffset
	}
	return kafkatransport.NewConsumer(cfg, h, b.logger).WithDLQ(b.dlq)
}

func (b *Bus) acquireConsumers(topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		if ref, ok := b.consumers[topic]; ok {
			ref.refs++
			continue
		}

		handler := b.messageHandler(topic)
		if b.dedup != nil {
			handler = kafkatransport.IdempotentHandler(b.dedup, b.cfg.GroupID, handler, b.logger)
		}

		ctx, cancel := context.WithCancel(b.rootCtx)
		ref := &consumerRef{
			runner: b.newConsumer(topic, handler),
			cancel: cancel,
			done:   make(chan struct{}),
			refs:   1,
		}
		b.consumers[topic] = ref
		ActiveConsumers.Inc()

		go func(topic string) {
			defer close(ref.done)
			if err := ref.runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("consumer stopped",
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
			}
		}(topic)
	}
	return nil
}

func (b *Bus) releaseConsumers(topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		ref, ok := b.consumers[topic]
		if !ok {
			continue
		}
		ref.refs--
		if ref.refs > 0 {
			continue
		}
		ref.cancel()
		if err := ref.runner.Close(); err != nil {
			b.logger.Warn("consumer close failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
		delete(b.consumers, topic)
		ActiveConsumers.Dec()
	}
}

// --- Dispatch ---

func (b *Bus) messageHandler(topic string) kafkatransport.MessageHandler {
	return func(ctx context.Context, msg kafkago.Message) error {
		e, err := event.Unmarshal(msg.Value)
		if err != nil {
			// Undecodable payloads can never succeed; skip retries and let
			// the consumer dead-letter the message.
			return backoff.Permanent(fmt.Errorf("decode event from %s: %w", topic, err))
		}

		if e.IsExpired() {
			EventsExpired.WithLabelValues(e.EventType).Inc()
			b.logger.Warn("dropping expired event",
				slog.String("event_id", e.Metadata.EventID),
				slog.String("event_type", e.EventType),
			)
			return nil
		}

		b.dispatch(ctx, e)
		return nil
	}
}

// dispatch fans the event out to every matching handler and returns when all
// of them finished, so the consumer commits the offset only after delivery.
func (b *Bus) dispatch(ctx context.Context, e *event.Event) {
	subs := b.registry.matching(e)
	EventsDispatched.WithLabelValues(e.EventType).Inc()
	if len(subs) == 0 {
		return
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", e.Metadata.EventID),
			attribute.String("event.type", e.EventType),
			attribute.Int("handlers", len(subs)),
		),
	)
	defer span.End()

	var wg conc.WaitGroup
	for _, sub := range subs {
		if !sub.handler.CanHandle(e) {
			continue
		}
		b.inFlight.Add(1)
		wg.Go(func() {
			defer b.inFlight.Done()
			b.invoke(ctx, sub, e)
		})
	}
	wg.Wait()
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, e *event.Event) {
	name := handlerName(sub.handler)

	select {
	case sub.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sub.sem }()

	hctx, cancel := context.WithTimeout(ctx, sub.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			HandlerFailures.WithLabelValues(name).Inc()
			b.logger.Error("handler panicked",
				slog.String("handler", name),
				slog.String("event_id", e.Metadata.EventID),
				slog.Any("panic", r),
			)
		}
	}()

	start := time.Now()
	err := sub.handler.Handle(hctx, e)
	HandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	HandlerInvocations.WithLabelValues(name).Inc()

	if err != nil {
		HandlerFailures.WithLabelValues(name).Inc()
		b.logger.Error("handler failed",
			slog.String("handler", name),
			slog.String("event_id", e.Metadata.EventID),
			slog.String("event_type", e.EventType),
			slog.String("error", err.Error()),
		)
	}
}

// --- Dead letters ---

// RetryDeadLetter resubmits a dead-lettered event for publishing. Returns
// false when the id is unknown or the row was already retried.
func (b *Bus) RetryDeadLetter(ctx context.Context, dlqID string) (bool, error) {
	if b.store == nil {
		return false, ErrOutboxDisabled
	}
	return b.store.RetryDeadLetter(ctx, dlqID)
}

// DeadLetters returns a read-only snapshot of dead-lettered events.
func (b *Bus) DeadLetters(ctx context.Context, limit int, eventType string) ([]*outbox.DeadLetterEvent, error) {
	if b.store == nil {
		return nil, ErrOutboxDisabled
	}
	return b.store.DeadLetters(ctx, limit, eventType)
}
