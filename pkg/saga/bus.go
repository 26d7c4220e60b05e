package saga

import (
	"context"
	"fmt"

	"github.com/utafrali/BackplaneGo/pkg/event"
	"github.com/utafrali/BackplaneGo/pkg/eventbus"
)

// EventBus is the slice of the bus the saga layer drives. *eventbus.Bus
// satisfies it.
type EventBus interface {
	Publish(ctx context.Context, e *event.Event, opts ...eventbus.PublishOption) error
	Subscribe(h eventbus.Handler, filter *eventbus.Filter) (string, error)
	Unsubscribe(id string) error
}

// SagaEventBus scopes bus traffic to the saga protocol: every event it sends
// carries the saga id as correlation id and a "saga.<saga_id>.<event_type>"
// routing key, and every subscription it opens filters replies down to one
// saga.
type SagaEventBus struct {
	bus EventBus
}

// NewSagaEventBus wraps the bus with the saga publish and subscribe
// conventions.
func NewSagaEventBus(bus EventBus) *SagaEventBus {
	return &SagaEventBus{bus: bus}
}

func routingKey(sagaID, eventType string) string {
	return fmt.Sprintf("saga.%s.%s", sagaID, eventType)
}

// PublishSagaEvent publishes an event on behalf of a saga: the correlation id
// and routing key are stamped, the rest of the event is the caller's.
func (s *SagaEventBus) PublishSagaEvent(ctx context.Context, sagaID string, e *event.Event) error {
	e.Metadata.CorrelationID = sagaID
	if e.Metadata.SourceService == "" {
		e.Metadata.SourceService = eventSource
	}
	if e.Metadata.Headers == nil {
		e.Metadata.Headers = make(map[string]string)
	}
	e.Metadata.Headers[HeaderRoutingKey] = routingKey(sagaID, e.EventType)
	return s.bus.Publish(ctx, e)
}

// SendCommand publishes a command event to a service on behalf of a saga
// step. The step id header lets the service echo which step its reply
// answers.
func (s *SagaEventBus) SendCommand(ctx context.Context, sagaID, stepID, service, command string, payload map[string]any) error {
	return s.send(ctx, sagaID, stepID, service, command, payload, false)
}

// SendCompensation publishes a compensation command, marked as such so
// services can distinguish an undo from a fresh request.
func (s *SagaEventBus) SendCompensation(ctx context.Context, sagaID, stepID, service, command string, payload map[string]any) error {
	return s.send(ctx, sagaID, stepID, service, command, payload, true)
}

func (s *SagaEventBus) send(ctx context.Context, sagaID, stepID, service, command string, payload map[string]any, compensation bool) error {
	if payload == nil {
		payload = map[string]any{}
	}
	opts := []event.Option{
		event.WithCorrelationID(sagaID),
		event.WithSource(eventSource),
		event.WithHeader(HeaderStepID, stepID),
		event.WithHeader(HeaderTargetService, service),
		event.WithHeader(HeaderRoutingKey, routingKey(sagaID, command)),
	}
	if compensation {
		opts = append(opts, event.WithHeader(HeaderCompensation, "true"))
	}

	ev, err := event.New(command, payload, opts...)
	if err != nil {
		return fmt.Errorf("saga %s: build command %s: %w", sagaID, command, err)
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("saga %s: send %s to %s: %w", sagaID, command, service, err)
	}
	return nil
}

// SubscribeSagaReplies subscribes fn to the given reply event types, narrowed
// to one saga by correlation id. Returns the subscription id for teardown.
func (s *SagaEventBus) SubscribeSagaReplies(sagaID string, eventTypes []string, fn func(ctx context.Context, e *event.Event) error) (string, error) {
	h := eventbus.NewHandlerFunc("saga-replies-"+sagaID, eventTypes, fn)
	filter := &eventbus.Filter{CorrelationIDs: []string{sagaID}}
	return s.bus.Subscribe(h, filter)
}

// Unsubscribe tears down a reply subscription.
func (s *SagaEventBus) Unsubscribe(id string) error {
	return s.bus.Unsubscribe(id)
}
