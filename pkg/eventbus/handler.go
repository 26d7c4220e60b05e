package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/event"
)

// WildcardType subscribes a handler to every event type the bus consumes.
// A wildcard-only handler starts no consumers of its own; it receives events
// from the topics other subscriptions already consume.
const WildcardType = "*"

// Handler consumes events delivered by the bus.
type Handler interface {
	// EventTypes lists the event types the handler wants. WildcardType
	// matches every type.
	EventTypes() []string
	// Priority orders handlers for one event; higher runs first.
	Priority() int
	// CanHandle is a final per-event gate, checked after subscription filters.
	CanHandle(e *event.Event) bool
	// Handle processes one event. Errors are logged and counted; they never
	// block other handlers or fail the partition.
	Handle(ctx context.Context, e *event.Event) error
}

// ConcurrencyLimiter caps in-flight Handle calls for one handler. Handlers
// that do not implement it, or return a value <= 0, run with the bus default.
type ConcurrencyLimiter interface {
	MaxConcurrent() int
}

// TimeoutProvider sets the per-call Handle deadline. Handlers that do not
// implement it, or return a value <= 0, run with the bus default.
type TimeoutProvider interface {
	HandleTimeout() time.Duration
}

// HandlerFunc adapts a plain function to Handler:
//
//	h := eventbus.NewHandlerFunc("audit", []string{"order.created"}, auditFn).
//		WithPriority(10).
//		WithTimeout(5 * time.Second)
type HandlerFunc struct {
	name          string
	eventTypes    []string
	priority      int
	maxConcurrent int
	timeout       time.Duration
	canHandle     func(e *event.Event) bool
	fn            func(ctx context.Context, e *event.Event) error
}

// NewHandlerFunc wraps fn as a handler for the given event types.
func NewHandlerFunc(name string, eventTypes []string, fn func(ctx context.Context, e *event.Event) error) *HandlerFunc {
	return &HandlerFunc{
		name:       name,
		eventTypes: eventTypes,
		fn:         fn,
	}
}

// WithPriority sets the dispatch priority (higher runs first).
func (h *HandlerFunc) WithPriority(p int) *HandlerFunc {
	h.priority = p
	return h
}

// WithCanHandle installs a per-event acceptance gate.
func (h *HandlerFunc) WithCanHandle(fn func(e *event.Event) bool) *HandlerFunc {
	h.canHandle = fn
	return h
}

// WithMaxConcurrent caps in-flight Handle calls.
func (h *HandlerFunc) WithMaxConcurrent(n int) *HandlerFunc {
	h.maxConcurrent = n
	return h
}

// WithTimeout sets the per-call Handle deadline.
func (h *HandlerFunc) WithTimeout(d time.Duration) *HandlerFunc {
	h.timeout = d
	return h
}

func (h *HandlerFunc) Name() string          { return h.name }
func (h *HandlerFunc) EventTypes() []string  { return h.eventTypes }
func (h *HandlerFunc) Priority() int         { return h.priority }
func (h *HandlerFunc) MaxConcurrent() int    { return h.maxConcurrent }
func (h *HandlerFunc) HandleTimeout() time.Duration { return h.timeout }

func (h *HandlerFunc) CanHandle(e *event.Event) bool {
	if h.canHandle == nil {
		return true
	}
	return h.canHandle(e)
}

func (h *HandlerFunc) Handle(ctx context.Context, e *event.Event) error {
	return h.fn(ctx, e)
}

// handlerName labels logs and metrics. Handlers may expose a Name; anything
// else falls back to its type.
func handlerName(h Handler) string {
	if n, ok := h.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
