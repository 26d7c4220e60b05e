package workflow

import (
	"context"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/event"
)

// Lifecycle event types emitted on every instance transition.
const (
	EventWorkflowStarted      = "workflow.started"
	EventWorkflowRunning      = "workflow.running"
	EventStepCompleted        = "workflow.step.completed"
	EventStepFailed           = "workflow.step.failed"
	EventWorkflowCompensating = "workflow.compensating"
	EventStepCompensated      = "workflow.step.compensated"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowFailed       = "workflow.failed"
	EventWorkflowCancelled    = "workflow.cancelled"
	EventWorkflowCompensated  = "workflow.compensated"
)

// LifecycleEvent is the payload of every workflow lifecycle event. StepID and
// StepName are set only for step-level transitions.
type LifecycleEvent struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowType string    `json:"workflow_type"`
	Status       Status    `json:"status"`
	StepID       string    `json:"step_id,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher receives lifecycle events from the engine. The event bus adapts
// to it; the engine never depends on the bus directly. Publish failures are
// logged by the engine and never fail the workflow.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, e *event.Event) error

// Publish calls the wrapped function.
func (f PublisherFunc) Publish(ctx context.Context, e *event.Event) error {
	return f(ctx, e)
}

// NopPublisher discards all lifecycle events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, *event.Event) error { return nil }
