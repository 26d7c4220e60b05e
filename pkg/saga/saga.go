// Package saga runs cross-service transactions as workflows whose steps send
// commands over the event bus and wait for correlated replies. Each step
// names a target service, a command event, and optionally a compensation
// command published when the saga unwinds. Replies are matched to their saga
// by correlation id and to their step by the step_id header; reply event
// types follow the "saga.<saga_type>.<event_type>" contract.
package saga

import (
	"fmt"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/workflow"
)

const (
	// DefaultSagaTimeout bounds a whole saga instance.
	DefaultSagaTimeout = time.Hour
	// DefaultReplyTimeout bounds how long one step waits for its reply.
	DefaultReplyTimeout = 2 * time.Minute
)

// Event headers of the saga command protocol. Services echo HeaderStepID on
// their replies so the orchestrator can match a reply to its step.
const (
	HeaderStepID        = "step_id"
	HeaderTargetService = "target_service"
	HeaderRoutingKey    = "routing_key"
	HeaderCompensation  = "compensation"
)

const eventSource = "saga-orchestrator"

// ReplyEventType builds the wire event type a service answers with: the tail
// scoped under the saga type.
func ReplyEventType(sagaType, tail string) string {
	return fmt.Sprintf("saga.%s.%s", sagaType, tail)
}

// SagaStep is one remote operation of a saga: a command sent to a service
// and the reply awaited from it.
type SagaStep struct {
	// Name identifies the step inside the saga. Required, unique.
	Name string
	// Service is the logical target; stamped on the command as a header.
	Service string
	// Command is the event type of the command sent to the service. Required.
	Command string
	// CompensationCommand, when set, is published to the same service while
	// the saga unwinds.
	CompensationCommand string

	// SuccessEvent and FailureEvent are the reply event type tails; on the
	// wire they appear as "saga.<saga_type>.<tail>". They default to
	// "<command>.completed" and "<command>.failed".
	SuccessEvent string
	FailureEvent string

	// Payload builds the command payload from the saga context. A nil
	// Payload sends an empty object.
	Payload func(sctx *workflow.Context) map[string]any
	// CompensationPayload builds the compensation command payload; when nil
	// the compensator falls back to Payload, which by then sees the step's
	// reply data in the context.
	CompensationPayload func(sctx *workflow.Context) map[string]any

	// Timeout bounds the wait for this step's reply. Defaults to
	// DefaultReplyTimeout.
	Timeout time.Duration
}

// replyClass resolves a wire reply type back to its step and outcome.
type replyClass struct {
	step    *SagaStep
	success bool
}

// SagaDefinition names a saga and its ordered steps.
type SagaDefinition struct {
	Name string
	// Timeout bounds the whole instance. Defaults to DefaultSagaTimeout.
	Timeout time.Duration
	Steps   []SagaStep

	index   map[string]*SagaStep
	replies map[string]replyClass
}

// validate applies defaults and checks the definition; called once at
// registration.
func (d *SagaDefinition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga: definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s: at least one step is required", d.Name)
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultSagaTimeout
	}

	d.index = make(map[string]*SagaStep, len(d.Steps))
	d.replies = make(map[string]replyClass, 2*len(d.Steps))
	for i := range d.Steps {
		st := &d.Steps[i]
		if st.Name == "" {
			return fmt.Errorf("saga %s: step name is required", d.Name)
		}
		if _, dup := d.index[st.Name]; dup {
			return fmt.Errorf("saga %s: duplicate step name %q", d.Name, st.Name)
		}
		if st.Service == "" {
			return fmt.Errorf("saga %s: step %s: service is required", d.Name, st.Name)
		}
		if st.Command == "" {
			return fmt.Errorf("saga %s: step %s: command is required", d.Name, st.Name)
		}
		if st.SuccessEvent == "" {
			st.SuccessEvent = st.Command + ".completed"
		}
		if st.FailureEvent == "" {
			st.FailureEvent = st.Command + ".failed"
		}
		if st.SuccessEvent == st.FailureEvent {
			return fmt.Errorf("saga %s: step %s: success and failure replies must differ", d.Name, st.Name)
		}
		if st.Timeout <= 0 {
			st.Timeout = DefaultReplyTimeout
		}
		d.index[st.Name] = st

		for _, r := range []replyClass{
			{step: st, success: true},
			{step: st, success: false},
		} {
			tail := st.FailureEvent
			if r.success {
				tail = st.SuccessEvent
			}
			full := ReplyEventType(d.Name, tail)
			if prev, dup := d.replies[full]; dup {
				return fmt.Errorf("saga %s: reply type %s claimed by both steps %s and %s",
					d.Name, full, prev.step.Name, st.Name)
			}
			d.replies[full] = r
		}
	}
	return nil
}

// step returns the step with the given name.
func (d *SagaDefinition) step(name string) *SagaStep {
	return d.index[name]
}

// classify resolves a wire reply event type to its step and outcome.
func (d *SagaDefinition) classify(eventType string) (replyClass, bool) {
	r, ok := d.replies[eventType]
	return r, ok
}

// replyTypes lists every reply event type of the definition in step order,
// success before failure.
func (d *SagaDefinition) replyTypes() []string {
	out := make([]string, 0, 2*len(d.Steps))
	for i := range d.Steps {
		st := &d.Steps[i]
		out = append(out,
			ReplyEventType(d.Name, st.SuccessEvent),
			ReplyEventType(d.Name, st.FailureEvent),
		)
	}
	return out
}
