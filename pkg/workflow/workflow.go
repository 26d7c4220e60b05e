// Package workflow executes named, versioned step definitions as durable
// instances: every status transition and step attempt is persisted, failed
// instances compensate completed steps in reverse order, and interrupted
// instances are resumed by a recovery sweep instead of being lost.
package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusRunning      Status = "RUNNING"
	StatusPaused       Status = "PAUSED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCompensated:
		return true
	}
	return false
}

// StepStatus is the state of one step attempt row.
type StepStatus string

const (
	StepStatusPending     StepStatus = "PENDING"
	StepStatusRunning     StepStatus = "RUNNING"
	StepStatusCompleted   StepStatus = "COMPLETED"
	StepStatusFailed      StepStatus = "FAILED"
	StepStatusSkipped     StepStatus = "SKIPPED"
	StepStatusCompensated StepStatus = "COMPENSATED"
)

// StepType selects the execution semantics of a step.
type StepType string

const (
	// StepAction invokes a function and interprets its StepResult.
	StepAction StepType = "ACTION"
	// StepDecision invokes a function that names the branch to execute next.
	StepDecision StepType = "DECISION"
	// StepParallel runs its children concurrently under a join policy.
	StepParallel StepType = "PARALLEL"
	// StepWait sleeps for a duration or polls a predicate until true.
	StepWait StepType = "WAIT"
	// StepCompensation declares a compensator for another step. It never runs
	// in the forward pass; validation attaches it to the step it names.
	StepCompensation StepType = "COMPENSATION"
)

// JoinPolicy controls how a PARALLEL step waits for its children.
type JoinPolicy string

const (
	// JoinWaitAll waits for every child; any child failure fails the step.
	JoinWaitAll JoinPolicy = "wait_all"
	// JoinFirstCompleted succeeds with the first child that completes and
	// cancels the rest.
	JoinFirstCompleted JoinPolicy = "first_completed"
)

// Default timeouts applied by Definition validation when unset.
const (
	DefaultStepTimeout     = 30 * time.Minute
	DefaultWorkflowTimeout = 24 * time.Hour
)

// StepResult is what an ACTION reports back to the engine.
type StepResult struct {
	// Success marks the attempt as completed. Data is then merged into the
	// workflow context and the remaining fields are ignored.
	Success bool
	// Data is merged into the workflow context on success.
	Data map[string]any
	// Err describes the failure. Recorded on the step execution row.
	Err error
	// ShouldRetry requests another attempt while the retry budget lasts.
	ShouldRetry bool
	// RetryDelay overrides the step's configured delay for the next attempt.
	RetryDelay time.Duration
}

// Completed builds a successful result carrying data for the context.
func Completed(data map[string]any) StepResult {
	return StepResult{Success: true, Data: data}
}

// Failed builds a terminal failure result.
func Failed(err error) StepResult {
	return StepResult{Err: err}
}

// RetryAfter builds a retryable failure. A zero delay falls back to the
// step's configured retry delay.
func RetryAfter(err error, delay time.Duration) StepResult {
	return StepResult{Err: err, ShouldRetry: true, RetryDelay: delay}
}

// ActionFunc is the body of an ACTION step.
type ActionFunc func(ctx context.Context, wctx *Context) StepResult

// DecisionFunc picks the branch a DECISION step continues with.
type DecisionFunc func(ctx context.Context, wctx *Context) (string, error)

// PredicateFunc is polled by a WAIT step until it returns true.
type PredicateFunc func(ctx context.Context, wctx *Context) (bool, error)

// GateFunc decides whether a step executes at all. Returning false marks the
// step SKIPPED.
type GateFunc func(wctx *Context) bool

// CompensateFunc undoes the effect of a completed step.
type CompensateFunc func(ctx context.Context, wctx *Context) error

// Step is one node of a workflow definition. Which fields apply depends on
// Type; Definition validation rejects inconsistent combinations.
type Step struct {
	ID   string
	Name string
	Type StepType

	// Action runs for ACTION steps, and holds the compensator body for
	// COMPENSATION steps.
	Action ActionFunc
	// Decide and Branches drive DECISION steps.
	Decide   DecisionFunc
	Branches map[string][]Step
	// Children and Join drive PARALLEL steps.
	Children []Step
	Join     JoinPolicy
	// WaitFor, Until and PollInterval drive WAIT steps: either sleep for
	// WaitFor, or poll Until every PollInterval.
	WaitFor      time.Duration
	Until        PredicateFunc
	PollInterval time.Duration
	// For names the step a COMPENSATION step compensates.
	For string

	// Timeout bounds each attempt. Zero means DefaultStepTimeout.
	Timeout time.Duration
	// RetryCount is how many extra attempts a retryable failure earns.
	RetryCount int
	// RetryDelay is the pause before a retry unless the result overrides it.
	RetryDelay time.Duration
	// Compensate undoes the step during the compensation phase.
	Compensate CompensateFunc
	// ShouldExecute gates the step; nil means always execute.
	ShouldExecute GateFunc
}

// Instance is the persisted state of one workflow execution.
type Instance struct {
	WorkflowID    string          `json:"workflow_id"`
	WorkflowType  string          `json:"workflow_type"`
	Status        Status          `json:"status"`
	ContextData   json.RawMessage `json:"context_data,omitempty"`
	CurrentStep   string          `json:"current_step,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
}

// StepExecution is one persisted step attempt. Attempts append rows; the
// newest row per step carries its current state.
type StepExecution struct {
	ID            int64           `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	StepID        string          `json:"step_id"`
	Status        StepStatus      `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ResultData    json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	AttemptNumber int             `json:"attempt_number"`
}

// LatestByStep reduces an attempt history to the newest row per step ID.
// History rows are ordered by insertion, so the last row wins.
func LatestByStep(history []*StepExecution) map[string]*StepExecution {
	latest := make(map[string]*StepExecution, len(history))
	for _, row := range history {
		latest[row.StepID] = row
	}
	return latest
}
