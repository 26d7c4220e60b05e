package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/event"
	"github.com/utafrali/BackplaneGo/pkg/pagination"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failAction(msg string) ActionFunc {
	return func(context.Context, *Context) StepResult {
		return Failed(errors.New(msg))
	}
}

// stepRecorder collects invocation order across goroutines.
type stepRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *stepRecorder) action(name string) ActionFunc {
	return func(context.Context, *Context) StepResult {
		r.note(name)
		return Completed(nil)
	}
}

func (r *stepRecorder) compensator(name string) CompensateFunc {
	return func(context.Context, *Context) error {
		r.note(name)
		return nil
	}
}

func (r *stepRecorder) note(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *stepRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// memoryStore is an in-memory Store. Rows are stored by value so an entry
// behaves like a committed row, not a live pointer into the engine.
type memoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	history   []StepExecution
	nextID    int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{instances: make(map[string]Instance)}
}

func (s *memoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.instances[inst.WorkflowID]; dup {
		return apperrors.AlreadyExists("workflow instance", "workflow_id", inst.WorkflowID)
	}
	s.instances[inst.WorkflowID] = *inst
	return nil
}

func (s *memoryStore) UpdateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.WorkflowID]; !ok {
		return apperrors.NotFound("workflow instance", inst.WorkflowID)
	}
	s.instances[inst.WorkflowID] = *inst
	return nil
}

func (s *memoryStore) GetInstance(_ context.Context, workflowID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[workflowID]
	if !ok {
		return nil, apperrors.NotFound("workflow instance", workflowID)
	}
	return &inst, nil
}

func (s *memoryStore) RecordStep(_ context.Context, row *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row.ID = s.nextID
	s.history = append(s.history, *row)
	return nil
}

func (s *memoryStore) StepHistory(_ context.Context, workflowID string) ([]*StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StepExecution
	for i := range s.history {
		if s.history[i].WorkflowID == workflowID {
			row := s.history[i]
			out = append(out, &row)
		}
	}
	return out, nil
}

func (s *memoryStore) ListStale(_ context.Context, olderThan time.Duration, limit int) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*Instance
	for _, inst := range s.instances {
		if inst.Status == StatusRunning && inst.UpdatedAt.Before(cutoff) {
			row := inst
			out = append(out, &row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListByStatus(_ context.Context, filter ListFilter, p pagination.Params) ([]*Instance, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Instance
	for _, inst := range s.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.WorkflowType != "" && inst.WorkflowType != filter.WorkflowType {
			continue
		}
		row := inst
		matched = append(matched, &row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if p.Offset >= total {
		return nil, total, nil
	}
	end := p.Offset + p.PerPage
	if end > total {
		end = total
	}
	return matched[p.Offset:end], total, nil
}

func (s *memoryStore) seed(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.WorkflowID] = inst
}

func (s *memoryStore) addStep(row StepExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row.ID = s.nextID
	s.history = append(s.history, row)
}

func (s *memoryStore) backdate(workflowID string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instances[workflowID]
	inst.UpdatedAt = time.Now().UTC().Add(-age)
	s.instances[workflowID] = inst
}

// capturePublisher records every lifecycle event the engine emits.
type capturePublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.EventType
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memoryStore, *capturePublisher) {
	t.Helper()
	store := newMemoryStore()
	pub := &capturePublisher{}
	return NewEngine(cfg, store, pub, newTestLogger()), store, pub
}

// awaitTerminal blocks until the instance goroutine finishes, then returns
// the persisted state.
func awaitTerminal(t *testing.T, e *Engine, workflowID string) *InstanceStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, workflowID))
	status, err := e.Status(ctx, workflowID)
	require.NoError(t, err)
	return status
}

func TestEngine_RunToCompletion(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	var sawOrder string
	def := NewBuilder("order_fulfillment").
		Action("allocate", func(context.Context, *Context) StepResult {
			return Completed(map[string]any{"sku_count": 3})
		}).
		Action("confirm", func(_ context.Context, wctx *Context) StepResult {
			sawOrder = wctx.GetString("order_id")
			return Completed(map[string]any{"confirmed": true})
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "order_fulfillment",
		map[string]any{"order_id": "ord-1"},
		WithUserID("u-1"), WithTenantID("acme"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status := awaitTerminal(t, e, id)
	inst := status.Instance
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, id, inst.CorrelationID)
	assert.Equal(t, "u-1", inst.UserID)
	assert.Equal(t, "acme", inst.TenantID)
	assert.Empty(t, inst.ErrorMessage)
	require.NotNil(t, inst.StartedAt)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, "ord-1", sawOrder)

	var vars map[string]any
	require.NoError(t, json.Unmarshal(inst.ContextData, &vars))
	assert.Equal(t, "ord-1", vars["order_id"])
	assert.Equal(t, float64(3), vars["sku_count"])
	assert.Equal(t, true, vars["confirmed"])

	require.Len(t, status.Steps, 4)
	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompleted, latest["allocate"].Status)
	assert.Equal(t, StepStatusCompleted, latest["confirm"].Status)
	assert.JSONEq(t, `{"sku_count":3}`, string(latest["allocate"].ResultData))

	assert.Equal(t, []string{
		EventWorkflowStarted,
		EventWorkflowRunning,
		EventStepCompleted,
		EventStepCompleted,
		EventWorkflowCompleted,
	}, pub.types())
	for _, ev := range pub.all() {
		assert.Equal(t, id, ev.Metadata.CorrelationID)
		assert.Equal(t, "workflow-engine", ev.Metadata.SourceService)
		assert.Equal(t, "u-1", ev.Metadata.UserID)
	}
}

func TestEngine_StartUnknownDefinition(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	_, err := e.Start(context.Background(), "ghost", nil)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestEngine_RegisterDuplicate(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := func() *Definition {
		return NewBuilder("order_fulfillment").Action("allocate", noopAction).Build()
	}
	require.NoError(t, e.Register(def()))

	err := e.Register(def())
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "ALREADY_EXISTS", appErr.Code)
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	var calls atomic.Int32
	def := NewBuilder("flaky_export").
		Action("push", func(context.Context, *Context) StepResult {
			if calls.Add(1) < 3 {
				return RetryAfter(errors.New("upstream busy"), time.Millisecond)
			}
			return Completed(nil)
		}, WithRetry(3, 50*time.Millisecond)).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "flaky_export", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.Equal(t, int32(3), calls.Load())

	var failedRows, completedRows int
	for _, row := range status.Steps {
		switch row.Status {
		case StepStatusFailed:
			failedRows++
			assert.Contains(t, row.ErrorMessage, "upstream busy")
		case StepStatusCompleted:
			completedRows++
		}
	}
	assert.Equal(t, 2, failedRows)
	assert.Equal(t, 1, completedRows)
	assert.Equal(t, 3, LatestByStep(status.Steps)["push"].AttemptNumber)

	// Retried attempts never emit a step failure event; only final outcomes do.
	assert.NotContains(t, pub.types(), EventStepFailed)
}

func TestEngine_CompensationRunsInReverseOrder(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	undo := &stepRecorder{}
	def := NewBuilder("order_processing").
		Action("reserve_inventory", noopAction, WithCompensation(undo.compensator("reserve_inventory"))).
		Action("process_payment", noopAction, WithCompensation(undo.compensator("process_payment"))).
		Action("create_order", failAction("card declined")).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "order_processing", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompensated, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, "card declined")
	assert.Equal(t, []string{"process_payment", "reserve_inventory"}, undo.names())

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompensated, latest["reserve_inventory"].Status)
	assert.Equal(t, StepStatusCompensated, latest["process_payment"].Status)
	assert.Equal(t, StepStatusFailed, latest["create_order"].Status)

	assert.Equal(t, []string{
		EventWorkflowStarted,
		EventWorkflowRunning,
		EventStepCompleted,
		EventStepCompleted,
		EventStepFailed,
		EventWorkflowCompensating,
		EventStepCompensated,
		EventStepCompensated,
		EventWorkflowCompensated,
	}, pub.types())

	var compensatedIDs []string
	for _, ev := range pub.all() {
		if ev.EventType != EventStepCompensated {
			continue
		}
		var payload LifecycleEvent
		require.NoError(t, ev.UnmarshalData(&payload))
		compensatedIDs = append(compensatedIDs, payload.StepID)
	}
	assert.Equal(t, []string{"process_payment", "reserve_inventory"}, compensatedIDs)
}

func TestEngine_CompensatorFailureFailsWorkflow(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	undo := &stepRecorder{}
	def := NewBuilder("brittle_rollback").
		Action("step1", noopAction, WithCompensation(undo.compensator("step1"))).
		Action("step2", noopAction, WithCompensation(func(context.Context, *Context) error {
			return errors.New("undo rejected")
		})).
		Action("step3", failAction("boom")).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "brittle_rollback", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusFailed, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, "compensation of step step2 failed")
	assert.Contains(t, status.Instance.ErrorMessage, "undo rejected")

	// step2's compensator failed first, so step1 was never touched.
	assert.Empty(t, undo.names())
	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompleted, latest["step1"].Status)
	assert.Equal(t, StepStatusCompleted, latest["step2"].Status)

	assert.Contains(t, pub.types(), EventWorkflowCompensating)
	assert.NotContains(t, pub.types(), EventStepCompensated)
	assert.Contains(t, pub.types(), EventWorkflowFailed)
}

func TestEngine_FailureWithoutCompletedStepsFailsDirectly(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	def := NewBuilder("doomed").Action("first", failAction("no capacity")).Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "doomed", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusFailed, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, "step first")
	assert.Contains(t, status.Instance.ErrorMessage, "no capacity")
	assert.NotContains(t, pub.types(), EventWorkflowCompensating)
	assert.Equal(t, EventWorkflowFailed, pub.types()[len(pub.types())-1])
}

func TestEngine_GateSkipsStep(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	def := NewBuilder("gated_fulfillment").
		Action("pick", noopAction).
		Action("gift_wrap", noopAction, WithGate(func(wctx *Context) bool {
			v, _ := wctx.Get("gift")
			b, _ := v.(bool)
			return b
		})).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "gated_fulfillment", map[string]any{"gift": false})
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusSkipped, latest["gift_wrap"].Status)
	assert.Equal(t, 0, latest["gift_wrap"].AttemptNumber)

	var stepCompleted int
	for _, typ := range pub.types() {
		if typ == EventStepCompleted {
			stepCompleted++
		}
	}
	assert.Equal(t, 1, stepCompleted)
}

func TestEngine_DecisionFollowsBranch(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	rec := &stepRecorder{}
	def := NewBuilder("shipment_routing").
		Decision("route", func(_ context.Context, wctx *Context) (string, error) {
			if wctx.GetString("tier") == "premium" {
				return "express", nil
			}
			return "ground", nil
		}, map[string][]Step{
			"express": {{ID: "book_courier", Type: StepAction, Action: rec.action("book_courier")}},
			"ground":  {{ID: "book_freight", Type: StepAction, Action: rec.action("book_freight")}},
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "shipment_routing", map[string]any{"tier": "premium"})
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.Equal(t, []string{"book_courier"}, rec.names())

	var vars map[string]any
	require.NoError(t, json.Unmarshal(status.Instance.ContextData, &vars))
	assert.Equal(t, "express", vars["route.branch"])

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompleted, latest["route"].Status)
	assert.Equal(t, StepStatusCompleted, latest["book_courier"].Status)
	assert.NotContains(t, latest, "book_freight")
}

func TestEngine_DecisionUnknownBranchFails(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := NewBuilder("bad_routing").
		Decision("route", staticDecision("teleport"), map[string][]Step{
			"ground": {{ID: "book_freight", Type: StepAction, Action: noopAction}},
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "bad_routing", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusFailed, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, `unknown branch "teleport"`)
}

func TestEngine_ParallelWaitAll(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	rec := &stepRecorder{}
	def := NewBuilder("broadcast").
		Parallel("notify", JoinWaitAll, []Step{
			{ID: "email", Type: StepAction, Action: rec.action("email")},
			{ID: "sms", Type: StepAction, Action: rec.action("sms")},
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "broadcast", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.ElementsMatch(t, []string{"email", "sms"}, rec.names())

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompleted, latest["notify"].Status)
	assert.Equal(t, StepStatusCompleted, latest["email"].Status)
	assert.Equal(t, StepStatusCompleted, latest["sms"].Status)
}

func TestEngine_ParallelChildFailureCompensatesSiblings(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	undo := &stepRecorder{}
	def := NewBuilder("split_shipment").
		Action("reserve", noopAction, WithCompensation(undo.compensator("reserve"))).
		Parallel("dispatch", JoinWaitAll, []Step{
			{ID: "ship_a", Type: StepAction, Action: noopAction, Compensate: undo.compensator("ship_a")},
			{ID: "ship_b", Type: StepAction, Action: failAction("no trucks")},
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "split_shipment", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompensated, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, "no trucks")
	assert.Equal(t, []string{"ship_a", "reserve"}, undo.names())

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompensated, latest["reserve"].Status)
	assert.Equal(t, StepStatusCompensated, latest["ship_a"].Status)
	assert.Equal(t, StepStatusFailed, latest["ship_b"].Status)
	assert.Equal(t, StepStatusFailed, latest["dispatch"].Status)
}

func TestEngine_ParallelFirstCompletedWins(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := NewBuilder("fastest_quote").
		Parallel("race", JoinFirstCompleted, []Step{
			{ID: "fast", Type: StepAction, Action: func(context.Context, *Context) StepResult {
				return Completed(map[string]any{"quote": "fast-42"})
			}},
			{ID: "slow", Type: StepAction, Action: func(ctx context.Context, _ *Context) StepResult {
				<-ctx.Done()
				return StepResult{Err: ctx.Err()}
			}},
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "fastest_quote", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)

	var vars map[string]any
	require.NoError(t, json.Unmarshal(status.Instance.ContextData, &vars))
	assert.Equal(t, "fast", vars["race.winner"])
	assert.Equal(t, "fast-42", vars["quote"])

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompleted, latest["race"].Status)
	assert.Equal(t, StepStatusCompleted, latest["fast"].Status)
}

func TestEngine_ParallelChildrenMergeConcurrently(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultConfig())

	const children = 8
	var gate sync.WaitGroup
	gate.Add(children)

	// CurrentStep as persisted while the fan-out is live.
	var midFlight atomic.Value
	steps := make([]Step, children)
	for i := range steps {
		key := fmt.Sprintf("chunk_%d", i)
		steps[i] = Step{ID: key, Type: StepAction, Action: func(ctx context.Context, wctx *Context) StepResult {
			// Hold every child at the gate so their merges and persists
			// genuinely overlap.
			gate.Done()
			gate.Wait()
			if inst, err := store.GetInstance(ctx, wctx.WorkflowID); err == nil {
				midFlight.Store(inst.CurrentStep)
			}
			return Completed(map[string]any{key: true})
		}}
	}

	def := NewBuilder("bulk_import").
		Parallel("load", JoinWaitAll, steps).
		Action("summarize", func(context.Context, *Context) StepResult {
			return Completed(map[string]any{"loaded": children})
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "bulk_import", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.Equal(t, "summarize", status.Instance.CurrentStep)
	assert.Equal(t, "load", midFlight.Load())

	var vars map[string]any
	require.NoError(t, json.Unmarshal(status.Instance.ContextData, &vars))
	for i := 0; i < children; i++ {
		assert.Equal(t, true, vars[fmt.Sprintf("chunk_%d", i)])
	}
	assert.Equal(t, float64(children), vars["loaded"])

	latest := LatestByStep(status.Steps)
	assert.Equal(t, StepStatusCompleted, latest["load"].Status)
	for i := 0; i < children; i++ {
		assert.Equal(t, StepStatusCompleted, latest[fmt.Sprintf("chunk_%d", i)].Status)
	}
}

func TestEngine_WaitStepSleepsThenContinues(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	rec := &stepRecorder{}
	def := NewBuilder("cooldown_flow").
		Action("warm", rec.action("warm")).
		WaitFor("cooldown", 20*time.Millisecond).
		Action("serve", rec.action("serve")).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "cooldown_flow", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.Equal(t, []string{"warm", "serve"}, rec.names())

	row := LatestByStep(status.Steps)["cooldown"]
	require.Equal(t, StepStatusCompleted, row.Status)
	require.NotNil(t, row.CompletedAt)
	assert.GreaterOrEqual(t, row.CompletedAt.Sub(row.StartedAt), 20*time.Millisecond)
}

func TestEngine_WaitUntilPredicate(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	var polls atomic.Int32
	def := NewBuilder("await_export").
		WaitUntil("export_ready", func(context.Context, *Context) (bool, error) {
			return polls.Add(1) >= 3, nil
		}, time.Millisecond).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "await_export", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestEngine_WaitUntilTimeoutFails(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := NewBuilder("await_never").
		WaitUntil("never_ready", func(context.Context, *Context) (bool, error) {
			return false, nil
		}, 2*time.Millisecond, WithStepTimeout(50*time.Millisecond)).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "await_never", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusFailed, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, "context deadline exceeded")
}

func TestEngine_CancelCompensatesCompletedSteps(t *testing.T) {
	e, _, pub := newTestEngine(t, DefaultConfig())

	undo := &stepRecorder{}
	entered := make(chan struct{})
	def := NewBuilder("cancellable").
		Action("step1", noopAction, WithCompensation(undo.compensator("step1"))).
		Action("step2", func(ctx context.Context, _ *Context) StepResult {
			close(entered)
			<-ctx.Done()
			return StepResult{Err: ctx.Err()}
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "cancellable", nil)
	require.NoError(t, err)

	<-entered
	require.NoError(t, e.Cancel(context.Background(), id))

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompensated, status.Instance.Status)
	assert.Equal(t, []string{"step1"}, undo.names())
	assert.Contains(t, pub.types(), EventWorkflowCancelled)
	assert.Equal(t, EventWorkflowCompensated, pub.types()[len(pub.types())-1])
}

func TestEngine_CancelUnknownInstance(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	err := e.Cancel(context.Background(), "wf-missing")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestEngine_CancelTerminalInstanceConflicts(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := NewBuilder("quick_job").Action("only", noopAction).Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "quick_job", nil)
	require.NoError(t, err)
	awaitTerminal(t, e, id)

	err = e.Cancel(context.Background(), id)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "CONFLICT", appErr.Code)
	assert.Contains(t, appErr.Message, "already COMPLETED")
}

func TestEngine_CancelOrphanedInstance(t *testing.T) {
	e, store, pub := newTestEngine(t, DefaultConfig())

	now := time.Now().UTC()
	store.seed(Instance{
		WorkflowID:    "wf-orphan",
		WorkflowType:  "order_processing",
		Status:        StatusRunning,
		ContextData:   json.RawMessage(`{}`),
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: "wf-orphan",
		MaxRetries:    5,
	})

	require.NoError(t, e.Cancel(context.Background(), "wf-orphan"))

	inst, err := store.GetInstance(context.Background(), "wf-orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, []string{EventWorkflowCancelled}, pub.types())
}

func TestEngine_RecoveryResumesFromCurrentStep(t *testing.T) {
	e, store, pub := newTestEngine(t, DefaultConfig())

	var step1Runs, step2Runs atomic.Int32
	var step2Saw string
	def := NewBuilder("provisioning").
		Action("allocate_vm", func(context.Context, *Context) StepResult {
			step1Runs.Add(1)
			return Completed(nil)
		}).
		Action("attach_disk", func(_ context.Context, wctx *Context) StepResult {
			step2Runs.Add(1)
			step2Saw = wctx.GetString("vm_id")
			return Completed(nil)
		}).
		Build()
	require.NoError(t, e.Register(def))

	past := time.Now().UTC().Add(-10 * time.Minute)
	store.seed(Instance{
		WorkflowID:    "wf-stale",
		WorkflowType:  "provisioning",
		Status:        StatusRunning,
		ContextData:   json.RawMessage(`{"vm_id":"vm-7"}`),
		CurrentStep:   "attach_disk",
		CreatedAt:     past,
		UpdatedAt:     past,
		StartedAt:     &past,
		CorrelationID: "wf-stale",
		MaxRetries:    5,
	})
	store.addStep(StepExecution{
		WorkflowID:    "wf-stale",
		StepID:        "allocate_vm",
		Status:        StepStatusCompleted,
		StartedAt:     past,
		CompletedAt:   &past,
		AttemptNumber: 1,
	})

	n, err := e.RunRecovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status := awaitTerminal(t, e, "wf-stale")
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.Equal(t, 1, status.Instance.RetryCount)
	assert.Equal(t, int32(0), step1Runs.Load())
	assert.Equal(t, int32(1), step2Runs.Load())
	assert.Equal(t, "vm-7", step2Saw)

	// Resumed instances do not re-announce themselves as started.
	require.NotEmpty(t, pub.types())
	assert.Equal(t, EventWorkflowRunning, pub.types()[0])

	n, err = e.RunRecovery(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(1), step2Runs.Load())
}

func TestEngine_RecoverySkipsLiveInstances(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultConfig())

	var runs atomic.Int32
	entered := make(chan struct{})
	gate := make(chan struct{})
	def := NewBuilder("slow_job").
		Action("crunch", func(ctx context.Context, _ *Context) StepResult {
			runs.Add(1)
			close(entered)
			select {
			case <-gate:
				return Completed(nil)
			case <-ctx.Done():
				return StepResult{Err: ctx.Err()}
			}
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "slow_job", nil)
	require.NoError(t, err)
	<-entered

	store.backdate(id, 10*time.Minute)
	n, err := e.RunRecovery(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(gate)
	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestEngine_RecoveryAbandonsAfterResumeBudget(t *testing.T) {
	e, store, pub := newTestEngine(t, DefaultConfig())

	def := NewBuilder("provisioning").Action("allocate_vm", noopAction).Build()
	require.NoError(t, e.Register(def))

	past := time.Now().UTC().Add(-10 * time.Minute)
	store.seed(Instance{
		WorkflowID:    "wf-exhausted",
		WorkflowType:  "provisioning",
		Status:        StatusRunning,
		ContextData:   json.RawMessage(`{}`),
		CreatedAt:     past,
		UpdatedAt:     past,
		CorrelationID: "wf-exhausted",
		RetryCount:    5,
		MaxRetries:    5,
	})

	n, err := e.RunRecovery(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	inst, err := store.GetInstance(context.Background(), "wf-exhausted")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.ErrorMessage, "recovery abandoned after 5 resume attempts")
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, []string{EventWorkflowFailed}, pub.types())
}

func TestEngine_StartBlocksAtMaxConcurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	e, _, _ := newTestEngine(t, cfg)

	release := make(chan struct{})
	def := NewBuilder("holder").
		Action("hold", func(ctx context.Context, _ *Context) StepResult {
			select {
			case <-release:
				return Completed(nil)
			case <-ctx.Done():
				return StepResult{Err: ctx.Err()}
			}
		}).
		Build()
	require.NoError(t, e.Register(def))

	first, err := e.Start(context.Background(), "holder", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = e.Start(ctx, "holder", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	awaitTerminal(t, e, first)

	third, err := e.Start(context.Background(), "holder", nil)
	require.NoError(t, err)
	awaitTerminal(t, e, third)
}

func TestEngine_ListInstances(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultConfig())

	base := time.Now().UTC()
	seed := func(id string, status Status, age time.Duration) {
		store.seed(Instance{
			WorkflowID:   id,
			WorkflowType: "order_processing",
			Status:       status,
			ContextData:  json.RawMessage(`{}`),
			CreatedAt:    base.Add(-age),
			UpdatedAt:    base.Add(-age),
		})
	}
	seed("wf-a", StatusCompleted, 3*time.Hour)
	seed("wf-b", StatusCompleted, time.Hour)
	seed("wf-c", StatusRunning, 2*time.Hour)

	res, err := e.ListInstances(context.Background(),
		ListFilter{Status: StatusCompleted},
		pagination.Params{Page: 1, PerPage: 1, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, 2, res.TotalPages)
	assert.True(t, res.HasNext)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "wf-b", res.Data[0].WorkflowID)

	res, err = e.ListInstances(context.Background(),
		ListFilter{Status: StatusCompleted},
		pagination.Params{Page: 2, PerPage: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "wf-a", res.Data[0].WorkflowID)

	// Zero params fall back to the first default page.
	res, err = e.ListInstances(context.Background(), ListFilter{}, pagination.Params{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalCount)
	assert.Len(t, res.Data, 3)
}

func TestEngine_StepPanicBecomesFailure(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := NewBuilder("panicky").
		Action("explode", func(context.Context, *Context) StepResult {
			panic("kaboom")
		}).
		Build()
	require.NoError(t, e.Register(def))

	id, err := e.Start(context.Background(), "panicky", nil)
	require.NoError(t, err)

	status := awaitTerminal(t, e, id)
	assert.Equal(t, StatusFailed, status.Instance.Status)
	assert.Contains(t, status.Instance.ErrorMessage, "step panicked: kaboom")
	assert.Contains(t, LatestByStep(status.Steps)["explode"].ErrorMessage, "kaboom")
}

func TestEngine_RunStopsCleanly(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())

	def := NewBuilder("quick_job").Action("only", noopAction).Build()
	require.NoError(t, e.Register(def))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	id, err := e.Start(context.Background(), "quick_job", nil)
	require.NoError(t, err)
	awaitTerminal(t, e, id)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	_, err = e.Start(context.Background(), "quick_job", nil)
	require.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_ShutdownLeavesInstanceForRecovery(t *testing.T) {
	store := newMemoryStore()
	e1 := NewEngine(DefaultConfig(), store, &capturePublisher{}, newTestLogger())

	entered := make(chan struct{})
	blocked := NewBuilder("long_haul").
		Action("haul", func(ctx context.Context, _ *Context) StepResult {
			close(entered)
			<-ctx.Done()
			return StepResult{Err: ctx.Err()}
		}).
		Build()
	require.NoError(t, e1.Register(blocked))

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e1.Run(runCtx) }()

	id, err := e1.Start(context.Background(), "long_haul", nil)
	require.NoError(t, err)
	<-entered

	cancelRun()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain")
	}

	// The interrupted instance stays RUNNING so a later sweep can resume it.
	inst, err := store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)

	e2 := NewEngine(DefaultConfig(), store, &capturePublisher{}, newTestLogger())
	require.NoError(t, e2.Register(NewBuilder("long_haul").Action("haul", noopAction).Build()))

	store.backdate(id, 10*time.Minute)
	n, err := e2.RunRecovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status := awaitTerminal(t, e2, id)
	assert.Equal(t, StatusCompleted, status.Instance.Status)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{}
	cfg.normalize()
	assert.Equal(t, 100, cfg.MaxConcurrent)
	assert.Equal(t, time.Minute, cfg.RecoveryInterval)
	assert.Equal(t, 2*time.Minute, cfg.RecoveryAge)
	assert.Equal(t, 20, cfg.RecoveryBatch)
	assert.Equal(t, 5, cfg.MaxRecoveries)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)

	cfg = Config{RecoveryInterval: 5 * time.Second, RecoveryAge: time.Second}
	cfg.normalize()
	assert.Equal(t, 30*time.Second, cfg.RecoveryAge)

	cfg = Config{RecoveryInterval: time.Minute, RecoveryAge: 10 * time.Minute}
	cfg.normalize()
	assert.Equal(t, 10*time.Minute, cfg.RecoveryAge)
}
