package saga

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/event"
	"github.com/utafrali/BackplaneGo/pkg/eventbus"
	"github.com/utafrali/BackplaneGo/pkg/pagination"
	"github.com/utafrali/BackplaneGo/pkg/workflow"
)

// memStore is an in-memory workflow.Store. Rows are stored by value so an
// entry behaves like a committed row.
type memStore struct {
	mu        sync.Mutex
	instances map[string]workflow.Instance
	steps     []workflow.StepExecution
	nextID    int64
	createErr error
}

func newMemStore() *memStore {
	return &memStore{instances: make(map[string]workflow.Instance)}
}

func (s *memStore) CreateInstance(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, dup := s.instances[inst.WorkflowID]; dup {
		return apperrors.AlreadyExists("workflow instance", "workflow_id", inst.WorkflowID)
	}
	s.instances[inst.WorkflowID] = *inst
	return nil
}

func (s *memStore) UpdateInstance(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.WorkflowID]; !ok {
		return apperrors.NotFound("workflow instance", inst.WorkflowID)
	}
	s.instances[inst.WorkflowID] = *inst
	return nil
}

func (s *memStore) GetInstance(_ context.Context, workflowID string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[workflowID]
	if !ok {
		return nil, apperrors.NotFound("workflow instance", workflowID)
	}
	out := inst
	return &out, nil
}

func (s *memStore) RecordStep(_ context.Context, row *workflow.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row.ID = s.nextID
	s.steps = append(s.steps, *row)
	return nil
}

func (s *memStore) StepHistory(_ context.Context, workflowID string) ([]*workflow.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.StepExecution
	for i := range s.steps {
		if s.steps[i].WorkflowID == workflowID {
			row := s.steps[i]
			out = append(out, &row)
		}
	}
	return out, nil
}

func (s *memStore) ListStale(_ context.Context, olderThan time.Duration, limit int) ([]*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.Status == workflow.StatusRunning && inst.UpdatedAt.Before(cutoff) {
			row := inst
			out = append(out, &row)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListByStatus(_ context.Context, filter workflow.ListFilter, p pagination.Params) ([]*workflow.Instance, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*workflow.Instance
	for _, inst := range s.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.WorkflowType != "" && inst.WorkflowType != filter.WorkflowType {
			continue
		}
		row := inst
		all = append(all, &row)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.PerPage
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// serviceSim answers saga commands the way a real service consumer would:
// it echoes the correlation id and step id on a typed reply. Muted commands
// and compensation commands are recorded but never answered.
type serviceSim struct {
	bus      *fakeBus
	sagaType string

	mu       sync.Mutex
	commands []*event.Event
	failures map[string]string
	muted    map[string]bool
}

func newServiceSim(t *testing.T, bus *fakeBus, sagaType string, commandTypes []string) *serviceSim {
	t.Helper()
	sim := &serviceSim{
		bus:      bus,
		sagaType: sagaType,
		failures: make(map[string]string),
		muted:    make(map[string]bool),
	}
	h := eventbus.NewHandlerFunc("service-sim", commandTypes, sim.handle)
	_, err := bus.Subscribe(h, nil)
	require.NoError(t, err)
	return sim
}

func (s *serviceSim) failWith(command, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[command] = msg
}

func (s *serviceSim) mute(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[command] = true
}

func (s *serviceSim) commandTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	for i, e := range s.commands {
		out[i] = e.EventType
	}
	return out
}

func (s *serviceSim) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.commands {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (s *serviceSim) handle(ctx context.Context, e *event.Event) error {
	s.mu.Lock()
	s.commands = append(s.commands, e)
	failMsg, failed := s.failures[e.EventType]
	muted := s.muted[e.EventType]
	s.mu.Unlock()

	if muted || e.Metadata.Headers[HeaderCompensation] == "true" {
		return nil
	}

	tail := e.EventType + ".completed"
	payload := map[string]any{"step": e.Metadata.Headers[HeaderStepID], "status": "ok"}
	if failed {
		tail = e.EventType + ".failed"
		payload = map[string]any{"error": failMsg}
	}
	reply, err := event.New(ReplyEventType(s.sagaType, tail), payload,
		event.WithCorrelationID(e.Metadata.CorrelationID),
		event.WithSource("service-sim"),
		event.WithHeader(HeaderStepID, e.Metadata.Headers[HeaderStepID]),
	)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, reply)
}

type sagaHarness struct {
	manager *DistributedSagaManager
	engine  *workflow.Engine
	store   *memStore
	bus     *fakeBus
	sim     *serviceSim
}

func newSagaHarness(t *testing.T) *sagaHarness {
	return newSagaHarnessDef(t, orderProcessingDefinition())
}

func newSagaHarnessDef(t *testing.T, def *SagaDefinition) *sagaHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	engine := workflow.NewEngine(workflow.Config{MaxConcurrent: 8}, store, nil, logger)

	bus := newFakeBus()
	cfg := DefaultConfig()
	cfg.ReplyPollInterval = 2 * time.Millisecond
	cfg.SendRetryDelay = 5 * time.Millisecond
	m := NewDistributedSagaManager(cfg, engine, bus, logger)

	sim := newServiceSim(t, bus, "order_processing", []string{
		"inventory.reserve", "inventory.release",
		"payment.process", "payment.refund",
		"order.create",
	})
	require.NoError(t, m.RegisterSaga(def))
	return &sagaHarness{manager: m, engine: engine, store: store, bus: bus, sim: sim}
}

func awaitSaga(t *testing.T, h *sagaHarness, sagaID string) *workflow.InstanceStatus {
	t.Helper()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx, sagaID))

	st, err := h.manager.SagaStatus(context.Background(), sagaID)
	require.NoError(t, err)
	return st
}

func completedStepIDs(st *workflow.InstanceStatus) []string {
	var out []string
	for _, row := range st.Steps {
		if row.Status == workflow.StepStatusCompleted {
			out = append(out, row.StepID)
		}
	}
	return out
}

func TestManager_SagaRunsAllStepsAndCompletes(t *testing.T) {
	h := newSagaHarness(t)

	sagaID, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-1"})
	require.NoError(t, err)
	require.NotEmpty(t, sagaID)

	st := awaitSaga(t, h, sagaID)
	inst := st.Instance
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, sagaID, inst.CorrelationID)
	assert.Empty(t, inst.ErrorMessage)

	assert.Equal(t, []string{"inventory.reserve", "payment.process", "order.create"},
		h.sim.commandTypes())

	reserves := h.bus.publishedOfType("inventory.reserve")
	require.Len(t, reserves, 1)
	assert.Equal(t, sagaID, reserves[0].Metadata.CorrelationID)
	assert.Equal(t, "reserve_inventory", reserves[0].Metadata.Headers[HeaderStepID])
	assert.Equal(t, "inventory-service", reserves[0].Metadata.Headers[HeaderTargetService])
	var cmdPayload map[string]any
	require.NoError(t, reserves[0].UnmarshalData(&cmdPayload))
	assert.Equal(t, "ord-1", cmdPayload["order_id"])

	// Each reply's data lands in the saga context under "<step>.reply".
	var vars map[string]any
	require.NoError(t, json.Unmarshal(inst.ContextData, &vars))
	reply, ok := vars["process_payment.reply"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", reply["status"])

	assert.Equal(t, []string{
		"reserve_inventory", "reserve_inventory.reply",
		"process_payment", "process_payment.reply",
		"create_order", "create_order.reply",
	}, completedStepIDs(st))

	// The reply subscription is torn down once the saga finishes; only the
	// service simulator's subscription remains.
	require.Eventually(t, func() bool { return h.bus.subscriptionCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestManager_SagaCompensatesOnFailure(t *testing.T) {
	h := newSagaHarness(t)
	h.sim.failWith("order.create", "card declined")

	sagaID, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-2"})
	require.NoError(t, err)

	st := awaitSaga(t, h, sagaID)
	inst := st.Instance
	assert.Equal(t, workflow.StatusCompensated, inst.Status)
	assert.Contains(t, inst.ErrorMessage, "card declined")
	assert.Contains(t, inst.ErrorMessage, "rejected by order-service")

	// Compensation commands go out in reverse step order.
	assert.Equal(t, []string{
		"inventory.reserve", "payment.process", "order.create",
		"payment.refund", "inventory.release",
	}, h.sim.commandTypes())

	refunds := h.bus.publishedOfType("payment.refund")
	require.Len(t, refunds, 1)
	assert.Equal(t, "process_payment", refunds[0].Metadata.Headers[HeaderStepID])
	assert.Equal(t, "true", refunds[0].Metadata.Headers[HeaderCompensation])
	assert.Equal(t, sagaID, refunds[0].Metadata.CorrelationID)

	// With no CompensationPayload the release command reuses the step's
	// Payload builder.
	releases := h.bus.publishedOfType("inventory.release")
	require.Len(t, releases, 1)
	var relPayload map[string]any
	require.NoError(t, releases[0].UnmarshalData(&relPayload))
	assert.Equal(t, "ord-2", relPayload["order_id"])
}

func TestManager_ReplyTimeoutCompensates(t *testing.T) {
	def := orderProcessingDefinition()
	def.Steps[1].Timeout = 60 * time.Millisecond
	h := newSagaHarnessDef(t, def)
	h.sim.mute("payment.process")

	sagaID, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-3"})
	require.NoError(t, err)

	st := awaitSaga(t, h, sagaID)
	assert.Equal(t, workflow.StatusCompensated, st.Instance.Status)
	assert.Contains(t, st.Instance.ErrorMessage, "context deadline exceeded")

	// The payment command went out and never got an answer, so the unwind
	// still refunds it before releasing the reservation.
	assert.Equal(t, []string{
		"inventory.reserve", "payment.process",
		"payment.refund", "inventory.release",
	}, h.sim.commandTypes())
}

func TestManager_CancelMidWaitCompensates(t *testing.T) {
	h := newSagaHarness(t)
	h.sim.mute("payment.process")

	sagaID, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sim.count("payment.process") == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.CancelSaga(context.Background(), sagaID))

	st := awaitSaga(t, h, sagaID)
	assert.Equal(t, workflow.StatusCompensated, st.Instance.Status)
	assert.Equal(t, []string{
		"inventory.reserve", "payment.process",
		"payment.refund", "inventory.release",
	}, h.sim.commandTypes())
}

func TestManager_DuplicateReplyDeliveredOnce(t *testing.T) {
	h := newSagaHarness(t)
	h.sim.mute("payment.process")

	var handlerCalls int
	var callsMu sync.Mutex
	require.NoError(t, h.manager.RegisterStepHandler("order_processing", "process_payment",
		func(_ context.Context, _ string, reply *StepReply) error {
			callsMu.Lock()
			handlerCalls++
			callsMu.Unlock()
			assert.True(t, reply.Success)
			return nil
		}))

	sagaID, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-5"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sim.count("payment.process") == 1 },
		2*time.Second, 5*time.Millisecond)

	publishReply := func() {
		reply, err := event.New("saga.order_processing.payment.process.completed",
			map[string]any{"txn": "tx-9"},
			event.WithCorrelationID(sagaID),
			event.WithHeader(HeaderStepID, "process_payment"),
		)
		require.NoError(t, err)
		require.NoError(t, h.bus.Publish(context.Background(), reply))
	}
	publishReply()
	publishReply()

	st := awaitSaga(t, h, sagaID)
	assert.Equal(t, workflow.StatusCompleted, st.Instance.Status)

	callsMu.Lock()
	assert.Equal(t, 1, handlerCalls)
	callsMu.Unlock()

	var vars map[string]any
	require.NoError(t, json.Unmarshal(st.Instance.ContextData, &vars))
	reply, ok := vars["process_payment.reply"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tx-9", reply["txn"])
}

func TestManager_StepHandlerObservesReplies(t *testing.T) {
	h := newSagaHarness(t)

	var mu sync.Mutex
	var seen []*StepReply
	var seenSaga string
	require.NoError(t, h.manager.RegisterStepHandler("order_processing", "create_order",
		func(_ context.Context, sagaID string, reply *StepReply) error {
			mu.Lock()
			seen = append(seen, reply)
			seenSaga = sagaID
			mu.Unlock()
			return nil
		}))

	sagaID, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-6"})
	require.NoError(t, err)
	awaitSaga(t, h, sagaID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, sagaID, seenSaga)
	assert.Equal(t, "create_order", seen[0].StepID)
	assert.True(t, seen[0].Success)
	assert.Equal(t, "ok", seen[0].Data["status"])
}

func TestManager_RegisterStepHandlerUnknownTargets(t *testing.T) {
	h := newSagaHarness(t)

	noop := func(context.Context, string, *StepReply) error { return nil }

	err := h.manager.RegisterStepHandler("refund_processing", "process_payment", noop)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)

	err = h.manager.RegisterStepHandler("order_processing", "ship_order", noop)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestManager_StartUnknownSagaType(t *testing.T) {
	h := newSagaHarness(t)

	_, err := h.manager.StartSaga(context.Background(), "refund_processing", nil)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestManager_RegisterSagaDuplicate(t *testing.T) {
	h := newSagaHarness(t)

	err := h.manager.RegisterSaga(orderProcessingDefinition())
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "ALREADY_EXISTS", appErr.Code)
}

func TestManager_RegisterSagaInvalidDefinition(t *testing.T) {
	h := newSagaHarness(t)

	err := h.manager.RegisterSaga(&SagaDefinition{Name: "empty_saga"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one step")
}

func TestManager_StartFailureTearsDownSubscription(t *testing.T) {
	h := newSagaHarness(t)
	h.store.createErr = errors.New("database down")

	_, err := h.manager.StartSaga(context.Background(), "order_processing", nil)
	require.Error(t, err)

	// Only the service simulator's subscription survives the failed start.
	assert.Equal(t, 1, h.bus.subscriptionCount())
	assert.Empty(t, h.sim.commandTypes())
}

func TestManager_ListSagas(t *testing.T) {
	h := newSagaHarness(t)

	first, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-7"})
	require.NoError(t, err)
	second, err := h.manager.StartSaga(context.Background(), "order_processing",
		map[string]any{"order_id": "ord-8"})
	require.NoError(t, err)
	awaitSaga(t, h, first)
	awaitSaga(t, h, second)

	page, err := h.manager.ListSagas(context.Background(), "order_processing",
		pagination.Params{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	assert.Len(t, page.Data, 2)

	other, err := h.manager.ListSagas(context.Background(), "refund_processing",
		pagination.Params{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Zero(t, other.TotalCount)
}
