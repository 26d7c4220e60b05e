package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/event"
	"github.com/utafrali/BackplaneGo/pkg/pagination"
	"github.com/utafrali/BackplaneGo/pkg/workflow"
)

// Config tunes the saga manager.
type Config struct {
	// SendTimeout bounds one command publish attempt.
	SendTimeout time.Duration
	// SendRetries grants extra publish attempts per command, with
	// SendRetryDelay between them.
	SendRetries    int
	SendRetryDelay time.Duration
	// ReplyPollInterval is how often a waiting step re-checks its mailbox.
	ReplyPollInterval time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:       30 * time.Second,
		SendRetries:       2,
		SendRetryDelay:    2 * time.Second,
		ReplyPollInterval: 100 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.SendRetries <= 0 {
		c.SendRetries = 2
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = 2 * time.Second
	}
	if c.ReplyPollInterval <= 0 {
		c.ReplyPollInterval = 100 * time.Millisecond
	}
}

// StepHandler observes one step's reply on the orchestrator side. Errors are
// logged; they do not affect the saga.
type StepHandler func(ctx context.Context, sagaID string, reply *StepReply) error

// DistributedSagaManager turns saga definitions into workflow definitions,
// starts and cancels saga instances, and routes reply events into the
// waiting steps' mailboxes.
type DistributedSagaManager struct {
	cfg    Config
	engine *workflow.Engine
	sbus   *SagaEventBus
	logger *slog.Logger

	mu       sync.Mutex
	defs     map[string]*SagaDefinition
	handlers map[string]map[string][]StepHandler
	boxes    map[string]*replyBox
	subs     map[string]string
}

// NewDistributedSagaManager wires a saga manager over the workflow engine
// and the event bus.
func NewDistributedSagaManager(cfg Config, engine *workflow.Engine, bus EventBus, logger *slog.Logger) *DistributedSagaManager {
	cfg.normalize()
	return &DistributedSagaManager{
		cfg:      cfg,
		engine:   engine,
		sbus:     NewSagaEventBus(bus),
		logger:   logger,
		defs:     make(map[string]*SagaDefinition),
		handlers: make(map[string]map[string][]StepHandler),
		boxes:    make(map[string]*replyBox),
		subs:     make(map[string]string),
	}
}

// Bus returns the saga-scoped bus facade, for callers that publish their own
// saga events.
func (m *DistributedSagaManager) Bus() *SagaEventBus {
	return m.sbus
}

// RegisterSaga validates the definition, compiles it into a workflow (one
// command-sending ACTION plus one reply-awaiting WAIT per step) and registers
// that workflow with the engine under the saga's name.
func (m *DistributedSagaManager) RegisterSaga(def *SagaDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.defs[def.Name]; dup {
		return apperrors.AlreadyExists("saga definition", "name", def.Name)
	}
	if err := m.engine.Register(m.buildDefinition(def)); err != nil {
		return err
	}
	m.defs[def.Name] = def

	m.logger.Info("saga registered",
		slog.String("saga_type", def.Name),
		slog.Int("steps", len(def.Steps)),
	)
	return nil
}

func (m *DistributedSagaManager) buildDefinition(def *SagaDefinition) *workflow.Definition {
	b := workflow.NewBuilder(def.Name).Timeout(def.Timeout)
	for i := range def.Steps {
		st := &def.Steps[i]

		opts := []workflow.StepOption{
			workflow.WithStepTimeout(m.cfg.SendTimeout),
			workflow.WithRetry(m.cfg.SendRetries, m.cfg.SendRetryDelay),
		}
		if st.CompensationCommand != "" {
			opts = append(opts, workflow.WithCompensation(m.compensator(def, st)))
		}
		b.Action(st.Name, m.sendAction(def, st), opts...)
		b.WaitUntil(st.Name+".reply", m.replyPredicate(def, st), m.cfg.ReplyPollInterval,
			workflow.WithStepTimeout(st.Timeout))
	}
	return b.Build()
}

func (m *DistributedSagaManager) sendAction(def *SagaDefinition, st *SagaStep) workflow.ActionFunc {
	return func(ctx context.Context, sctx *workflow.Context) workflow.StepResult {
		payload := map[string]any{}
		if st.Payload != nil {
			payload = st.Payload(sctx)
		}
		if err := m.sbus.SendCommand(ctx, sctx.WorkflowID, st.Name, st.Service, st.Command, payload); err != nil {
			return workflow.RetryAfter(err, 0)
		}
		CommandsSent.WithLabelValues(def.Name, st.Service).Inc()
		return workflow.Completed(nil)
	}
}

func (m *DistributedSagaManager) compensator(def *SagaDefinition, st *SagaStep) workflow.CompensateFunc {
	return func(ctx context.Context, sctx *workflow.Context) error {
		payload := map[string]any{}
		switch {
		case st.CompensationPayload != nil:
			payload = st.CompensationPayload(sctx)
		case st.Payload != nil:
			payload = st.Payload(sctx)
		}
		if err := m.sbus.SendCompensation(ctx, sctx.WorkflowID, st.Name, st.Service, st.CompensationCommand, payload); err != nil {
			return err
		}
		CommandsSent.WithLabelValues(def.Name, st.Service).Inc()
		return nil
	}
}

// replyPredicate drives a step's WAIT: it succeeds once a success reply sits
// in the mailbox (merging the reply data into the context under
// "<step>.reply") and fails the step on a failure reply.
func (m *DistributedSagaManager) replyPredicate(def *SagaDefinition, st *SagaStep) workflow.PredicateFunc {
	return func(_ context.Context, sctx *workflow.Context) (bool, error) {
		box, err := m.attach(def, sctx.WorkflowID, true)
		if err != nil {
			return false, fmt.Errorf("saga %s: subscribe replies: %w", sctx.WorkflowID, err)
		}
		reply, ok := box.peek(st.Name)
		if !ok {
			return false, nil
		}
		if !reply.Success {
			return false, fmt.Errorf("step %s rejected by %s: %s", st.Name, st.Service, reply.Error)
		}
		if len(reply.Data) > 0 {
			sctx.Set(st.Name+".reply", reply.Data)
		}
		return true, nil
	}
}

// attach ensures a mailbox and reply subscription exist for the saga. With
// reap set, a newly created mailbox is torn down when the instance's task
// finishes; StartSaga attaches before the task exists and reaps itself.
// Recovery-resumed instances re-attach lazily through their first predicate
// poll.
func (m *DistributedSagaManager) attach(def *SagaDefinition, sagaID string, reap bool) (*replyBox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if box, ok := m.boxes[sagaID]; ok {
		return box, nil
	}

	box := newReplyBox()
	subID, err := m.sbus.SubscribeSagaReplies(sagaID, def.replyTypes(), m.replyHandler(def, sagaID, box))
	if err != nil {
		return nil, err
	}
	m.boxes[sagaID] = box
	m.subs[sagaID] = subID

	if reap {
		go func() {
			_ = m.engine.Wait(context.Background(), sagaID)
			m.detach(sagaID)
		}()
	}
	return box, nil
}

func (m *DistributedSagaManager) detach(sagaID string) {
	m.mu.Lock()
	subID := m.subs[sagaID]
	delete(m.subs, sagaID)
	delete(m.boxes, sagaID)
	m.mu.Unlock()

	if subID == "" {
		return
	}
	if err := m.sbus.Unsubscribe(subID); err != nil {
		m.logger.Warn("saga reply unsubscribe failed",
			slog.String("saga_id", sagaID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *DistributedSagaManager) replyHandler(def *SagaDefinition, sagaID string, box *replyBox) func(ctx context.Context, e *event.Event) error {
	return func(ctx context.Context, e *event.Event) error {
		r, ok := def.classify(e.EventType)
		if !ok {
			OrphanReplies.Inc()
			return nil
		}
		st := r.step
		if stepID := e.Metadata.Headers[HeaderStepID]; stepID != "" && stepID != st.Name {
			OrphanReplies.Inc()
			m.logger.Warn("saga reply step id does not match its event type",
				slog.String("saga_id", sagaID),
				slog.String("event_type", e.EventType),
				slog.String("step_id", stepID),
			)
			return nil
		}

		reply := &StepReply{
			StepID:     st.Name,
			EventType:  e.EventType,
			Success:    r.success,
			ReceivedAt: time.Now().UTC(),
		}
		var payload map[string]any
		if err := e.UnmarshalData(&payload); err == nil {
			reply.Data = payload
		}
		if !r.success {
			reply.Error = failureMessage(payload, st)
		}

		if !box.put(reply) {
			return nil
		}
		outcome := "failure"
		if r.success {
			outcome = "success"
		}
		RepliesReceived.WithLabelValues(def.Name, outcome).Inc()
		m.notify(ctx, def.Name, st.Name, sagaID, reply)
		return nil
	}
}

func failureMessage(payload map[string]any, st *SagaStep) string {
	for _, key := range []string{"error", "reason", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("%s rejected the command", st.Service)
}

// RegisterStepHandler attaches an observer to one step's replies across all
// instances of the saga type.
func (m *DistributedSagaManager) RegisterStepHandler(sagaType, stepName string, fn StepHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[sagaType]
	if !ok {
		return apperrors.NotFound("saga definition", sagaType)
	}
	if def.step(stepName) == nil {
		return apperrors.NotFound("saga step", sagaType+"/"+stepName)
	}
	if m.handlers[sagaType] == nil {
		m.handlers[sagaType] = make(map[string][]StepHandler)
	}
	m.handlers[sagaType][stepName] = append(m.handlers[sagaType][stepName], fn)
	return nil
}

func (m *DistributedSagaManager) notify(ctx context.Context, sagaType, stepName, sagaID string, reply *StepReply) {
	m.mu.Lock()
	fns := append([]StepHandler(nil), m.handlers[sagaType][stepName]...)
	m.mu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx, sagaID, reply); err != nil {
			m.logger.Error("saga step handler failed",
				slog.String("saga_type", sagaType),
				slog.String("step", stepName),
				slog.String("saga_id", sagaID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StartSaga begins a new instance of the saga type and returns its saga id,
// which doubles as the workflow id and the correlation id of every event the
// saga touches.
func (m *DistributedSagaManager) StartSaga(ctx context.Context, sagaType string, input map[string]any, opts ...workflow.StartOption) (string, error) {
	m.mu.Lock()
	def, ok := m.defs[sagaType]
	m.mu.Unlock()
	if !ok {
		return "", apperrors.NotFound("saga definition", sagaType)
	}

	sagaID := uuid.New().String()
	if _, err := m.attach(def, sagaID, false); err != nil {
		return "", fmt.Errorf("saga %s: subscribe replies: %w", sagaID, err)
	}

	// The generated id always wins over caller options so replies route to
	// the mailbox created above.
	opts = append(opts, workflow.WithWorkflowID(sagaID))
	if _, err := m.engine.Start(ctx, sagaType, input, opts...); err != nil {
		m.detach(sagaID)
		return "", err
	}

	go func() {
		_ = m.engine.Wait(context.Background(), sagaID)
		m.detach(sagaID)
	}()

	m.logger.Info("saga started",
		slog.String("saga_type", sagaType),
		slog.String("saga_id", sagaID),
	)
	return sagaID, nil
}

// CancelSaga requests cancellation; completed steps compensate through their
// compensation commands.
func (m *DistributedSagaManager) CancelSaga(ctx context.Context, sagaID string) error {
	return m.engine.Cancel(ctx, sagaID)
}

// SagaStatus returns the instance row and step history of a saga.
func (m *DistributedSagaManager) SagaStatus(ctx context.Context, sagaID string) (*workflow.InstanceStatus, error) {
	return m.engine.Status(ctx, sagaID)
}

// ListSagas returns one page of instances of the saga type, newest first.
func (m *DistributedSagaManager) ListSagas(ctx context.Context, sagaType string, p pagination.Params) (*pagination.Result[*workflow.Instance], error) {
	return m.engine.ListInstances(ctx, workflow.ListFilter{WorkflowType: sagaType}, p)
}
