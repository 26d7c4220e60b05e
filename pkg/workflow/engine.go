package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/event"
	"github.com/utafrali/BackplaneGo/pkg/pagination"
)

// ErrEngineStopped is returned by Start once the engine began draining.
var ErrEngineStopped = errors.New("workflow: engine stopped")

const eventSource = "workflow-engine"

// Config tunes the engine.
type Config struct {
	// MaxConcurrent caps instances executing at once; Start blocks for a slot.
	MaxConcurrent int
	// RecoveryInterval is the pause between recovery sweeps in Run.
	RecoveryInterval time.Duration
	// RecoveryAge is how stale a RUNNING instance's updated_at must be before
	// the sweep resumes it. Values below 2x RecoveryInterval are raised to
	// that, with a 30s floor. Multi-engine deployments sharing one database
	// should set this above their longest step timeout.
	RecoveryAge time.Duration
	// RecoveryBatch caps how many instances one sweep resumes.
	RecoveryBatch int
	// MaxRecoveries is the default resume budget per instance; exceeding it
	// marks the instance FAILED. Overridable per start.
	MaxRecoveries int
	// DrainTimeout is how long Run waits for live instances after its context
	// is canceled.
	DrainTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    100,
		RecoveryInterval: time.Minute,
		RecoveryAge:      5 * time.Minute,
		RecoveryBatch:    20,
		MaxRecoveries:    5,
		DrainTimeout:     30 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 100
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = time.Minute
	}
	if min := 2 * c.RecoveryInterval; c.RecoveryAge < min {
		c.RecoveryAge = min
	}
	if c.RecoveryAge < 30*time.Second {
		c.RecoveryAge = 30 * time.Second
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = 20
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// instanceHandle tracks one live instance goroutine.
type instanceHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
}

// Engine runs workflow instances against registered definitions.
type Engine struct {
	cfg    Config
	store  Store
	pub    Publisher
	logger *slog.Logger

	defsMu sync.RWMutex
	defs   map[string]*Definition

	mu      sync.Mutex
	running map[string]*instanceHandle

	sem chan struct{}
	wg  sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	draining   atomic.Bool
}

// NewEngine creates an engine over the given store. A nil publisher discards
// lifecycle events.
func NewEngine(cfg Config, store Store, pub Publisher, logger *slog.Logger) *Engine {
	cfg.normalize()
	if pub == nil {
		pub = NopPublisher{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		store:      store,
		pub:        pub,
		logger:     logger,
		defs:       make(map[string]*Definition),
		running:    make(map[string]*instanceHandle),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		baseCtx:    base,
		baseCancel: cancel,
	}
}

// Register validates a definition and makes it startable by name.
func (e *Engine) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	if _, dup := e.defs[def.Name]; dup {
		return apperrors.AlreadyExists("workflow definition", "name", def.Name)
	}
	e.defs[def.Name] = def
	e.logger.Info("workflow definition registered",
		slog.String("workflow_type", def.Name),
		slog.Int("version", def.Version),
		slog.Int("steps", len(def.Steps)),
	)
	return nil
}

func (e *Engine) definition(name string) (*Definition, bool) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	def, ok := e.defs[name]
	return def, ok
}

type startOptions struct {
	workflowID    string
	correlationID string
	userID        string
	tenantID      string
	maxRetries    int
}

// StartOption customizes one Start call.
type StartOption func(*startOptions)

// WithWorkflowID overrides the generated workflow ID.
func WithWorkflowID(id string) StartOption {
	return func(o *startOptions) { o.workflowID = id }
}

// WithCorrelationID links the instance to an external correlation chain.
func WithCorrelationID(id string) StartOption {
	return func(o *startOptions) { o.correlationID = id }
}

// WithUserID attributes the instance to a user.
func WithUserID(id string) StartOption {
	return func(o *startOptions) { o.userID = id }
}

// WithTenantID scopes the instance to a tenant.
func WithTenantID(id string) StartOption {
	return func(o *startOptions) { o.tenantID = id }
}

// WithMaxRetries overrides the recovery resume budget for this instance.
func WithMaxRetries(n int) StartOption {
	return func(o *startOptions) { o.maxRetries = n }
}

// Start creates an instance of the named definition and begins executing it
// in the background. Blocks while the engine is at MaxConcurrent. Returns
// the workflow ID.
func (e *Engine) Start(ctx context.Context, workflowType string, input map[string]any, opts ...StartOption) (string, error) {
	if e.draining.Load() {
		return "", ErrEngineStopped
	}
	def, ok := e.definition(workflowType)
	if !ok {
		return "", apperrors.NotFound("workflow definition", workflowType)
	}

	so := startOptions{
		workflowID: uuid.New().String(),
		maxRetries: e.cfg.MaxRecoveries,
	}
	for _, opt := range opts {
		opt(&so)
	}
	if so.correlationID == "" {
		so.correlationID = so.workflowID
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.baseCtx.Done():
		return "", ErrEngineStopped
	}

	now := time.Now().UTC()
	inst := &Instance{
		WorkflowID:    so.workflowID,
		WorkflowType:  def.Name,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: so.correlationID,
		UserID:        so.userID,
		TenantID:      so.tenantID,
		MaxRetries:    so.maxRetries,
	}

	vars := make(map[string]any, len(def.Variables)+len(input))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}
	wctx := newContext(inst, vars)

	data, err := wctx.marshal()
	if err != nil {
		<-e.sem
		return "", err
	}
	inst.ContextData = data

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		<-e.sem
		return "", err
	}
	InstancesStarted.WithLabelValues(def.Name).Inc()
	e.emit(ctx, EventWorkflowStarted, inst, nil, "")

	e.spawn(def, inst, wctx, nil)
	return inst.WorkflowID, nil
}

// spawn registers a handle and launches the instance goroutine. The caller
// must already hold a semaphore slot; spawn takes ownership of releasing it.
// Returns false without launching when a live task already holds the ID.
func (e *Engine) spawn(def *Definition, inst *Instance, wctx *Context, completedIDs []string) bool {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	h := &instanceHandle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, live := e.running[inst.WorkflowID]; live {
		e.mu.Unlock()
		cancel()
		<-e.sem
		return false
	}
	e.running[inst.WorkflowID] = h
	e.mu.Unlock()
	InstancesRunning.Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(inst.WorkflowID, h, cancel)
		e.runInstance(runCtx, def, inst, wctx, h, completedIDs)
	}()
	return true
}

func (e *Engine) release(workflowID string, h *instanceHandle, cancel context.CancelFunc) {
	cancel()
	close(h.done)
	e.mu.Lock()
	delete(e.running, workflowID)
	e.mu.Unlock()
	InstancesRunning.Dec()
	<-e.sem
}

// Cancel requests cooperative cancellation of a live instance: its context
// is canceled and its completed steps compensate. An instance without a live
// task but still marked RUNNING or CREATED is marked CANCELLED directly so
// recovery does not resume it.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	h := e.running[workflowID]
	e.mu.Unlock()
	if h != nil {
		h.cancelled.Store(true)
		h.cancel()
		return nil
	}

	inst, err := e.store.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return apperrors.Conflict(fmt.Sprintf("workflow %s is already %s", workflowID, inst.Status))
	}
	now := time.Now().UTC()
	inst.Status = StatusCancelled
	inst.UpdatedAt = now
	inst.CompletedAt = &now
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	InstancesFinished.WithLabelValues(inst.WorkflowType, string(StatusCancelled)).Inc()
	e.emit(ctx, EventWorkflowCancelled, inst, nil, "")
	return nil
}

// InstanceStatus combines an instance row with its step attempt history.
type InstanceStatus struct {
	Instance *Instance        `json:"instance"`
	Steps    []*StepExecution `json:"steps"`
}

// Status returns the instance row and its full step history.
func (e *Engine) Status(ctx context.Context, workflowID string) (*InstanceStatus, error) {
	inst, err := e.store.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.StepHistory(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &InstanceStatus{Instance: inst, Steps: history}, nil
}

// ListInstances returns one page of instances matching the filter, newest
// first.
func (e *Engine) ListInstances(ctx context.Context, filter ListFilter, p pagination.Params) (*pagination.Result[*Instance], error) {
	if p.PerPage <= 0 {
		p = pagination.DefaultParams()
	}
	instances, total, err := e.store.ListByStatus(ctx, filter, p)
	if err != nil {
		return nil, err
	}
	res := pagination.NewResult(instances, total, p)
	return &res, nil
}

// Wait blocks until the instance's goroutine finishes or ctx is done.
// Returns immediately when no live task exists for the ID.
func (e *Engine) Wait(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	h := e.running[workflowID]
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run performs a recovery sweep, then keeps sweeping on the configured
// interval until ctx is canceled, and finally drains live instances.
// Interrupted instances stay RUNNING in the store and are resumed by the
// next sweep after restart.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.RunRecovery(ctx); err != nil {
		e.logger.Error("workflow recovery sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Info("workflow recovery sweep resumed instances", slog.Int("count", n))
	}

	e.logger.Info("workflow engine started",
		slog.Int("max_concurrent", e.cfg.MaxConcurrent),
		slog.Duration("recovery_interval", e.cfg.RecoveryInterval),
	)

	ticker := time.NewTicker(e.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.drain()
		case <-ticker.C:
			n, err := e.RunRecovery(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return e.drain()
			case err != nil:
				e.logger.Error("workflow recovery sweep failed", slog.String("error", err.Error()))
			case n > 0:
				e.logger.Info("workflow recovery sweep resumed instances", slog.Int("count", n))
			}
		}
	}
}

func (e *Engine) drain() error {
	e.draining.Store(true)
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("workflow engine stopped")
		return nil
	case <-time.After(e.cfg.DrainTimeout):
		e.mu.Lock()
		stuck := len(e.running)
		e.mu.Unlock()
		return fmt.Errorf("workflow: %d instances still running after drain timeout", stuck)
	}
}

// RunRecovery performs one sweep: stale RUNNING instances without a live
// task are resumed from their persisted current step. Returns how many were
// resumed.
func (e *Engine) RunRecovery(ctx context.Context) (int, error) {
	stale, err := e.store.ListStale(ctx, e.cfg.RecoveryAge, e.cfg.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale workflow instances: %w", err)
	}

	resumed := 0
	for _, inst := range stale {
		if e.resume(ctx, inst) {
			resumed++
		}
	}
	return resumed, nil
}

func (e *Engine) resume(ctx context.Context, inst *Instance) bool {
	e.mu.Lock()
	_, live := e.running[inst.WorkflowID]
	e.mu.Unlock()
	if live {
		return false
	}

	log := e.logger.With(
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("workflow_type", inst.WorkflowType),
	)

	def, ok := e.definition(inst.WorkflowType)
	if !ok {
		log.Error("cannot recover workflow: definition not registered")
		return false
	}

	if inst.RetryCount >= inst.MaxRetries {
		now := time.Now().UTC()
		inst.Status = StatusFailed
		inst.ErrorMessage = fmt.Sprintf("recovery abandoned after %d resume attempts", inst.RetryCount)
		inst.UpdatedAt = now
		inst.CompletedAt = &now
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			log.Error("failed to abandon workflow", slog.String("error", err.Error()))
			return false
		}
		InstancesFinished.WithLabelValues(inst.WorkflowType, string(StatusFailed)).Inc()
		e.emit(ctx, EventWorkflowFailed, inst, nil, inst.ErrorMessage)
		log.Error("workflow abandoned: resume budget exhausted", slog.Int("attempts", inst.RetryCount))
		return false
	}

	wctx, err := restoreContext(inst)
	if err != nil {
		log.Error("cannot recover workflow", slog.String("error", err.Error()))
		return false
	}

	history, err := e.store.StepHistory(ctx, inst.WorkflowID)
	if err != nil {
		log.Error("cannot load step history for recovery", slog.String("error", err.Error()))
		return false
	}
	var completedIDs []string
	noted := make(map[string]bool)
	for _, row := range history {
		if row.Status == StepStatusCompleted && !noted[row.StepID] {
			noted[row.StepID] = true
			completedIDs = append(completedIDs, row.StepID)
		}
	}

	// Never let recovery block the sweep on the concurrency cap.
	select {
	case e.sem <- struct{}{}:
	default:
		return false
	}

	inst.RetryCount++
	if !e.spawn(def, inst, wctx, completedIDs) {
		return false
	}

	InstancesRecovered.Inc()
	log.Info("resuming stale workflow",
		slog.String("current_step", inst.CurrentStep),
		slog.Int("resume_attempt", inst.RetryCount),
		slog.Int("completed_steps", len(completedIDs)),
	)
	return true
}

func (e *Engine) emit(ctx context.Context, eventType string, inst *Instance, st *Step, errMsg string) {
	payload := LifecycleEvent{
		WorkflowID:   inst.WorkflowID,
		WorkflowType: inst.WorkflowType,
		Status:       inst.Status,
		Error:        errMsg,
		Timestamp:    time.Now().UTC(),
	}
	if st != nil {
		payload.StepID = st.ID
		payload.StepName = st.Name
	}

	opts := []event.Option{
		event.WithCorrelationID(inst.WorkflowID),
		event.WithSource(eventSource),
	}
	if inst.UserID != "" {
		opts = append(opts, event.WithUserID(inst.UserID))
	}
	if inst.TenantID != "" {
		opts = append(opts, event.WithTenantID(inst.TenantID))
	}

	ev, err := event.New(eventType, payload, opts...)
	if err != nil {
		e.logger.Error("failed to build workflow event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := e.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		EventPublishFailures.Inc()
		e.logger.Warn("failed to publish workflow event",
			slog.String("event_type", eventType),
			slog.String("workflow_id", inst.WorkflowID),
			slog.String("error", err.Error()),
		)
	}
}
