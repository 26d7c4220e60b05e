package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// run is the in-flight state of one instance: the shared context, which
// steps finished, and their completion order for reverse compensation.
type run struct {
	engine *Engine
	def    *Definition
	inst   *Instance
	wctx   *Context
	h      *instanceHandle
	log    *slog.Logger

	// mu guards the done/completed bookkeeping and every write to inst.
	// Parallel children share the run, so unsynchronized instance writes
	// are races and interleaved persists would store torn rows.
	mu        sync.Mutex
	done      map[string]bool
	completed []*Step

	// fanout counts active parallel groups. While it is nonzero the
	// current step stays pinned at the group's ID.
	fanout atomic.Int32
}

func (e *Engine) runInstance(ctx context.Context, def *Definition, inst *Instance, wctx *Context, h *instanceHandle, completedIDs []string) {
	log := e.logger.With(
		slog.String("workflow_id", inst.WorkflowID),
		slog.String("workflow_type", inst.WorkflowType),
	)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("workflow instance panicked", slog.Any("panic", rec))
		}
	}()

	r := &run{
		engine: e,
		def:    def,
		inst:   inst,
		wctx:   wctx,
		h:      h,
		log:    log,
		done:   make(map[string]bool, len(completedIDs)),
	}
	for _, id := range completedIDs {
		st, ok := def.index[id]
		if !ok {
			log.Warn("completed step missing from definition, skipping in compensation order",
				slog.String("step_id", id))
			continue
		}
		r.done[id] = true
		r.completed = append(r.completed, st)
	}

	ctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	now := time.Now().UTC()
	inst.Status = StatusRunning
	if inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	r.persist(ctx)
	e.emit(ctx, EventWorkflowRunning, inst, nil, "")

	err := r.steps(ctx, def.Steps)
	switch {
	case err == nil:
		r.finish(ctx, StatusCompleted, "")
		log.Info("workflow completed")
	case r.h.cancelled.Load():
		log.Info("workflow cancelled")
		r.cancelled(ctx)
	case e.draining.Load():
		// Leave the instance RUNNING; recovery resumes it after restart.
		log.Warn("workflow interrupted by shutdown")
	default:
		log.Error("workflow failed", slog.String("error", err.Error()))
		r.failed(ctx, err)
	}
}

// steps executes a step list in order, stopping at the first failure.
func (r *run) steps(ctx context.Context, steps []Step) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(ctx, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) step(ctx context.Context, st *Step) error {
	if r.isDone(st.ID) {
		r.noteCompleted(st)
		if st.Type == StepDecision {
			return r.runBranch(ctx, st)
		}
		return nil
	}

	log := r.log.With(slog.String("step_id", st.ID))

	if st.ShouldExecute != nil && !st.ShouldExecute(r.wctx) {
		now := time.Now().UTC()
		r.record(ctx, st.ID, StepStatusSkipped, now, &now, nil, "", 0)
		StepsExecuted.WithLabelValues(r.def.Name, string(StepStatusSkipped)).Inc()
		log.Debug("step skipped")
		return nil
	}

	r.checkpoint(ctx, st)

	attempts := st.RetryCount + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		res := r.attempt(ctx, st, attempt)
		if res.Success {
			r.wctx.merge(res.Data)
			r.noteCompleted(st)
			r.persist(ctx)
			r.engine.emit(ctx, EventStepCompleted, r.inst, st, "")
			log.Debug("step completed", slog.Int("attempt", attempt))
			if st.Type == StepDecision {
				return r.runBranch(ctx, st)
			}
			return nil
		}

		lastErr = res.Err
		if lastErr == nil {
			lastErr = fmt.Errorf("step %s reported failure", st.ID)
		}
		if !res.ShouldRetry || attempt == attempts || ctx.Err() != nil {
			break
		}

		delay := st.RetryDelay
		if res.RetryDelay > 0 {
			delay = res.RetryDelay
		}
		log.Warn("step failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	r.engine.emit(ctx, EventStepFailed, r.inst, st, lastErr.Error())
	return fmt.Errorf("step %s: %w", st.ID, lastErr)
}

// runBranch executes the branch a completed DECISION step picked. The branch
// name is read from the context so resumed instances follow the original
// choice.
func (r *run) runBranch(ctx context.Context, st *Step) error {
	branch := r.wctx.GetString(st.ID + ".branch")
	steps, ok := st.Branches[branch]
	if !ok {
		return fmt.Errorf("step %s: recorded branch %q not in definition", st.ID, branch)
	}
	return r.steps(ctx, steps)
}

// attempt runs one bounded attempt of a step and records its outcome rows.
func (r *run) attempt(ctx context.Context, st *Step, attempt int) StepResult {
	started := time.Now().UTC()
	r.record(ctx, st.ID, StepStatusRunning, started, nil, nil, "", attempt)

	actx, cancel := context.WithTimeout(ctx, st.Timeout)
	res := r.execute(actx, st)
	cancel()

	finished := time.Now().UTC()
	StepDuration.WithLabelValues(r.def.Name).Observe(finished.Sub(started).Seconds())

	if res.Success {
		var data []byte
		if len(res.Data) > 0 {
			if encoded, err := json.Marshal(res.Data); err == nil {
				data = encoded
			} else {
				r.log.Error("failed to serialize step result",
					slog.String("step_id", st.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		r.record(ctx, st.ID, StepStatusCompleted, started, &finished, data, "", attempt)
		StepsExecuted.WithLabelValues(r.def.Name, string(StepStatusCompleted)).Inc()
		return res
	}

	msg := "step reported failure"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	r.record(ctx, st.ID, StepStatusFailed, started, &finished, nil, msg, attempt)
	StepsExecuted.WithLabelValues(r.def.Name, string(StepStatusFailed)).Inc()
	return res
}

func (r *run) execute(ctx context.Context, st *Step) StepResult {
	switch st.Type {
	case StepAction:
		return callAction(ctx, st.Action, r.wctx)
	case StepDecision:
		return r.decide(ctx, st)
	case StepParallel:
		return r.parallel(ctx, st)
	case StepWait:
		return r.wait(ctx, st)
	default:
		return StepResult{Err: fmt.Errorf("step type %s is not executable", st.Type)}
	}
}

func (r *run) decide(ctx context.Context, st *Step) StepResult {
	branch, err := callDecision(ctx, st.Decide, r.wctx)
	if err != nil {
		return StepResult{Err: err, ShouldRetry: true}
	}
	if _, ok := st.Branches[branch]; !ok {
		return StepResult{Err: fmt.Errorf("decision returned unknown branch %q", branch)}
	}
	return StepResult{Success: true, Data: map[string]any{st.ID + ".branch": branch}}
}

func (r *run) parallel(ctx context.Context, st *Step) StepResult {
	r.fanout.Add(1)
	defer r.fanout.Add(-1)

	if st.Join == JoinFirstCompleted {
		return r.parallelFirst(ctx, st)
	}
	return r.parallelAll(ctx, st)
}

// parallelAll runs every child to completion; any child failure fails the
// group, but siblings are not interrupted and their completions remain
// compensable.
func (r *run) parallelAll(ctx context.Context, st *Step) StepResult {
	p := pool.New().WithContext(ctx)
	for i := range st.Children {
		child := &st.Children[i]
		p.Go(func(cctx context.Context) error {
			return r.step(cctx, child)
		})
	}
	if err := p.Wait(); err != nil {
		return StepResult{Err: err}
	}
	return StepResult{Success: true}
}

// parallelFirst succeeds with the first child that completes and cancels the
// rest. Fails only when every child failed.
func (r *run) parallelFirst(ctx context.Context, st *Step) StepResult {
	cctx, cancelRest := context.WithCancel(ctx)
	defer cancelRest()

	var winner atomic.Pointer[Step]
	p := pool.New().WithContext(cctx)
	for i := range st.Children {
		child := &st.Children[i]
		p.Go(func(gctx context.Context) error {
			if err := r.step(gctx, child); err != nil {
				return err
			}
			if winner.CompareAndSwap(nil, child) {
				cancelRest()
			}
			return nil
		})
	}
	err := p.Wait()

	if w := winner.Load(); w != nil {
		return StepResult{Success: true, Data: map[string]any{st.ID + ".winner": w.ID}}
	}
	return StepResult{Err: err}
}

func (r *run) wait(ctx context.Context, st *Step) StepResult {
	if st.Until == nil {
		select {
		case <-time.After(st.WaitFor):
			return StepResult{Success: true}
		case <-ctx.Done():
			return StepResult{Err: ctx.Err()}
		}
	}

	ticker := time.NewTicker(st.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := callPredicate(ctx, st.Until, r.wctx)
		if err != nil {
			return StepResult{Err: err, ShouldRetry: true}
		}
		if ok {
			return StepResult{Success: true}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return StepResult{Err: ctx.Err()}
		}
	}
}

// cancelled handles user cancellation: the instance is marked CANCELLED and
// its completed steps compensate.
func (r *run) cancelled(ctx context.Context) {
	if len(r.completedSteps()) == 0 {
		r.finish(ctx, StatusCancelled, "cancelled")
		return
	}
	r.transition(ctx, StatusCancelled, EventWorkflowCancelled, "cancelled")
	r.compensate(ctx)
}

// failed handles a terminal forward failure: completed steps compensate, or
// the instance fails outright when nothing completed.
func (r *run) failed(ctx context.Context, cause error) {
	r.inst.ErrorMessage = cause.Error()
	if len(r.completedSteps()) == 0 {
		r.finish(ctx, StatusFailed, cause.Error())
		return
	}
	r.compensate(ctx)
}

// compensate undoes completed steps in strict reverse completion order. A
// compensator failure stops the phase and fails the workflow; a clean pass
// ends in COMPENSATED.
func (r *run) compensate(ctx context.Context) {
	// Compensation still runs when the instance context is already canceled
	// or past its deadline.
	ctx = context.WithoutCancel(ctx)

	Compensations.WithLabelValues(r.def.Name).Inc()
	r.transition(ctx, StatusCompensating, EventWorkflowCompensating, "")

	steps := r.completedSteps()
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		if err := r.compensateStep(ctx, st); err != nil {
			r.log.Error("compensation failed",
				slog.String("step_id", st.ID),
				slog.String("error", err.Error()),
			)
			r.finish(ctx, StatusFailed, fmt.Sprintf("compensation of step %s failed: %s", st.ID, err.Error()))
			return
		}
	}
	r.finish(ctx, StatusCompensated, r.inst.ErrorMessage)
}

// compensateStep invokes one compensator and records the COMPENSATED row.
// Steps without a compensator are marked COMPENSATED without side effects.
func (r *run) compensateStep(ctx context.Context, st *Step) error {
	started := time.Now().UTC()
	if st.Compensate != nil {
		cctx, cancel := context.WithTimeout(ctx, st.Timeout)
		err := callCompensator(cctx, st.Compensate, r.wctx)
		cancel()
		if err != nil {
			return err
		}
	}
	finished := time.Now().UTC()
	r.record(ctx, st.ID, StepStatusCompensated, started, &finished, nil, "", 1)
	StepsExecuted.WithLabelValues(r.def.Name, string(StepStatusCompensated)).Inc()
	r.engine.emit(ctx, EventStepCompensated, r.inst, st, "")
	r.log.Info("step compensated", slog.String("step_id", st.ID))
	return nil
}

// transition persists a non-terminal status change and emits its event.
func (r *run) transition(ctx context.Context, status Status, eventType, errMsg string) {
	r.inst.Status = status
	if errMsg != "" {
		r.inst.ErrorMessage = errMsg
	}
	r.persist(ctx)
	r.engine.emit(ctx, eventType, r.inst, nil, errMsg)
}

// finish persists the terminal status and emits its event.
func (r *run) finish(ctx context.Context, status Status, errMsg string) {
	now := time.Now().UTC()
	r.inst.Status = status
	r.inst.ErrorMessage = errMsg
	r.inst.CompletedAt = &now
	r.persist(ctx)
	r.engine.emit(ctx, eventForStatus(status), r.inst, nil, errMsg)
	InstancesFinished.WithLabelValues(r.def.Name, string(status)).Inc()
}

func eventForStatus(status Status) string {
	switch status {
	case StatusCompleted:
		return EventWorkflowCompleted
	case StatusCancelled:
		return EventWorkflowCancelled
	case StatusCompensated:
		return EventWorkflowCompensated
	default:
		return EventWorkflowFailed
	}
}

func (r *run) isDone(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[stepID]
}

// noteCompleted appends the step to the completion order exactly once.
func (r *run) noteCompleted(st *Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done[st.ID] {
		return
	}
	r.done[st.ID] = true
	r.completed = append(r.completed, st)
}

func (r *run) completedSteps() []*Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Step, len(r.completed))
	copy(out, r.completed)
	return out
}

// checkpoint advances the instance's current step marker and persists.
// During a parallel fan-out the marker stays at the group's ID: one row
// cannot name several concurrent children, and recovery resumes from the
// group anyway.
func (r *run) checkpoint(ctx context.Context, st *Step) {
	if r.fanout.Load() > 0 {
		return
	}
	r.mu.Lock()
	r.inst.CurrentStep = st.ID
	r.mu.Unlock()
	r.persist(ctx)
}

// persist serializes the context and writes the instance row under the run
// lock, so concurrent child completions store whole snapshots. Persistence
// failures are logged, not fatal: the run continues and recovery repairs the
// row later.
func (r *run) persist(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, err := r.wctx.marshal(); err != nil {
		r.log.Error("failed to serialize workflow context", slog.String("error", err.Error()))
	} else {
		r.inst.ContextData = data
	}
	r.inst.UpdatedAt = time.Now().UTC()
	if err := r.engine.store.UpdateInstance(context.WithoutCancel(ctx), r.inst); err != nil {
		r.log.Error("failed to persist workflow instance", slog.String("error", err.Error()))
	}
}

func (r *run) record(ctx context.Context, stepID string, status StepStatus, started time.Time, completed *time.Time, result []byte, errMsg string, attempt int) {
	row := &StepExecution{
		WorkflowID:    r.inst.WorkflowID,
		StepID:        stepID,
		Status:        status,
		StartedAt:     started,
		CompletedAt:   completed,
		ResultData:    result,
		ErrorMessage:  errMsg,
		AttemptNumber: attempt,
	}
	if err := r.engine.store.RecordStep(context.WithoutCancel(ctx), row); err != nil {
		r.log.Error("failed to record step execution",
			slog.String("step_id", stepID),
			slog.String("step_status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// callAction runs an action in its own goroutine so a body that ignores its
// context cannot wedge the instance; the engine moves on when the attempt
// deadline fires. Panics become failed results.
func callAction(ctx context.Context, fn ActionFunc, wctx *Context) StepResult {
	resCh := make(chan StepResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- StepResult{Err: fmt.Errorf("step panicked: %v", rec)}
			}
		}()
		resCh <- fn(ctx, wctx)
	}()

	select {
	case res := <-resCh:
		return res
	case <-ctx.Done():
		return StepResult{Err: ctx.Err()}
	}
}

func callDecision(ctx context.Context, fn DecisionFunc, wctx *Context) (string, error) {
	type outcome struct {
		branch string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("decision panicked: %v", rec)}
			}
		}()
		branch, err := fn(ctx, wctx)
		ch <- outcome{branch: branch, err: err}
	}()

	select {
	case o := <-ch:
		return o.branch, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func callCompensator(ctx context.Context, fn CompensateFunc, wctx *Context) error {
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("compensator panicked: %v", rec)
			}
		}()
		errCh <- fn(ctx, wctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func callPredicate(ctx context.Context, fn PredicateFunc, wctx *Context) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = fmt.Errorf("wait predicate panicked: %v", rec)
		}
	}()
	return fn(ctx, wctx)
}
