package workflow

import (
	"context"
	"fmt"
	"time"
)

// Definition is a named, versioned workflow: an ordered list of steps plus
// initial variables and an overall timeout.
type Definition struct {
	Name      string
	Version   int
	Steps     []Step
	Variables map[string]any
	// Timeout bounds the whole instance. Zero means DefaultWorkflowTimeout.
	Timeout time.Duration

	// index maps step IDs to steps at every nesting level. Built by validate;
	// recovery uses it to resolve persisted step IDs.
	index map[string]*Step
}

// validate checks the definition, applies defaults in place and folds
// COMPENSATION steps into the steps they name. Called once at registration.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow: definition name is required")
	}
	if d.Version <= 0 {
		d.Version = 1
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultWorkflowTimeout
	}

	seen := make(map[string]*Step)
	if err := validateSteps(d.Steps, seen); err != nil {
		return fmt.Errorf("workflow %s: %w", d.Name, err)
	}
	if err := attachCompensations(d.Steps, seen); err != nil {
		return fmt.Errorf("workflow %s: %w", d.Name, err)
	}
	d.Steps = stripCompensations(d.Steps)

	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one executable step is required", d.Name)
	}

	d.index = make(map[string]*Step)
	buildIndex(d.Steps, d.index)
	return nil
}

func buildIndex(steps []Step, idx map[string]*Step) {
	for i := range steps {
		st := &steps[i]
		idx[st.ID] = st
		for _, branch := range st.Branches {
			buildIndex(branch, idx)
		}
		if len(st.Children) > 0 {
			buildIndex(st.Children, idx)
		}
	}
}

func validateSteps(steps []Step, seen map[string]*Step) error {
	for i := range steps {
		st := &steps[i]
		if st.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("step %s: duplicate id", st.ID)
		}
		seen[st.ID] = st
		if st.Name == "" {
			st.Name = st.ID
		}
		if st.Timeout <= 0 {
			st.Timeout = DefaultStepTimeout
		}
		if st.RetryCount < 0 {
			st.RetryCount = 0
		}

		switch st.Type {
		case StepAction:
			if st.Action == nil {
				return fmt.Errorf("step %s: action is required", st.ID)
			}
		case StepDecision:
			if st.Decide == nil {
				return fmt.Errorf("step %s: decision function is required", st.ID)
			}
			if len(st.Branches) == 0 {
				return fmt.Errorf("step %s: at least one branch is required", st.ID)
			}
			for name, branch := range st.Branches {
				if err := validateSteps(branch, seen); err != nil {
					return fmt.Errorf("branch %s: %w", name, err)
				}
			}
		case StepParallel:
			if len(st.Children) == 0 {
				return fmt.Errorf("step %s: at least one child is required", st.ID)
			}
			if st.Join == "" {
				st.Join = JoinWaitAll
			}
			if st.Join != JoinWaitAll && st.Join != JoinFirstCompleted {
				return fmt.Errorf("step %s: unknown join policy %q", st.ID, st.Join)
			}
			if err := validateSteps(st.Children, seen); err != nil {
				return err
			}
		case StepWait:
			if st.WaitFor <= 0 && st.Until == nil {
				return fmt.Errorf("step %s: wait needs a duration or a predicate", st.ID)
			}
			if st.WaitFor > 0 && st.Until != nil {
				return fmt.Errorf("step %s: wait takes a duration or a predicate, not both", st.ID)
			}
			if st.Until != nil && st.PollInterval <= 0 {
				st.PollInterval = time.Second
			}
			// A sleep longer than the attempt timeout could never finish.
			if st.WaitFor > st.Timeout {
				st.Timeout = st.WaitFor + time.Minute
			}
		case StepCompensation:
			if st.For == "" {
				return fmt.Errorf("step %s: compensation needs the id of the step it undoes", st.ID)
			}
			if st.Action == nil {
				return fmt.Errorf("step %s: compensation body is required", st.ID)
			}
		default:
			return fmt.Errorf("step %s: unknown step type %q", st.ID, st.Type)
		}
	}
	return nil
}

// attachCompensations wires every COMPENSATION step's body onto the step it
// names. Runs before any step is copied so the wiring survives the strip pass.
func attachCompensations(steps []Step, seen map[string]*Step) error {
	for i := range steps {
		st := &steps[i]
		switch st.Type {
		case StepCompensation:
			target, ok := seen[st.For]
			if !ok {
				return fmt.Errorf("step %s: compensates unknown step %s", st.ID, st.For)
			}
			if target.Type == StepCompensation {
				return fmt.Errorf("step %s: cannot compensate compensation step %s", st.ID, st.For)
			}
			if target.Compensate != nil {
				return fmt.Errorf("step %s: step %s already has a compensator", st.ID, st.For)
			}
			target.Compensate = compensatorFromAction(st.Action)
		case StepDecision:
			for name, branch := range st.Branches {
				if err := attachCompensations(branch, seen); err != nil {
					return fmt.Errorf("branch %s: %w", name, err)
				}
			}
		case StepParallel:
			if err := attachCompensations(st.Children, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func compensatorFromAction(body ActionFunc) CompensateFunc {
	return func(ctx context.Context, wctx *Context) error {
		res := body(ctx, wctx)
		if res.Success {
			wctx.merge(res.Data)
			return nil
		}
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("compensation step failed")
	}
}

// stripCompensations removes COMPENSATION steps from the forward order at
// every nesting level.
func stripCompensations(steps []Step) []Step {
	forward := make([]Step, 0, len(steps))
	for _, st := range steps {
		switch st.Type {
		case StepCompensation:
			continue
		case StepDecision:
			for name, branch := range st.Branches {
				st.Branches[name] = stripCompensations(branch)
			}
		case StepParallel:
			st.Children = stripCompensations(st.Children)
		}
		forward = append(forward, st)
	}
	return forward
}
