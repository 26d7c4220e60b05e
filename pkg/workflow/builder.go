package workflow

import "time"

// StepOption tunes a step added through the Builder.
type StepOption func(*Step)

// WithStepTimeout bounds each attempt of the step.
func WithStepTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.Timeout = d }
}

// WithRetry grants the step count extra attempts with the given delay
// between them.
func WithRetry(count int, delay time.Duration) StepOption {
	return func(s *Step) {
		s.RetryCount = count
		s.RetryDelay = delay
	}
}

// WithCompensation attaches a compensator to the step.
func WithCompensation(fn CompensateFunc) StepOption {
	return func(s *Step) { s.Compensate = fn }
}

// WithGate attaches a should-execute predicate; steps whose gate returns
// false are marked SKIPPED.
func WithGate(fn GateFunc) StepOption {
	return func(s *Step) { s.ShouldExecute = fn }
}

// WithStepName sets a human-readable name distinct from the step ID.
func WithStepName(name string) StepOption {
	return func(s *Step) { s.Name = name }
}

// Builder assembles a Definition fluently. Zero values fall back to the
// package defaults when the definition is validated at registration.
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with the given workflow name.
func NewBuilder(name string) *Builder {
	return &Builder{def: Definition{Name: name, Version: 1}}
}

// Version sets the definition version.
func (b *Builder) Version(v int) *Builder {
	b.def.Version = v
	return b
}

// Timeout bounds the whole instance.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.def.Timeout = d
	return b
}

// Variable seeds an initial context variable. Start input overrides it.
func (b *Builder) Variable(key string, value any) *Builder {
	if b.def.Variables == nil {
		b.def.Variables = make(map[string]any)
	}
	b.def.Variables[key] = value
	return b
}

// Step appends a fully specified step.
func (b *Builder) Step(s Step) *Builder {
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// Action appends an ACTION step.
func (b *Builder) Action(id string, fn ActionFunc, opts ...StepOption) *Builder {
	return b.add(Step{ID: id, Type: StepAction, Action: fn}, opts)
}

// Decision appends a DECISION step whose function picks one of branches.
func (b *Builder) Decision(id string, fn DecisionFunc, branches map[string][]Step, opts ...StepOption) *Builder {
	return b.add(Step{ID: id, Type: StepDecision, Decide: fn, Branches: branches}, opts)
}

// Parallel appends a PARALLEL step running children under the join policy.
func (b *Builder) Parallel(id string, join JoinPolicy, children []Step, opts ...StepOption) *Builder {
	return b.add(Step{ID: id, Type: StepParallel, Join: join, Children: children}, opts)
}

// WaitFor appends a WAIT step that sleeps for the duration.
func (b *Builder) WaitFor(id string, d time.Duration, opts ...StepOption) *Builder {
	return b.add(Step{ID: id, Type: StepWait, WaitFor: d}, opts)
}

// WaitUntil appends a WAIT step that polls the predicate every poll interval
// until it returns true or the step timeout expires.
func (b *Builder) WaitUntil(id string, pred PredicateFunc, poll time.Duration, opts ...StepOption) *Builder {
	return b.add(Step{ID: id, Type: StepWait, Until: pred, PollInterval: poll}, opts)
}

// Compensation appends a COMPENSATION step undoing the named step.
func (b *Builder) Compensation(id, forStep string, fn ActionFunc, opts ...StepOption) *Builder {
	return b.add(Step{ID: id, Type: StepCompensation, For: forStep, Action: fn}, opts)
}

func (b *Builder) add(s Step, opts []StepOption) *Builder {
	for _, opt := range opts {
		opt(&s)
	}
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// Build returns the assembled definition. Validation happens when the
// definition is registered with an Engine.
func (b *Builder) Build() *Definition {
	def := b.def
	return &def
}
