package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopAction(context.Context, *Context) StepResult {
	return Completed(nil)
}

func staticDecision(branch string) DecisionFunc {
	return func(context.Context, *Context) (string, error) { return branch, nil }
}

func TestDefinition_ValidateDefaults(t *testing.T) {
	def := &Definition{
		Name: "provisioning",
		Steps: []Step{
			{ID: "create", Type: StepAction, Action: noopAction},
		},
	}

	require.NoError(t, def.validate())

	assert.Equal(t, 1, def.Version)
	assert.Equal(t, DefaultWorkflowTimeout, def.Timeout)
	assert.Equal(t, "create", def.Steps[0].Name, "name defaults to the step id")
	assert.Equal(t, DefaultStepTimeout, def.Steps[0].Timeout)
}

func TestDefinition_ValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{
			name:    "missing name",
			def:     &Definition{Steps: []Step{{ID: "a", Type: StepAction, Action: noopAction}}},
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			def:     &Definition{Name: "empty"},
			wantErr: "at least one executable step",
		},
		{
			name: "duplicate step id",
			def: &Definition{Name: "dup", Steps: []Step{
				{ID: "a", Type: StepAction, Action: noopAction},
				{ID: "a", Type: StepAction, Action: noopAction},
			}},
			wantErr: "duplicate id",
		},
		{
			name:    "action without body",
			def:     &Definition{Name: "wf", Steps: []Step{{ID: "a", Type: StepAction}}},
			wantErr: "action is required",
		},
		{
			name: "decision without branches",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "d", Type: StepDecision, Decide: staticDecision("x")},
			}},
			wantErr: "at least one branch",
		},
		{
			name: "parallel without children",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "p", Type: StepParallel},
			}},
			wantErr: "at least one child",
		},
		{
			name: "parallel with unknown join",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "p", Type: StepParallel, Join: "quorum", Children: []Step{
					{ID: "c", Type: StepAction, Action: noopAction},
				}},
			}},
			wantErr: "unknown join policy",
		},
		{
			name: "wait with neither form",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "w", Type: StepWait},
			}},
			wantErr: "duration or a predicate",
		},
		{
			name: "wait with both forms",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "w", Type: StepWait, WaitFor: time.Second, Until: func(context.Context, *Context) (bool, error) { return true, nil }},
			}},
			wantErr: "not both",
		},
		{
			name: "unknown step type",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "x", Type: "TELEPORT"},
			}},
			wantErr: "unknown step type",
		},
		{
			name: "compensation for unknown step",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "a", Type: StepAction, Action: noopAction},
				{ID: "undo", Type: StepCompensation, For: "missing", Action: noopAction},
			}},
			wantErr: "unknown step",
		},
		{
			name: "compensation for step with compensator",
			def: &Definition{Name: "wf", Steps: []Step{
				{ID: "a", Type: StepAction, Action: noopAction, Compensate: func(context.Context, *Context) error { return nil }},
				{ID: "undo", Type: StepCompensation, For: "a", Action: noopAction},
			}},
			wantErr: "already has a compensator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefinition_CompensationStepFoldsIntoTarget(t *testing.T) {
	var undone bool
	def := &Definition{
		Name: "wf",
		Steps: []Step{
			{ID: "charge", Type: StepAction, Action: noopAction},
			{ID: "undo_charge", Type: StepCompensation, For: "charge", Action: func(context.Context, *Context) StepResult {
				undone = true
				return Completed(nil)
			}},
		},
	}

	require.NoError(t, def.validate())

	require.Len(t, def.Steps, 1, "compensation steps leave the forward order")
	require.NotNil(t, def.Steps[0].Compensate)

	inst := &Instance{WorkflowID: "wf-1"}
	require.NoError(t, def.Steps[0].Compensate(context.Background(), newContext(inst, nil)))
	assert.True(t, undone)
}

func TestDefinition_CompensationStepFailurePropagates(t *testing.T) {
	def := &Definition{
		Name: "wf",
		Steps: []Step{
			{ID: "charge", Type: StepAction, Action: noopAction},
			{ID: "undo_charge", Type: StepCompensation, For: "charge", Action: func(context.Context, *Context) StepResult {
				return Failed(errors.New("refund rejected"))
			}},
		},
	}

	require.NoError(t, def.validate())

	inst := &Instance{WorkflowID: "wf-1"}
	err := def.Steps[0].Compensate(context.Background(), newContext(inst, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refund rejected")
}

func TestDefinition_WaitLongerThanTimeoutRaisesTimeout(t *testing.T) {
	def := &Definition{
		Name: "wf",
		Steps: []Step{
			{ID: "settle", Type: StepWait, WaitFor: 2 * time.Hour},
		},
	}

	require.NoError(t, def.validate())
	assert.Greater(t, def.Steps[0].Timeout, 2*time.Hour)
}

func TestDefinition_IndexCoversNestedSteps(t *testing.T) {
	def := &Definition{
		Name: "wf",
		Steps: []Step{
			{ID: "route", Type: StepDecision, Decide: staticDecision("fast"), Branches: map[string][]Step{
				"fast": {{ID: "express", Type: StepAction, Action: noopAction}},
				"slow": {{ID: "ground", Type: StepAction, Action: noopAction}},
			}},
			{ID: "fanout", Type: StepParallel, Children: []Step{
				{ID: "email", Type: StepAction, Action: noopAction},
				{ID: "sms", Type: StepAction, Action: noopAction},
			}},
		},
	}

	require.NoError(t, def.validate())

	for _, id := range []string{"route", "express", "ground", "fanout", "email", "sms"} {
		assert.Contains(t, def.index, id)
	}
	assert.Equal(t, JoinWaitAll, def.Steps[1].Join, "join defaults to wait_all")
}

func TestBuilder_AssemblesDefinition(t *testing.T) {
	gate := func(wctx *Context) bool { return wctx.GetString("mode") == "full" }
	comp := func(context.Context, *Context) error { return nil }

	def := NewBuilder("order_processing").
		Version(3).
		Timeout(2 * time.Hour).
		Variable("region", "eu-west").
		Action("reserve", noopAction, WithRetry(2, 50*time.Millisecond), WithCompensation(comp)).
		WaitFor("cooldown", 10*time.Millisecond).
		Action("confirm", noopAction, WithStepTimeout(time.Minute), WithGate(gate), WithStepName("confirm order")).
		Build()

	require.NoError(t, def.validate())

	assert.Equal(t, "order_processing", def.Name)
	assert.Equal(t, 3, def.Version)
	assert.Equal(t, 2*time.Hour, def.Timeout)
	assert.Equal(t, "eu-west", def.Variables["region"])

	require.Len(t, def.Steps, 3)

	reserve := def.Steps[0]
	assert.Equal(t, StepAction, reserve.Type)
	assert.Equal(t, 2, reserve.RetryCount)
	assert.Equal(t, 50*time.Millisecond, reserve.RetryDelay)
	assert.NotNil(t, reserve.Compensate)

	cooldown := def.Steps[1]
	assert.Equal(t, StepWait, cooldown.Type)
	assert.Equal(t, 10*time.Millisecond, cooldown.WaitFor)

	confirm := def.Steps[2]
	assert.Equal(t, time.Minute, confirm.Timeout)
	assert.Equal(t, "confirm order", confirm.Name)
	assert.NotNil(t, confirm.ShouldExecute)
}
