package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/BackplaneGo/pkg/workflow"
)

// orderProcessingDefinition is the three-step saga used across the package
// tests: reserve inventory, take payment, create the order.
func orderProcessingDefinition() *SagaDefinition {
	return &SagaDefinition{
		Name: "order_processing",
		Steps: []SagaStep{
			{
				Name:                "reserve_inventory",
				Service:             "inventory-service",
				Command:             "inventory.reserve",
				CompensationCommand: "inventory.release",
				Payload: func(sctx *workflow.Context) map[string]any {
					return map[string]any{"order_id": sctx.GetString("order_id")}
				},
			},
			{
				Name:                "process_payment",
				Service:             "payment-service",
				Command:             "payment.process",
				CompensationCommand: "payment.refund",
			},
			{
				Name:    "create_order",
				Service: "order-service",
				Command: "order.create",
			},
		},
	}
}

func TestDefinition_ValidateAppliesDefaults(t *testing.T) {
	def := orderProcessingDefinition()
	def.Steps[1].Timeout = 10 * time.Second

	require.NoError(t, def.validate())

	assert.Equal(t, DefaultSagaTimeout, def.Timeout)

	first := def.step("reserve_inventory")
	require.NotNil(t, first)
	assert.Equal(t, "inventory.reserve.completed", first.SuccessEvent)
	assert.Equal(t, "inventory.reserve.failed", first.FailureEvent)
	assert.Equal(t, DefaultReplyTimeout, first.Timeout)

	assert.Equal(t, 10*time.Second, def.step("process_payment").Timeout)
	assert.Nil(t, def.step("ship_order"))
}

func TestDefinition_ClassifyResolvesStepAndOutcome(t *testing.T) {
	def := orderProcessingDefinition()
	require.NoError(t, def.validate())

	r, ok := def.classify("saga.order_processing.payment.process.completed")
	require.True(t, ok)
	assert.Equal(t, "process_payment", r.step.Name)
	assert.True(t, r.success)

	r, ok = def.classify("saga.order_processing.order.create.failed")
	require.True(t, ok)
	assert.Equal(t, "create_order", r.step.Name)
	assert.False(t, r.success)

	_, ok = def.classify("saga.order_processing.shipping.book.completed")
	assert.False(t, ok)
}

func TestDefinition_ReplyTypesInStepOrder(t *testing.T) {
	def := orderProcessingDefinition()
	require.NoError(t, def.validate())

	assert.Equal(t, []string{
		"saga.order_processing.inventory.reserve.completed",
		"saga.order_processing.inventory.reserve.failed",
		"saga.order_processing.payment.process.completed",
		"saga.order_processing.payment.process.failed",
		"saga.order_processing.order.create.completed",
		"saga.order_processing.order.create.failed",
	}, def.replyTypes())
}

func TestDefinition_ValidateRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(def *SagaDefinition)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(def *SagaDefinition) { def.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			mutate:  func(def *SagaDefinition) { def.Steps = nil },
			wantErr: "at least one step",
		},
		{
			name:    "unnamed step",
			mutate:  func(def *SagaDefinition) { def.Steps[0].Name = "" },
			wantErr: "step name is required",
		},
		{
			name:    "duplicate step name",
			mutate:  func(def *SagaDefinition) { def.Steps[2].Name = "reserve_inventory" },
			wantErr: `duplicate step name "reserve_inventory"`,
		},
		{
			name:    "missing service",
			mutate:  func(def *SagaDefinition) { def.Steps[0].Service = "" },
			wantErr: "service is required",
		},
		{
			name:    "missing command",
			mutate:  func(def *SagaDefinition) { def.Steps[1].Command = "" },
			wantErr: "command is required",
		},
		{
			name: "success reply equals failure reply",
			mutate: func(def *SagaDefinition) {
				def.Steps[0].SuccessEvent = "inventory.reserve.done"
				def.Steps[0].FailureEvent = "inventory.reserve.done"
			},
			wantErr: "success and failure replies must differ",
		},
		{
			name: "reply type claimed by two steps",
			mutate: func(def *SagaDefinition) {
				def.Steps[2].Command = "payment.process"
			},
			wantErr: "claimed by both steps process_payment and create_order",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := orderProcessingDefinition()
			tc.mutate(def)
			err := def.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestReplyEventType(t *testing.T) {
	assert.Equal(t, "saga.order_processing.payment.process.completed",
		ReplyEventType("order_processing", "payment.process.completed"))
}
