package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_SetGetMerge(t *testing.T) {
	inst := &Instance{WorkflowID: "wf-1", WorkflowType: "order_processing"}
	wctx := newContext(inst, map[string]any{"region": "eu-west"})

	assert.Equal(t, "eu-west", wctx.GetString("region"))
	_, ok := wctx.Get("missing")
	assert.False(t, ok)
	assert.Empty(t, wctx.GetString("missing"))

	wctx.Set("order_id", "ord-7")
	wctx.merge(map[string]any{"region": "us-east", "total": 42.5})

	assert.Equal(t, "ord-7", wctx.GetString("order_id"))
	assert.Equal(t, "us-east", wctx.GetString("region"), "merge overwrites")

	snap := wctx.Snapshot()
	assert.Equal(t, 42.5, snap["total"])

	// Snapshot is a copy, not a view.
	snap["region"] = "ap-south"
	assert.Equal(t, "us-east", wctx.GetString("region"))
}

func TestContext_MarshalRestoreRoundTrip(t *testing.T) {
	inst := &Instance{
		WorkflowID:    "wf-9",
		WorkflowType:  "order_processing",
		CorrelationID: "corr-9",
		UserID:        "user-3",
		TenantID:      "tenant-1",
	}
	wctx := newContext(inst, map[string]any{"order_id": "ord-1", "amount": 12.34})

	data, err := wctx.marshal()
	require.NoError(t, err)

	inst.ContextData = data
	restored, err := restoreContext(inst)
	require.NoError(t, err)

	assert.Equal(t, "wf-9", restored.WorkflowID)
	assert.Equal(t, "corr-9", restored.CorrelationID)
	assert.Equal(t, "user-3", restored.UserID)
	assert.Equal(t, "ord-1", restored.GetString("order_id"))
	amount, ok := restored.Get("amount")
	require.True(t, ok)
	assert.Equal(t, 12.34, amount)
}

func TestRestoreContext_BadPayload(t *testing.T) {
	inst := &Instance{WorkflowID: "wf-1", ContextData: []byte("{not-json")}
	_, err := restoreContext(inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore context")
}

func TestLatestByStep(t *testing.T) {
	now := time.Now().UTC()
	history := []*StepExecution{
		{ID: 1, StepID: "reserve", Status: StepStatusRunning, StartedAt: now},
		{ID: 2, StepID: "reserve", Status: StepStatusCompleted, StartedAt: now},
		{ID: 3, StepID: "charge", Status: StepStatusRunning, StartedAt: now},
		{ID: 4, StepID: "charge", Status: StepStatusFailed, StartedAt: now},
		{ID: 5, StepID: "reserve", Status: StepStatusCompensated, StartedAt: now},
	}

	latest := LatestByStep(history)
	require.Len(t, latest, 2)
	assert.Equal(t, StepStatusCompensated, latest["reserve"].Status)
	assert.Equal(t, StepStatusFailed, latest["charge"].Status)
}

func TestStepResultConstructors(t *testing.T) {
	res := Completed(map[string]any{"k": "v"})
	assert.True(t, res.Success)
	assert.Equal(t, "v", res.Data["k"])

	res = Failed(assert.AnError)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldRetry)
	assert.Equal(t, assert.AnError, res.Err)

	res = RetryAfter(assert.AnError, 5*time.Second)
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, 5*time.Second, res.RetryDelay)
}

func TestInstanceJSONShape(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	inst := &Instance{
		WorkflowID:   "wf-1",
		WorkflowType: "order_processing",
		Status:       StatusRunning,
		CurrentStep:  "charge",
		CreatedAt:    now,
		UpdatedAt:    now,
		RetryCount:   1,
		MaxRetries:   5,
	}

	data, err := json.Marshal(inst)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "RUNNING", m["status"])
	assert.Equal(t, "charge", m["current_step"])
	assert.NotContains(t, m, "completed_at", "zero optional fields are omitted")
	assert.NotContains(t, m, "error_message")
}
