package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Context is the mutable variable store shared by the steps of one instance.
// It is safe for concurrent use; PARALLEL children merge results into it from
// separate goroutines.
type Context struct {
	WorkflowID    string
	WorkflowType  string
	CorrelationID string
	UserID        string
	TenantID      string

	mu        sync.RWMutex
	variables map[string]any
}

func newContext(inst *Instance, variables map[string]any) *Context {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &Context{
		WorkflowID:    inst.WorkflowID,
		WorkflowType:  inst.WorkflowType,
		CorrelationID: inst.CorrelationID,
		UserID:        inst.UserID,
		TenantID:      inst.TenantID,
		variables:     vars,
	}
}

// Get returns the named variable and whether it is set.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// GetString returns the named variable as a string, or "" when absent or not
// a string. JSON round-trips turn all numbers into float64, so callers that
// stored numerics should use Get and assert.
func (c *Context) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set stores one variable.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// merge copies step result data into the variable store.
func (c *Context) merge(data map[string]any) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range data {
		c.variables[k] = v
	}
}

// Snapshot returns a shallow copy of the variables.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// marshal serializes the variables for the instance's context_data column.
func (c *Context) marshal() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c.variables)
	if err != nil {
		return nil, fmt.Errorf("workflow: serialize context: %w", err)
	}
	return data, nil
}

// restoreContext rebuilds a Context from a persisted instance row.
func restoreContext(inst *Instance) (*Context, error) {
	vars := make(map[string]any)
	if len(inst.ContextData) > 0 {
		if err := json.Unmarshal(inst.ContextData, &vars); err != nil {
			return nil, fmt.Errorf("workflow: restore context for %s: %w", inst.WorkflowID, err)
		}
	}
	return newContext(inst, vars), nil
}
