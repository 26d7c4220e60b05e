package eventbus

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/utafrali/BackplaneGo/pkg/event"
)

// Filter narrows which events a subscription receives. Every set criterion
// must hold; zero-value criteria are ignored, so a nil or empty filter
// matches everything.
type Filter struct {
	// EventTypes restricts to these types and also narrows which topics the
	// subscription consumes.
	EventTypes []string
	// SourceServices restricts by metadata source_service.
	SourceServices []string
	// TenantIDs restricts by metadata tenant_id.
	TenantIDs []string
	// CorrelationIDs restricts by metadata correlation_id.
	CorrelationIDs []string
	// Tags matches events whose tag set intersects this one.
	Tags []string
	// PriorityMin admits events with priority >= this value.
	PriorityMin event.Priority
	// From and To bound the event timestamp (inclusive).
	From *time.Time
	To   *time.Time
	// CustomFilters requires payload[key] == value for each entry. Values
	// are compared by their JSON encoding.
	CustomFilters map[string]any
}

// Matches reports whether the event passes every set criterion.
func (f *Filter) Matches(e *event.Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.SourceServices) > 0 && !slices.Contains(f.SourceServices, e.Metadata.SourceService) {
		return false
	}
	if len(f.TenantIDs) > 0 && !slices.Contains(f.TenantIDs, e.Metadata.TenantID) {
		return false
	}
	if len(f.CorrelationIDs) > 0 && !slices.Contains(f.CorrelationIDs, e.Metadata.CorrelationID) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, e.Metadata.Tags) {
		return false
	}
	if f.PriorityMin > 0 && e.Metadata.Priority < f.PriorityMin {
		return false
	}
	if f.From != nil && e.Metadata.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Metadata.Timestamp.After(*f.To) {
		return false
	}
	return f.matchesPayload(e)
}

func (f *Filter) matchesPayload(e *event.Event) bool {
	if len(f.CustomFilters) == 0 {
		return true
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return false
	}

	for key, want := range f.CustomFilters {
		raw, ok := payload[key]
		if !ok {
			return false
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		var got bytes.Buffer
		if err := json.Compact(&got, raw); err != nil {
			return false
		}
		if !bytes.Equal(got.Bytes(), wantJSON) {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if slices.Contains(b, s) {
			return true
		}
	}
	return false
}
