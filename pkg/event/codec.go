package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireMetadata is the on-wire shape of the metadata object. Timestamp and
// expiry serialize as ISO-8601 strings, priority as its numeric value.
type wireMetadata struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	SourceService string            `json:"source_service,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	Version       int               `json:"version"`
	Priority      Priority          `json:"priority"`
	Headers       map[string]string `json:"headers,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Expiry        *time.Time        `json:"expiry,omitempty"`
}

var wireMetadataKeys = []string{
	"event_id", "event_type", "timestamp", "correlation_id", "causation_id",
	"user_id", "tenant_id", "source_service", "trace_id", "span_id",
	"version", "priority", "headers", "tags", "expiry",
}

// MarshalJSON encodes the known metadata fields and merges any passthrough
// fields captured during a previous decode. Known fields win on collision.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known := wireMetadata{
		EventID:       m.EventID,
		EventType:     m.EventType,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		SourceService: m.SourceService,
		TraceID:       m.TraceID,
		SpanID:        m.SpanID,
		Version:       m.Version,
		Priority:      m.Priority,
		Headers:       m.Headers,
		Tags:          m.Tags,
		Expiry:        m.Expiry,
	}

	b, err := json.Marshal(known)
	if err != nil || len(m.Extra) == 0 {
		return b, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known metadata fields and stashes everything
// else in Extra so round-tripping foreign events loses nothing. Missing
// version defaults to 1, missing priority to NORMAL.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	known := wireMetadata{
		Version:  1,
		Priority: PriorityNormal,
	}
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}

	m.EventID = known.EventID
	m.EventType = known.EventType
	m.Timestamp = known.Timestamp.UTC()
	m.CorrelationID = known.CorrelationID
	m.CausationID = known.CausationID
	m.UserID = known.UserID
	m.TenantID = known.TenantID
	m.SourceService = known.SourceService
	m.TraceID = known.TraceID
	m.SpanID = known.SpanID
	m.Version = known.Version
	m.Priority = known.Priority
	m.Headers = known.Headers
	m.Tags = known.Tags
	if known.Expiry != nil {
		utc := known.Expiry.UTC()
		m.Expiry = &utc
	} else {
		m.Expiry = nil
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range wireMetadataKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		m.Extra = all
	} else {
		m.Extra = nil
	}

	return nil
}

// Marshal serializes the event to its wire form.
func (e *Event) Marshal() ([]byte, error) {
	if e.EventType == "" {
		return nil, fmt.Errorf("event: event type is required")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", e.EventType, err)
	}
	return b, nil
}

// Unmarshal parses an event from its wire form. The event type is required;
// missing metadata defaults are applied.
func Unmarshal(data []byte) (*Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("event: empty payload")
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: unmarshal: %w", err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("event: missing event_type")
	}

	// A payload without a metadata object still gets usable defaults.
	if e.Metadata.Version == 0 {
		e.Metadata.Version = 1
	}
	if e.Metadata.Priority == 0 {
		e.Metadata.Priority = PriorityNormal
	}
	if e.Metadata.EventType == "" {
		e.Metadata.EventType = e.EventType
	}

	return &e, nil
}
