// Package event defines the message envelope carried by the event bus and
// the JSON codec used on the wire.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events when competing for dispatch and outbox slots.
// Serialized as its numeric value.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// String returns the symbolic name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a symbolic name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("event: unknown priority %q", s)
	}
}

// Metadata carries the delivery and correlation attributes of an event.
// EventType mirrors the top-level field on the wire. Unknown metadata fields
// found during decode are kept in Extra and written back verbatim on encode.
type Metadata struct {
	EventID       string
	EventType     string
	Timestamp     time.Time
	CorrelationID string
	CausationID   string
	UserID        string
	TenantID      string
	SourceService string
	TraceID       string
	SpanID        string
	Version       int
	Priority      Priority
	Headers       map[string]string
	Tags          []string
	Expiry        *time.Time
	Extra         map[string]json.RawMessage
}

// Event is the unit of communication on the bus. Data holds the serialized
// payload; use UnmarshalData to decode it into a concrete type.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata"`
}

// Option configures an event at construction.
type Option func(*Event)

// WithEventID overrides the generated event ID.
func WithEventID(id string) Option {
	return func(e *Event) { e.Metadata.EventID = id }
}

// WithCorrelationID sets the correlation ID linking related events.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.Metadata.CorrelationID = id }
}

// WithCausationID records the event ID that caused this one.
func WithCausationID(id string) Option {
	return func(e *Event) { e.Metadata.CausationID = id }
}

// WithUserID attributes the event to a user.
func WithUserID(id string) Option {
	return func(e *Event) { e.Metadata.UserID = id }
}

// WithTenantID scopes the event to a tenant.
func WithTenantID(id string) Option {
	return func(e *Event) { e.Metadata.TenantID = id }
}

// WithSource names the service that produced the event.
func WithSource(service string) Option {
	return func(e *Event) { e.Metadata.SourceService = service }
}

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithVersion sets the schema version of the payload.
func WithVersion(v int) Option {
	return func(e *Event) { e.Metadata.Version = v }
}

// WithHeader adds a transport header to the event.
func WithHeader(key, value string) Option {
	return func(e *Event) {
		if e.Metadata.Headers == nil {
			e.Metadata.Headers = make(map[string]string)
		}
		e.Metadata.Headers[key] = value
	}
}

// WithTags appends routing tags.
func WithTags(tags ...string) Option {
	return func(e *Event) { e.Metadata.Tags = append(e.Metadata.Tags, tags...) }
}

// WithExpiry sets the instant after which the event must not be delivered.
func WithExpiry(t time.Time) Option {
	return func(e *Event) {
		utc := t.UTC()
		e.Metadata.Expiry = &utc
	}
}

// WithTimestamp overrides the construction timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Metadata.Timestamp = t.UTC() }
}

// New builds an event of the given type. The payload is serialized
// immediately; a serialization failure is returned here rather than at
// publish time. Defaults: generated UUID event ID, current UTC timestamp,
// version 1, NORMAL priority.
func New(eventType string, payload any, opts ...Option) (*Event, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event: event type is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: marshal payload for %s: %w", eventType, err)
	}

	e := &Event{
		EventType: eventType,
		Data:      data,
		Metadata: Metadata{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Priority:  PriorityNormal,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// UnmarshalData decodes the payload into v.
func (e *Event) UnmarshalData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("event: unmarshal %s payload: %w", e.EventType, err)
	}
	return nil
}

// IsExpired reports whether the event carries an expiry in the past.
// Expired events must not be delivered.
func (e *Event) IsExpired() bool {
	return e.Metadata.Expiry != nil && e.Metadata.Expiry.Before(time.Now().UTC())
}

// HasTag reports whether the event carries the given tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Header returns the named transport header, or "" if absent.
func (e *Event) Header(key string) string {
	return e.Metadata.Headers[key]
}
