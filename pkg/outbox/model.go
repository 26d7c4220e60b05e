// Package outbox implements the transactional outbox: events are written to
// the database inside the caller's transaction and pumped to Kafka by a
// background processor, so a business write and its event either both happen
// or neither does.
package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/BackplaneGo/pkg/event"
)

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// DefaultMaxAttempts bounds publish attempts per event before dead-lettering.
const DefaultMaxAttempts = 3

// OutboxEvent is one persisted event awaiting (or finished with) publication.
type OutboxEvent struct {
	ID            string
	EventID       string
	EventType     string
	EventData     []byte
	Status        Status
	Priority      event.Priority
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	ProcessedAt   *time.Time
	ExpiresAt     *time.Time
	ClaimedAt     *time.Time
	Attempts      int
	MaxAttempts   int
	ErrorMessage  string
	CorrelationID string
	SourceService string
	TenantID      string
	IsDeadLetter  bool
}

// FromEvent serializes a bus event into a PENDING outbox row. ScheduledAt
// stays nil for immediate publication; set it afterwards for delayed sends.
func FromEvent(e *event.Event) (*OutboxEvent, error) {
	data, err := e.Marshal()
	if err != nil {
		return nil, fmt.Errorf("outbox: serialize event: %w", err)
	}

	return &OutboxEvent{
		ID:            uuid.New().String(),
		EventID:       e.Metadata.EventID,
		EventType:     e.EventType,
		EventData:     data,
		Status:        StatusPending,
		Priority:      e.Metadata.Priority,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     e.Metadata.Expiry,
		MaxAttempts:   DefaultMaxAttempts,
		CorrelationID: e.Metadata.CorrelationID,
		SourceService: e.Metadata.SourceService,
		TenantID:      e.Metadata.TenantID,
	}, nil
}

// Expired reports whether the row carries an expiry in the past. Expired
// rows are marked FAILED instead of being published.
func (o *OutboxEvent) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

// DeadLetterEvent is a terminally failed event parked for inspection and
// manual resubmission.
type DeadLetterEvent struct {
	ID              string
	OriginalEventID string
	EventType       string
	EventData       []byte
	FailureReason   string
	FailedAt        time.Time
	AttemptsMade    int
	CanRetry        bool
}

// Stats summarizes outbox rows by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
}
