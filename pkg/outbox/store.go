package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/utafrali/BackplaneGo/pkg/database"
	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/event"
)

// Store persists outbox rows in PostgreSQL.
type Store struct {
	db database.DBTX
}

// NewStore creates a PostgreSQL-backed outbox store.
func NewStore(db database.DBTX) *Store {
	return &Store{db: db}
}

const outboxColumns = `id, event_id, event_type, event_data, status, priority,
		created_at, scheduled_at, processed_at, expires_at, claimed_at,
		attempts, max_attempts, error_message, correlation_id, source_service, tenant_id, is_dead_letter`

const insertOutboxQuery = `
	INSERT INTO outbox_events (id, event_id, event_type, event_data, status, priority, created_at, scheduled_at, expires_at, attempts, max_attempts, error_message, correlation_id, source_service, tenant_id, is_dead_letter)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOutboxEvent(ctx context.Context, db execer, ev *OutboxEvent) (err error) {
	ctx, end := database.TraceQuery(ctx, "InsertOutboxEvent", insertOutboxQuery)
	defer func() { end(err) }()

	_, err = db.Exec(ctx, insertOutboxQuery,
		ev.ID,
		ev.EventID,
		ev.EventType,
		ev.EventData,
		ev.Status,
		ev.Priority,
		ev.CreatedAt,
		ev.ScheduledAt,
		ev.ExpiresAt,
		ev.Attempts,
		ev.MaxAttempts,
		ev.ErrorMessage,
		ev.CorrelationID,
		ev.SourceService,
		ev.TenantID,
		ev.IsDeadLetter,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.AlreadyExists("outbox event", "event_id", ev.EventID)
		}
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// Insert stores a new outbox row in its own implicit transaction.
func (s *Store) Insert(ctx context.Context, ev *OutboxEvent) error {
	return insertOutboxEvent(ctx, s.db, ev)
}

// InsertTx stores a new outbox row inside the caller's transaction. The row
// becomes visible to the processor only when the caller commits, which is
// what ties event publication to the business write.
func (s *Store) InsertTx(ctx context.Context, tx pgx.Tx, ev *OutboxEvent) error {
	return insertOutboxEvent(ctx, tx, ev)
}

// Get retrieves a single outbox row by event ID.
func (s *Store) Get(ctx context.Context, eventID string) (ev *OutboxEvent, err error) {
	query := fmt.Sprintf(`SELECT %s FROM outbox_events WHERE event_id = $1`, outboxColumns)

	ctx, end := database.TraceQuery(ctx, "GetOutboxEvent", query)
	defer func() { end(err) }()

	ev, err = scanOutboxEvent(s.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("outbox event", eventID)
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return ev, nil
}

// ClaimBatch atomically moves up to batchSize due PENDING rows to PROCESSING
// and returns them. Due means not scheduled, or scheduled at or before now.
// Rows are picked by priority (descending) then age (oldest first).
// FOR UPDATE SKIP LOCKED lets concurrent processors claim disjoint batches,
// and the attempts increment happens at claim time so a crash mid-publish
// still counts against max_attempts.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int) (claimed []*OutboxEvent, err error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE outbox_events
		SET status = 'PROCESSING', attempts = attempts + 1, claimed_at = $1
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'PENDING'
			  AND attempts < max_attempts
			  AND (scheduled_at IS NULL OR scheduled_at <= $1)
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, outboxColumns)

	ctx, end := database.TraceQuery(ctx, "ClaimOutboxBatch", query)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, query, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed outbox event: %w", err)
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox events: %w", err)
	}

	return claimed, nil
}

// MarkCompleted finalizes a published row. Guarded on PROCESSING so a
// COMPLETED row can never be completed twice.
func (s *Store) MarkCompleted(ctx context.Context, id string) (err error) {
	query := `
		UPDATE outbox_events
		SET status = 'COMPLETED', processed_at = $1, error_message = ''
		WHERE id = $2 AND status = 'PROCESSING'`

	ctx, end := database.TraceQuery(ctx, "MarkOutboxCompleted", query)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox event completed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("processing outbox event", id)
	}
	return nil
}

// ReturnToPending reverts a PROCESSING row for a later retry, recording the
// publish error.
func (s *Store) ReturnToPending(ctx context.Context, id, errMsg string) (err error) {
	query := `
		UPDATE outbox_events
		SET status = 'PENDING', error_message = $1, claimed_at = NULL
		WHERE id = $2 AND status = 'PROCESSING'`

	ctx, end := database.TraceQuery(ctx, "ReturnOutboxToPending", query)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, query, errMsg, id)
	if err != nil {
		return fmt.Errorf("return outbox event to pending: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("processing outbox event", id)
	}
	return nil
}

// MarkFailed terminally fails a row without dead-lettering it. Used for
// events that expired before they could be published.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (err error) {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', error_message = $1, processed_at = $2
		WHERE id = $3`

	ctx, end := database.TraceQuery(ctx, "MarkOutboxFailed", query)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, query, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("outbox event", id)
	}
	return nil
}

// MoveToDeadLetter parks a row that exhausted its attempts: the outbox row
// flips to DEAD_LETTER and a dead-letter record is written, atomically.
func (s *Store) MoveToDeadLetter(ctx context.Context, ev *OutboxEvent, reason string) (err error) {
	const updateQuery = `
		UPDATE outbox_events
		SET status = 'DEAD_LETTER', is_dead_letter = TRUE, error_message = $1, processed_at = $2
		WHERE id = $3`
	const insertQuery = `
		INSERT INTO outbox_dead_letters (id, original_event_id, event_type, event_data, failure_reason, failed_at, attempts_made, can_retry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`

	ctx, end := database.TraceQuery(ctx, "MoveOutboxToDeadLetter", updateQuery)
	defer func() { end(err) }()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx, updateQuery, reason, now, ev.ID); err != nil {
		return fmt.Errorf("mark outbox event dead letter: %w", err)
	}

	if _, err := tx.Exec(ctx, insertQuery,
		uuid.New().String(), ev.EventID, ev.EventType, ev.EventData, reason, now, ev.Attempts,
	); err != nil {
		return fmt.Errorf("insert dead letter event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecoverStale reverts PROCESSING rows claimed longer than olderThan ago
// back to PENDING. Run on startup to repair rows orphaned by a crash between
// claim and completion; consumers see such events twice, which is the
// at-least-once contract.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (n int64, err error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `
		UPDATE outbox_events
		SET status = 'PENDING', claimed_at = NULL, error_message = 'recovered: processing stalled'
		WHERE status = 'PROCESSING' AND claimed_at < $1`

	ctx, end := database.TraceQuery(ctx, "RecoverStaleOutbox", query)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale outbox events: %w", err)
	}
	return ct.RowsAffected(), nil
}

// DeadLetters returns up to limit dead-letter rows, newest first, optionally
// filtered by event type.
func (s *Store) DeadLetters(ctx context.Context, limit int, eventType string) (letters []*DeadLetterEvent, err error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, original_event_id, event_type, event_data, failure_reason, failed_at, attempts_made, can_retry
		FROM outbox_dead_letters`
	args := []any{limit}
	if eventType != "" {
		query += ` WHERE event_type = $2`
		args = append(args, eventType)
	}
	query += ` ORDER BY failed_at DESC LIMIT $1`

	ctx, end := database.TraceQuery(ctx, "ListDeadLetters", query)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	letters = make([]*DeadLetterEvent, 0)
	for rows.Next() {
		var d DeadLetterEvent
		if err := rows.Scan(
			&d.ID, &d.OriginalEventID, &d.EventType, &d.EventData,
			&d.FailureReason, &d.FailedAt, &d.AttemptsMade, &d.CanRetry,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return letters, nil
}

// RetryDeadLetter resubmits a dead-letter row: its outbox row returns to
// PENDING with a fresh attempt budget and the dead-letter row is consumed
// (can_retry flips to false). Returns false when the row does not exist or
// was already retried. If cleanup removed the original outbox row, a new one
// is inserted from the dead-letter copy.
func (s *Store) RetryDeadLetter(ctx context.Context, dlqID string) (retried bool, err error) {
	const selectQuery = `
		SELECT id, original_event_id, event_type, event_data, attempts_made
		FROM outbox_dead_letters
		WHERE id = $1 AND can_retry = TRUE
		FOR UPDATE`

	ctx, end := database.TraceQuery(ctx, "RetryDeadLetter", selectQuery)
	defer func() { end(err) }()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var d DeadLetterEvent
	err = tx.QueryRow(ctx, selectQuery, dlqID).Scan(
		&d.ID, &d.OriginalEventID, &d.EventType, &d.EventData, &d.AttemptsMade,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select dead letter for retry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE outbox_dead_letters SET can_retry = FALSE WHERE id = $1`, dlqID,
	); err != nil {
		return false, fmt.Errorf("consume dead letter: %w", err)
	}

	ct, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', attempts = 0, error_message = '', is_dead_letter = FALSE,
		    claimed_at = NULL, processed_at = NULL, scheduled_at = NULL
		WHERE event_id = $1 AND status = 'DEAD_LETTER'`, d.OriginalEventID)
	if err != nil {
		return false, fmt.Errorf("revive outbox event: %w", err)
	}

	if ct.RowsAffected() == 0 {
		fresh := &OutboxEvent{
			ID:          uuid.New().String(),
			EventID:     d.OriginalEventID,
			EventType:   d.EventType,
			EventData:   d.EventData,
			Status:      StatusPending,
			Priority:    event.PriorityNormal,
			CreatedAt:   time.Now().UTC(),
			MaxAttempts: DefaultMaxAttempts,
		}
		if err := insertOutboxEvent(ctx, tx, fresh); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// Stats counts outbox rows by status.
func (s *Store) Stats(ctx context.Context) (_ *Stats, err error) {
	const query = `SELECT status, count(*) FROM outbox_events GROUP BY status`

	ctx, end := database.TraceQuery(ctx, "OutboxStats", query)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status Status
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox stats: %w", err)
	}

	return &stats, nil
}

// DeleteCompleted removes COMPLETED rows processed before the cutoff and
// returns how many were deleted. Retention housekeeping; dead letters are
// kept until retried.
func (s *Store) DeleteCompleted(ctx context.Context, before time.Time) (n int64, err error) {
	const query = `DELETE FROM outbox_events WHERE status = 'COMPLETED' AND processed_at < $1`

	ctx, end := database.TraceQuery(ctx, "DeleteCompletedOutbox", query)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete completed outbox events: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanOutboxEvent(row pgx.Row) (*OutboxEvent, error) {
	var ev OutboxEvent
	err := row.Scan(
		&ev.ID,
		&ev.EventID,
		&ev.EventType,
		&ev.EventData,
		&ev.Status,
		&ev.Priority,
		&ev.CreatedAt,
		&ev.ScheduledAt,
		&ev.ProcessedAt,
		&ev.ExpiresAt,
		&ev.ClaimedAt,
		&ev.Attempts,
		&ev.MaxAttempts,
		&ev.ErrorMessage,
		&ev.CorrelationID,
		&ev.SourceService,
		&ev.TenantID,
		&ev.IsDeadLetter,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
