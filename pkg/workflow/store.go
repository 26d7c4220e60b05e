package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/utafrali/BackplaneGo/pkg/database"
	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/pagination"
)

// ListFilter narrows instance listings. Zero values match everything.
type ListFilter struct {
	Status       Status
	WorkflowType string
}

// Store is the persistence the engine drives. *PostgresStore satisfies it;
// tests substitute an in-memory implementation.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	UpdateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, workflowID string) (*Instance, error)
	RecordStep(ctx context.Context, row *StepExecution) error
	StepHistory(ctx context.Context, workflowID string) ([]*StepExecution, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Instance, error)
	ListByStatus(ctx context.Context, filter ListFilter, p pagination.Params) ([]*Instance, int, error)
}

// PostgresStore persists workflow instances and step attempts in PostgreSQL.
type PostgresStore struct {
	db database.DBTX
}

// NewPostgresStore creates a PostgreSQL-backed workflow store.
func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const instanceColumns = `workflow_id, workflow_type, status, context_data, current_step,
		created_at, updated_at, started_at, completed_at,
		correlation_id, user_id, tenant_id, error_message, retry_count, max_retries`

// CreateInstance stores a new instance row.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance) (err error) {
	query := `
		INSERT INTO workflow_instances (workflow_id, workflow_type, status, context_data, current_step, created_at, updated_at, started_at, completed_at, correlation_id, user_id, tenant_id, error_message, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	ctx, end := database.TraceQuery(ctx, "CreateWorkflowInstance", query)
	defer func() { end(err) }()

	_, err = s.db.Exec(ctx, query,
		inst.WorkflowID,
		inst.WorkflowType,
		inst.Status,
		inst.ContextData,
		inst.CurrentStep,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.StartedAt,
		inst.CompletedAt,
		inst.CorrelationID,
		inst.UserID,
		inst.TenantID,
		inst.ErrorMessage,
		inst.RetryCount,
		inst.MaxRetries,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.AlreadyExists("workflow instance", "workflow_id", inst.WorkflowID)
		}
		return fmt.Errorf("create workflow instance: %w", err)
	}
	return nil
}

// UpdateInstance writes the mutable fields of an instance row: status,
// context, current step, timestamps, error and retry count.
func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *Instance) (err error) {
	query := `
		UPDATE workflow_instances
		SET status = $1, context_data = $2, current_step = $3, updated_at = $4,
		    started_at = $5, completed_at = $6, error_message = $7, retry_count = $8
		WHERE workflow_id = $9`

	ctx, end := database.TraceQuery(ctx, "UpdateWorkflowInstance", query)
	defer func() { end(err) }()

	ct, err := s.db.Exec(ctx, query,
		inst.Status,
		inst.ContextData,
		inst.CurrentStep,
		inst.UpdatedAt,
		inst.StartedAt,
		inst.CompletedAt,
		inst.ErrorMessage,
		inst.RetryCount,
		inst.WorkflowID,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("workflow instance", inst.WorkflowID)
	}
	return nil
}

// GetInstance retrieves one instance row by workflow ID.
func (s *PostgresStore) GetInstance(ctx context.Context, workflowID string) (inst *Instance, err error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_instances WHERE workflow_id = $1`, instanceColumns)

	ctx, end := database.TraceQuery(ctx, "GetWorkflowInstance", query)
	defer func() { end(err) }()

	inst, err = scanInstance(s.db.QueryRow(ctx, query, workflowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("workflow instance", workflowID)
		}
		return nil, fmt.Errorf("get workflow instance: %w", err)
	}
	return inst, nil
}

// RecordStep appends one step attempt row and fills in its generated ID.
func (s *PostgresStore) RecordStep(ctx context.Context, row *StepExecution) (err error) {
	query := `
		INSERT INTO workflow_step_executions (workflow_id, step_id, status, started_at, completed_at, result_data, error_message, attempt_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	ctx, end := database.TraceQuery(ctx, "RecordWorkflowStep", query)
	defer func() { end(err) }()

	err = s.db.QueryRow(ctx, query,
		row.WorkflowID,
		row.StepID,
		row.Status,
		row.StartedAt,
		row.CompletedAt,
		row.ResultData,
		row.ErrorMessage,
		row.AttemptNumber,
	).Scan(&row.ID)
	if err != nil {
		return fmt.Errorf("record workflow step: %w", err)
	}
	return nil
}

// StepHistory returns every step attempt row of an instance in insertion
// order.
func (s *PostgresStore) StepHistory(ctx context.Context, workflowID string) (history []*StepExecution, err error) {
	query := `
		SELECT id, workflow_id, step_id, status, started_at, completed_at, result_data, error_message, attempt_number
		FROM workflow_step_executions
		WHERE workflow_id = $1
		ORDER BY id ASC`

	ctx, end := database.TraceQuery(ctx, "WorkflowStepHistory", query)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow step history: %w", err)
	}
	defer rows.Close()

	history = make([]*StepExecution, 0)
	for rows.Next() {
		var row StepExecution
		if err := rows.Scan(
			&row.ID, &row.WorkflowID, &row.StepID, &row.Status,
			&row.StartedAt, &row.CompletedAt, &row.ResultData,
			&row.ErrorMessage, &row.AttemptNumber,
		); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		history = append(history, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow steps: %w", err)
	}

	return history, nil
}

// ListStale returns up to limit RUNNING instances whose updated_at is older
// than olderThan, oldest first. These are recovery candidates.
func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) (_ []*Instance, err error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	query := fmt.Sprintf(`
		SELECT %s FROM workflow_instances
		WHERE status = 'RUNNING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, instanceColumns)

	ctx, end := database.TraceQuery(ctx, "ListStaleWorkflowInstances", query)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale workflow instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// ListByStatus returns one page of instances matching the filter, newest
// first, with the total match count.
func (s *PostgresStore) ListByStatus(ctx context.Context, filter ListFilter, p pagination.Params) (_ []*Instance, total int, err error) {
	where := ""
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = fmt.Sprintf("WHERE status = $%d", len(args))
	}
	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		if where == "" {
			where = fmt.Sprintf("WHERE workflow_type = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND workflow_type = $%d", len(args))
		}
	}

	countQuery := fmt.Sprintf(`SELECT count(*) FROM workflow_instances %s`, where)
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_instances %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, instanceColumns, where, len(args)+1, len(args)+2)

	ctx, end := database.TraceQuery(ctx, "ListWorkflowInstances", query)
	defer func() { end(err) }()

	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	args = append(args, p.PerPage, p.Offset)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflow instances: %w", err)
	}
	defer rows.Close()

	instances, err := collectInstances(rows)
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

func collectInstances(rows pgx.Rows) ([]*Instance, error) {
	instances := make([]*Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow instances: %w", err)
	}
	return instances, nil
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var inst Instance
	err := row.Scan(
		&inst.WorkflowID,
		&inst.WorkflowType,
		&inst.Status,
		&inst.ContextData,
		&inst.CurrentStep,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.StartedAt,
		&inst.CompletedAt,
		&inst.CorrelationID,
		&inst.UserID,
		&inst.TenantID,
		&inst.ErrorMessage,
		&inst.RetryCount,
		&inst.MaxRetries,
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}
