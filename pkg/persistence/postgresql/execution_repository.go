package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (er *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal context: %w", err))
	}

	resultsJSON, err := json.Marshal(execution.NodeResults)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal node results: %w", err))
	}

	query := `
		INSERT INTO executions (
			id, workflow_id, status, cursor_node_id, context, node_results,
			scheduled_resume_at, trigger_depth, started_at, ended_at,
			error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cursor_node_id = EXCLUDED.cursor_node_id,
			context = EXCLUDED.context,
			node_results = EXCLUDED.node_results,
			scheduled_resume_at = EXCLUDED.scheduled_resume_at,
			trigger_depth = EXCLUDED.trigger_depth,
			ended_at = EXCLUDED.ended_at,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`

	_, err = er.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.Status,
		nullString(execution.CursorNodeID),
		contextJSON,
		resultsJSON,
		execution.ScheduledResumeAt,
		execution.TriggerDepth,
		execution.StartedAt,
		execution.EndedAt,
		nullString(execution.ErrorMessage),
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

const executionColumns = `
	id, workflow_id, status, cursor_node_id, context, node_results,
	scheduled_resume_at, trigger_depth, started_at, ended_at,
	error_message, created_at, updated_at
`

func (er *ExecutionRepository) ByID(ctx context.Context, id string) (*models.Execution, error) {
	row := er.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("ByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ByID", id, err)
	}

	return execution, nil
}

func (er *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	var (
		conditions []string
		args       []any
	)

	arg := func(value any) string {
		args = append(args, value)

		return "$" + strconv.Itoa(len(args))
	}

	if filter.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = "+arg(filter.WorkflowID))
	}

	if filter.Status != nil {
		conditions = append(conditions, "status = "+arg(*filter.Status))
	}

	if filter.StartedAfter != nil {
		conditions = append(conditions, "started_at >= "+arg(*filter.StartedAfter))
	}

	if filter.StartedBefore != nil {
		conditions = append(conditions, "started_at <= "+arg(*filter.StartedBefore))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := er.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return er.collect(ctx, rows)
}

// Claim is a compare-and-swap on the persisted status: the conditional
// UPDATE succeeds for exactly one concurrent worker.
func (er *ExecutionRepository) Claim(ctx context.Context, id string, from, to models.ExecutionStatus) (bool, error) {
	query := `UPDATE executions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`

	result, err := er.db.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, persistence.NewExecutionError("Claim", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewExecutionError("Claim", id, err)
	}

	return affected == 1, nil
}

func (er *ExecutionRepository) Due(ctx context.Context, now time.Time) ([]*models.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'waiting' AND scheduled_resume_at <= $1
		ORDER BY scheduled_resume_at
	`

	rows, err := er.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}

	return er.collect(ctx, rows)
}

func (er *ExecutionRepository) LastStartedAt(ctx context.Context, workflowID string) (*time.Time, error) {
	var last sql.NullTime

	query := `SELECT MAX(started_at) FROM executions WHERE workflow_id = $1`
	if err := er.db.QueryRowContext(ctx, query, workflowID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to query last execution start: %w", err)
	}

	if !last.Valid {
		return nil, nil
	}

	return &last.Time, nil
}

func (er *ExecutionRepository) CountStartedSince(ctx context.Context, workflowID string, since time.Time) (int, error) {
	var count int

	query := `SELECT COUNT(*) FROM executions WHERE workflow_id = $1 AND started_at >= $2`
	if err := er.db.QueryRowContext(ctx, query, workflowID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}

	return count, nil
}

func (er *ExecutionRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.Execution, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			er.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution    models.Execution
		cursorNodeID sql.NullString
		contextJSON  []byte
		resultsJSON  []byte
		resumeAt     sql.NullTime
		endedAt      sql.NullTime
		errorMessage sql.NullString
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.Status,
		&cursorNodeID,
		&contextJSON,
		&resultsJSON,
		&resumeAt,
		&execution.TriggerDepth,
		&execution.StartedAt,
		&endedAt,
		&errorMessage,
		&execution.CreatedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(contextJSON, &execution.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	if err := json.Unmarshal(resultsJSON, &execution.NodeResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node results: %w", err)
	}

	execution.CursorNodeID = cursorNodeID.String
	execution.ErrorMessage = errorMessage.String

	if resumeAt.Valid {
		execution.ScheduledResumeAt = &resumeAt.Time
	}

	if endedAt.Valid {
		execution.EndedAt = &endedAt.Time
	}

	return &execution, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
