package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	conditionsJSON, err := json.Marshal(workflow.TriggerConditions)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to marshal trigger conditions: %w", err))
	}

	graphJSON, err := json.Marshal(workflow.Graph)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to marshal graph: %w", err))
	}

	query := `
		INSERT INTO workflows (
			id, organization_id, name, status, trigger_type, trigger_conditions,
			logic, cooldown_minutes, max_executions_per_day, graph, owner,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			trigger_type = EXCLUDED.trigger_type,
			trigger_conditions = EXCLUDED.trigger_conditions,
			logic = EXCLUDED.logic,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			max_executions_per_day = EXCLUDED.max_executions_per_day,
			graph = EXCLUDED.graph,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at
	`

	_, err = wr.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.OrganizationID,
		workflow.Name,
		workflow.Status,
		workflow.TriggerType,
		conditionsJSON,
		workflow.ConditionLogicOrDefault(),
		workflow.CooldownMinutes,
		workflow.MaxExecutionsPerDay,
		graphJSON,
		workflow.Owner,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

const workflowColumns = `
	id, organization_id, name, status, trigger_type, trigger_conditions,
	logic, cooldown_minutes, max_executions_per_day, graph, owner,
	created_at, updated_at
`

func (wr *WorkflowRepository) ByID(ctx context.Context, id string) (*models.Workflow, error) {
	row := wr.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)

	workflow, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("ByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("ByID", id, err)
	}

	return workflow, nil
}

func (wr *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := wr.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	return wr.collect(ctx, rows)
}

func (wr *WorkflowRepository) ActiveByTriggerType(ctx context.Context, triggerType string) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE status = 'active' AND trigger_type = $1`

	rows, err := wr.db.QueryContext(ctx, query, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows by trigger type: %w", err)
	}

	return wr.collect(ctx, rows)
}

func (wr *WorkflowRepository) collect(ctx context.Context, rows *sql.Rows) ([]*models.Workflow, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			wr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var workflows []*models.Workflow

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (wr *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := wr.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow       models.Workflow
		conditionsJSON []byte
		graphJSON      []byte
		owner          sql.NullString
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.OrganizationID,
		&workflow.Name,
		&workflow.Status,
		&workflow.TriggerType,
		&conditionsJSON,
		&workflow.Logic,
		&workflow.CooldownMinutes,
		&workflow.MaxExecutionsPerDay,
		&graphJSON,
		&owner,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditionsJSON, &workflow.TriggerConditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
	}

	workflow.Graph = &models.Graph{}
	if err := json.Unmarshal(graphJSON, workflow.Graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}

	workflow.Owner = owner.String

	return &workflow, nil
}
