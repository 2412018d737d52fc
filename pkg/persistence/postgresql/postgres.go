// Package postgresql provides PostgreSQL-backed persistence for workflows
// and executions.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/acadio/automation/pkg/persistence"
	"github.com/acadio/automation/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
}

// NewPersistence connects, migrates, and returns a ready persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	p := &Persistence{
		db:     database,
		logger: logger.With("component", "postgres_persistence"),
	}
	p.workflowRepo = &WorkflowRepository{db: database, logger: p.logger}
	p.executionRepo = &ExecutionRepository{db: database, logger: p.logger}

	logger.InfoContext(ctx, "PostgreSQL persistence initialized")

	return p, nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

// WithWorkflowLock holds a session-level advisory lock keyed by the
// workflow id for the duration of fn. This is the cross-process critical
// section backing rate-limit admission.
func (p *Persistence) WithWorkflowLock(ctx context.Context, workflowID string, fn func(ctx context.Context) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for workflow lock: %w", err)
	}

	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			p.logger.ErrorContext(ctx, "failed to release lock connection", "error", closeErr)
		}
	}()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock(hashtext($1))", workflowID); err != nil {
		return fmt.Errorf("failed to acquire workflow lock: %w", err)
	}

	defer func() {
		if _, unlockErr := conn.ExecContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", workflowID); unlockErr != nil {
			p.logger.ErrorContext(ctx, "failed to release workflow lock", "workflow_id", workflowID, "error", unlockErr)
		}
	}()

	return fn(ctx)
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Persistence) Close(_ context.Context) error {
	return p.db.Close()
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				trigger_type TEXT NOT NULL,
				trigger_conditions JSONB NOT NULL DEFAULT '[]',
				logic TEXT NOT NULL DEFAULT 'and',
				cooldown_minutes INTEGER NOT NULL DEFAULT 0,
				max_executions_per_day INTEGER NOT NULL DEFAULT 0,
				graph JSONB NOT NULL,
				owner TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_trigger_type
				ON workflows (trigger_type) WHERE status = 'active';

			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				status TEXT NOT NULL,
				cursor_node_id TEXT,
				context JSONB NOT NULL DEFAULT '{}',
				node_results JSONB NOT NULL DEFAULT '{}',
				scheduled_resume_at TIMESTAMP WITH TIME ZONE,
				trigger_depth INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_executions_workflow_started
				ON executions (workflow_id, started_at DESC);

			CREATE INDEX IF NOT EXISTS idx_executions_due
				ON executions (scheduled_resume_at) WHERE status = 'waiting';
		`,
	}
}
