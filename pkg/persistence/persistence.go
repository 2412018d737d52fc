// Package persistence provides the storage abstraction for workflow
// definitions and execution state.
package persistence

import (
	"context"
	"time"

	"github.com/acadio/automation/pkg/models"
)

// ExecutionFilter narrows execution listings for the query surface.
type ExecutionFilter struct {
	WorkflowID    string
	Status        *models.ExecutionStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	ByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context) ([]*models.Workflow, error)

	// ActiveByTriggerType returns active workflows listening for the
	// given trigger type.
	ActiveByTriggerType(ctx context.Context, triggerType string) ([]*models.Workflow, error)

	Delete(ctx context.Context, id string) error
}

type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.Execution) error
	ByID(ctx context.Context, id string) (*models.Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)

	// Claim atomically moves an execution from one status to another.
	// It reports false when another worker won the race; losing a claim
	// is not an error.
	Claim(ctx context.Context, id string, from, to models.ExecutionStatus) (bool, error)

	// Due returns waiting executions whose scheduled resume time is at or
	// before now.
	Due(ctx context.Context, now time.Time) ([]*models.Execution, error)

	// LastStartedAt returns the most recent execution start for a
	// workflow, or nil when it has never run.
	LastStartedAt(ctx context.Context, workflowID string) (*time.Time, error)

	// CountStartedSince counts executions of a workflow started at or
	// after the given instant.
	CountStartedSince(ctx context.Context, workflowID string, since time.Time) (int, error)
}

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository

	// WithWorkflowLock runs fn inside a per-workflow critical section.
	// The rate limiter's admission check and the subsequent execution
	// insert happen under this lock so a burst of simultaneous triggers
	// cannot exceed the daily cap.
	WithWorkflowLock(ctx context.Context, workflowID string, fn func(ctx context.Context) error) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
