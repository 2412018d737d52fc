package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

// ExecutionRepository stores executions as JSON files.
type ExecutionRepository struct {
	persistence *Persistence
}

func (er *ExecutionRepository) dir() string {
	return filepath.Join(er.persistence.root, "executions")
}

func (er *ExecutionRepository) path(id string) string {
	return filepath.Join(er.dir(), id+".json")
}

func (er *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	er.persistence.mu.Lock()
	defer er.persistence.mu.Unlock()

	return er.write(execution)
}

func (er *ExecutionRepository) write(execution *models.Execution) error {
	if err := validateID(execution.ID); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	if err := ensureDir(er.dir()); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	if err := os.WriteFile(er.path(execution.ID), data, 0o644); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) ByID(ctx context.Context, id string) (*models.Execution, error) {
	er.persistence.mu.RLock()
	defer er.persistence.mu.RUnlock()

	return er.readByID(id)
}

func (er *ExecutionRepository) readByID(id string) (*models.Execution, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewExecutionError("ByID", id, err)
	}

	data, err := os.ReadFile(er.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewExecutionError("ByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("ByID", id, err)
	}

	execution := &models.Execution{}
	if err := json.Unmarshal(data, execution); err != nil {
		return nil, persistence.NewExecutionError("ByID", id, fmt.Errorf("corrupt execution file: %w", err))
	}

	return execution, nil
}

func (er *ExecutionRepository) readAll() ([]*models.Execution, error) {
	if _, err := os.Stat(er.dir()); os.IsNotExist(err) {
		return []*models.Execution{}, nil
	}

	files, err := fs.Glob(os.DirFS(er.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.Execution, 0, len(files))

	for _, file := range files {
		execution, err := er.readByID(strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

func (er *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	er.persistence.mu.RLock()
	defer er.persistence.mu.RUnlock()

	all, err := er.readAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Execution, 0, len(all))

	for _, execution := range all {
		if filter.WorkflowID != "" && execution.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.Status != nil && execution.Status != *filter.Status {
			continue
		}

		if filter.StartedAfter != nil && execution.StartedAt.Before(*filter.StartedAfter) {
			continue
		}

		if filter.StartedBefore != nil && execution.StartedAt.After(*filter.StartedBefore) {
			continue
		}

		filtered = append(filtered, execution)
	}

	// Newest first, matching the postgresql backend's ordering.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(filtered) {
			return []*models.Execution{}, nil
		}

		filtered = filtered[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(filtered) {
		filtered = filtered[:filter.Limit]
	}

	return filtered, nil
}

// Claim compare-and-swaps the execution status. The whole read-check-write
// runs under the store lock, which is the single-process equivalent of the
// postgresql backend's conditional UPDATE.
func (er *ExecutionRepository) Claim(ctx context.Context, id string, from, to models.ExecutionStatus) (bool, error) {
	er.persistence.mu.Lock()
	defer er.persistence.mu.Unlock()

	execution, err := er.readByID(id)
	if err != nil {
		return false, err
	}

	if execution.Status != from {
		return false, nil
	}

	execution.Status = to
	execution.UpdatedAt = time.Now().UTC()

	if err := er.write(execution); err != nil {
		return false, err
	}

	return true, nil
}

func (er *ExecutionRepository) Due(ctx context.Context, now time.Time) ([]*models.Execution, error) {
	er.persistence.mu.RLock()
	defer er.persistence.mu.RUnlock()

	all, err := er.readAll()
	if err != nil {
		return nil, err
	}

	due := make([]*models.Execution, 0)

	for _, execution := range all {
		if execution.Status != models.ExecutionStatusWaiting || execution.ScheduledResumeAt == nil {
			continue
		}

		if !execution.ScheduledResumeAt.After(now) {
			due = append(due, execution)
		}
	}

	return due, nil
}

func (er *ExecutionRepository) LastStartedAt(ctx context.Context, workflowID string) (*time.Time, error) {
	er.persistence.mu.RLock()
	defer er.persistence.mu.RUnlock()

	all, err := er.readAll()
	if err != nil {
		return nil, err
	}

	var last *time.Time

	for _, execution := range all {
		if execution.WorkflowID != workflowID {
			continue
		}

		if last == nil || execution.StartedAt.After(*last) {
			started := execution.StartedAt
			last = &started
		}
	}

	return last, nil
}

func (er *ExecutionRepository) CountStartedSince(ctx context.Context, workflowID string, since time.Time) (int, error) {
	er.persistence.mu.RLock()
	defer er.persistence.mu.RUnlock()

	all, err := er.readAll()
	if err != nil {
		return 0, err
	}

	count := 0

	for _, execution := range all {
		if execution.WorkflowID == workflowID && !execution.StartedAt.Before(since) {
			count++
		}
	}

	return count, nil
}
