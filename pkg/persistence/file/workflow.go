package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/acadio/automation/pkg/models"
	"github.com/acadio/automation/pkg/persistence"
)

// WorkflowRepository stores workflow definitions as JSON files.
type WorkflowRepository struct {
	persistence *Persistence
}

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.persistence.root, "workflows")
}

func (wr *WorkflowRepository) path(id string) string {
	return filepath.Join(wr.dir(), id+".json")
}

func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return errors.New("id contains invalid characters")
	}

	return nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (wr *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	wr.persistence.mu.Lock()
	defer wr.persistence.mu.Unlock()

	if err := validateID(workflow.ID); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	if err := ensureDir(wr.dir()); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	if err := os.WriteFile(wr.path(workflow.ID), data, 0o644); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) ByID(ctx context.Context, id string) (*models.Workflow, error) {
	wr.persistence.mu.RLock()
	defer wr.persistence.mu.RUnlock()

	return wr.readByID(id)
}

func (wr *WorkflowRepository) readByID(id string) (*models.Workflow, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewWorkflowError("ByID", id, err)
	}

	data, err := os.ReadFile(wr.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewWorkflowError("ByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("ByID", id, err)
	}

	workflow := &models.Workflow{}
	if err := json.Unmarshal(data, workflow); err != nil {
		return nil, persistence.NewWorkflowError("ByID", id, fmt.Errorf("corrupt workflow file: %w", err))
	}

	return workflow, nil
}

func (wr *WorkflowRepository) List(ctx context.Context) ([]*models.Workflow, error) {
	wr.persistence.mu.RLock()
	defer wr.persistence.mu.RUnlock()

	return wr.readAll()
}

func (wr *WorkflowRepository) readAll() ([]*models.Workflow, error) {
	if _, err := os.Stat(wr.dir()); os.IsNotExist(err) {
		return []*models.Workflow{}, nil
	}

	files, err := fs.Glob(os.DirFS(wr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(files))

	for _, file := range files {
		workflow, err := wr.readByID(strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (wr *WorkflowRepository) ActiveByTriggerType(ctx context.Context, triggerType string) ([]*models.Workflow, error) {
	wr.persistence.mu.RLock()
	defer wr.persistence.mu.RUnlock()

	all, err := wr.readAll()
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Workflow, 0)

	for _, workflow := range all {
		if workflow.IsExecutable() && workflow.TriggerType == triggerType {
			matched = append(matched, workflow)
		}
	}

	return matched, nil
}

func (wr *WorkflowRepository) Delete(ctx context.Context, id string) error {
	wr.persistence.mu.Lock()
	defer wr.persistence.mu.Unlock()

	if err := validateID(id); err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if err := os.Remove(wr.path(id)); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}
