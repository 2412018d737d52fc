// Package file provides file-based persistence for workflows and
// executions. It is the development and test backend; production deploys
// use the postgresql package. State lives as one JSON document per entity
// under the root directory, guarded by an in-process lock, so claim and
// admission semantics hold for a single process.
package file

import (
	"context"
	"strings"
	"sync"

	"github.com/acadio/automation/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
type Persistence struct {
	root          string
	mu            sync.RWMutex
	workflowMu    sync.Mutex
	workflowLocks map[string]*sync.Mutex
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{
		root:          cleanRoot,
		workflowLocks: make(map[string]*sync.Mutex),
	}
	p.workflowRepo = &WorkflowRepository{persistence: p}
	p.executionRepo = &ExecutionRepository{persistence: p}

	return p
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

// WithWorkflowLock serializes admission for one workflow within this
// process.
func (p *Persistence) WithWorkflowLock(ctx context.Context, workflowID string, fn func(ctx context.Context) error) error {
	p.workflowMu.Lock()

	lock, ok := p.workflowLocks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		p.workflowLocks[workflowID] = lock
	}
	p.workflowMu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	return fn(ctx)
}

// HealthCheck verifies the root directory is usable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return ensureDir(p.root)
}

// Close performs any necessary cleanup. Nothing to release for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}
