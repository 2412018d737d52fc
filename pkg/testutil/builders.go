// Package testutil provides test data builders shared across packages.
package testutil

import (
	"github.com/google/uuid"

	"github.com/acadio/automation/pkg/models"
)

// CreateTestWorkflow builds an active workflow with a minimal valid graph.
// Overrides mutate the defaults.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	wf := &models.Workflow{
		ID:             "wf-" + uuid.New().String()[:8],
		OrganizationID: "org-1",
		Name:           "Test Workflow",
		Status:         models.WorkflowStatusActive,
		TriggerType:    "metric_threshold",
		Graph:          LinearGraph("trigger-1"),
	}

	for _, override := range overrides {
		override(wf)
	}

	return wf
}

// LinearGraph builds trigger -> action chains. The first id is the trigger
// node; each following id becomes a webhook action node linked in order.
func LinearGraph(ids ...string) *models.Graph {
	graph := &models.Graph{}

	for i, id := range ids {
		kind := models.NodeKindAction
		data := map[string]any{
			"action_type": "webhook",
			"config":      map[string]any{"url": "https://example.com/hook"},
		}

		if i == 0 {
			kind = models.NodeKindTrigger
			data = map[string]any{"trigger_type": "metric_threshold"}
		}

		graph.Nodes = append(graph.Nodes, &models.Node{ID: id, Kind: kind, Data: data})

		if i > 0 {
			graph.Edges = append(graph.Edges, &models.Edge{Source: ids[i-1], Target: id})
		}
	}

	return graph
}

// ConditionNode builds a condition node comparing a context field.
func ConditionNode(id, field string, operator models.ConditionOperator, value any) *models.Node {
	return &models.Node{
		ID:   id,
		Kind: models.NodeKindCondition,
		Data: map[string]any{
			"field":    field,
			"operator": string(operator),
			"value":    value,
		},
	}
}

// DelayNode builds a delay node with the given duration.
func DelayNode(id string, duration int, unit models.DelayUnit) *models.Node {
	return &models.Node{
		ID:   id,
		Kind: models.NodeKindDelay,
		Data: map[string]any{
			"duration": duration,
			"unit":     string(unit),
		},
	}
}

// ActionNode builds an action node of the given type.
func ActionNode(id string, actionType models.ActionType, config map[string]any) *models.Node {
	return &models.Node{
		ID:   id,
		Kind: models.NodeKindAction,
		Data: map[string]any{
			"action_type": string(actionType),
			"config":      config,
		},
	}
}

// BranchNode builds a branch node with n concurrent paths.
func BranchNode(id string, paths ...string) *models.Node {
	return &models.Node{
		ID:   id,
		Kind: models.NodeKindBranch,
		Data: map[string]any{"paths": paths},
	}
}
