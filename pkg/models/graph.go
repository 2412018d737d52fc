// Package models defines the core domain models for node-based workflow automation.
package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// NodeKind discriminates the tagged-union node payload. The runner
// dispatches on the kind; Data carries the kind-specific configuration.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindDelay     NodeKind = "delay"
	NodeKindBranch    NodeKind = "branch"
	NodeKindAction    NodeKind = "action"
)

// Edge labels. Condition nodes route on true/false, branch nodes on
// branch-<index>, everything else uses the default (possibly empty) label.
const (
	EdgeLabelTrue    = "true"
	EdgeLabelFalse   = "false"
	EdgeLabelDefault = "default"
)

// BranchEdgeLabel returns the label a branch node's outgoing edge must
// carry for the path at the given index.
func BranchEdgeLabel(index int) string {
	return fmt.Sprintf("branch-%d", index)
}

// Node is one vertex of an authored workflow graph.
type Node struct {
	ID   string         `json:"id"   validate:"required"`
	Kind NodeKind       `json:"kind" validate:"required,oneof=trigger condition delay branch action"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Edge is a directed connection between two nodes, optionally labeled with
// the outcome that selects it.
type Edge struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
	Label  string `json:"label,omitempty"`
}

// Graph is the node/edge structure produced by the authoring tool. It is
// persisted as JSON and validated before a workflow can be activated.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// TriggerNode returns the graph's trigger node, or nil. Validated graphs
// have exactly one.
func (g *Graph) TriggerNode() *Node {
	for _, node := range g.Nodes {
		if node.Kind == NodeKindTrigger {
			return node
		}
	}

	return nil
}

// NextNodes returns the nodes reachable from nodeID via edges whose label
// matches the outcome. An empty outcome matches unlabeled and "default"
// edges. An empty result is a normal terminal path, not an error.
func (g *Graph) NextNodes(nodeID, outcome string) []*Node {
	var next []*Node

	for _, edge := range g.Edges {
		if edge.Source != nodeID {
			continue
		}

		if !labelMatches(edge.Label, outcome) {
			continue
		}

		if target := g.NodeByID(edge.Target); target != nil {
			next = append(next, target)
		}
	}

	return next
}

func labelMatches(label, outcome string) bool {
	if outcome == "" || outcome == EdgeLabelDefault {
		return label == "" || label == EdgeLabelDefault
	}

	return label == outcome
}

// Kind-specific payloads. Node.Data is decoded on demand so the graph can
// be serialized and validated uniformly.

// TriggerData configures the graph's entry node.
type TriggerData struct {
	TriggerType string         `json:"trigger_type"`
	Conditions  []Condition    `json:"conditions,omitempty"`
	Logic       ConditionLogic `json:"logic,omitempty"`
}

// ConditionData configures a condition node.
type ConditionData struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// DelayUnit is the unit of a delay node's duration.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
)

// DelayData configures a delay node.
type DelayData struct {
	Duration int       `json:"duration"`
	Unit     DelayUnit `json:"unit"`
}

// Wait converts the configured duration into a time.Duration.
func (d DelayData) Wait() time.Duration {
	switch d.Unit {
	case DelayUnitMinutes:
		return time.Duration(d.Duration) * time.Minute
	case DelayUnitHours:
		return time.Duration(d.Duration) * time.Hour
	case DelayUnitDays:
		return time.Duration(d.Duration) * 24 * time.Hour
	default:
		return 0
	}
}

// BranchData configures a branch node: an ordered list of named paths that
// are executed concurrently.
type BranchData struct {
	Paths []string `json:"paths"`
}

// ActionData configures an action node.
type ActionData struct {
	ActionType ActionType     `json:"action_type"`
	Config     map[string]any `json:"config,omitempty"`
}

// ActionType identifies the side-effecting operation an action node performs.
type ActionType string

const (
	ActionSendEmail         ActionType = "send_email"
	ActionSendSMS           ActionType = "send_sms"
	ActionSendWhatsApp      ActionType = "send_whatsapp"
	ActionMakeCall          ActionType = "make_call"
	ActionWebhook           ActionType = "webhook"
	ActionCreateTask        ActionType = "create_task"
	ActionAssignResource    ActionType = "assign_resource"
	ActionInAppNotification ActionType = "in_app_notification"
	ActionTriggerWorkflow   ActionType = "trigger_workflow"
)

// TriggerData decodes the node's payload as trigger configuration.
func (n *Node) TriggerData() (*TriggerData, error) {
	data := &TriggerData{}
	if err := decodeNodeData(n, data); err != nil {
		return nil, err
	}

	if data.Logic == "" {
		data.Logic = LogicAnd
	}

	return data, nil
}

// ConditionData decodes the node's payload as condition configuration.
func (n *Node) ConditionData() (*ConditionData, error) {
	data := &ConditionData{}
	if err := decodeNodeData(n, data); err != nil {
		return nil, err
	}

	if !slices.Contains(KnownOperators, data.Operator) {
		return nil, fmt.Errorf("node %s: unknown operator %q", n.ID, data.Operator)
	}

	return data, nil
}

// DelayData decodes the node's payload as delay configuration.
func (n *Node) DelayData() (*DelayData, error) {
	data := &DelayData{}
	if err := decodeNodeData(n, data); err != nil {
		return nil, err
	}

	if data.Duration <= 0 {
		return nil, fmt.Errorf("node %s: delay duration must be positive, got %d", n.ID, data.Duration)
	}

	switch data.Unit {
	case DelayUnitMinutes, DelayUnitHours, DelayUnitDays:
	default:
		return nil, fmt.Errorf("node %s: invalid delay unit %q", n.ID, data.Unit)
	}

	return data, nil
}

// BranchData decodes the node's payload as branch configuration.
func (n *Node) BranchData() (*BranchData, error) {
	data := &BranchData{}
	if err := decodeNodeData(n, data); err != nil {
		return nil, err
	}

	if len(data.Paths) < 2 {
		return nil, fmt.Errorf("node %s: branch node requires at least 2 paths, got %d", n.ID, len(data.Paths))
	}

	return data, nil
}

// ActionData decodes the node's payload as action configuration.
func (n *Node) ActionData() (*ActionData, error) {
	data := &ActionData{}
	if err := decodeNodeData(n, data); err != nil {
		return nil, err
	}

	if data.ActionType == "" {
		return nil, fmt.Errorf("node %s: missing action_type", n.ID)
	}

	return data, nil
}

func decodeNodeData(n *Node, out any) error {
	raw, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("node %s: failed to encode data: %w", n.ID, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("node %s: invalid %s data: %w", n.ID, n.Kind, err)
	}

	return nil
}
