package models

import (
	"errors"
	"fmt"
)

// Structural graph error kinds. Malformed graphs are rejected at validation
// time and never reach execution.
var (
	ErrNoTriggerNode     = errors.New("graph must contain exactly one trigger node")
	ErrMultipleTriggers  = errors.New("graph contains more than one trigger node")
	ErrTriggerHasInbound = errors.New("trigger node must not have inbound edges")
	ErrDuplicateNodeID   = errors.New("duplicate node id")
	ErrDanglingEdge      = errors.New("edge references unknown node")
	ErrCyclicGraph       = errors.New("graph contains a cycle")
	ErrUnreachableNode   = errors.New("node is not reachable from the trigger")
	ErrInvalidFanOut     = errors.New("invalid node fan-out")
	ErrDelayInsideBranch = errors.New("delay node inside a branch path")
)

// GraphError wraps a structural validation failure with the offending node
// or edge context.
type GraphError struct {
	NodeID string
	Detail string
	Err    error
}

func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("invalid graph at node %s: %v: %s", e.NodeID, e.Err, e.Detail)
	}

	return fmt.Sprintf("invalid graph: %v: %s", e.Err, e.Detail)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func (e *GraphError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func graphErr(nodeID string, err error, format string, args ...any) *GraphError {
	return &GraphError{NodeID: nodeID, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks the structural invariants of an authored graph: exactly
// one trigger with no inbound edges, all edges resolve to existing nodes,
// per-kind fan-out rules hold, and the whole graph is an acyclic structure
// reachable from the trigger.
func (g *Graph) Validate() error {
	nodes := make(map[string]*Node, len(g.Nodes))

	var trigger *Node

	for _, node := range g.Nodes {
		if _, exists := nodes[node.ID]; exists {
			return graphErr(node.ID, ErrDuplicateNodeID, "id %q used by more than one node", node.ID)
		}

		nodes[node.ID] = node

		if node.Kind == NodeKindTrigger {
			if trigger != nil {
				return graphErr(node.ID, ErrMultipleTriggers, "trigger already declared by node %s", trigger.ID)
			}

			trigger = node
		}
	}

	if trigger == nil {
		return graphErr("", ErrNoTriggerNode, "%d nodes, none of kind trigger", len(g.Nodes))
	}

	outgoing := make(map[string][]*Edge, len(g.Nodes))

	for _, edge := range g.Edges {
		if _, ok := nodes[edge.Source]; !ok {
			return graphErr(edge.Source, ErrDanglingEdge, "edge source %q does not exist", edge.Source)
		}

		if _, ok := nodes[edge.Target]; !ok {
			return graphErr(edge.Target, ErrDanglingEdge, "edge target %q does not exist", edge.Target)
		}

		if edge.Target == trigger.ID {
			return graphErr(trigger.ID, ErrTriggerHasInbound, "edge from %s targets the trigger", edge.Source)
		}

		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
	}

	for _, node := range g.Nodes {
		if err := validateFanOut(node, outgoing[node.ID]); err != nil {
			return err
		}
	}

	if err := g.checkReachableDAG(trigger, nodes, outgoing); err != nil {
		return err
	}

	return g.checkNoDelayInsideBranch(nodes, outgoing)
}

// checkNoDelayInsideBranch rejects delay nodes reachable from a branch
// node. An execution suspends as a whole, with a single cursor; a delay on
// one concurrent path cannot be represented.
func (g *Graph) checkNoDelayInsideBranch(nodes map[string]*Node, outgoing map[string][]*Edge) error {
	for _, node := range g.Nodes {
		if node.Kind != NodeKindBranch {
			continue
		}

		seen := make(map[string]bool, len(nodes))

		var visit func(id string) error

		visit = func(id string) error {
			if seen[id] {
				return nil
			}

			seen[id] = true

			if nodes[id].Kind == NodeKindDelay {
				return graphErr(id, ErrDelayInsideBranch,
					"delay node %s is reachable from branch node %s", id, node.ID)
			}

			for _, edge := range outgoing[id] {
				if err := visit(edge.Target); err != nil {
					return err
				}
			}

			return nil
		}

		for _, edge := range outgoing[node.ID] {
			if err := visit(edge.Target); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateFanOut(node *Node, edges []*Edge) error {
	switch node.Kind {
	case NodeKindCondition:
		if _, err := node.ConditionData(); err != nil {
			return graphErr(node.ID, ErrInvalidFanOut, "%v", err)
		}

		labels := edgeLabels(edges)
		if len(edges) != 2 || !labels[EdgeLabelTrue] || !labels[EdgeLabelFalse] {
			return graphErr(node.ID, ErrInvalidFanOut,
				"condition node requires exactly two outgoing edges labeled true and false, got %d", len(edges))
		}

	case NodeKindBranch:
		data, err := node.BranchData()
		if err != nil {
			return graphErr(node.ID, ErrInvalidFanOut, "%v", err)
		}

		labels := edgeLabels(edges)
		if len(edges) != len(data.Paths) {
			return graphErr(node.ID, ErrInvalidFanOut,
				"branch node declares %d paths but has %d outgoing edges", len(data.Paths), len(edges))
		}

		for i := range data.Paths {
			if !labels[BranchEdgeLabel(i)] {
				return graphErr(node.ID, ErrInvalidFanOut, "missing outgoing edge labeled %s", BranchEdgeLabel(i))
			}
		}

	case NodeKindTrigger, NodeKindDelay, NodeKindAction:
		if len(edges) > 1 {
			return graphErr(node.ID, ErrInvalidFanOut,
				"%s node may have at most one outgoing edge, got %d", node.Kind, len(edges))
		}

		if len(edges) == 1 && edges[0].Label != "" && edges[0].Label != EdgeLabelDefault {
			return graphErr(node.ID, ErrInvalidFanOut,
				"%s node edge must be unlabeled or default, got %q", node.Kind, edges[0].Label)
		}

	default:
		return graphErr(node.ID, ErrInvalidFanOut, "unknown node kind %q", node.Kind)
	}

	return nil
}

func edgeLabels(edges []*Edge) map[string]bool {
	labels := make(map[string]bool, len(edges))
	for _, edge := range edges {
		labels[edge.Label] = true
	}

	return labels
}

const (
	colorUnvisited = iota
	colorInProgress
	colorDone
)

// checkReachableDAG runs a depth-first traversal from the trigger, failing
// on back edges (cycles) and on nodes the traversal never reaches.
func (g *Graph) checkReachableDAG(trigger *Node, nodes map[string]*Node, outgoing map[string][]*Edge) error {
	colors := make(map[string]int, len(nodes))

	var visit func(id string) error

	visit = func(id string) error {
		switch colors[id] {
		case colorInProgress:
			return graphErr(id, ErrCyclicGraph, "node %s is part of a cycle", id)
		case colorDone:
			return nil
		}

		colors[id] = colorInProgress

		for _, edge := range outgoing[id] {
			if err := visit(edge.Target); err != nil {
				return err
			}
		}

		colors[id] = colorDone

		return nil
	}

	if err := visit(trigger.ID); err != nil {
		return err
	}

	for id := range nodes {
		if colors[id] != colorDone {
			return graphErr(id, ErrUnreachableNode, "no path from trigger %s to node %s", trigger.ID, id)
		}
	}

	return nil
}
