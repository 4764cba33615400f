package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

const startID = "__start__"

// childGraphStep is implemented by steps that run a child graph.
type childGraphStep interface {
	ChildGraphID() string
}

// Build constructs a DiagramModel from a graph and, optionally, the
// instances of one execution over it. Each step is overlaid with the status
// of its newest instance.
func Build(g *graph.Graph, instances []*store.ExecutionInstance) (*DiagramModel, error) {
	if g == nil {
		return nil, fmt.Errorf("diagram: nil graph")
	}
	overlays := indexInstances(instances)

	nodes, edges, err := buildLevel(g, "", "", overlays, map[string]bool{})
	if err != nil {
		return nil, err
	}

	title := g.Name
	if title == "" {
		title = g.ID
	}
	return &DiagramModel{Title: title, Nodes: nodes, Edges: edges}, nil
}

// buildLevel renders one graph or child graph. prefix namespaces node ids
// so steps of different child graphs never collide. active holds the child
// graphs being expanded on the current path; a child graph that runs itself
// is drawn once.
func buildLevel(g *graph.Graph, childGraphID, prefix string, overlays map[overlayKey]*StatusOverlay, active map[string]bool) ([]*Node, []Edge, error) {
	active[childGraphID] = true
	defer delete(active, childGraphID)

	level := g
	if childGraphID != "" {
		child, ok := g.ChildGraph(childGraphID)
		if !ok {
			return nil, nil, fmt.Errorf("diagram: child graph %q not found", childGraphID)
		}
		level = child
	}

	initial, err := level.InitialStep("")
	if err != nil {
		return nil, nil, fmt.Errorf("diagram: %w", err)
	}

	start := &Node{ID: prefix + startID, Label: "Start", Kind: NodeKindStart}
	nodes := []*Node{start}
	edges := []Edge{{From: start.ID, To: nodeID(prefix, graph.KeyOf(initial)), Kind: schema.TransitionSuccess}}

	for _, step := range level.Steps() {
		key := graph.KeyOf(step)
		node := &Node{
			ID:     nodeID(prefix, key),
			Label:  nodeLabel(step),
			Kind:   kindOf(step),
			Status: overlays[overlayKey{childGraphID: childGraphID, step: key}],
		}
		if sub, ok := step.(childGraphStep); ok && expandable(g, sub.ChildGraphID(), active) {
			childNodes, childEdges, err := buildLevel(g, sub.ChildGraphID(), node.ID+".", overlays, active)
			if err != nil {
				return nil, nil, err
			}
			node.Children = append(node.Children, &SubGraph{
				Label: sub.ChildGraphID(),
				Nodes: childNodes,
				Edges: childEdges,
			})
		}
		nodes = append(nodes, node)
	}

	for _, t := range level.Transitions() {
		e := Edge{From: nodeID(prefix, t.From), To: nodeID(prefix, t.To), Kind: t.Kind}
		if t.Kind != schema.TransitionSuccess {
			e.Label = string(t.Kind)
		}
		edges = append(edges, e)
	}
	return nodes, edges, nil
}

// expandable reports whether a child graph exists and is not already being
// expanded. A missing child graph is drawn as a plain step, the engine ends
// such a step immediately.
func expandable(g *graph.Graph, childGraphID string, active map[string]bool) bool {
	if childGraphID == "" || active[childGraphID] {
		return false
	}
	_, ok := g.ChildGraph(childGraphID)
	return ok
}

type overlayKey struct {
	childGraphID string
	step         graph.StepKey
}

// indexInstances folds instances into one overlay per step. The newest
// instance decides the status.
func indexInstances(instances []*store.ExecutionInstance) map[overlayKey]*StatusOverlay {
	sorted := make([]*store.ExecutionInstance, len(instances))
	copy(sorted, instances)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make(map[overlayKey]*StatusOverlay)
	for _, inst := range sorted {
		k := overlayKey{childGraphID: inst.ChildGraphID, step: graph.StepKey{Name: inst.StepName, Rollback: inst.Rollback}}
		o, ok := out[k]
		if !ok {
			o = &StatusOverlay{}
			out[k] = o
		}
		o.Instances++
		o.Status = inst.Status
		o.RetryCount = inst.RetryCount
		o.Error = inst.ErrorMessage
	}
	return out
}

func nodeID(prefix string, k graph.StepKey) string {
	if k.Rollback {
		return prefix + k.Name + "__rollback"
	}
	return prefix + k.Name
}

func nodeLabel(step graph.Step) string {
	label := step.Name()
	if step.IsRollback() {
		label += " (rollback)"
	}
	return fmt.Sprintf("%s\n(%s)", label, step.Type())
}

func kindOf(step graph.Step) NodeKind {
	if step.IsRollback() {
		return NodeKindRollback
	}
	switch step.Type() {
	case graph.TypeFork:
		return NodeKindFork
	case graph.TypeRepeat:
		return NodeKindRepeat
	case graph.TypeSubWorkflow:
		return NodeKindSubWorkflow
	case graph.TypeExternal:
		return NodeKindExternal
	default:
		return NodeKindStep
	}
}

// firstLine returns the first line of a multi-line label.
func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
