package diagram

import "github.com/rendis/stagehand/pkg/schema"

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindStep        NodeKind = "step"
	NodeKindExternal    NodeKind = "external"
	NodeKindFork        NodeKind = "fork"
	NodeKindRepeat      NodeKind = "repeat"
	NodeKindSubWorkflow NodeKind = "sub_workflow"
	NodeKindRollback    NodeKind = "rollback"
	NodeKindStart       NodeKind = "start"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // child graphs run by a sub-workflow step
}

// SubGraph holds the steps of a child graph.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node, taken from the newest
// instance bound to the step.
type StatusOverlay struct {
	Status     schema.ExecutionStatus
	Instances  int // instances bound to the step, >1 for fan-out and retries
	RetryCount int
	Error      string
}

// Edge represents a transition between two nodes. Label is empty for
// SUCCESS transitions.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  schema.TransitionKind
}
