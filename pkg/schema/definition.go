package schema

// GraphDefinition is the serializable form of a workflow graph.
// It is loaded from JSON or YAML and turned into a graph by the builder.
type GraphDefinition struct {
	ID          string                      `json:"id" yaml:"id"`
	Name        string                      `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes       []NodeDefinition            `json:"nodes" yaml:"nodes"`
	Edges       []EdgeDefinition            `json:"edges,omitempty" yaml:"edges,omitempty"`
	ChildGraphs map[string]*GraphDefinition `json:"child_graphs,omitempty" yaml:"child_graphs,omitempty"`
}

// NodeDefinition describes one step of a graph.
type NodeDefinition struct {
	Name                       string         `json:"name" yaml:"name"`
	Type                       string         `json:"type" yaml:"type"`
	Origin                     bool           `json:"origin,omitempty" yaml:"origin,omitempty"`
	Rollback                   bool           `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	TimeoutMillis              *int64         `json:"timeout_millis,omitempty" yaml:"timeout_millis,omitempty"`
	WaitIntervalSeconds        int            `json:"wait_interval_seconds,omitempty" yaml:"wait_interval_seconds,omitempty"`
	RequiredContextElementType string         `json:"required_context_element_type,omitempty" yaml:"required_context_element_type,omitempty"`
	ChildGraphID               string         `json:"child_graph_id,omitempty" yaml:"child_graph_id,omitempty"`
	SkipCondition              string         `json:"skip_condition,omitempty" yaml:"skip_condition,omitempty"`
	Properties                 map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// EdgeDefinition describes one transition between two steps.
// The rollback flags pick the rollback variant of a step name shared by a
// rollback and a non-rollback step.
type EdgeDefinition struct {
	From         string         `json:"from" yaml:"from"`
	To           string         `json:"to" yaml:"to"`
	Kind         TransitionKind `json:"kind" yaml:"kind"`
	FromRollback bool           `json:"from_rollback,omitempty" yaml:"from_rollback,omitempty"`
	ToRollback   bool           `json:"to_rollback,omitempty" yaml:"to_rollback,omitempty"`
}
