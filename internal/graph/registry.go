package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stagehand/pkg/schema"
)

// Factory builds a Step from its node definition.
type Factory func(node schema.NodeDefinition) (Step, error)

// Registry maps step type identifiers to factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in step types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.factories[TypeNoop] = func(n schema.NodeDefinition) (Step, error) {
		return &NoopStep{BaseStep: NewBaseStep(n)}, nil
	}
	r.factories[TypeExternal] = func(n schema.NodeDefinition) (Step, error) {
		return &ExternalStep{BaseStep: NewBaseStep(n)}, nil
	}
	r.factories[TypeFork] = func(n schema.NodeDefinition) (Step, error) {
		return &ForkStep{BaseStep: NewBaseStep(n)}, nil
	}
	r.factories[TypeRepeat] = func(n schema.NodeDefinition) (Step, error) {
		s := &RepeatStep{BaseStep: NewBaseStep(n)}
		s.elementType, _ = n.Properties["element_type"].(string)
		return s, nil
	}
	r.factories[TypeSubWorkflow] = func(n schema.NodeDefinition) (Step, error) {
		if n.ChildGraphID == "" {
			return nil, fmt.Errorf("step %q: child_graph_id is required", n.Name)
		}
		return &SubWorkflowStep{BaseStep: NewBaseStep(n), childGraphID: n.ChildGraphID}, nil
	}
}

// Register adds or replaces the factory for a step type.
func (r *Registry) Register(stepType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stepType] = f
}

// Create builds a step for node. Unknown types fail with a GRAPH_BUILD_ERROR.
func (r *Registry) Create(node schema.NodeDefinition) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[node.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewGraphBuildError(schema.ReasonUnknownStepType,
			"unknown step type %q", node.Type).WithStep(node.Name)
	}
	step, err := f(node)
	if err != nil {
		return nil, schema.NewGraphBuildError(schema.ReasonInvalidDefinition, "%s", err.Error()).
			WithStep(node.Name).WithCause(err)
	}
	return step, nil
}

// Types lists the registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
