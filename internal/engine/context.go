package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rendis/stagehand/internal/expressions"
	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
)

// ContextElementsKey is the StateData key under which a step publishes
// context elements for later steps to iterate.
const ContextElementsKey = "context_elements"

// ExecutionContext is the view of one persisted instance handed to steps.
// It implements graph.ExecutionContext.
type ExecutionContext struct {
	ctx      context.Context
	inst     *store.ExecutionInstance
	graph    *graph.Graph
	renderer *expressions.Renderer
	jq       *expressions.GoJQEngine
}

var _ graph.ExecutionContext = (*ExecutionContext)(nil)

func newExecutionContext(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph,
	renderer *expressions.Renderer, jq *expressions.GoJQEngine) *ExecutionContext {
	return &ExecutionContext{ctx: ctx, inst: inst, graph: g, renderer: renderer, jq: jq}
}

func (c *ExecutionContext) ExecutionID() string                 { return c.inst.ExecutionID }
func (c *ExecutionContext) InstanceID() string                  { return c.inst.ID }
func (c *ExecutionContext) Instance() *store.ExecutionInstance { return c.inst }

// Graph returns the graph the instance runs in.
func (c *ExecutionContext) Graph() *graph.Graph { return c.graph }

// RenderExpression expands ${...} spans against the instance scope.
func (c *ExecutionContext) RenderExpression(expr string) (string, error) {
	return c.renderer.Render(c.ctx, expr, expressions.ScopeOf(c.inst))
}

// QueryStateData runs a jq filter over the accumulated step outputs, keyed
// by display name.
func (c *ExecutionContext) QueryStateData(filter string) (any, error) {
	scope := expressions.ScopeOf(c.inst)
	state, _ := scope[expressions.VarState].(map[string]any)
	return c.jq.Evaluate(c.ctx, filter, state)
}

func (c *ExecutionContext) ContextElement(elementType string) (store.ContextElement, bool) {
	return c.inst.ContextElement(elementType)
}

// ContextElements lists the elements of a type on the context stack, then
// those published by earlier steps, deduplicated by uuid.
func (c *ExecutionContext) ContextElements(elementType string) []store.ContextElement {
	var out []store.ContextElement
	seen := make(map[string]struct{})
	add := func(el store.ContextElement) {
		if el.Type != elementType {
			return
		}
		if el.UUID != "" {
			if _, dup := seen[el.UUID]; dup {
				return
			}
			seen[el.UUID] = struct{}{}
		}
		out = append(out, el)
	}
	for _, el := range c.inst.ContextElements {
		add(el)
	}
	names := make([]string, 0, len(c.inst.StateData))
	for name := range c.inst.StateData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, el := range publishedElements(c.inst.StateData[name].Data[ContextElementsKey]) {
			add(el)
		}
	}
	return out
}

// publishedElements decodes elements a step left in its output data. They
// arrive as typed values in memory or as generic maps after a store round
// trip.
func publishedElements(v any) []store.ContextElement {
	switch els := v.(type) {
	case nil:
		return nil
	case []store.ContextElement:
		return els
	default:
		b, err := json.Marshal(els)
		if err != nil {
			return nil
		}
		var out []store.ContextElement
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}
