package graph

import (
	"sort"

	"github.com/rendis/stagehand/pkg/schema"
)

// Build constructs and validates a graph from its definition. Child graphs
// are built recursively with the same registry.
func Build(def *schema.GraphDefinition, reg *Registry) (*Graph, error) {
	if def == nil {
		return nil, schema.NewGraphBuildError(schema.ReasonInvalidDefinition, "graph definition is nil")
	}
	g := New(def.ID)
	g.Name = def.Name

	origins := 0
	for _, node := range def.Nodes {
		step, err := reg.Create(node)
		if err != nil {
			return nil, err
		}
		g.steps = append(g.steps, step)
		if node.Origin {
			origins++
			g.initial = KeyOf(step)
			g.hasInitial = true
		}
	}
	switch {
	case origins == 0:
		return nil, schema.NewGraphBuildError(schema.ReasonMissingOrigin, "graph %s: no step is marked origin", def.ID)
	case origins > 1:
		return nil, schema.NewGraphBuildError(schema.ReasonDuplicateOrigin, "graph %s: %d steps are marked origin", def.ID, origins)
	}

	for _, e := range def.Edges {
		g.transitions = append(g.transitions, Transition{
			From: StepKey{Name: e.From, Rollback: e.FromRollback},
			To:   StepKey{Name: e.To, Rollback: e.ToRollback},
			Kind: e.Kind,
		})
	}

	ids := make([]string, 0, len(def.ChildGraphs))
	for id := range def.ChildGraphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cd := *def.ChildGraphs[id]
		if cd.ID == "" {
			cd.ID = id
		}
		child, err := Build(&cd, reg)
		if err != nil {
			return nil, wrapChildError(id, err)
		}
		g.children[id] = child
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
