package graph

import (
	"strconv"

	"github.com/rendis/stagehand/pkg/schema"
)

// InsertAutomaticRepeaters puts a Repeat step in front of every step whose
// required context element type is not guaranteed on all paths reaching it.
// available lists element types the execution starts with.
//
// The synthesized repeater takes over the incoming edges and the SUCCESS and
// FAILURE edges of the step it wraps, so each repeated child ends after the
// wrapped step and the repeater continues the flow once all children finish.
// It returns the number of repeaters inserted across the graph and its
// child graphs.
func (g *Graph) InsertAutomaticRepeaters(available ...string) (int, error) {
	if _, err := g.TransitionFlowMap(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	order := g.firstAppearanceOrder()
	avail := g.guaranteedContexts(order, available)

	inserted := 0
	for _, k := range order {
		s := g.stepsByKey[k]
		required := s.RequiredContextElementType()
		if required == "" || s.Type() == TypeRepeat {
			continue
		}
		if _, ok := avail[k][required]; ok {
			continue
		}
		g.wrapWithRepeater(s, required)
		inserted++
	}
	if inserted > 0 {
		g.invalidate()
	}
	children := make([]*Graph, 0, len(g.children))
	for _, c := range g.children {
		children = append(children, c)
	}
	g.mu.Unlock()

	if err := g.Validate(); err != nil {
		return inserted, err
	}
	for _, c := range children {
		n, err := c.InsertAutomaticRepeaters(available...)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// firstAppearanceOrder walks the graph depth-first from the origin and
// returns steps in the order they are first reached. Caller holds g.mu.
func (g *Graph) firstAppearanceOrder() []StepKey {
	seen := make(map[StepKey]bool, len(g.steps))
	var order []StepKey
	var visit func(k StepKey)
	visit = func(k StepKey) {
		if seen[k] {
			return
		}
		seen[k] = true
		order = append(order, k)
		for _, t := range g.transitions {
			if t.From == k {
				visit(t.To)
			}
		}
	}
	visit(g.initial)
	return order
}

// guaranteedContexts computes, for each reachable step, the element types
// present on every path from the origin. Sets only shrink, so the
// iteration reaches a fixpoint. Caller holds g.mu.
func (g *Graph) guaranteedContexts(order []StepKey, available []string) map[StepKey]map[string]struct{} {
	avail := make(map[StepKey]map[string]struct{}, len(order))
	start := make(map[string]struct{}, len(available))
	for _, a := range available {
		start[a] = struct{}{}
	}
	avail[g.initial] = start

	for changed := true; changed; {
		changed = false
		for _, k := range order {
			from, ok := avail[k]
			if !ok {
				continue
			}
			for _, t := range g.transitions {
				if t.From != k {
					continue
				}
				carried := copySet(from)
				if t.Kind == schema.TransitionRepeat {
					if rs, ok := g.stepsByKey[k].(*RepeatStep); ok && rs.elementType != "" {
						carried[rs.elementType] = struct{}{}
					} else if req := g.stepsByKey[t.To].RequiredContextElementType(); req != "" {
						carried[req] = struct{}{}
					}
				}
				cur, seen := avail[t.To]
				if !seen {
					avail[t.To] = carried
					changed = true
					continue
				}
				for typ := range cur {
					if _, ok := carried[typ]; !ok {
						delete(cur, typ)
						changed = true
					}
				}
			}
		}
	}
	return avail
}

// wrapWithRepeater inserts a Repeat step before s. Caller holds g.mu.
func (g *Graph) wrapWithRepeater(s Step, elementType string) {
	target := KeyOf(s)
	name := g.uniqueName("Repeat " + s.Name())
	rep := NewRepeatStep(name, elementType)
	repKey := KeyOf(rep)

	for i, t := range g.transitions {
		switch {
		case t.To == target:
			g.transitions[i].To = repKey
		case t.From == target && (t.Kind == schema.TransitionSuccess || t.Kind == schema.TransitionFailure):
			g.transitions[i].From = repKey
		}
	}
	g.transitions = append(g.transitions, Transition{From: repKey, To: target, Kind: schema.TransitionRepeat})
	if g.initial == target {
		g.initial = repKey
	}

	steps := make([]Step, 0, len(g.steps)+1)
	for _, existing := range g.steps {
		if KeyOf(existing) == target {
			steps = append(steps, rep)
		}
		steps = append(steps, existing)
	}
	g.steps = steps
	g.stepsByKey[repKey] = rep
}

func (g *Graph) uniqueName(base string) string {
	taken := make(map[string]bool, len(g.steps))
	for _, s := range g.steps {
		taken[s.Name()] = true
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := base + " " + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in)+1)
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
