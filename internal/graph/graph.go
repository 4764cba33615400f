package graph

import (
	"fmt"
	"sync"

	"github.com/rendis/stagehand/pkg/schema"
)

// StepKey addresses a step inside one graph. A rollback step may share its
// name with a non-rollback step.
type StepKey struct {
	Name     string
	Rollback bool
}

func (k StepKey) String() string {
	if k.Rollback {
		return k.Name + " (rollback)"
	}
	return k.Name
}

// KeyOf returns the key of a step.
func KeyOf(s Step) StepKey {
	return StepKey{Name: s.Name(), Rollback: s.IsRollback()}
}

// Transition is a directed, labeled edge between two steps.
type Transition struct {
	From StepKey
	To   StepKey
	Kind schema.TransitionKind
}

// FlowMap is the derived per-step outgoing-transition lookup.
type FlowMap map[StepKey]map[schema.TransitionKind][]Step

// Graph is a set of steps and transitions plus nested child graphs.
// After Validate it is read-only and safe to share between executions.
// The derived lookups are cached and rebuilt on the first read after a
// structural mutation.
type Graph struct {
	ID   string
	Name string

	mu          sync.RWMutex
	steps       []Step
	transitions []Transition
	initial     StepKey
	hasInitial  bool
	children    map[string]*Graph

	stepsByKey map[StepKey]Step
	flow       FlowMap
}

// New returns an empty graph.
func New(id string) *Graph {
	return &Graph{ID: id, children: make(map[string]*Graph)}
}

// AddStep appends a step and invalidates the derived lookups.
func (g *Graph) AddStep(s Step) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, s)
	g.invalidate()
}

// AddTransition appends an edge and invalidates the derived lookups.
func (g *Graph) AddTransition(t Transition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transitions = append(g.transitions, t)
	g.invalidate()
}

// SetInitialStep marks the origin step.
func (g *Graph) SetInitialStep(k StepKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initial = k
	g.hasInitial = true
	g.invalidate()
}

// AddChildGraph attaches a sub-workflow graph.
func (g *Graph) AddChildGraph(id string, child *Graph) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children[id] = child
}

func (g *Graph) invalidate() {
	g.stepsByKey = nil
	g.flow = nil
}

// Steps returns a copy of the step list in insertion order.
func (g *Graph) Steps() []Step {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Step(nil), g.steps...)
}

// Transitions returns a copy of the edge list in insertion order.
func (g *Graph) Transitions() []Transition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Transition(nil), g.transitions...)
}

// ChildGraph returns the sub-workflow graph with the given id.
func (g *Graph) ChildGraph(id string) (*Graph, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.children[id]
	return c, ok
}

// ChildGraphIDs lists the ids of the directly attached child graphs.
func (g *Graph) ChildGraphIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.children))
	for id := range g.children {
		ids = append(ids, id)
	}
	return ids
}

// Validate derives the flow map, checking every structural invariant, then
// validates child graphs. It is idempotent.
func (g *Graph) Validate() error {
	if _, err := g.TransitionFlowMap(); err != nil {
		return err
	}
	g.mu.RLock()
	children := make(map[string]*Graph, len(g.children))
	for id, c := range g.children {
		children[id] = c
	}
	g.mu.RUnlock()
	for id, c := range children {
		if err := c.Validate(); err != nil {
			return wrapChildError(id, err)
		}
	}
	return nil
}

// TransitionFlowMap returns the cached flow map, deriving it if needed.
func (g *Graph) TransitionFlowMap() (FlowMap, error) {
	g.mu.RLock()
	if g.flow != nil {
		f := g.flow
		g.mu.RUnlock()
		return f, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flow != nil {
		return g.flow, nil
	}
	if err := g.derive(); err != nil {
		return nil, err
	}
	return g.flow, nil
}

func (g *Graph) derive() error {
	byKey := make(map[StepKey]Step, len(g.steps))
	for _, s := range g.steps {
		k := KeyOf(s)
		if _, dup := byKey[k]; dup {
			return schema.NewGraphBuildError(schema.ReasonDuplicateStep,
				"graph %s: duplicate step %s", g.ID, k).WithStep(k.Name)
		}
		byKey[k] = s
	}
	if !g.hasInitial {
		return schema.NewGraphBuildError(schema.ReasonMissingOrigin, "graph %s: no origin step", g.ID)
	}
	if _, ok := byKey[g.initial]; !ok {
		return schema.NewGraphBuildError(schema.ReasonMissingOrigin,
			"graph %s: origin step %s is not in the graph", g.ID, g.initial)
	}

	flow := make(FlowMap, len(byKey))
	for _, t := range g.transitions {
		from, ok := byKey[t.From]
		if !ok {
			return schema.NewGraphBuildError(schema.ReasonUnknownStep,
				"graph %s: transition from unknown step %s", g.ID, t.From).WithStep(t.From.Name)
		}
		to, ok := byKey[t.To]
		if !ok {
			return schema.NewGraphBuildError(schema.ReasonUnknownStep,
				"graph %s: transition to unknown step %s", g.ID, t.To).WithStep(t.To.Name)
		}
		switch t.Kind {
		case schema.TransitionFork:
			if from.Type() != TypeFork {
				return schema.NewGraphBuildError(schema.ReasonForkFromNonFork,
					"graph %s: FORK transition from %s step %s", g.ID, from.Type(), t.From).WithStep(t.From.Name)
			}
		case schema.TransitionRepeat:
			if from.Type() != TypeRepeat {
				return schema.NewGraphBuildError(schema.ReasonRepeatFromNonRepeat,
					"graph %s: REPEAT transition from %s step %s", g.ID, from.Type(), t.From).WithStep(t.From.Name)
			}
		case schema.TransitionSuccess, schema.TransitionFailure, schema.TransitionConditional:
		default:
			return schema.NewGraphBuildError(schema.ReasonInvalidDefinition,
				"graph %s: unknown transition kind %q", g.ID, t.Kind).WithStep(t.From.Name)
		}

		out := flow[t.From]
		if out == nil {
			out = make(map[schema.TransitionKind][]Step)
			flow[t.From] = out
		}
		if len(out[t.Kind]) > 0 {
			switch t.Kind {
			case schema.TransitionSuccess:
				return schema.NewGraphBuildError(schema.ReasonDuplicateSuccess,
					"graph %s: step %s has more than one SUCCESS transition", g.ID, t.From).WithStep(t.From.Name)
			case schema.TransitionFailure:
				return schema.NewGraphBuildError(schema.ReasonDuplicateFailure,
					"graph %s: step %s has more than one FAILURE transition", g.ID, t.From).WithStep(t.From.Name)
			}
		}
		out[t.Kind] = append(out[t.Kind], to)
	}

	for k, s := range byKey {
		if b, ok := s.(TransitionBinder); ok {
			b.BindTransitions(flow[k])
		}
	}
	g.stepsByKey = byKey
	g.flow = flow
	return nil
}

// resolve returns g itself for "" or the named child graph.
func (g *Graph) resolve(childGraphID string) (*Graph, error) {
	if childGraphID == "" || childGraphID == g.ID {
		return g, nil
	}
	c, ok := g.ChildGraph(childGraphID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %s: child graph %q not found", g.ID, childGraphID)
	}
	return c, nil
}

// InitialStep returns the origin step of the graph or of a child graph.
func (g *Graph) InitialStep(childGraphID string) (Step, error) {
	target, err := g.resolve(childGraphID)
	if err != nil {
		return nil, err
	}
	if _, err := target.TransitionFlowMap(); err != nil {
		return nil, err
	}
	target.mu.RLock()
	defer target.mu.RUnlock()
	return target.stepsByKey[target.initial], nil
}

// Step looks up a step by key in the graph or in a child graph.
func (g *Graph) Step(childGraphID string, k StepKey) (Step, error) {
	target, err := g.resolve(childGraphID)
	if err != nil {
		return nil, err
	}
	if _, err := target.TransitionFlowMap(); err != nil {
		return nil, err
	}
	target.mu.RLock()
	defer target.mu.RUnlock()
	s, ok := target.stepsByKey[k]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %s: step %s not found", target.ID, k).WithStep(k.Name)
	}
	return s, nil
}

// NextSteps returns every step reachable from k by an edge of the given kind.
func (g *Graph) NextSteps(childGraphID string, k StepKey, kind schema.TransitionKind) ([]Step, error) {
	target, err := g.resolve(childGraphID)
	if err != nil {
		return nil, err
	}
	flow, err := target.TransitionFlowMap()
	if err != nil {
		return nil, err
	}
	return flow[k][kind], nil
}

// GetNextStep returns the step reached from the step keyed by from via the
// given kind, or nil when there is none. A rollback step only follows its
// own edges, never those of a forward step sharing its name.
func (g *Graph) GetNextStep(childGraphID string, from StepKey, kind schema.TransitionKind) Step {
	next, err := g.NextSteps(childGraphID, from, kind)
	if err != nil || len(next) == 0 {
		return nil
	}
	return next[0]
}

func wrapChildError(childID string, err error) error {
	if e, ok := err.(*schema.Error); ok {
		return e.WithDetails(map[string]any{"child_graph_id": childID})
	}
	return fmt.Errorf("child graph %s: %w", childID, err)
}
