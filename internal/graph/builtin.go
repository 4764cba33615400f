package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// NoopStep succeeds immediately, echoing its "output" property as data.
type NoopStep struct {
	BaseStep
}

func (s *NoopStep) Execute(ctx context.Context, ec ExecutionContext) (*Response, error) {
	data, _ := s.props["output"].(map[string]any)
	return &Response{Status: schema.StatusSuccess, Data: data}, nil
}

// ExternalStep hands work to something outside the engine and suspends until
// its correlation id is completed. The id comes from the rendered
// "correlation_id" property when present.
type ExternalStep struct {
	BaseStep
}

func (s *ExternalStep) Execute(ctx context.Context, ec ExecutionContext) (*Response, error) {
	id := uuid.New().String()
	if tpl := s.StringProp("correlation_id"); tpl != "" {
		rendered, err := ec.RenderExpression(tpl)
		if err != nil {
			return nil, err
		}
		id = rendered
	}
	return &Response{
		Status:          schema.StatusRunning,
		Async:           true,
		CorrelationIDs:  []string{id},
		ExternalTaskIDs: []string{id},
		Data:            map[string]any{"correlation_id": id},
	}, nil
}

func (s *ExternalStep) HandleAsyncResponse(ctx context.Context, ec ExecutionContext, results map[string]any) (*Response, error) {
	resp := &Response{Status: schema.StatusSuccess, Data: map[string]any{}}
	for _, v := range results {
		r := ResultOf(v)
		resp.Status = r.Status
		resp.ErrorMessage = r.ErrorMessage
		for k, d := range r.Data {
			resp.Data[k] = d
		}
	}
	return resp, nil
}

// CancelExternalTask has nothing remote to stop; the wait registration is
// dropped by the engine once the instance is terminal.
func (s *ExternalStep) CancelExternalTask(ctx context.Context, ec ExecutionContext, taskID string, expired bool) (string, error) {
	if expired {
		return "external task " + taskID + " timed out", nil
	}
	return "", nil
}

// ForkStep runs every FORK target as a parallel child and succeeds when all
// children succeed.
type ForkStep struct {
	BaseStep
	targets []string
}

func (s *ForkStep) BindTransitions(out map[schema.TransitionKind][]Step) {
	s.targets = s.targets[:0]
	for _, st := range out[schema.TransitionFork] {
		s.targets = append(s.targets, st.Name())
	}
}

// Targets returns the names of the forked steps.
func (s *ForkStep) Targets() []string { return s.targets }

func (s *ForkStep) Execute(ctx context.Context, ec ExecutionContext) (*Response, error) {
	if len(s.targets) == 0 {
		return &Response{Status: schema.StatusSuccess}, nil
	}
	parent := ec.Instance()
	resp := &Response{Status: schema.StatusRunning, Async: true}
	for _, target := range s.targets {
		notifyID := uuid.New().String()
		resp.CorrelationIDs = append(resp.CorrelationIDs, notifyID)
		resp.ChildInstancesToSpawn = append(resp.ChildInstancesToSpawn, &store.ExecutionInstance{
			StepName:        target,
			DisplayName:     target,
			ChildGraphID:    parent.ChildGraphID,
			ContextElements: parent.ContextElements,
			NotifyID:        notifyID,
		})
	}
	return resp, nil
}

// RepeatStep runs its REPEAT target once per context element of its element
// type, each child getting that element pushed on its context stack.
type RepeatStep struct {
	BaseStep
	elementType string
	target      string
}

// NewRepeatStep builds a Repeat step outside of a definition, as the
// automatic repeater insertion does.
func NewRepeatStep(name, elementType string) *RepeatStep {
	return &RepeatStep{
		BaseStep: BaseStep{
			name:     name,
			stepType: TypeRepeat,
			props:    map[string]any{"element_type": elementType},
		},
		elementType: elementType,
	}
}

func (s *RepeatStep) BindTransitions(out map[schema.TransitionKind][]Step) {
	s.target = ""
	if targets := out[schema.TransitionRepeat]; len(targets) > 0 {
		s.target = targets[0].Name()
		if s.elementType == "" {
			s.elementType = targets[0].RequiredContextElementType()
		}
	}
}

// ElementType returns the context element type the step iterates.
func (s *RepeatStep) ElementType() string { return s.elementType }

// Target returns the name of the repeated step.
func (s *RepeatStep) Target() string { return s.target }

func (s *RepeatStep) Execute(ctx context.Context, ec ExecutionContext) (*Response, error) {
	elements := ec.ContextElements(s.elementType)
	if s.target == "" || len(elements) == 0 {
		return &Response{Status: schema.StatusSuccess, Data: map[string]any{"repeat_count": 0}}, nil
	}
	parent := ec.Instance()
	resp := &Response{
		Status: schema.StatusRunning,
		Async:  true,
		Data:   map[string]any{"repeat_count": len(elements)},
	}
	for _, el := range elements {
		notifyID := uuid.New().String()
		child := &store.ExecutionInstance{
			StepName:        s.target,
			DisplayName:     repeatDisplayName(s.target, el),
			ChildGraphID:    parent.ChildGraphID,
			ContextElements: append([]store.ContextElement(nil), parent.ContextElements...),
			NotifyID:        notifyID,
		}
		child.PushContextElement(el)
		resp.CorrelationIDs = append(resp.CorrelationIDs, notifyID)
		resp.ChildInstancesToSpawn = append(resp.ChildInstancesToSpawn, child)
	}
	return resp, nil
}

func repeatDisplayName(target string, el store.ContextElement) string {
	label := el.Name
	if label == "" {
		label = el.UUID
	}
	if label == "" {
		return target
	}
	return target + " [" + label + "]"
}

// SubWorkflowStep runs a child graph to completion as a single step.
type SubWorkflowStep struct {
	BaseStep
	childGraphID string
}

// ChildGraphID returns the id of the child graph this step runs.
func (s *SubWorkflowStep) ChildGraphID() string { return s.childGraphID }

func (s *SubWorkflowStep) Execute(ctx context.Context, ec ExecutionContext) (*Response, error) {
	notifyID := uuid.New().String()
	parent := ec.Instance()
	return &Response{
		Status:         schema.StatusRunning,
		Async:          true,
		CorrelationIDs: []string{notifyID},
		ChildInstancesToSpawn: []*store.ExecutionInstance{{
			ChildGraphID:    s.childGraphID,
			ContextElements: parent.ContextElements,
			NotifyID:        notifyID,
		}},
	}, nil
}
