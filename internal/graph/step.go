package graph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// Built-in step types the graph itself gives meaning to.
const (
	TypeFork        = "FORK"
	TypeRepeat      = "REPEAT"
	TypeSubWorkflow = "SUB_WORKFLOW"
	TypeNoop        = "NOOP"
	TypeExternal    = "EXTERNAL"
)

// PropSkipCondition is the property holding a node's skip condition.
const PropSkipCondition = "skip_condition"

// InfiniteTimeout is returned by TimeoutMillis for steps that never expire.
const InfiniteTimeout int64 = -1

// ExecutionContext is the view of a running instance handed to steps.
type ExecutionContext interface {
	ExecutionID() string
	InstanceID() string
	Instance() *store.ExecutionInstance
	RenderExpression(expr string) (string, error)
	ContextElement(elementType string) (store.ContextElement, bool)
	// ContextElements lists every known element of the given type, both on
	// the context stack and published by earlier steps.
	ContextElements(elementType string) []store.ContextElement
}

// Step is one unit of work in a graph.
type Step interface {
	Name() string
	Type() string
	IsRollback() bool
	WaitIntervalSeconds() int
	RequiredContextElementType() string
	Properties() map[string]any

	// TimeoutMillis returns nil to use the engine default, or InfiniteTimeout.
	TimeoutMillis(ec ExecutionContext) *int64

	Execute(ctx context.Context, ec ExecutionContext) (*Response, error)
	HandleAsyncResponse(ctx context.Context, ec ExecutionContext, results map[string]any) (*Response, error)
	HandleAbort(ctx context.Context, ec ExecutionContext) error

	// ApplyOverrides merges persisted params onto the step before a re-run.
	ApplyOverrides(params map[string]any) error
}

// ExternalTaskCanceler is implemented by steps that start work outside the
// engine and can be asked to stop it. expired distinguishes a timeout from
// an abort; the returned message is attached to the instance on expiry.
type ExternalTaskCanceler interface {
	CancelExternalTask(ctx context.Context, ec ExecutionContext, taskID string, expired bool) (string, error)
}

// TransitionBinder is implemented by steps that need to know their own
// outgoing edges, like Fork and Repeat. Validate calls it after the flow map
// is derived.
type TransitionBinder interface {
	BindTransitions(out map[schema.TransitionKind][]Step)
}

// Response is the outcome of Execute or HandleAsyncResponse.
type Response struct {
	Status       schema.ExecutionStatus `json:"status"`
	Async        bool                   `json:"async,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]any         `json:"data,omitempty"`

	// CorrelationIDs are the wait keys an async response suspends on.
	CorrelationIDs []string `json:"correlation_ids,omitempty"`
	// ExternalTaskIDs are remembered for cancellation on abort.
	ExternalTaskIDs []string `json:"external_task_ids,omitempty"`
	// ChildInstancesToSpawn are partial instances the engine completes,
	// saves and starts. Each one notifies its NotifyID when it ends.
	ChildInstancesToSpawn []*store.ExecutionInstance `json:"-"`
}

// IsAsync reports whether the response suspends the instance.
func (r *Response) IsAsync() bool {
	return r.Async || len(r.CorrelationIDs) > 0
}

// Result is what a correlation id is completed with.
type Result struct {
	Status       schema.ExecutionStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]any         `json:"data,omitempty"`
}

// ResultOf normalizes a waiter payload into a Result.
func ResultOf(v any) Result {
	switch r := v.(type) {
	case nil:
		return Result{Status: schema.StatusSuccess}
	case Result:
		return r
	case *Result:
		return *r
	case schema.ExecutionStatus:
		return Result{Status: r}
	case string:
		return Result{Status: schema.ExecutionStatus(r)}
	case error:
		return Result{Status: schema.StatusError, ErrorMessage: r.Error()}
	case map[string]any:
		out := Result{Status: schema.StatusSuccess, Data: r}
		if st, ok := r["status"].(string); ok {
			out.Status = schema.ExecutionStatus(st)
		}
		if msg, ok := r["error_message"].(string); ok {
			out.ErrorMessage = msg
		}
		return out
	default:
		return Result{Status: schema.StatusSuccess, Data: map[string]any{"value": r}}
	}
}

// BaseStep carries the fields every step shares and default behavior for
// the optional hooks. Concrete steps embed it.
type BaseStep struct {
	name         string
	stepType     string
	rollback     bool
	waitInterval int
	timeout      *int64
	requiredType string
	props        map[string]any
}

// NewBaseStep builds a BaseStep from a node definition.
func NewBaseStep(node schema.NodeDefinition) BaseStep {
	props := make(map[string]any, len(node.Properties))
	for k, v := range node.Properties {
		props[k] = v
	}
	if node.SkipCondition != "" {
		props[PropSkipCondition] = node.SkipCondition
	}
	return BaseStep{
		name:         node.Name,
		stepType:     node.Type,
		rollback:     node.Rollback,
		waitInterval: node.WaitIntervalSeconds,
		timeout:      node.TimeoutMillis,
		requiredType: node.RequiredContextElementType,
		props:        props,
	}
}

func (b *BaseStep) Name() string                       { return b.name }
func (b *BaseStep) Type() string                       { return b.stepType }
func (b *BaseStep) IsRollback() bool                   { return b.rollback }
func (b *BaseStep) WaitIntervalSeconds() int           { return b.waitInterval }
func (b *BaseStep) RequiredContextElementType() string { return b.requiredType }
func (b *BaseStep) Properties() map[string]any         { return b.props }

func (b *BaseStep) TimeoutMillis(ExecutionContext) *int64 { return b.timeout }

func (b *BaseStep) HandleAbort(context.Context, ExecutionContext) error { return nil }

func (b *BaseStep) HandleAsyncResponse(ctx context.Context, ec ExecutionContext, results map[string]any) (*Response, error) {
	return aggregate(results), nil
}

// ApplyOverrides merges params into the step properties. The keys
// timeout_millis and wait_interval_seconds also replace the typed fields.
func (b *BaseStep) ApplyOverrides(params map[string]any) error {
	for k, v := range params {
		switch k {
		case "timeout_millis":
			n, err := toInt64(v)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "override %s: %v", k, err).WithStep(b.name)
			}
			b.timeout = &n
		case "wait_interval_seconds":
			n, err := toInt64(v)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "override %s: %v", k, err).WithStep(b.name)
			}
			b.waitInterval = int(n)
		}
		if b.props == nil {
			b.props = make(map[string]any)
		}
		b.props[k] = v
	}
	return nil
}

func (b BaseStep) clone() BaseStep {
	props := make(map[string]any, len(b.props))
	for k, v := range b.props {
		props[k] = v
	}
	b.props = props
	return b
}

// StepCloner is implemented by custom steps that support per-instance
// overrides. Built-in steps are copied without it.
type StepCloner interface {
	CloneStep() Step
}

// Overridden returns a private copy of s with params applied, leaving the
// shared graph step untouched. With no params it returns s itself.
func Overridden(s Step, params map[string]any) (Step, error) {
	if len(params) == 0 {
		return s, nil
	}
	var c Step
	switch t := s.(type) {
	case StepCloner:
		c = t.CloneStep()
	case *NoopStep:
		c = &NoopStep{BaseStep: t.BaseStep.clone()}
	case *ExternalStep:
		c = &ExternalStep{BaseStep: t.BaseStep.clone()}
	case *ForkStep:
		c = &ForkStep{BaseStep: t.BaseStep.clone(), targets: t.targets}
	case *RepeatStep:
		c = &RepeatStep{BaseStep: t.BaseStep.clone(), elementType: t.elementType, target: t.target}
	case *SubWorkflowStep:
		c = &SubWorkflowStep{BaseStep: t.BaseStep.clone(), childGraphID: t.childGraphID}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"step type %s does not support overrides", s.Type()).WithStep(s.Name())
	}
	if err := c.ApplyOverrides(params); err != nil {
		return nil, err
	}
	return c, nil
}

// StringProp returns a string property or "".
func (b *BaseStep) StringProp(key string) string {
	s, _ := b.props[key].(string)
	return s
}

// aggregate folds async results into one response: any broken or
// discontinued result fails the whole.
func aggregate(results map[string]any) *Response {
	resp := &Response{Status: schema.StatusSuccess, Data: make(map[string]any, len(results))}
	for id, v := range results {
		r := ResultOf(v)
		resp.Data[id] = string(r.Status)
		if r.Status.IsBroken() || r.Status.IsDiscontinue() {
			resp.Status = schema.StatusFailed
			if resp.ErrorMessage == "" {
				resp.ErrorMessage = r.ErrorMessage
			}
		}
	}
	return resp
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported number %T", v)
	}
}
