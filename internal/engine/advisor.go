package engine

import (
	"context"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// AdvicePhase tells an advisor at which point of a step run it is consulted.
type AdvicePhase string

const (
	// PhaseBeforeExecute runs before Execute. Only skip advice is honored.
	PhaseBeforeExecute AdvicePhase = "before_execute"
	// PhaseAfterResponse runs on a synchronous response.
	PhaseAfterResponse AdvicePhase = "after_response"
	// PhaseAsyncResponse runs after an instance suspends. Advice is
	// collected for telemetry only.
	PhaseAsyncResponse AdvicePhase = "async_response"
	// PhaseException runs when Execute or HandleAsyncResponse failed.
	PhaseException AdvicePhase = "exception"
	// PhaseDiscontinue runs after an abort or expiry. Advice is ignored.
	PhaseDiscontinue AdvicePhase = "discontinue"
)

// Advice overrides the default transition of a step run.
type Advice struct {
	InterruptType schema.InterruptType `json:"interrupt_type,omitempty"`

	NextStepName        string `json:"next_step_name,omitempty"`
	NextChildGraphID    string `json:"next_child_graph_id,omitempty"`
	NextStepDisplayName string `json:"next_step_display_name,omitempty"`
	RollbackPhaseName   string `json:"rollback_phase_name,omitempty"`

	SkipState      bool   `json:"skip_state,omitempty"`
	SkipExpression string `json:"skip_expression,omitempty"`
	SkipError      string `json:"skip_error,omitempty"`

	WaitIntervalSeconds int                  `json:"wait_interval_seconds,omitempty"`
	TimeoutMillis       int64                `json:"timeout_millis,omitempty"`
	ActionOnTimeout     schema.InterruptType `json:"action_on_timeout,omitempty"`
	StateParams         map[string]any       `json:"state_params,omitempty"`
}

// AdviceEvent is what advisors are consulted with.
type AdviceEvent struct {
	Phase        AdvicePhase
	Instance     *store.ExecutionInstance
	Step         graph.Step
	Response     *graph.Response
	FailureKinds []schema.FailureKind
	Err          error
}

// Failed reports whether the event describes a failed step run.
func (ev *AdviceEvent) Failed() bool {
	if ev.Err != nil || len(ev.FailureKinds) > 0 {
		return true
	}
	return ev.Response != nil && ev.Response.Status.IsBroken()
}

// Advisor is a pluggable policy consulted around step execution. A nil
// return means no opinion.
type Advisor interface {
	Consult(ctx context.Context, ev *AdviceEvent) *Advice
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc func(ctx context.Context, ev *AdviceEvent) *Advice

func (f AdvisorFunc) Consult(ctx context.Context, ev *AdviceEvent) *Advice {
	return f(ctx, ev)
}

// AdvisorChain consults every advisor in order. The last non-nil advice
// wins; advice is never merged.
type AdvisorChain []Advisor

func (c AdvisorChain) Consult(ctx context.Context, ev *AdviceEvent) *Advice {
	var out *Advice
	for _, a := range c {
		if adv := a.Consult(ctx, ev); adv != nil {
			out = adv
		}
	}
	return out
}
