package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stagehand/internal/expressions"
	"github.com/rendis/stagehand/internal/graph"
)

// PropSkipError is the step property whose value turns a matched skip
// condition into a failure carrying that message.
const PropSkipError = "skip_error"

// SkipConditionAdvisor skips steps whose skip_condition CEL guard holds
// against the instance scope. A guard that fails to evaluate skips the step
// with the evaluation error, which fails it.
type SkipConditionAdvisor struct {
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewSkipConditionAdvisor creates the advisor.
func NewSkipConditionAdvisor(cel *expressions.CELEngine, logger *slog.Logger) *SkipConditionAdvisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkipConditionAdvisor{cel: cel, logger: logger}
}

func (a *SkipConditionAdvisor) Consult(ctx context.Context, ev *AdviceEvent) *Advice {
	if ev.Phase != PhaseBeforeExecute || ev.Step == nil || a.cel == nil {
		return nil
	}
	props := ev.Step.Properties()
	cond, _ := props[graph.PropSkipCondition].(string)
	if cond == "" {
		return nil
	}

	skip, err := a.cel.EvaluateBool(ctx, cond, expressions.ScopeOf(ev.Instance))
	if err != nil {
		a.logger.WarnContext(ctx, "skip condition failed to evaluate",
			"condition", cond, "error", err)
		return &Advice{SkipState: true, SkipExpression: cond, SkipError: err.Error()}
	}
	if !skip {
		return nil
	}
	msg, _ := props[PropSkipError].(string)
	return &Advice{SkipState: true, SkipExpression: cond, SkipError: msg}
}
