package expressions

import (
	"github.com/rendis/stagehand/internal/store"
)

// Scope variable names shared by every engine.
const (
	VarExecution = "execution"
	VarState     = "state"
	VarParams    = "params"
	VarContext   = "context"
)

// ScopeOf builds the variable scope of an instance. The result is a deep
// copy; evaluating against it never touches the instance.
//
//   - execution: ids, step, status and retry bookkeeping of the instance
//   - state:     step output keyed by display name
//   - params:    state params applied on retry
//   - context:   top-most context element per type
func ScopeOf(inst *store.ExecutionInstance) map[string]any {
	if inst == nil {
		return map[string]any{
			VarExecution: map[string]any{},
			VarState:     map[string]any{},
			VarParams:    map[string]any{},
			VarContext:   map[string]any{},
		}
	}

	state := make(map[string]any, len(inst.StateData))
	for name, d := range inst.StateData {
		state[name] = map[string]any{
			"step_name":     d.StepName,
			"status":        string(d.Status),
			"error_message": d.ErrorMessage,
			"data":          deepCopyMap(d.Data),
		}
	}

	ctxEls := make(map[string]any)
	for i := len(inst.ContextElements) - 1; i >= 0; i-- {
		el := inst.ContextElements[i]
		ctxEls[el.Type] = map[string]any{
			"uuid": el.UUID,
			"name": el.Name,
			"data": deepCopyMap(el.Data),
		}
	}

	params := deepCopyMap(inst.StateParams)
	if params == nil {
		params = map[string]any{}
	}

	return map[string]any{
		VarExecution: map[string]any{
			"execution_id": inst.ExecutionID,
			"instance_id":  inst.ID,
			"account_id":   inst.AccountID,
			"graph_id":     inst.GraphID,
			"step":         inst.StepName,
			"display_name": inst.DisplayName,
			"status":       string(inst.Status),
			"retry_count":  inst.RetryCount,
			"retry":        inst.Retry,
		},
		VarState:   state,
		VarParams:  params,
		VarContext: ctxEls,
	}
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
