package engine

import (
	"github.com/rendis/stagehand/pkg/schema"
)

// ValidStatusTransitions defines the status changes the executor may write.
// Terminal statuses are absorbing except for the explicit RETRY reset of
// FAILED and ERROR back to NEW.
var ValidStatusTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusNew: {
		schema.StatusStarting, schema.StatusPaused, schema.StatusDiscontinuing,
	},
	schema.StatusQueued: {
		schema.StatusStarting, schema.StatusPaused, schema.StatusDiscontinuing,
	},
	schema.StatusStarting: {
		schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusWaiting, schema.StatusDiscontinuing,
		schema.StatusSuccess, schema.StatusFailed, schema.StatusError, schema.StatusSkipped,
		schema.StatusAborted, schema.StatusExpired,
	},
	schema.StatusRunning: {
		schema.StatusRunning, schema.StatusPaused, schema.StatusWaiting, schema.StatusDiscontinuing,
		schema.StatusSuccess, schema.StatusFailed, schema.StatusError, schema.StatusSkipped,
		schema.StatusAborted, schema.StatusExpired,
	},
	schema.StatusPaused: {
		schema.StatusPaused, schema.StatusStarting, schema.StatusRunning, schema.StatusWaiting,
		schema.StatusDiscontinuing, schema.StatusSuccess, schema.StatusFailed, schema.StatusError,
		schema.StatusSkipped, schema.StatusAborted, schema.StatusExpired,
	},
	schema.StatusWaiting: {
		schema.StatusNew, schema.StatusPaused, schema.StatusStarting, schema.StatusDiscontinuing,
		schema.StatusSuccess, schema.StatusFailed, schema.StatusError, schema.StatusSkipped,
		schema.StatusAborted, schema.StatusExpired,
	},
	schema.StatusDiscontinuing: {schema.StatusAborted, schema.StatusExpired},
	schema.StatusFailed:        {schema.StatusNew},
	schema.StatusError:         {schema.StatusNew},
	schema.StatusSuccess:       {},
	schema.StatusAborted:       {},
	schema.StatusExpired:       {},
	schema.StatusSkipped:       {},
}

// IsValidTransition reports whether the table allows from -> to.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return schema.ContainsStatus(ValidStatusTransitions[from], to)
}

// SourcesOf lists every status that may move to to.
func SourcesOf(to schema.ExecutionStatus) []schema.ExecutionStatus {
	var out []schema.ExecutionStatus
	for _, from := range allStatuses {
		if IsValidTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// allowedSources narrows expected to the statuses the table lets reach to.
// Passing no expected statuses means every valid source.
func allowedSources(to schema.ExecutionStatus, expected []schema.ExecutionStatus) ([]schema.ExecutionStatus, error) {
	if len(expected) == 0 {
		return SourcesOf(to), nil
	}
	out := make([]schema.ExecutionStatus, 0, len(expected))
	for _, from := range expected {
		if IsValidTransition(from, to) {
			out = append(out, from)
		}
	}
	if len(out) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no valid transition from %v to %s", expected, to).
			WithDetails(map[string]any{"to": string(to)})
	}
	return out, nil
}

var allStatuses = append(append([]schema.ExecutionStatus{}, schema.ActiveStatuses...), schema.FinalStatuses...)

// Status groups used as CAS guards.
var (
	// runnableStatuses may enter STARTING from runStep.
	runnableStatuses = []schema.ExecutionStatus{
		schema.StatusNew, schema.StatusQueued, schema.StatusPaused, schema.StatusWaiting,
	}
	// workingStatuses hold an instance whose step is executing or in flight.
	workingStatuses = []schema.ExecutionStatus{
		schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusDiscontinuing,
	}
	// settleStatuses may be moved to a terminal status by a transition.
	// DISCONTINUING is left to the discontinue path.
	settleStatuses = []schema.ExecutionStatus{
		schema.StatusStarting, schema.StatusRunning, schema.StatusPaused, schema.StatusWaiting,
	}
	// abortableStatuses may be marked DISCONTINUING.
	abortableStatuses = []schema.ExecutionStatus{
		schema.StatusNew, schema.StatusQueued, schema.StatusStarting, schema.StatusRunning,
		schema.StatusPaused, schema.StatusWaiting,
	}
	// pendingStatuses make Resume wait for the starting run to catch up.
	pendingStatuses = []schema.ExecutionStatus{
		schema.StatusNew, schema.StatusQueued, schema.StatusStarting,
	}
	// resumableStatuses accept an async wake-up.
	resumableStatuses = []schema.ExecutionStatus{
		schema.StatusRunning, schema.StatusPaused, schema.StatusDiscontinuing,
	}
)
