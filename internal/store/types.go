package store

import (
	"math"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// NoExpiry is the ExpiryTs value of an instance that never times out.
const NoExpiry int64 = math.MaxInt64

// ContextElement is one entry of an instance's context stack, such as a
// target host or an environment the step operates on.
type ContextElement struct {
	Type string         `json:"type"`
	UUID string         `json:"uuid"`
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// StepExecutionData is the side-channel output a step leaves behind,
// keyed by display name on the instance.
type StepExecutionData struct {
	StepName     string                 `json:"step_name"`
	DisplayName  string                 `json:"display_name"`
	StepType     string                 `json:"step_type,omitempty"`
	Status       schema.ExecutionStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]any         `json:"data,omitempty"`
	StartTs      int64                  `json:"start_ts,omitempty"`
	EndTs        int64                  `json:"end_ts,omitempty"`
}

// InterruptEffect records an interrupt that touched an instance.
type InterruptEffect struct {
	InterruptID   string               `json:"interrupt_id"`
	InterruptType schema.InterruptType `json:"interrupt_type"`
	Timestamp     int64                `json:"timestamp"`
}

// ExecutionInstance is the persisted record of one step's run within an execution.
// Timestamps ending in Ts are unix milliseconds.
type ExecutionInstance struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	AccountID   string `json:"account_id,omitempty"`
	GraphID     string `json:"graph_id"`

	ChildGraphID string `json:"child_graph_id,omitempty"`
	StepName     string `json:"step_name"`
	StepType     string `json:"step_type,omitempty"`
	DisplayName  string `json:"display_name"`
	Rollback     bool   `json:"rollback,omitempty"`

	Status       schema.ExecutionStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	ContextElements  []ContextElement             `json:"context_elements,omitempty"`
	StateData        map[string]StepExecutionData `json:"state_data,omitempty"`
	StateDataHistory []StepExecutionData          `json:"state_data_history,omitempty"`
	StateParams      map[string]any               `json:"state_params,omitempty"`

	StartTs             int64  `json:"start_ts,omitempty"`
	EndTs               int64  `json:"end_ts,omitempty"`
	ExpiryTs            int64  `json:"expiry_ts"`
	StateTimeoutMillis  *int64 `json:"state_timeout_millis,omitempty"`
	WaitIntervalSeconds int    `json:"wait_interval_seconds,omitempty"`

	RetryCount       int               `json:"retry_count,omitempty"`
	Retry            bool              `json:"retry,omitempty"`
	InterruptHistory []InterruptEffect `json:"interrupt_history,omitempty"`

	ParentInstanceID string `json:"parent_instance_id,omitempty"`
	PrevInstanceID   string `json:"prev_instance_id,omitempty"`
	NotifyID         string `json:"notify_id,omitempty"`
	CallbackID       string `json:"callback_id,omitempty"`

	ErrorStrategy    schema.ErrorStrategy `json:"error_strategy,omitempty"`
	OnDemandRollback bool                 `json:"on_demand_rollback,omitempty"`

	WaitingForInputs             bool                 `json:"waiting_for_inputs,omitempty"`
	WaitingForManualIntervention bool                 `json:"waiting_for_manual_intervention,omitempty"`
	ActionOnTimeout              schema.InterruptType `json:"action_on_timeout,omitempty"`
	PipelineStageElementID       string               `json:"pipeline_stage_element_id,omitempty"`
	RollbackPhaseName            string               `json:"rollback_phase_name,omitempty"`

	ExternalTaskIDs []string `json:"external_task_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PushContextElement puts el on top of the context stack.
func (i *ExecutionInstance) PushContextElement(el ContextElement) {
	i.ContextElements = append([]ContextElement{el}, i.ContextElements...)
}

// ContextElement returns the top-most context element of the given type.
func (i *ExecutionInstance) ContextElement(elementType string) (ContextElement, bool) {
	for _, el := range i.ContextElements {
		if el.Type == elementType {
			return el, true
		}
	}
	return ContextElement{}, false
}

// IsInfiniteExpiry reports whether the instance never times out.
func (i *ExecutionInstance) IsInfiniteExpiry() bool {
	return i.ExpiryTs == NoExpiry
}

// Interrupt is an externally issued control signal against an execution.
type Interrupt struct {
	ID          string               `json:"id"`
	Type        schema.InterruptType `json:"type"`
	ExecutionID string               `json:"execution_id"`
	InstanceID  string               `json:"instance_id,omitempty"`
	AccountID   string               `json:"account_id,omitempty"`
	Seized      bool                 `json:"seized"`
	Properties  map[string]any       `json:"properties,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// --- Filter types ---

// InstanceFilter specifies criteria for listing execution instances.
// Zero-valued fields are ignored.
type InstanceFilter struct {
	ExecutionID      string                   `json:"execution_id,omitempty"`
	AccountID        string                   `json:"account_id,omitempty"`
	StepType         string                   `json:"step_type,omitempty"`
	ParentInstanceID string                   `json:"parent_instance_id,omitempty"`
	Statuses         []schema.ExecutionStatus `json:"statuses,omitempty"`
	CreatedSince     time.Time                `json:"created_since,omitempty"`
	ExpiredBefore    int64                    `json:"expired_before,omitempty"`
	Limit            int                      `json:"limit,omitempty"`
}

// InterruptFilter specifies criteria for listing interrupts.
type InterruptFilter struct {
	ExecutionID string                 `json:"execution_id,omitempty"`
	Types       []schema.InterruptType `json:"types,omitempty"`
	Seized      *bool                  `json:"seized,omitempty"`
}

// Mutation edits an instance inside ConditionalUpdate. Returning an error
// abandons the update.
type Mutation func(inst *ExecutionInstance) error
