package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stagehand/pkg/schema"
)

// DeepCopy returns a fully independent copy of inst, identity included.
func DeepCopy(inst *ExecutionInstance) (*ExecutionInstance, error) {
	if inst == nil {
		return nil, nil
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}
	out := &ExecutionInstance{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("unmarshal instance %s: %w", inst.ID, err)
	}
	return out, nil
}

// Clone copies inst into a fresh NEW instance used to advance to another step.
// The copy gets a new identity, links back through PrevInstanceID and starts
// with empty retry and interrupt history. Context elements and accumulated
// state data carry over unchanged.
func Clone(inst *ExecutionInstance) (*ExecutionInstance, error) {
	out, err := DeepCopy(inst)
	if err != nil {
		return nil, err
	}
	out.ID = uuid.New().String()
	out.PrevInstanceID = inst.ID
	out.Status = schema.StatusNew
	out.ErrorMessage = ""
	out.StartTs = 0
	out.EndTs = 0
	out.ExpiryTs = NoExpiry
	out.StateTimeoutMillis = nil
	out.WaitIntervalSeconds = 0
	out.RetryCount = 0
	out.Retry = false
	out.InterruptHistory = nil
	out.StateParams = nil
	out.StateDataHistory = nil
	out.WaitingForInputs = false
	out.WaitingForManualIntervention = false
	out.ActionOnTimeout = ""
	out.ExternalTaskIDs = nil
	out.CreatedAt = time.Time{}
	out.UpdatedAt = time.Time{}
	return out, nil
}
