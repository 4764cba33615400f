package streaming

import (
	"context"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// StatusUpdate is published whenever an instance status is written, and for
// the other lifecycle events listed in pkg/schema/events.go.
type StatusUpdate struct {
	EventType   string                 `json:"event_type"`
	ExecutionID string                 `json:"execution_id"`
	InstanceID  string                 `json:"instance_id,omitempty"`
	AccountID   string                 `json:"account_id,omitempty"`
	StepName    string                 `json:"step_name,omitempty"`
	Status      schema.ExecutionStatus `json:"status,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Payload     any                    `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// UpdateFilter selects which updates a subscriber receives.
// Zero-valued fields match everything.
type UpdateFilter struct {
	ExecutionID string                   `json:"execution_id,omitempty"`
	EventTypes  []string                 `json:"event_types,omitempty"`
	Statuses    []schema.ExecutionStatus `json:"statuses,omitempty"`
}

// Hub provides pub/sub for status updates.
type Hub interface {
	Publish(ctx context.Context, update StatusUpdate) error
	Subscribe(ctx context.Context, filter UpdateFilter) (<-chan StatusUpdate, func(), error)
}
