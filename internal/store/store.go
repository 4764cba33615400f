package store

import (
	"context"

	"github.com/rendis/stagehand/pkg/schema"
)

// Store defines the persistence layer contract for execution instances and
// interrupts. All implementations must be safe for concurrent use.
type Store interface {
	// Instances
	SaveInstance(ctx context.Context, inst *ExecutionInstance) error
	GetInstance(ctx context.Context, id string) (*ExecutionInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*ExecutionInstance, error)

	// ConditionalUpdate applies mutate to the instance only if its current
	// status is one of expected. applied=false means another writer moved the
	// status first; callers must reload and re-decide.
	ConditionalUpdate(ctx context.Context, id string, expected []schema.ExecutionStatus, mutate Mutation) (applied bool, err error)

	// Interrupts
	SaveInterrupt(ctx context.Context, in *Interrupt) error
	GetInterrupt(ctx context.Context, id string) (*Interrupt, error)
	ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error)
	SeizeInterrupt(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
