package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
)

// Service is the public operations surface over the executor, its
// interrupt manager and the store.
type Service struct {
	exec   Executor
	store  store.Store
	waiter waiter.Waiter
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(exec Executor, s store.Store, w waiter.Waiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{exec: exec, store: s, waiter: w, logger: logger}
}

// StartExecution creates and dispatches a new execution.
func (s *Service) StartExecution(ctx context.Context, req StartRequest) (*store.ExecutionInstance, error) {
	return s.exec.Start(ctx, req)
}

// QueueExecution creates an execution without starting it.
func (s *Service) QueueExecution(ctx context.Context, req StartRequest) (*store.ExecutionInstance, error) {
	return s.exec.Queue(ctx, req)
}

// ResumeQueuedExecution starts a queued execution. It reports false when
// the execution already moved past its first instance.
func (s *Service) ResumeQueuedExecution(ctx context.Context, executionID string) (bool, error) {
	if executionID == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "execution_id is required")
	}
	return s.exec.StartQueuedExecution(ctx, executionID)
}

// RegisterInterrupt validates, persists and applies an interrupt.
func (s *Service) RegisterInterrupt(ctx context.Context, in *store.Interrupt) (*store.Interrupt, error) {
	return s.exec.Interrupts().Register(ctx, in)
}

// GetExecutionContext returns the step view of one instance.
func (s *Service) GetExecutionContext(ctx context.Context, executionID, instanceID string) (*ExecutionContext, error) {
	if instanceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance_id is required")
	}
	return s.exec.ExecutionContext(ctx, executionID, instanceID)
}

// CompleteTask reports the outcome of an external task by correlation id,
// waking the instance suspended on it.
func (s *Service) CompleteTask(ctx context.Context, correlationID string, result graph.Result) error {
	if correlationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "correlation_id is required")
	}
	if result.Status == "" {
		result.Status = schema.StatusSuccess
	}
	s.logger.DebugContext(ctx, "external task completed", "correlation_id", correlationID, "status", result.Status)
	s.waiter.DoneWith(correlationID, result)
	return nil
}

// Instances lists the instances of an execution, newest first.
func (s *Service) Instances(ctx context.Context, executionID string) ([]*store.ExecutionInstance, error) {
	if executionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution_id is required")
	}
	return s.store.ListInstances(ctx, store.InstanceFilter{ExecutionID: executionID})
}

// Wait blocks until no dispatched work is in flight.
func (s *Service) Wait() { s.exec.Wait() }

// Close stops the executor.
func (s *Service) Close() { s.exec.Shutdown() }
