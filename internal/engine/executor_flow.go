package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
)

// handleResponse routes the outcome of Execute or HandleAsyncResponse.
func (e *executorImpl) handleResponse(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, step graph.Step, resp *graph.Response) error {
	if resp.IsAsync() && !resp.Status.IsFinal() {
		return e.suspend(ctx, inst, g, step, resp)
	}

	now := e.now().UnixMilli()
	applied, err := e.cas(ctx, inst, workingStatuses, func(i *store.ExecutionInstance) error {
		recordOutput(i, step, resp, now)
		i.ErrorMessage = resp.ErrorMessage
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return e.lostRace(ctx, inst, "record step output")
	}

	adv := e.consult(ctx, &AdviceEvent{Phase: PhaseAfterResponse, Instance: inst, Step: step, Response: resp})
	if adv != nil && adv.InterruptType != "" && resp.Status != schema.StatusSkipped {
		return e.applyAdvice(ctx, inst, g, resp, adv)
	}

	switch {
	case resp.Status.IsPositive():
		return e.successTransition(ctx, inst, g, resp.Status)
	case resp.Status.IsBroken():
		return e.failureTransition(ctx, inst, g, resp.Status, resp.ErrorMessage, true)
	case resp.Status.IsDiscontinue():
		return e.finish(ctx, inst, resp.Status, resp.ErrorMessage)
	default:
		return e.finish(ctx, inst, schema.StatusError, "step returned unexpected status "+string(resp.Status))
	}
}

// suspend parks inst until its correlation ids are completed.
func (e *executorImpl) suspend(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, step graph.Step, resp *graph.Response) error {
	to := schema.StatusRunning
	if resp.Status == schema.StatusPaused {
		to = schema.StatusPaused
	}
	now := e.now().UnixMilli()
	applied, err := e.updateStatus(ctx, inst, to,
		[]schema.ExecutionStatus{schema.StatusStarting, schema.StatusRunning, schema.StatusPaused},
		func(i *store.ExecutionInstance) error {
			i.ExpiryTs = e.expiryOf(now, i, 0)
			i.ExternalTaskIDs = append(i.ExternalTaskIDs, resp.ExternalTaskIDs...)
			recordOutput(i, step, resp, now)
			return nil
		})
	if err != nil {
		return err
	}
	if !applied {
		return e.lostRace(ctx, inst, "suspend")
	}

	if len(resp.CorrelationIDs) > 0 {
		e.waiter.WaitOn(e.onResume(inst.ID), resp.CorrelationIDs...)
	}
	e.spawnChildren(ctx, inst, g, resp.ChildInstancesToSpawn)
	e.consult(ctx, &AdviceEvent{Phase: PhaseAsyncResponse, Instance: inst, Step: step, Response: resp})
	e.logger.DebugContext(ctx, "instance suspended", "correlation_ids", resp.CorrelationIDs)
	return nil
}

// finalize writes the terminal status of inst. It reports false when
// another actor settled or is discontinuing the instance first.
func (e *executorImpl) finalize(ctx context.Context, inst *store.ExecutionInstance, status schema.ExecutionStatus, msg string) (bool, error) {
	applied, err := e.updateStatus(ctx, inst, status, settleStatuses, func(i *store.ExecutionInstance) error {
		if msg != "" {
			i.ErrorMessage = msg
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, e.lostRace(ctx, inst, "finalize "+string(status))
	}
	return true, nil
}

// finish finalizes inst and ends its (sub)execution with the same status.
func (e *executorImpl) finish(ctx context.Context, inst *store.ExecutionInstance, status schema.ExecutionStatus, msg string) error {
	applied, err := e.finalize(ctx, inst, status, msg)
	if err != nil || !applied {
		return err
	}
	e.endTransition(ctx, inst, status)
	return nil
}

func (e *executorImpl) successTransition(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, status schema.ExecutionStatus) error {
	applied, err := e.finalize(ctx, inst, status, "")
	if err != nil || !applied {
		return err
	}
	next := g.GetNextStep(inst.ChildGraphID, stepKeyOf(inst), schema.TransitionSuccess)
	if next == nil {
		end := status
		if !end.IsPositive() {
			end = schema.StatusSuccess
		}
		e.endTransition(ctx, inst, end)
		return nil
	}
	return e.advance(ctx, inst, g, next, inst.ChildGraphID, nil)
}

// failureTransition follows the FAILURE edge of the step, or applies the
// execution's error strategy when there is none. honorPause=false skips the
// PAUSE strategy, for failures an operator asked for explicitly.
func (e *executorImpl) failureTransition(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph,
	status schema.ExecutionStatus, msg string, honorPause bool) error {
	next := g.GetNextStep(inst.ChildGraphID, stepKeyOf(inst), schema.TransitionFailure)
	if next != nil {
		applied, err := e.finalize(ctx, inst, status, msg)
		if err != nil || !applied {
			return err
		}
		return e.advance(ctx, inst, g, next, inst.ChildGraphID, nil)
	}

	if honorPause && inst.ErrorStrategy == schema.ErrorStrategyPause {
		applied, err := e.updateStatus(ctx, inst, schema.StatusWaiting, settleStatuses, func(i *store.ExecutionInstance) error {
			i.ExpiryTs = store.NoExpiry
			if msg != "" {
				i.ErrorMessage = msg
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !applied {
			return e.lostRace(ctx, inst, "pause on failure")
		}
		e.logger.InfoContext(ctx, "instance failed, waiting for intervention", "error_message", msg)
		return nil
	}

	applied, err := e.finalize(ctx, inst, status, msg)
	if err != nil || !applied {
		return err
	}
	e.endTransition(ctx, inst, schema.StatusFailed)
	return nil
}

// endTransition reports the end of a (sub)execution: a spawned instance
// wakes whoever waits on its NotifyID, a root instance fires the callback.
func (e *executorImpl) endTransition(ctx context.Context, inst *store.ExecutionInstance, status schema.ExecutionStatus) {
	if inst.NotifyID != "" {
		e.waiter.DoneWith(inst.NotifyID, graph.Result{Status: status, ErrorMessage: inst.ErrorMessage})
		return
	}

	e.logger.InfoContext(ctx, "execution ended", "status", status, "error_message", inst.ErrorMessage)
	e.publish(ctx, inst, schema.EventExecutionEnded, string(status))

	cb := e.takeCallback(inst.ExecutionID)
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "execution callback panicked", "panic", r)
		}
	}()
	cb(ctx, ExecutionResult{
		ExecutionID:  inst.ExecutionID,
		InstanceID:   inst.ID,
		Status:       status,
		ErrorMessage: inst.ErrorMessage,
	})
}

// advance clones inst onto next and dispatches the clone.
func (e *executorImpl) advance(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, next graph.Step, childGraphID string, adv *Advice) error {
	clone, err := store.Clone(inst)
	if err != nil {
		return err
	}
	clone.ChildGraphID = childGraphID
	clone.StepName = next.Name()
	clone.Rollback = next.IsRollback()
	clone.DisplayName = next.Name()
	if adv != nil {
		if adv.NextStepDisplayName != "" {
			clone.DisplayName = adv.NextStepDisplayName
		}
		if adv.RollbackPhaseName != "" {
			clone.RollbackPhaseName = adv.RollbackPhaseName
		}
	}
	if err := e.prepare(ctx, clone, g, next); err != nil {
		return err
	}
	if err := e.store.SaveInstance(ctx, clone); err != nil {
		return err
	}
	e.logger.DebugContext(ctx, "advanced to next step", "next_instance_id", clone.ID, "next_step", clone.DisplayName)
	e.publish(ctx, clone, schema.EventInstanceCreated, "")
	e.dispatchRun(ctx, clone.ID, false)
	return nil
}

// spawnChildren completes, saves and dispatches the partial instances an
// async response asked for.
func (e *executorImpl) spawnChildren(ctx context.Context, parent *store.ExecutionInstance, g *graph.Graph, children []*store.ExecutionInstance) {
	for _, c := range children {
		if err := e.spawnChild(ctx, parent, g, c); err != nil {
			e.logger.ErrorContext(ctx, "child instance not started", "step", c.StepName, "error", err)
			if c.NotifyID != "" {
				e.waiter.DoneWith(c.NotifyID, graph.Result{Status: schema.StatusError, ErrorMessage: err.Error()})
			}
		}
	}
}

func (e *executorImpl) spawnChild(ctx context.Context, parent *store.ExecutionInstance, g *graph.Graph, c *store.ExecutionInstance) error {
	var step graph.Step
	var err error
	if c.StepName == "" {
		if c.ChildGraphID != "" {
			if _, ok := g.ChildGraph(c.ChildGraphID); !ok {
				e.logger.WarnContext(ctx, "child graph not found, completing immediately", "child_graph_id", c.ChildGraphID)
				if c.NotifyID != "" {
					e.waiter.DoneWith(c.NotifyID, graph.Result{Status: schema.StatusSuccess})
				}
				return nil
			}
		}
		step, err = g.InitialStep(c.ChildGraphID)
	} else {
		step, err = g.Step(c.ChildGraphID, stepKeyOf(c))
	}
	if err != nil {
		return err
	}

	c.ID = uuid.New().String()
	c.ExecutionID = parent.ExecutionID
	c.AccountID = parent.AccountID
	c.GraphID = parent.GraphID
	c.ParentInstanceID = parent.ID
	c.ErrorStrategy = parent.ErrorStrategy
	c.OnDemandRollback = parent.OnDemandRollback
	c.Status = schema.StatusNew
	c.StepName = step.Name()
	c.Rollback = step.IsRollback()
	if c.DisplayName == "" {
		c.DisplayName = step.Name()
	}
	if c.StateData == nil && len(parent.StateData) > 0 {
		cp, err := store.DeepCopy(parent)
		if err != nil {
			return err
		}
		c.StateData = cp.StateData
	}
	if err := e.prepare(ctx, c, g, step); err != nil {
		return err
	}
	if err := e.store.SaveInstance(ctx, c); err != nil {
		return err
	}
	e.publish(ctx, c, schema.EventInstanceCreated, "")
	e.dispatchRun(ctx, c.ID, false)
	return nil
}

// handleExecuteException records a step error and lets advisors decide
// before falling back to the failure transition.
func (e *executorImpl) handleExecuteException(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, step graph.Step, cause error) error {
	msg := cause.Error()
	resp := &graph.Response{Status: schema.StatusFailed, ErrorMessage: msg}
	e.logger.WarnContext(ctx, "step raised an error", "error", cause)

	now := e.now().UnixMilli()
	if _, err := e.cas(ctx, inst, workingStatuses, func(i *store.ExecutionInstance) error {
		recordOutput(i, step, resp, now)
		i.ErrorMessage = msg
		return nil
	}); err != nil {
		e.logger.ErrorContext(ctx, "could not record step error", "error", err)
	}

	adv := e.consult(ctx, &AdviceEvent{
		Phase:        PhaseException,
		Instance:     inst,
		Step:         step,
		Response:     resp,
		FailureKinds: ClassifyFailure(cause),
		Err:          cause,
	})
	if adv != nil && adv.InterruptType != "" {
		return e.applyAdvice(ctx, inst, g, resp, adv)
	}
	return e.failureTransition(ctx, inst, g, schema.StatusFailed, msg, true)
}

// --- resume ---

var errStillStarting = schema.NewError(schema.ErrCodeTimeout, "instance is still starting")

func (e *executorImpl) Resume(ctx context.Context, instanceID string, results map[string]any, isError bool) error {
	inst, err := e.awaitStarted(ctx, instanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
	if !schema.ContainsStatus(resumableStatuses, inst.Status) {
		e.logger.DebugContext(ctx, "ignoring late wake-up", "status", inst.Status)
		return nil
	}

	g, step, err := e.load(ctx, inst)
	if err != nil {
		return e.finish(ctx, inst, schema.StatusError, err.Error())
	}

	var resp *graph.Response
	if isError {
		resp = &graph.Response{Status: schema.StatusError, ErrorMessage: errorMessageOf(results)}
	} else {
		resp, err = e.handleAsync(ctx, step, e.newContext(ctx, inst, g), results)
		if err != nil {
			return e.handleExecuteException(ctx, inst, g, step, err)
		}
	}
	return e.handleResponse(ctx, inst, g, step, resp)
}

// awaitStarted polls with backoff while the instance has not left
// NEW/QUEUED/STARTING, since a fast external task can complete before the
// run that started it persisted RUNNING.
func (e *executorImpl) awaitStarted(ctx context.Context, instanceID string) (*store.ExecutionInstance, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = e.cfg.ResumeWait

	var inst *store.ExecutionInstance
	err := backoff.Retry(func() error {
		cur, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return backoff.Permanent(err)
		}
		inst = cur
		if schema.ContainsStatus(pendingStatuses, cur.Status) {
			return errStillStarting
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// --- waiter callbacks ---

func (e *executorImpl) onResume(instanceID string) waiter.Callback {
	return func(ctx context.Context, results map[string]any, isError bool) {
		e.pool.Go(ctx, func(ctx context.Context) error {
			return e.Resume(ctx, instanceID, results, isError)
		})
	}
}

func (e *executorImpl) onRun(instanceID string, afterWait bool) waiter.Callback {
	return func(ctx context.Context, _ map[string]any, _ bool) {
		e.dispatchRun(ctx, instanceID, afterWait)
	}
}

// onResumeAll records the RESUME_ALL that released a held instance, then
// runs it.
func (e *executorImpl) onResumeAll(instanceID string) waiter.Callback {
	return func(ctx context.Context, results map[string]any, _ bool) {
		e.pool.Go(ctx, func(ctx context.Context) error {
			released := false
			for _, v := range results {
				in, ok := v.(*store.Interrupt)
				if !ok {
					continue
				}
				now := e.now().UnixMilli()
				applied, err := e.store.ConditionalUpdate(ctx, instanceID, []schema.ExecutionStatus{schema.StatusPaused},
					func(i *store.ExecutionInstance) error {
						i.InterruptHistory = append(i.InterruptHistory, store.InterruptEffect{
							InterruptID: in.ID, InterruptType: in.Type, Timestamp: now,
						})
						return nil
					})
				if err != nil {
					e.logger.WarnContext(ctx, "could not record resume-all", "instance_id", instanceID, "error", err)
				} else if !applied {
					released = true
				}
			}
			// A RESUME already ran it; the instance is no longer held.
			if released {
				e.logger.DebugContext(ctx, "instance released before resume-all", "instance_id", instanceID)
				return nil
			}
			return e.runStep(ctx, instanceID, false)
		})
	}
}

// onInputs merges the inputs a PAUSE_FOR_INPUTS instance was waiting for
// into its params and resumes it.
func (e *executorImpl) onInputs(instanceID string) waiter.Callback {
	return func(ctx context.Context, results map[string]any, isError bool) {
		e.pool.Go(ctx, func(ctx context.Context) error {
			_, err := e.store.ConditionalUpdate(ctx, instanceID, []schema.ExecutionStatus{schema.StatusPaused},
				func(i *store.ExecutionInstance) error {
					i.WaitingForInputs = false
					for _, v := range results {
						inputs, ok := v.(map[string]any)
						if !ok {
							continue
						}
						if i.StateParams == nil {
							i.StateParams = make(map[string]any, len(inputs))
						}
						for k, val := range inputs {
							i.StateParams[k] = val
						}
					}
					return nil
				})
			if err != nil {
				return err
			}
			return e.Resume(ctx, instanceID, results, isError)
		})
	}
}

// onDelayedRetry registers a RETRY once a scheduled retry delay elapses.
func (e *executorImpl) onDelayedRetry(inst *store.ExecutionInstance, params map[string]any) waiter.Callback {
	executionID, instanceID, accountID := inst.ExecutionID, inst.ID, inst.AccountID
	return func(ctx context.Context, _ map[string]any, _ bool) {
		_, err := e.interrupts.Register(ctx, &store.Interrupt{
			Type:        schema.InterruptRetry,
			ExecutionID: executionID,
			InstanceID:  instanceID,
			AccountID:   accountID,
			Properties:  params,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "scheduled retry not registered", "instance_id", instanceID, "error", err)
		}
	}
}

func inputsWaitID(inst *store.ExecutionInstance) string {
	return inst.PipelineStageElementID + "_" + inst.ExecutionID
}
