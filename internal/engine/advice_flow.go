package engine

import (
	"context"
	"time"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// applyAdvice replaces the default transition of a settled step run with
// the one an advisor asked for.
func (e *executorImpl) applyAdvice(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, resp *graph.Response, adv *Advice) error {
	outcome := schema.StatusFailed
	msg := ""
	if resp != nil {
		msg = resp.ErrorMessage
		if resp.Status.IsFinal() {
			outcome = resp.Status
		}
	}
	e.logger.InfoContext(ctx, "applying advice", "advice", adv.InterruptType, "outcome", outcome)

	switch adv.InterruptType {
	case schema.InterruptMarkFailed:
		return e.failureTransition(ctx, inst, g, schema.StatusFailed, msg, true)

	case schema.InterruptMarkSuccess:
		return e.successTransition(ctx, inst, g, schema.StatusSuccess)

	case schema.InterruptIgnore:
		return e.successTransition(ctx, inst, g, outcome)

	case schema.InterruptAbort:
		return e.finish(ctx, inst, schema.StatusAborted, msg)

	case schema.InterruptPause:
		return e.parkForIntervention(ctx, inst, store.NoExpiry, nil)

	case schema.InterruptWaitingForManual:
		expiry := store.NoExpiry
		if adv.TimeoutMillis > 0 {
			expiry = e.now().UnixMilli() + adv.TimeoutMillis
		}
		return e.parkForIntervention(ctx, inst, expiry, func(i *store.ExecutionInstance) error {
			i.WaitingForManualIntervention = true
			i.ActionOnTimeout = adv.ActionOnTimeout
			return nil
		})

	case schema.InterruptPauseForInputs:
		applied, err := e.updateStatus(ctx, inst, schema.StatusPaused, settleStatuses, func(i *store.ExecutionInstance) error {
			i.WaitingForInputs = true
			i.ExpiryTs = store.NoExpiry
			return nil
		})
		if err != nil {
			return err
		}
		if !applied {
			return e.lostRace(ctx, inst, "pause for inputs")
		}
		e.waiter.WaitOn(e.onInputs(inst.ID), inputsWaitID(inst))
		e.alert(ctx, inst, "waiting for inputs")
		return nil

	case schema.InterruptRetry:
		applied, err := e.updateStatus(ctx, inst, schema.StatusWaiting, settleStatuses, nil)
		if err != nil {
			return err
		}
		if !applied {
			return e.lostRace(ctx, inst, "schedule retry")
		}
		if adv.WaitIntervalSeconds > 0 {
			delayID := e.waiter.Delay(time.Duration(adv.WaitIntervalSeconds)*time.Second, nil)
			e.waiter.WaitOn(e.onDelayedRetry(inst, adv.StateParams), delayID)
			e.logger.InfoContext(ctx, "retry scheduled", "wait_seconds", adv.WaitIntervalSeconds, "attempt", inst.RetryCount+1)
			return nil
		}
		_, err = e.interrupts.Register(ctx, &store.Interrupt{
			Type:        schema.InterruptRetry,
			ExecutionID: inst.ExecutionID,
			InstanceID:  inst.ID,
			AccountID:   inst.AccountID,
			Properties:  adv.StateParams,
		})
		return err

	case schema.InterruptNextStep, schema.InterruptRollback, schema.InterruptRollbackAfterPhases:
		next, childGraphID, err := adviceTarget(g, inst, adv)
		if err != nil {
			return e.finish(ctx, inst, schema.StatusError, err.Error())
		}
		applied, err := e.finalize(ctx, inst, outcome, msg)
		if err != nil || !applied {
			return err
		}
		return e.advance(ctx, inst, g, next, childGraphID, adv)

	case schema.InterruptRollbackDone:
		if inst.OnDemandRollback {
			return e.successTransition(ctx, inst, g, schema.StatusSuccess)
		}
		return e.finish(ctx, inst, schema.StatusFailed, msg)

	case schema.InterruptEndExecution:
		status := outcome
		if resp == nil || !resp.Status.IsFinal() {
			status = schema.StatusAborted
		}
		return e.finish(ctx, inst, status, msg)
	}

	e.logger.WarnContext(ctx, "unsupported advice, using default transition", "advice", adv.InterruptType)
	if outcome.IsPositive() {
		return e.successTransition(ctx, inst, g, outcome)
	}
	return e.failureTransition(ctx, inst, g, outcome, msg, true)
}

// parkForIntervention moves inst to WAITING until an operator acts on it.
func (e *executorImpl) parkForIntervention(ctx context.Context, inst *store.ExecutionInstance, expiry int64, extra store.Mutation) error {
	applied, err := e.updateStatus(ctx, inst, schema.StatusWaiting, settleStatuses, func(i *store.ExecutionInstance) error {
		i.ExpiryTs = expiry
		if extra != nil {
			return extra(i)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return e.lostRace(ctx, inst, "wait for intervention")
	}
	e.alert(ctx, inst, "manual intervention required")
	return nil
}

// alert publishes an alert for an instance that needs a human.
func (e *executorImpl) alert(ctx context.Context, inst *store.ExecutionInstance, message string) {
	e.logger.WarnContext(ctx, "alert opened", "message", message)
	e.publish(ctx, inst, schema.EventAlertOpened, message)
}

// adviceTarget resolves where a redirecting advice points. A child graph
// without a step name means that graph's initial step; ROLLBACK prefers the
// rollback step of a shared name.
func adviceTarget(g *graph.Graph, inst *store.ExecutionInstance, adv *Advice) (graph.Step, string, error) {
	if adv.NextStepName == "" && adv.NextChildGraphID == "" {
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
			"advice %s names neither a next step nor a child graph", adv.InterruptType)
	}
	childGraphID := adv.NextChildGraphID
	if childGraphID == "" {
		childGraphID = inst.ChildGraphID
	}
	if adv.NextStepName == "" {
		s, err := g.InitialStep(childGraphID)
		return s, childGraphID, err
	}
	if adv.InterruptType == schema.InterruptRollback {
		if s, err := g.Step(childGraphID, graph.StepKey{Name: adv.NextStepName, Rollback: true}); err == nil {
			return s, childGraphID, nil
		}
	}
	s, err := g.Step(childGraphID, graph.StepKey{Name: adv.NextStepName})
	if err != nil && adv.InterruptType != schema.InterruptRollback {
		if rs, rerr := g.Step(childGraphID, graph.StepKey{Name: adv.NextStepName, Rollback: true}); rerr == nil {
			return rs, childGraphID, nil
		}
	}
	return s, childGraphID, err
}
