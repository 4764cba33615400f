package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/streaming"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
)

// InterruptHandler applies a validated, persisted interrupt.
type InterruptHandler interface {
	HandleInterrupt(ctx context.Context, in *store.Interrupt) error
}

// InterruptManager validates interrupts against the state of their
// execution, persists them and hands them to the executor.
type InterruptManager struct {
	store   store.Store
	waiter  waiter.Waiter
	handler InterruptHandler
	hub     streaming.Hub
	logger  *slog.Logger

	// mu serializes registration so the exclusivity checks and the write
	// that follows them are atomic within the process.
	mu sync.Mutex
}

// NewInterruptManager creates a manager. hub may be nil.
func NewInterruptManager(s store.Store, w waiter.Waiter, h InterruptHandler, hub streaming.Hub, logger *slog.Logger) *InterruptManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterruptManager{store: s, waiter: w, handler: h, hub: hub, logger: logger}
}

// staysOpen lists interrupts that remain unseized after handling because
// their presence is what later checks look for.
func staysOpen(t schema.InterruptType) bool {
	switch t {
	case schema.InterruptPauseAll, schema.InterruptAbortAll, schema.InterruptRollback, schema.InterruptPause:
		return true
	}
	return false
}

// Register validates, persists and applies an interrupt.
func (m *InterruptManager) Register(ctx context.Context, in *store.Interrupt) (*store.Interrupt, error) {
	if in == nil || in.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "interrupt type is required")
	}
	if in.ExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution_id is required")
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	ctx = logging.WithIDs(ctx, in.ExecutionID, in.InstanceID, "")

	m.mu.Lock()
	wake, err := m.validate(ctx, in)
	if err == nil {
		err = m.store.SaveInterrupt(ctx, in)
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.InfoContext(ctx, "interrupt rejected", "interrupt_type", in.Type, "error", err)
		return nil, err
	}

	m.logger.InfoContext(ctx, "interrupt registered", "interrupt_id", in.ID, "interrupt_type", in.Type)
	m.publish(ctx, in, schema.EventInterruptRegistered)
	if wake != "" {
		m.waiter.DoneWith(wake, in)
	}

	if err := m.handler.HandleInterrupt(ctx, in); err != nil {
		return in, err
	}
	if !staysOpen(in.Type) && !in.Seized {
		if err := m.Seize(ctx, in); err != nil {
			m.logger.WarnContext(ctx, "interrupt not seized", "interrupt_id", in.ID, "error", err)
		}
	}
	return in, nil
}

// validate checks in against the execution state and performs the seizes
// the registration implies. It returns a correlation id to wake once the
// interrupt is stored.
func (m *InterruptManager) validate(ctx context.Context, in *store.Interrupt) (string, error) {
	if in.Type.IsInstanceScoped() || in.Type == schema.InterruptContinuePipelineStage {
		if in.InstanceID == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "%s requires instance_id", in.Type)
		}
		inst, err := m.store.GetInstance(ctx, in.InstanceID)
		if err != nil {
			return "", err
		}
		if inst.ExecutionID != in.ExecutionID {
			return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
				"instance %s does not belong to execution %s", inst.ID, in.ExecutionID)
		}
		allowed, ok := schema.InterruptSourceStatuses[in.Type]
		if !ok {
			allowed = []schema.ExecutionStatus{schema.StatusPaused}
		}
		if !schema.ContainsStatus(allowed, inst.Status) {
			return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
				"cannot %s instance %s in status %s", in.Type, inst.ID, inst.Status).
				WithDetails(map[string]any{"status": string(inst.Status), "interrupt_type": string(in.Type)})
		}
		if in.AccountID == "" {
			in.AccountID = inst.AccountID
		}
		return "", nil
	}

	switch in.Type {
	case schema.InterruptRollback:
		insts, err := m.store.ListInstances(ctx, store.InstanceFilter{ExecutionID: in.ExecutionID, Limit: 1})
		if err != nil {
			return "", err
		}
		if len(insts) == 0 {
			return "", schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", in.ExecutionID)
		}
		if !insts[0].OnDemandRollback {
			return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
				"execution %s does not allow on-demand rollback", in.ExecutionID)
		}
		open, err := m.open(ctx, in.ExecutionID, schema.InterruptRollback)
		if err != nil {
			return "", err
		}
		if len(open) > 0 {
			return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
				"execution %s already has a rollback in progress", in.ExecutionID)
		}

	case schema.InterruptPauseAll:
		open, err := m.open(ctx, in.ExecutionID, schema.InterruptPauseAll, schema.InterruptResumeAll)
		if err != nil {
			return "", err
		}
		for _, o := range open {
			if o.Type == schema.InterruptPauseAll {
				return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
					"execution %s is already paused", in.ExecutionID)
			}
		}
		for _, o := range open {
			if err := m.Seize(ctx, o); err != nil {
				return "", err
			}
		}

	case schema.InterruptResumeAll:
		open, err := m.open(ctx, in.ExecutionID, schema.InterruptPauseAll)
		if err != nil {
			return "", err
		}
		if len(open) == 0 {
			return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
				"execution %s is not paused", in.ExecutionID)
		}
		for _, o := range open {
			if err := m.Seize(ctx, o); err != nil {
				return "", err
			}
		}
		return open[0].ID, nil

	case schema.InterruptAbortAll:
		open, err := m.open(ctx, in.ExecutionID)
		if err != nil {
			return "", err
		}
		for _, o := range open {
			if o.Type == schema.InterruptAbortAll {
				return "", schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
					"execution %s is already being aborted", in.ExecutionID)
			}
		}
		for _, o := range open {
			if err := m.Seize(ctx, o); err != nil {
				return "", err
			}
		}

	case schema.InterruptEndExecution:
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "interrupt type %s cannot be registered", in.Type)
	}
	return "", nil
}

// open lists the unseized interrupts of an execution, optionally of the
// given types only.
func (m *InterruptManager) open(ctx context.Context, executionID string, types ...schema.InterruptType) ([]*store.Interrupt, error) {
	unseized := false
	return m.store.ListInterrupts(ctx, store.InterruptFilter{
		ExecutionID: executionID,
		Types:       types,
		Seized:      &unseized,
	})
}

// Seize marks an interrupt as consumed. It is idempotent.
func (m *InterruptManager) Seize(ctx context.Context, in *store.Interrupt) error {
	if err := m.store.SeizeInterrupt(ctx, in.ID); err != nil {
		return err
	}
	in.Seized = true
	m.publish(ctx, in, schema.EventInterruptSeized)
	return nil
}

func (m *InterruptManager) publish(ctx context.Context, in *store.Interrupt, event string) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Publish(ctx, streaming.StatusUpdate{
		EventType:   event,
		ExecutionID: in.ExecutionID,
		InstanceID:  in.InstanceID,
		AccountID:   in.AccountID,
		Message:     string(in.Type),
		Payload:     in,
		Timestamp:   time.Now().UTC(),
	})
}

// --- executor side ---

func (e *executorImpl) HandleInterrupt(ctx context.Context, in *store.Interrupt) error {
	switch in.Type {
	case schema.InterruptPauseAll, schema.InterruptResumeAll:
		// Held instances are parked by runStep and released through the waiter.
		return nil
	case schema.InterruptAbortAll:
		return e.abortAll(ctx, in)
	case schema.InterruptEndExecution, schema.InterruptRollback:
		return e.endExecution(ctx, in)
	}

	inst, err := e.store.GetInstance(ctx, in.InstanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
	prev := lastEffect(inst)
	if in.Type != schema.InterruptRetry {
		e.noteInterrupt(ctx, inst, in)
	}

	g, err := e.graphs.Get(ctx, inst.GraphID)
	if err != nil {
		return err
	}

	switch in.Type {
	case schema.InterruptResume:
		return e.resumeInterrupted(ctx, inst, g, in, prev)

	case schema.InterruptMarkSuccess:
		return e.successTransition(ctx, inst, g, schema.StatusSuccess)

	case schema.InterruptMarkFailed:
		return e.failureTransition(ctx, inst, g, schema.StatusFailed, "marked failed by interrupt", false)

	case schema.InterruptIgnore:
		status := schema.StatusSkipped
		if sd, ok := inst.StateData[inst.DisplayName]; ok && sd.Status.IsFinal() {
			status = sd.Status
		}
		return e.successTransition(ctx, inst, g, status)

	case schema.InterruptRetry:
		return e.retry(ctx, inst, g, in)

	case schema.InterruptPause:
		return e.pause(ctx, inst, in)

	case schema.InterruptAbort:
		return e.discontinue(ctx, inst, schema.StatusAborted)

	case schema.InterruptMarkExpired:
		return e.discontinue(ctx, inst, schema.StatusExpired)

	case schema.InterruptContinueWithDefaults:
		e.waiter.DoneWith(inputsWaitID(inst), nil)
		return nil

	case schema.InterruptContinuePipelineStage:
		e.waiter.DoneWith(inputsWaitID(inst), in.Properties)
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidInterrupt, "unsupported interrupt %s", in.Type)
}

// noteInterrupt appends in to the instance history. It is best-effort.
func (e *executorImpl) noteInterrupt(ctx context.Context, inst *store.ExecutionInstance, in *store.Interrupt) {
	effect := store.InterruptEffect{InterruptID: in.ID, InterruptType: in.Type, Timestamp: e.now().UnixMilli()}
	if _, err := e.cas(ctx, inst, schema.ActiveStatuses, func(i *store.ExecutionInstance) error {
		i.InterruptHistory = append(i.InterruptHistory, effect)
		return nil
	}); err != nil {
		e.logger.WarnContext(ctx, "interrupt not recorded on instance", "interrupt_id", in.ID, "error", err)
	}
}

func lastEffect(inst *store.ExecutionInstance) schema.InterruptType {
	if n := len(inst.InterruptHistory); n > 0 {
		return inst.InterruptHistory[n-1].InterruptType
	}
	return ""
}

// resumeInterrupted releases a PAUSED or WAITING instance.
func (e *executorImpl) resumeInterrupted(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, in *store.Interrupt, prev schema.InterruptType) error {
	if inst.Status == schema.StatusWaiting {
		return e.successTransition(ctx, inst, g, schema.StatusSuccess)
	}
	if inst.WaitingForInputs {
		e.waiter.DoneWith(inputsWaitID(inst), in.Properties)
		return nil
	}

	unseized := false
	pauses, err := e.store.ListInterrupts(ctx, store.InterruptFilter{
		ExecutionID: inst.ExecutionID,
		Types:       []schema.InterruptType{schema.InterruptPause},
		Seized:      &unseized,
	})
	if err != nil {
		return err
	}
	for _, p := range pauses {
		if p.InstanceID != inst.ID {
			continue
		}
		if err := e.interrupts.Seize(ctx, p); err != nil {
			return err
		}
		e.waiter.DoneWith(p.ID, nil)
		e.dispatchRun(ctx, inst.ID, false)
		return nil
	}

	// Paused while an async task was in flight: keep waiting for it.
	if sd, ok := inst.StateData[inst.DisplayName]; ok && prev == schema.InterruptPause && sd.Status == schema.StatusRunning {
		applied, err := e.updateStatus(ctx, inst, schema.StatusRunning, []schema.ExecutionStatus{schema.StatusPaused}, nil)
		if err != nil {
			return err
		}
		if !applied {
			return e.lostRace(ctx, inst, "resume")
		}
		return nil
	}

	// Held before it ever ran: run the step rather than assume it succeeded.
	if inst.StartTs == 0 {
		e.dispatchRun(ctx, inst.ID, false)
		return nil
	}

	return e.Resume(ctx, inst.ID, map[string]any{in.ID: graph.Result{Status: schema.StatusSuccess}}, false)
}

// pause parks an instance. An instance that has not started keeps the
// interrupt open so runStep holds it.
func (e *executorImpl) pause(ctx context.Context, inst *store.ExecutionInstance, in *store.Interrupt) error {
	started := inst.Status != schema.StatusNew && inst.Status != schema.StatusQueued
	applied, err := e.updateStatus(ctx, inst, schema.StatusPaused, schema.InterruptSourceStatuses[schema.InterruptPause], nil)
	if err != nil {
		return err
	}
	if !applied {
		return schema.NewErrorf(schema.ErrCodeInvalidInterrupt, "instance %s can no longer be paused", inst.ID)
	}
	if started {
		return e.interrupts.Seize(ctx, in)
	}
	return nil
}

// retry resets the step output and runs the step again.
func (e *executorImpl) retry(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, in *store.Interrupt) error {
	params := inst.StateParams
	if len(in.Properties) > 0 {
		params = make(map[string]any, len(in.Properties))
		for k, v := range in.Properties {
			params[k] = v
		}
	}

	step, err := g.Step(inst.ChildGraphID, stepKeyOf(inst))
	if err != nil {
		return err
	}
	step, err = graph.Overridden(step, params)
	if err != nil {
		return err
	}
	timeout := step.TimeoutMillis(e.newContext(ctx, inst, g))
	if timeout == nil {
		timeout = inst.StateTimeoutMillis
	}

	now := e.now().UnixMilli()
	applied, err := e.updateStatus(ctx, inst, schema.StatusNew,
		schema.InterruptSourceStatuses[schema.InterruptRetry],
		func(i *store.ExecutionInstance) error {
			if sd, ok := i.StateData[i.DisplayName]; ok {
				i.StateDataHistory = append(i.StateDataHistory, sd)
				delete(i.StateData, i.DisplayName)
			}
			i.StateParams = params
			i.Retry = true
			i.RetryCount++
			i.StartTs = 0
			i.EndTs = 0
			i.ErrorMessage = ""
			i.ExternalTaskIDs = nil
			i.WaitingForManualIntervention = false
			i.ActionOnTimeout = ""
			i.StateTimeoutMillis = timeout
			i.WaitIntervalSeconds = step.WaitIntervalSeconds()
			i.ExpiryTs = e.expiryOf(now, i, i.WaitIntervalSeconds)
			i.InterruptHistory = append(i.InterruptHistory, store.InterruptEffect{
				InterruptID: in.ID, InterruptType: in.Type, Timestamp: now,
			})
			return nil
		})
	if err != nil {
		return err
	}
	if !applied {
		return schema.NewErrorf(schema.ErrCodeInvalidInterrupt, "instance %s can no longer be retried", inst.ID)
	}
	e.logger.InfoContext(ctx, "retrying step", "attempt", inst.RetryCount)
	e.dispatchRun(ctx, inst.ID, false)
	return nil
}

// discontinue aborts or expires one instance. An instance found already
// DISCONTINUING is stuck and is terminated directly.
func (e *executorImpl) discontinue(ctx context.Context, inst *store.ExecutionInstance, status schema.ExecutionStatus) error {
	if inst.Status == schema.StatusDiscontinuing {
		stuck := schema.NewErrorf(schema.ErrCodeStuckInstance, "stuck discontinuing instance %s, terminating", inst.ID)
		e.logger.WarnContext(ctx, "stuck discontinuing instance, terminating", "error", stuck)
		applied, err := e.updateStatus(ctx, inst, status, []schema.ExecutionStatus{schema.StatusDiscontinuing},
			func(i *store.ExecutionInstance) error {
				i.ErrorMessage = appendMessage(i.ErrorMessage, "stuck discontinuing instance, terminating")
				return nil
			})
		if err != nil {
			return err
		}
		if !applied {
			return stuck
		}
		e.endTransition(ctx, inst, status)
		return nil
	}

	marked, err := e.markDiscontinuing(ctx, inst)
	if err != nil {
		return err
	}
	if !marked {
		cur, err := e.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeInvalidInterrupt,
			"cannot discontinue instance %s in status %s", inst.ID, cur.Status)
	}
	e.discontinueMarked(ctx, inst, status)
	return nil
}

func (e *executorImpl) markDiscontinuing(ctx context.Context, inst *store.ExecutionInstance) (bool, error) {
	expiry := e.now().Add(e.cfg.AbortGracePeriod).UnixMilli()
	return e.updateStatus(ctx, inst, schema.StatusDiscontinuing, abortableStatuses, func(i *store.ExecutionInstance) error {
		i.ExpiryTs = expiry
		return nil
	})
}

// discontinueMarked cancels the external work of a DISCONTINUING instance
// and terminates it. Cancellation failures are logged, never fatal.
func (e *executorImpl) discontinueMarked(ctx context.Context, inst *store.ExecutionInstance, status schema.ExecutionStatus) {
	ctx = logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
	expired := status == schema.StatusExpired

	var messages []string
	g, step, err := e.load(ctx, inst)
	if err != nil {
		e.logger.WarnContext(ctx, "step not loaded for cancellation", "error", err)
	} else {
		ec := e.newContext(ctx, inst, g)
		if c, ok := step.(graph.ExternalTaskCanceler); ok {
			for _, id := range inst.ExternalTaskIDs {
				msg, err := c.CancelExternalTask(ctx, ec, id, expired)
				if err != nil {
					e.logger.WarnContext(ctx, "external task not cancelled", "task_id", id, "error", err)
					continue
				}
				if expired && msg != "" {
					messages = append(messages, msg)
				}
			}
		}
		if err := safeAbort(ctx, step, ec); err != nil {
			e.logger.WarnContext(ctx, "abort hook failed", "error", err)
		}
	}

	msg := strings.Join(messages, "; ")
	if msg == "" {
		msg = "execution " + strings.ToLower(string(status))
	}
	applied, err := e.updateStatus(ctx, inst, status, []schema.ExecutionStatus{schema.StatusDiscontinuing},
		func(i *store.ExecutionInstance) error {
			i.ErrorMessage = appendMessage(i.ErrorMessage, msg)
			return nil
		})
	if err != nil {
		e.logger.ErrorContext(ctx, "instance not terminated", "error", err)
		return
	}
	if !applied {
		_ = e.lostRace(ctx, inst, "discontinue")
		return
	}
	e.logger.InfoContext(ctx, "instance discontinued", "status", status)
	e.endTransition(ctx, inst, status)
	e.consult(ctx, &AdviceEvent{
		Phase:        PhaseDiscontinue,
		Instance:     inst,
		Step:         step,
		FailureKinds: []schema.FailureKind{schema.FailureExpired},
	})
}

func safeAbort(ctx context.Context, step graph.Step, ec *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "abort hook panicked: %v", r).WithStep(step.Name())
		}
	}()
	return step.HandleAbort(ctx, ec)
}

func appendMessage(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return existing + "; " + msg
}

// abortAll discontinues every active instance created since the execution
// started. All of them are marked in one pass first so no instance can
// spawn or advance in between; deeper instances are then terminated before
// their parents.
func (e *executorImpl) abortAll(ctx context.Context, in *store.Interrupt) error {
	targets, err := e.activeSinceStart(ctx, in.ExecutionID, abortableStatuses)
	if err != nil {
		return err
	}
	marked := e.markAll(ctx, targets, in)
	for _, inst := range marked {
		e.discontinueMarked(ctx, inst, schema.StatusAborted)
	}
	e.logger.InfoContext(ctx, "execution aborted", "instances", len(marked))
	return nil
}

// endExecution fails every WAITING instance and aborts the rest.
func (e *executorImpl) endExecution(ctx context.Context, in *store.Interrupt) error {
	targets, err := e.activeSinceStart(ctx, in.ExecutionID, abortableStatuses)
	if err != nil {
		return err
	}
	var waiting, running []*store.ExecutionInstance
	for _, inst := range targets {
		if inst.Status == schema.StatusWaiting {
			waiting = append(waiting, inst)
		} else {
			running = append(running, inst)
		}
	}
	for _, inst := range e.markAll(ctx, running, in) {
		e.discontinueMarked(ctx, inst, schema.StatusAborted)
	}
	msg := "ended by " + strings.ToLower(string(in.Type)) + " interrupt"
	for _, inst := range waiting {
		ictx := logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
		applied, err := e.finalize(ictx, inst, schema.StatusFailed, msg)
		if err != nil {
			e.logger.WarnContext(ictx, "waiting instance not failed", "error", err)
			continue
		}
		if applied {
			e.endTransition(ictx, inst, schema.StatusFailed)
		}
	}
	return nil
}

func (e *executorImpl) activeSinceStart(ctx context.Context, executionID string, statuses []schema.ExecutionStatus) ([]*store.ExecutionInstance, error) {
	all, err := e.store.ListInstances(ctx, store.InstanceFilter{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	start := all[0].CreatedAt
	for _, inst := range all {
		if inst.CreatedAt.Before(start) {
			start = inst.CreatedAt
		}
	}
	return e.store.ListInstances(ctx, store.InstanceFilter{
		ExecutionID:  executionID,
		Statuses:     statuses,
		CreatedSince: start,
	})
}

// markAll marks targets DISCONTINUING and returns those it marked, deepest
// first.
func (e *executorImpl) markAll(ctx context.Context, targets []*store.ExecutionInstance, in *store.Interrupt) []*store.ExecutionInstance {
	now := e.now().UnixMilli()
	var marked []*store.ExecutionInstance
	for _, inst := range targets {
		ictx := logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
		expiry := e.now().Add(e.cfg.AbortGracePeriod).UnixMilli()
		applied, err := e.updateStatus(ictx, inst, schema.StatusDiscontinuing, abortableStatuses, func(i *store.ExecutionInstance) error {
			i.ExpiryTs = expiry
			i.InterruptHistory = append(i.InterruptHistory, store.InterruptEffect{
				InterruptID: in.ID, InterruptType: in.Type, Timestamp: now,
			})
			return nil
		})
		if err != nil {
			e.logger.WarnContext(ictx, "instance not marked for abort", "error", err)
			continue
		}
		if applied {
			marked = append(marked, inst)
		}
	}

	byID := make(map[string]*store.ExecutionInstance, len(marked))
	for _, inst := range marked {
		byID[inst.ID] = inst
	}
	depth := func(inst *store.ExecutionInstance) int {
		d := 0
		for p := byID[inst.ParentInstanceID]; p != nil && d < len(byID); p = byID[p.ParentInstanceID] {
			d++
		}
		return d
	}
	sort.SliceStable(marked, func(a, b int) bool { return depth(marked[a]) > depth(marked[b]) })
	return marked
}
