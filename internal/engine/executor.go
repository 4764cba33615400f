package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stagehand/internal/expressions"
	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/streaming"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
)

// Executor drives execution instances through their graph. Every run of a
// step happens on the worker pool; callers never block on step execution.
type Executor interface {
	// Start persists the initial instance of a new execution and dispatches it.
	Start(ctx context.Context, req StartRequest) (*store.ExecutionInstance, error)

	// Queue persists the initial instance as QUEUED without dispatching it.
	Queue(ctx context.Context, req StartRequest) (*store.ExecutionInstance, error)

	// StartQueuedExecution dispatches a queued execution whose only instance
	// has not started yet. It reports whether anything was dispatched.
	StartQueuedExecution(ctx context.Context, executionID string) (bool, error)

	// Resume feeds async results back into a suspended instance. Late and
	// duplicate wake-ups are ignored.
	Resume(ctx context.Context, instanceID string, results map[string]any, isError bool) error

	// HandleInterrupt applies a registered interrupt.
	HandleInterrupt(ctx context.Context, in *store.Interrupt) error

	// ExecutionContext returns the step view of a persisted instance.
	ExecutionContext(ctx context.Context, executionID, instanceID string) (*ExecutionContext, error)

	// Interrupts returns the manager that validates and routes interrupts.
	Interrupts() *InterruptManager

	// Wait blocks until no dispatched work is in flight.
	Wait()

	// Shutdown stops accepting work and waits for in-flight work.
	Shutdown()
}

// Callback receives the terminal outcome of an execution.
type Callback func(ctx context.Context, res ExecutionResult)

// ExecutionResult is the outcome handed to a Callback.
type ExecutionResult struct {
	ExecutionID  string                 `json:"execution_id"`
	InstanceID   string                 `json:"instance_id"`
	Status       schema.ExecutionStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// StartRequest describes a new execution.
type StartRequest struct {
	GraphID          string                 `json:"graph_id"`
	ExecutionID      string                 `json:"execution_id,omitempty"`
	AccountID        string                 `json:"account_id,omitempty"`
	ContextElements  []store.ContextElement `json:"context_elements,omitempty"`
	StateParams      map[string]any         `json:"state_params,omitempty"`
	ErrorStrategy    schema.ErrorStrategy   `json:"error_strategy,omitempty"`
	OnDemandRollback bool                   `json:"on_demand_rollback,omitempty"`
	Callback         Callback               `json:"-"`
}

// GraphSource resolves graphs by id. Satisfied by *graph.Repository.
type GraphSource interface {
	Get(ctx context.Context, id string) (*graph.Graph, error)
}

// Defaults for ExecutorConfig.
const (
	DefaultPoolSize         = 10
	DefaultStepTimeout      = 10 * time.Minute
	DefaultAbortGracePeriod = 30 * time.Second
	DefaultResumeWait       = 10 * time.Second
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize         int           // max concurrent dispatches
	DefaultTimeout   time.Duration // step timeout when the step declares none
	AbortGracePeriod time.Duration // expiry given to a DISCONTINUING instance
	ResumeWait       time.Duration // how long Resume waits for a starting instance
	Advisors         []Advisor
	DefaultCallback  Callback      // used when an execution registered none
}

type executorImpl struct {
	store    store.Store
	graphs   GraphSource
	waiter   waiter.Waiter
	hub      streaming.Hub
	pool     *WorkerPool
	advisors AdvisorChain
	renderer *expressions.Renderer
	jq       *expressions.GoJQEngine
	cfg      ExecutorConfig
	logger   *slog.Logger
	now      func() time.Time

	interrupts *InterruptManager

	// mu guards callbacks.
	mu        sync.Mutex
	callbacks map[string]Callback
}

// NewExecutor creates an Executor. hub may be nil to disable status updates.
func NewExecutor(s store.Store, graphs GraphSource, w waiter.Waiter, hub streaming.Hub, cfg ExecutorConfig, logger *slog.Logger) Executor {
	return newExecutor(s, graphs, w, hub, cfg, logger)
}

func newExecutor(s store.Store, graphs GraphSource, w waiter.Waiter, hub streaming.Hub, cfg ExecutorConfig, logger *slog.Logger) *executorImpl {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.AbortGracePeriod <= 0 {
		cfg.AbortGracePeriod = DefaultAbortGracePeriod
	}
	if cfg.ResumeWait <= 0 {
		cfg.ResumeWait = DefaultResumeWait
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &executorImpl{
		store:     s,
		graphs:    graphs,
		waiter:    w,
		hub:       hub,
		pool:      NewWorkerPool(cfg.PoolSize, logger),
		advisors:  AdvisorChain(cfg.Advisors),
		renderer:  expressions.NewRenderer(expressions.NewExprEngine()),
		jq:        expressions.NewGoJQEngine(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		callbacks: make(map[string]Callback),
	}
	e.interrupts = NewInterruptManager(s, w, e, hub, logger)
	return e
}

func (e *executorImpl) Interrupts() *InterruptManager { return e.interrupts }
func (e *executorImpl) Wait()                         { e.pool.Wait() }
func (e *executorImpl) Shutdown()                     { e.pool.Shutdown() }

// --- Start / Queue ---

func (e *executorImpl) Start(ctx context.Context, req StartRequest) (*store.ExecutionInstance, error) {
	inst, err := e.create(ctx, req, schema.StatusNew)
	if err != nil {
		return nil, err
	}
	e.dispatchRun(ctx, inst.ID, false)
	return inst, nil
}

func (e *executorImpl) Queue(ctx context.Context, req StartRequest) (*store.ExecutionInstance, error) {
	return e.create(ctx, req, schema.StatusQueued)
}

func (e *executorImpl) create(ctx context.Context, req StartRequest, status schema.ExecutionStatus) (*store.ExecutionInstance, error) {
	if req.GraphID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph_id is required")
	}
	g, err := e.graphs.Get(ctx, req.GraphID)
	if err != nil {
		return nil, err
	}
	step, err := g.InitialStep("")
	if err != nil {
		return nil, err
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	} else {
		existing, err := e.store.ListInstances(ctx, store.InstanceFilter{ExecutionID: executionID, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", executionID)
		}
	}
	strategy := req.ErrorStrategy
	if strategy == "" {
		strategy = schema.ErrorStrategyFail
	}

	inst := &store.ExecutionInstance{
		ID:               uuid.New().String(),
		ExecutionID:      executionID,
		AccountID:        req.AccountID,
		GraphID:          req.GraphID,
		StepName:         step.Name(),
		Rollback:         step.IsRollback(),
		DisplayName:      step.Name(),
		Status:           status,
		ContextElements:  append([]store.ContextElement(nil), req.ContextElements...),
		StateParams:      req.StateParams,
		ErrorStrategy:    strategy,
		OnDemandRollback: req.OnDemandRollback,
	}
	if req.Callback != nil {
		inst.CallbackID = executionID
		e.mu.Lock()
		e.callbacks[executionID] = req.Callback
		e.mu.Unlock()
	}

	if err := e.prepare(ctx, inst, g, step); err != nil {
		e.forgetCallback(executionID)
		return nil, err
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.forgetCallback(executionID)
		return nil, err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
	e.logger.InfoContext(ctx, "execution created", "graph_id", inst.GraphID, "status", inst.Status)
	e.publish(ctx, inst, schema.EventInstanceCreated, "")
	return inst, nil
}

func (e *executorImpl) StartQueuedExecution(ctx context.Context, executionID string) (bool, error) {
	insts, err := e.store.ListInstances(ctx, store.InstanceFilter{ExecutionID: executionID})
	if err != nil {
		return false, err
	}
	if len(insts) == 0 {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	if len(insts) != 1 {
		return false, nil
	}
	inst := insts[0]
	if inst.Status != schema.StatusQueued && inst.Status != schema.StatusNew {
		return false, nil
	}
	e.dispatchRun(ctx, inst.ID, false)
	return true, nil
}

// prepare records the step's timeout on inst. The expiry stays infinite
// until the run claims the instance as STARTING.
func (e *executorImpl) prepare(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph, step graph.Step) error {
	step, err := graph.Overridden(step, inst.StateParams)
	if err != nil {
		return err
	}
	timeout := step.TimeoutMillis(e.newContext(ctx, inst, g))
	if timeout == nil {
		d := e.cfg.DefaultTimeout.Milliseconds()
		timeout = &d
	}
	inst.StepType = step.Type()
	inst.StateTimeoutMillis = timeout
	inst.WaitIntervalSeconds = step.WaitIntervalSeconds()
	inst.ExpiryTs = store.NoExpiry
	return nil
}

// computeExpiry returns now + timeout + wait, or NoExpiry for a negative
// (infinite) timeout.
func computeExpiry(nowMillis, timeoutMillis int64, waitSeconds int) int64 {
	if timeoutMillis < 0 {
		return store.NoExpiry
	}
	return nowMillis + timeoutMillis + int64(waitSeconds)*1000
}

func (e *executorImpl) expiryOf(nowMillis int64, inst *store.ExecutionInstance, waitSeconds int) int64 {
	timeout := e.cfg.DefaultTimeout.Milliseconds()
	if inst.StateTimeoutMillis != nil {
		timeout = *inst.StateTimeoutMillis
	}
	return computeExpiry(nowMillis, timeout, waitSeconds)
}

// --- runStep ---

func (e *executorImpl) dispatchRun(ctx context.Context, instanceID string, afterWait bool) {
	e.pool.Go(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return e.runStep(ctx, instanceID, afterWait)
	})
}

func (e *executorImpl) runStep(ctx context.Context, instanceID string, afterWait bool) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)

	expected := runnableStatuses
	if afterWait {
		expected = append(append([]schema.ExecutionStatus{}, runnableStatuses...), schema.StatusStarting)
	}

	held, err := e.holdForPause(ctx, inst, expected)
	if err != nil || held {
		return err
	}

	now := e.now().UnixMilli()
	wait := 0
	if !afterWait {
		wait = inst.WaitIntervalSeconds
	}
	applied, err := e.updateStatus(ctx, inst, schema.StatusStarting, expected, func(i *store.ExecutionInstance) error {
		i.StartTs = now
		i.ExpiryTs = e.expiryOf(now, i, wait)
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.DebugContext(ctx, "instance already claimed, dropping run")
		return nil
	}

	g, step, err := e.load(ctx, inst)
	if err != nil {
		return e.finish(ctx, inst, schema.StatusError, err.Error())
	}

	if step.WaitIntervalSeconds() > 0 && !afterWait {
		if adv := e.consult(ctx, &AdviceEvent{Phase: PhaseBeforeExecute, Instance: inst, Step: step}); adv != nil && adv.SkipState {
			return e.handleResponse(ctx, inst, g, step, skipResponse(adv))
		}
		delay := time.Duration(step.WaitIntervalSeconds()) * time.Second
		delayID := e.waiter.Delay(delay, nil)
		e.waiter.WaitOn(e.onRun(inst.ID, true), delayID)
		e.logger.DebugContext(ctx, "step waiting before execution", "wait", delay)
		return nil
	}

	var resp *graph.Response
	if adv := e.consult(ctx, &AdviceEvent{Phase: PhaseBeforeExecute, Instance: inst, Step: step}); adv != nil && adv.SkipState {
		resp = skipResponse(adv)
	} else {
		resp, err = e.execute(ctx, step, e.newContext(ctx, inst, g))
		if err != nil {
			return e.handleExecuteException(ctx, inst, g, step, err)
		}
	}
	return e.handleResponse(ctx, inst, g, step, resp)
}

// holdForPause parks inst as PAUSED when an unseized PAUSE_ALL for its
// execution, or an unseized PAUSE for inst itself, is outstanding.
func (e *executorImpl) holdForPause(ctx context.Context, inst *store.ExecutionInstance, expected []schema.ExecutionStatus) (bool, error) {
	unseized := false
	pending, err := e.store.ListInterrupts(ctx, store.InterruptFilter{
		ExecutionID: inst.ExecutionID,
		Types:       []schema.InterruptType{schema.InterruptPauseAll, schema.InterruptPause},
		Seized:      &unseized,
	})
	if err != nil {
		return false, err
	}
	var hold *store.Interrupt
	for _, in := range pending {
		if in.Type == schema.InterruptPauseAll {
			if resumedSince(inst, in.CreatedAt) {
				continue
			}
			hold = in
			break
		}
		if in.InstanceID == inst.ID && hold == nil {
			hold = in
		}
	}
	if hold == nil {
		return false, nil
	}

	// PAUSED is held until an interrupt releases it, never by the reaper.
	applied, err := e.updateStatus(ctx, inst, schema.StatusPaused, expected, func(i *store.ExecutionInstance) error {
		i.ExpiryTs = store.NoExpiry
		return nil
	})
	if err != nil {
		return true, err
	}
	if !applied {
		return true, nil
	}
	cb := e.onRun(inst.ID, false)
	if hold.Type == schema.InterruptPauseAll {
		cb = e.onResumeAll(inst.ID)
	}
	e.waiter.WaitOn(cb, hold.ID)
	e.logger.InfoContext(ctx, "instance held by pause", "interrupt_id", hold.ID, "interrupt_type", hold.Type)
	return true, nil
}

// resumedSince reports whether a RESUME reached inst at or after t. Such an
// instance was released individually and no longer honors an older PAUSE_ALL.
func resumedSince(inst *store.ExecutionInstance, t time.Time) bool {
	for _, eff := range inst.InterruptHistory {
		if eff.InterruptType == schema.InterruptResume && eff.Timestamp >= t.UnixMilli() {
			return true
		}
	}
	return false
}

func skipResponse(adv *Advice) *graph.Response {
	if adv.SkipError != "" {
		return &graph.Response{Status: schema.StatusFailed, ErrorMessage: adv.SkipError}
	}
	msg := "Skip condition: " + adv.SkipExpression
	if adv.SkipExpression == "" {
		msg = "skipped by advisor"
	}
	return &graph.Response{Status: schema.StatusSkipped, ErrorMessage: msg}
}

// execute runs the step, turning a panic or a nil response into an error.
func (e *executorImpl) execute(ctx context.Context, step graph.Step, ec *ExecutionContext) (resp *graph.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "step panicked: %v", r).WithStep(step.Name())
		}
	}()
	resp, err = step.Execute(ctx, ec)
	if err == nil && resp == nil {
		err = schema.NewError(schema.ErrCodeStepExecution, "step returned no response").WithStep(step.Name())
	}
	return resp, err
}

func (e *executorImpl) handleAsync(ctx context.Context, step graph.Step, ec *ExecutionContext, results map[string]any) (resp *graph.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "async handler panicked: %v", r).WithStep(step.Name())
		}
	}()
	resp, err = step.HandleAsyncResponse(ctx, ec, results)
	if err == nil && resp == nil {
		err = schema.NewError(schema.ErrCodeStepExecution, "async handler returned no response").WithStep(step.Name())
	}
	return resp, err
}

// --- helpers ---

// load resolves the graph and the step of inst, with its persisted
// overrides applied.
func (e *executorImpl) load(ctx context.Context, inst *store.ExecutionInstance) (*graph.Graph, graph.Step, error) {
	g, err := e.graphs.Get(ctx, inst.GraphID)
	if err != nil {
		return nil, nil, err
	}
	step, err := g.Step(inst.ChildGraphID, stepKeyOf(inst))
	if err != nil {
		return g, nil, err
	}
	step, err = graph.Overridden(step, inst.StateParams)
	if err != nil {
		return g, nil, err
	}
	return g, step, nil
}

func (e *executorImpl) newContext(ctx context.Context, inst *store.ExecutionInstance, g *graph.Graph) *ExecutionContext {
	return newExecutionContext(ctx, inst, g, e.renderer, e.jq)
}

func (e *executorImpl) ExecutionContext(ctx context.Context, executionID, instanceID string) (*ExecutionContext, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if executionID != "" && inst.ExecutionID != executionID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"instance %q does not belong to execution %q", instanceID, executionID)
	}
	g, err := e.graphs.Get(ctx, inst.GraphID)
	if err != nil {
		return nil, err
	}
	return e.newContext(ctx, inst, g), nil
}

// consult asks the advisor chain. A panicking advisor counts as no advice.
func (e *executorImpl) consult(ctx context.Context, ev *AdviceEvent) (adv *Advice) {
	if len(e.advisors) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "advisor panicked", "phase", ev.Phase, "panic", r)
			adv = nil
		}
	}()
	return e.advisors.Consult(ctx, ev)
}

// cas applies mutate to the stored instance guarded on expected and, when
// applied, to inst as well so the caller's copy tracks the store.
func (e *executorImpl) cas(ctx context.Context, inst *store.ExecutionInstance, expected []schema.ExecutionStatus, mutate store.Mutation) (bool, error) {
	applied, err := e.store.ConditionalUpdate(ctx, inst.ID, expected, mutate)
	if err != nil || !applied {
		return applied, err
	}
	return true, mutate(inst)
}

// updateStatus moves inst to status from any of expected that the
// transition table allows, applying extra in the same write.
func (e *executorImpl) updateStatus(ctx context.Context, inst *store.ExecutionInstance, to schema.ExecutionStatus,
	expected []schema.ExecutionStatus, extra store.Mutation) (bool, error) {
	from, err := allowedSources(to, expected)
	if err != nil {
		return false, err
	}
	now := e.now().UnixMilli()
	applied, err := e.cas(ctx, inst, from, func(i *store.ExecutionInstance) error {
		i.Status = to
		if to.IsFinal() {
			i.EndTs = now
		}
		if extra != nil {
			return extra(i)
		}
		return nil
	})
	if err != nil || !applied {
		return applied, err
	}
	e.logger.DebugContext(ctx, "instance status updated", "status", to)
	e.publish(ctx, inst, schema.EventInstanceStatusUpdated, "")
	return true, nil
}

// lostRace reloads inst after a CAS that was not applied. An instance that
// is already terminal was settled by another actor, which is not an error.
func (e *executorImpl) lostRace(ctx context.Context, inst *store.ExecutionInstance, op string) error {
	cur, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if cur.Status.IsFinal() {
		e.logger.DebugContext(ctx, "instance already settled", "op", op, "status", cur.Status)
		return nil
	}
	err = schema.NewErrorf(schema.ErrCodeConcurrentUpdate,
		"%s: instance %s moved to %s concurrently", op, inst.ID, cur.Status).WithStep(inst.DisplayName)
	e.logger.WarnContext(ctx, "concurrent update", "op", op, "status", cur.Status)
	return err
}

func (e *executorImpl) publish(ctx context.Context, inst *store.ExecutionInstance, event, message string) {
	if e.hub == nil {
		return
	}
	err := e.hub.Publish(ctx, streaming.StatusUpdate{
		EventType:   event,
		ExecutionID: inst.ExecutionID,
		InstanceID:  inst.ID,
		AccountID:   inst.AccountID,
		StepName:    inst.DisplayName,
		Status:      inst.Status,
		Message:     message,
		Timestamp:   e.now().UTC(),
	})
	if err != nil {
		e.logger.DebugContext(ctx, "status update not published", "event", event, "error", err)
	}
}

// takeCallback returns the callback registered for an execution and drops
// it; later ends of the same execution (after a RETRY of its terminal
// instance) go to the default callback.
func (e *executorImpl) takeCallback(executionID string) Callback {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.callbacks[executionID]; ok {
		delete(e.callbacks, executionID)
		return cb
	}
	return e.cfg.DefaultCallback
}

func (e *executorImpl) forgetCallback(executionID string) {
	e.mu.Lock()
	delete(e.callbacks, executionID)
	e.mu.Unlock()
}

// recordOutput stores resp as the step's entry in StateData.
func recordOutput(i *store.ExecutionInstance, step graph.Step, resp *graph.Response, nowMillis int64) {
	if i.StateData == nil {
		i.StateData = make(map[string]store.StepExecutionData)
	}
	prev := i.StateData[i.DisplayName]
	data := make(map[string]any, len(prev.Data)+len(resp.Data))
	for k, v := range prev.Data {
		data[k] = v
	}
	for k, v := range resp.Data {
		data[k] = v
	}
	sd := store.StepExecutionData{
		StepName:     i.StepName,
		DisplayName:  i.DisplayName,
		Status:       resp.Status,
		ErrorMessage: resp.ErrorMessage,
		Data:         data,
		StartTs:      i.StartTs,
	}
	if step != nil {
		sd.StepType = step.Type()
	}
	if resp.Status.IsFinal() {
		sd.EndTs = nowMillis
	}
	i.StateData[i.DisplayName] = sd
}

func errorMessageOf(results map[string]any) string {
	for id, v := range results {
		if err, ok := v.(error); ok {
			return fmt.Sprintf("%s: %v", id, err)
		}
		if r := graph.ResultOf(v); r.ErrorMessage != "" {
			return r.ErrorMessage
		}
	}
	return "async task failed"
}

// stepKeyOf keys the step inst runs, telling a rollback step apart from a
// forward step of the same name.
func stepKeyOf(inst *store.ExecutionInstance) graph.StepKey {
	return graph.StepKey{Name: inst.StepName, Rollback: inst.Rollback}
}
