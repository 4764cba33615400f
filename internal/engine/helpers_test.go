package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/streaming"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
)

const typeFunc = "FUNC"

type behavior func(ctx context.Context, ec graph.ExecutionContext) (*graph.Response, error)

type cancelCall struct {
	TaskID  string
	Expired bool
}

// funcStep runs whatever behavior the harness scripted for its name and
// succeeds otherwise.
type funcStep struct {
	graph.BaseStep
	node schema.NodeDefinition
	h    *harness
}

func (s *funcStep) Execute(ctx context.Context, ec graph.ExecutionContext) (*graph.Response, error) {
	s.h.mu.Lock()
	s.h.executed = append(s.h.executed, ec.Instance().DisplayName)
	b := s.h.behaviors[s.Name()]
	s.h.mu.Unlock()
	if b != nil {
		return b(ctx, ec)
	}
	return &graph.Response{Status: schema.StatusSuccess}, nil
}

func (s *funcStep) HandleAbort(ctx context.Context, ec graph.ExecutionContext) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.aborted = append(s.h.aborted, ec.InstanceID())
	return nil
}

func (s *funcStep) CancelExternalTask(ctx context.Context, ec graph.ExecutionContext, taskID string, expired bool) (string, error) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.cancelled = append(s.h.cancelled, cancelCall{TaskID: taskID, Expired: expired})
	if expired {
		return "task " + taskID + " expired", nil
	}
	return "", nil
}

func (s *funcStep) CloneStep() graph.Step {
	return &funcStep{BaseStep: graph.NewBaseStep(s.node), node: s.node, h: s.h}
}

type harness struct {
	t       *testing.T
	store   *store.MemoryStore
	waiter  *waiter.MemoryWaiter
	hub     *streaming.MemoryHub
	repo    *graph.Repository
	exec    *executorImpl
	svc     *Service
	results chan ExecutionResult

	mu        sync.Mutex
	behaviors map[string]behavior
	executed  []string
	aborted   []string
	cancelled []cancelCall
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, advisors ...Advisor) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     store.NewMemoryStore(),
		waiter:    waiter.New(),
		hub:       streaming.NewMemoryHub(),
		results:   make(chan ExecutionResult, 32),
		behaviors: make(map[string]behavior),
	}
	reg := graph.NewRegistry()
	reg.Register(typeFunc, func(n schema.NodeDefinition) (graph.Step, error) {
		return &funcStep{BaseStep: graph.NewBaseStep(n), node: n, h: h}, nil
	})
	repo, err := graph.NewRepository(nil, reg, 0)
	require.NoError(t, err)
	h.repo = repo

	h.exec = newExecutor(h.store, repo, h.waiter, h.hub, ExecutorConfig{
		PoolSize:   4,
		ResumeWait: time.Second,
		Advisors:   advisors,
		DefaultCallback: func(ctx context.Context, res ExecutionResult) {
			h.results <- res
		},
	}, quietLogger())
	h.svc = NewService(h.exec, h.store, h.waiter, quietLogger())

	t.Cleanup(func() {
		h.waiter.Close()
		h.exec.Shutdown()
	})
	return h
}

func (h *harness) behave(step string, b behavior) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.behaviors[step] = b
}

func (h *harness) executedSteps() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

func (h *harness) put(def *schema.GraphDefinition) *graph.Graph {
	h.t.Helper()
	g, err := h.repo.PutDefinition(def)
	require.NoError(h.t, err)
	return g
}

func (h *harness) start(graphID string) *store.ExecutionInstance {
	h.t.Helper()
	inst, err := h.svc.StartExecution(context.Background(), StartRequest{GraphID: graphID})
	require.NoError(h.t, err)
	return inst
}

func (h *harness) awaitResult() ExecutionResult {
	h.t.Helper()
	select {
	case res := <-h.results:
		return res
	case <-time.After(5 * time.Second):
		h.t.Fatal("execution did not end")
		return ExecutionResult{}
	}
}

// assertNoMoreResults fails if another execution end is reported soon.
func (h *harness) assertNoMoreResults() {
	h.t.Helper()
	h.exec.Wait()
	select {
	case res := <-h.results:
		h.t.Fatalf("unexpected extra result: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) instance(id string) *store.ExecutionInstance {
	h.t.Helper()
	inst, err := h.store.GetInstance(context.Background(), id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) instances(executionID string) []*store.ExecutionInstance {
	h.t.Helper()
	insts, err := h.store.ListInstances(context.Background(), store.InstanceFilter{ExecutionID: executionID})
	require.NoError(h.t, err)
	return insts
}

func (h *harness) byStep(executionID, displayName string) *store.ExecutionInstance {
	h.t.Helper()
	for _, inst := range h.instances(executionID) {
		if inst.DisplayName == displayName {
			return inst
		}
	}
	h.t.Fatalf("no instance for step %s", displayName)
	return nil
}

func (h *harness) awaitStatus(id string, status schema.ExecutionStatus) *store.ExecutionInstance {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.instance(id).Status == status
	}, 5*time.Second, 5*time.Millisecond, "instance never reached %s", status)
	return h.instance(id)
}

func (h *harness) awaitCount(executionID string, status schema.ExecutionStatus, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		c := 0
		for _, inst := range h.instances(executionID) {
			if inst.Status == status {
				c++
			}
		}
		return c == n
	}, 5*time.Second, 5*time.Millisecond, "never saw %d instances in %s", n, status)
}

func node(name, typ string) schema.NodeDefinition {
	return schema.NodeDefinition{Name: name, Type: typ}
}

func origin(name, typ string) schema.NodeDefinition {
	return schema.NodeDefinition{Name: name, Type: typ, Origin: true}
}

func edge(from, to string, kind schema.TransitionKind) schema.EdgeDefinition {
	return schema.EdgeDefinition{From: from, To: to, Kind: kind}
}

// suspendOn returns a behavior that suspends on a per-instance correlation
// id prefix+instanceID.
func suspendOn(prefix string) behavior {
	return func(ctx context.Context, ec graph.ExecutionContext) (*graph.Response, error) {
		id := prefix + ec.InstanceID()
		return &graph.Response{
			Status:          schema.StatusRunning,
			Async:           true,
			CorrelationIDs:  []string{id},
			ExternalTaskIDs: []string{id},
		}, nil
	}
}

func failWith(msg string) behavior {
	return func(ctx context.Context, ec graph.ExecutionContext) (*graph.Response, error) {
		return &graph.Response{Status: schema.StatusFailed, ErrorMessage: msg}, nil
	}
}
