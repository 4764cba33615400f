package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
)

// mockRegistrar records Register calls.
type mockRegistrar struct {
	mu    sync.Mutex
	calls []*store.Interrupt
	fail  map[string]error // by instance id
}

func (m *mockRegistrar) Register(_ context.Context, in *store.Interrupt) (*store.Interrupt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[in.InstanceID]; err != nil {
		return nil, err
	}
	m.calls = append(m.calls, in)
	return in, nil
}

func (m *mockRegistrar) byInstance() map[string]schema.InterruptType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]schema.InterruptType, len(m.calls))
	for _, c := range m.calls {
		out[c.InstanceID] = c.Type
	}
	return out
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s store.Store, insts ...*store.ExecutionInstance) {
	t.Helper()
	for _, inst := range insts {
		if inst.ExecutionID == "" {
			inst.ExecutionID = "exec-1"
		}
		require.NoError(t, s.SaveInstance(context.Background(), inst))
	}
}

func TestSweep(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	past := now.Add(-time.Minute).UnixMilli()
	future := now.Add(time.Minute).UnixMilli()

	s := store.NewMemoryStore()
	seed(t, s,
		&store.ExecutionInstance{ID: "running-expired", Status: schema.StatusRunning, ExpiryTs: past},
		&store.ExecutionInstance{ID: "running-ok", Status: schema.StatusRunning, ExpiryTs: future},
		&store.ExecutionInstance{ID: "done", Status: schema.StatusSuccess, ExpiryTs: past},
		&store.ExecutionInstance{ID: "waiting-forever", Status: schema.StatusWaiting, ExpiryTs: store.NoExpiry},
		&store.ExecutionInstance{
			ID:                           "manual",
			Status:                       schema.StatusWaiting,
			ExpiryTs:                     past,
			WaitingForManualIntervention: true,
			ActionOnTimeout:              schema.InterruptMarkFailed,
		},
		&store.ExecutionInstance{ID: "stuck", Status: schema.StatusDiscontinuing, ExpiryTs: past},
	)

	reg := &mockRegistrar{}
	r, err := New(s, reg, "", discard(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]schema.InterruptType{
		"running-expired": schema.InterruptMarkExpired,
		"manual":          schema.InterruptMarkFailed,
		"stuck":           schema.InterruptMarkExpired,
	}, reg.byInstance())

	for _, c := range reg.calls {
		assert.Equal(t, "exec-1", c.ExecutionID)
		if c.Type == schema.InterruptMarkExpired {
			assert.Equal(t, "timeout", c.Properties["reason"])
		} else {
			assert.Nil(t, c.Properties)
		}
	}
}

func TestSweep_RegistrationFailureIsSkipped(t *testing.T) {
	now := time.Now()
	s := store.NewMemoryStore()
	seed(t, s,
		&store.ExecutionInstance{ID: "a", Status: schema.StatusRunning, ExpiryTs: 1},
		&store.ExecutionInstance{ID: "b", Status: schema.StatusPaused, ExpiryTs: 1},
	)
	reg := &mockRegistrar{fail: map[string]error{"a": errors.New("already terminal")}}
	r, err := New(s, reg, "@every 1m", discard(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]schema.InterruptType{"b": schema.InterruptMarkExpired}, reg.byInstance())
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(store.NewMemoryStore(), &mockRegistrar{}, "every now and then", discard())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = New(store.NewMemoryStore(), &mockRegistrar{}, "*/5 * * * *", discard())
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, &store.ExecutionInstance{ID: "late", Status: schema.StatusRunning, ExpiryTs: 1})
	reg := &mockRegistrar{}

	r, err := New(s, reg, "@every 1s", discard())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()), "double start")

	require.Eventually(t, func() bool {
		return len(reg.byInstance()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestSweep_ExpiresThroughEngine(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	w := waiter.New()
	defer w.Close()

	repo, err := graph.NewRepository(nil, graph.NewRegistry(), 0)
	require.NoError(t, err)
	timeout := int64(1000)
	_, err = repo.PutDefinition(&schema.GraphDefinition{
		ID: "slow",
		Nodes: []schema.NodeDefinition{{
			Name:          "call",
			Type:          graph.TypeExternal,
			Origin:        true,
			TimeoutMillis: &timeout,
		}},
	})
	require.NoError(t, err)

	results := make(chan engine.ExecutionResult, 1)
	exec := engine.NewExecutor(s, repo, w, nil, engine.ExecutorConfig{
		DefaultCallback: func(_ context.Context, res engine.ExecutionResult) { results <- res },
	}, discard())
	defer exec.Shutdown()

	root, err := exec.Start(ctx, engine.StartRequest{GraphID: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, err := s.GetInstance(ctx, root.ID)
		return err == nil && inst.Status == schema.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	r, err := New(s, exec.Interrupts(), "", discard(), WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	require.NoError(t, err)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case res := <-results:
		assert.Equal(t, schema.StatusExpired, res.Status)
		assert.Contains(t, res.ErrorMessage, "timed out")
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not end")
	}
}

func TestSweep_SparesHeldInstance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	w := waiter.New()
	defer w.Close()

	repo, err := graph.NewRepository(nil, graph.NewRegistry(), 0)
	require.NoError(t, err)
	timeout := int64(1000)
	_, err = repo.PutDefinition(&schema.GraphDefinition{
		ID:    "held",
		Nodes: []schema.NodeDefinition{{Name: "gate", Type: graph.TypeNoop, Origin: true, TimeoutMillis: &timeout}},
	})
	require.NoError(t, err)

	exec := engine.NewExecutor(s, repo, w, nil, engine.ExecutorConfig{}, discard())
	svc := engine.NewService(exec, s, w, discard())
	defer svc.Close()

	root, err := svc.QueueExecution(ctx, engine.StartRequest{GraphID: "held"})
	require.NoError(t, err)
	_, err = svc.RegisterInterrupt(ctx, &store.Interrupt{Type: schema.InterruptPauseAll, ExecutionID: root.ExecutionID})
	require.NoError(t, err)
	_, err = svc.ResumeQueuedExecution(ctx, root.ExecutionID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, err := s.GetInstance(ctx, root.ID)
		return err == nil && inst.Status == schema.StatusPaused
	}, 5*time.Second, 5*time.Millisecond)

	r, err := New(s, exec.Interrupts(), "", discard(), WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	require.NoError(t, err)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	inst, err := s.GetInstance(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, inst.Status)
	assert.True(t, inst.IsInfiniteExpiry())
}
