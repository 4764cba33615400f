package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/streaming"
	"github.com/rendis/stagehand/internal/waiter"
	"github.com/rendis/stagehand/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helper ---

type fixture struct {
	server *StagehandServer
	store  *store.MemoryStore
	hub    *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := store.NewMemoryStore()
	w := waiter.New()
	hub := streaming.NewMemoryHub()

	repo, err := graph.NewRepository(nil, graph.NewRegistry(), 0)
	require.NoError(t, err)
	_, err = repo.PutDefinition(&schema.GraphDefinition{
		ID:    "hello",
		Nodes: []schema.NodeDefinition{{Name: "A", Type: graph.TypeNoop, Origin: true}},
	})
	require.NoError(t, err)
	_, err = repo.PutDefinition(&schema.GraphDefinition{
		ID: "job",
		Nodes: []schema.NodeDefinition{{
			Name:       "J",
			Type:       graph.TypeExternal,
			Origin:     true,
			Properties: map[string]any{"correlation_id": "job-${execution.execution_id}"},
		}},
	})
	require.NoError(t, err)

	exec := engine.NewExecutor(s, repo, w, hub, engine.ExecutorConfig{PoolSize: 2}, logger)
	svc := engine.NewService(exec, s, w, logger)
	t.Cleanup(func() {
		w.Close()
		svc.Close()
	})

	return &fixture{
		server: NewStagehandServer(ServerDeps{Service: svc, Graphs: repo, Hub: hub, Logger: logger}),
		store:  s,
		hub:    hub,
	}
}

func (f *fixture) awaitStatus(t *testing.T, executionID string, status schema.ExecutionStatus) *store.ExecutionInstance {
	t.Helper()
	var found *store.ExecutionInstance
	require.Eventually(t, func() bool {
		list, err := f.store.ListInstances(context.Background(), store.InstanceFilter{ExecutionID: executionID})
		if err != nil || len(list) == 0 {
			return false
		}
		found = list[0]
		return found.Status == status
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached %s", executionID, status)
	return found
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	f := newFixture(t)

	req := buildRequest("stagehand.start", map[string]any{
		"graph_id":     "hello",
		"execution_id": "e-1",
		"account_id":   "acct-1",
		"context_elements": []any{
			map[string]any{"type": "env", "uuid": "env-1", "name": "prod"},
		},
	})

	result, err := f.server.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "e-1", out["execution_id"])
	assert.Equal(t, "A", out["step_name"])
	assert.NotEmpty(t, out["instance_id"])

	inst := f.awaitStatus(t, "e-1", schema.StatusSuccess)
	assert.Equal(t, "acct-1", inst.AccountID)
	require.Len(t, inst.ContextElements, 1)
	assert.Equal(t, "env-1", inst.ContextElements[0].UUID)
}

func TestStartToolErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing graph", map[string]any{}},
		{"unknown graph", map[string]any{"graph_id": "nope"}},
		{"element without uuid", map[string]any{
			"graph_id":         "hello",
			"context_elements": []any{map[string]any{"type": "env"}},
		}},
		{"elements not a list", map[string]any{"graph_id": "hello", "context_elements": "env"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.server.handleStart(context.Background(), buildRequest("stagehand.start", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestStartToolQueueThenResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.server.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"graph_id":     "hello",
		"execution_id": "e-q",
		"queue":        true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, string(schema.StatusQueued), out["status"])

	result, err = f.server.handleResumeQueued(ctx, buildRequest("stagehand.resume_queued", map[string]any{
		"execution_id": "e-q",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["started"])

	f.awaitStatus(t, "e-q", schema.StatusSuccess)
}

func TestResumeQueuedToolMissingID(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleResumeQueued(context.Background(), buildRequest("stagehand.resume_queued", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCompleteTaskAndContextTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.server.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"graph_id":     "job",
		"execution_id": "e-2",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	inst := f.awaitStatus(t, "e-2", schema.StatusWaiting)

	result, err = f.server.handleCompleteTask(ctx, buildRequest("stagehand.complete_task", map[string]any{
		"correlation_id": "job-e-2",
		"data":           map[string]any{"artifact": "build-7"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	f.awaitStatus(t, "e-2", schema.StatusSuccess)

	t.Run("query", func(t *testing.T) {
		result, err := f.server.handleContext(ctx, buildRequest("stagehand.context", map[string]any{
			"execution_id": "e-2",
			"instance_id":  inst.ID,
			"query":        ".J.data.artifact",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, extractText(t, result))

		var out map[string]any
		unmarshalResult(t, result, &out)
		assert.Equal(t, "build-7", out["result"])
	})

	t.Run("render", func(t *testing.T) {
		result, err := f.server.handleContext(ctx, buildRequest("stagehand.context", map[string]any{
			"execution_id": "e-2",
			"instance_id":  inst.ID,
			"render":       "run ${execution.execution_id}",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, extractText(t, result))
		assert.Equal(t, "run e-2", extractText(t, result))
	})

	t.Run("instance", func(t *testing.T) {
		result, err := f.server.handleContext(ctx, buildRequest("stagehand.context", map[string]any{
			"execution_id": "e-2",
			"instance_id":  inst.ID,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, extractText(t, result))

		var out store.ExecutionInstance
		unmarshalResult(t, result, &out)
		assert.Equal(t, inst.ID, out.ID)
		assert.Equal(t, schema.StatusSuccess, out.Status)
	})

	t.Run("wrong execution", func(t *testing.T) {
		result, err := f.server.handleContext(ctx, buildRequest("stagehand.context", map[string]any{
			"execution_id": "other",
			"instance_id":  inst.ID,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestCompleteTaskToolValidation(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleCompleteTask(context.Background(), buildRequest("stagehand.complete_task", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.server.handleCompleteTask(context.Background(), buildRequest("stagehand.complete_task", map[string]any{
		"correlation_id": "job-x",
		"status":         "RUNNING",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not terminal")
}

func TestInterruptTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.server.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"graph_id":     "job",
		"execution_id": "e-3",
	}))
	require.NoError(t, err)
	inst := f.awaitStatus(t, "e-3", schema.StatusWaiting)

	result, err := f.server.handleInterrupt(ctx, buildRequest("stagehand.interrupt", map[string]any{
		"type":         "ABORT",
		"execution_id": "e-3",
		"instance_id":  inst.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var registered store.Interrupt
	unmarshalResult(t, result, &registered)
	assert.NotEmpty(t, registered.ID)
	assert.Equal(t, schema.InterruptAbort, registered.Type)

	f.awaitStatus(t, "e-3", schema.StatusAborted)

	// The instance is terminal now, so a RESUME no longer applies.
	result, err = f.server.handleInterrupt(ctx, buildRequest("stagehand.interrupt", map[string]any{
		"type":         "RESUME",
		"execution_id": "e-3",
		"instance_id":  inst.ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeInvalidInterrupt)
}

func TestInterruptToolMissingParams(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing type", map[string]any{"execution_id": "e"}},
		{"missing execution_id", map[string]any{"type": "ABORT_ALL"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.server.handleInterrupt(context.Background(), buildRequest("stagehand.interrupt", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestInstancesTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.server.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"graph_id":     "hello",
		"execution_id": "e-4",
	}))
	require.NoError(t, err)
	f.awaitStatus(t, "e-4", schema.StatusSuccess)

	result, err := f.server.handleInstances(ctx, buildRequest("stagehand.instances", map[string]any{
		"execution_id": "e-4",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Instances []*store.ExecutionInstance `json:"instances"`
		Total     int                        `json:"total"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, "A", out.Instances[0].StepName)

	result, err = f.server.handleInstances(ctx, buildRequest("stagehand.instances", map[string]any{
		"execution_id": "e-4",
		"status":       "FAILED",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Equal(t, 0, out.Total)

	result, err = f.server.handleInstances(ctx, buildRequest("stagehand.instances", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEventsTool(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = f.hub.Publish(context.Background(), streaming.StatusUpdate{
					EventType:   schema.EventInstanceStatusUpdated,
					ExecutionID: "e-5",
					Status:      schema.StatusRunning,
				})
			}
		}
	}()

	result, err := f.server.handleEvents(context.Background(), buildRequest("stagehand.events", map[string]any{
		"execution_id": "e-5",
		"wait_ms":      float64(5000),
		"limit":        float64(2),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Updates []streaming.StatusUpdate `json:"updates"`
		Total   int                      `json:"total"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.Total)
	for _, u := range out.Updates {
		assert.Equal(t, "e-5", u.ExecutionID)
	}
}

func TestEventsToolWithoutHub(t *testing.T) {
	s := NewStagehandServer(ServerDeps{})

	result, err := s.handleEvents(context.Background(), buildRequest("stagehand.events", map[string]any{
		"execution_id": "e",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.server.handleDiagram(ctx, buildRequest("stagehand.diagram", map[string]any{
		"graph_id": "job",
		"format":   "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), `J(["J"])`)

	_, err = f.server.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"graph_id":     "job",
		"execution_id": "e-6",
	}))
	require.NoError(t, err)
	f.awaitStatus(t, "e-6", schema.StatusWaiting)

	result, err = f.server.handleDiagram(ctx, buildRequest("stagehand.diagram", map[string]any{
		"execution_id": "e-6",
		"format":       "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "class J waiting")

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing format", map[string]any{"graph_id": "job"}},
		{"bad format", map[string]any{"graph_id": "job", "format": "ascii"}},
		{"no target", map[string]any{"format": "mermaid"}},
		{"unknown graph", map[string]any{"graph_id": "nope", "format": "mermaid"}},
		{"unknown execution", map[string]any{"execution_id": "nope", "format": "mermaid"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.server.handleDiagram(ctx, buildRequest("stagehand.diagram", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(args, "f", 0))
	assert.Equal(t, 3, extractInt(args, "i", 0))
	assert.Equal(t, 12, extractInt(args, "s", 0))
	assert.Equal(t, 5, extractInt(args, "bad", 5))
	assert.Equal(t, 5, extractInt(args, "missing", 5))
	assert.Equal(t, 5, extractInt(nil, "f", 5))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
