package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
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

// e2eEnv runs the server over a real libSQL database.
type e2eEnv struct {
	store  *store.LibSQLStore
	server *StagehandServer
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	repo, err := graph.NewRepository(nil, graph.NewRegistry(), 0)
	require.NoError(t, err)
	_, err = repo.PutDefinition(&schema.GraphDefinition{
		ID:   "pipeline",
		Name: "Release pipeline",
		Nodes: []schema.NodeDefinition{
			{Name: "prepare", Type: graph.TypeNoop, Origin: true},
			{
				Name:       "deploy",
				Type:       graph.TypeExternal,
				Properties: map[string]any{"correlation_id": "deploy-${execution.execution_id}"},
			},
		},
		Edges: []schema.EdgeDefinition{{From: "prepare", To: "deploy", Kind: schema.TransitionSuccess}},
	})
	require.NoError(t, err)

	w := waiter.New()
	exec := engine.NewExecutor(s, repo, w, streaming.NewMemoryHub(), engine.ExecutorConfig{PoolSize: 4}, logger)
	svc := engine.NewService(exec, s, w, logger)
	t.Cleanup(func() {
		w.Close()
		svc.Close()
		_ = s.Close()
	})

	return &e2eEnv{
		store:  s,
		server: NewStagehandServer(ServerDeps{Service: svc, Graphs: repo, Logger: logger}),
	}
}

// callTool invokes a tool through the MCP server's HandleMessage (full JSON-RPC round-trip).
func (e *e2eEnv) callTool(t *testing.T, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	mcpSrv := e.server.MCPServer()

	rawInit, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e-test", "version": "1.0.0"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	rawReq, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": toolName, "arguments": args},
	})
	require.NoError(t, err)
	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

// stepStatus polls the instances tool until the named step reports status.
func (e *e2eEnv) stepStatus(t *testing.T, executionID, step string, status schema.ExecutionStatus) *store.ExecutionInstance {
	t.Helper()
	var found *store.ExecutionInstance
	require.Eventually(t, func() bool {
		result := e.callTool(t, "stagehand.instances", map[string]any{"execution_id": executionID})
		var out struct {
			Instances []*store.ExecutionInstance `json:"instances"`
		}
		unmarshalResult(t, result, &out)
		for _, inst := range out.Instances {
			if inst.StepName == step && inst.Status == status {
				found = inst
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "%s never reached %s", step, status)
	return found
}

// TestE2E_ExternalTaskLifecycle drives a two-step execution through the
// tools: start, wait on the external step, complete it, inspect, draw.
func TestE2E_ExternalTaskLifecycle(t *testing.T) {
	env := newE2EEnv(t)

	result := env.callTool(t, "stagehand.start", map[string]any{
		"graph_id":     "pipeline",
		"execution_id": "rel-1",
		"account_id":   "acct-9",
	})
	require.False(t, result.IsError, extractText(t, result))
	assert.NotNil(t, result.StructuredContent)

	env.stepStatus(t, "rel-1", "prepare", schema.StatusSuccess)
	deploy := env.stepStatus(t, "rel-1", "deploy", schema.StatusWaiting)
	assert.Equal(t, "acct-9", deploy.AccountID)

	result = env.callTool(t, "stagehand.diagram", map[string]any{"execution_id": "rel-1", "format": "mermaid"})
	require.False(t, result.IsError, extractText(t, result))
	chart := extractText(t, result)
	assert.Contains(t, chart, "%% Release pipeline")
	assert.Contains(t, chart, "class prepare succeeded")
	assert.Contains(t, chart, "class deploy waiting")

	result = env.callTool(t, "stagehand.complete_task", map[string]any{
		"correlation_id": "deploy-rel-1",
		"data":           map[string]any{"version": "2.4.0"},
	})
	require.False(t, result.IsError, extractText(t, result))
	env.stepStatus(t, "rel-1", "deploy", schema.StatusSuccess)

	result = env.callTool(t, "stagehand.context", map[string]any{
		"execution_id": "rel-1",
		"instance_id":  deploy.ID,
		"query":        ".deploy.data.version",
	})
	require.False(t, result.IsError, extractText(t, result))
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "2.4.0", out["result"])

	// The state survives in the database, not only in memory.
	stored, err := env.store.GetInstance(context.Background(), deploy.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, stored.Status)
}

func TestE2E_AbortAllWhileWaiting(t *testing.T) {
	env := newE2EEnv(t)

	result := env.callTool(t, "stagehand.start", map[string]any{
		"graph_id":     "pipeline",
		"execution_id": "rel-2",
	})
	require.False(t, result.IsError, extractText(t, result))
	env.stepStatus(t, "rel-2", "deploy", schema.StatusWaiting)

	result = env.callTool(t, "stagehand.interrupt", map[string]any{
		"type":         "ABORT_ALL",
		"execution_id": "rel-2",
	})
	require.False(t, result.IsError, extractText(t, result))
	env.stepStatus(t, "rel-2", "deploy", schema.StatusAborted)

	// A late completion does not revive the aborted step.
	env.callTool(t, "stagehand.complete_task", map[string]any{"correlation_id": "deploy-rel-2"})
	stored, err := env.store.ListInstances(context.Background(), store.InstanceFilter{ExecutionID: "rel-2"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, inst := range stored {
		if inst.StepName == "deploy" {
			assert.Equal(t, schema.StatusAborted, inst.Status)
		}
	}
}

func TestE2E_UnknownTool(t *testing.T) {
	env := newE2EEnv(t)
	rawReq := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"stagehand.nope","arguments":{}}}`)
	resp := env.server.MCPServer().HandleMessage(context.Background(), rawReq)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error"`)
}
