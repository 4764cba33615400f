package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/streaming"
)

// ServerDeps holds the dependencies for creating a StagehandServer.
type ServerDeps struct {
	Service *engine.Service
	Graphs  engine.GraphSource
	Hub     streaming.Hub
	Logger  *slog.Logger
}

// StagehandServer wraps an MCP server with the execution engine's tool handlers.
type StagehandServer struct {
	service   *engine.Service
	graphs    engine.GraphSource
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ExecutionNotifier
	mcpServer *server.MCPServer
}

// NewStagehandServer creates a new StagehandServer with all tools registered.
func NewStagehandServer(deps ServerDeps) *StagehandServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StagehandServer{
		service:  deps.Service,
		graphs:   deps.Graphs,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stagehand",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stagehand runs durable workflow graphs. Use stagehand.start to launch an execution, stagehand.interrupt to pause, resume, retry or abort it, stagehand.context to inspect an instance, stagehand.complete_task to report an external task outcome, stagehand.instances to list an execution's instances, and stagehand.diagram to draw a graph or an execution's progress."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StagehandServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StagehandServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StagehandServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeQueuedTool(), Handler: s.handleResumeQueued},
		{Tool: interruptTool(), Handler: s.handleInterrupt},
		{Tool: contextTool(), Handler: s.handleContext},
		{Tool: completeTaskTool(), Handler: s.handleCompleteTask},
		{Tool: instancesTool(), Handler: s.handleInstances},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("stagehand.start",
		mcp.WithDescription("Start an execution of a registered graph"),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("ID of the graph to execute")),
		mcp.WithString("execution_id", mcp.Description("Execution ID (default: generated)")),
		mcp.WithString("account_id", mcp.Description("Owning account")),
		mcp.WithArray("context_elements", mcp.Description("Initial context elements, each {type, uuid, name, data}")),
		mcp.WithObject("state_params", mcp.Description("Parameters for the initial step")),
		mcp.WithString("error_strategy",
			mcp.Enum("FAIL", "PAUSE"),
			mcp.Description("What to do when a step fails without a failure edge (default: FAIL)"),
		),
		mcp.WithBoolean("queue", mcp.Description("Create the execution in QUEUED without starting it")),
		mcp.WithBoolean("on_demand_rollback", mcp.Description("Allow ROLLBACK interrupts on this execution")),
	)
}

func resumeQueuedTool() mcp.Tool {
	return mcp.NewTool("stagehand.resume_queued",
		mcp.WithDescription("Start a previously queued execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the queued execution")),
	)
}

func interruptTool() mcp.Tool {
	return mcp.NewTool("stagehand.interrupt",
		mcp.WithDescription("Register an interrupt against an execution or one of its instances"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(interruptTypeNames()...),
			mcp.Description("Interrupt type"),
		),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Target execution")),
		mcp.WithString("instance_id", mcp.Description("Target instance (required for instance-scoped types)")),
		mcp.WithString("account_id", mcp.Description("Owning account")),
		mcp.WithObject("properties", mcp.Description("Type-specific properties, e.g. state params for RETRY")),
	)
}

func contextTool() mcp.Tool {
	return mcp.NewTool("stagehand.context",
		mcp.WithDescription("Inspect the execution context of an instance"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution of the instance")),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Instance to inspect")),
		mcp.WithString("query", mcp.Description("jq filter evaluated against the instance state data")),
		mcp.WithString("render", mcp.Description("Template expression rendered against the instance")),
	)
}

func completeTaskTool() mcp.Tool {
	return mcp.NewTool("stagehand.complete_task",
		mcp.WithDescription("Report the outcome of an external task, waking the instance waiting on it"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation ID the instance is waiting on")),
		mcp.WithString("status",
			mcp.Enum("SUCCESS", "FAILED", "ERROR", "SKIPPED"),
			mcp.Description("Task outcome (default: SUCCESS)"),
		),
		mcp.WithString("error_message", mcp.Description("Failure detail")),
		mcp.WithObject("data", mcp.Description("Output data recorded on the instance")),
	)
}

func instancesTool() mcp.Tool {
	return mcp.NewTool("stagehand.instances",
		mcp.WithDescription("List the instances of an execution, newest first"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to list")),
		mcp.WithString("status", mcp.Description("Only include instances in this status")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("stagehand.events",
		mcp.WithDescription("Collect status updates for an execution for a short window"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to watch")),
		mcp.WithNumber("wait_ms", mcp.Description("How long to listen, in milliseconds (default: 1000, max: 30000)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of updates to return (default: 100)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stagehand.diagram",
		mcp.WithDescription("Draw a graph, or an execution's progress over its graph. Returns Mermaid flowchart syntax or a base64-encoded PNG image"),
		mcp.WithString("graph_id", mcp.Description("Graph to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw, with instance statuses overlaid")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (flowchart syntax) or image (base64 PNG)"),
		),
	)
}
