package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/graph"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/streaming"
	"github.com/rendis/stagehand/pkg/schema"
)

const (
	defaultEventsWait  = time.Second
	maxEventsWait      = 30 * time.Second
	defaultEventsLimit = 100
)

// registrable lists the interrupt types callers may raise directly.
var registrable = []schema.InterruptType{
	schema.InterruptAbort,
	schema.InterruptAbortAll,
	schema.InterruptPause,
	schema.InterruptPauseAll,
	schema.InterruptResume,
	schema.InterruptResumeAll,
	schema.InterruptRetry,
	schema.InterruptIgnore,
	schema.InterruptMarkFailed,
	schema.InterruptMarkSuccess,
	schema.InterruptMarkExpired,
	schema.InterruptEndExecution,
	schema.InterruptRollback,
	schema.InterruptContinueWithDefaults,
}

func interruptTypeNames() []string {
	names := make([]string, len(registrable))
	for i, t := range registrable {
		names[i] = string(t)
	}
	return names
}

// handleStart creates an execution and either dispatches or queues it.
func (s *StagehandServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}

	elements, elemErr := parseContextElements(req.GetArguments()["context_elements"])
	if elemErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid context_elements: %v", elemErr)), nil
	}

	startReq := engine.StartRequest{
		GraphID:          graphID,
		ExecutionID:      req.GetString("execution_id", ""),
		AccountID:        req.GetString("account_id", ""),
		ContextElements:  elements,
		StateParams:      mcp.ParseStringMap(req, "state_params", nil),
		ErrorStrategy:    schema.ErrorStrategy(req.GetString("error_strategy", "")),
		OnDemandRollback: req.GetBool("on_demand_rollback", false),
	}

	// Terminal outcomes are pushed to the session that started the execution.
	sessionID := s.sessionOf(ctx)
	if sessionID != "" {
		startReq.Callback = s.notifyCallback(sessionID)
	}

	var inst *store.ExecutionInstance
	if req.GetBool("queue", false) {
		inst, err = s.service.QueueExecution(ctx, startReq)
	} else {
		inst, err = s.service.StartExecution(ctx, startReq)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	if sessionID != "" {
		s.sessions.Register(inst.ExecutionID, sessionID)
	}

	return marshalResult(map[string]any{
		"execution_id": inst.ExecutionID,
		"instance_id":  inst.ID,
		"step_name":    inst.StepName,
		"status":       inst.Status,
	})
}

// handleResumeQueued starts a queued execution.
func (s *StagehandServer) handleResumeQueued(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	started, resumeErr := s.service.ResumeQueuedExecution(ctx, executionID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"started":      started,
	})
}

// handleInterrupt registers an interrupt.
func (s *StagehandServer) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	in := &store.Interrupt{
		Type:        schema.InterruptType(typ),
		ExecutionID: executionID,
		InstanceID:  req.GetString("instance_id", ""),
		AccountID:   req.GetString("account_id", ""),
		Properties:  mcp.ParseStringMap(req, "properties", nil),
	}

	registered, regErr := s.service.RegisterInterrupt(ctx, in)
	if regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("interrupt rejected: %v", regErr)), nil
	}

	return marshalResult(registered)
}

// handleContext returns an instance's execution context, or the result of a
// query or render evaluated against it.
func (s *StagehandServer) handleContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	ec, ctxErr := s.service.GetExecutionContext(ctx, executionID, instanceID)
	if ctxErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context lookup failed: %v", ctxErr)), nil
	}

	if render := req.GetString("render", ""); render != "" {
		text, renderErr := ec.RenderExpression(render)
		if renderErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", renderErr)), nil
		}
		return mcp.NewToolResultText(text), nil
	}

	if query := req.GetString("query", ""); query != "" {
		value, queryErr := ec.QueryStateData(query)
		if queryErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", queryErr)), nil
		}
		return marshalResult(map[string]any{"result": value})
	}

	return marshalResult(ec.Instance())
}

// handleCompleteTask wakes the instance waiting on a correlation id.
func (s *StagehandServer) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}

	result := graph.Result{
		Status:       schema.ExecutionStatus(req.GetString("status", string(schema.StatusSuccess))),
		ErrorMessage: req.GetString("error_message", ""),
		Data:         mcp.ParseStringMap(req, "data", nil),
	}
	if !result.Status.IsFinal() {
		return mcp.NewToolResultError(fmt.Sprintf("status %s is not terminal", result.Status)), nil
	}

	if doneErr := s.service.CompleteTask(ctx, correlationID, result); doneErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete failed: %v", doneErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":             true,
		"correlation_id": correlationID,
		"status":         result.Status,
	})
}

// handleInstances lists an execution's instances.
func (s *StagehandServer) handleInstances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	instances, listErr := s.service.Instances(ctx, executionID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
	}

	status := schema.ExecutionStatus(req.GetString("status", ""))
	result := make([]*store.ExecutionInstance, 0, len(instances))
	for _, inst := range instances {
		if status != "" && inst.Status != status {
			continue
		}
		result = append(result, inst)
	}

	return marshalResult(map[string]any{
		"instances": result,
		"total":     len(result),
	})
}

// handleEvents subscribes to the hub for an execution and returns what
// arrives within the wait window.
func (s *StagehandServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.hub == nil {
		return mcp.NewToolResultError("event streaming is not configured"), nil
	}

	args := req.GetArguments()
	wait := time.Duration(extractInt(args, "wait_ms", int(defaultEventsWait/time.Millisecond))) * time.Millisecond
	switch {
	case wait <= 0:
		wait = defaultEventsWait
	case wait > maxEventsWait:
		wait = maxEventsWait
	}
	limit := extractInt(args, "limit", defaultEventsLimit)

	subCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	updates, unsubscribe, subErr := s.hub.Subscribe(subCtx, streaming.UpdateFilter{ExecutionID: executionID})
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("subscribe failed: %v", subErr)), nil
	}
	defer unsubscribe()

	collected := make([]streaming.StatusUpdate, 0)
collect:
	for len(collected) < limit {
		select {
		case u, ok := <-updates:
			if !ok {
				break collect
			}
			collected = append(collected, u)
		case <-subCtx.Done():
			break collect
		}
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"updates":      collected,
		"total":        len(collected),
	})
}

// notifyCallback builds the execution callback that pushes the terminal
// outcome to an MCP session.
func (s *StagehandServer) notifyCallback(sessionID string) engine.Callback {
	return func(ctx context.Context, res engine.ExecutionResult) {
		payload := map[string]any{
			"type":         schema.EventExecutionEnded,
			"execution_id": res.ExecutionID,
			"instance_id":  res.InstanceID,
			"status":       res.Status,
		}
		if res.ErrorMessage != "" {
			payload["error_message"] = res.ErrorMessage
		}
		if err := s.notifier.Notify(ctx, res.ExecutionID, payload); err != nil {
			s.logger.WarnContext(ctx, "execution notification failed",
				"execution_id", res.ExecutionID, "session_id", sessionID, "error", err)
		}
	}
}

// sessionOf returns the MCP session id carried by ctx, if any.
func (s *StagehandServer) sessionOf(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

func parseContextElements(raw any) ([]store.ContextElement, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var elements []store.ContextElement
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, err
	}
	for i, el := range elements {
		if el.Type == "" || el.UUID == "" {
			return nil, fmt.Errorf("element %d: type and uuid are required", i)
		}
	}
	return elements, nil
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
