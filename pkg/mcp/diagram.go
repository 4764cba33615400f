package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/stagehand/internal/diagram"
	"github.com/rendis/stagehand/internal/store"
)

// handleDiagram draws a graph in the requested format. With an execution id
// the execution's graph is drawn with instance statuses overlaid.
func (s *StagehandServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}
	if s.graphs == nil {
		return mcp.NewToolResultError("graph lookup is not configured"), nil
	}

	graphID := req.GetString("graph_id", "")
	executionID := req.GetString("execution_id", "")
	if graphID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of graph_id or execution_id is required"), nil
	}

	var instances []*store.ExecutionInstance
	if executionID != "" {
		instances, err = s.service.Instances(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance lookup failed: %v", err)), nil
		}
		if len(instances) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", executionID)), nil
		}
		if graphID == "" {
			graphID = instances[0].GraphID
		}
	}

	g, err := s.graphs.Get(ctx, graphID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph lookup failed: %v", err)), nil
	}
	model, err := diagram.Build(g, instances)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	png, err := diagram.RenderImage(ctx, model)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}
