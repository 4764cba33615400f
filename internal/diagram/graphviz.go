package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/stagehand/pkg/schema"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
// Returns the PNG bytes.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	if err := addImageNodes(graph, graph, model.Nodes, gvNodes); err != nil {
		return nil, err
	}
	addImageEdges(graph, model.Edges, gvNodes)

	// Render to PNG.
	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// addImageNodes creates nodes in parent and a dashed cluster per child graph.
// Edges always go on the root graph.
func addImageNodes(root, parent *cgraph.Graph, nodes []*Node, gvNodes map[string]*cgraph.Node) error {
	for _, node := range nodes {
		gvNode, err := parent.CreateNodeByName(node.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(firstLine(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode

		for _, sg := range node.Children {
			sub, err := parent.CreateSubGraphByName("cluster_" + node.ID + "_" + sg.Label)
			if err != nil {
				continue
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)
			if err := addImageNodes(root, sub, sg.Nodes, gvNodes); err != nil {
				return err
			}
			addImageEdges(root, sg.Edges, gvNodes)
		}
	}
	return nil
}

func addImageEdges(root *cgraph.Graph, edges []Edge, gvNodes map[string]*cgraph.Node) {
	for _, edge := range edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, err := root.CreateEdgeByName("", fromGV, toGV)
		if err != nil {
			continue
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Kind == schema.TransitionFailure {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindStep:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindFork:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindRepeat:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindExternal:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindSubWorkflow:
		gvNode.SetShape(cgraph.Box3DShape)
	case NodeKindRollback:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

// applyStatusColor sets fill color and style based on status.
func applyStatusColor(gvNode *cgraph.Node, status schema.ExecutionStatus) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch mermaidStatusClass(status) {
	case "succeeded":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "waiting":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "stopped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
