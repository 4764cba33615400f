package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/stagehand/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	writeMermaidNodes(&b, model.Nodes, "    ")
	for _, edge := range model.Edges {
		b.WriteString("    " + mermaidEdge(edge) + "\n")
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef stopped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	writeMermaidClasses(&b, model.Nodes)
	return b.String()
}

func writeMermaidNodes(b *strings.Builder, nodes []*Node, indent string) {
	for _, node := range nodes {
		b.WriteString(indent + mermaidNodeDef(node) + "\n")

		for _, sg := range node.Children {
			b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s: %s\"]\n",
				indent, mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label))
			writeMermaidNodes(b, sg.Nodes, indent+"    ")
			for _, edge := range sg.Edges {
				b.WriteString(indent + "    " + mermaidEdge(edge) + "\n")
			}
			b.WriteString(indent + "end\n")
		}
	}
}

func writeMermaidClasses(b *strings.Builder, nodes []*Node) {
	for _, node := range nodes {
		if node.Status != nil {
			if cls := mermaidStatusClass(node.Status.Status); cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
			}
		}
		for _, sg := range node.Children {
			writeMermaidClasses(b, sg.Nodes)
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)
	if node.Status != nil && node.Status.Instances > 1 {
		label = fmt.Sprintf("%s x%d", label, node.Status.Instances)
	}

	switch node.Kind {
	case NodeKindFork:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindRepeat:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindExternal:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindSubWorkflow:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindRollback:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidEdge draws failure transitions dotted.
func mermaidEdge(edge Edge) string {
	arrow := "-->"
	if edge.Kind == schema.TransitionFailure {
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	return fmt.Sprintf("%s %s%s %s", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps an instance status to a Mermaid class name.
func mermaidStatusClass(status schema.ExecutionStatus) string {
	switch {
	case status.IsPositive():
		return "succeeded"
	case status.IsBroken():
		return "failed"
	case status.IsDiscontinue(), status == schema.StatusDiscontinuing:
		return "stopped"
	case status == schema.StatusRunning, status == schema.StatusStarting:
		return "running"
	case status == schema.StatusWaiting, status == schema.StatusPaused:
		return "waiting"
	case status == schema.StatusNew, status == schema.StatusQueued:
		return "pending"
	default:
		return ""
	}
}
