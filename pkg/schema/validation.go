package schema

import "fmt"

// DefinitionIssue is a single problem found in a graph definition document.
type DefinitionIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// DefinitionReport collects every issue found while checking a definition.
type DefinitionReport struct {
	GraphID string            `json:"graph_id,omitempty"`
	Issues  []DefinitionIssue `json:"issues,omitempty"`
}

// Valid returns true when no issue was recorded.
func (r *DefinitionReport) Valid() bool {
	return len(r.Issues) == 0
}

// Add records an issue at path.
func (r *DefinitionReport) Add(path, format string, args ...any) {
	r.Issues = append(r.Issues, DefinitionIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Merge appends the issues of other, prefixing their paths.
func (r *DefinitionReport) Merge(prefix string, other *DefinitionReport) {
	if other == nil {
		return
	}
	for _, is := range other.Issues {
		r.Issues = append(r.Issues, DefinitionIssue{Path: prefix + is.Path, Message: is.Message})
	}
}

// Err converts the report to a GRAPH_BUILD_ERROR, or nil when valid.
func (r *DefinitionReport) Err() error {
	if r.Valid() {
		return nil
	}
	msg := r.Issues[0].Path + ": " + r.Issues[0].Message
	if len(r.Issues) > 1 {
		msg = fmt.Sprintf("definition has %d issues, first at %s", len(r.Issues), msg)
	}
	return NewGraphBuildError(ReasonInvalidDefinition, "%s", msg).
		WithDetails(map[string]any{
			"graph_id": r.GraphID,
			"issues":   r.Issues,
		})
}
