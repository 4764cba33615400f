package expressions

import "context"

// Engine evaluates expressions against an instance scope.
// Three implementations: CEL (skip conditions), Expr (template spans), GoJQ (state queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
