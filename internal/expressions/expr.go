package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stagehand/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It backs template rendering,
// where each ${...} span is one expression.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an Expr engine keeping up to DefaultCacheSize programs.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program](DefaultCacheSize)}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, expressionError("expr", "evaluation", expression, err)
	}
	return out, nil
}

// compileExpr compiles without a typed environment; the scope shape varies
// per instance, so one program must serve every scope.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, expressionError("expr", "compilation", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
