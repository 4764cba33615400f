package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stagehand/pkg/schema"
)

// Renderer expands ${...} spans in a template. Each span is an expr-lang
// expression evaluated against a scope; "$${" writes a literal "${".
type Renderer struct {
	engine *ExprEngine
}

// NewRenderer creates a Renderer backed by engine, or a fresh ExprEngine.
func NewRenderer(engine *ExprEngine) *Renderer {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &Renderer{engine: engine}
}

// Render expands every span of tpl. Strings are inserted as is, nil as the
// empty string, anything else as compact JSON.
func (r *Renderer) Render(ctx context.Context, tpl string, scope map[string]any) (string, error) {
	if !strings.Contains(tpl, "${") {
		return tpl, nil
	}

	var out strings.Builder
	out.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], "${")
		if idx == -1 {
			out.WriteString(tpl[i:])
			break
		}
		pos := i + idx
		if pos > 0 && tpl[pos-1] == '$' {
			out.WriteString(tpl[i : pos-1])
			out.WriteString("${")
			i = pos + 2
			continue
		}
		out.WriteString(tpl[i:pos])

		start := pos + 2
		end, err := closingBrace(tpl, start)
		if err != nil {
			return "", err
		}
		src := strings.TrimSpace(tpl[start:end])
		if src == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty expression: ${}")
		}

		val, err := r.engine.Evaluate(ctx, src, scope)
		if err != nil {
			return "", err
		}
		out.WriteString(marshalInline(val))
		i = end + 1
	}
	return out.String(), nil
}

// closingBrace finds the brace closing the span opened before start,
// skipping braces that belong to map literals or quoted strings.
func closingBrace(s string, start int) (int, error) {
	depth := 0
	var quote byte
	for j := start; j < len(s); j++ {
		c := s[j]
		switch {
		case quote != 0:
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			if depth == 0 {
				return j, nil
			}
			depth--
		}
	}
	return 0, schema.NewErrorf(schema.ErrCodeExpression, "unclosed ${ expression at offset %d", start-2)
}

func marshalInline(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(b)
}
