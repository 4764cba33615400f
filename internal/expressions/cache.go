package expressions

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/stagehand/pkg/schema"
)

// DefaultCacheSize bounds how many compiled programs each engine keeps.
// Expressions arrive from graph definitions and from callers rendering
// against an instance, so the set is open-ended.
const DefaultCacheSize = 512

// programCache holds compiled programs keyed by their source text.
type programCache[T any] struct {
	lru *lru.Cache[string, T]
}

func newProgramCache[T any](size int) *programCache[T] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[string, T](size) // only fails for size <= 0
	return &programCache[T]{lru: c}
}

// get returns the program compiled from src, compiling it on a miss.
// Concurrent misses on the same source may both compile; either result is
// equivalent.
func (c *programCache[T]) get(src string, compile func(string) (T, error)) (T, error) {
	if prg, ok := c.lru.Get(src); ok {
		return prg, nil
	}
	prg, err := compile(src)
	if err != nil {
		var zero T
		return zero, err
	}
	c.lru.Add(src, prg)
	return prg, nil
}

func (c *programCache[T]) len() int { return c.lru.Len() }

// expressionError wraps a failure of one engine stage (parse, compile,
// evaluate) for expression.
func expressionError(engine, stage, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"%s %s failed for %q: %s", engine, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "engine": engine})
}
