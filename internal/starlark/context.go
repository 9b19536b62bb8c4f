// Package starlark evaluates the context expressions embedded in member
// SQL: SECURITY_CONTEXT, FILTER_PARAMS, FILTER_GROUP and COMPILE_CONTEXT.
// Expressions are plain Starlark; bound values never reach the SQL text,
// they are allocated as query parameters.
package starlark

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Options configure an Evaluator.
type Options struct {
	SecurityContext map[string]any
	CompileContext  map[string]any
	// Params receives values bound by filter() calls.
	Params  *core.Params
	Filters FilterRenderer
	// Pool supplies threads; the shared pool is used when nil.
	Pool *ThreadPool
}

// Evaluator evaluates context expressions for one compilation.
type Evaluator struct {
	globals starlark.StringDict
	pool    *ThreadPool
}

// NewEvaluator builds the predeclared globals.
func NewEvaluator(opts Options) (*Evaluator, error) {
	if opts.Params == nil {
		opts.Params = core.NewParams()
	}
	compile, err := GoToStarlark(orEmpty(opts.CompileContext))
	if err != nil {
		return nil, fmt.Errorf("compile context: %w", err)
	}
	pool := opts.Pool
	if pool == nil {
		pool = sharedPool
	}
	globals := starlark.StringDict{
		"SECURITY_CONTEXT": &securityValue{path: "SECURITY_CONTEXT", value: orEmpty(opts.SecurityContext), params: opts.Params},
		"FILTER_PARAMS":    &filterParams{filters: opts.Filters},
		"FILTER_GROUP":     starlark.NewBuiltin("FILTER_GROUP", filterGroup),
		"COMPILE_CONTEXT":  compile,
	}
	globals.Freeze()
	return &Evaluator{globals: globals, pool: pool}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Globals returns the predeclared globals.
func (e *Evaluator) Globals() starlark.StringDict { return e.globals }

// EvalContext evaluates expr for a template owned by owner and returns SQL.
func (e *Evaluator) EvalContext(owner *model.Cube, expr string) (string, error) {
	name := "<context>"
	if owner != nil {
		name = owner.Name
	}
	thread := e.pool.Get(name)
	defer e.pool.Put(thread)

	result, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, name, expr, e.globals)
	if err != nil {
		return "", &EvalError{File: name, Expr: expr, Message: err.Error()}
	}
	return ToSQL(result), nil
}

// EvalError represents an error during Starlark expression evaluation.
type EvalError struct {
	File    string
	Expr    string
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s: error evaluating %q: %s", e.File, e.Expr, e.Message)
}
