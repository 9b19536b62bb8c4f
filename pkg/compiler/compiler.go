// Package compiler turns semantic queries into SQL against a compiled cube
// model. It ties together query preparation, the multi-stage planner, the
// pre-aggregation matcher and the dialect emitter.
//
// A Compiler is built once per model and is safe for concurrent use: every
// Compile call gets its own parameter allocator and inline expression
// cache, and everything shared is read-only.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
	"github.com/leapstack-labs/leapcube/pkg/format"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/multistage"
	"github.com/leapstack-labs/leapcube/pkg/preagg"
	"github.com/leapstack-labs/leapcube/pkg/query"

	// register the built-in dialects
	_ "github.com/leapstack-labs/leapcube/pkg/dialects/bigquery"
	_ "github.com/leapstack-labs/leapcube/pkg/dialects/duckdb"
	_ "github.com/leapstack-labs/leapcube/pkg/dialects/postgres"
	_ "github.com/leapstack-labs/leapcube/pkg/dialects/presto"
)

// DefaultBatchLimit bounds the concurrent compilations of CompileBatch.
const DefaultBatchLimit = 8

// ErrNilModel is returned by New when no model is given.
var ErrNilModel = errors.New("compiler: model is required")

// Options configure a Compiler.
type Options struct {
	// Dialect names the SQL dialect (postgres, bigquery, presto, duckdb).
	Dialect string
	// Timezone is used for queries that don't set one.
	Timezone string

	DefaultLimit int
	MaxLimit     int

	// PreAggregationsSchema qualifies rollup table names.
	PreAggregationsSchema string
	// UseOriginalSQLPreAggregations reads cubes with an originalSql
	// pre-aggregation from its table.
	UseOriginalSQLPreAggregations bool
	// DisablePreAggregations compiles every query against source tables.
	DisablePreAggregations bool

	// SecurityContext is the default SECURITY_CONTEXT; see
	// WithSecurityContext for per-request values.
	SecurityContext map[string]any
	CompileContext  map[string]any

	// BatchLimit bounds CompileBatch concurrency. Defaults to DefaultBatchLimit.
	BatchLimit int
	// Timeout bounds a single compilation. Zero means no limit.
	Timeout time.Duration

	Logger *slog.Logger
}

// Compiler compiles queries against one model.
type Compiler struct {
	model   *model.Model
	graph   *joingraph.Graph
	dialect *dialect.Dialect
	matcher *preagg.Matcher
	opts    Options
	logger  *slog.Logger
}

// Column maps a requested member to its output column.
type Column struct {
	Member string `json:"member"`
	Alias  string `json:"alias"`
	Kind   string `json:"kind"`
}

// Result is a compiled query.
type Result struct {
	RequestID string `json:"requestId"`
	SQL       string `json:"sql"`
	Params    []any  `json:"params"`
	// Aliases lists the output columns in select order.
	Aliases []Column `json:"aliases"`
	// PreAggregations describes the rollup tables the SQL reads.
	PreAggregations []preagg.Description `json:"preAggregations,omitempty"`
	// TotalSQL counts the rows of SQL without pagination when the query
	// asks for a total.
	TotalSQL    string `json:"totalSql,omitempty"`
	TotalParams []any  `json:"totalParams,omitempty"`
}

// New prepares a compiler for m: the join graph is built, rollups are
// resolved and the dialect is looked up.
func New(m *model.Model, opts Options) (*Compiler, error) {
	if m == nil {
		return nil, ErrNilModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Dialect == "" {
		opts.Dialect = "postgres"
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	d, err := dialect.Lookup(opts.Dialect)
	if err != nil {
		return nil, err
	}
	g, err := joingraph.New(m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build join graph: %w", err)
	}
	mt, err := preagg.NewMatcher(m, g, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pre-aggregations: %w", err)
	}
	logger.Debug("compiler ready",
		slog.String("dialect", d.Name),
		slog.Int("cubes", len(m.Cubes())),
		slog.Int("rollups", len(mt.Rollups())))
	return &Compiler{
		model:   m,
		graph:   g,
		dialect: d,
		matcher: mt,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Model returns the compiled model.
func (c *Compiler) Model() *model.Model { return c.model }

// Dialect returns the target dialect.
func (c *Compiler) Dialect() *dialect.Dialect { return c.dialect }

// Matcher returns the pre-aggregation matcher.
func (c *Compiler) Matcher() *preagg.Matcher { return c.matcher }

type securityContextKey struct{}

// WithSecurityContext attaches a request security context, overriding
// Options.SecurityContext for compilations under ctx.
func WithSecurityContext(ctx context.Context, sc map[string]any) context.Context {
	return context.WithValue(ctx, securityContextKey{}, sc)
}

func (c *Compiler) env(ctx context.Context, logger *slog.Logger) *query.Env {
	sc := c.opts.SecurityContext
	if v, ok := ctx.Value(securityContextKey{}).(map[string]any); ok {
		sc = v
	}
	return query.NewEnv(c.model, c.graph, c.dialect, query.Options{
		DefaultLimit:                  c.opts.DefaultLimit,
		MaxLimit:                      c.opts.MaxLimit,
		PreAggregationsSchema:         c.opts.PreAggregationsSchema,
		UseOriginalSQLPreAggregations: c.opts.UseOriginalSQLPreAggregations,
		SecurityContext:               sc,
		CompileContext:                c.opts.CompileContext,
		Logger:                        logger,
	})
}

// Compile compiles q into SQL and params. On error no SQL is returned.
func (c *Compiler) Compile(ctx context.Context, q *core.Query) (*Result, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	reqID := uuid.NewString()
	logger := c.logger.With(slog.String("request_id", reqID))
	start := time.Now()

	if q.Timezone == "" && c.opts.Timezone != "" {
		cp := *q
		cp.Timezone = c.opts.Timezone
		q = &cp
	}
	env := c.env(ctx, logger)
	p, err := query.Prepare(env, q)
	if err != nil {
		return nil, err
	}
	if c.opts.DisablePreAggregations {
		p.NoPreAggregations = true
	}

	run := &compilation{c: c, ctx: ctx, logger: logger}
	stmt, err := run.statement(p)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{RequestID: reqID}
	if res.SQL, res.Params, err = format.Render(stmt, c.dialect, env.Params); err != nil {
		return nil, err
	}
	if q.Total {
		if res.TotalSQL, res.TotalParams, err = format.Render(query.CountAll(stmt), c.dialect, env.Params); err != nil {
			return nil, err
		}
	}
	for _, col := range p.Columns() {
		res.Aliases = append(res.Aliases, Column{Member: col.Member, Alias: col.Alias, Kind: col.Kind.String()})
	}
	if res.PreAggregations, err = run.describe(p); err != nil {
		return nil, err
	}

	logger.Debug("query compiled",
		slog.Int("measures", len(p.Measures)),
		slog.Int("dimensions", len(p.Dimensions)),
		slog.Int("time_dimensions", len(p.TimeDimensions)),
		slog.Int("pre_aggregations", len(res.PreAggregations)),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// CompileBatch compiles queries concurrently, at most Options.BatchLimit
// at a time. Results keep the order of queries. The first failure cancels
// the rest and is returned with the index of its query.
func (c *Compiler) CompileBatch(ctx context.Context, queries []*core.Query) ([]*Result, error) {
	out := make([]*Result, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.BatchLimit)
	for i, q := range queries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := c.Compile(ctx, q)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// compilation is the state of one Compile call: the rollups its leaf
// queries were rewritten to.
type compilation struct {
	c      *Compiler
	ctx    context.Context
	logger *slog.Logger
	plans  []*preagg.Plan
}

func (r *compilation) statement(p *query.Prepared) (*core.SelectStmt, error) {
	staged, err := multistage.Needed(p)
	if err != nil {
		return nil, err
	}
	if staged {
		r.logger.Debug("multi-stage query")
		return multistage.New(p, r.leaf).Plan(r.ctx)
	}
	stmt, ok, err := query.CompareDateRanges(p, r.leaf)
	if ok || err != nil {
		return stmt, err
	}
	return r.leaf(p)
}

// leaf compiles a classic query, from a rollup when one matches.
func (r *compilation) leaf(p *query.Prepared) (*core.SelectStmt, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := r.c.matcher.Match(p)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return query.Build(p)
	}
	stmt, err := r.c.matcher.Rewrite(plan)
	if err != nil {
		return nil, err
	}
	r.plans = append(r.plans, plan)
	return stmt, nil
}

// describe lists the tables read by the compiled query: matched rollups
// and originalSql tables of joined cubes.
func (r *compilation) describe(p *query.Prepared) ([]preagg.Description, error) {
	var out []preagg.Description
	seen := make(map[string]bool)
	add := func(ds ...preagg.Description) {
		for _, d := range ds {
			key := d.PreAggregationID + "|" + d.TableName
			if !seen[key] {
				seen[key] = true
				out = append(out, d)
			}
		}
	}
	for _, plan := range r.plans {
		ds, err := r.c.matcher.DescribePlan(plan)
		if err != nil {
			return nil, err
		}
		add(ds...)
	}
	if !p.Env.Options.UseOriginalSQLPreAggregations || p.Tree == nil {
		return out, nil
	}
	for _, name := range p.Tree.Cubes() {
		cube, ok := r.c.model.Cube(name)
		if !ok {
			continue
		}
		d, ok, err := preagg.DescribeOriginalSQL(p.Env, cube)
		if err != nil {
			return nil, err
		}
		if ok {
			add(d)
		}
	}
	return out, nil
}

// Describe describes every rollup table of the model built in tz.
// originalSql tables are included when enabled.
func (c *Compiler) Describe(ctx context.Context, tz string) ([]preagg.Description, error) {
	if tz == "" {
		tz = c.opts.Timezone
	}
	env := c.env(ctx, c.logger)
	out, err := c.matcher.DescribeAll(env, tz)
	if err != nil {
		return nil, err
	}
	if !c.opts.UseOriginalSQLPreAggregations {
		return out, nil
	}
	for _, cube := range c.model.Cubes() {
		if cube.IsView {
			continue
		}
		d, ok, err := preagg.DescribeOriginalSQL(env, cube)
		if err != nil {
			return nil, fmt.Errorf("cube %s: %w", cube.Name, err)
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// JoinPathResult is the join tree chosen for a set of cubes.
type JoinPathResult struct {
	Root  string     `json:"root"`
	Joins []JoinStep `json:"joins"`
	// Multiplied lists the cubes whose rows fan out in the tree.
	Multiplied []string `json:"multiplied,omitempty"`
}

// JoinStep is one edge of a join tree.
type JoinStep struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Relationship string `json:"relationship"`
}

// JoinPath resolves the join tree connecting the given cubes or
// "cube.a.b" paths, the way queries referencing them are joined.
func (c *Compiler) JoinPath(cubes []string) (*JoinPathResult, error) {
	hints := make([]joingraph.Hint, 0, len(cubes))
	for _, name := range cubes {
		h := joingraph.Hint(strings.Split(name, "."))
		if _, ok := c.model.Cube(h.Cube()); !ok {
			return nil, core.NewJoinResolutionError("cube '%s' not found", h.Cube())
		}
		hints = append(hints, h)
	}
	tree, err := c.graph.BuildJoin(hints)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, core.NewJoinResolutionError("no cubes to join")
	}
	res := &JoinPathResult{Root: tree.Root}
	for _, e := range tree.Joins {
		res.Joins = append(res.Joins, JoinStep{From: e.From, To: e.To, Relationship: e.Relationship()})
	}
	for _, cube := range tree.Cubes() {
		if tree.IsMultiplied(cube) {
			res.Multiplied = append(res.Multiplied, cube)
		}
	}
	return res, nil
}

// Components groups cubes by connected component of the join graph.
// Cubes in different components can't be queried together.
func (c *Compiler) Components() map[string]int {
	return c.graph.ConnectedComponents()
}
