// Package query prepares semantic queries and builds classic SQL plans.
//
// Prepare binds every member of a core.Query, computes the join tree and
// normalizes date ranges, ordering and limits. Build turns a Prepared query
// into a statement: a single grouped select when nothing fans out, or the
// full-key form where regular, multiplied and rolling measures are computed
// in separate subqueries joined on the query dimensions.
package query

import (
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leapcube/internal/starlark"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Defaults for row limits.
const (
	DefaultRowLimit = 10000
	MaxRowLimit     = 50000
)

// Options tune query preparation.
type Options struct {
	DefaultLimit int
	MaxLimit     int

	PreAggregationsSchema         string
	UseOriginalSQLPreAggregations bool

	SecurityContext map[string]any
	CompileContext  map[string]any

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = DefaultRowLimit
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = MaxRowLimit
	}
	if o.DefaultLimit > o.MaxLimit {
		o.DefaultLimit = o.MaxLimit
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Env is the state shared by every statement of one compilation: the
// model, the join graph, the dialect, the parameter allocator and the
// inline expression cache.
type Env struct {
	Model    *model.Model
	Graph    *joingraph.Graph
	Dialect  *dialect.Dialect
	Params   *core.Params
	Resolver *member.Resolver
	Options  Options
}

// NewEnv creates the environment of one compilation.
func NewEnv(m *model.Model, g *joingraph.Graph, d *dialect.Dialect, opts Options) *Env {
	return &Env{
		Model:    m,
		Graph:    g,
		Dialect:  d,
		Params:   core.NewParams(),
		Resolver: member.NewResolver(m),
		Options:  opts.withDefaults(),
	}
}

// Logger returns the configured logger.
func (e *Env) Logger() *slog.Logger { return e.Options.Logger }

// Renderer returns a renderer for templates evaluated outside any query,
// such as originalSql tables. FILTER_PARAMS render as always true.
func (e *Env) Renderer() (*member.Renderer, error) {
	eval, err := starlark.NewEvaluator(starlark.Options{
		SecurityContext: e.Options.SecurityContext,
		CompileContext:  e.Options.CompileContext,
		Params:          e.Params,
	})
	if err != nil {
		return nil, err
	}
	return member.NewRenderer(e.Model, e.Dialect, eval), nil
}

// TimeDimension is a bound time dimension entry.
type TimeDimension struct {
	Symbol *member.Symbol
	// Granularity is nil for filter-only entries.
	Granularity *granularity.Granularity
	// DateRange holds normalized local bounds, or is nil.
	DateRange        []string
	CompareDateRange [][]string
	Offset           core.Interval
}

// Grouped reports whether the entry adds a bucketed output column.
func (td *TimeDimension) Grouped() bool { return td.Granularity != nil }

// Filter is a bound filter tree node.
type Filter struct {
	Symbol   *member.Symbol
	Operator string
	Values   []string
	And      []*Filter
	Or       []*Filter
}

// IsLogical reports whether the node is an and/or group.
func (f *Filter) IsLogical() bool { return f.And != nil || f.Or != nil }

// Leaves returns the member filters of the tree.
func (f *Filter) Leaves() []*Filter {
	if !f.IsLogical() {
		return []*Filter{f}
	}
	var out []*Filter
	for _, c := range slices.Concat(f.And, f.Or) {
		out = append(out, c.Leaves()...)
	}
	return out
}

// OrderItem orders by an output column.
type OrderItem struct {
	Alias string
	Desc  bool
}

// Prepared is a query bound to the model.
type Prepared struct {
	Env   *Env
	Query *core.Query

	Measures       []*member.Symbol
	Dimensions     []*member.Symbol
	TimeDimensions []*TimeDimension
	Segments       []*member.Symbol
	Filters        []*Filter
	JoinHints      []joingraph.Hint

	Tree     *joingraph.Tree
	Renderer *member.Renderer

	Order []OrderItem
	// Limit is nil for nested statements.
	Limit  *int
	Offset int
	// NoPreAggregations disables rollup matching, e.g. for build queries.
	NoPreAggregations bool
	// Joins are appended after the join tree, e.g. multi-stage dimension
	// CTEs joined into leaf queries.
	Joins []*core.Join
}

// Prepare binds q against the model.
func Prepare(env *Env, q *core.Query) (*Prepared, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	p := &Prepared{Env: env, Query: q, Offset: q.Offset}
	r := env.Resolver

	for _, ref := range q.Measures {
		sym, err := r.ResolveAs(ref, model.KindMeasure)
		if err != nil {
			return nil, err
		}
		p.Measures = appendSymbol(p.Measures, sym)
	}
	for _, ref := range q.Dimensions {
		sym, err := r.ResolveAs(ref, model.KindDimension)
		if err != nil {
			return nil, err
		}
		p.Dimensions = appendSymbol(p.Dimensions, sym)
	}
	for _, td := range q.TimeDimensions {
		bound, err := bindTimeDimension(r, td)
		if err != nil {
			return nil, err
		}
		p.TimeDimensions = append(p.TimeDimensions, bound)
	}
	for _, name := range q.Segments {
		sym, err := r.ResolveAs(core.Ref(name), model.KindSegment)
		if err != nil {
			return nil, err
		}
		p.Segments = appendSymbol(p.Segments, sym)
	}
	for _, f := range q.Filters {
		bound, err := bindFilter(r, f)
		if err != nil {
			return nil, err
		}
		p.Filters = append(p.Filters, bound)
	}
	for _, h := range q.JoinHints {
		p.JoinHints = append(p.JoinHints, joingraph.Hint(h))
	}

	if err := p.Rejoin(); err != nil {
		return nil, err
	}

	eval, err := starlark.NewEvaluator(starlark.Options{
		SecurityContext: env.Options.SecurityContext,
		CompileContext:  env.Options.CompileContext,
		Params:          env.Params,
		Filters:         starlark.FilterRendererFunc(p.RenderFilter),
	})
	if err != nil {
		return nil, err
	}
	p.Renderer = member.NewRenderer(env.Model, env.Dialect, eval).WithTimezone(q.Timezone)

	if err := p.resolveOrder(); err != nil {
		return nil, err
	}
	if err := p.resolveLimit(); err != nil {
		return nil, err
	}
	return p, nil
}

func appendSymbol(list []*member.Symbol, sym *member.Symbol) []*member.Symbol {
	for _, s := range list {
		if s.Alias == sym.Alias {
			return list
		}
	}
	return append(list, sym)
}

func bindTimeDimension(r *member.Resolver, td core.TimeDimension) (*TimeDimension, error) {
	sym, err := r.ResolvePath(td.Dimension)
	if err != nil {
		return nil, err
	}
	d := sym.Dimension()
	if d == nil || !d.IsTime() {
		return nil, core.NewMemberResolutionError("'%s' is not a time dimension", td.Dimension)
	}
	gran := td.Granularity
	if gran == "" {
		gran = sym.Granularity
	}
	bound := &TimeDimension{}
	if gran != "" {
		g, err := d.Granularity(gran)
		if err != nil {
			return nil, err
		}
		bound.Granularity = g
		copied := *sym
		copied.Granularity = gran
		copied.Alias = core.TimeAlias(sym.Member.Owner().Name, sym.Member.MemberName(), gran)
		sym = &copied
	}
	bound.Symbol = sym

	if td.DateRange.IsSet() {
		rng, err := normalizeRange(td.DateRange)
		if err != nil {
			return nil, err
		}
		bound.DateRange = rng
	}
	for _, cr := range td.CompareDateRange {
		rng, err := normalizeRange(cr)
		if err != nil {
			return nil, err
		}
		bound.CompareDateRange = append(bound.CompareDateRange, rng)
	}
	if td.Offset != "" {
		iv, err := granularity.ParseInterval(td.Offset)
		if err != nil {
			return nil, core.NewQueryError("invalid offset for %s: %v", td.Dimension, err)
		}
		if bound.Granularity != nil && !bound.Granularity.Standard {
			return nil, core.NewGranularityConflictError(
				"Query-time offset parameter cannot be used with custom granularity '%s'", bound.Granularity.Name)
		}
		bound.Offset = iv
	}
	return bound, nil
}

func normalizeRange(dr core.DateRange) ([]string, error) {
	if !dr.IsSet() {
		return nil, core.NewQueryError("dateRange must have two elements")
	}
	from, err := granularity.FormatFrom(dr[0])
	if err != nil {
		return nil, core.NewQueryError("invalid dateRange: %v", err)
	}
	to, err := granularity.FormatTo(dr[1])
	if err != nil {
		return nil, core.NewQueryError("invalid dateRange: %v", err)
	}
	if reversed(from, to) {
		return nil, core.NewQueryError("invalid dateRange: start %s is after end %s", dr[0], dr[1])
	}
	return []string{from, to}, nil
}

func bindFilter(r *member.Resolver, f core.Filter) (*Filter, error) {
	if f.IsLogical() {
		out := &Filter{}
		for _, c := range f.And {
			b, err := bindFilter(r, c)
			if err != nil {
				return nil, err
			}
			out.And = append(out.And, b)
		}
		for _, c := range f.Or {
			b, err := bindFilter(r, c)
			if err != nil {
				return nil, err
			}
			out.Or = append(out.Or, b)
		}
		return out, nil
	}
	sym, err := r.ResolvePath(f.Member)
	if err != nil {
		return nil, err
	}
	if _, ok := operators[f.Operator]; !ok {
		return nil, core.NewQueryError("unknown filter operator %q for %s", f.Operator, f.Member)
	}
	return &Filter{Symbol: sym, Operator: f.Operator, Values: f.Values}, nil
}

// Rejoin recomputes the join tree from the bound members and join hints.
func (p *Prepared) Rejoin() error {
	var filterSyms []*member.Symbol
	for _, f := range p.Filters {
		for _, leaf := range f.Leaves() {
			filterSyms = append(filterSyms, leaf.Symbol)
		}
	}
	var timeSyms []*member.Symbol
	for _, td := range p.TimeDimensions {
		timeSyms = append(timeSyms, td.Symbol)
	}
	hints := member.CollectHints(p.Measures, p.Dimensions, timeSyms, p.Segments, filterSyms)
	hints = append(hints, p.JoinHints...)
	tree, err := p.Env.Graph.BuildJoin(hints)
	if err != nil {
		return err
	}
	if tree == nil {
		return core.NewQueryError("query references no members")
	}
	p.Tree = tree
	return nil
}

// Clone returns a shallow copy whose member lists can be replaced freely.
func (p *Prepared) Clone() *Prepared {
	c := *p
	c.Measures = slices.Clone(p.Measures)
	c.Dimensions = slices.Clone(p.Dimensions)
	c.TimeDimensions = slices.Clone(p.TimeDimensions)
	c.Segments = slices.Clone(p.Segments)
	c.Filters = slices.Clone(p.Filters)
	c.Order = slices.Clone(p.Order)
	c.Joins = slices.Clone(p.Joins)
	return &c
}

// GroupedTimeDimensions returns the time dimensions with a granularity.
func (p *Prepared) GroupedTimeDimensions() []*TimeDimension {
	var out []*TimeDimension
	for _, td := range p.TimeDimensions {
		if td.Grouped() {
			out = append(out, td)
		}
	}
	return out
}

// RangedTimeDimension returns the first time dimension with a date range.
func (p *Prepared) RangedTimeDimension() *TimeDimension {
	for _, td := range p.TimeDimensions {
		if td.DateRange != nil {
			return td
		}
	}
	return nil
}

// Column describes one output column.
type Column struct {
	Alias  string
	Member string
	Kind   model.MemberKind
}

// Columns lists the output columns in select order: dimensions, grouped
// time dimensions, then measures.
func (p *Prepared) Columns() []Column {
	var out []Column
	seen := make(map[string]bool)
	add := func(s *member.Symbol, kind model.MemberKind) {
		if seen[s.Alias] {
			return
		}
		seen[s.Alias] = true
		out = append(out, Column{Alias: s.Alias, Member: s.Name, Kind: kind})
	}
	for _, d := range p.Dimensions {
		add(d, model.KindDimension)
	}
	for _, td := range p.GroupedTimeDimensions() {
		add(td.Symbol, model.KindDimension)
	}
	for _, m := range p.Measures {
		add(m, model.KindMeasure)
	}
	return out
}

// GroupingSymbols returns the symbols of the grouping columns in select order.
func (p *Prepared) GroupingSymbols() []*member.Symbol {
	var out []*member.Symbol
	seen := make(map[string]bool)
	for _, d := range p.Dimensions {
		if !seen[d.Alias] {
			seen[d.Alias] = true
			out = append(out, d)
		}
	}
	for _, td := range p.GroupedTimeDimensions() {
		if !seen[td.Symbol.Alias] {
			seen[td.Symbol.Alias] = true
			out = append(out, td.Symbol)
		}
	}
	return out
}
