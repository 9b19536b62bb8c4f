package preagg

import (
	"fmt"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

// LambdaBoundary is the placeholder param bound to the end of the last
// built partition of a pre-aggregation. Incremental refresh keys compare
// against it and rollupLambda legs are cut at it, see PartitionBoundary.
const LambdaBoundary = "__TO_PARTITION_RANGE"

// PartitionBoundary is the param standing for the end of the last built
// partition of the rollup id within a rollupLambda.
func PartitionBoundary(id string) string { return LambdaBoundary + ":" + id }

// source is the FROM clause of a rewritten query and the column holding
// every stored member, keyed by member path.
type source struct {
	from  *core.TableRef
	joins []*core.Join
	cols  map[string]string
}

// Rewrite compiles the matched query against the rollup tables: stored
// members become columns, leaf measures are re-aggregated and time
// dimensions are re-bucketed from the stored granularity.
func (m *Matcher) Rewrite(plan *Plan) (*core.SelectStmt, error) {
	p := plan.Query
	r := plan.Rollup
	src, err := m.source(p, r)
	if err != nil {
		return nil, err
	}
	overrides, err := overridesFor(plan, src)
	if err != nil {
		return nil, err
	}
	rr := p.Renderer.WithOverrides(overrides)

	stmt := &core.SelectStmt{From: src.from, Joins: src.joins}
	for _, s := range p.GroupingSymbols() {
		sql, err := rr.RenderSymbol(s)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, s.Alias)
	}
	groups := len(stmt.Columns)
	for _, s := range p.Measures {
		sql, err := rr.RenderSymbol(s)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, s.Alias)
	}

	if stmt.Where, err = p.DimensionFilters(rr); err != nil {
		return nil, err
	}
	d := p.Env.Dialect
	for _, td := range p.TimeDimensions {
		if td.DateRange == nil {
			continue
		}
		col, ok := src.cols[td.Symbol.TargetPath()]
		if !ok {
			return nil, fmt.Errorf("internal: rollup %s has no column for %s", r.ID, td.Symbol.TargetPath())
		}
		// rollup columns hold local time in the build timezone
		stmt.Where = append(stmt.Where, fmt.Sprintf("%s >= %s AND %s <= %s",
			col, d.DateTimeParam(p.Env.Params.Add(td.DateRange[0])),
			col, d.DateTimeParam(p.Env.Params.Add(td.DateRange[1]))))
	}
	stmt.GroupBy = query.Ordinals(groups)
	if stmt.Having, err = p.MeasureFilters(rr); err != nil {
		return nil, err
	}
	p.Paginate(stmt)
	return stmt, nil
}

// overridesFor maps stored members to their columns. Measures are
// re-aggregated; on an exact match measures that can't be re-aggregated
// are read as stored, one row per group.
func overridesFor(plan *Plan, src *source) (map[string]string, error) {
	p := plan.Query
	r := plan.Rollup
	out := make(map[string]string)
	for _, ms := range r.Measures {
		col := src.cols[ms.Path()]
		sql, ok, err := p.Renderer.Reaggregate(ms, col)
		if err != nil {
			// unreadable sketches; matching keeps queries off them
			continue
		}
		if !ok {
			if !plan.Exact {
				continue
			}
			sql = "max(" + col + ")"
		}
		out[ms.Path()] = sql
	}
	for _, dim := range r.Dimensions {
		out[dim.Path()] = src.cols[dim.Path()]
	}
	for _, seg := range r.Segments {
		out[seg.Path()] = src.cols[seg.Path()]
	}
	if r.Time == nil {
		return out, nil
	}
	col := src.cols[r.Time.Path()]
	out[r.Time.Path()] = col
	for _, td := range p.GroupedTimeDimensions() {
		if td.Symbol.TargetPath() != r.Time.Path() {
			continue
		}
		key := td.Symbol.OverrideKey()
		if td.Granularity.Name == r.Granularity && td.Offset.IsZero() {
			out[key] = col
			continue
		}
		sql, err := granularity.Bucket(p.Env.Dialect, col, td.Granularity, td.Offset)
		if err != nil {
			return nil, err
		}
		out[key] = sql
	}
	return out, nil
}

func (m *Matcher) quote(p *query.Prepared, table, col string) string {
	d := p.Env.Dialect
	return d.QuoteIdentifier(table) + "." + d.QuoteIdentifier(col)
}

// alias is the table alias of a rollup in rewritten queries.
func alias(r *Rollup) string { return core.MemberAlias(r.Def.Cube.Name, r.Def.Name) }

func (m *Matcher) source(p *query.Prepared, r *Rollup) (*source, error) {
	switch r.Type() {
	case model.PreAggRollupJoin:
		return m.joinSource(p, r)
	case model.PreAggRollupLambda:
		return m.lambdaSource(p, r)
	}
	schema := p.Env.Options.PreAggregationsSchema
	src := &source{
		from: core.Table(r.Def.TableName(schema), alias(r)),
		cols: make(map[string]string),
	}
	m.addColumns(p, src, r, r)
	return src, nil
}

// addColumns records the columns of the members of r as stored in the
// table of part. Members already recorded keep their column.
func (m *Matcher) addColumns(p *query.Prepared, src *source, r, part *Rollup) {
	a := alias(part)
	set := func(path, col string) {
		if _, ok := src.cols[path]; !ok {
			src.cols[path] = m.quote(p, a, col)
		}
	}
	for _, ms := range r.Measures {
		set(ms.Path(), column(ms, ""))
	}
	for _, dim := range r.Dimensions {
		set(dim.Path(), column(dim, ""))
	}
	for _, seg := range r.Segments {
		set(seg.Path(), column(seg, ""))
	}
	if r.Time != nil {
		set(r.Time.Path(), column(r.Time, r.Granularity))
	}
}

// joinSource joins the tables of a rollupJoin along its join conditions,
// with join members read from the rollup that stores them.
func (m *Matcher) joinSource(p *query.Prepared, r *Rollup) (*source, error) {
	schema := p.Env.Options.PreAggregationsSchema
	first := r.joins[0].from
	src := &source{
		from: core.Table(first.Def.TableName(schema), alias(first)),
		cols: make(map[string]string),
	}
	joined := map[*Rollup]bool{first: true}
	order := []*Rollup{first}
	for _, step := range r.joins {
		on := make(map[string]string)
		partCols := func(part *Rollup) {
			tmp := &source{cols: make(map[string]string)}
			m.addColumns(p, tmp, part, part)
			for k, v := range tmp.cols {
				if _, ok := on[k]; !ok {
					on[k] = v
				}
			}
		}
		partCols(step.from)
		partCols(step.to)
		cond, err := p.Renderer.WithOverrides(on).RenderJoinCondition(step.edge)
		if err != nil {
			return nil, err
		}
		if joined[step.to] {
			return nil, core.NewQueryError("rollup join %s joins %s twice", r.ID, step.to.ID)
		}
		joined[step.to] = true
		order = append(order, step.to)
		src.joins = append(src.joins, &core.Join{
			Kind:   core.JoinLeft,
			Source: core.Table(step.to.Def.TableName(schema), alias(step.to)),
			On:     cond,
		})
	}
	for _, part := range order {
		m.addColumns(p, src, part, part)
	}
	return src, nil
}

// lambdaSource unions the rollups of a rollupLambda, renaming their
// columns to the lambda's, and appends the source rows past the last
// partition when union_with_source_data is set. Each leg reads the time
// range after the previous leg's boundary.
func (m *Matcher) lambdaSource(p *query.Prepared, r *Rollup) (*source, error) {
	schema := p.Env.Options.PreAggregationsSchema
	d := p.Env.Dialect
	var legs []*core.SelectStmt
	var lower string
	for i, part := range r.Parts {
		a := alias(part)
		leg := &core.SelectStmt{From: core.Table(part.Def.TableName(schema), a)}
		for k, dim := range part.Dimensions {
			leg.AddColumn(m.quote(p, a, column(dim, "")), column(r.Dimensions[k], ""))
		}
		if part.Time != nil && r.Time != nil {
			col := m.quote(p, a, column(part.Time, part.Granularity))
			leg.AddColumn(col, column(r.Time, r.Granularity))
			if lower != "" {
				leg.Where = append(leg.Where, col+" > "+lower)
			}
			if i < len(r.Parts)-1 || r.Def.UnionWithSourceData {
				upper := d.DateTimeParam(p.Env.Params.Add(PartitionBoundary(part.ID)))
				leg.Where = append(leg.Where, col+" <= "+upper)
				lower = upper
			}
		}
		for k, ms := range part.Measures {
			leg.AddColumn(m.quote(p, a, column(ms, "")), column(r.Measures[k], ""))
		}
		legs = append(legs, leg)
	}
	if r.Def.UnionWithSourceData && r.Time != nil {
		live, err := m.liveLeg(p, r, lower)
		if err != nil {
			return nil, err
		}
		legs = append(legs, live)
	}
	src := &source{
		from: &core.TableRef{Union: legs, Alias: alias(r)},
		cols: make(map[string]string),
	}
	m.addColumns(p, src, r, r)
	return src, nil
}

// liveLeg aggregates the source rows after boundary at the lambda grain.
// It shares the params of the outer query.
func (m *Matcher) liveLeg(p *query.Prepared, r *Rollup, boundary string) (*core.SelectStmt, error) {
	lp, err := m.prepareBuild(p.Env, r, p.Query.Timezone, nil)
	if err != nil {
		return nil, err
	}
	local, err := lp.Renderer.LocalTime(r.Time)
	if err != nil {
		return nil, err
	}
	stmt, err := query.Build(lp)
	if err != nil {
		return nil, err
	}
	stmt.Where = append(stmt.Where, local+" > "+boundary)
	renameColumns(stmt, lp)
	return stmt, nil
}
