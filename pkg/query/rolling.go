package query

import (
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Column names of the rolling window series and base subqueries.
const (
	seriesFrom  = "date_from"
	seriesTo    = "date_to"
	rollingTime = "rolling_time"
)

// window returns the rolling window of m. to_date windows are resolved
// here since their reset granularity is a query concern.
func (b *builder) window(m *model.Measure) (*granularity.Window, error) {
	if m.Window != nil {
		return m.Window, nil
	}
	name := m.RollingWindow.ToDateGranularity()
	g, err := granularity.Standard(name)
	if err != nil {
		return nil, core.NewGranularityConflictError("rolling window of %s: %v", m.Path(), err)
	}
	return granularity.NewToDateWindow(g), nil
}

// series returns the buckets the rolling measures are reported at: the
// time series of the query granularity over the date range, or the whole
// range as one bucket when the query has no granularity.
func (b *builder) series(td *TimeDimension) ([]granularity.DateRange, error) {
	if td.Granularity == nil {
		return []granularity.DateRange{{From: td.DateRange[0], To: td.DateRange[1]}}, nil
	}
	return granularity.TimeSeries(td.Granularity, td.DateRange[0], td.DateRange[1])
}

// baseGranularity returns the granularity the base rows of g can be
// pre-aggregated at, or "" when they must stay row level.
func (b *builder) baseGranularity(g *rollingGroup, td *TimeDimension) string {
	if g.cube != nil || td.Granularity == nil {
		return ""
	}
	for _, leaf := range g.leaves {
		if !leaf.IsAdditive() {
			return ""
		}
		if leaf.Type == model.MeasureCountDistinctApprox && !b.d.SupportsHLL {
			return ""
		}
	}
	wg := g.window.Granularity()
	if wg == "" {
		return td.Granularity.MinStandard()
	}
	return granularity.MinGranularity(wg, td.Granularity.MinStandard())
}

// rollingSubquery evaluates the measures of g as a cumulative query: the
// series is left joined to the base rows that fall into each bucket's
// window, then grouped by bucket.
func (b *builder) rollingSubquery(g *rollingGroup) (*core.SelectStmt, error) {
	td := b.p.RangedTimeDimension()
	if td == nil {
		return nil, core.NewQueryError("rolling window measure %s requires a dateRange", g.leaves[0].Path())
	}
	ranges, err := b.series(td)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, core.NewQueryError("dateRange of %s is empty", td.Symbol.Name)
	}
	params := b.p.Env.Params
	values := &core.Values{Columns: []string{seriesFrom, seriesTo}}
	for _, rng := range ranges {
		values.Rows = append(values.Rows, []string{
			b.d.DateTimeParam(params.Add(rng.From)),
			b.d.DateTimeParam(params.Add(rng.To)),
		})
	}
	from := b.d.DateTimeParam(params.Add(ranges[0].From))
	to := b.d.DateTimeParam(params.Add(ranges[len(ranges)-1].To))

	grain := b.baseGranularity(g, td)
	base, err := b.rollingBase(g, td, grain, from, to)
	if err != nil {
		return nil, err
	}

	stmt := &core.SelectStmt{From: &core.TableRef{Values: values, Alias: "series"}}
	on, err := g.window.JoinCondition(b.d, b.quote("base", rollingTime),
		b.quote("series", seriesFrom), b.quote("series", seriesTo))
	if err != nil {
		return nil, err
	}
	stmt.AddJoin(core.JoinLeft, core.Subquery(base, "base"), on)

	for _, s := range b.p.GroupingSymbols() {
		if td.Grouped() && s.Alias == td.Symbol.Alias {
			stmt.AddColumn(b.quote("series", seriesFrom), s.Alias)
			continue
		}
		stmt.AddColumn(b.quote("base", s.Alias), s.Alias)
	}
	stmt.GroupBy = ordinals(len(stmt.Columns))
	for _, leaf := range g.leaves {
		col := b.quote("base", leafAlias(leaf))
		if grain == "" {
			stmt.AddColumn(b.r.Aggregate(leaf, col), leafAlias(leaf))
			continue
		}
		sql, ok, err := b.r.Reaggregate(leaf, col)
		if err != nil {
			return nil, err
		}
		if !ok {
			panic("internal: rolling base pre-aggregated a measure that can't be re-aggregated: " + leaf.Path())
		}
		stmt.AddColumn(sql, leafAlias(leaf))
	}
	return stmt, nil
}

// rollingBase selects the rows the windows draw from. With a grain the rows
// are pre-aggregated per bucket; otherwise they carry row-level arguments.
// Measures of a multiplied cube read their rows through de-duplicated keys.
func (b *builder) rollingBase(g *rollingGroup, td *TimeDimension, grain, from, to string) (*core.SelectStmt, error) {
	dim, ok := td.Symbol.Member.(*model.Dimension)
	if !ok {
		panic("internal: time dimension symbol is not a dimension: " + td.Symbol.Name)
	}
	skip := ""
	if td.Grouped() {
		skip = td.Symbol.Alias
	}
	cols, err := b.groupingColumns(b.r, skip)
	if err != nil {
		return nil, err
	}
	local, err := b.r.LocalTime(dim)
	if err != nil {
		return nil, err
	}
	timeExpr := local
	if grain != "" {
		timeExpr = b.d.Truncate(grain, local)
	}
	cols = append(cols, core.SelectItem{Expr: timeExpr, Alias: rollingTime})

	where, err := b.p.DimensionFilters(b.r)
	if err != nil {
		return nil, err
	}
	for _, other := range b.p.TimeDimensions {
		if other == td || other.DateRange == nil {
			continue
		}
		cond, err := b.p.DateRangeCondition(b.r, other)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}
	where = append(where, g.window.RangeCondition(b.d, local, from, to))

	if g.cube != nil {
		keys, err := b.keys(g.cube, cols, where)
		if err != nil {
			return nil, err
		}
		r := b.r.WithKeyedCount(g.cube.Name).WithUngrouped()
		stmt := &core.SelectStmt{From: core.Subquery(keys, "keys")}
		if err := b.joinKeys(stmt, r, g.cube); err != nil {
			return nil, err
		}
		for _, c := range cols {
			stmt.AddColumn(b.quote("keys", c.Alias), c.Alias)
		}
		for _, leaf := range g.leaves {
			sql, err := r.RenderMeasure(leaf)
			if err != nil {
				return nil, err
			}
			stmt.AddColumn(sql, leafAlias(leaf))
		}
		return stmt, nil
	}

	r := b.r
	if grain == "" {
		r = r.WithUngrouped()
	}
	stmt, err := b.selectFrom(r)
	if err != nil {
		return nil, err
	}
	stmt.Columns = cols
	stmt.Where = where
	if grain != "" {
		stmt.GroupBy = ordinals(len(cols))
	}
	for _, leaf := range g.leaves {
		sql, err := r.RenderMeasure(leaf)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, leafAlias(leaf))
	}
	return stmt, nil
}
