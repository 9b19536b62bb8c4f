package preagg

import (
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

// column is the name of a member's column in a rollup table.
func column(mem model.Member, gran string) string {
	if gran != "" {
		return core.TimeAlias(mem.Owner().Name, mem.MemberName(), gran)
	}
	return core.MemberAlias(mem.Owner().Name, mem.MemberName())
}

// prepareBuild binds the query that computes the rows of r in env.
// Segments are grouped as boolean columns and approximate distinct counts
// are stored as mergeable sketches. rng restricts the time dimension.
func (m *Matcher) prepareBuild(env *query.Env, r *Rollup, tz string, rng []string) (*query.Prepared, error) {
	rf := r.refs
	q := &core.Query{Timezone: tz}
	for _, mp := range rf.measures {
		q.Measures = append(q.Measures, core.Ref(mp.Qualified()))
	}
	for _, mp := range rf.dimensions {
		q.Dimensions = append(q.Dimensions, core.Ref(mp.Qualified()))
	}
	if rf.time != nil {
		q.TimeDimensions = []core.TimeDimension{{
			Dimension:   rf.time.Qualified(),
			Granularity: r.Granularity,
			DateRange:   core.DateRange(rng),
		}}
	}
	p, err := query.Prepare(env, q)
	if err != nil {
		return nil, err
	}
	for _, mp := range rf.segments {
		sym, err := env.Resolver.ResolveAs(core.Ref(mp.Qualified()), model.KindSegment)
		if err != nil {
			return nil, err
		}
		p.Dimensions = append(p.Dimensions, sym)
	}
	if len(rf.segments) > 0 {
		if err := p.Rejoin(); err != nil {
			return nil, err
		}
	}
	p.Order = nil
	p.Limit = nil
	p.NoPreAggregations = true

	sketches := make(map[string]string)
	for _, ms := range r.Measures {
		if ms.Type != model.MeasureCountDistinctApprox {
			continue
		}
		arg, err := p.Renderer.MeasureArgument(ms)
		if err != nil {
			return nil, err
		}
		if sketches[ms.Path()], err = env.Dialect.HLLInit(arg); err != nil {
			return nil, err
		}
	}
	if len(sketches) > 0 {
		p.Renderer = p.Renderer.WithOverrides(sketches)
	}
	return p, nil
}

// build compiles the rows of r with every output column named after the
// rollup table column.
func (m *Matcher) build(env *query.Env, r *Rollup, tz string, rng []string) (*core.SelectStmt, error) {
	p, err := m.prepareBuild(env, r, tz, rng)
	if err != nil {
		return nil, err
	}
	stmt, err := query.Build(p)
	if err != nil {
		return nil, err
	}
	renameColumns(stmt, p)
	return stmt, nil
}

func renameColumns(stmt *core.SelectStmt, p *query.Prepared) {
	names := make(map[string]string)
	add := func(s *member.Symbol) { names[s.Alias] = column(s.Target, s.Granularity) }
	for _, s := range p.Dimensions {
		add(s)
	}
	for _, td := range p.GroupedTimeDimensions() {
		add(td.Symbol)
	}
	for _, s := range p.Measures {
		add(s)
	}
	for i, c := range stmt.Columns {
		if name, ok := names[c.Alias]; ok {
			stmt.Columns[i].Alias = name
		}
	}
}
