package preagg

import (
	"log/slog"
	"slices"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

// Plan is a query matched to a rollup.
type Plan struct {
	Query  *query.Prepared
	Rollup *Rollup
	// Exact is set when the rollup rows already have the query grain, so
	// non-additive measures can be read as stored.
	Exact bool
}

// tdRef is a time dimension at a granularity, by full name. An empty
// granularity means the dimension is only filtered.
type tdRef struct {
	name string
	gran string
	dim  *model.Dimension
}

// form is the shape of a query that matching compares against rollups.
type form struct {
	measures []string
	leaves   []string
	// leafAdditive is set when every leaf measure can be re-aggregated.
	leafAdditive bool
	multiStage   bool
	// sketches lists approximate distinct leaves when the dialect can't
	// merge HLL sketches; rollups storing them are unusable.
	sketches []string

	dims    []string
	tds     []tdRef
	tdsAsIs []tdRef
	// grouped is set when every time dimension has a granularity.
	grouped bool
	// filtersWithinDims is set when every dimension filter targets an
	// output dimension.
	filtersWithinDims bool
	// pinned lists the dimensions and segments fixed to a single value,
	// or is nil when some filter pins nothing.
	pinned map[string]bool
	ranged map[string]bool
}

// Match picks the rollup that answers p, or returns nil when none can.
// A query forcing a pre-aggregation id fails when that rollup can't be
// used.
func (m *Matcher) Match(p *query.Prepared) (*Plan, error) {
	forced := p.Query.PreAggregationID
	if reason := skipReason(p); reason != "" {
		if forced != "" {
			return nil, core.NewQueryError("pre-aggregation %s can't be used for this query: %s", forced, reason)
		}
		m.logger.Debug("pre-aggregations skipped", slog.String("reason", reason))
		return nil, nil
	}
	f, err := m.transform(p)
	if err != nil {
		return nil, err
	}

	if forced != "" {
		r, ok := m.byID[forced]
		if !ok {
			return nil, core.NewQueryError("pre-aggregation %s not found", forced)
		}
		exact, ok := f.canUse(r)
		if !ok {
			return nil, core.NewQueryError("pre-aggregation %s can't be used for this query", forced)
		}
		return m.plan(p, r, exact)
	}

	var best *Rollup
	var bestExact bool
	for _, cube := range p.Tree.Cubes() {
		for _, r := range m.byCube[cube] {
			exact, ok := f.canUse(r)
			if !ok {
				continue
			}
			if best == nil || rank(r) > rank(best) {
				best, bestExact = r, exact
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	return m.plan(p, best, bestExact)
}

func (m *Matcher) plan(p *query.Prepared, r *Rollup, exact bool) (*Plan, error) {
	d := p.Env.Dialect
	for _, t := range tablesOf(r) {
		if t.Def.SQLAlias != "" {
			continue
		}
		if err := d.CheckIdentifier(t.Def.BaseName()); err != nil {
			return nil, err
		}
	}
	m.logger.Debug("pre-aggregation matched",
		slog.String("rollup", r.ID),
		slog.Bool("exact", exact))
	return &Plan{Query: p, Rollup: r, Exact: exact}, nil
}

// tablesOf lists the rollups whose tables a query against r reads.
func tablesOf(r *Rollup) []*Rollup {
	if len(r.Parts) > 0 {
		return r.Parts
	}
	return []*Rollup{r}
}

// skipReason explains why p can't use any rollup, or is empty.
func skipReason(p *query.Prepared) string {
	switch {
	case p.NoPreAggregations:
		return "disabled"
	case p.Query.Ungrouped:
		return "ungrouped query"
	case len(p.Joins) > 0:
		return "query joins derived tables"
	case p.Renderer.HasOverrides():
		return "members are substituted"
	}
	for _, s := range p.Measures {
		leaves, err := p.Renderer.Leaves(s.Measure())
		if err != nil {
			return err.Error()
		}
		for _, l := range leaves {
			if l.IsRolling() {
				return "rolling window measure " + l.Path()
			}
		}
	}
	return ""
}

// transform computes the match form of p against its join tree.
func (m *Matcher) transform(p *query.Prepared) (*form, error) {
	tree := p.Tree
	name := func(s *member.Symbol) string {
		return fullName(tree, s.Cube().Name, s.Target.MemberName())
	}
	f := &form{
		leafAdditive:      true,
		grouped:           true,
		filtersWithinDims: true,
		ranged:            make(map[string]bool),
	}

	_, hllErr := p.Env.Dialect.HLLMerge("x")
	sketchable := hllErr == nil

	measures := slices.Clone(p.Measures)
	var dimFilters []*query.Filter
	for _, flt := range p.Filters {
		for _, leaf := range flt.Leaves() {
			if leaf.Symbol.Kind() == model.KindMeasure {
				measures = append(measures, leaf.Symbol)
			} else {
				dimFilters = append(dimFilters, leaf)
			}
		}
	}
	for _, s := range measures {
		f.measures = appendUnique(f.measures, name(s))
		ms := s.Measure()
		if ms.IsMultiStage() {
			f.multiStage = true
		}
		leaves, err := p.Renderer.Leaves(ms)
		if err != nil {
			return nil, err
		}
		for _, l := range leaves {
			f.leaves = appendUnique(f.leaves, fullName(tree, l.Cube.Name, l.Name))
			if !l.IsAdditive() {
				f.leafAdditive = false
			}
			if l.Type == model.MeasureCountDistinctApprox && !sketchable {
				f.sketches = appendUnique(f.sketches, fullName(tree, l.Cube.Name, l.Name))
			}
		}
	}

	selected := make(map[string]bool)
	for _, s := range p.Dimensions {
		n := name(s)
		selected[n] = true
		f.dims = appendUnique(f.dims, n)
	}
	for _, flt := range dimFilters {
		f.dims = appendUnique(f.dims, name(flt.Symbol))
		if !selected[name(flt.Symbol)] {
			f.filtersWithinDims = false
		}
	}
	for _, s := range p.Segments {
		f.dims = appendUnique(f.dims, name(s))
	}
	slices.Sort(f.dims)

	for _, td := range p.TimeDimensions {
		n := name(td.Symbol)
		dim := td.Symbol.Dimension()
		asIs := tdRef{name: n, dim: dim}
		if td.Granularity != nil {
			asIs.gran = td.Granularity.Name
		} else {
			f.grouped = false
		}
		gran, err := granularity.RollupGranularity(td.Granularity, core.DateRange(td.DateRange))
		if err != nil {
			return nil, err
		}
		f.tds = append(f.tds, tdRef{name: n, gran: gran, dim: dim})
		f.tdsAsIs = append(f.tdsAsIs, asIs)
		if td.DateRange != nil {
			f.ranged[n] = true
		}
	}
	sortTds(f.tds)
	sortTds(f.tdsAsIs)

	f.pinned = pinnedDims(p, name)
	return f, nil
}

// pinnedDims collects dimensions and segments whose values are fixed by
// single value equals filters. Any other filter leaves nothing pinned.
func pinnedDims(p *query.Prepared, name func(*member.Symbol) string) map[string]bool {
	counts := make(map[string]int)
	for _, s := range slices.Concat(p.Dimensions, p.Segments) {
		counts[name(s)] = 1
	}
	var walk func([]*query.Filter) bool
	walk = func(filters []*query.Filter) bool {
		for _, f := range filters {
			switch {
			case f.And != nil:
				if !walk(f.And) {
					return false
				}
			case f.Or != nil:
				return false
			case f.Operator == query.OpEquals:
				n := name(f.Symbol)
				cur, ok := counts[n]
				if !ok {
					cur = 2
				}
				counts[n] = min(cur, len(f.Values))
			default:
				return false
			}
		}
		return true
	}
	if !walk(p.Filters) {
		return nil
	}
	out := make(map[string]bool, len(counts))
	for n, c := range counts {
		if c != 1 {
			return nil
		}
		out[n] = true
	}
	return out
}

// canUse reports whether r answers the query, and whether it does so at
// the exact query grain.
func (f *form) canUse(r *Rollup) (exact, ok bool) {
	if r.Def.PartitionGranularity != "" && !f.ranged[r.timeName] {
		return false, false
	}
	for _, n := range f.sketches {
		if r.measures[n] {
			return false, false
		}
	}
	if f.leafAdditive && !f.multiStage && f.additive(r) {
		return false, true
	}
	return true, f.exact(r)
}

// additive checks that r stores every leaf measure at a grain the query
// grain can be rolled up from.
func (f *form) additive(r *Rollup) bool {
	for _, n := range f.leaves {
		if !r.measures[n] || r.multiplied[n] {
			return false
		}
	}
	for _, n := range f.dims {
		if !r.dims[n] {
			return false
		}
	}
	tds := f.tds
	if r.Def.AllowNonStrictDateRangeMatch {
		tds = f.tdsAsIs
	}
	for _, td := range tds {
		if td.name != r.timeName {
			return false
		}
		if td.gran == "" {
			continue
		}
		g, err := td.dim.Granularity(td.gran)
		if err != nil || !slices.Contains(g.Hierarchy(), r.Granularity) {
			return false
		}
	}
	return true
}

// exact checks that r stores the measures at precisely the query grain.
func (f *form) exact(r *Rollup) bool {
	if !f.grouped {
		return false
	}
	stored := func(names []string) bool {
		for _, n := range names {
			if !r.measures[n] || r.multiplied[n] {
				return false
			}
		}
		return true
	}
	if !stored(f.measures) && !stored(f.leaves) {
		return false
	}
	tds := f.tds
	if r.Def.AllowNonStrictDateRangeMatch {
		tds = f.tdsAsIs
	}
	if !slices.EqualFunc(tds, rollupTds(r), func(a, b tdRef) bool { return a.name == b.name && a.gran == b.gran }) {
		return false
	}
	if f.filtersWithinDims && slices.Equal(f.dims, sortedKeys(r.dims)) {
		return true
	}
	if f.pinned == nil || len(f.pinned) != len(r.dims) {
		return false
	}
	for n := range r.dims {
		if !f.pinned[n] {
			return false
		}
	}
	return true
}

func rollupTds(r *Rollup) []tdRef {
	if r.Time == nil {
		return []tdRef{}
	}
	return []tdRef{{name: r.timeName, gran: r.Granularity, dim: r.Time}}
}

// rank orders candidates: finer stored granularity first, rollups without
// a time dimension last.
func rank(r *Rollup) int {
	if r.Time == nil {
		return -1
	}
	g, err := r.Time.Granularity(r.Granularity)
	if err != nil {
		return -1
	}
	return slices.Index(granularity.StandardNames, g.MinStandard())
}

func sortTds(tds []tdRef) {
	slices.SortFunc(tds, func(a, b tdRef) int {
		if a.name != b.name {
			if a.name < b.name {
				return -1
			}
			return 1
		}
		switch {
		case a.gran < b.gran:
			return -1
		case a.gran > b.gran:
			return 1
		}
		return 0
	})
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}
