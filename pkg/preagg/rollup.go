// Package preagg matches queries against rollup pre-aggregations and
// rewrites matching queries to read from the rollup tables.
//
// A Matcher is built once per model. It resolves every rollup, rollupJoin
// and rollupLambda declaration against the join graph so that members can
// be compared by their full join path, then answers Match for any number
// of prepared queries. Matching never changes a query's result: a rollup is
// used only when its stored grain can be re-aggregated to the query grain,
// or when it already has that grain.
package preagg

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Rollup is a rollup-like pre-aggregation with its references resolved.
type Rollup struct {
	// ID is "cube.name".
	ID  string
	Def *model.PreAggregation

	Measures    []*model.Measure
	Dimensions  []*model.Dimension
	Segments    []*model.Segment
	Time        *model.Dimension
	Granularity string

	// Parts are the rollups a rollupJoin joins or a rollupLambda unions,
	// in declaration order.
	Parts []*Rollup
	joins []*joinStep

	refs       refs
	tree       *joingraph.Tree
	measures   map[string]bool
	dims       map[string]bool
	timeName   string
	multiplied map[string]bool
	// paths holds the plain "cube.member" paths of every stored member.
	paths map[string]bool
}

// Type returns the pre-aggregation type.
func (r *Rollup) Type() string { return r.Def.Type }

func (r *Rollup) String() string { return r.ID }

// joinStep is one join of a rollupJoin: the tree edge and the rollups
// holding the members its condition references.
type joinStep struct {
	edge     *joingraph.Edge
	from, to *Rollup
}

// Matcher matches queries against the rollups of a model. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	model  *model.Model
	graph  *joingraph.Graph
	logger *slog.Logger

	rollups []*Rollup
	byID    map[string]*Rollup
	byCube  map[string][]*Rollup
}

// NewMatcher resolves every rollup of m. Declarations that can't be
// resolved are model errors.
func NewMatcher(m *model.Model, g *joingraph.Graph, logger *slog.Logger) (*Matcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mt := &Matcher{
		model:  m,
		graph:  g,
		logger: logger,
		byID:   make(map[string]*Rollup),
		byCube: make(map[string][]*Rollup),
	}
	res := member.NewResolver(m)

	// plain rollups first: joins and lambdas reference them
	for _, pass := range [][]string{{model.PreAggRollup}, {model.PreAggRollupJoin, model.PreAggRollupLambda}} {
		for _, c := range m.Cubes() {
			if c.IsView {
				continue
			}
			for _, pa := range c.PreAggregations {
				if !slices.Contains(pass, pa.Type) {
					continue
				}
				r, err := mt.resolve(res, pa)
				if err != nil {
					return nil, fmt.Errorf("pre-aggregation %s.%s: %w", c.Name, pa.Name, err)
				}
				mt.byID[r.ID] = r
			}
		}
	}
	// keep declaration order for candidate ranking
	for _, c := range m.Cubes() {
		for _, pa := range c.PreAggregations {
			if r, ok := mt.byID[c.Name+"."+pa.Name]; ok {
				mt.rollups = append(mt.rollups, r)
				mt.byCube[c.Name] = append(mt.byCube[c.Name], r)
			}
		}
	}
	logger.Debug("pre-aggregations resolved", slog.Int("rollups", len(mt.rollups)))
	return mt, nil
}

// Rollups returns every resolved rollup in declaration order.
func (m *Matcher) Rollups() []*Rollup { return m.rollups }

// Rollup returns the rollup with the given "cube.name" id.
func (m *Matcher) Rollup(id string) (*Rollup, bool) {
	r, ok := m.byID[id]
	return r, ok
}

func (m *Matcher) resolve(res *member.Resolver, pa *model.PreAggregation) (*Rollup, error) {
	r := &Rollup{
		ID:          pa.Cube.Name + "." + pa.Name,
		Def:         pa,
		Granularity: pa.Granularity,
	}
	refs := refsOf(pa)

	switch pa.Type {
	case model.PreAggRollupJoin, model.PreAggRollupLambda:
		for _, ref := range pa.RollupRefs {
			part, ok := m.byID[ref.String()]
			if !ok {
				return nil, core.NewQueryError("%s can only reference rollup pre-aggregations, '%s' is not one", pa.Type, ref.String())
			}
			r.Parts = append(r.Parts, part)
		}
		if len(r.Parts) == 0 {
			return nil, core.NewQueryError("%s '%s' should reference at least one rollup", pa.Type, r.ID)
		}
		if pa.Type == model.PreAggRollupLambda && refs.empty() {
			refs = refsOf(r.Parts[0].Def)
			r.Granularity = r.Parts[0].Def.Granularity
		}
	}

	if err := m.bind(res, r, refs); err != nil {
		return nil, err
	}

	switch pa.Type {
	case model.PreAggRollupJoin:
		if err := m.bindJoins(r); err != nil {
			return nil, err
		}
	case model.PreAggRollupLambda:
		if err := checkLambda(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// refs groups the member references of a declaration.
type refs struct {
	measures, dimensions, segments []model.MemberPath
	time                           *model.MemberPath
}

func refsOf(pa *model.PreAggregation) refs {
	return refs{
		measures:   pa.MeasureRefs,
		dimensions: pa.DimensionRefs,
		segments:   pa.SegmentRefs,
		time:       pa.TimeRef,
	}
}

func (rf refs) empty() bool {
	return len(rf.measures) == 0 && len(rf.dimensions) == 0 && len(rf.segments) == 0 && rf.time == nil
}

func (rf refs) all() []model.MemberPath {
	out := slices.Concat(rf.measures, rf.dimensions, rf.segments)
	if rf.time != nil {
		out = append(out, *rf.time)
	}
	return out
}

// bind looks up the referenced members, builds the rollup's join tree and
// records every member under its full join path.
func (m *Matcher) bind(res *member.Resolver, r *Rollup, rf refs) error {
	var hints []joingraph.Hint
	for _, mp := range rf.all() {
		if len(mp.Path) > 1 {
			hints = append(hints, joingraph.Hint(mp.Path))
			continue
		}
		mem, err := m.model.Lookup(mp)
		if err != nil {
			return err
		}
		h, err := res.Hints(mem)
		if err != nil {
			return err
		}
		hints = append(hints, h...)
	}
	tree, err := m.graph.BuildJoin(hints)
	if err != nil {
		return err
	}
	if tree == nil {
		return core.NewQueryError("pre-aggregation '%s' references no members", r.ID)
	}
	r.refs = rf
	r.tree = tree
	r.measures = make(map[string]bool)
	r.dims = make(map[string]bool)
	r.multiplied = make(map[string]bool)
	r.paths = make(map[string]bool)

	for _, mp := range rf.measures {
		mem, err := m.model.Lookup(mp)
		if err != nil {
			return err
		}
		ms := mem.(*model.Measure)
		r.Measures = append(r.Measures, ms)
		name := fullName(tree, mp.Cube, mp.Member)
		r.measures[name] = true
		r.paths[ms.Path()] = true
		if tree.IsMultiplied(mp.Cube) {
			r.multiplied[name] = true
		}
	}
	for _, mp := range rf.dimensions {
		mem, err := m.model.Lookup(mp)
		if err != nil {
			return err
		}
		r.Dimensions = append(r.Dimensions, mem.(*model.Dimension))
		r.dims[fullName(tree, mp.Cube, mp.Member)] = true
		r.paths[mem.Path()] = true
	}
	for _, mp := range rf.segments {
		mem, err := m.model.Lookup(mp)
		if err != nil {
			return err
		}
		r.Segments = append(r.Segments, mem.(*model.Segment))
		r.dims[fullName(tree, mp.Cube, mp.Member)] = true
		r.paths[mem.Path()] = true
	}
	if mp := rf.time; mp != nil {
		mem, err := m.model.Lookup(*mp)
		if err != nil {
			return err
		}
		r.Time = mem.(*model.Dimension)
		r.timeName = fullName(tree, mp.Cube, mp.Member)
		r.paths[mem.Path()] = true
	}
	return nil
}

// fullName identifies a member by the join path from the tree root, so
// that the same member reached along different paths never matches.
func fullName(tree *joingraph.Tree, cube, name string) string {
	if path := tree.PathTo(cube); path != nil {
		return strings.Join(path, ".") + "." + name
	}
	return cube + "." + name
}

// bindJoins finds, for every join of the rollupJoin tree that no part
// already covers, the parts holding both sides of the join condition.
func (m *Matcher) bindJoins(r *Rollup) error {
	covered := make(map[string]bool)
	for _, part := range r.Parts {
		for _, e := range part.tree.Joins {
			covered[e.String()] = true
		}
	}
	var edges []*joingraph.Edge
	for _, e := range r.tree.Joins {
		if !covered[e.String()] {
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 {
		return core.NewQueryError("Nothing to join in rollup join. Target joins of '%s' are included in existing rollups", r.ID)
	}
	for _, e := range edges {
		fromMembers, toMembers, err := m.joinMembers(e)
		if err != nil {
			return err
		}
		from, err := r.partWith(e, fromMembers)
		if err != nil {
			return err
		}
		to, err := r.partWith(e, toMembers)
		if err != nil {
			return err
		}
		r.joins = append(r.joins, &joinStep{edge: e, from: from, to: to})
	}
	for path := range r.paths {
		if !slices.ContainsFunc(r.Parts, func(p *Rollup) bool { return p.paths[path] }) {
			return core.NewQueryError("'%s' of rollup join '%s' is not found in any of the joined rollups", path, r.ID)
		}
	}
	return nil
}

// joinMembers splits the members referenced by a join condition by side.
func (m *Matcher) joinMembers(e *joingraph.Edge) (from, to []string, err error) {
	for _, ref := range e.Join.Tmpl.Refs() {
		res, err := m.model.ResolveRef(e.Join.From, ref.Path)
		if err != nil {
			return nil, nil, err
		}
		if res.IsCube() {
			return nil, nil, core.NewQueryError(
				"From members are not found in [%s] for join %s. Please make sure join fields are referencing dimensions instead of columns.",
				e.From, e)
		}
		switch res.Cube.Name {
		case e.From:
			from = append(from, res.Member.Path())
		case e.To:
			to = append(to, res.Member.Path())
		}
	}
	if len(from) == 0 || len(to) == 0 {
		return nil, nil, core.NewQueryError(
			"From members are not found in [%s] for join %s. Please make sure join fields are referencing dimensions instead of columns.",
			e.From, e)
	}
	return from, to, nil
}

func (r *Rollup) partWith(e *joingraph.Edge, paths []string) (*Rollup, error) {
	var found []*Rollup
	for _, part := range r.Parts {
		if !slices.ContainsFunc(paths, func(p string) bool { return !part.paths[p] }) {
			found = append(found, part)
		}
	}
	switch len(found) {
	case 0:
		return nil, core.NewQueryError("No rollups found that can be used for rollup join: %s (%s)", e, strings.Join(paths, ", "))
	case 1:
		return found[0], nil
	}
	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.ID
	}
	return nil, core.NewQueryError("Multiple rollups found that can be used for rollup join %s: %s", e, strings.Join(ids, ", "))
}

// checkLambda validates that the unioned rollups line up column by column
// and that their partitions can be stacked.
func checkLambda(r *Rollup) error {
	last := r.Parts[len(r.Parts)-1]
	if r.Def.UnionWithSourceData && last.Def.Cube != r.Def.Cube {
		return core.NewQueryError(
			"unionWithSourceData can be enabled only for pre-aggregation within '%s' cube but '%s' pre-aggregation is defined within '%s' cube",
			r.Def.Cube.Name, last.Def.Name, last.Def.Cube.Name)
	}
	for i, part := range r.Parts {
		if i > 0 {
			prev := r.Parts[i-1]
			cur, err := lambdaPartition(r, part)
			if err != nil {
				return err
			}
			before, err := lambdaPartition(r, prev)
			if err != nil {
				return err
			}
			if granularity.MinGranularity(before, cur) != cur {
				return core.NewQueryError(
					"'%s' and '%s' referenced by '%s' rollupLambda have incompatible partition granularities. '%s' can't be padded by '%s'",
					prev.ID, part.ID, r.ID, before, cur)
			}
		}
		for _, kind := range []string{"measures", "dimensions", "timeDimensions"} {
			a, b := shortNames(r, kind), shortNames(part, kind)
			if !slices.Equal(a, b) {
				return core.NewQueryError("Names for %s doesn't match between '%s' and '%s': %v does not equal to %v",
					kind, r.ID, part.ID, a, b)
			}
		}
	}
	return nil
}

func lambdaPartition(r, part *Rollup) (string, error) {
	if part.Def.PartitionGranularity == "" {
		return "", core.NewQueryError(
			"'%s' referenced by '%s' rollupLambda doesn't have partition granularity. Partition granularity is required if multiple rollups are provided.",
			part.ID, r.ID)
	}
	return part.Def.PartitionGranularity, nil
}

func shortNames(r *Rollup, kind string) []string {
	var out []string
	switch kind {
	case "measures":
		for _, m := range r.Measures {
			out = append(out, m.Name)
		}
	case "dimensions":
		for _, d := range r.Dimensions {
			out = append(out, d.Name)
		}
	case "timeDimensions":
		if r.Time != nil {
			out = append(out, r.Time.Name+"."+r.Granularity)
		}
	}
	return out
}
