// Package multistage plans queries whose members are computed from the
// results of other members: re-aggregations at a different grain, window
// functions, time shifts, switch cases and multi-stage dimensions.
//
// The planner builds a DAG of nodes keyed by member, grain and time shift.
// Leaf nodes are classic aggregations compiled by an injected builder, so
// they can be served by pre-aggregations. Every node becomes a CTE in
// topological order and the final select joins the nodes that produce the
// requested members on the query grain.
package multistage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapcube/internal/dag"
	"github.com/leapstack-labs/leapcube/internal/template"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

// Needed reports whether p references a member that only the planner can
// evaluate.
func Needed(p *query.Prepared) (bool, error) {
	where, having, err := p.SplitFilters()
	if err != nil {
		return false, err
	}
	measures := slices.Clone(p.Measures)
	for _, f := range having {
		for _, leaf := range f.Leaves() {
			measures = append(measures, leaf.Symbol)
		}
	}
	for _, s := range measures {
		m := s.Measure()
		if m == nil {
			continue
		}
		staged, err := needsStage(p.Renderer, m)
		if err != nil {
			return false, err
		}
		if staged {
			return true, nil
		}
	}
	dims := slices.Clone(p.GroupingSymbols())
	for _, f := range where {
		for _, leaf := range f.Leaves() {
			dims = append(dims, leaf.Symbol)
		}
	}
	for _, s := range dims {
		if isSwitch(s) || isMultiStageDimension(s) {
			return true, nil
		}
	}
	return false, nil
}

// needsStage reports whether m or one of the measures it is built from is
// multi-stage.
func needsStage(r *member.Renderer, m *model.Measure) (bool, error) {
	leaves, err := r.Leaves(m)
	if err != nil {
		return false, err
	}
	for _, leaf := range leaves {
		if leaf.IsMultiStage() {
			return true, nil
		}
	}
	return false, nil
}

// Planner compiles one multi-stage query.
type Planner struct {
	p     *query.Prepared
	leaf  query.BuildFunc
	log   *slog.Logger
	graph *dag.Graph[*node]

	grain grain
	// pinned switch dimensions render as a single value.
	pinned map[string]string
	// leafWhere holds the row filters pushed into leaf queries; final
	// filters are applied to the joined result.
	leafWhere []*query.Filter
	final     []*query.Filter
	roots     []*node
	dims      []*node
	stack     []string
}

// New creates a planner for p. leaf compiles the classic leaf queries; nil
// means query.Build.
func New(p *query.Prepared, leaf query.BuildFunc) *Planner {
	if leaf == nil {
		leaf = query.Build
	}
	return &Planner{p: p, leaf: leaf, log: p.Env.Logger()}
}

// Plan compiles the query.
func (pl *Planner) Plan(ctx context.Context) (*core.SelectStmt, error) {
	if pl.p.Query.Ungrouped {
		return nil, core.NewQueryError("multi-stage members can't be used in ungrouped queries")
	}
	stmt, ok, err := query.CompareDateRanges(pl.p, func(c *query.Prepared) (*core.SelectStmt, error) {
		return New(c, pl.leaf).plan(ctx)
	})
	if ok || err != nil {
		return stmt, err
	}
	return pl.plan(ctx)
}

func (pl *Planner) plan(ctx context.Context) (*core.SelectStmt, error) {
	pl.graph = dag.NewGraph[*node]()
	pl.grain = grain(pl.p.GroupingSymbols())
	pl.pinned = make(map[string]string)

	if err := pl.discover(); err != nil {
		return nil, err
	}
	nodes, err := pl.graph.TopologicalSort()
	if err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return nil, pl.cycleError(cycle.Path)
		}
		return nil, err
	}
	for i, n := range nodes {
		n.Data.cte = fmt.Sprintf("cte_%d", i)
	}
	pl.log.Debug("multi-stage plan", "nodes", len(nodes), "roots", len(pl.roots))

	var ctes []*core.CTE
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stmt, err := pl.build(n.Data)
		if err != nil {
			return nil, err
		}
		ctes = append(ctes, &core.CTE{Name: n.Data.cte, Select: stmt})
	}
	stmt, err := pl.finalSelect()
	if err != nil {
		return nil, err
	}
	stmt.With = ctes
	return stmt, nil
}

func (pl *Planner) cycleError(ids []string) error {
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = id
		if n, ok := pl.graph.Node(id); ok {
			paths[i] = n.Data.name()
		}
	}
	return core.NewMultiStageCycleError("multi-stage members form a cycle: %s", strings.Join(paths, " -> "))
}

// discover builds the node graph from the requested members and filters.
func (pl *Planner) discover() error {
	where, having, err := pl.p.SplitFilters()
	if err != nil {
		return err
	}
	for _, f := range conjuncts(where) {
		switch {
		case pl.pin(f):
		case mentions(f, isSwitch):
			pl.final = append(pl.final, f)
		default:
			pl.leafWhere = append(pl.leafWhere, f)
		}
	}

	for _, s := range pl.grain {
		if isMultiStageDimension(s) {
			if err := pl.dimension(s); err != nil {
				return err
			}
		}
	}
	for _, f := range pl.leafWhere {
		for _, leaf := range f.Leaves() {
			if isMultiStageDimension(leaf.Symbol) {
				if err := pl.dimension(leaf.Symbol); err != nil {
					return err
				}
			}
		}
	}

	for _, s := range pl.p.Measures {
		n, err := pl.measure(s.Measure(), pl.grain, nil, false)
		if err != nil {
			return err
		}
		pl.addRoot(n)
	}
	for _, f := range conjuncts(having) {
		var produced *node
		for _, leaf := range f.Leaves() {
			n, err := pl.measure(leaf.Symbol.Measure(), pl.grain, nil, false)
			if err != nil {
				return err
			}
			pl.addRoot(n)
			if produced == nil || produced == n {
				produced = n
			} else {
				produced = nil
			}
		}
		if produced != nil && produced.kind != kindLeaf {
			produced.filters = append(produced.filters, f)
			continue
		}
		pl.final = append(pl.final, f)
	}
	keys := pl.grain.regular()
	if len(pl.roots) == 0 || (len(keys) > 0 && !slices.ContainsFunc(pl.roots, func(n *node) bool { return n.out.covers(keys) })) {
		pl.addRoot(pl.leafNode(keys, nil, false))
	}

	return pl.attachDimensions()
}

func (pl *Planner) addRoot(n *node) {
	if !slices.Contains(pl.roots, n) {
		pl.roots = append(pl.roots, n)
	}
}

// pin records a single value equals filter on a switch dimension.
func (pl *Planner) pin(f *query.Filter) bool {
	if f.IsLogical() || !isSwitch(f.Symbol) || f.Operator != query.OpEquals || len(f.Values) != 1 {
		return false
	}
	pl.pinned[f.Symbol.TargetPath()] = f.Values[0]
	return true
}

// attachDimensions joins multi-stage dimension nodes into the leaves that
// group or filter by them.
func (pl *Planner) attachDimensions() error {
	if len(pl.dims) == 0 {
		return nil
	}
	filtered := make(map[string]bool)
	for _, f := range pl.leafWhere {
		for _, leaf := range f.Leaves() {
			filtered[leaf.Symbol.TargetPath()] = true
		}
	}
	for _, gn := range pl.graph.Nodes() {
		n := gn.Data
		if n.kind != kindLeaf || n.inner {
			continue
		}
		for _, dn := range pl.dims {
			path := dn.dim.Path()
			if !filtered[path] && !slices.ContainsFunc(n.grain, func(s *member.Symbol) bool { return s.TargetPath() == path }) {
				continue
			}
			n.dimJoins = append(n.dimJoins, dn)
			if err := pl.graph.AddEdge(dn.id, n.id); err != nil {
				return err
			}
		}
	}
	return nil
}

// dimension adds the node of a multi-stage dimension, evaluated at its
// add_group_by keys.
func (pl *Planner) dimension(s *member.Symbol) error {
	d := s.Dimension()
	id := "dimension:" + d.Path()
	if pl.graph.HasNode(id) {
		return nil
	}
	var keys grain
	for _, name := range d.AddGroupBy {
		sym, err := pl.p.Env.Resolver.ResolvePath(model.Qualify(d.Cube, name))
		if err != nil {
			return err
		}
		keys = keys.union(sym)
	}
	n := &node{id: id, kind: kindDimension, dim: d, grain: keys, out: keys}
	pl.graph.AddNode(id, n)
	pl.dims = append(pl.dims, n)
	return pl.addDependencies(n, model.MemberTemplates(d), d.Cube, keys, nil, true)
}

// measure returns the node producing m at g under shift sh. Measures that
// don't need a stage are evaluated by the leaf at g.
func (pl *Planner) measure(m *model.Measure, g grain, sh shift, inner bool) (*node, error) {
	target := pl.p.Env.Model.Underlying(m).(*model.Measure)
	staged, err := needsStage(pl.p.Renderer, target)
	if err != nil {
		return nil, err
	}
	if !staged {
		leaf := pl.leafNode(g.regular(), sh, inner)
		leaf.add(target)
		return leaf, nil
	}

	if slices.Contains(pl.stack, target.Path()) {
		chain := append(slices.Clone(pl.stack), target.Path())
		return nil, core.NewMultiStageCycleError("multi-stage members form a cycle: %s", strings.Join(chain, " -> "))
	}

	id := fmt.Sprintf("measure:%s@%s#%s", target.Path(), g.key(), sh.key())
	if inner {
		id += "!inner"
	}
	if gn, ok := pl.graph.Node(id); ok {
		return gn.Data, nil
	}

	n := &node{id: id, measure: target, grain: g, out: g, shift: sh, inner: inner}
	switch {
	case target.Case != nil:
		n.kind = kindCase
	case target.Type == model.MeasureRank || (target.Type == model.MeasureRunningTotal && target.MultiStage):
		n.kind = kindWindow
	case !target.IsAggregate():
		n.kind = kindCalc
	default:
		n.kind = kindAggregate
		if n.grain, n.out, err = pl.aggregateGrains(target, g); err != nil {
			return nil, err
		}
	}
	pl.graph.AddNode(id, n)

	depShift := sh
	if len(target.TimeShift) > 0 {
		if depShift, err = pl.shifted(target, sh); err != nil {
			return nil, err
		}
	}
	pl.stack = append(pl.stack, target.Path())
	defer func() { pl.stack = pl.stack[:len(pl.stack)-1] }()
	if err := pl.addDependencies(n, model.MemberTemplates(target), target.Cube, n.grain, depShift, inner); err != nil {
		return nil, err
	}
	return n, nil
}

// aggregateGrains returns the inner grain G ∪ add_group_by and the output
// grain (G ∩ group_by) \ reduce_by of a re-aggregating measure.
func (pl *Planner) aggregateGrains(m *model.Measure, g grain) (inner, out grain, err error) {
	inner = g
	for _, name := range m.AddGroupBy {
		sym, err := pl.p.Env.Resolver.ResolvePath(model.Qualify(m.Cube, name))
		if err != nil {
			return nil, nil, err
		}
		inner = inner.union(sym)
	}
	out = g
	if m.GroupBy.Set {
		paths, err := pl.paths(m.Cube, m.GroupBy.Names)
		if err != nil {
			return nil, nil, err
		}
		out = out.only(paths)
	}
	reduce, err := pl.paths(m.Cube, m.ReduceBy)
	if err != nil {
		return nil, nil, err
	}
	return inner, out.without(reduce), nil
}

// paths resolves member names written in c to underlying member paths.
func (pl *Planner) paths(c *model.Cube, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		ref, err := pl.p.Env.Model.ResolveRef(c, model.RefPath(name))
		if err != nil {
			return nil, err
		}
		if ref.IsCube() {
			return nil, core.NewMemberResolutionError("'%s' is a cube, expected a member", name)
		}
		out = append(out, pl.p.Env.Model.Underlying(ref.Member).Path())
	}
	return out, nil
}

// orderPaths lists the dimensions referenced by the order_by of m.
func (pl *Planner) orderPaths(m *model.Measure) ([]string, error) {
	var out []string
	for _, o := range m.OrderBy {
		if o.Tmpl == nil {
			continue
		}
		for _, ref := range o.Tmpl.Refs() {
			res, err := pl.p.Env.Model.ResolveRef(m.Cube, ref.Path)
			if err != nil {
				return nil, err
			}
			if _, ok := res.Member.(*model.Dimension); ok {
				out = append(out, pl.p.Env.Model.Underlying(res.Member).Path())
			}
		}
	}
	return out, nil
}

// shifted applies the time shifts of m on top of sh. A shift without a
// time dimension moves every query time dimension.
func (pl *Planner) shifted(m *model.Measure, sh shift) (shift, error) {
	out := sh
	for _, ts := range m.TimeShift {
		if ts.TimeDimension == "" {
			for _, td := range pl.p.TimeDimensions {
				out = out.add(td.Symbol.TargetPath(), ts.Shift)
			}
			continue
		}
		paths, err := pl.paths(m.Cube, []string{ts.TimeDimension})
		if err != nil {
			return nil, err
		}
		out = out.add(paths[0], ts.Shift)
	}
	return out, nil
}

// addDependencies adds a node for every measure the templates reference,
// evaluated at g, plus a keys-only leaf when no dependency yields every key
// of g.
func (pl *Planner) addDependencies(n *node, tmpls []*template.Template, owner *model.Cube, g grain, sh shift, inner bool) error {
	for _, t := range tmpls {
		if t == nil {
			continue
		}
		for _, ref := range t.Refs() {
			res, err := pl.p.Env.Model.ResolveRef(owner, ref.Path)
			if err != nil {
				return err
			}
			dep, ok := res.Member.(*model.Measure)
			if !ok {
				continue
			}
			dn, err := pl.measure(dep, g, sh, inner)
			if err != nil {
				return err
			}
			n.addDep(dn)
		}
	}

	keys := g.regular()
	if len(keys) > 0 && !slices.ContainsFunc(n.deps, func(d *node) bool { return d.out.covers(keys) }) {
		base := pl.leafNode(keys, sh, inner)
		n.deps = slices.Insert(n.deps, 0, base)
	}
	for _, dn := range n.deps {
		if err := pl.graph.AddEdge(dn.id, n.id); err != nil {
			return err
		}
	}
	return nil
}

// leafNode returns the classic aggregation at g under sh.
func (pl *Planner) leafNode(g grain, sh shift, inner bool) *node {
	id := fmt.Sprintf("leaf@%s#%s", g.key(), sh.key())
	if inner {
		id += "!inner"
	}
	if gn, ok := pl.graph.Node(id); ok {
		return gn.Data
	}
	n := &node{id: id, kind: kindLeaf, grain: g, out: g, shift: sh, inner: inner}
	pl.graph.AddNode(id, n)
	return n
}

// conjuncts flattens top-level "and" groups.
func conjuncts(filters []*query.Filter) []*query.Filter {
	var out []*query.Filter
	for _, f := range filters {
		if f.And != nil && f.Or == nil {
			out = append(out, conjuncts(f.And)...)
			continue
		}
		out = append(out, f)
	}
	return out
}

func mentions(f *query.Filter, pred func(*member.Symbol) bool) bool {
	return slices.ContainsFunc(f.Leaves(), func(leaf *query.Filter) bool { return pred(leaf.Symbol) })
}
