package multistage

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapcube/internal/template"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

type kind int

const (
	kindLeaf kind = iota
	kindCalc
	kindAggregate
	kindWindow
	kindCase
	kindDimension
)

func (k kind) String() string {
	switch k {
	case kindLeaf:
		return "leaf"
	case kindCalc:
		return "calc"
	case kindAggregate:
		return "aggregate"
	case kindWindow:
		return "window"
	case kindCase:
		return "case"
	case kindDimension:
		return "dimension"
	}
	return "unknown"
}

// node is one CTE of the plan.
type node struct {
	id      string
	kind    kind
	measure *model.Measure
	dim     *model.Dimension
	// leaves are the measures a leaf node aggregates.
	leaves []*model.Measure
	// grain is the grain dependencies are joined at; out is the grain of the
	// node's rows.
	grain grain
	out   grain
	shift shift
	// inner marks nodes feeding a multi-stage dimension.
	inner    bool
	deps     []*node
	dimJoins []*node
	filters  []*query.Filter
	cte      string
}

func (n *node) name() string {
	switch {
	case n.measure != nil:
		return n.measure.Path()
	case n.dim != nil:
		return n.dim.Path()
	}
	return n.id
}

func (n *node) add(m *model.Measure) {
	if !slices.Contains(n.leaves, m) {
		n.leaves = append(n.leaves, m)
	}
}

func (n *node) addDep(d *node) {
	if !slices.Contains(n.deps, d) {
		n.deps = append(n.deps, d)
	}
}

// provides returns the member paths a node outputs with their columns.
func (n *node) provides() map[string]string {
	out := make(map[string]string)
	switch {
	case n.kind == kindLeaf:
		for _, m := range n.leaves {
			out[m.Path()] = valueAlias(m)
		}
	case n.dim != nil:
		out[n.dim.Path()] = valueAlias(n.dim)
	default:
		out[n.measure.Path()] = valueAlias(n.measure)
	}
	return out
}

func valueAlias(mem model.Member) string {
	return core.MemberAlias(mem.Owner().Name, mem.MemberName())
}

func (pl *Planner) quote(table, column string) string {
	d := pl.p.Env.Dialect
	return d.QuoteIdentifier(table) + "." + d.QuoteIdentifier(column)
}

func (pl *Planner) build(n *node) (*core.SelectStmt, error) {
	var (
		stmt *core.SelectStmt
		err  error
	)
	switch n.kind {
	case kindLeaf:
		return pl.buildLeaf(n)
	case kindDimension:
		stmt, err = pl.buildDimension(n)
	case kindAggregate:
		stmt, err = pl.buildAggregate(n)
	case kindWindow:
		stmt, err = pl.buildWindow(n)
	case kindCase:
		stmt, err = pl.buildCase(n)
	default:
		stmt, err = pl.buildCalc(n)
	}
	if err != nil {
		return nil, fmt.Errorf("%s node %s: %w", n.kind, n.name(), err)
	}
	if len(n.filters) > 0 {
		return pl.filterNode(n, stmt)
	}
	return stmt, nil
}

// buildLeaf compiles the classic query of a leaf: the query's members
// narrowed to the leaf measures and grain, with shifted time dimensions
// and joined multi-stage dimensions substituted through overrides.
func (pl *Planner) buildLeaf(n *node) (*core.SelectStmt, error) {
	p := pl.p
	c := p.Clone()
	c.Order, c.Limit, c.Offset = nil, nil, 0

	c.Measures = nil
	for _, m := range n.leaves {
		sym, err := p.Env.Resolver.ResolvePath(m.Path())
		if err != nil {
			return nil, err
		}
		c.Measures = append(c.Measures, sym)
	}

	c.Dimensions = nil
	c.TimeDimensions = nil
	for _, s := range n.grain {
		if !slices.ContainsFunc(p.TimeDimensions, func(td *query.TimeDimension) bool { return td.Symbol.Alias == s.Alias }) {
			c.Dimensions = append(c.Dimensions, s)
		}
	}
	for _, td := range p.TimeDimensions {
		cp := *td
		cp.CompareDateRange = nil
		if !n.grain.has(td.Symbol.Alias) {
			cp.Granularity = nil
		}
		c.TimeDimensions = append(c.TimeDimensions, &cp)
	}

	c.Filters = nil
	for _, f := range pl.leafWhere {
		if n.inner && mentions(f, isMultiStageDimension) {
			continue
		}
		c.Filters = append(c.Filters, f)
	}

	overrides := make(map[string]string)
	for path, iv := range n.shift {
		mem, err := p.Env.Model.Member(path)
		if err != nil {
			return nil, err
		}
		d, ok := mem.(*model.Dimension)
		if !ok {
			return nil, fmt.Errorf("internal: shifted member %s is not a dimension", path)
		}
		raw, err := c.Renderer.RenderDimension(d)
		if err != nil {
			return nil, err
		}
		overrides[path] = p.Env.Dialect.AddInterval(raw, iv)
	}
	for _, dn := range n.dimJoins {
		var on []string
		for _, key := range dn.out {
			sql, err := c.Renderer.RenderSymbol(key)
			if err != nil {
				return nil, err
			}
			on = append(on, sql+" = "+pl.quote(dn.cte, key.Alias))
		}
		kind := core.JoinLeft
		if len(on) == 0 {
			kind = core.JoinCross
		}
		c.Joins = append(c.Joins, &core.Join{Kind: kind, Source: core.Table(dn.cte, dn.cte), On: strings.Join(on, " AND ")})
		overrides[dn.dim.Path()] = pl.quote(dn.cte, valueAlias(dn.dim))
	}
	if len(overrides) > 0 {
		c.Renderer = c.Renderer.WithOverrides(overrides)
	}
	return pl.leaf(c)
}

// keyColumns adds the columns of grain g.
func keyColumns(stmt *core.SelectStmt, j *joined, g grain) error {
	for _, s := range g {
		expr, err := j.key(s)
		if err != nil {
			return err
		}
		stmt.AddColumn(expr, s.Alias)
	}
	return nil
}

func (pl *Planner) buildDimension(n *node) (*core.SelectStmt, error) {
	j, err := pl.join(n.deps, n.grain)
	if err != nil {
		return nil, err
	}
	stmt := j.stmt
	if err := keyColumns(stmt, j, n.out); err != nil {
		return nil, err
	}
	target := pl.p.Env.Model.Underlying(n.dim).(*model.Dimension)
	var sql string
	if target.Case != nil {
		// a case dimension renders through RenderDimension
		sql, err = j.r.RenderDimension(target)
	} else {
		sql, err = j.r.RenderTemplate(target.Tmpl, target.Cube)
	}
	if err != nil {
		return nil, err
	}
	stmt.AddColumn(sql, valueAlias(n.dim))
	return stmt, nil
}

// buildAggregate re-aggregates the dependency rows at the inner grain into
// the output grain.
func (pl *Planner) buildAggregate(n *node) (*core.SelectStmt, error) {
	j, err := pl.join(n.deps, n.grain)
	if err != nil {
		return nil, err
	}
	stmt := j.stmt
	if err := keyColumns(stmt, j, n.out); err != nil {
		return nil, err
	}
	arg, err := j.r.MeasureArgument(n.measure)
	if err != nil {
		return nil, err
	}
	stmt.AddColumn(j.r.Aggregate(n.measure, arg), valueAlias(n.measure))
	if len(n.out) > 0 {
		stmt.GroupBy = ordinals(len(n.out))
	}
	return stmt, nil
}

// buildWindow evaluates rank and running total measures over the
// partitions of the node grain without the reduce_by members. Dimensions
// the window orders by are left out of the partition too, otherwise each
// partition holds a single row.
func (pl *Planner) buildWindow(n *node) (*core.SelectStmt, error) {
	m := n.measure
	j, err := pl.join(n.deps, n.grain)
	if err != nil {
		return nil, err
	}
	stmt := j.stmt
	if err := keyColumns(stmt, j, n.out); err != nil {
		return nil, err
	}

	reduce, err := pl.paths(m.Cube, m.ReduceBy)
	if err != nil {
		return nil, err
	}
	ordered, err := pl.orderPaths(m)
	if err != nil {
		return nil, err
	}
	var partition []string
	for _, s := range n.grain.without(append(reduce, ordered...)) {
		expr, err := j.key(s)
		if err != nil {
			return nil, err
		}
		partition = append(partition, expr)
	}
	var order []string
	for _, o := range m.OrderBy {
		sql, err := j.r.RenderTemplate(o.Tmpl, m.Cube)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(o.Dir, "desc") {
			sql += " DESC"
		} else {
			sql += " ASC"
		}
		order = append(order, sql)
	}

	var expr string
	if m.Type == model.MeasureRank {
		expr = "RANK() " + over(partition, order, "")
	} else {
		arg, err := j.r.MeasureArgument(m)
		if err != nil {
			return nil, err
		}
		frame := ""
		if len(order) > 0 {
			frame = "ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW"
		}
		expr = "sum(" + arg + ") " + over(partition, order, frame)
	}
	stmt.AddColumn(expr, valueAlias(m))
	return stmt, nil
}

func over(partition, order []string, frame string) string {
	var parts []string
	if len(partition) > 0 {
		parts = append(parts, "PARTITION BY "+strings.Join(partition, ", "))
	}
	if len(order) > 0 {
		parts = append(parts, "ORDER BY "+strings.Join(order, ", "))
	}
	if frame != "" {
		parts = append(parts, frame)
	}
	return "OVER (" + strings.Join(parts, " ") + ")"
}

// buildCalc evaluates a calculated measure over dependencies at one grain.
func (pl *Planner) buildCalc(n *node) (*core.SelectStmt, error) {
	j, err := pl.join(n.deps, n.grain)
	if err != nil {
		return nil, err
	}
	stmt := j.stmt
	if err := keyColumns(stmt, j, n.out); err != nil {
		return nil, err
	}
	sql, err := j.r.RenderTemplate(n.measure.Tmpl, n.measure.Cube)
	if err != nil {
		return nil, err
	}
	stmt.AddColumn(sql, valueAlias(n.measure))
	return stmt, nil
}

// buildCase selects the branch of a case measure matching the switch
// value. A pinned switch renders only its branch.
func (pl *Planner) buildCase(n *node) (*core.SelectStmt, error) {
	m := n.measure
	j, err := pl.join(n.deps, n.grain)
	if err != nil {
		return nil, err
	}
	stmt := j.stmt
	if err := keyColumns(stmt, j, n.out); err != nil {
		return nil, err
	}

	ref, err := pl.p.Env.Model.ResolveRef(m.Cube, model.RefPath(m.Case.Switch))
	if err != nil {
		return nil, err
	}
	if ref.IsCube() {
		return nil, core.NewQueryError("case switch of %s must reference a dimension", m.Path())
	}
	sw := pl.p.Env.Model.Underlying(ref.Member)

	branch := func(t *template.Template) (string, error) {
		if t == nil {
			return "NULL", nil
		}
		return j.r.RenderTemplate(t, m.Cube)
	}
	var elseBranch *template.Template
	if m.Case.Else != nil {
		elseBranch = m.Case.Else.Tmpl
	}

	if v, ok := pl.pinned[sw.Path()]; ok || !j.hasMember(sw) {
		chosen := elseBranch
		if ok {
			for _, w := range m.Case.When {
				if w.Value == v {
					chosen = w.Tmpl
					break
				}
			}
		}
		sql, err := branch(chosen)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, valueAlias(m))
		return stmt, nil
	}

	swSQL, err := j.r.Render(sw, "")
	if err != nil {
		return nil, err
	}
	d := pl.p.Env.Dialect
	var sb strings.Builder
	sb.WriteString("CASE")
	for _, w := range m.Case.When {
		sql, err := branch(w.Tmpl)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, " WHEN %s = %s THEN %s", swSQL, d.StringLiteral(w.Value), sql)
	}
	if elseBranch != nil {
		sql, err := branch(elseBranch)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, " ELSE %s", sql)
	}
	sb.WriteString(" END")
	stmt.AddColumn(sb.String(), valueAlias(m))
	return stmt, nil
}

// filterNode applies the query filters on a node's measure to its rows.
func (pl *Planner) filterNode(n *node, stmt *core.SelectStmt) (*core.SelectStmt, error) {
	const alias = "filtered"
	overrides := make(map[string]string)
	for path, col := range n.provides() {
		overrides[path] = pl.quote(alias, col)
	}
	r := pl.p.Renderer.WithOverrides(overrides)
	where, err := pl.p.RenderFilters(r, n.filters)
	if err != nil {
		return nil, err
	}
	return &core.SelectStmt{From: core.Subquery(stmt, alias), Where: where}, nil
}

// finalSelect joins the root nodes on the query grain and projects the
// requested members.
func (pl *Planner) finalSelect() (*core.SelectStmt, error) {
	j, err := pl.join(pl.roots, pl.grain)
	if err != nil {
		return nil, err
	}
	stmt := j.stmt
	if err := keyColumns(stmt, j, pl.grain); err != nil {
		return nil, err
	}
	for _, s := range pl.p.Measures {
		sql, err := j.r.RenderSymbol(s)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, s.Alias)
	}
	where, err := pl.p.RenderFilters(j.r, pl.final)
	if err != nil {
		return nil, err
	}
	stmt.Where = append(stmt.Where, where...)

	aliases := stmt.ColumnAliases()
	for _, o := range pl.p.Order {
		if i := slices.Index(aliases, o.Alias); i >= 0 {
			stmt.OrderBy = append(stmt.OrderBy, core.OrderItem{Expr: strconv.Itoa(i + 1), Desc: o.Desc})
		}
	}
	stmt.Limit = pl.p.Limit
	if pl.p.Offset > 0 {
		stmt.Offset = core.IntPtr(pl.p.Offset)
	}
	return stmt, nil
}

func ordinals(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}
