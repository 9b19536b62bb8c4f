package query

import (
	"fmt"
	"strconv"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// BuildFunc compiles a prepared query.
type BuildFunc func(p *Prepared) (*core.SelectStmt, error)

// Build compiles a prepared query into a statement.
func Build(p *Prepared) (*core.SelectStmt, error) {
	if stmt, ok, err := CompareDateRanges(p, Build); ok || err != nil {
		return stmt, err
	}
	b, err := newBuilder(p)
	if err != nil {
		return nil, err
	}
	if p.Query.Ungrouped {
		return b.ungrouped()
	}
	plan, err := b.plan()
	if err != nil {
		return nil, err
	}
	if plan.simple() {
		return b.simple()
	}
	return b.fullKey(plan)
}

type builder struct {
	p *Prepared
	d *dialect.Dialect
	// r counts the rows of joined cubes by primary key and carries the
	// overrides of sub-query dimensions.
	r        *member.Renderer
	subJoins []*core.Join
}

func newBuilder(p *Prepared) (*builder, error) {
	b := &builder{p: p, d: p.Env.Dialect}
	var keyed []string
	for _, name := range p.Tree.Cubes() {
		if name == p.Tree.Root {
			continue
		}
		if c, ok := p.Env.Model.Cube(name); ok && len(c.PrimaryKeys) > 0 {
			keyed = append(keyed, name)
		}
	}
	b.r = p.Renderer.WithKeyedCount(keyed...)
	if err := b.joinSubQueryDimensions(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *builder) quote(table, column string) string {
	return b.d.QuoteIdentifier(table) + "." + b.d.QuoteIdentifier(column)
}

// cubeSource reads from the originalSql pre-aggregation table when enabled.
func (b *builder) cubeSource(r *member.Renderer, c *model.Cube) (*core.TableRef, error) {
	opts := b.p.Env.Options
	if opts.UseOriginalSQLPreAggregations && !b.p.NoPreAggregations {
		if pa := c.OriginalSQL(); pa != nil {
			return core.Table(pa.TableName(opts.PreAggregationsSchema), c.Alias()), nil
		}
	}
	return r.CubeSource(c)
}

// selectFrom starts a statement over the joined cubes of the query.
func (b *builder) selectFrom(r *member.Renderer) (*core.SelectStmt, error) {
	m := b.p.Env.Model
	root, ok := m.Cube(b.p.Tree.Root)
	if !ok {
		panic(fmt.Sprintf("internal: join tree root %s is not a cube", b.p.Tree.Root))
	}
	src, err := b.cubeSource(r, root)
	if err != nil {
		return nil, err
	}
	stmt := &core.SelectStmt{From: src}
	for _, e := range b.p.Tree.Joins {
		to, _ := m.Cube(e.To)
		s, err := b.cubeSource(r, to)
		if err != nil {
			return nil, err
		}
		on, err := r.RenderJoinCondition(e)
		if err != nil {
			return nil, err
		}
		stmt.AddJoin(core.JoinLeft, s, on)
	}
	stmt.Joins = append(stmt.Joins, b.subJoins...)
	stmt.Joins = append(stmt.Joins, b.p.Joins...)
	return stmt, nil
}

// renderGrouping renders one grouping column.
func (b *builder) renderGrouping(r *member.Renderer, s *member.Symbol) (string, error) {
	if s.Granularity != "" {
		if d, ok := s.Member.(*model.Dimension); ok {
			var offset core.Interval
			for _, td := range b.p.TimeDimensions {
				if td.Symbol.Alias == s.Alias {
					offset = td.Offset
				}
			}
			return r.RenderTime(d, s.Granularity, offset)
		}
	}
	return r.RenderSymbol(s)
}

func (b *builder) groupingColumns(r *member.Renderer, skip string) ([]core.SelectItem, error) {
	var out []core.SelectItem
	for _, s := range b.p.GroupingSymbols() {
		if s.Alias == skip {
			continue
		}
		sql, err := b.renderGrouping(r, s)
		if err != nil {
			return nil, err
		}
		out = append(out, core.SelectItem{Expr: sql, Alias: s.Alias})
	}
	return out, nil
}

// Ordinals returns the 1-based column positions "1".."n" used in GROUP BY.
func Ordinals(n int) []string { return ordinals(n) }

func ordinals(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

func (b *builder) paginate(stmt *core.SelectStmt) { b.p.Paginate(stmt) }

// Paginate applies the resolved order, limit and offset to stmt. Order
// items refer to the output columns by position.
func (p *Prepared) Paginate(stmt *core.SelectStmt) {
	stmt.OrderBy = orderBy(p.Order, stmt.ColumnAliases())
	stmt.Limit = p.Limit
	if p.Offset > 0 {
		stmt.Offset = core.IntPtr(p.Offset)
	}
}

// simple builds a single grouped select over the joined cubes.
func (b *builder) simple() (*core.SelectStmt, error) {
	stmt, err := b.selectFrom(b.r)
	if err != nil {
		return nil, err
	}
	if stmt.Columns, err = b.groupingColumns(b.r, ""); err != nil {
		return nil, err
	}
	groups := len(stmt.Columns)
	for _, m := range b.p.Measures {
		sql, err := b.r.RenderSymbol(m)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, m.Alias)
	}
	if stmt.Where, err = b.p.Where(b.r); err != nil {
		return nil, err
	}
	stmt.GroupBy = ordinals(groups)
	if stmt.Having, err = b.p.MeasureFilters(b.r); err != nil {
		return nil, err
	}
	b.paginate(stmt)
	return stmt, nil
}

// ungrouped selects row-level values: measures render as their arguments
// and measure filters move to WHERE.
func (b *builder) ungrouped() (*core.SelectStmt, error) {
	r := b.r.WithUngrouped()
	stmt, err := b.selectFrom(r)
	if err != nil {
		return nil, err
	}
	if stmt.Columns, err = b.groupingColumns(r, ""); err != nil {
		return nil, err
	}
	for _, m := range b.p.Measures {
		sql, err := r.RenderSymbol(m)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, m.Alias)
	}
	if stmt.Where, err = b.p.Where(r); err != nil {
		return nil, err
	}
	having, err := b.p.MeasureFilters(r)
	if err != nil {
		return nil, err
	}
	stmt.Where = append(stmt.Where, having...)
	b.paginate(stmt)
	return stmt, nil
}

// fullKeyPlan splits the leaf measures of a query by how they must be
// aggregated.
type fullKeyPlan struct {
	regular []*model.Measure
	keyed   []*keyedGroup
	rolling []*rollingGroup
}

type keyedGroup struct {
	cube   *model.Cube
	leaves []*model.Measure
}

type rollingGroup struct {
	window *granularity.Window
	// cube is set when the measures' rows are multiplied by the join.
	cube   *model.Cube
	leaves []*model.Measure
}

func (fk *fullKeyPlan) simple() bool { return len(fk.keyed) == 0 && len(fk.rolling) == 0 }

// aggregated lists the measures evaluated by the statement: requested
// measures plus those only used in measure filters.
func (b *builder) aggregated() []*member.Symbol {
	out := append([]*member.Symbol{}, b.p.Measures...)
	_, having, _ := splitFilters(b.p.Filters)
	for _, f := range having {
		for _, leaf := range f.Leaves() {
			out = appendSymbol(out, leaf.Symbol)
		}
	}
	return out
}

func (b *builder) plan() (*fullKeyPlan, error) {
	fk := &fullKeyPlan{}
	seen := make(map[string]bool)
	for _, s := range b.aggregated() {
		m, ok := s.Member.(*model.Measure)
		if !ok {
			continue
		}
		leaves, err := b.r.Leaves(m)
		if err != nil {
			return nil, err
		}
		for _, leaf := range leaves {
			if seen[leaf.Path()] {
				continue
			}
			seen[leaf.Path()] = true
			if err := b.classify(fk, leaf); err != nil {
				return nil, err
			}
		}
	}
	return fk, nil
}

func (b *builder) classify(fk *fullKeyPlan, leaf *model.Measure) error {
	if leaf.IsMultiStage() && !leaf.IsAggregate() {
		return core.NewQueryError("measure %s can only be evaluated by the multi-stage planner", leaf.Path())
	}
	multiplied := b.p.Tree.IsMultiplied(leaf.Cube.Name)
	if leaf.IsRolling() {
		w, err := b.window(leaf)
		if err != nil {
			return err
		}
		var cube *model.Cube
		if multiplied {
			cube = leaf.Cube
		}
		for _, g := range fk.rolling {
			if g.window.Key() == w.Key() && g.cube == cube {
				g.leaves = append(g.leaves, leaf)
				return nil
			}
		}
		fk.rolling = append(fk.rolling, &rollingGroup{window: w, cube: cube, leaves: []*model.Measure{leaf}})
		return nil
	}
	if !multiplied {
		fk.regular = append(fk.regular, leaf)
		return nil
	}
	for _, g := range fk.keyed {
		if g.cube == leaf.Cube {
			g.leaves = append(g.leaves, leaf)
			return nil
		}
	}
	fk.keyed = append(fk.keyed, &keyedGroup{cube: leaf.Cube, leaves: []*model.Measure{leaf}})
	return nil
}

func leafAlias(m *model.Measure) string { return core.MemberAlias(m.Cube.Name, m.Name) }

// fullKey aggregates each group of measures in its own subquery and joins
// the subqueries on the grouping columns.
func (b *builder) fullKey(fk *fullKeyPlan) (*core.SelectStmt, error) {
	var subs []*core.SelectStmt
	overrides := make(map[string]string)
	add := func(stmt *core.SelectStmt, leaves []*model.Measure) {
		alias := "q_" + strconv.Itoa(len(subs))
		subs = append(subs, stmt)
		for _, leaf := range leaves {
			overrides[member.OverrideKey(leaf, "")] = b.quote(alias, leafAlias(leaf))
		}
	}

	if len(fk.regular) > 0 {
		stmt, err := b.aggregateSubquery(fk.regular)
		if err != nil {
			return nil, err
		}
		add(stmt, fk.regular)
	}
	for _, g := range fk.keyed {
		stmt, err := b.keyedSubquery(g)
		if err != nil {
			return nil, err
		}
		add(stmt, g.leaves)
	}
	for _, g := range fk.rolling {
		stmt, err := b.rollingSubquery(g)
		if err != nil {
			return nil, err
		}
		add(stmt, g.leaves)
	}

	groups := b.p.GroupingSymbols()
	outer := &core.SelectStmt{From: core.Subquery(subs[0], "q_0")}
	for i := 1; i < len(subs); i++ {
		alias := "q_" + strconv.Itoa(i)
		if len(groups) == 0 {
			outer.AddJoin(core.JoinCross, core.Subquery(subs[i], alias), "")
			continue
		}
		outer.AddJoin(core.JoinInner, core.Subquery(subs[i], alias), b.nullSafeOn("q_0", alias, groups))
	}
	for _, s := range groups {
		outer.AddColumn(b.quote("q_0", s.Alias), s.Alias)
	}

	r := b.r.WithOverrides(overrides)
	for _, m := range b.p.Measures {
		sql, err := r.RenderSymbol(m)
		if err != nil {
			return nil, err
		}
		outer.AddColumn(sql, m.Alias)
	}
	var err error
	if outer.Where, err = b.p.MeasureFilters(r); err != nil {
		return nil, err
	}
	b.paginate(outer)
	return outer, nil
}

func (b *builder) nullSafeOn(left, right string, groups []*member.Symbol) string {
	on := ""
	for i, s := range groups {
		if i > 0 {
			on += " AND "
		}
		l, r := b.quote(left, s.Alias), b.quote(right, s.Alias)
		on += fmt.Sprintf("(%s = %s OR (%s IS NULL AND %s IS NULL))", l, r, l, r)
	}
	return on
}

// aggregateSubquery aggregates measures whose rows are not multiplied.
func (b *builder) aggregateSubquery(leaves []*model.Measure) (*core.SelectStmt, error) {
	stmt, err := b.selectFrom(b.r)
	if err != nil {
		return nil, err
	}
	if stmt.Columns, err = b.groupingColumns(b.r, ""); err != nil {
		return nil, err
	}
	stmt.GroupBy = ordinals(len(stmt.Columns))
	for _, leaf := range leaves {
		sql, err := b.r.RenderMeasure(leaf)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, leafAlias(leaf))
	}
	if stmt.Where, err = b.p.Where(b.r); err != nil {
		return nil, err
	}
	return stmt, nil
}

func pkAlias(c *model.Cube) string { return core.SnakeCase(c.Name) + "__pk" }

// keys selects the distinct grouping values and primary keys of c that
// match the query filters.
func (b *builder) keys(c *model.Cube, cols []core.SelectItem, where []string) (*core.SelectStmt, error) {
	stmt, err := b.selectFrom(b.r)
	if err != nil {
		return nil, err
	}
	stmt.Distinct = true
	stmt.Columns = cols
	pk, err := b.r.PrimaryKey(c)
	if err != nil {
		return nil, err
	}
	stmt.AddColumn(pk, pkAlias(c))
	stmt.Where = where
	return stmt, nil
}

// joinKeys joins c back onto a keys subquery by primary key.
func (b *builder) joinKeys(stmt *core.SelectStmt, r *member.Renderer, c *model.Cube) error {
	src, err := b.cubeSource(r, c)
	if err != nil {
		return err
	}
	pk, err := r.PrimaryKey(c)
	if err != nil {
		return err
	}
	stmt.AddJoin(core.JoinLeft, src, b.quote("keys", pkAlias(c))+" = "+pk)
	return nil
}

// keyedSubquery aggregates the measures of a multiplied cube over its
// de-duplicated primary keys.
func (b *builder) keyedSubquery(g *keyedGroup) (*core.SelectStmt, error) {
	cols, err := b.groupingColumns(b.r, "")
	if err != nil {
		return nil, err
	}
	where, err := b.p.Where(b.r)
	if err != nil {
		return nil, err
	}
	keys, err := b.keys(g.cube, cols, where)
	if err != nil {
		return nil, err
	}

	r := b.r.WithKeyedCount(g.cube.Name)
	stmt := &core.SelectStmt{From: core.Subquery(keys, "keys")}
	if err := b.joinKeys(stmt, r, g.cube); err != nil {
		return nil, err
	}
	for _, c := range cols {
		stmt.AddColumn(b.quote("keys", c.Alias), c.Alias)
	}
	stmt.GroupBy = ordinals(len(cols))
	for _, leaf := range g.leaves {
		sql, err := r.RenderMeasure(leaf)
		if err != nil {
			return nil, err
		}
		stmt.AddColumn(sql, leafAlias(leaf))
	}
	return stmt, nil
}
