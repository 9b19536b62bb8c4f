package model

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapcube/internal/dag"
	"github.com/leapstack-labs/leapcube/internal/template"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
)

// Compile builds an immutable Model from decoded files. All problems are
// collected and returned together as a *core.ModelCompileError; a model is
// only returned when there are none.
func Compile(files ...*File) (*Model, error) {
	r := core.NewErrorReporter()
	m := &Model{byName: make(map[string]*Cube)}

	var cubes []*Cube
	var views []*View
	for _, f := range files {
		for _, c := range f.Cubes {
			if _, dup := m.byName[c.Name]; dup {
				r.Errorf("Duplicate cube name %s", c.Name)
				continue
			}
			m.byName[c.Name] = c
			cubes = append(cubes, c)
		}
		views = append(views, f.Views...)
	}

	for _, c := range cubes {
		checkDuplicates(c, r.InContext(c.Name+" cube"))
	}
	flattenExtends(cubes, m.byName, r)

	for i, c := range cubes {
		c.Order = i
		compileCube(c, r.InContext(c.Name+" cube"))
		m.cubes = append(m.cubes, c)
	}
	for _, c := range cubes {
		cr := r.InContext(c.Name + " cube")
		m.checkReferences(c, cr)
		m.compilePreAggregations(c, cr)
	}
	m.checkSelfReferences(cubes, r)

	for _, v := range views {
		if _, dup := m.byName[v.Name]; dup {
			r.Errorf("Duplicate cube name %s", v.Name)
			continue
		}
		vc := m.compileView(v, r.InContext(v.Name+" view"))
		vc.Order = len(m.cubes)
		m.byName[v.Name] = vc
		m.cubes = append(m.cubes, vc)
	}
	for _, c := range cubes {
		m.checkTimeShifts(c, r.InContext(c.Name+" cube"))
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCompile is like Compile but panics on error. Intended for tests.
func MustCompile(files ...*File) *Model {
	m, err := Compile(files...)
	if err != nil {
		panic(err)
	}
	return m
}

// checkDuplicates rejects member names declared twice inside one cube.
// Dimensions, measures and segments share a namespace.
func checkDuplicates(c *Cube, r *core.ErrorReporter) {
	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			r.Errorf("Duplicate property parsing %s", name)
			return
		}
		seen[name] = true
	}
	for _, d := range c.Dimensions {
		add(d.Name)
	}
	for _, ms := range c.Measures {
		add(ms.Name)
	}
	for _, s := range c.Segments {
		add(s.Name)
	}

	preAggs := make(map[string]bool)
	for _, p := range c.PreAggregations {
		if preAggs[p.Name] {
			r.Errorf("Duplicate property parsing %s", p.Name)
		}
		preAggs[p.Name] = true
	}
	joins := make(map[string]bool)
	for _, j := range c.Joins {
		if joins[j.Name] {
			r.Errorf("Duplicate join to %s", j.Name)
		}
		joins[j.Name] = true
	}
}

// flattenExtends copies parent members down into extending cubes. Parents
// are processed before children; own declarations override inherited ones.
func flattenExtends(cubes []*Cube, byName map[string]*Cube, r *core.ErrorReporter) {
	g := dag.NewGraph[*Cube]()
	for _, c := range cubes {
		g.AddNode(c.Name, c)
	}
	for _, c := range cubes {
		if c.Extends == "" {
			continue
		}
		if _, ok := byName[c.Extends]; !ok {
			r.Errorf("Cube %s extends unknown cube %s", c.Name, c.Extends)
			c.Extends = ""
			continue
		}
		if err := g.AddEdge(c.Extends, c.Name); err != nil {
			r.Errorf("Cube %s has a circular extends chain", c.Name)
			c.Extends = ""
		}
	}

	for {
		cycle := g.FindCycle()
		if cycle == nil {
			break
		}
		r.Errorf("Cube %s has a circular extends chain", cycle[0])
		// Drop every edge of the cycle so the rest still compiles.
		for _, id := range cycle[:len(cycle)-1] {
			byName[id].Extends = ""
		}
		g = dag.NewGraph[*Cube]()
		for _, c := range cubes {
			g.AddNode(c.Name, c)
		}
		for _, c := range cubes {
			if c.Extends != "" {
				_ = g.AddEdge(c.Extends, c.Name)
			}
		}
	}

	order, err := g.TopologicalSort()
	if err != nil {
		panic(fmt.Sprintf("internal: extends graph still cyclic: %v", err))
	}
	for _, n := range order {
		c := n.Data
		if c.Extends != "" {
			inherit(byName[c.Extends], c)
		}
	}
}

func inherit(parent, child *Cube) {
	if child.SQL == "" && child.SQLTable == "" {
		child.SQL, child.SQLTable = parent.SQL, parent.SQLTable
	}
	if child.DataSource == "" {
		child.DataSource = parent.DataSource
	}
	child.Dimensions = mergeNamed(parent.Dimensions, child.Dimensions, func(d *Dimension) string { return d.Name })
	child.Measures = mergeNamed(parent.Measures, child.Measures, func(m *Measure) string { return m.Name })
	child.Segments = mergeNamed(parent.Segments, child.Segments, func(s *Segment) string { return s.Name })
	child.Joins = mergeNamed(parent.Joins, child.Joins, func(j *Join) string { return j.Name })
	child.PreAggregations = mergeNamed(parent.PreAggregations, child.PreAggregations, func(p *PreAggregation) string { return p.Name })
}

// mergeNamed returns copies of inherited entries followed by own entries;
// an own entry with an inherited name replaces it in place.
func mergeNamed[T any](inherited, own []*T, name func(*T) string) []*T {
	out := make([]*T, 0, len(inherited)+len(own))
	index := make(map[string]int)
	for _, item := range inherited {
		cp := *item
		index[name(&cp)] = len(out)
		out = append(out, &cp)
	}
	for _, item := range own {
		if i, ok := index[name(item)]; ok {
			out[i] = item
			continue
		}
		out = append(out, item)
	}
	return out
}

func parseTemplate(sql, file string, r *core.ErrorReporter) *template.Template {
	t, err := template.Parse(sql, file)
	if err != nil {
		r.Errorf("%v", err)
		return nil
	}
	return t
}

func compileCube(c *Cube, r *core.ErrorReporter) {
	c.dimensions = make(map[string]*Dimension)
	c.measures = make(map[string]*Measure)
	c.segments = make(map[string]*Segment)
	c.joins = make(map[string]*Join)
	c.preAggs = make(map[string]*PreAggregation)

	switch {
	case c.SQL != "" && c.SQLTable != "":
		r.Errorf("sql and sql_table are mutually exclusive")
	case c.SQL != "":
		c.Tmpl = parseTemplate(c.SQL, c.Name+".sql", r)
	case c.SQLTable == "":
		r.Errorf("either sql or sql_table is required")
	}

	for _, d := range c.Dimensions {
		d.Cube = c
		c.dimensions[d.Name] = d
		compileDimension(d, r.InContext(d.Name))
		if d.PrimaryKey {
			c.PrimaryKeys = append(c.PrimaryKeys, d)
		}
	}
	for _, ms := range c.Measures {
		ms.Cube = c
		c.measures[ms.Name] = ms
		compileMeasure(ms, r.InContext(ms.Name))
	}
	for _, s := range c.Segments {
		s.Cube = c
		c.segments[s.Name] = s
		s.Tmpl = parseTemplate(s.SQL, s.Path(), r)
	}
	for _, j := range c.Joins {
		j.From = c
		c.joins[j.Name] = j
		rel, ok := normalizeRelationship(j.Relationship)
		if !ok {
			r.Errorf("Unknown relationship %s in join to %s", j.Relationship, j.Name)
		}
		j.Relationship = rel
		j.Tmpl = parseTemplate(j.SQL, c.Name+".joins."+j.Name, r)
	}
	for _, p := range c.PreAggregations {
		p.Cube = c
		c.preAggs[p.Name] = p
	}
}

func compileDimension(d *Dimension, r *core.ErrorReporter) {
	switch {
	case d.Type == TypeSwitch:
		if len(d.Values) == 0 {
			r.Errorf("switch dimension must declare values")
		}
	case d.Case != nil:
		for i, w := range d.Case.When {
			w.Tmpl = parseTemplate(w.SQL, fmt.Sprintf("%s.case.when[%d]", d.Path(), i), r)
		}
	case d.SQL == "":
		r.Errorf("sql is required")
	}
	if d.SQL != "" {
		d.Tmpl = parseTemplate(d.SQL, d.Path(), r)
	}

	if len(d.Granularities) > 0 && d.Type != TypeTime {
		r.Errorf("granularities can only be declared on time dimensions")
	}
	for _, cg := range d.Granularities {
		if granularity.IsStandard(cg.Name) {
			r.Errorf("custom granularity %s conflicts with a standard granularity", cg.Name)
			continue
		}
		g, err := granularity.NewCustom(cg.Name, cg.Interval, cg.Origin, cg.Offset)
		if err != nil {
			r.Errorf("%v", err)
			continue
		}
		if d.granularities == nil {
			d.granularities = make(map[string]*granularity.Granularity)
		}
		d.granularities[cg.Name] = g
	}
	if d.SubQuery && d.MultiStage {
		r.Errorf("sub_query and multi_stage can't be combined")
	}
}

var measureTypeAliases = map[string]string{
	"count_distinct":        MeasureCountDistinct,
	"count_distinct_approx": MeasureCountDistinctApprox,
	"running_total":         MeasureRunningTotal,
}

func compileMeasure(ms *Measure, r *core.ErrorReporter) {
	if t, ok := measureTypeAliases[ms.Type]; ok {
		ms.Type = t
	}

	needsSQL := true
	switch ms.Type {
	case MeasureCount, MeasureRank:
		needsSQL = false
	case MeasureNumber, MeasureString, MeasureTime, MeasureBoolean:
		needsSQL = ms.Case == nil
	}
	if needsSQL && ms.SQL == "" {
		r.Errorf("sql is required for %s measures", ms.Type)
	}
	if ms.SQL != "" {
		ms.Tmpl = parseTemplate(ms.SQL, ms.Path(), r)
	}
	for i, f := range ms.Filters {
		f.Tmpl = parseTemplate(f.SQL, fmt.Sprintf("%s.filters[%d]", ms.Path(), i), r)
	}
	for i, o := range ms.OrderBy {
		o.Tmpl = parseTemplate(o.SQL, fmt.Sprintf("%s.order_by[%d]", ms.Path(), i), r)
	}
	if ms.Type == MeasureRank && len(ms.OrderBy) == 0 {
		r.Errorf("rank measures require order_by")
	}
	if ms.Case != nil {
		for i, w := range ms.Case.When {
			w.Tmpl = parseTemplate(w.SQL, fmt.Sprintf("%s.case.when[%d]", ms.Path(), i), r)
		}
		if ms.Case.Else != nil && ms.Case.Else.SQL != "" {
			ms.Case.Else.Tmpl = parseTemplate(ms.Case.Else.SQL, ms.Path()+".case.else", r)
		}
	}

	if rw := ms.RollingWindow; rw != nil {
		if rw.ToDate() {
			if rw.ToDateGranularity() == "" {
				r.Errorf("to_date rolling window requires granularity")
			}
		} else {
			w, err := granularity.NewWindow(rw.Trailing, rw.Leading, rw.Offset)
			if err != nil {
				r.Errorf("%v", err)
			} else {
				ms.Window = w
			}
		}
	}

	for _, ts := range ms.TimeShift {
		if ts.Type == "" {
			ts.Type = "prior"
		}
		if ts.Interval == "" {
			r.Errorf("time_shift requires interval")
			continue
		}
		iv, err := granularity.ParseInterval(ts.Interval)
		if err != nil {
			r.Errorf("time_shift: %v", err)
			continue
		}
		if ts.Type == "next" {
			iv = iv.Negate()
		}
		ts.Shift = iv
	}
	if len(ms.TimeShift) > 1 {
		for _, ts := range ms.TimeShift {
			if ts.TimeDimension == "" {
				r.Errorf("time_shift entries must name time_dimension when more than one is declared")
				break
			}
		}
	}
}

func normalizeRelationship(rel string) (string, bool) {
	switch rel {
	case "one_to_one", "hasOne", "has_one":
		return HasOne, true
	case "one_to_many", "hasMany", "has_many", "many_to_many":
		return HasMany, true
	case "many_to_one", "belongsTo", "belongs_to":
		return BelongsTo, true
	}
	return rel, false
}

func normalizePreAggType(t string) (string, bool) {
	switch t {
	case "", "rollup", "auto_rollup", "autoRollup":
		return PreAggRollup, true
	case "original_sql", "originalSql":
		return PreAggOriginalSQL, true
	case "rollup_join", "rollupJoin":
		return PreAggRollupJoin, true
	case "rollup_lambda", "rollupLambda":
		return PreAggRollupLambda, true
	}
	return t, false
}

// checkReferences verifies cross-member references that only make sense
// once every cube is compiled.
func (m *Model) checkReferences(c *Cube, r *core.ErrorReporter) {
	for _, ms := range c.Measures {
		if ms.Case != nil {
			if _, err := m.ResolveRef(c, RefPath(ms.Case.Switch)); err != nil {
				r.Errorf("%s: case switch: %v", ms.Name, err)
			}
		}
		for _, name := range append(append(append([]string{}, ms.ReduceBy...), ms.GroupBy.Names...), ms.AddGroupBy...) {
			if _, err := m.ResolveRef(c, RefPath(name)); err != nil {
				r.Errorf("%s: %v", ms.Name, err)
			}
		}
	}
	for _, d := range c.Dimensions {
		for _, name := range d.AddGroupBy {
			if _, err := m.ResolveRef(c, RefPath(name)); err != nil {
				r.Errorf("%s: %v", d.Name, err)
			}
		}
	}
}

func (m *Model) compilePreAggregations(c *Cube, r *core.ErrorReporter) {
	for _, p := range c.PreAggregations {
		pr := r.InContext(p.Name)
		t, ok := normalizePreAggType(p.Type)
		if !ok {
			pr.Errorf("unknown pre-aggregation type %s", p.Type)
		}
		p.Type = t

		expect := func(refs []string, kind MemberKind) []MemberPath {
			out := make([]MemberPath, 0, len(refs))
			for _, ref := range refs {
				mp := ParseMemberPath(c, ref)
				mem, err := m.Lookup(mp)
				if err != nil {
					pr.Errorf("%v", err)
					continue
				}
				if mem.Kind() != kind {
					pr.Errorf("%s is a %s, expected a %s", mp.String(), mem.Kind(), kind)
					continue
				}
				out = append(out, mp)
			}
			return out
		}
		p.MeasureRefs = expect(p.Measures, KindMeasure)
		p.DimensionRefs = expect(p.Dimensions, KindDimension)
		p.SegmentRefs = expect(p.Segments, KindSegment)

		if p.TimeDimension != "" {
			mp := ParseMemberPath(c, p.TimeDimension)
			mem, err := m.Lookup(mp)
			switch {
			case err != nil:
				pr.Errorf("%v", err)
			case mem.Kind() != KindDimension || !mem.(*Dimension).IsTime():
				pr.Errorf("time_dimension %s must be a time dimension", mp.String())
			case p.Granularity == "":
				pr.Errorf("granularity is required with time_dimension")
			default:
				if _, err := mem.(*Dimension).Granularity(p.Granularity); err != nil {
					pr.Errorf("%v", err)
				}
				p.TimeRef = &mp
			}
		}
		if p.PartitionGranularity != "" {
			if p.TimeRef == nil {
				pr.Errorf("partition_granularity requires time_dimension")
			} else if !granularity.IsStandard(p.PartitionGranularity) {
				pr.Errorf("partition_granularity must be a standard granularity, got %s", p.PartitionGranularity)
			}
		}
		if rk := p.RefreshKey; rk != nil {
			if rk.Every != "" {
				if _, err := granularity.ParseInterval(rk.Every); err != nil {
					pr.Errorf("refresh_key.every: %v", err)
				}
			}
			if rk.Incremental && p.PartitionGranularity == "" {
				pr.Errorf("Incremental refresh key can only be used for partitioned pre-aggregations")
			}
		}

		switch p.Type {
		case PreAggRollupJoin, PreAggRollupLambda:
			if len(p.Rollups) == 0 {
				pr.Errorf("%s requires rollups", p.Type)
			}
			for _, ref := range p.Rollups {
				mp := ParseMemberPath(c, ref)
				target, ok := m.byName[mp.Cube]
				if !ok || target.PreAggregation(mp.Member) == nil {
					pr.Errorf("rollup %s not found", ref)
					continue
				}
				p.RollupRefs = append(p.RollupRefs, mp)
			}
		}
	}
}

// checkSelfReferences builds the member dependency graph and rejects any
// member whose SQL reaches itself.
func (m *Model) checkSelfReferences(cubes []*Cube, r *core.ErrorReporter) {
	g := dag.NewGraph[Member]()
	for _, c := range cubes {
		for _, d := range c.Dimensions {
			g.AddNode(d.Path(), d)
		}
		for _, ms := range c.Measures {
			g.AddNode(ms.Path(), ms)
		}
		for _, s := range c.Segments {
			g.AddNode(s.Path(), s)
		}
	}

	reported := make(map[string]bool)
	for _, n := range g.Nodes() {
		mem := n.Data
		owner := mem.Owner()
		for _, t := range memberTemplates(mem) {
			if t == nil {
				continue
			}
			for _, ref := range t.Refs() {
				res, err := m.ResolveRef(owner, ref.Path)
				if err != nil {
					r.InContext(owner.Name+" cube").Errorf("%s: %v", mem.MemberName(), err)
					continue
				}
				if res.IsCube() {
					continue
				}
				dep := res.Member.Path()
				if dep == n.ID {
					if !reported[n.ID] {
						r.Errorf("Member '%s' references itself (%s -> %s)", n.ID, n.ID, n.ID)
						reported[n.ID] = true
					}
					continue
				}
				_ = g.AddEdge(dep, n.ID)
			}
		}
	}

	for {
		cycle := g.FindCycle()
		if cycle == nil || reported[cycle[0]] {
			return
		}
		path := make([]string, len(cycle))
		for i := range cycle {
			path[i] = cycle[len(cycle)-1-i]
		}
		r.Errorf("Member '%s' references itself (%s)", path[0], strings.Join(path, " -> "))
		for _, id := range cycle {
			reported[id] = true
		}
		g = withoutEdge(g, cycle[0], cycle[1])
	}
}

// withoutEdge rebuilds g without the edge from -> to.
func withoutEdge(g *dag.Graph[Member], from, to string) *dag.Graph[Member] {
	fresh := dag.NewGraph[Member]()
	for _, n := range g.Nodes() {
		fresh.AddNode(n.ID, n.Data)
	}
	for _, n := range g.Nodes() {
		for _, child := range g.Children(n.ID) {
			if n.ID == from && child == to {
				continue
			}
			_ = fresh.AddEdge(n.ID, child)
		}
	}
	return fresh
}

// memberTemplates lists every template a member renders through.
func memberTemplates(mem Member) []*template.Template {
	switch v := mem.(type) {
	case *Dimension:
		out := []*template.Template{v.Tmpl}
		if v.Case != nil {
			for _, w := range v.Case.When {
				out = append(out, w.Tmpl)
			}
		}
		return out
	case *Measure:
		out := []*template.Template{v.Tmpl}
		for _, f := range v.Filters {
			out = append(out, f.Tmpl)
		}
		for _, o := range v.OrderBy {
			out = append(out, o.Tmpl)
		}
		if v.Case != nil {
			for _, w := range v.Case.When {
				out = append(out, w.Tmpl)
			}
			if v.Case.Else != nil {
				out = append(out, v.Case.Else.Tmpl)
			}
		}
		return out
	case *Segment:
		return []*template.Template{v.Tmpl}
	}
	return nil
}

// MemberTemplates exposes the templates a member renders through.
func MemberTemplates(mem Member) []*template.Template { return memberTemplates(mem) }

func (m *Model) checkTimeShifts(c *Cube, r *core.ErrorReporter) {
	for _, ms := range c.Measures {
		for _, ts := range ms.TimeShift {
			if ts.TimeDimension == "" {
				continue
			}
			mem, err := m.Member(qualify(c, ts.TimeDimension))
			if err != nil {
				r.Errorf("%s: time_shift: %v", ms.Name, err)
				continue
			}
			if d, ok := m.Underlying(mem).(*Dimension); !ok || !d.IsTime() {
				r.Errorf("%s: time_shift: %s is not a time dimension", ms.Name, ts.TimeDimension)
			}
		}
	}
}

// qualify prefixes bare member names with the owner cube.
func qualify(c *Cube, name string) string {
	if strings.HasPrefix(name, "CUBE.") {
		return c.Name + name[4:]
	}
	if !strings.Contains(name, ".") {
		return c.Name + "." + name
	}
	return name
}

// Qualify returns "cube.member" for a reference written inside c.
func Qualify(c *Cube, name string) string { return qualify(c, name) }
