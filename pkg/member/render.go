package member

import (
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/leapstack-labs/leapcube/internal/template"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// ContextEvaluator evaluates SECURITY_CONTEXT, FILTER_PARAMS and
// COMPILE_CONTEXT expressions found in member SQL.
type ContextEvaluator interface {
	EvalContext(owner *model.Cube, expr string) (string, error)
}

var bareIdentifier = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// Renderer expands member templates into SQL for one dialect.
//
// Renderers are cheap values: the With* methods return a modified copy, so
// a query builder can derive a renderer per subquery without affecting its
// parent. Overrides are keyed by OverrideKey and replace the SQL of a
// member wherever it is rendered, including inside other members.
type Renderer struct {
	model    *model.Model
	dialect  *dialect.Dialect
	eval     ContextEvaluator
	timezone string

	overrides   map[string]string
	cubeAliases map[string]string
	keyed       map[string]bool
	ungrouped   bool

	visiting *[]string
}

// NewRenderer creates a renderer. eval may be nil when templates carry no
// context expressions.
func NewRenderer(m *model.Model, d *dialect.Dialect, eval ContextEvaluator) *Renderer {
	return &Renderer{model: m, dialect: d, eval: eval, visiting: new([]string)}
}

// Dialect returns the target dialect.
func (r *Renderer) Dialect() *dialect.Dialect { return r.dialect }

// Model returns the model.
func (r *Renderer) Model() *model.Model { return r.model }

// Timezone returns the query timezone.
func (r *Renderer) Timezone() string { return r.timezone }

func (r *Renderer) clone() *Renderer {
	c := *r
	c.visiting = new([]string)
	return &c
}

// WithTimezone sets the timezone used for granularity references.
func (r *Renderer) WithTimezone(tz string) *Renderer {
	c := r.clone()
	c.timezone = tz
	return c
}

// WithOverrides returns a renderer that substitutes the given SQL for
// members. Existing overrides are kept unless replaced.
func (r *Renderer) WithOverrides(overrides map[string]string) *Renderer {
	c := r.clone()
	c.overrides = make(map[string]string, len(r.overrides)+len(overrides))
	maps.Copy(c.overrides, r.overrides)
	maps.Copy(c.overrides, overrides)
	return c
}

// WithCubeAlias renders references to cube under alias.
func (r *Renderer) WithCubeAlias(cube, alias string) *Renderer {
	c := r.clone()
	c.cubeAliases = make(map[string]string, len(r.cubeAliases)+1)
	maps.Copy(c.cubeAliases, r.cubeAliases)
	c.cubeAliases[cube] = alias
	return c
}

// WithKeyedCount makes count measures of the given cubes count primary keys.
func (r *Renderer) WithKeyedCount(cubes ...string) *Renderer {
	c := r.clone()
	c.keyed = make(map[string]bool, len(r.keyed)+len(cubes))
	maps.Copy(c.keyed, r.keyed)
	for _, name := range cubes {
		c.keyed[name] = true
	}
	return c
}

// WithUngrouped renders measures as their row-level arguments.
func (r *Renderer) WithUngrouped() *Renderer {
	c := r.clone()
	c.ungrouped = true
	return c
}

// HasOverrides reports whether any member SQL is substituted.
func (r *Renderer) HasOverrides() bool { return len(r.overrides) > 0 }

// Override returns the override registered for key.
func (r *Renderer) Override(key string) (string, bool) {
	sql, ok := r.overrides[key]
	return sql, ok
}

func (r *Renderer) override(mem model.Member, gran string) (string, bool) {
	if sql, ok := r.overrides[OverrideKey(mem, gran)]; ok {
		return sql, true
	}
	if mem.Proxied() != nil {
		if sql, ok := r.overrides[OverrideKey(r.model.Underlying(mem), gran)]; ok {
			return sql, true
		}
	}
	return "", false
}

// CubeAlias returns the quoted alias of c.
func (r *Renderer) CubeAlias(c *model.Cube) string {
	if alias, ok := r.cubeAliases[c.Name]; ok {
		return r.dialect.QuoteIdentifier(alias)
	}
	return r.dialect.QuoteIdentifier(c.Alias())
}

// CubeSource returns the FROM source of c under its alias.
func (r *Renderer) CubeSource(c *model.Cube) (*core.TableRef, error) {
	if c.IsView {
		return nil, core.NewQueryError("view %s can't be used as a query source", c.Name)
	}
	alias := c.Alias()
	if a, ok := r.cubeAliases[c.Name]; ok {
		alias = a
	}
	if c.SQLTable != "" {
		return core.Table(c.SQLTable, alias), nil
	}
	sql, err := r.render(c.Tmpl, c, false)
	if err != nil {
		return nil, fmt.Errorf("cube %s sql: %w", c.Name, err)
	}
	return core.RawSource(sql, alias), nil
}

// Render renders any member at an optional granularity.
func (r *Renderer) Render(mem model.Member, gran string) (string, error) {
	switch m := mem.(type) {
	case *model.Dimension:
		if gran != "" {
			return r.RenderTime(m, gran, nil)
		}
		return r.RenderDimension(m)
	case *model.Measure:
		return r.RenderMeasure(m)
	case *model.Segment:
		return r.RenderSegment(m)
	}
	return "", fmt.Errorf("internal: unknown member type %T", mem)
}

// RenderSymbol renders a resolved symbol.
func (r *Renderer) RenderSymbol(s *Symbol) (string, error) {
	if sql, ok := r.overrides[s.OverrideKey()]; ok {
		return sql, nil
	}
	return r.Render(s.Member, s.Granularity)
}

// RenderDimension renders the row-level SQL of a dimension.
func (r *Renderer) RenderDimension(d *model.Dimension) (string, error) {
	if sql, ok := r.override(d, ""); ok {
		return sql, nil
	}
	target := r.model.Underlying(d).(*model.Dimension)
	return r.visit(target, func() (string, error) {
		switch {
		case target.Type == model.TypeSwitch:
			return "", core.NewQueryError("switch dimension %s can only be evaluated by the multi-stage planner", target.Path())
		case target.SubQuery:
			return "", core.NewSubqueryContractError("Sub query dimension '%s' must be joined as a sub query", target.Path())
		case target.Case != nil:
			return r.renderDimensionCase(target)
		}
		return r.render(target.Tmpl, target.Cube, true)
	})
}

// RenderSubQueryDimension renders the template of a sub-query dimension.
// Its measure references must be overridden by the joined subquery columns.
func (r *Renderer) RenderSubQueryDimension(d *model.Dimension) (string, error) {
	target := r.model.Underlying(d).(*model.Dimension)
	return r.visit(target, func() (string, error) {
		return r.render(target.Tmpl, target.Cube, true)
	})
}

func (r *Renderer) renderDimensionCase(d *model.Dimension) (string, error) {
	var sb strings.Builder
	sb.WriteString("CASE")
	for _, w := range d.Case.When {
		cond, err := r.render(w.Tmpl, d.Cube, false)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, " WHEN %s THEN %s", cond, r.dialect.StringLiteral(w.Label))
	}
	if d.Case.Else != nil {
		fmt.Fprintf(&sb, " ELSE %s", r.dialect.StringLiteral(d.Case.Else.Label))
	}
	sb.WriteString(" END")
	return sb.String(), nil
}

// LocalTime renders a time dimension converted to the query timezone.
func (r *Renderer) LocalTime(d *model.Dimension) (string, error) {
	raw, err := r.RenderDimension(d)
	if err != nil {
		return "", err
	}
	if r.timezone == "" || strings.EqualFold(r.timezone, "UTC") {
		return raw, nil
	}
	return r.dialect.ConvertTz(raw, r.timezone), nil
}

// RenderTime renders a time dimension bucketed by the named granularity in
// the query timezone. queryOffset shifts standard granularity buckets.
func (r *Renderer) RenderTime(d *model.Dimension, gran string, queryOffset core.Interval) (string, error) {
	if sql, ok := r.override(d, gran); ok {
		return sql, nil
	}
	target := r.model.Underlying(d).(*model.Dimension)
	g, err := target.Granularity(gran)
	if err != nil {
		return "", err
	}
	local, err := r.LocalTime(d)
	if err != nil {
		return "", err
	}
	return granularity.Bucket(r.dialect, local, g, queryOffset)
}

// RenderSegment renders the boolean SQL of a segment.
func (r *Renderer) RenderSegment(s *model.Segment) (string, error) {
	if sql, ok := r.override(s, ""); ok {
		return sql, nil
	}
	target := r.model.Underlying(s).(*model.Segment)
	return r.visit(target, func() (string, error) {
		return r.render(target.Tmpl, target.Cube, true)
	})
}

// RenderJoinCondition renders the ON clause of a join tree edge.
func (r *Renderer) RenderJoinCondition(e *joingraph.Edge) (string, error) {
	sql, err := r.render(e.Join.Tmpl, e.Join.From, false)
	if err != nil {
		return "", fmt.Errorf("join %s: %w", e, err)
	}
	return sql, nil
}

// PrimaryKey renders the primary key of c. Compound keys are concatenated
// as text in declaration order.
func (r *Renderer) PrimaryKey(c *model.Cube) (string, error) {
	switch len(c.PrimaryKeys) {
	case 0:
		return "", core.NewQueryError("cube %s has no primary key", c.Name)
	case 1:
		return r.RenderDimension(c.PrimaryKeys[0])
	}
	parts := make([]string, len(c.PrimaryKeys))
	for i, pk := range c.PrimaryKeys {
		sql, err := r.RenderDimension(pk)
		if err != nil {
			return "", err
		}
		parts[i] = "CAST(" + sql + " AS TEXT)"
	}
	return strings.Join(parts, " || "), nil
}

// RenderTemplate expands a member template of owner. Bare identifiers are
// prefixed with the owner alias.
func (r *Renderer) RenderTemplate(t *template.Template, owner *model.Cube) (string, error) {
	return r.render(t, owner, true)
}

// render expands a template in the scope of owner. A template made of a
// single bare identifier names a column of the owner and is prefixed with
// the owner alias.
func (r *Renderer) render(t *template.Template, owner *model.Cube, prefix bool) (string, error) {
	if t == nil {
		return "", fmt.Errorf("internal: missing template in cube %s", owner.Name)
	}
	if prefix && t.IsStatic() {
		src := strings.TrimSpace(t.Source)
		if bareIdentifier.MatchString(src) {
			return r.CubeAlias(owner) + "." + src, nil
		}
	}
	return t.Render(template.ResolverFuncs{
		Ref: func(ref *template.RefNode) (string, error) {
			res, err := r.model.ResolveRef(owner, ref.Path)
			if err != nil {
				return "", err
			}
			if res.IsCube() {
				return r.CubeAlias(res.Cube), nil
			}
			return r.Render(res.Member, res.Granularity)
		},
		Expr: func(expr *template.ExprNode) (string, error) {
			if r.eval == nil {
				return "", core.NewQueryError("context expression %s is not available in this compilation", expr.Expr)
			}
			return r.eval.EvalContext(owner, expr.Expr)
		},
	})
}

// visit guards against members that reach themselves while rendering.
func (r *Renderer) visit(mem model.Member, fn func() (string, error)) (string, error) {
	path := mem.Path()
	for _, v := range *r.visiting {
		if v == path {
			chain := append(append([]string{}, *r.visiting...), path)
			return "", core.NewMemberResolutionError("Member '%s' references itself (%s)", path, strings.Join(chain, " -> "))
		}
	}
	*r.visiting = append(*r.visiting, path)
	defer func() { *r.visiting = (*r.visiting)[:len(*r.visiting)-1] }()
	return fn()
}
