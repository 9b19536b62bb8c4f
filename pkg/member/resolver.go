package member

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapcube/internal/template"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Resolver binds references to symbols. A Resolver belongs to one
// compilation: inline expressions are cached by (cube, expression) so that
// repeated references share a symbol and an alias. It is not safe for
// concurrent use.
type Resolver struct {
	model       *model.Model
	expressions map[string]*Symbol
	hints       map[string][]joingraph.Hint
	visiting    []string
}

// NewResolver creates a resolver over m.
func NewResolver(m *model.Model) *Resolver {
	return &Resolver{
		model:       m,
		expressions: make(map[string]*Symbol),
		hints:       make(map[string][]joingraph.Hint),
	}
}

// Model returns the model the resolver binds against.
func (r *Resolver) Model() *model.Model { return r.model }

// Resolve binds a query member reference. Inline expressions found in the
// measures list become measures; elsewhere they become dimensions. Use
// ResolveAs to choose.
func (r *Resolver) Resolve(ref core.MemberRef) (*Symbol, error) {
	if ref.Expression != nil {
		return r.ResolveExpression(ref.Expression, model.KindDimension)
	}
	return r.ResolvePath(ref.Name)
}

// ResolveAs binds ref and requires the result to be of kind.
func (r *Resolver) ResolveAs(ref core.MemberRef, kind model.MemberKind) (*Symbol, error) {
	if ref.Expression != nil {
		return r.ResolveExpression(ref.Expression, kind)
	}
	sym, err := r.ResolvePath(ref.Name)
	if err != nil {
		return nil, err
	}
	if sym.Kind() != kind {
		return nil, core.NewMemberResolutionError("'%s' is a %s, expected a %s", ref.Name, sym.Kind(), kind)
	}
	return sym, nil
}

// ResolvePath binds "cube.member", "cube.time_dim.granularity" or a
// path-qualified "a.b.member".
func (r *Resolver) ResolvePath(path string) (*Symbol, error) {
	cubes, name, gran, err := splitReference(r.model, path)
	if err != nil {
		return nil, err
	}
	c, _ := r.model.Cube(cubes[len(cubes)-1])
	mem := c.Member(name)
	if mem == nil {
		return nil, core.NewMemberResolutionError("'%s' not found for path '%s'", name, path)
	}
	target := r.model.Underlying(mem)

	if gran != "" {
		d, ok := target.(*model.Dimension)
		if !ok || !d.IsTime() {
			return nil, core.NewMemberResolutionError("'%s' is not a time dimension, granularity %s can't be applied", mem.Path(), gran)
		}
		if _, err := d.Granularity(gran); err != nil {
			return nil, err
		}
	}

	hints, err := r.Hints(mem)
	if err != nil {
		return nil, err
	}
	if len(cubes) > 1 {
		hints = prependHint(hints, joingraph.Hint(cubes))
	}

	return &Symbol{
		Name:        path,
		Member:      mem,
		Target:      target,
		Granularity: gran,
		Hints:       hints,
		Alias:       aliasFor(mem, gran),
	}, nil
}

// ResolveExpression binds an inline member expression as a synthetic member
// of its cube.
func (r *Resolver) ResolveExpression(e *core.MemberExpression, kind model.MemberKind) (*Symbol, error) {
	if e.Name == "" {
		return nil, core.NewMemberResolutionError("member expression on %s must have a name", e.CubeName)
	}
	key := fmt.Sprintf("%s|%s|%s", kind, e.CubeName, e.Expression)
	if sym, ok := r.expressions[key]; ok {
		return sym, nil
	}

	c, ok := r.model.Cube(e.CubeName)
	if !ok {
		return nil, core.NewMemberResolutionError("Cube '%s' not found for expression '%s'", e.CubeName, e.Name)
	}
	if c.Member(e.Name) != nil {
		return nil, core.NewMemberResolutionError("member expression %s shadows member %s.%s", e.Name, c.Name, e.Name)
	}
	tmpl, err := template.Parse(e.Expression, e.CubeName+"."+e.Name)
	if err != nil {
		return nil, core.NewMemberResolutionError("invalid member expression %s.%s: %v", e.CubeName, e.Name, err)
	}

	var mem model.Member
	switch kind {
	case model.KindMeasure:
		mem = &model.Measure{Name: e.Name, Type: model.MeasureNumber, SQL: e.Expression, Cube: c, Tmpl: tmpl}
	case model.KindSegment:
		mem = &model.Segment{Name: e.Name, SQL: e.Expression, Cube: c, Tmpl: tmpl}
	default:
		mem = &model.Dimension{Name: e.Name, Type: model.TypeString, SQL: e.Expression, Cube: c, Tmpl: tmpl}
	}

	hints, err := r.Hints(mem)
	if err != nil {
		return nil, err
	}
	sym := &Symbol{
		Name:       e.CubeName + "." + e.Name,
		Member:     mem,
		Target:     mem,
		Hints:      hints,
		Alias:      aliasFor(mem, ""),
		Expression: true,
	}
	r.expressions[key] = sym
	return sym, nil
}

// Hints returns the join hints needed to evaluate mem: its own cube, the
// cubes its SQL references and, for view members, the view join path.
// Sub-query dimensions only need their own cube; the referenced cube is
// joined inside the sub-query.
func (r *Resolver) Hints(mem model.Member) ([]joingraph.Hint, error) {
	var out []joingraph.Hint
	if p := mem.Proxied(); p != nil {
		out = appendHint(out, joingraph.Hint(p.JoinPath))
	}
	target := r.model.Underlying(mem)
	own, err := r.targetHints(target)
	if err != nil {
		return nil, err
	}
	for _, h := range own {
		out = appendHint(out, h)
	}
	return out, nil
}

func (r *Resolver) targetHints(mem model.Member) ([]joingraph.Hint, error) {
	path := mem.Path()
	if cached, ok := r.hints[path]; ok {
		return cached, nil
	}
	for _, v := range r.visiting {
		if v == path {
			return nil, core.NewMemberResolutionError("Member '%s' references itself (%s -> %s)",
				path, strings.Join(r.visiting, " -> "), path)
		}
	}
	r.visiting = append(r.visiting, path)
	defer func() { r.visiting = r.visiting[:len(r.visiting)-1] }()

	owner := mem.Owner()
	var out []joingraph.Hint
	if !owner.IsView {
		out = appendHint(out, joingraph.Hint{owner.Name})
	}
	if d, ok := mem.(*model.Dimension); ok && d.SubQuery {
		r.hints[path] = out
		return out, nil
	}

	for _, t := range model.MemberTemplates(mem) {
		if t == nil {
			continue
		}
		for _, ref := range t.Refs() {
			res, err := r.model.ResolveRef(owner, ref.Path)
			if err != nil {
				return nil, err
			}
			if len(res.Path) > 1 {
				out = appendHint(out, joingraph.Hint(res.Path))
			}
			if res.IsCube() {
				if !res.Cube.IsView {
					out = appendHint(out, joingraph.Hint{res.Cube.Name})
				}
				continue
			}
			dep, err := r.Hints(res.Member)
			if err != nil {
				return nil, err
			}
			for _, h := range dep {
				out = appendHint(out, h)
			}
		}
	}
	r.hints[path] = out
	return out, nil
}

// CollectHints merges the hints of symbols in order, dropping duplicates.
func CollectHints(symbols ...[]*Symbol) []joingraph.Hint {
	var out []joingraph.Hint
	for _, list := range symbols {
		for _, s := range list {
			for _, h := range s.Hints {
				out = appendHint(out, h)
			}
		}
	}
	return out
}

func appendHint(list []joingraph.Hint, h joingraph.Hint) []joingraph.Hint {
	key := h.String()
	for _, existing := range list {
		if existing.String() == key {
			return list
		}
	}
	return append(list, h)
}

func prependHint(list []joingraph.Hint, h joingraph.Hint) []joingraph.Hint {
	out := []joingraph.Hint{h}
	for _, existing := range list {
		out = appendHint(out, existing)
	}
	return out
}
