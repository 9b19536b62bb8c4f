package starlark

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// FilterRenderer renders the query filter on a member against a column.
// ok is false when the query has no filter on the member.
type FilterRenderer interface {
	RenderFilter(member, column string) (sql string, ok bool, err error)
}

// FilterRendererFunc adapts a function to a FilterRenderer.
type FilterRendererFunc func(member, column string) (string, bool, error)

// RenderFilter implements FilterRenderer.
func (f FilterRendererFunc) RenderFilter(member, column string) (string, bool, error) {
	return f(member, column)
}

// alwaysTrue is rendered for filters that don't apply.
const alwaysTrue = "1 = 1"

// securityValue is one node of SECURITY_CONTEXT. Unset entries have a nil
// value and render filters as alwaysTrue.
type securityValue struct {
	path   string
	value  any
	params *core.Params
}

var _ starlark.HasAttrs = (*securityValue)(nil)

func (v *securityValue) String() string        { return v.path }
func (v *securityValue) Type() string          { return "security_context" }
func (v *securityValue) Freeze()               {}
func (v *securityValue) Truth() starlark.Bool  { return v.value != nil }
func (v *securityValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", v.Type()) }

func (v *securityValue) AttrNames() []string {
	names := []string{"filter", "unsafeValue"}
	if m, ok := v.value.(map[string]any); ok {
		names = append(names, sortedKeys(m)...)
	}
	return names
}

func (v *securityValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "filter":
		return starlark.NewBuiltin(v.path+".filter", v.filter), nil
	case "unsafeValue":
		return starlark.NewBuiltin(v.path+".unsafeValue", v.unsafeValue), nil
	}
	child := &securityValue{path: v.path + "." + name, params: v.params}
	if m, ok := v.value.(map[string]any); ok {
		child.value = m[name]
	}
	return child, nil
}

// filter renders "column = $n$" or "column IN ($a$, $b$)".
func (v *securityValue) filter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var column string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &column); err != nil {
		return nil, err
	}
	if v.value == nil {
		return starlark.String(alwaysTrue), nil
	}
	vals := values(v.value)
	if len(vals) == 1 {
		return starlark.String(column + " = " + v.params.Add(vals[0])), nil
	}
	markers := make([]string, len(vals))
	for i, val := range vals {
		markers[i] = v.params.Add(val)
	}
	return starlark.String(column + " IN (" + strings.Join(markers, ", ") + ")"), nil
}

func (v *securityValue) unsafeValue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return GoToStarlark(v.value)
}

// filterParams implements FILTER_PARAMS.<cube>.<member>.filter(column).
type filterParams struct {
	path    []string
	filters FilterRenderer
}

var _ starlark.HasAttrs = (*filterParams)(nil)

func (f *filterParams) String() string        { return "FILTER_PARAMS." + strings.Join(f.path, ".") }
func (f *filterParams) Type() string          { return "filter_params" }
func (f *filterParams) Freeze()               {}
func (f *filterParams) Truth() starlark.Bool  { return starlark.True }
func (f *filterParams) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", f.Type()) }
func (f *filterParams) AttrNames() []string   { return []string{"filter"} }

func (f *filterParams) Attr(name string) (starlark.Value, error) {
	if name == "filter" && len(f.path) == 2 {
		return starlark.NewBuiltin(f.String()+".filter", f.filter), nil
	}
	if len(f.path) >= 2 {
		return nil, fmt.Errorf("%s has no attribute %s", f.String(), name)
	}
	return &filterParams{path: append(append([]string{}, f.path...), name), filters: f.filters}, nil
}

func (f *filterParams) filter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var column string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &column); err != nil {
		return nil, err
	}
	if f.filters == nil {
		return starlark.String(alwaysTrue), nil
	}
	sql, ok, err := f.filters.RenderFilter(strings.Join(f.path, "."), column)
	if err != nil {
		return nil, err
	}
	if !ok {
		return starlark.String(alwaysTrue), nil
	}
	return starlark.String(sql), nil
}

// filterGroup implements FILTER_GROUP(...), which ANDs its arguments.
func filterGroup(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("FILTER_GROUP: unexpected keyword arguments")
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		s := ToSQL(a)
		if s != "" && s != alwaysTrue {
			parts = append(parts, "("+s+")")
		}
	}
	if len(parts) == 0 {
		return starlark.String(alwaysTrue), nil
	}
	return starlark.String(strings.Join(parts, " AND ")), nil
}
