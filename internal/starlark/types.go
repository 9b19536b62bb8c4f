package starlark

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// GoToStarlark converts a Go value to a Starlark value.
// Supported types: string, ints, floats, bool, []string, []any, map[string]any.
// Maps become structs so that context values are read with attribute access.
func GoToStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case string:
		return starlark.String(val), nil

	case int, int32, int64, uint, uint32, uint64:
		return starlark.MakeInt64(cast.ToInt64(val)), nil

	case float32, float64:
		return starlark.Float(cast.ToFloat64(val)), nil

	case bool:
		return starlark.Bool(val), nil

	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil

	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := GoToStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil

	case map[string]any:
		dict := make(starlark.StringDict, len(val))
		for k, v := range val {
			sv, err := GoToStarlark(v)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			dict[k] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, dict), nil

	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ToSQL converts the result of a context expression into SQL text.
func ToSQL(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.NoneType:
		return ""
	case starlark.String:
		return string(val)
	case *starlark.List:
		parts := make([]string, val.Len())
		for i := 0; i < val.Len(); i++ {
			parts[i] = ToSQL(val.Index(i))
		}
		return strings.Join(parts, ", ")
	}
	return v.String()
}

// values flattens a security context entry into bind values.
func values(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}
	return []any{v}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
