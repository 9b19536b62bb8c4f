package starlark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

func TestEvalContext(t *testing.T) {
	filters := FilterRendererFunc(func(member, column string) (string, bool, error) {
		if member == "orders.status" {
			return column + " = 'shipped'", true, nil
		}
		return "", false, nil
	})

	tests := []struct {
		name       string
		expr       string
		want       string
		wantParams []any
	}{
		{
			name:       "security filter",
			expr:       "SECURITY_CONTEXT.tenant_id.filter('tenant_id')",
			want:       "tenant_id = $0$",
			wantParams: []any{42},
		},
		{
			name:       "security filter on a list",
			expr:       "SECURITY_CONTEXT.regions.filter('region')",
			want:       "region IN ($0$, $1$)",
			wantParams: []any{"eu", "us"},
		},
		{
			name: "unset security value",
			expr: "SECURITY_CONTEXT.missing.filter('x')",
			want: "1 = 1",
		},
		{
			name: "nested security value",
			expr: "SECURITY_CONTEXT.user.role.unsafeValue()",
			want: "admin",
		},
		{
			name: "filter params with a query filter",
			expr: "FILTER_PARAMS.orders.status.filter('o.status')",
			want: "o.status = 'shipped'",
		},
		{
			name: "filter params without a query filter",
			expr: "FILTER_PARAMS.orders.created_at.filter('created_at')",
			want: "1 = 1",
		},
		{
			name: "filter group",
			expr: "FILTER_GROUP(FILTER_PARAMS.orders.status.filter('s'), FILTER_PARAMS.orders.id.filter('i'))",
			want: "(s = 'shipped')",
		},
		{
			name: "compile context",
			expr: "COMPILE_CONTEXT.schema",
			want: "analytics",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := core.NewParams()
			ev, err := NewEvaluator(Options{
				SecurityContext: map[string]any{
					"tenant_id": 42,
					"regions":   []any{"eu", "us"},
					"user":      map[string]any{"role": "admin"},
				},
				CompileContext: map[string]any{"schema": "analytics"},
				Params:         params,
				Filters:        filters,
			})
			require.NoError(t, err)

			got, err := ev.EvalContext(nil, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			var gotParams []any
			for i := 0; i < params.Len(); i++ {
				v, _ := params.Value(i)
				gotParams = append(gotParams, v)
			}
			assert.Equal(t, tt.wantParams, gotParams)
		})
	}
}

func TestEvalContext_Errors(t *testing.T) {
	ev, err := NewEvaluator(Options{})
	require.NoError(t, err)

	for _, expr := range []string{
		"SECURITY_CONTEXT.x.filter()",
		"FILTER_PARAMS.orders.status.nope",
		"COMPILE_CONTEXT.missing",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ev.EvalContext(nil, expr)
			require.Error(t, err)
			var evalErr *EvalError
			require.ErrorAs(t, err, &evalErr)
			assert.Equal(t, expr, evalErr.Expr)
		})
	}
}

func TestGoToStarlark(t *testing.T) {
	v, err := GoToStarlark(map[string]any{"a": []any{1, "x", true}, "b": 1.5})
	require.NoError(t, err)
	assert.Equal(t, "struct", v.Type())

	_, err = GoToStarlark(struct{}{})
	require.Error(t, err)
	none, err := GoToStarlark(nil)
	require.NoError(t, err)
	assert.Equal(t, "", ToSQL(none))
}
