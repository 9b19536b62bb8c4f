package member_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/internal/testutil"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialects/postgres"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

func hintStrings(hs []joingraph.Hint) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

func TestResolvePath(t *testing.T) {
	r := member.NewResolver(testutil.ShopModel(t))

	tests := []struct {
		path        string
		wantTarget  string
		wantAlias   string
		wantGran    string
		wantHints   []string
		wantKind    model.MemberKind
		wantExposed string
	}{
		{
			path:        "orders.count",
			wantTarget:  "orders.count",
			wantAlias:   "orders__count",
			wantHints:   []string{"orders"},
			wantKind:    model.KindMeasure,
			wantExposed: "orders.count",
		},
		{
			path:        "orders.created_at.month",
			wantTarget:  "orders.created_at",
			wantAlias:   "orders__created_at_month",
			wantGran:    "month",
			wantHints:   []string{"orders"},
			wantKind:    model.KindDimension,
			wantExposed: "orders.created_at",
		},
		{
			path:        "orders.created_at.half_year",
			wantTarget:  "orders.created_at",
			wantAlias:   "orders__created_at_half_year",
			wantGran:    "half_year",
			wantHints:   []string{"orders"},
			wantKind:    model.KindDimension,
			wantExposed: "orders.created_at",
		},
		{
			path:        "orders.customer_city",
			wantTarget:  "orders.customer_city",
			wantAlias:   "orders__customer_city",
			wantHints:   []string{"orders", "customers"},
			wantKind:    model.KindDimension,
			wantExposed: "orders.customer_city",
		},
		{
			path:        "orders_view.customers_name",
			wantTarget:  "customers.name",
			wantAlias:   "orders_view__customers_name",
			wantHints:   []string{"orders.customers", "customers"},
			wantKind:    model.KindDimension,
			wantExposed: "orders_view.customers_name",
		},
		{
			path:        "orders.line_items.products.category",
			wantTarget:  "products.category",
			wantAlias:   "products__category",
			wantHints:   []string{"orders.line_items.products", "products"},
			wantKind:    model.KindDimension,
			wantExposed: "products.category",
		},
		{
			path:        "orders.completed",
			wantTarget:  "orders.completed",
			wantAlias:   "orders__completed",
			wantHints:   []string{"orders"},
			wantKind:    model.KindSegment,
			wantExposed: "orders.completed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			sym, err := r.ResolvePath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTarget, sym.TargetPath())
			assert.Equal(t, tt.wantExposed, sym.Path())
			assert.Equal(t, tt.wantAlias, sym.Alias)
			assert.Equal(t, tt.wantGran, sym.Granularity)
			assert.Equal(t, tt.wantHints, hintStrings(sym.Hints))
			assert.Equal(t, tt.wantKind, sym.Kind())
		})
	}
}

func TestResolvePath_Errors(t *testing.T) {
	r := member.NewResolver(testutil.ShopModel(t))

	tests := []struct {
		path    string
		wantErr string
	}{
		{path: "orders", wantErr: "must be in the form cube.member"},
		{path: "nope.count", wantErr: "Cube 'nope' not found"},
		{path: "orders.nope", wantErr: "'nope' not found for path 'orders.nope'"},
		{path: "orders.status.month", wantErr: "is not a time dimension"},
		{path: "orders.created_at.fortnight", wantErr: "Granularity \"fortnight\" does not exist"},
		{path: "orders.created_at.month.extra", wantErr: "Can't resolve member"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := r.ResolvePath(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			kind, ok := core.ErrorKindOf(err)
			require.True(t, ok)
			assert.Equal(t, core.KindMemberResolution, kind)
		})
	}
}

func TestResolveAs_KindMismatch(t *testing.T) {
	r := member.NewResolver(testutil.ShopModel(t))
	_, err := r.ResolveAs(core.Ref("orders.status"), model.KindMeasure)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'orders.status' is a dimension, expected a measure")
}

func TestResolveExpression_Cached(t *testing.T) {
	r := member.NewResolver(testutil.ShopModel(t))
	expr := &core.MemberExpression{CubeName: "orders", Name: "big_total", Expression: "SUM({CUBE}.amount) * 2"}

	first, err := r.ResolveExpression(expr, model.KindMeasure)
	require.NoError(t, err)
	again, err := r.ResolveExpression(&core.MemberExpression{
		CubeName: "orders", Name: "big_total", Expression: "SUM({CUBE}.amount) * 2",
	}, model.KindMeasure)
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.True(t, first.Expression)
	assert.Equal(t, "orders__big_total", first.Alias)
	assert.Equal(t, []string{"orders"}, hintStrings(first.Hints))

	dim, err := r.ResolveExpression(&core.MemberExpression{
		CubeName: "orders", Name: "city_upper", Expression: "UPPER({customers.city})",
	}, model.KindDimension)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "customers"}, hintStrings(dim.Hints))
	assert.Equal(t, model.KindDimension, dim.Kind())
}

func TestResolveExpression_Errors(t *testing.T) {
	r := member.NewResolver(testutil.ShopModel(t))
	tests := []struct {
		name    string
		expr    *core.MemberExpression
		wantErr string
	}{
		{
			name:    "unknown cube",
			expr:    &core.MemberExpression{CubeName: "nope", Name: "x", Expression: "1"},
			wantErr: "Cube 'nope' not found for expression 'x'",
		},
		{
			name:    "missing name",
			expr:    &core.MemberExpression{CubeName: "orders", Expression: "1"},
			wantErr: "must have a name",
		},
		{
			name:    "shadows a member",
			expr:    &core.MemberExpression{CubeName: "orders", Name: "status", Expression: "1"},
			wantErr: "shadows member orders.status",
		},
		{
			name:    "unknown reference",
			expr:    &core.MemberExpression{CubeName: "orders", Name: "x", Expression: "{nope}"},
			wantErr: "Can't resolve 'nope'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolveExpression(tt.expr, model.KindMeasure)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type fakeContext struct{ calls []string }

func (f *fakeContext) EvalContext(owner *model.Cube, expr string) (string, error) {
	f.calls = append(f.calls, owner.Name+":"+expr)
	return "$0$", nil
}

func TestRender(t *testing.T) {
	m := testutil.ShopModel(t)
	r := member.NewResolver(m)
	base := member.NewRenderer(m, postgres.Postgres, nil)

	tests := []struct {
		name     string
		path     string
		renderer *member.Renderer
		want     string
	}{
		{name: "bare column is prefixed", path: "orders.status", want: `"orders".status`},
		{name: "reference to another cube", path: "orders.customer_city", want: `"customers".city`},
		{name: "view member renders the cube member", path: "orders_view.customers_town", want: `"customers".city`},
		{name: "count without sql", path: "orders.count", want: "count(*)"},
		{name: "sum", path: "orders.total_amount", want: `sum("orders".amount)`},
		{name: "avg", path: "orders.avg_amount", want: `avg("orders".amount)`},
		{name: "count distinct", path: "orders.unique_customers", want: `count(distinct "orders".customer_id)`},
		{
			name: "count distinct approx",
			path: "orders.approx_customers",
			want: `round(hll_cardinality(hll_add_agg(hll_hash_any("orders".customer_id))))`,
		},
		{
			name: "filtered count",
			path: "orders.completed_count",
			want: `count(CASE WHEN ("orders".status = 'completed') THEN 1 END)`,
		},
		{
			name: "number measure aggregates its references",
			path: "orders.amount_per_order",
			want: `sum("orders".amount) / NULLIF(count(*), 0)`,
		},
		{
			name:     "multiplied count uses the primary key",
			path:     "orders.count",
			renderer: base.WithKeyedCount("orders"),
			want:     `count("orders".id)`,
		},
		{
			name:     "filtered multiplied count",
			path:     "orders.completed_count",
			renderer: base.WithKeyedCount("orders"),
			want:     `count(CASE WHEN ("orders".status = 'completed') THEN "orders".id END)`,
		},
		{
			name: "override inside a calculated measure",
			path: "orders.amount_per_order",
			renderer: base.WithOverrides(map[string]string{
				"orders.total_amount": `"q_0"."orders__total_amount"`,
				"orders.count":        `"q_0"."orders__count"`,
			}),
			want: `"q_0"."orders__total_amount" / NULLIF("q_0"."orders__count", 0)`,
		},
		{
			name:     "cube alias override",
			path:     "orders.status",
			renderer: base.WithCubeAlias("orders", "keys"),
			want:     `"keys".status`,
		},
		{
			name:     "ungrouped sum",
			path:     "orders.total_amount",
			renderer: base.WithUngrouped(),
			want:     `"orders".amount`,
		},
		{
			name:     "ungrouped count",
			path:     "orders.count",
			renderer: base.WithUngrouped(),
			want:     "1",
		},
		{name: "segment", path: "orders.completed", want: `"orders".status = 'completed'`},
		{name: "time bucket", path: "orders.created_at.month", want: `date_trunc('month', "orders".created_at)`},
		{
			name:     "time bucket in a timezone",
			path:     "orders.created_at.day",
			renderer: base.WithTimezone("America/New_York"),
			want:     `date_trunc('day', ("orders".created_at::timestamptz AT TIME ZONE 'America/New_York'))`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := r.ResolvePath(tt.path)
			require.NoError(t, err)
			rr := tt.renderer
			if rr == nil {
				rr = base
			}
			got, err := rr.RenderSymbol(sym)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_MultiStageOnly(t *testing.T) {
	m := testutil.ShopModel(t)
	r := member.NewResolver(m)
	rr := member.NewRenderer(m, postgres.Postgres, nil)

	for _, path := range []string{"visitors.revenue_rank", "sales.amount_in_currency", "sales.currency"} {
		t.Run(path, func(t *testing.T) {
			sym, err := r.ResolvePath(path)
			require.NoError(t, err)
			_, err = rr.RenderSymbol(sym)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "multi-stage planner")
		})
	}
}

func TestRenderJoinCondition(t *testing.T) {
	m := testutil.ShopModel(t)
	g, err := joingraph.New(m, testutil.NewTestLogger(t))
	require.NoError(t, err)
	rr := member.NewRenderer(m, postgres.Postgres, nil)

	e, ok := g.Edge("orders", "customers")
	require.True(t, ok)
	got, err := rr.RenderJoinCondition(e)
	require.NoError(t, err)
	assert.Equal(t, `"orders".customer_id = "customers".id`, got)
}

func TestCubeSource(t *testing.T) {
	m := testutil.ShopModel(t)
	ctx := &fakeContext{}
	rr := member.NewRenderer(m, postgres.Postgres, ctx)

	orders, _ := m.Cube("orders")
	src, err := rr.CubeSource(orders)
	require.NoError(t, err)
	assert.Equal(t, "public.orders", src.Name)
	assert.Equal(t, "orders", src.Alias)

	customers, _ := m.Cube("customers")
	src, err = rr.CubeSource(customers)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM public.customers WHERE $0$", src.SQL)
	assert.Equal(t, []string{"customers:SECURITY_CONTEXT.tenant_id.filter('tenant_id')"}, ctx.calls)

	view, _ := m.Cube("orders_view")
	_, err = rr.CubeSource(view)
	require.Error(t, err)
}

func TestCubeSource_NoContextEvaluator(t *testing.T) {
	m := testutil.ShopModel(t)
	rr := member.NewRenderer(m, postgres.Postgres, nil)
	customers, _ := m.Cube("customers")
	_, err := rr.CubeSource(customers)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "SECURITY_CONTEXT"))
}

func TestPrimaryKey_Compound(t *testing.T) {
	m := testutil.CompileModel(t, `
cubes:
  - name: events
    sql_table: events
    dimensions:
      - name: tenant
        sql: tenant
        type: string
        primary_key: true
      - name: id
        sql: id
        type: number
        primary_key: true
`)
	rr := member.NewRenderer(m, postgres.Postgres, nil)
	events, _ := m.Cube("events")
	got, err := rr.PrimaryKey(events)
	require.NoError(t, err)
	assert.Equal(t, `CAST("events".tenant AS TEXT) || CAST("events".id AS TEXT)`, got)
}

func TestLeaves(t *testing.T) {
	m := testutil.ShopModel(t)
	rr := member.NewRenderer(m, postgres.Postgres, nil)

	tests := []struct {
		path string
		want []string
	}{
		{path: "orders.count", want: []string{"orders.count"}},
		{path: "orders.amount_per_order", want: []string{"orders.total_amount", "orders.count"}},
		{path: "visitors.cagr_day", want: []string{"visitors.visitor_revenue", "visitors.revenue_day_ago"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			mem, err := m.Member(tt.path)
			require.NoError(t, err)
			leaves, err := rr.Leaves(mem.(*model.Measure))
			require.NoError(t, err)
			got := make([]string, len(leaves))
			for i, l := range leaves {
				got[i] = l.Path()
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
