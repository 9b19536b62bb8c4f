package query_test

import (
	"strings"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/internal/testutil"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
	"github.com/leapstack-labs/leapcube/pkg/dialects/bigquery"
	"github.com/leapstack-labs/leapcube/pkg/dialects/duckdb"
	"github.com/leapstack-labs/leapcube/pkg/dialects/postgres"
	"github.com/leapstack-labs/leapcube/pkg/dialects/presto"
	"github.com/leapstack-labs/leapcube/pkg/format"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

var snapshotter = cupaloy.New()

func newEnv(t *testing.T, d *dialect.Dialect, opts query.Options) *query.Env {
	t.Helper()
	m := testutil.ShopModel(t)
	g, err := joingraph.New(m, testutil.NewTestLogger(t))
	require.NoError(t, err)
	if opts.SecurityContext == nil {
		opts.SecurityContext = map[string]any{"tenant_id": 7}
	}
	opts.Logger = testutil.NewTestLogger(t)
	return query.NewEnv(m, g, d, opts)
}

func prepare(t *testing.T, env *query.Env, js string) (*query.Prepared, error) {
	t.Helper()
	q, err := core.ParseQuery([]byte(js))
	require.NoError(t, err)
	return query.Prepare(env, q)
}

func compileWith(t *testing.T, d *dialect.Dialect, opts query.Options, js string) (string, []any, error) {
	t.Helper()
	env := newEnv(t, d, opts)
	p, err := prepare(t, env, js)
	if err != nil {
		return "", nil, err
	}
	stmt, err := query.Build(p)
	if err != nil {
		return "", nil, err
	}
	return format.Render(stmt, d, env.Params)
}

func compile(t *testing.T, js string) (string, []any) {
	t.Helper()
	sql, args, err := compileWith(t, postgres.Postgres, query.Options{}, js)
	require.NoError(t, err)
	return sql, args
}

func assertContains(t *testing.T, sql string, fragments ...string) {
	t.Helper()
	for _, f := range fragments {
		assert.Contains(t, sql, f)
	}
}

func TestBuild_Simple(t *testing.T) {
	sql, args := compile(t, `{
		"measures": ["orders.count"],
		"dimensions": ["orders.status"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "month", "dateRange": ["2024-01-01", "2024-03-31"]}]
	}`)

	assertContains(t, sql,
		`"orders".status AS "orders__status"`,
		`date_trunc('month', "orders".created_at) AS "orders__created_at_month"`,
		`count(*) AS "orders__count"`,
		`FROM public.orders AS "orders"`,
		`"orders".created_at >= $1::timestamptz AND "orders".created_at <= $2::timestamptz`,
		"LIMIT 10000",
	)
	assert.NotContains(t, sql, "JOIN")
	assert.Equal(t, []any{"2024-01-01T00:00:00.000Z", "2024-03-31T23:59:59.999Z"}, args)
	snapshotter.SnapshotT(t, sql)
}

func TestBuild_Timezone(t *testing.T) {
	sql, args := compile(t, `{
		"measures": ["orders.count"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "day", "dateRange": ["2024-01-01", "2024-01-07"]}],
		"timezone": "America/New_York"
	}`)
	assert.Contains(t, sql, `date_trunc('day', ("orders".created_at::timestamptz AT TIME ZONE 'America/New_York'))`)
	assert.Equal(t, []any{"2024-01-01T05:00:00.000Z", "2024-01-08T04:59:59.999Z"}, args)
}

func TestBuild_Filters(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		contains string
		args     []any
	}{
		{
			name:   "equals",
			filter: `{"member": "orders.status", "operator": "equals", "values": ["completed"]}`,
			contains: `WHERE
  "orders".status = $1`,
			args: []any{"completed"},
		},
		{
			name:     "equals many",
			filter:   `{"member": "orders.status", "operator": "equals", "values": ["completed", "shipped"]}`,
			contains: `"orders".status IN ($1,$2)`,
			args:     []any{"completed", "shipped"},
		},
		{
			name:     "not equals keeps nulls",
			filter:   `{"member": "orders.status", "operator": "notEquals", "values": ["completed"]}`,
			contains: `("orders".status <> $1 OR "orders".status IS NULL)`,
			args:     []any{"completed"},
		},
		{
			name:     "contains is case insensitive",
			filter:   `{"member": "orders.status", "operator": "contains", "values": ["Comp"]}`,
			contains: `LOWER("orders".status) LIKE $1`,
			args:     []any{"%comp%"},
		},
		{
			name:     "starts with",
			filter:   `{"member": "orders.status", "operator": "startsWith", "values": ["ship"]}`,
			contains: `LOWER("orders".status) LIKE $1`,
			args:     []any{"ship%"},
		},
		{
			name:     "number comparison",
			filter:   `{"member": "orders.amount", "operator": "gt", "values": ["100"]}`,
			contains: `"orders".amount > $1`,
			args:     []any{int64(100)},
		},
		{
			name:     "set",
			filter:   `{"member": "orders.status", "operator": "set"}`,
			contains: `"orders".status IS NOT NULL`,
		},
		{
			name:     "not set",
			filter:   `{"member": "orders.status", "operator": "notSet"}`,
			contains: `"orders".status IS NULL`,
		},
		{
			name:     "in date range",
			filter:   `{"member": "orders.created_at", "operator": "inDateRange", "values": ["2024-01-01", "2024-01-31"]}`,
			contains: `"orders".created_at >= $1::timestamptz AND "orders".created_at <= $2::timestamptz`,
			args:     []any{"2024-01-01T00:00:00.000Z", "2024-01-31T23:59:59.999Z"},
		},
		{
			name:     "before date",
			filter:   `{"member": "orders.created_at", "operator": "beforeDate", "values": ["2024-01-01"]}`,
			contains: `"orders".created_at < $1::timestamptz`,
			args:     []any{"2024-01-01T00:00:00.000Z"},
		},
		{
			name:     "after date",
			filter:   `{"member": "orders.created_at", "operator": "afterDate", "values": ["2024-01-01"]}`,
			contains: `"orders".created_at > $1::timestamptz`,
			args:     []any{"2024-01-01T23:59:59.999Z"},
		},
		{
			name:   "measure filter goes to having",
			filter: `{"member": "orders.count", "operator": "gt", "values": ["10"]}`,
			contains: `HAVING
  count(*) > $1`,
			args: []any{int64(10)},
		},
		{
			name:   "measureFilter applies the measure filters",
			filter: `{"member": "orders.completed_count", "operator": "measureFilter"}`,
			contains: `WHERE
  ("orders".status = 'completed')`,
		},
		{
			name: "or group",
			filter: `{"or": [
				{"member": "orders.status", "operator": "equals", "values": ["a"]},
				{"member": "orders.amount", "operator": "lt", "values": ["5.5"]}
			]}`,
			contains: `("orders".status = $1 OR "orders".amount < $2)`,
			args:     []any{"a", 5.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := compile(t, `{"measures": ["orders.count"], "filters": [`+tt.filter+`]}`)
			assert.Contains(t, sql, tt.contains)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestBuild_FilterErrors(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{
			name: "mixed or",
			query: `{"measures": ["orders.count"], "filters": [{"or": [
				{"member": "orders.status", "operator": "equals", "values": ["a"]},
				{"member": "orders.count", "operator": "gt", "values": ["1"]}
			]}]}`,
			wantErr: "You cannot use dimension and measure in same condition",
		},
		{
			name:    "missing values",
			query:   `{"measures": ["orders.count"], "filters": [{"member": "orders.status", "operator": "equals"}]}`,
			wantErr: "requires values",
		},
		{
			name:    "unknown operator",
			query:   `{"measures": ["orders.count"], "filters": [{"member": "orders.status", "operator": "like", "values": ["a"]}]}`,
			wantErr: "unknown filter operator",
		},
		{
			name:    "reversed dateRange",
			query:   `{"measures": ["orders.count"], "timeDimensions": [{"dimension": "orders.created_at", "granularity": "day", "dateRange": ["2024-02-01", "2024-01-01"]}]}`,
			wantErr: "start 2024-02-01 is after end 2024-01-01",
		},
		{
			name:    "reversed compareDateRange",
			query:   `{"measures": ["orders.count"], "timeDimensions": [{"dimension": "orders.created_at", "compareDateRange": [["2024-01-01", "2024-01-31"], ["2023-12-31", "2023-12-01"]]}]}`,
			wantErr: "is after end",
		},
		{
			name:    "reversed inDateRange filter",
			query:   `{"measures": ["orders.count"], "filters": [{"member": "orders.created_at", "operator": "inDateRange", "values": ["2024-01-31", "2024-01-01"]}]}`,
			wantErr: "start 2024-01-31 is after end 2024-01-01",
		},
		{
			name:    "bad number",
			query:   `{"measures": ["orders.count"], "filters": [{"member": "orders.amount", "operator": "gt", "values": ["lots"]}]}`,
			wantErr: "invalid number",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := compileWith(t, postgres.Postgres, query.Options{}, tt.query)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, core.IsUserError(err))
		})
	}
}

func TestBuild_AndGroupIsSplit(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.count"], "dimensions": ["orders.status"], "filters": [{"and": [
		{"member": "orders.status", "operator": "equals", "values": ["a"]},
		{"member": "orders.count", "operator": "gt", "values": ["1"]}
	]}]}`)
	assertContains(t, sql, `WHERE
  "orders".status = $1`, `HAVING
  count(*) > $2`)
}

func TestBuild_Segment(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.count"], "segments": ["orders.completed"]}`)
	assert.Contains(t, sql, `"orders".status = 'completed'`)
}

func TestBuild_SecurityContext(t *testing.T) {
	sql, args := compile(t, `{"measures": ["customers.count"], "dimensions": ["customers.city"]}`)
	assert.Contains(t, sql, "SELECT * FROM public.customers WHERE tenant_id = $1")
	assert.NotContains(t, sql, "tenant_id = tenant_id")
	assert.Len(t, args, 1)

	sql, args, err := compileWith(t, postgres.Postgres, query.Options{SecurityContext: map[string]any{}},
		`{"measures": ["customers.count"], "dimensions": ["customers.city"]}`)
	require.NoError(t, err)
	assert.Contains(t, sql, "SELECT * FROM public.customers WHERE 1 = 1")
	assert.Empty(t, args)
}

func TestBuild_MultipliedMeasure(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["customers.count"], "dimensions": ["orders.status"]}`)
	assertContains(t, sql,
		"SELECT DISTINCT",
		`"customers".id AS "customers__pk"`,
		`"keys"."customers__pk" = "customers".id`,
		`count("customers".id) AS "customers__count"`,
		`"q_0"."customers__count" AS "customers__count"`,
	)
	snapshotter.SnapshotT(t, sql)
}

func TestBuild_FullKeyJoin(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.count", "line_items.count"], "dimensions": ["orders.status"]}`)
	assertContains(t, sql,
		`count("line_items".id) AS "line_items__count"`,
		`count("orders".id) AS "orders__count"`,
		"INNER JOIN",
		`("q_0"."orders__status" = "q_1"."orders__status" OR ("q_0"."orders__status" IS NULL AND "q_1"."orders__status" IS NULL))`,
		`"q_1"."orders__count" AS "orders__count"`,
		`"q_0"."line_items__count" AS "line_items__count"`,
	)
	snapshotter.SnapshotT(t, sql)
}

func TestBuild_FullKeyWithoutDimensions(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.count", "line_items.count"]}`)
	assert.Contains(t, sql, "CROSS JOIN")
}

func TestBuild_CalculatedMeasureOverSubqueries(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.amount_per_order", "line_items.total_price"], "dimensions": ["orders.status"]}`)
	assert.Contains(t, sql, `"q_1"."orders__total_amount" / NULLIF("q_1"."orders__count", 0) AS "orders__amount_per_order"`)
}

func TestBuild_Rolling(t *testing.T) {
	sql, args := compile(t, `{
		"measures": ["orders.rolling_count_month"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "month", "dateRange": ["2024-01-01", "2024-03-31"]}]
	}`)
	assertContains(t, sql,
		`AS "series" ("date_from", "date_to")`,
		`date_trunc('month', "orders".created_at) AS "rolling_time"`,
		`sum("base"."orders__rolling_count_month") AS "orders__rolling_count_month"`,
		`"series"."date_from" AS "orders__created_at_month"`,
	)
	// three buckets plus the series bounds
	assert.Len(t, args, 8)
	assert.Equal(t, "2024-01-01T00:00:00.000", args[0])
	snapshotter.SnapshotT(t, sql)
}

func TestBuild_RollingWindowsShareSubqueries(t *testing.T) {
	sql, _ := compile(t, `{
		"measures": ["orders.cumulative_amount", "orders.amount_wtd", "orders.count"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "week", "dateRange": ["2024-01-01", "2024-01-28"]}]
	}`)
	assertContains(t, sql, `AS "q_0"`, `AS "q_1"`, `AS "q_2"`)
	assert.NotContains(t, sql, `AS "q_3"`)
}

func TestBuild_RollingWithoutGranularity(t *testing.T) {
	sql, args := compile(t, `{
		"measures": ["orders.cumulative_amount"],
		"timeDimensions": [{"dimension": "orders.created_at", "dateRange": ["2024-01-01", "2024-01-31"]}]
	}`)
	assert.Contains(t, sql, `sum("base"."orders__cumulative_amount")`)
	assert.Equal(t, "2024-01-01T00:00:00.000", args[0])
	assert.Equal(t, "2024-01-31T23:59:59.999", args[1])
}

func TestBuild_RollingRequiresDateRange(t *testing.T) {
	_, _, err := compileWith(t, postgres.Postgres, query.Options{}, `{
		"measures": ["orders.rolling_count_month"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "month"}]
	}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a dateRange")
}

func TestBuild_SubQueryDimension(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.count"], "dimensions": ["orders.line_item_count"]}`)
	assertContains(t, sql,
		`AS "orders_line_item_count_subquery" ON "orders".id = "orders_line_item_count_subquery"."orders__id"`,
		`"orders_line_item_count_subquery"."line_items__count" AS "orders__line_item_count"`,
		`count("line_items".id) AS "line_items__count"`,
	)
	snapshotter.SnapshotT(t, sql)
}

func TestBuild_SubQueryDimensionContract(t *testing.T) {
	env := func(t *testing.T) *query.Env {
		m := testutil.CompileModel(t, `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: bad
        sql: "{total}"
        type: number
        sub_query: true
    measures:
      - name: total
        sql: x
        type: sum
`)
		g, err := joingraph.New(m, testutil.NewTestLogger(t))
		require.NoError(t, err)
		return query.NewEnv(m, g, postgres.Postgres, query.Options{})
	}(t)

	p, err := prepare(t, env, `{"measures": ["a.total"], "dimensions": ["a.bad"]}`)
	require.NoError(t, err)
	_, err = query.Build(p)
	require.Error(t, err)
	kind, ok := core.ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindSubqueryContract, kind)
	assert.Contains(t, err.Error(), "Sub query dimension 'a.bad' must reference a measure of another cube")
}

func TestBuild_Ungrouped(t *testing.T) {
	sql, _ := compile(t, `{"measures": ["orders.total_amount"], "dimensions": ["orders.status"], "ungrouped": true, "limit": 20}`)
	assertContains(t, sql, `"orders".amount AS "orders__total_amount"`, "LIMIT 20")
	assert.NotContains(t, sql, "GROUP BY")

	_, _, err := compileWith(t, postgres.Postgres, query.Options{MaxLimit: 100},
		`{"measures": ["orders.count"], "ungrouped": true, "limit": 1000}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the maximum row limit")
}

func TestBuild_CompareDateRange(t *testing.T) {
	sql, args := compile(t, `{
		"measures": ["orders.count"],
		"timeDimensions": [{
			"dimension": "orders.created_at",
			"granularity": "day",
			"compareDateRange": [["2024-01-01", "2024-01-31"], ["2023-01-01", "2023-01-31"]]
		}]
	}`)
	assertContains(t, sql,
		"UNION ALL",
		`'2024-01-01T00:00:00.000 - 2024-01-31T23:59:59.999' AS "compare_date_range"`,
		`'2023-01-01T00:00:00.000 - 2023-01-31T23:59:59.999' AS "compare_date_range"`,
	)
	assert.Len(t, args, 4)
}

func TestCountAll(t *testing.T) {
	env := newEnv(t, postgres.Postgres, query.Options{})
	p, err := prepare(t, env, `{"measures": ["orders.count"], "dimensions": ["orders.status"], "limit": 5}`)
	require.NoError(t, err)
	stmt, err := query.Build(p)
	require.NoError(t, err)

	total := format.Format(query.CountAll(stmt), postgres.Postgres)
	assertContains(t, total, `count(*) AS "total_count"`, `AS "original_query"`)
	assert.NotContains(t, total, "LIMIT")
	assert.Equal(t, 5, *stmt.Limit, "the original statement keeps its limit")
}

func TestPrepare_OrderAndLimit(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		opts      query.Options
		wantOrder []query.OrderItem
		wantLimit int
	}{
		{
			name:      "measure descending by default",
			query:     `{"measures": ["orders.count"], "dimensions": ["orders.status"]}`,
			wantOrder: []query.OrderItem{{Alias: "orders__count", Desc: true}},
			wantLimit: query.DefaultRowLimit,
		},
		{
			name:      "time dimension first",
			query:     `{"measures": ["orders.count"], "timeDimensions": [{"dimension": "orders.created_at", "granularity": "day"}]}`,
			wantOrder: []query.OrderItem{{Alias: "orders__created_at_day"}},
			wantLimit: query.DefaultRowLimit,
		},
		{
			name:      "dimension ascending without measures",
			query:     `{"dimensions": ["orders.status"]}`,
			wantOrder: []query.OrderItem{{Alias: "orders__status"}},
			wantLimit: query.DefaultRowLimit,
		},
		{
			name:      "explicit order by time dimension path",
			query:     `{"measures": ["orders.count"], "timeDimensions": [{"dimension": "orders.created_at", "granularity": "day"}], "order": [["orders.created_at", "desc"]]}`,
			wantOrder: []query.OrderItem{{Alias: "orders__created_at_day", Desc: true}},
			wantLimit: query.DefaultRowLimit,
		},
		{
			name:      "limit is capped",
			query:     `{"measures": ["orders.count"], "limit": 100000}`,
			wantOrder: []query.OrderItem{{Alias: "orders__count", Desc: true}},
			wantLimit: query.MaxRowLimit,
		},
		{
			name:      "default limit follows options",
			query:     `{"measures": ["orders.count"]}`,
			opts:      query.Options{DefaultLimit: 50},
			wantOrder: []query.OrderItem{{Alias: "orders__count", Desc: true}},
			wantLimit: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := prepare(t, newEnv(t, postgres.Postgres, tt.opts), tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOrder, p.Order)
			require.NotNil(t, p.Limit)
			assert.Equal(t, tt.wantLimit, *p.Limit)
		})
	}
}

func TestPrepare_Errors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantKind core.ErrorKind
		wantErr  string
	}{
		{
			name:     "unknown member",
			query:    `{"measures": ["orders.nope"]}`,
			wantKind: core.KindMemberResolution,
			wantErr:  "orders.nope",
		},
		{
			name:     "dimension used as measure",
			query:    `{"measures": ["orders.status"]}`,
			wantKind: core.KindMemberResolution,
			wantErr:  "expected a measure",
		},
		{
			name:     "not a time dimension",
			query:    `{"measures": ["orders.count"], "timeDimensions": [{"dimension": "orders.status", "granularity": "day"}]}`,
			wantKind: core.KindMemberResolution,
			wantErr:  "is not a time dimension",
		},
		{
			name:     "offset with custom granularity",
			query:    `{"measures": ["orders.count"], "timeDimensions": [{"dimension": "orders.created_at", "granularity": "half_year", "offset": "1 month"}]}`,
			wantKind: core.KindGranularityConflict,
			wantErr:  "Query-time offset parameter cannot be used with custom granularity 'half_year'",
		},
		{
			name:     "order by unknown column",
			query:    `{"measures": ["orders.count"], "order": {"orders.status": "asc"}}`,
			wantKind: core.KindQuery,
			wantErr:  "not part of the query",
		},
		{
			name:     "unjoinable cubes",
			query:    `{"measures": ["orders.count", "visitors.visitor_count"]}`,
			wantKind: core.KindJoinResolution,
			wantErr:  "Can't find join path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := prepare(t, newEnv(t, postgres.Postgres, query.Options{}), tt.query)
			require.Error(t, err)
			kind, ok := core.ErrorKindOf(err)
			require.True(t, ok, "expected a user error, got %v", err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPrepared_RenderFilter(t *testing.T) {
	env := newEnv(t, postgres.Postgres, query.Options{})
	p, err := prepare(t, env, `{"measures": ["orders.count"], "filters": [
		{"member": "orders.status", "operator": "equals", "values": ["completed"]},
		{"and": [{"member": "orders.status", "operator": "notSet"}]}
	]}`)
	require.NoError(t, err)

	sql, ok, err := p.RenderFilter("orders.status", "status")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "status = $0$ AND status IS NULL", sql)

	_, ok, err = p.RenderFilter("orders.amount", "amount")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuild_QueryOffset(t *testing.T) {
	sql, _ := compile(t, `{
		"measures": ["orders.count"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "day", "offset": "2 hours"}]
	}`)
	assert.Contains(t, sql, `date_trunc('day', `)
	assert.Contains(t, sql, "2 hour")
}

func TestBuild_OriginalSQLPreAggregation(t *testing.T) {
	m := testutil.CompileModel(t, `
cubes:
  - name: events
    sql: "SELECT * FROM raw.events"
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
    measures:
      - name: count
        type: count
    pre_aggregations:
      - name: main
        type: original_sql
`)
	g, err := joingraph.New(m, testutil.NewTestLogger(t))
	require.NoError(t, err)
	env := query.NewEnv(m, g, postgres.Postgres, query.Options{
		UseOriginalSQLPreAggregations: true,
		PreAggregationsSchema:         "pre_aggs",
	})
	p, err := prepare(t, env, `{"measures": ["events.count"]}`)
	require.NoError(t, err)
	stmt, err := query.Build(p)
	require.NoError(t, err)
	sql := format.Format(stmt, env.Dialect)
	assert.Contains(t, sql, `FROM pre_aggs.events_main AS "events"`)
	assert.NotContains(t, sql, "raw.events")
}

func TestBuild_Dialects(t *testing.T) {
	dialects := []*dialect.Dialect{postgres.Postgres, bigquery.BigQuery, presto.Presto, duckdb.DuckDB}
	q := `{
		"measures": ["orders.count", "orders.rolling_count_month"],
		"dimensions": ["orders.status"],
		"timeDimensions": [{"dimension": "orders.created_at", "granularity": "month", "dateRange": ["2024-01-01", "2024-02-29"]}],
		"filters": [{"member": "orders.status", "operator": "contains", "values": ["a"]}],
		"timezone": "Europe/Berlin",
		"limit": 10,
		"offset": 5
	}`
	for _, d := range dialects {
		t.Run(d.Name, func(t *testing.T) {
			sql, args, err := compileWith(t, d, query.Options{}, q)
			require.NoError(t, err)
			assert.NotEmpty(t, args)
			assert.False(t, strings.Contains(sql, "$0$"), "markers must be bound")
			snapshotter.SnapshotT(t, sql)
		})
	}
}
