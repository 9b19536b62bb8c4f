package compiler_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/internal/testutil"
	"github.com/leapstack-labs/leapcube/pkg/compiler"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

func newCompiler(t *testing.T, opts compiler.Options) *compiler.Compiler {
	t.Helper()
	opts.Logger = testutil.NewTestLogger(t)
	c, err := compiler.New(testutil.ShopModel(t), opts)
	require.NoError(t, err)
	return c
}

func parse(t *testing.T, js string) *core.Query {
	t.Helper()
	q, err := core.ParseQuery([]byte(js))
	require.NoError(t, err)
	return q
}

func TestNew(t *testing.T) {
	_, err := compiler.New(nil, compiler.Options{})
	require.ErrorIs(t, err, compiler.ErrNilModel)

	_, err = compiler.New(testutil.ShopModel(t), compiler.Options{Dialect: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown dialect "oracle"`)

	for _, name := range []string{"postgres", "bigquery", "presto", "duckdb"} {
		t.Run(name, func(t *testing.T) {
			c := newCompiler(t, compiler.Options{Dialect: name})
			assert.Equal(t, name, c.Dialect().Name)
		})
	}
}

func TestCompile(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	res, err := c.Compile(context.Background(), parse(t, `{
		"measures": ["orders.avg_amount"],
		"dimensions": ["orders.status"],
		"filters": [{"member": "orders.status", "operator": "equals", "values": ["completed"]}]
	}`))
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Contains(t, res.SQL, `FROM public.orders AS "orders"`)
	assert.Equal(t, []any{"completed"}, res.Params)
	assert.Contains(t, res.SQL, "LIMIT 10000")
	assert.Empty(t, res.PreAggregations)
	assert.Empty(t, res.TotalSQL)
	assert.Equal(t, []compiler.Column{
		{Member: "orders.status", Alias: "orders__status", Kind: "dimension"},
		{Member: "orders.avg_amount", Alias: "orders__avg_amount", Kind: "measure"},
	}, res.Aliases)
}

func TestCompile_PreAggregation(t *testing.T) {
	js := `{"measures": ["orders.count"], "dimensions": ["orders.status"], "timeDimensions": [{"dimension": "orders.created_at", "granularity": "week"}]}`

	c := newCompiler(t, compiler.Options{PreAggregationsSchema: "pre_aggs"})
	res, err := c.Compile(context.Background(), parse(t, js))
	require.NoError(t, err)
	assert.Contains(t, res.SQL, `FROM pre_aggs.orders_orders_by_day AS "orders__orders_by_day"`)
	require.Len(t, res.PreAggregations, 1)
	assert.Equal(t, "orders.orders_by_day", res.PreAggregations[0].PreAggregationID)
	assert.Equal(t, "pre_aggs.orders_orders_by_day", res.PreAggregations[0].TableName)

	off := newCompiler(t, compiler.Options{DisablePreAggregations: true})
	res, err = off.Compile(context.Background(), parse(t, js))
	require.NoError(t, err)
	assert.Contains(t, res.SQL, "FROM public.orders")
	assert.Empty(t, res.PreAggregations)
}

func TestCompile_ForcedPreAggregation(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	_, err := c.Compile(context.Background(), parse(t, `{
		"measures": ["orders.avg_amount"],
		"preAggregationId": "orders.orders_by_day"
	}`))
	require.Error(t, err)
	assert.True(t, core.IsUserError(err))
	assert.Contains(t, err.Error(), "can't be used for this query")
}

func TestCompile_Total(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	res, err := c.Compile(context.Background(), parse(t, `{
		"measures": ["orders.avg_amount"],
		"dimensions": ["orders.status"],
		"limit": 5,
		"total": true
	}`))
	require.NoError(t, err)
	assert.Contains(t, res.TotalSQL, "total_count")
	assert.Contains(t, res.TotalSQL, "original_query")
	assert.NotContains(t, res.TotalSQL, "LIMIT")
	assert.Contains(t, res.SQL, "LIMIT")
}

func TestCompile_SecurityContext(t *testing.T) {
	c := newCompiler(t, compiler.Options{SecurityContext: map[string]any{"tenant_id": "default"}})
	q := parse(t, `{"measures": ["customers.count"]}`)

	res, err := c.Compile(context.Background(), q)
	require.NoError(t, err)
	assert.Contains(t, res.SQL, "tenant_id = $1")
	assert.Equal(t, "default", res.Params[0])

	ctx := compiler.WithSecurityContext(context.Background(), map[string]any{"tenant_id": "acme"})
	res, err = c.Compile(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "acme", res.Params[0])
}

func TestCompile_MultiStage(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	res, err := c.Compile(context.Background(), parse(t, `{
		"measures": ["visitors.percentage_of_total"],
		"dimensions": ["visitors.source"]
	}`))
	require.NoError(t, err)
	assert.Contains(t, res.SQL, "WITH")
	assert.Contains(t, res.SQL, "cte_")
}

func TestCompile_Cancelled(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Compile(ctx, parse(t, `{"measures": ["orders.count"]}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestCompile_Concurrent(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	js := `{"measures": ["orders.total_amount", "orders.avg_amount"], "dimensions": ["orders.status"], "filters": [{"member": "orders.amount", "operator": "gt", "values": ["5"]}]}`
	want, err := c.Compile(context.Background(), parse(t, js))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Compile(context.Background(), parse(t, js))
			if err != nil {
				errs <- err
				return
			}
			if res.SQL != want.SQL {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCompileBatch(t *testing.T) {
	c := newCompiler(t, compiler.Options{BatchLimit: 2})
	queries := []*core.Query{
		parse(t, `{"measures": ["orders.count"]}`),
		parse(t, `{"measures": ["customers.count"]}`),
		parse(t, `{"measures": ["line_items.count"]}`),
	}
	results, err := c.CompileBatch(compiler.WithSecurityContext(context.Background(), map[string]any{"tenant_id": 1}), queries)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Contains(t, results[0].SQL, `"orders__count"`)
	assert.Contains(t, results[1].SQL, `"customers__count"`)
	assert.Contains(t, results[2].SQL, `"line_items__count"`)

	queries[1] = parse(t, `{"measures": ["customers.nope"]}`)
	_, err = c.CompileBatch(context.Background(), queries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query 1")
	kind, ok := core.ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindMemberResolution, kind)
}

func TestJoinPath(t *testing.T) {
	c := newCompiler(t, compiler.Options{})

	res, err := c.JoinPath([]string{"orders", "products"})
	require.NoError(t, err)
	assert.Equal(t, "orders", res.Root)
	assert.Equal(t, []compiler.JoinStep{
		{From: "orders", To: "line_items", Relationship: model.HasMany},
		{From: "line_items", To: "products", Relationship: model.BelongsTo},
	}, res.Joins)

	_, err = c.JoinPath([]string{"orders", "nope"})
	require.Error(t, err)
	kind, _ := core.ErrorKindOf(err)
	assert.Equal(t, core.KindJoinResolution, kind)

	comps := c.Components()
	assert.Equal(t, comps["orders"], comps["products"])
}

func TestDescribe(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	descs, err := c.Describe(context.Background(), "UTC")
	require.NoError(t, err)
	var ids []string
	for _, d := range descs {
		ids = append(ids, d.PreAggregationID)
	}
	assert.Contains(t, ids, "orders.orders_by_day")
	assert.Contains(t, ids, "orders.orders_by_month")
	assert.Contains(t, ids, "orders.distinct_by_status")
}

func TestMeta(t *testing.T) {
	c := newCompiler(t, compiler.Options{})
	meta := c.Meta()

	byName := make(map[string]compiler.CubeMeta)
	for _, cm := range meta {
		byName[cm.Name] = cm
	}
	orders, ok := byName["orders"]
	require.True(t, ok)
	assert.Equal(t, "cube", orders.Type)
	assert.Equal(t, "Orders", orders.Title)
	assert.Equal(t, byName["customers"].Component, orders.Component)

	var created compiler.MemberMeta
	for _, d := range orders.Dimensions {
		if d.Name == "orders.created_at" {
			created = d
		}
	}
	assert.Equal(t, "Created At", created.Title)
	assert.Contains(t, created.Granularities, "month")
	assert.Contains(t, created.Granularities, "half_year")

	var titles []string
	for _, ms := range orders.Measures {
		titles = append(titles, ms.Title)
	}
	assert.Contains(t, titles, "Total Amount")
	require.NotEmpty(t, orders.Segments)
	assert.Equal(t, "orders.completed", orders.Segments[0].Name)
}
