package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/internal/testutil"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

func compile(t *testing.T, doc string) (*model.Model, error) {
	t.Helper()
	f, err := model.ParseFile([]byte(doc), "test.yml")
	require.NoError(t, err)
	return model.Compile(f)
}

func TestCompile_ShopFixture(t *testing.T) {
	m := testutil.ShopModel(t)

	orders, ok := m.Cube("orders")
	require.True(t, ok)
	require.Len(t, orders.PrimaryKeys, 1)
	assert.Equal(t, "id", orders.PrimaryKeys[0].Name)
	assert.Equal(t, model.BelongsTo, orders.Join("customers").Relationship)
	assert.Equal(t, model.HasMany, orders.Join("line_items").Relationship)
	assert.Equal(t, model.MeasureCountDistinct, orders.Measure("unique_customers").Type)
	assert.Equal(t, model.MeasureCountDistinctApprox, orders.Measure("approx_customers").Type)

	t.Run("custom granularities", func(t *testing.T) {
		created := orders.Dimension("created_at")
		g, err := created.Granularity("half_year")
		require.NoError(t, err)
		assert.False(t, g.Standard)
		_, err = created.Granularity("day")
		require.NoError(t, err)
		_, err = created.Granularity("fortnight")
		require.Error(t, err)
		kind, _ := core.ErrorKindOf(err)
		assert.Equal(t, core.KindMemberResolution, kind)
	})

	t.Run("rolling windows", func(t *testing.T) {
		assert.NotNil(t, orders.Measure("rolling_count_month").Window)
		assert.True(t, orders.Measure("cumulative_amount").Window.TrailingUnbounded)
		wtd := orders.Measure("amount_wtd")
		assert.Nil(t, wtd.Window)
		assert.True(t, wtd.RollingWindow.ToDate())
		assert.Equal(t, "week", wtd.RollingWindow.ToDateGranularity())
	})

	t.Run("multi-stage flags", func(t *testing.T) {
		visitors, _ := m.Cube("visitors")
		assert.True(t, visitors.Measure("revenue_rank").IsMultiStage())
		assert.True(t, visitors.Measure("revenue_day_ago").IsMultiStage())
		assert.False(t, visitors.Measure("cagr_day").IsMultiStage())
		assert.True(t, visitors.Measure("visitors_revenue_total").GroupBy.Set)
		assert.Empty(t, visitors.Measure("visitors_revenue_total").GroupBy.Names)
		assert.False(t, visitors.Measure("second_rank_sum").GroupBy.Set)

		shift := visitors.Measure("revenue_day_ago").TimeShift[0]
		assert.Equal(t, core.Interval{{Value: 1, Unit: core.UnitDay}}, shift.Shift)
	})

	t.Run("pre-aggregation refs", func(t *testing.T) {
		p := orders.PreAggregation("orders_by_day")
		require.NotNil(t, p)
		assert.Equal(t, model.PreAggRollup, p.Type)
		require.Len(t, p.MeasureRefs, 4)
		assert.Equal(t, "orders.count", p.MeasureRefs[0].String())
		require.NotNil(t, p.TimeRef)
		assert.Equal(t, "orders.created_at", p.TimeRef.String())
	})
}

func TestCompile_View(t *testing.T) {
	m := testutil.ShopModel(t)
	view, ok := m.Cube("orders_view")
	require.True(t, ok)
	assert.True(t, view.IsView)

	assert.Nil(t, view.Member("customer_city"), "excluded member")

	count := view.Measure("count")
	require.NotNil(t, count)
	require.NotNil(t, count.Proxy)
	assert.Equal(t, "orders.count", count.Proxy.Path())
	assert.Equal(t, []string{"orders"}, count.Proxy.JoinPath)
	assert.Equal(t, "orders_view.count", count.Path())

	name := view.Dimension("customers_name")
	require.NotNil(t, name)
	assert.Equal(t, []string{"orders", "customers"}, name.Proxy.JoinPath)

	town := view.Dimension("customers_town")
	require.NotNil(t, town)
	assert.Equal(t, "customers.city", town.Proxy.Path())
	assert.Equal(t, "customers.city", m.Underlying(town).Path())

	assert.Empty(t, view.PrimaryKeys)
}

func TestCompile_Extends(t *testing.T) {
	m, err := compile(t, `
cubes:
  - name: base_events
    sql_table: events
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: kind
        sql: kind
        type: string
    measures:
      - name: count
        type: count
    pre_aggregations:
      - name: by_kind
        measures: [count]
        dimensions: [kind]
  - name: clicks
    extends: base_events
    sql: "SELECT * FROM events WHERE kind = 'click'"
    dimensions:
      - name: kind
        sql: "'click'"
        type: string
      - name: target
        sql: target
        type: string
`)
	require.NoError(t, err)

	clicks, _ := m.Cube("clicks")
	assert.Equal(t, "", clicks.SQLTable)
	assert.NotNil(t, clicks.Tmpl)
	require.Len(t, clicks.Dimensions, 3)
	assert.Equal(t, []string{"id", "kind", "target"}, []string{clicks.Dimensions[0].Name, clicks.Dimensions[1].Name, clicks.Dimensions[2].Name})
	assert.Equal(t, "'click'", clicks.Dimension("kind").SQL)
	assert.Same(t, clicks, clicks.Measure("count").Cube)
	assert.Len(t, clicks.PrimaryKeys, 1)

	p := clicks.PreAggregation("by_kind")
	require.NotNil(t, p)
	assert.Same(t, clicks, p.Cube)
	assert.Equal(t, "clicks.kind", p.DimensionRefs[0].String())

	base, _ := m.Cube("base_events")
	assert.Same(t, base, base.Measure("count").Cube)
	assert.Equal(t, "base_events.kind", base.PreAggregation("by_kind").DimensionRefs[0].String())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msgs []string
	}{
		{
			name: "duplicate member across kinds",
			doc: `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - {name: status, sql: status, type: string}
    measures:
      - {name: status, type: count}
`,
			msgs: []string{"a cube: Duplicate property parsing status"},
		},
		{
			name: "unknown parent",
			doc: `
cubes:
  - name: a
    sql_table: a
    extends: ghost
`,
			msgs: []string{"Cube a extends unknown cube ghost"},
		},
		{
			name: "circular extends",
			doc: `
cubes:
  - {name: a, sql_table: a, extends: b}
  - {name: b, sql_table: b, extends: a}
`,
			msgs: []string{"has a circular extends chain"},
		},
		{
			name: "direct self reference",
			doc: `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - {name: x, sql: "{CUBE.x} + 1", type: number}
`,
			msgs: []string{"Member 'a.x' references itself (a.x -> a.x)"},
		},
		{
			name: "indirect self reference",
			doc: `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - {name: x, sql: "{y} + 1", type: number}
      - {name: y, sql: "{x} * 2", type: number}
`,
			msgs: []string{"references itself", "a.x", "a.y"},
		},
		{
			name: "unknown relationship",
			doc: `
cubes:
  - name: a
    sql_table: a
    joins:
      - {name: b, sql: "{CUBE}.b_id = {b}.id", relationship: sideways}
  - {name: b, sql_table: b}
`,
			msgs: []string{"Unknown relationship sideways in join to b"},
		},
		{
			name: "incremental refresh without partitions",
			doc: `
cubes:
  - name: a
    sql_table: a
    measures:
      - {name: count, type: count}
    pre_aggregations:
      - name: r
        measures: [count]
        refresh_key: {every: 1 day, incremental: true}
`,
			msgs: []string{"Incremental refresh key can only be used for partitioned pre-aggregations"},
		},
		{
			name: "switch without values",
			doc: `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - {name: mode, type: switch}
`,
			msgs: []string{"switch dimension must declare values"},
		},
		{
			name: "custom granularity with origin and offset",
			doc: `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - name: ts
        sql: ts
        type: time
        granularities:
          - {name: odd, interval: 1 week, origin: "2024-01-03", offset: 1 day}
`,
			msgs: []string{"a cube > ts"},
		},
		{
			name: "pre-aggregation references a dimension as a measure",
			doc: `
cubes:
  - name: a
    sql_table: a
    dimensions:
      - {name: status, sql: status, type: string}
    pre_aggregations:
      - {name: r, measures: [status]}
`,
			msgs: []string{"a.status is a dimension, expected a measure"},
		},
		{
			name: "view over unknown cube",
			doc: `
cubes:
  - {name: a, sql_table: a}
views:
  - name: v
    cubes:
      - {join_path: a.ghost, includes: "*"}
`,
			msgs: []string{"v view: join_path a.ghost references unknown cube ghost"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := compile(t, tt.doc)
			require.Error(t, err)
			assert.Nil(t, m)

			var mce *core.ModelCompileError
			require.True(t, errors.As(err, &mce))
			for _, msg := range tt.msgs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestParseFile_Strict(t *testing.T) {
	_, err := model.ParseFile([]byte(`
cubes:
  - name: a
    sql_table: a
    colour: blue
`), "strict.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict.yml")

	_, err = model.ParseFile([]byte(`
cubes:
  - name: a
    sql_table: a
    measures:
      - {name: total, sql: x, type: summ}
`), "types.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")
}

func TestResolveRef(t *testing.T) {
	m := testutil.ShopModel(t)
	orders, _ := m.Cube("orders")

	tests := []struct {
		path        []string
		cube        string
		member      string
		granularity string
		joinPath    []string
	}{
		{path: []string{"CUBE"}, cube: "orders"},
		{path: []string{"CUBE", "status"}, cube: "orders", member: "status"},
		{path: []string{"status"}, cube: "orders", member: "status"},
		{path: []string{"created_at", "half_year"}, cube: "orders", member: "created_at", granularity: "half_year"},
		{path: []string{"customers"}, cube: "customers", joinPath: []string{"customers"}},
		{path: []string{"customers", "city"}, cube: "customers", member: "city", joinPath: []string{"customers"}},
		{path: []string{"line_items", "products", "name"}, cube: "products", member: "name", joinPath: []string{"line_items", "products"}},
	}
	for _, tt := range tests {
		t.Run(testutil.JoinPath(tt.path), func(t *testing.T) {
			ref, err := m.ResolveRef(orders, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.cube, ref.Cube.Name)
			if tt.member == "" {
				assert.True(t, ref.IsCube())
			} else {
				assert.Equal(t, tt.member, ref.Member.MemberName())
			}
			assert.Equal(t, tt.granularity, ref.Granularity)
			assert.Equal(t, tt.joinPath, ref.Path)
		})
	}

	_, err := m.ResolveRef(orders, []string{"nope"})
	require.Error(t, err)
	_, err = m.ResolveRef(orders, []string{"status", "day"})
	require.Error(t, err)
}

func TestParseMemberPath(t *testing.T) {
	m := testutil.ShopModel(t)
	orders, _ := m.Cube("orders")

	assert.Equal(t, model.MemberPath{Path: []string{"orders"}, Cube: "orders", Member: "count"}, model.ParseMemberPath(orders, "count"))
	assert.Equal(t, model.MemberPath{Path: []string{"orders"}, Cube: "orders", Member: "count"}, model.ParseMemberPath(orders, "CUBE.count"))
	p := model.ParseMemberPath(orders, "A.D.E.X.x_id")
	assert.Equal(t, []string{"A", "D", "E", "X"}, p.Path)
	assert.Equal(t, "X.x_id", p.String())
	assert.Equal(t, "A.D.E.X.x_id", p.Qualified())
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "a.yml", `
cubes:
  - name: a
    sql_table: a
    measures:
      - {name: count, type: count}
`)
	testutil.WriteFile(t, dir, "nested/b.yaml", `
views:
  - name: v
    cubes:
      - {join_path: a, includes: [count]}
`)
	testutil.WriteFile(t, dir, "README.md", "ignored")

	m, err := model.Load(dir)
	require.NoError(t, err)
	v, ok := m.Cube("v")
	require.True(t, ok)
	assert.NotNil(t, v.Measure("count"))
}
