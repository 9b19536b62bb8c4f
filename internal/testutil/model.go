// Package testutil holds the shared model fixture and helpers used by
// package tests.
package testutil

import (
	"testing"

	"github.com/leapstack-labs/leapcube/pkg/model"
)

// CompileModel parses and compiles YAML model documents, failing the test
// on any error.
func CompileModel(t testing.TB, docs ...string) *model.Model {
	t.Helper()
	files := make([]*model.File, 0, len(docs))
	for i, doc := range docs {
		f, err := model.ParseFile([]byte(doc), "fixture"+string(rune('0'+i))+".yml")
		if err != nil {
			t.Fatalf("failed to parse fixture model: %v", err)
		}
		files = append(files, f)
	}
	m, err := model.Compile(files...)
	if err != nil {
		t.Fatalf("failed to compile fixture model: %v", err)
	}
	return m
}

// ShopModel compiles ShopYAML.
func ShopModel(t testing.TB) *model.Model {
	t.Helper()
	return CompileModel(t, ShopYAML)
}

// ShopYAML is the shared fixture used across package tests: an orders fact
// with customers, line items and products, a visitors cube exercising the
// multi-stage measure kinds, a calc-group cube and two views.
const ShopYAML = `
cubes:
  - name: orders
    sql_table: public.orders
    joins:
      - name: customers
        sql: "{CUBE}.customer_id = {customers}.id"
        relationship: many_to_one
      - name: line_items
        sql: "{CUBE}.id = {line_items}.order_id"
        relationship: one_to_many
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: status
        sql: status
        type: string
      - name: amount
        sql: amount
        type: number
      - name: customer_id
        sql: customer_id
        type: number
      - name: created_at
        sql: created_at
        type: time
        granularities:
          - name: half_year
            interval: 6 months
          - name: two_weeks_by_friday
            interval: 2 weeks
            origin: "2024-08-23"
          - name: week_by_friday
            interval: 1 week
            offset: 4 days
      - name: customer_city
        sql: "{customers.city}"
        type: string
      - name: line_item_count
        sql: "{line_items.count}"
        type: number
        sub_query: true
    measures:
      - name: count
        type: count
      - name: total_amount
        sql: amount
        type: sum
      - name: avg_amount
        sql: amount
        type: avg
      - name: max_amount
        sql: amount
        type: max
      - name: unique_customers
        sql: customer_id
        type: count_distinct
      - name: approx_customers
        sql: customer_id
        type: count_distinct_approx
      - name: completed_count
        type: count
        filters:
          - sql: "{CUBE}.status = 'completed'"
      - name: amount_per_order
        sql: "{total_amount} / NULLIF({count}, 0)"
        type: number
      - name: rolling_count_month
        type: count
        rolling_window:
          trailing: 1 month
      - name: cumulative_amount
        sql: amount
        type: sum
        rolling_window:
          trailing: unbounded
      - name: amount_wtd
        sql: amount
        type: sum
        rolling_window:
          type: to_date
          granularity: week
    segments:
      - name: completed
        sql: "{CUBE}.status = 'completed'"
    pre_aggregations:
      - name: orders_by_day
        measures: [count, total_amount, max_amount, approx_customers]
        dimensions: [status]
        time_dimension: created_at
        granularity: day
      - name: orders_by_month
        measures: [count, total_amount]
        dimensions: [status]
        segments: [completed]
        time_dimension: created_at
        granularity: month
        partition_granularity: month
        refresh_key:
          every: 1 hour
      - name: distinct_by_status
        measures: [unique_customers]
        dimensions: [status]

  - name: customers
    sql: "SELECT * FROM public.customers WHERE {SECURITY_CONTEXT.tenant_id.filter('tenant_id')}"
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: name
        sql: name
        type: string
      - name: city
        sql: city
        type: string
    measures:
      - name: count
        type: count

  - name: line_items
    sql_table: public.line_items
    joins:
      - name: products
        sql: "{CUBE}.product_id = {products}.id"
        relationship: many_to_one
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: order_id
        sql: order_id
        type: number
      - name: product_id
        sql: product_id
        type: number
      - name: price
        sql: price
        type: number
    measures:
      - name: count
        type: count
      - name: total_price
        sql: price
        type: sum

  - name: products
    sql_table: public.products
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: name
        sql: name
        type: string
      - name: category
        sql: category
        type: string

  - name: visitors
    sql_table: public.visitors
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: source
        sql: source
        type: string
      - name: created_at
        sql: created_at
        type: time
      - name: updated_at
        sql: updated_at
        type: time
      - name: revenue_bucket
        sql: "CASE WHEN {visitor_revenue} > 100 THEN 'high' ELSE 'low' END"
        type: string
        multi_stage: true
        add_group_by: [id]
    measures:
      - name: visitor_count
        type: count
      - name: visitor_revenue
        sql: amount
        type: sum
      - name: revenue_rank
        type: rank
        multi_stage: true
        order_by:
          - sql: "{visitor_revenue}"
            dir: desc
        reduce_by: [source]
      - name: second_rank_sum
        sql: "{visitor_revenue}"
        type: sum
        multi_stage: true
        filters:
          - sql: "{revenue_rank} = 1"
      - name: visitors_revenue_total
        sql: "{visitor_revenue}"
        type: sum
        multi_stage: true
        group_by: []
      - name: percentage_of_total
        sql: "100.0 * {visitor_revenue} / NULLIF({visitors_revenue_total}, 0)"
        type: number
        multi_stage: true
      - name: revenue_day_ago
        sql: "{visitor_revenue}"
        type: sum
        multi_stage: true
        time_shift:
          - time_dimension: created_at
            interval: 1 day
            type: prior
      - name: cagr_day
        sql: "ROUND(100 * ({visitor_revenue} - {revenue_day_ago}) / NULLIF({revenue_day_ago}, 0))"
        type: number
      - name: running_revenue
        sql: "{visitor_revenue}"
        type: running_total
        multi_stage: true
        order_by:
          - sql: "{created_at}"

  - name: sales
    sql_table: public.sales
    dimensions:
      - name: id
        sql: id
        type: number
        primary_key: true
      - name: currency
        type: switch
        values: [USD, EUR, GBP]
      - name: region
        sql: region
        type: string
    measures:
      - name: amount_usd
        sql: amount_usd
        type: sum
      - name: amount_in_currency
        type: number
        multi_stage: true
        case:
          switch: "{CUBE.currency}"
          when:
            - value: EUR
              sql: "{CUBE.amount_usd} * 0.9"
            - value: GBP
              sql: "{CUBE.amount_usd} * 0.8"
          else:
            sql: "{CUBE.amount_usd}"

views:
  - name: orders_view
    cubes:
      - join_path: orders
        includes: "*"
        excludes: [customer_city]
      - join_path: orders.customers
        prefix: true
        includes:
          - name
          - name: city
            alias: town
`
