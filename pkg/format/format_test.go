package format

import (
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialects/bigquery"
	"github.com/leapstack-labs/leapcube/pkg/dialects/duckdb"
	"github.com/leapstack-labs/leapcube/pkg/dialects/postgres"
	"github.com/leapstack-labs/leapcube/pkg/dialects/presto"
)

var snapshotter = cupaloy.New()

func simpleStmt(params *core.Params) *core.SelectStmt {
	s := &core.SelectStmt{From: core.Table("orders", "orders")}
	s.AddColumn(`"orders".status`, "orders__status")
	s.AddColumn("count(*)", "orders__count")
	s.Where = []string{`"orders".created_at >= ` + params.Add("2024-01-01T00:00:00.000") + "::timestamptz"}
	s.GroupBy = []string{"1"}
	s.OrderBy = []core.OrderItem{{Expr: "2", Desc: true}}
	s.Limit = core.IntPtr(10)
	return s
}

func TestRender_Postgres(t *testing.T) {
	params := core.NewParams()
	sql, args, err := Render(simpleStmt(params), postgres.Postgres, params)
	require.NoError(t, err)

	expected := `SELECT
  "orders".status AS "orders__status",
  count(*) AS "orders__count"
FROM orders AS "orders"
WHERE
  "orders".created_at >= $1::timestamptz
GROUP BY
  1
ORDER BY
  2 DESC
LIMIT 10`
	assert.Equal(t, expected, sql)
	assert.Equal(t, []any{"2024-01-01T00:00:00.000"}, args)
}

func TestBind(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		question bool
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "order of appearance",
			sql:      "a = $1$ AND b = $0$",
			wantSQL:  "a = $1 AND b = $2",
			wantArgs: []any{"y", "x"},
		},
		{
			name:     "repeated marker",
			sql:      "a = $0$ OR c = $0$",
			wantSQL:  "a = $1 OR c = $2",
			wantArgs: []any{"x", "x"},
		},
		{
			name:     "literal question mark survives dollar format",
			sql:      "payload ? 'k' AND a = $1$",
			wantSQL:  "payload ? 'k' AND a = $1",
			wantArgs: []any{"y"},
		},
		{
			name:     "question format",
			sql:      "a = $1$ AND b = $0$",
			question: true,
			wantSQL:  "a = ? AND b = ?",
			wantArgs: []any{"y", "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := core.NewParams()
			params.Add("x")
			params.Add("y")
			d := postgres.Postgres
			if tt.question {
				d = duckdb.DuckDB
			}
			sql, args, err := Bind(tt.sql, d, params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBind_UnknownMarker(t *testing.T) {
	_, _, err := Bind("a = $7$", postgres.Postgres, core.NewParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parameter marker $7$")
}

func TestFormat_Pagination(t *testing.T) {
	s := &core.SelectStmt{From: core.Table("t", ""), Limit: core.IntPtr(10), Offset: core.IntPtr(5)}
	s.AddColumn("a", "a")

	assert.Contains(t, Format(s, postgres.Postgres), "LIMIT 10\nOFFSET 5")
	assert.Contains(t, Format(s, presto.Presto), "OFFSET 5\nLIMIT 10")
}

func TestFormat_Values(t *testing.T) {
	series := &core.Values{
		Columns: []string{"date_from", "date_to"},
		Rows: [][]string{
			{"$0$::timestamp", "$1$::timestamp"},
		},
	}
	s := &core.SelectStmt{From: &core.TableRef{Values: series, Alias: "series"}}

	assert.Equal(t, `SELECT
  *
FROM (
  VALUES
    ($0$::timestamp, $1$::timestamp)
) AS "series" ("date_from", "date_to")`, Format(s, postgres.Postgres))

	assert.Equal(t, "SELECT\n  *\nFROM (\n  SELECT $0$::timestamp AS `date_from`, $1$::timestamp AS `date_to`\n) AS `series`",
		Format(s, bigquery.BigQuery))
}

func TestFormat_Snapshot(t *testing.T) {
	params := core.NewParams()
	leaf := simpleStmt(params)
	leaf.OrderBy, leaf.Limit = nil, nil

	final := &core.SelectStmt{
		With: []*core.CTE{{Name: "cte_0", Select: leaf}},
		From: core.Table(`"cte_0"`, "q_0"),
	}
	final.AddColumn(`"q_0"."orders__status"`, "orders__status")
	final.AddColumn(`rank() OVER (ORDER BY "q_0"."orders__count" DESC)`, "orders__count_rank")
	final.AddJoin(core.JoinCross, &core.TableRef{
		Values: &core.Values{Columns: []string{"currency"}, Rows: [][]string{{"'USD'"}, {"'EUR'"}}},
		Alias:  "currency_values",
	}, "")
	final.Where = []string{`"q_0"."orders__count" > 1`, `"currency_values"."currency" = 'USD' OR "currency_values"."currency" IS NULL`}

	for _, d := range []struct {
		name string
		sql  string
	}{
		{"postgres", Format(final, postgres.Postgres)},
		{"bigquery", Format(final, bigquery.BigQuery)},
		{"presto", Format(final, presto.Presto)},
	} {
		t.Run(d.name, func(t *testing.T) {
			snapshotter.SnapshotT(t, d.sql)
		})
	}
}
