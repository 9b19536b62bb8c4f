package postgres

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

func init() {
	dialect.Register(Postgres)
}

// Postgres is the PostgreSQL dialect.
// HLL functions come from the postgresql-hll extension.
var Postgres = dialect.New(Config).
	ConvertTz(func(expr, tz string) string {
		return fmt.Sprintf("(%s::timestamptz AT TIME ZONE '%s')", expr, tz)
	}).
	TimestampParam(func(p string) string { return p + "::timestamptz" }).
	DateTimeParam(func(p string) string { return p + "::timestamp" }).
	DateBin(dateBin).
	ApproxDistinct(func(expr string) string {
		return fmt.Sprintf("round(hll_cardinality(hll_add_agg(hll_hash_any(%s))))", expr)
	}).
	HLL(
		func(expr string) string { return fmt.Sprintf("hll_add_agg(hll_hash_any(%s))", expr) },
		func(expr string) string { return fmt.Sprintf("round(hll_cardinality(hll_union_agg(%s)))", expr) },
	).
	EpochNow("EXTRACT(EPOCH FROM NOW())").
	Build()

// dateBin floors expr onto a grid of iv-wide steps starting at origin.
// Fixed-length intervals use epoch arithmetic. Calendar intervals count
// months from the year and month fields, minus one when expr falls before
// the day and time of origin in its month, so values before origin floor
// downwards.
func dateBin(iv core.Interval, expr, origin string) string {
	o := "'" + strings.Replace(origin, "T", " ", 1) + "'::timestamp"
	if iv.MonthBased() {
		months := iv.Months()
		raw := fmt.Sprintf(
			"CAST((EXTRACT(YEAR FROM %[1]s) - EXTRACT(YEAR FROM %[2]s)) * 12 + EXTRACT(MONTH FROM %[1]s) - EXTRACT(MONTH FROM %[2]s) AS integer)",
			expr, o)
		diff := fmt.Sprintf("(%[1]s - CASE WHEN %[2]s + interval '1 month' * %[1]s > %[3]s THEN 1 ELSE 0 END)", raw, o, expr)
		return fmt.Sprintf(
			"(%s + interval '1 month' * CAST(FLOOR(%s / %d.0) * %d AS integer))",
			o, diff, months, months)
	}
	secs := iv.Seconds()
	return fmt.Sprintf(
		"(%s + interval '%d second' * FLOOR(EXTRACT(EPOCH FROM (%s - %s)) / %d))",
		o, secs, expr, o, secs)
}
