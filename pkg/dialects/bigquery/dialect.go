// Package bigquery provides the Google BigQuery SQL dialect definition.
package bigquery

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

func init() {
	dialect.Register(BigQuery)
}

// Config is the BigQuery dialect configuration.
var Config = dialect.Config{
	Name:                "bigquery",
	Quote:               "`",
	QuoteEnd:            "`",
	Escape:              "\\`",
	MaxIdentifierLength: 300,
	Placeholder:         sq.Question,
	ValuesAsUnion:       true,
}

// BigQuery is the BigQuery dialect. Time handling works on DATETIME values
// after timezone conversion.
var BigQuery = dialect.New(Config).
	Truncate(func(unit, expr string) string {
		u := strings.ToUpper(unit)
		if unit == core.UnitWeek {
			u = "WEEK(MONDAY)"
		}
		return fmt.Sprintf("DATETIME_TRUNC(%s, %s)", expr, u)
	}).
	ConvertTz(func(expr, tz string) string {
		return fmt.Sprintf("DATETIME(%s, '%s')", expr, tz)
	}).
	TimestampParam(func(p string) string { return "TIMESTAMP(" + p + ")" }).
	DateTimeParam(func(p string) string { return "DATETIME(TIMESTAMP(" + p + "))" }).
	IntervalLiteral(intervalLiteral).
	AddInterval(func(expr string, iv core.Interval) string {
		for _, p := range iv {
			if p.Value == 0 {
				continue
			}
			expr = fmt.Sprintf("DATETIME_ADD(%s, INTERVAL %d %s)", expr, p.Value, strings.ToUpper(p.Unit))
		}
		return expr
	}).
	DateBin(dateBin).
	ApproxDistinct(func(expr string) string { return "APPROX_COUNT_DISTINCT(" + expr + ")" }).
	HLL(
		func(expr string) string { return "HLL_COUNT.INIT(" + expr + ")" },
		func(expr string) string { return "HLL_COUNT.MERGE(" + expr + ")" },
	).
	EpochNow("UNIX_SECONDS(CURRENT_TIMESTAMP())").
	Build()

func intervalLiteral(iv core.Interval) string {
	if p, ok := iv.Single(); ok {
		return fmt.Sprintf("INTERVAL %d %s", p.Value, strings.ToUpper(p.Unit))
	}
	n := iv.Normalize()
	months, secs := 0, 0
	for _, p := range n {
		if p.Unit == core.UnitMonth {
			months = p.Value
		} else {
			secs = p.Value
		}
	}
	return fmt.Sprintf("MAKE_INTERVAL(month => %d, second => %d)", months, secs)
}

func dateBin(iv core.Interval, expr, origin string) string {
	o := "DATETIME('" + origin + "')"
	if iv.MonthBased() {
		m := iv.Months()
		// DATETIME_DIFF counts month boundaries, one too many when expr is
		// before the day of origin
		raw := fmt.Sprintf("DATETIME_DIFF(%s, %s, MONTH)", expr, o)
		diff := fmt.Sprintf("(%[1]s - IF(DATETIME_ADD(%[2]s, INTERVAL %[1]s MONTH) > %[3]s, 1, 0))", raw, o, expr)
		return fmt.Sprintf(
			"DATETIME_ADD(%s, INTERVAL CAST(FLOOR(%s / %d) * %d AS INT64) MONTH)",
			o, diff, m, m)
	}
	s := iv.Seconds()
	return fmt.Sprintf(
		"DATETIME_ADD(%s, INTERVAL CAST(FLOOR(DATETIME_DIFF(%s, %s, SECOND) / %d) * %d AS INT64) SECOND)",
		o, expr, o, s, s)
}
