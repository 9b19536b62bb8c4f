// Package presto provides the Presto/Trino SQL dialect definition.
package presto

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

func init() {
	dialect.Register(Presto)
}

// Config is the Presto dialect configuration.
var Config = dialect.Config{
	Name:                "presto",
	Quote:               `"`,
	QuoteEnd:            `"`,
	Escape:              `""`,
	MaxIdentifierLength: 128,
	Placeholder:         sq.Question,
	OffsetBeforeLimit:   true,
}

// Presto is the Presto dialect.
var Presto = dialect.New(Config).
	ConvertTz(func(expr, tz string) string {
		return fmt.Sprintf("CAST((%s AT TIME ZONE '%s') AS TIMESTAMP)", expr, tz)
	}).
	TimestampParam(func(p string) string { return "from_iso8601_timestamp(" + p + ")" }).
	DateTimeParam(func(p string) string { return "CAST(from_iso8601_timestamp(" + p + ") AS TIMESTAMP)" }).
	IntervalLiteral(func(iv core.Interval) string {
		if p, ok := iv.Single(); ok {
			return fmt.Sprintf("INTERVAL '%d' %s", p.Value, strings.ToUpper(p.Unit))
		}
		return fmt.Sprintf("INTERVAL '%d' SECOND", iv.Seconds())
	}).
	AddInterval(func(expr string, iv core.Interval) string {
		for _, p := range iv {
			if p.Value == 0 {
				continue
			}
			expr = fmt.Sprintf("date_add('%s', %d, %s)", p.Unit, p.Value, expr)
		}
		return expr
	}).
	DateBin(dateBin).
	ApproxDistinct(func(expr string) string { return "approx_distinct(" + expr + ")" }).
	HLL(
		func(expr string) string { return "cast(approx_set(" + expr + ") as varbinary)" },
		func(expr string) string { return "cardinality(merge(cast(" + expr + " as HyperLogLog)))" },
	).
	EpochNow("to_unixtime(now())").
	Build()

func dateBin(iv core.Interval, expr, origin string) string {
	o := "from_iso8601_timestamp('" + origin + "')"
	unit, step := "second", iv.Seconds()
	diff := fmt.Sprintf("date_diff('second', %s, %s)", o, expr)
	if iv.MonthBased() {
		unit, step = "month", int64(iv.Months())
		// date_diff truncates toward zero; count month fields and step
		// back when expr is before the day of origin
		raw := fmt.Sprintf("((year(%[1]s) - year(%[2]s)) * 12 + month(%[1]s) - month(%[2]s))", expr, o)
		diff = fmt.Sprintf("(%[1]s - IF(date_add('month', %[1]s, %[2]s) > %[3]s, 1, 0))", raw, o, expr)
	}
	return fmt.Sprintf(
		"date_add('%s', CAST(floor(CAST(%s AS double) / %d) * %d AS BIGINT), %s)",
		unit, diff, step, step, o)
}
