// Package duckdb provides the DuckDB SQL dialect definition.
// This package is pure Go with no database driver dependencies.
package duckdb

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

func init() {
	dialect.Register(DuckDB)
}

// Config is the DuckDB dialect configuration.
var Config = dialect.Config{
	Name:                "duckdb",
	DefaultSchema:       "main",
	Quote:               `"`,
	QuoteEnd:            `"`,
	Escape:              `""`,
	MaxIdentifierLength: 255,
	Placeholder:         sq.Question,
}

// DuckDB is the DuckDB dialect. DuckDB has no mergeable HLL sketch so
// countDistinctApprox rollups are treated as non-additive.
var DuckDB = dialect.New(Config).
	ConvertTz(func(expr, tz string) string {
		return fmt.Sprintf("timezone('%s', %s::timestamptz)", tz, expr)
	}).
	TimestampParam(func(p string) string { return p + "::timestamptz" }).
	DateTimeParam(func(p string) string { return p + "::timestamp" }).
	DateBin(func(iv core.Interval, expr, origin string) string {
		o := "TIMESTAMP '" + strings.Replace(origin, "T", " ", 1) + "'"
		return fmt.Sprintf("time_bucket(interval '%s', %s, %s)", iv.Normalize(), expr, o)
	}).
	ApproxDistinct(func(expr string) string { return "approx_count_distinct(" + expr + ")" }).
	EpochNow("epoch(now())").
	Build()
