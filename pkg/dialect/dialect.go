// Package dialect provides the SQL dialect contract used by the emitter.
//
// A Dialect is pure data plus a handful of rendering hooks: identifier
// quoting, time bucketing, timezone conversion, interval arithmetic,
// approximate distinct counting and pagination order. Concrete dialects are
// registered from pkg/dialects/*/ packages in their init() functions.
package dialect

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// Config is the pure data part of a dialect.
type Config struct {
	Name          string
	DefaultSchema string

	// Identifier quoting
	Quote    string
	QuoteEnd string
	Escape   string

	// MaxIdentifierLength bounds generated aliases and table names.
	MaxIdentifierLength int

	// Placeholder is applied by the emitter after "?" markers are laid out.
	Placeholder sq.PlaceholderFormat

	// OffsetBeforeLimit prints OFFSET ahead of LIMIT (Presto).
	OffsetBeforeLimit bool
	// ValuesAsUnion renders inline row sets as SELECT ... UNION ALL (BigQuery).
	ValuesAsUnion bool
	// SupportsHLL marks dialects with a mergeable HLL sketch type.
	SupportsHLL bool
}

// Dialect is a SQL dialect definition.
type Dialect struct {
	Config

	truncate        func(unit, expr string) string
	convertTz       func(expr, tz string) string
	timestampParam  func(param string) string
	dateTimeParam   func(param string) string
	addInterval     func(expr string, iv core.Interval) string
	intervalLiteral func(iv core.Interval) string
	dateBin         func(iv core.Interval, expr, origin string) string
	approxDistinct  func(expr string) string
	hllInit         func(expr string) string
	hllMerge        func(expr string) string
	epochNow        string
}

// String returns the dialect name.
func (d *Dialect) String() string { return d.Name }

// QuoteIdentifier quotes an identifier using the dialect's quote characters.
func (d *Dialect) QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, d.QuoteEnd, d.Escape)
	return d.Quote + escaped + d.QuoteEnd
}

// QuoteQualified quotes each dot-separated part of a table name.
func (d *Dialect) QuoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// Truncate buckets expr to a standard unit.
func (d *Dialect) Truncate(unit, expr string) string { return d.truncate(unit, expr) }

// ConvertTz converts a timestamp column to local time in tz.
func (d *Dialect) ConvertTz(expr, tz string) string { return d.convertTz(expr, tz) }

// TimestampParam casts a parameter marker holding an ISO UTC timestamp so it
// compares against raw timestamp columns.
func (d *Dialect) TimestampParam(param string) string { return d.timestampParam(param) }

// DateTimeParam casts a parameter marker holding a local timestamp, used by
// time series values and compared against converted columns.
func (d *Dialect) DateTimeParam(param string) string { return d.dateTimeParam(param) }

// AddInterval shifts expr by iv. Negative terms subtract.
func (d *Dialect) AddInterval(expr string, iv core.Interval) string {
	if iv.IsZero() {
		return expr
	}
	return d.addInterval(expr, iv)
}

// SubtractInterval shifts expr back by iv.
func (d *Dialect) SubtractInterval(expr string, iv core.Interval) string {
	return d.AddInterval(expr, iv.Negate())
}

// IntervalLiteral renders iv as a standalone interval value.
func (d *Dialect) IntervalLiteral(iv core.Interval) string { return d.intervalLiteral(iv) }

// DateBin buckets expr into iv-wide bins anchored at origin, a local
// timestamp literal formatted YYYY-MM-DDTHH:MM:SS.sss.
func (d *Dialect) DateBin(iv core.Interval, expr, origin string) string {
	return d.dateBin(iv, expr, origin)
}

// CountDistinctApprox returns an approximate distinct count of expr.
func (d *Dialect) CountDistinctApprox(expr string) string { return d.approxDistinct(expr) }

// HLLInit builds the sketch stored in a rollup.
func (d *Dialect) HLLInit(expr string) (string, error) {
	if d.hllInit == nil {
		return "", fmt.Errorf("dialect %s does not support HLL sketches", d.Name)
	}
	return d.hllInit(expr), nil
}

// HLLMerge reads a distinct count out of rollup sketches.
func (d *Dialect) HLLMerge(expr string) (string, error) {
	if d.hllMerge == nil {
		return "", fmt.Errorf("dialect %s does not support HLL sketches", d.Name)
	}
	return d.hllMerge(expr), nil
}

// EpochNow returns an expression for the current unix time in seconds.
func (d *Dialect) EpochNow() string { return d.epochNow }

// StringLiteral renders a SQL string literal. Used only for model-defined
// constants such as switch dimension values; query values are params.
func (d *Dialect) StringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CheckIdentifier fails when name exceeds the dialect limit.
func (d *Dialect) CheckIdentifier(name string) error {
	if d.MaxIdentifierLength > 0 && len(name) > d.MaxIdentifierLength {
		return core.NewIdentifierLengthError(
			"identifier '%s' is %d characters long which exceeds the %s limit of %d; set sqlAlias to shorten it",
			name, len(name), d.Name, d.MaxIdentifierLength)
	}
	return nil
}

// ---------- Builder ----------

// Builder assembles a Dialect.
type Builder struct {
	dialect *Dialect
}

// New creates a dialect builder from a Config. Hooks default to ANSI-ish
// renderings so a dialect only overrides what differs.
func New(cfg Config) *Builder {
	if cfg.Quote == "" {
		cfg.Quote, cfg.QuoteEnd, cfg.Escape = `"`, `"`, `""`
	}
	if cfg.Placeholder == nil {
		cfg.Placeholder = sq.Question
	}
	return &Builder{dialect: &Dialect{
		Config: cfg,
		truncate: func(unit, expr string) string {
			return fmt.Sprintf("date_trunc('%s', %s)", unit, expr)
		},
		convertTz: func(expr, tz string) string {
			return fmt.Sprintf("(%s AT TIME ZONE '%s')", expr, tz)
		},
		timestampParam: func(p string) string { return "CAST(" + p + " AS TIMESTAMP)" },
		dateTimeParam:  func(p string) string { return "CAST(" + p + " AS TIMESTAMP)" },
		intervalLiteral: func(iv core.Interval) string {
			return "interval '" + iv.String() + "'"
		},
		approxDistinct: func(expr string) string { return "approx_count_distinct(" + expr + ")" },
		epochNow:       "EXTRACT(EPOCH FROM NOW())",
	}}
}

// Truncate overrides standard unit truncation.
func (b *Builder) Truncate(fn func(unit, expr string) string) *Builder {
	b.dialect.truncate = fn
	return b
}

// ConvertTz overrides timezone conversion.
func (b *Builder) ConvertTz(fn func(expr, tz string) string) *Builder {
	b.dialect.convertTz = fn
	return b
}

// TimestampParam overrides the cast applied to UTC timestamp parameters.
func (b *Builder) TimestampParam(fn func(param string) string) *Builder {
	b.dialect.timestampParam = fn
	return b
}

// DateTimeParam overrides the cast applied to local timestamp parameters.
func (b *Builder) DateTimeParam(fn func(param string) string) *Builder {
	b.dialect.dateTimeParam = fn
	return b
}

// IntervalLiteral overrides interval rendering.
func (b *Builder) IntervalLiteral(fn func(iv core.Interval) string) *Builder {
	b.dialect.intervalLiteral = fn
	return b
}

// AddInterval overrides interval arithmetic.
func (b *Builder) AddInterval(fn func(expr string, iv core.Interval) string) *Builder {
	b.dialect.addInterval = fn
	return b
}

// DateBin sets the custom granularity bucketing function.
func (b *Builder) DateBin(fn func(iv core.Interval, expr, origin string) string) *Builder {
	b.dialect.dateBin = fn
	return b
}

// ApproxDistinct overrides the approximate distinct count.
func (b *Builder) ApproxDistinct(fn func(expr string) string) *Builder {
	b.dialect.approxDistinct = fn
	return b
}

// HLL sets the sketch init and merge functions.
func (b *Builder) HLL(initFn, mergeFn func(expr string) string) *Builder {
	b.dialect.hllInit = initFn
	b.dialect.hllMerge = mergeFn
	b.dialect.SupportsHLL = initFn != nil && mergeFn != nil
	return b
}

// EpochNow overrides the current epoch expression.
func (b *Builder) EpochNow(expr string) *Builder {
	b.dialect.epochNow = expr
	return b
}

// Build returns the constructed dialect.
func (b *Builder) Build() *Dialect {
	d := b.dialect
	if d.addInterval == nil {
		lit := d.intervalLiteral
		d.addInterval = func(expr string, iv core.Interval) string {
			return "(" + expr + " + " + lit(iv) + ")"
		}
	}
	if d.dateBin == nil {
		panic(fmt.Sprintf("dialect %s: DateBin is required", d.Name))
	}
	return d
}
