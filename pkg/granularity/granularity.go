// Package granularity resolves standard and custom time granularities into
// bucket expressions, time series and rolling window conditions.
//
// Bucketing works on local timestamps: the caller converts the raw column to
// the query timezone first (dialect.ConvertTz) and passes the converted
// expression here.
package granularity

import (
	"fmt"
	"slices"
	"time"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// Standard granularity names, coarsest first.
var StandardNames = []string{
	core.UnitYear, core.UnitQuarter, core.UnitMonth, core.UnitWeek,
	core.UnitDay, core.UnitHour, core.UnitMinute, core.UnitSecond,
}

// parents lists, for every standard granularity, the granularities whose
// buckets nest inside it. A rollup at any of these can serve a query at
// the key granularity.
var parents = map[string][]string{
	core.UnitYear:    {"year", "quarter", "month", "day", "hour", "minute", "second"},
	core.UnitQuarter: {"quarter", "month", "day", "hour", "minute", "second"},
	core.UnitMonth:   {"month", "day", "hour", "minute", "second"},
	core.UnitWeek:    {"week", "day", "hour", "minute", "second"},
	core.UnitDay:     {"day", "hour", "minute", "second"},
	core.UnitHour:    {"hour", "minute", "second"},
	core.UnitMinute:  {"minute", "second"},
	core.UnitSecond:  {"second"},
}

// IsStandard reports whether name is a standard granularity.
func IsStandard(name string) bool {
	_, ok := parents[name]
	return ok
}

// Granularity is a resolved bucketing rule.
type Granularity struct {
	Name     string
	Interval core.Interval
	Offset   core.Interval
	Origin   string // local timestamp text; empty means the default origin
	Standard bool
}

// Standard returns the granularity for a standard unit.
func Standard(name string) (*Granularity, error) {
	if !IsStandard(name) {
		return nil, fmt.Errorf("unsupported time granularity: %s", name)
	}
	return &Granularity{
		Name:     name,
		Interval: core.Interval{{Value: 1, Unit: name}},
		Standard: true,
	}, nil
}

// MustStandard is like Standard but panics on unknown names.
func MustStandard(name string) *Granularity {
	g, err := Standard(name)
	if err != nil {
		panic(err)
	}
	return g
}

// NewCustom builds a custom granularity from its declaration.
func NewCustom(name, interval, origin, offset string) (*Granularity, error) {
	iv, err := ParseInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("granularity %s: %w", name, err)
	}
	if iv.IsZero() {
		return nil, fmt.Errorf("granularity %s: interval must not be zero", name)
	}
	g := &Granularity{Name: name, Interval: iv}
	if offset != "" {
		if origin != "" {
			return nil, fmt.Errorf("granularity %s: origin and offset are mutually exclusive", name)
		}
		if g.Offset, err = ParseInterval(offset); err != nil {
			return nil, fmt.Errorf("granularity %s: %w", name, err)
		}
	}
	if origin != "" {
		t, err := ParseLocal(origin)
		if err != nil {
			return nil, fmt.Errorf("granularity %s: invalid origin: %w", name, err)
		}
		g.Origin = FormatLocal(t)
	}
	return g, nil
}

// IsWeekBased reports whether the interval is expressed in weeks only.
func (g *Granularity) IsWeekBased() bool {
	for _, p := range g.Interval {
		if p.Unit != core.UnitWeek {
			return false
		}
	}
	return len(g.Interval) > 0
}

// OriginTime returns the grid anchor: the declared origin, or 1970-01-01
// (Monday 1970-01-05 for week intervals) shifted by the offset.
func (g *Granularity) OriginTime() time.Time {
	if g.Origin != "" {
		t, _ := ParseLocal(g.Origin)
		return t
	}
	base := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	if g.IsWeekBased() {
		base = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)
	}
	return g.Offset.AddTo(base)
}

// truncationUnit returns the standard unit when the granularity can be
// expressed as "truncate, then shift by offset".
func (g *Granularity) truncationUnit() (string, bool) {
	if g.Standard {
		return g.Name, true
	}
	p, ok := g.Interval.Single()
	if !ok || p.Value != 1 || g.Origin != "" {
		return "", false
	}
	return p.Unit, true
}

// MinStandard is the coarsest standard granularity whose buckets nest
// inside every bucket of g.
func (g *Granularity) MinStandard() string {
	if g.Standard {
		return g.Name
	}
	result := ""
	for _, p := range append(slices.Clone(g.Interval), g.Offset...) {
		if p.Value == 0 {
			continue
		}
		u := p.Unit
		if u == core.UnitQuarter {
			u = core.UnitMonth
		}
		if result == "" {
			result = u
		} else {
			result = MinGranularity(result, u)
		}
	}
	if g.Origin != "" {
		result = MinGranularity(result, For(g.OriginTime()))
	}
	if result == "" {
		return core.UnitSecond
	}
	return result
}

// Hierarchy lists the granularities a rollup may be stored at to serve g.
func (g *Granularity) Hierarchy() []string {
	if g.Standard {
		return parents[g.Name]
	}
	return append([]string{g.Name}, parents[g.MinStandard()]...)
}

// Parents returns the standard hierarchy of a standard granularity.
func Parents(name string) []string { return parents[name] }

// MinGranularity returns the coarsest standard granularity that nests in
// both a and b. An empty argument returns the other one.
func MinGranularity(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}
	ah, bh := reversed(parents[a]), reversed(parents[b])
	i := 0
	for i < len(ah) && i < len(bh) && ah[i] == bh[i] {
		i++
	}
	if i == 0 {
		panic(fmt.Sprintf("internal: can't find common parent for '%s' and '%s'", a, b))
	}
	return ah[i-1]
}

func reversed(s []string) []string {
	out := slices.Clone(s)
	slices.Reverse(out)
	return out
}

// For returns the coarsest granularity t is aligned to. Quarters are never
// reported, matching the rollup hierarchy.
func For(t time.Time) string {
	midnight := t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
	switch {
	case midnight && t.Month() == time.January && t.Day() == 1:
		return core.UnitYear
	case midnight && t.Day() == 1:
		return core.UnitMonth
	case midnight && t.Weekday() == time.Monday:
		return core.UnitWeek
	case midnight:
		return core.UnitDay
	case t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0:
		return core.UnitHour
	case t.Second() == 0 && t.Nanosecond() == 0:
		return core.UnitMinute
	default:
		return core.UnitSecond
	}
}

// DateRangeGranularity is the coarsest granularity both ends of a local
// date range align to. The end is taken as exclusive (to + 1ms).
func DateRangeGranularity(from, to string) (string, error) {
	f, err := ParseLocal(from)
	if err != nil {
		return "", err
	}
	t, err := ParseLocalEnd(to)
	if err != nil {
		return "", err
	}
	return MinGranularity(For(f), For(t.Add(time.Millisecond))), nil
}

// RollupGranularity is the granularity a rollup must be stored at (or
// finer) to answer a query bucketed by g over dateRange. A nil g means the
// time dimension is only filtered.
func RollupGranularity(g *Granularity, dateRange core.DateRange) (string, error) {
	if g == nil {
		if !dateRange.IsSet() {
			return "", nil
		}
		return DateRangeGranularity(dateRange[0], dateRange[1])
	}
	if !dateRange.IsSet() {
		return g.Name, nil
	}
	if g.Standard || !g.AlignedWith(dateRange) {
		drg, err := DateRangeGranularity(dateRange[0], dateRange[1])
		if err != nil {
			return "", err
		}
		return MinGranularity(g.MinStandard(), drg), nil
	}
	return g.Name, nil
}

// AlignedWith reports whether both ends of the range fall on bucket
// boundaries of g.
func (g *Granularity) AlignedWith(dateRange core.DateRange) bool {
	from, err := ParseLocal(dateRange[0])
	if err != nil {
		return false
	}
	to, err := ParseLocalEnd(dateRange[1])
	if err != nil {
		return false
	}
	end := to.Add(time.Millisecond)
	return g.Align(from).Equal(from) && g.Align(end).Equal(end)
}
