package core

import (
	"strconv"
	"strings"
	"time"
)

// Time units, finest last.
const (
	UnitYear    = "year"
	UnitQuarter = "quarter"
	UnitMonth   = "month"
	UnitWeek    = "week"
	UnitDay     = "day"
	UnitHour    = "hour"
	UnitMinute  = "minute"
	UnitSecond  = "second"
)

// IntervalPart is one "<n> <unit>" term of an interval.
type IntervalPart struct {
	Value int
	Unit  string
}

// Interval is a sum of terms such as "1 year 2 months". Parsing lives in
// the granularity package; dialects only render it.
type Interval []IntervalPart

// String renders the interval in the canonical "1 year 2 month" form
// accepted by Postgres and DuckDB interval literals.
func (iv Interval) String() string {
	parts := make([]string, len(iv))
	for i, p := range iv {
		parts[i] = strconv.Itoa(p.Value) + " " + p.Unit
	}
	return strings.Join(parts, " ")
}

// Negate flips the sign of every term.
func (iv Interval) Negate() Interval {
	out := make(Interval, len(iv))
	for i, p := range iv {
		out[i] = IntervalPart{Value: -p.Value, Unit: p.Unit}
	}
	return out
}

// IsZero reports whether every term is zero.
func (iv Interval) IsZero() bool {
	for _, p := range iv {
		if p.Value != 0 {
			return false
		}
	}
	return true
}

// MonthBased reports whether the interval has year, quarter or month terms.
func (iv Interval) MonthBased() bool {
	for _, p := range iv {
		if p.Value != 0 && (p.Unit == UnitYear || p.Unit == UnitQuarter || p.Unit == UnitMonth) {
			return true
		}
	}
	return false
}

// Months returns the calendar-month component.
func (iv Interval) Months() int {
	m := 0
	for _, p := range iv {
		switch p.Unit {
		case UnitYear:
			m += 12 * p.Value
		case UnitQuarter:
			m += 3 * p.Value
		case UnitMonth:
			m += p.Value
		}
	}
	return m
}

// Seconds returns the fixed-length component in seconds.
func (iv Interval) Seconds() int64 {
	var s int64
	for _, p := range iv {
		switch p.Unit {
		case UnitWeek:
			s += int64(p.Value) * 7 * 86400
		case UnitDay:
			s += int64(p.Value) * 86400
		case UnitHour:
			s += int64(p.Value) * 3600
		case UnitMinute:
			s += int64(p.Value) * 60
		case UnitSecond:
			s += int64(p.Value)
		}
	}
	return s
}

// Normalize collapses the interval into at most a month term and a second
// term, in that order.
func (iv Interval) Normalize() Interval {
	var out Interval
	if m := iv.Months(); m != 0 {
		out = append(out, IntervalPart{Value: m, Unit: UnitMonth})
	}
	if s := iv.Seconds(); s != 0 {
		out = append(out, IntervalPart{Value: int(s), Unit: UnitSecond})
	}
	return out
}

// AddTo applies the interval to t using calendar arithmetic for month
// terms. Month addition clamps to the last day of the target month, so
// Jan 31 plus one month is Feb 28 (or 29).
func (iv Interval) AddTo(t time.Time) time.Time {
	if m := iv.Months(); m != 0 {
		t = AddMonths(t, m)
	}
	if s := iv.Seconds(); s != 0 {
		t = t.Add(time.Duration(s) * time.Second)
	}
	return t
}

// Single returns the only term of a one-unit interval.
func (iv Interval) Single() (IntervalPart, bool) {
	if len(iv) == 1 {
		return iv[0], true
	}
	return IntervalPart{}, false
}

// AddMonths adds n calendar months to t, clamping the day of month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}
