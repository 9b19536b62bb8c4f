package granularity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // timezone database for hosts without zoneinfo

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// LocalFormat is the layout of local timestamps used in params and series.
const LocalFormat = "2006-01-02T15:04:05.000"

// UTCFormat is the layout of UTC timestamps bound to raw column filters.
const UTCFormat = "2006-01-02T15:04:05.000Z"

// MaxSeriesRanges bounds the number of generated date ranges.
const MaxSeriesRanges = 50000

var localLayouts = []string{
	LocalFormat,
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseLocal parses a local timestamp. A trailing timezone designator is
// dropped; the value is read as wall clock time.
func ParseLocal(s string) (time.Time, error) {
	s = stripZone(strings.TrimSpace(s))
	for _, layout := range localLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// ParseLocalEnd parses the end of a date range. A bare date means the end
// of that day.
func ParseLocalEnd(s string) (time.Time, error) {
	t, err := ParseLocal(s)
	if err != nil {
		return t, err
	}
	if len(strings.TrimSpace(s)) == len("2006-01-02") {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

func stripZone(s string) string {
	if !strings.Contains(s, "T") {
		return s
	}
	if strings.HasSuffix(s, "Z") {
		return strings.TrimSuffix(s, "Z")
	}
	if i := strings.LastIndexAny(s, "+-"); i > len("2006-01-02T") {
		return s[:i]
	}
	return s
}

// FormatLocal renders t as a local timestamp with millisecond precision.
func FormatLocal(t time.Time) string { return t.Format(LocalFormat) }

// FormatFrom normalizes the start of a local date range.
func FormatFrom(s string) (string, error) {
	t, err := ParseLocal(s)
	if err != nil {
		return "", err
	}
	return FormatLocal(t), nil
}

// FormatTo normalizes the end of a local date range.
func FormatTo(s string) (string, error) {
	t, err := ParseLocalEnd(s)
	if err != nil {
		return "", err
	}
	return FormatLocal(t), nil
}

// ToUTC converts a local timestamp in tz to a UTC timestamp string.
func ToUTC(local, tz string) (string, error) {
	t, err := ParseLocal(local)
	if err != nil {
		return "", err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return "", err
	}
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	return wall.UTC().Format(UTCFormat), nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, core.NewQueryError("unknown timezone: %s", tz)
	}
	return loc, nil
}

// Truncate floors t to a standard unit. Weeks start on Monday.
func Truncate(t time.Time, unit string) time.Time {
	y, m, d := t.Date()
	switch unit {
	case core.UnitYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, t.Location())
	case core.UnitQuarter:
		return time.Date(y, ((m-1)/3)*3+1, 1, 0, 0, 0, 0, t.Location())
	case core.UnitMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	case core.UnitWeek:
		day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back)
	case core.UnitDay:
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	case core.UnitHour:
		return t.Truncate(time.Hour)
	case core.UnitMinute:
		return t.Truncate(time.Minute)
	default:
		return t.Truncate(time.Second)
	}
}

// Align returns the bucket start of g that contains t.
func (g *Granularity) Align(t time.Time) time.Time {
	if unit, ok := g.truncationUnit(); ok {
		neg := g.Offset.Negate()
		return g.Offset.AddTo(Truncate(neg.AddTo(t), unit))
	}
	origin := g.OriginTime()
	if !g.Interval.MonthBased() {
		step := time.Duration(g.Interval.Seconds()) * time.Second
		n := t.Sub(origin) / step
		aligned := origin.Add(n * step)
		if aligned.After(t) {
			aligned = aligned.Add(-step)
		}
		return aligned
	}
	step := g.Interval.Months()
	months := (t.Year()-origin.Year())*12 + int(t.Month()-origin.Month())
	k := floorDiv(months, step)
	aligned := core.AddMonths(origin, k*step)
	for aligned.After(t) {
		k--
		aligned = core.AddMonths(origin, k*step)
	}
	for next := core.AddMonths(origin, (k+1)*step); !next.After(t); next = core.AddMonths(origin, (k+1)*step) {
		k++
		aligned = next
	}
	return aligned
}

// Next returns the start of the bucket after the one starting at t.
func (g *Granularity) Next(t time.Time) time.Time {
	return g.Interval.AddTo(t)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// DateRange is one generated series entry.
type DateRange struct {
	From string
	To   string
}

// approxSeconds is used for the series size guard only.
func approxSeconds(iv core.Interval) float64 {
	const monthSeconds = 30.436875 * 86400
	return float64(iv.Months())*monthSeconds + float64(iv.Seconds())
}

// TimeSeries generates the buckets of g covering [from, to]. Every range
// ends one millisecond before the next starts.
func TimeSeries(g *Granularity, from, to string) ([]DateRange, error) {
	start, err := ParseLocal(from)
	if err != nil {
		return nil, err
	}
	end, err := ParseLocalEnd(to)
	if err != nil {
		return nil, err
	}

	count := end.Sub(start).Seconds() / approxSeconds(g.Interval)
	if count > MaxSeriesRanges {
		return nil, core.NewQueryError(
			"The count of generated date ranges (%s) for the request from [%s] to [%s] by %s is over limit (%d). Please reduce the requested date interval or use bigger granularity.",
			strconv.FormatFloat(count, 'f', -1, 64), from, to, g.describe(), MaxSeriesRanges)
	}

	var out []DateRange
	for cur := g.Align(start); !cur.After(end); {
		next := g.Next(cur)
		out = append(out, DateRange{From: FormatLocal(cur), To: FormatLocal(next.Add(-time.Millisecond))})
		cur = next
	}
	return out, nil
}

func (g *Granularity) describe() string {
	if g.Standard {
		return g.Name
	}
	return g.Interval.String()
}
