package granularity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialects/postgres"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input string
		want  core.Interval
	}{
		{"1 day", core.Interval{{Value: 1, Unit: "day"}}},
		{"-1 day", core.Interval{{Value: -1, Unit: "day"}}},
		{"2 years 15 months", core.Interval{{Value: 2, Unit: "year"}, {Value: 15, Unit: "month"}}},
		{"3 mins", core.Interval{{Value: 3, Unit: "minute"}}},
		{"  6 Months ", core.Interval{{Value: 6, Unit: "month"}}},
		{"1 quarter", core.Interval{{Value: 1, Unit: "quarter"}}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"2 fortnights", "day", "", "1 day 2"} {
		_, err := ParseInterval(bad)
		assert.Error(t, err, bad)
	}
}

func TestBucket(t *testing.T) {
	d := postgres.Postgres
	hourBy5 := mustCustom(t, "one_hour_by_5min_offset", "1 hour", "", "5 minutes")
	halfYear := mustCustom(t, "half_year", "6 months", "2024-01-01", "")

	tests := []struct {
		name   string
		g      *Granularity
		offset core.Interval
		want   string
	}{
		{"standard", MustStandard("day"), nil, "date_trunc('day', x)"},
		{"query offset", MustStandard("day"), core.Interval{{Value: 1, Unit: "hour"}},
			"(date_trunc('day', (x + interval '-1 hour')) + interval '1 hour')"},
		{"custom single unit with offset", hourBy5, nil,
			"(date_trunc('hour', (x + interval '-5 minute')) + interval '5 minute')"},
		{"custom with origin", halfYear, nil,
			"('2024-01-01 00:00:00.000'::timestamp + interval '1 month' * CAST(FLOOR((CAST((EXTRACT(YEAR FROM x) - EXTRACT(YEAR FROM '2024-01-01 00:00:00.000'::timestamp)) * 12 + EXTRACT(MONTH FROM x) - EXTRACT(MONTH FROM '2024-01-01 00:00:00.000'::timestamp) AS integer) - CASE WHEN '2024-01-01 00:00:00.000'::timestamp + interval '1 month' * CAST((EXTRACT(YEAR FROM x) - EXTRACT(YEAR FROM '2024-01-01 00:00:00.000'::timestamp)) * 12 + EXTRACT(MONTH FROM x) - EXTRACT(MONTH FROM '2024-01-01 00:00:00.000'::timestamp) AS integer) > x THEN 1 ELSE 0 END) / 6.0) * 6 AS integer))"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Bucket(d, "x", tt.g, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBucket_QueryOffsetWithCustomGranularity(t *testing.T) {
	g := mustCustom(t, "half_year", "6 months", "2024-01-01", "")
	_, err := Bucket(postgres.Postgres, "x", g, core.Interval{{Value: 1, Unit: "day"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Query-time offset parameter cannot be used with custom granularity")
	kind, ok := core.ErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindGranularityConflict, kind)
}

func TestAlign(t *testing.T) {
	day := func(s string) time.Time {
		v, err := ParseLocal(s)
		require.NoError(t, err)
		return v
	}
	weekByFriday := mustCustom(t, "week_by_friday", "1 week", "", "4 days")
	twoWeeks := mustCustom(t, "two_weeks_by_friday", "2 weeks", "2024-08-23", "")
	halfYear := mustCustom(t, "half_year", "6 months", "2024-01-01", "")
	fiscal := mustCustom(t, "fiscal_year_by_15th_march", "1 year", "2024-03-15", "")

	tests := []struct {
		name string
		g    *Granularity
		at   string
		want string
	}{
		{"iso week", MustStandard("week"), "2024-01-03T10:00:00", "2024-01-01T00:00:00.000"},
		{"week shifted by 4 days", weekByFriday, "2024-01-01", "2023-12-29T00:00:00.000"},
		{"two weeks before origin", twoWeeks, "2024-08-01", "2024-07-26T00:00:00.000"},
		{"two weeks on origin", twoWeeks, "2024-08-23", "2024-08-23T00:00:00.000"},
		{"half year", halfYear, "2025-03-10", "2025-01-01T00:00:00.000"},
		{"half year before origin", halfYear, "2023-09-10", "2023-07-01T00:00:00.000"},
		{"fiscal year", fiscal, "2024-03-14", "2023-03-15T00:00:00.000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatLocal(tt.g.Align(day(tt.at))))
		})
	}
}

func TestTruncateIdempotent(t *testing.T) {
	ts := time.Date(2024, 5, 17, 13, 45, 12, 0, time.UTC)
	for _, unit := range StandardNames {
		once := Truncate(ts, unit)
		assert.Equal(t, once, Truncate(once, unit), unit)
	}
}

func TestTimeSeries(t *testing.T) {
	t.Run("day", func(t *testing.T) {
		got, err := TimeSeries(MustStandard("day"), "2024-01-01", "2024-01-03")
		require.NoError(t, err)
		assert.Equal(t, []DateRange{
			{"2024-01-01T00:00:00.000", "2024-01-01T23:59:59.999"},
			{"2024-01-02T00:00:00.000", "2024-01-02T23:59:59.999"},
			{"2024-01-03T00:00:00.000", "2024-01-03T23:59:59.999"},
		}, got)
	})

	t.Run("month snaps to start", func(t *testing.T) {
		got, err := TimeSeries(MustStandard("month"), "2024-01-15", "2024-03-10")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, DateRange{"2024-02-01T00:00:00.000", "2024-02-29T23:59:59.999"}, got[1])
	})

	t.Run("custom half year", func(t *testing.T) {
		g := mustCustom(t, "half_year", "6 months", "2024-01-01", "")
		got, err := TimeSeries(g, "2024-01-01", "2025-12-31")
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "2024-07-01T00:00:00.000", got[1].From)
		assert.Equal(t, "2025-12-31T23:59:59.999", got[3].To)
	})

	t.Run("over limit", func(t *testing.T) {
		_, err := TimeSeries(MustStandard("second"), "2024-01-01", "2024-01-02")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is over limit (50000)")
	})
}

func TestMinGranularity(t *testing.T) {
	assert.Equal(t, "day", MinGranularity("month", "week"))
	assert.Equal(t, "quarter", MinGranularity("year", "quarter"))
	assert.Equal(t, "day", MinGranularity("", "day"))
	assert.Equal(t, "hour", MinGranularity("hour", "hour"))
}

func TestFor(t *testing.T) {
	tests := map[string]string{
		"2024-01-01":          "year",
		"2024-03-01":          "month",
		"2024-01-08":          "week",
		"2024-01-09":          "day",
		"2024-01-09T10:00:00": "hour",
		"2024-01-09T10:05:00": "minute",
		"2024-01-09T10:05:01": "second",
	}
	for in, want := range tests {
		ts, err := ParseLocal(in)
		require.NoError(t, err)
		assert.Equal(t, want, For(ts), in)
	}
}

func TestRollupGranularity(t *testing.T) {
	halfYear := mustCustom(t, "half_year", "6 months", "2024-01-01", "")
	tests := []struct {
		name  string
		g     *Granularity
		dates core.DateRange
		want  string
	}{
		{"day over a month", MustStandard("day"), core.DateRange{"2024-01-01", "2024-01-31"}, "day"},
		{"no granularity over a year", nil, core.DateRange{"2024-01-01", "2024-12-31"}, "year"},
		{"month over half a year", MustStandard("month"), core.DateRange{"2024-01-01", "2024-06-30"}, "month"},
		{"custom aligned", halfYear, core.DateRange{"2024-01-01", "2025-12-31"}, "half_year"},
		{"custom unaligned", halfYear, core.DateRange{"2024-01-15", "2025-12-31"}, "day"},
		{"no range", MustStandard("week"), nil, "week"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RollupGranularity(tt.g, tt.dates)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, []string{"half_year", "month", "day", "hour", "minute", "second"}, halfYear.Hierarchy())
}

func TestToUTC(t *testing.T) {
	got, err := ToUTC("2024-07-01T00:00:00.000", "Europe/London")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-30T23:00:00.000Z", got)

	got, err = ToUTC("2024-01-01T00:00:00.000", "")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", got)

	_, err = ToUTC("2024-01-01", "Mars/Olympus")
	assert.Error(t, err)
}

func TestWindowConditions(t *testing.T) {
	d := postgres.Postgres
	tests := []struct {
		name   string
		window func() *Window
		want   string
	}{
		{"trailing offset end", func() *Window { return mustWindow(t, "3 months", "", "") },
			"f > (to + interval '-3 month') AND f <= to"},
		{"trailing offset start", func() *Window { return mustWindow(t, "2 days", "", "start") },
			"f >= (from + interval '-2 day') AND f < from"},
		{"leading", func() *Window { return mustWindow(t, "", "4 months", "") },
			"f > to AND f <= (to + interval '4 month')"},
		{"unbounded", func() *Window { return mustWindow(t, "unbounded", "", "") },
			"f <= to"},
		{"to date", func() *Window { return NewToDateWindow(MustStandard("week")) },
			"f >= date_trunc('week', from) AND f <= to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.window().JoinCondition(d, "f", "from", "to")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	both := mustWindow(t, "unbounded", "unbounded", "")
	assert.Equal(t, "1 = 1", both.RangeCondition(d, "f", "a", "b"))

	_, err := NewWindow("1 day", "", "middle")
	assert.Error(t, err)
}

func mustCustom(t *testing.T, name, interval, origin, offset string) *Granularity {
	t.Helper()
	g, err := NewCustom(name, interval, origin, offset)
	require.NoError(t, err)
	return g
}

func mustWindow(t *testing.T, trailing, leading, offset string) *Window {
	t.Helper()
	w, err := NewWindow(trailing, leading, offset)
	require.NoError(t, err)
	return w
}
