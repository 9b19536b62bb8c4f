package granularity

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// Unbounded is the rolling window bound without a limit.
const Unbounded = "unbounded"

var intervalLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Integer", Pattern: `[-+]?[0-9]+`},
	{Name: "Unit", Pattern: `[a-zA-Z]+`},
	{Name: "space", Pattern: `\s+`},
})

type intervalAST struct {
	Terms []*termAST `parser:"@@+"`
}

type termAST struct {
	Value int    `parser:"@Integer"`
	Unit  string `parser:"@Unit"`
}

var intervalParser = participle.MustBuild[intervalAST](
	participle.Lexer(intervalLexer),
	participle.Elide("space"),
)

var unitAliases = map[string]string{
	"y": core.UnitYear, "yr": core.UnitYear, "year": core.UnitYear,
	"quarter": core.UnitQuarter, "q": core.UnitQuarter,
	"month": core.UnitMonth, "mon": core.UnitMonth,
	"week": core.UnitWeek, "w": core.UnitWeek,
	"day": core.UnitDay, "d": core.UnitDay,
	"hour": core.UnitHour, "h": core.UnitHour, "hr": core.UnitHour,
	"minute": core.UnitMinute, "min": core.UnitMinute,
	"second": core.UnitSecond, "sec": core.UnitSecond, "s": core.UnitSecond,
}

func normalizeUnit(u string) (string, bool) {
	u = strings.ToLower(u)
	if unit, ok := unitAliases[u]; ok {
		return unit, true
	}
	if strings.HasSuffix(u, "s") {
		unit, ok := unitAliases[strings.TrimSuffix(u, "s")]
		return unit, ok
	}
	return "", false
}

// ParseInterval parses interval text such as "2 years 15 months" or
// "-1 day". Units may be singular or plural.
func ParseInterval(s string) (core.Interval, error) {
	ast, err := intervalParser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	out := make(core.Interval, 0, len(ast.Terms))
	for _, t := range ast.Terms {
		unit, ok := normalizeUnit(t.Unit)
		if !ok {
			return nil, fmt.Errorf("invalid interval %q: unknown unit %q", s, t.Unit)
		}
		out = append(out, core.IntervalPart{Value: t.Value, Unit: unit})
	}
	return out, nil
}

// MustParseInterval is like ParseInterval but panics on error.
func MustParseInterval(s string) core.Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}
