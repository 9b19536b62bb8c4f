package format

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

// Format prints a statement for the dialect. Parameter markers are left in
// place; use Render to bind them.
func Format(stmt *core.SelectStmt, d *dialect.Dialect) string {
	p := newPrinter(d)
	p.formatSelectStmt(stmt)
	return p.String()
}

// Render prints a statement and binds its parameters.
func Render(stmt *core.SelectStmt, d *dialect.Dialect, params *core.Params) (string, []any, error) {
	return Bind(Format(stmt, d), d, params)
}

// Bind replaces $n$ markers in sql by dialect placeholders and returns the
// values in order of appearance. A marker used twice yields two values.
func Bind(sql string, d *dialect.Dialect, params *core.Params) (string, []any, error) {
	positional := d.Placeholder != sq.Question
	if positional {
		// squirrel treats "??" as an escaped literal question mark
		sql = strings.ReplaceAll(sql, "?", "??")
	}

	var (
		args    []any
		bindErr error
	)
	out := core.MarkerPattern.ReplaceAllStringFunc(sql, func(m string) string {
		idx, _ := strconv.Atoi(m[1 : len(m)-1])
		v, ok := params.Value(idx)
		if !ok {
			bindErr = fmt.Errorf("unknown parameter marker %s", m)
			return m
		}
		args = append(args, v)
		return "?"
	})
	if bindErr != nil {
		return "", nil, bindErr
	}

	if positional {
		var err error
		out, err = d.Placeholder.ReplacePlaceholders(out)
		if err != nil {
			return "", nil, fmt.Errorf("failed to apply %s placeholders: %w", d.Name, err)
		}
	}
	return out, args, nil
}
