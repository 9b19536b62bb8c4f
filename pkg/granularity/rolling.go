package granularity

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

// Window offsets.
const (
	OffsetStart = "start"
	OffsetEnd   = "end"
)

// Window is a parsed rolling window.
type Window struct {
	// Trailing and Leading are nil when the bound is absent; the
	// corresponding Unbounded flag drops the bound entirely.
	Trailing          core.Interval
	Leading           core.Interval
	TrailingUnbounded bool
	LeadingUnbounded  bool
	Offset            string

	// ToDate resets accumulation at every bucket of this granularity.
	ToDate *Granularity
}

// NewWindow parses trailing and leading bounds. Empty bounds mean the
// current bucket edge.
func NewWindow(trailing, leading, offset string) (*Window, error) {
	w := &Window{Offset: offset}
	if w.Offset == "" {
		w.Offset = OffsetEnd
	}
	if w.Offset != OffsetStart && w.Offset != OffsetEnd {
		return nil, fmt.Errorf("rolling window offset must be 'start' or 'end', got %q", offset)
	}
	var err error
	switch {
	case strings.EqualFold(trailing, Unbounded):
		w.TrailingUnbounded = true
	case trailing != "":
		if w.Trailing, err = ParseInterval(trailing); err != nil {
			return nil, err
		}
	}
	switch {
	case strings.EqualFold(leading, Unbounded):
		w.LeadingUnbounded = true
	case leading != "":
		if w.Leading, err = ParseInterval(leading); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// NewToDateWindow builds a window that restarts at every bucket of g.
func NewToDateWindow(g *Granularity) *Window {
	return &Window{ToDate: g, Offset: OffsetEnd}
}

// Key identifies windows that can share one cumulative subquery.
func (w *Window) Key() string {
	if w.ToDate != nil {
		return "to_date:" + w.ToDate.Name
	}
	return fmt.Sprintf("%s|%v|%s|%v|%s", w.Trailing, w.TrailingUnbounded, w.Leading, w.LeadingUnbounded, w.Offset)
}

// Granularity returns the finest granularity needed to evaluate the window
// from pre-bucketed data, or "" when any granularity works.
func (w *Window) Granularity() string {
	if w.ToDate != nil {
		return w.ToDate.MinStandard()
	}
	g := ""
	for _, iv := range []core.Interval{w.Trailing, w.Leading} {
		for _, p := range iv {
			u := p.Unit
			if u == core.UnitQuarter {
				u = core.UnitMonth
			}
			g = MinGranularity(g, u)
		}
	}
	return g
}

// JoinCondition renders the predicate matching base rows (field, a local
// timestamp) to a series bucket [from, to].
func (w *Window) JoinCondition(d *dialect.Dialect, field, from, to string) (string, error) {
	if w.ToDate != nil {
		start, err := Bucket(d, from, w.ToDate, nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s >= %s AND %s <= %s", field, start, field, to), nil
	}
	var conds []string
	if !w.TrailingUnbounded {
		start := to
		sign := ">"
		if w.Offset == OffsetStart {
			start, sign = from, ">="
		}
		conds = append(conds, fmt.Sprintf("%s %s %s", field, sign, d.SubtractInterval(start, w.Trailing)))
	}
	if !w.LeadingUnbounded {
		end := to
		sign := "<="
		if w.Offset == OffsetStart {
			end, sign = from, "<"
		}
		conds = append(conds, fmt.Sprintf("%s %s %s", field, sign, d.AddInterval(end, w.Leading)))
	}
	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), nil
}

// RangeCondition restricts base rows to those that can land in any bucket
// of the whole series [from, to]. It is the join condition evaluated
// "from start to end".
func (w *Window) RangeCondition(d *dialect.Dialect, field, from, to string) string {
	if w.ToDate != nil {
		start, err := Bucket(d, from, w.ToDate, nil)
		if err != nil {
			start = from
		}
		return fmt.Sprintf("%s >= %s AND %s <= %s", field, start, field, to)
	}
	var conds []string
	if !w.TrailingUnbounded {
		sign := ">"
		if w.Offset == OffsetStart {
			sign = ">="
		}
		conds = append(conds, fmt.Sprintf("%s %s %s", field, sign, d.SubtractInterval(from, w.Trailing)))
	}
	if !w.LeadingUnbounded {
		sign := "<="
		if w.Offset == OffsetStart {
			sign = "<"
		}
		conds = append(conds, fmt.Sprintf("%s %s %s", field, sign, d.AddInterval(to, w.Leading)))
	}
	if len(conds) == 0 {
		return "1 = 1"
	}
	return strings.Join(conds, " AND ")
}
