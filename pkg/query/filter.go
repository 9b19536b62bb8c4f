package query

import (
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cast"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Filter operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "notEquals"
	OpContains       = "contains"
	OpNotContains    = "notContains"
	OpStartsWith     = "startsWith"
	OpNotStartsWith  = "notStartsWith"
	OpEndsWith       = "endsWith"
	OpNotEndsWith    = "notEndsWith"
	OpGt             = "gt"
	OpGte            = "gte"
	OpLt             = "lt"
	OpLte            = "lte"
	OpSet            = "set"
	OpNotSet         = "notSet"
	OpInDateRange    = "inDateRange"
	OpNotInDateRange = "notInDateRange"
	OpBeforeDate     = "beforeDate"
	OpBeforeOrOnDate = "beforeOrOnDate"
	OpAfterDate      = "afterDate"
	OpAfterOrOnDate  = "afterOrOnDate"
	OpMeasureFilter  = "measureFilter"
)

// operators maps each operator to the number of values it needs; -1 means
// one or more.
var operators = map[string]int{
	OpEquals: -1, OpNotEquals: -1,
	OpContains: -1, OpNotContains: -1,
	OpStartsWith: -1, OpNotStartsWith: -1,
	OpEndsWith: -1, OpNotEndsWith: -1,
	OpGt: 1, OpGte: 1, OpLt: 1, OpLte: 1,
	OpSet: 0, OpNotSet: 0,
	OpInDateRange: 2, OpNotInDateRange: 2,
	OpBeforeDate: 1, OpBeforeOrOnDate: 1, OpAfterDate: 1, OpAfterOrOnDate: 1,
	OpMeasureFilter: 0,
}

// isMeasureFilter reports whether a leaf filter belongs in HAVING.
func isMeasureFilter(f *Filter) bool {
	return f.Symbol.Kind() == model.KindMeasure && f.Operator != OpMeasureFilter
}

// splitFilters separates dimension filters from measure filters. An "and"
// group mixing both is split in two; an "or" group can't be.
func splitFilters(filters []*Filter) (dims, measures []*Filter, err error) {
	for _, f := range filters {
		switch {
		case !f.IsLogical():
			if isMeasureFilter(f) {
				measures = append(measures, f)
			} else {
				dims = append(dims, f)
			}
		case f.Or != nil:
			var hasDim, hasMeasure bool
			for _, leaf := range f.Leaves() {
				if isMeasureFilter(leaf) {
					hasMeasure = true
				} else {
					hasDim = true
				}
			}
			switch {
			case hasDim && hasMeasure:
				return nil, nil, core.NewQueryError("You cannot use dimension and measure in same condition")
			case hasMeasure:
				measures = append(measures, f)
			case hasDim:
				dims = append(dims, f)
			}
		default:
			d, m, err := splitFilters(f.And)
			if err != nil {
				return nil, nil, err
			}
			if len(d) > 0 {
				dims = append(dims, &Filter{And: d})
			}
			if len(m) > 0 {
				measures = append(measures, &Filter{And: m})
			}
		}
	}
	return dims, measures, nil
}

// IsMeasure reports whether a member filter compares a measure value.
func (f *Filter) IsMeasure() bool { return !f.IsLogical() && isMeasureFilter(f) }

// SplitFilters separates the filters of p into row filters and measure
// filters.
func (p *Prepared) SplitFilters() (where, having []*Filter, err error) {
	return splitFilters(p.Filters)
}

// RenderFilters renders filter trees with r, one condition per tree.
func (p *Prepared) RenderFilters(r *member.Renderer, filters []*Filter) ([]string, error) {
	var out []string
	for _, f := range filters {
		sql, err := p.renderFilter(r, f, "")
		if err != nil {
			return nil, err
		}
		if sql != "" {
			out = append(out, sql)
		}
	}
	return out, nil
}

// DimensionFilters renders the WHERE part of the filter tree plus segments.
func (p *Prepared) DimensionFilters(r *member.Renderer) ([]string, error) {
	dims, _, err := splitFilters(p.Filters)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range dims {
		sql, err := p.renderFilter(r, f, "")
		if err != nil {
			return nil, err
		}
		if sql != "" {
			out = append(out, sql)
		}
	}
	for _, s := range p.Segments {
		sql, err := r.RenderSymbol(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sql)
	}
	return out, nil
}

// MeasureFilters renders the HAVING part of the filter tree.
func (p *Prepared) MeasureFilters(r *member.Renderer) ([]string, error) {
	_, measures, err := splitFilters(p.Filters)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range measures {
		sql, err := p.renderFilter(r, f, "")
		if err != nil {
			return nil, err
		}
		if sql != "" {
			out = append(out, sql)
		}
	}
	return out, nil
}

// DateRangeCondition renders the date range of td against the raw column.
func (p *Prepared) DateRangeCondition(r *member.Renderer, td *TimeDimension) (string, error) {
	col, err := r.Render(td.Symbol.Member, "")
	if err != nil {
		return "", err
	}
	from, to, err := p.UTCRange(td.DateRange)
	if err != nil {
		return "", err
	}
	d := p.Env.Dialect
	return fmt.Sprintf("%s >= %s AND %s <= %s",
		col, d.TimestampParam(p.Env.Params.Add(from)),
		col, d.TimestampParam(p.Env.Params.Add(to))), nil
}

// UTCRange converts normalized local bounds to UTC in the query timezone.
func (p *Prepared) UTCRange(rng []string) (from, to string, err error) {
	if from, err = granularity.ToUTC(rng[0], p.Query.Timezone); err != nil {
		return "", "", core.NewQueryError("invalid dateRange: %v", err)
	}
	if to, err = granularity.ToUTC(rng[1], p.Query.Timezone); err != nil {
		return "", "", core.NewQueryError("invalid dateRange: %v", err)
	}
	return from, to, nil
}

// Where renders every WHERE condition: dimension filters, segments and the
// date ranges of time dimensions.
func (p *Prepared) Where(r *member.Renderer) ([]string, error) {
	out, err := p.DimensionFilters(r)
	if err != nil {
		return nil, err
	}
	for _, td := range p.TimeDimensions {
		if td.DateRange == nil {
			continue
		}
		cond, err := p.DateRangeCondition(r, td)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

// RenderFilter renders the query filters on path against column. It backs
// FILTER_PARAMS in cube SQL.
func (p *Prepared) RenderFilter(path, column string) (string, bool, error) {
	var conds []string
	var walk func([]*Filter) error
	walk = func(filters []*Filter) error {
		for _, f := range filters {
			if f.IsLogical() {
				// only conjunctions can be pushed into cube SQL
				if f.And != nil {
					if err := walk(f.And); err != nil {
						return err
					}
				}
				continue
			}
			if f.Symbol.Path() != path && f.Symbol.TargetPath() != path {
				continue
			}
			sql, err := p.renderFilter(p.Renderer, f, column)
			if err != nil {
				return err
			}
			conds = append(conds, sql)
		}
		return nil
	}
	if err := walk(p.Filters); err != nil {
		return "", false, err
	}
	if len(conds) == 0 {
		return "", false, nil
	}
	return strings.Join(conds, " AND "), true, nil
}

// renderFilter renders f. column replaces the member SQL when set.
func (p *Prepared) renderFilter(r *member.Renderer, f *Filter, column string) (string, error) {
	s, err := p.sqlizer(r, f, column)
	if err != nil || s == nil {
		return "", err
	}
	sql, args, err := s.ToSql()
	if err != nil {
		return "", fmt.Errorf("filter: %w", err)
	}
	return p.bindArgs(sql, args)
}

func (p *Prepared) sqlizer(r *member.Renderer, f *Filter, column string) (sq.Sqlizer, error) {
	if f.IsLogical() {
		var parts []sq.Sqlizer
		for _, c := range slices.Concat(f.And, f.Or) {
			s, err := p.sqlizer(r, c, column)
			if err != nil {
				return nil, err
			}
			if s != nil {
				parts = append(parts, s)
			}
		}
		switch {
		case len(parts) == 0:
			return nil, nil
		case len(parts) == 1:
			return parts[0], nil
		case f.Or != nil:
			return sq.Or(parts), nil
		}
		return sq.And(parts), nil
	}
	return p.leaf(r, f, column)
}

func (p *Prepared) leaf(r *member.Renderer, f *Filter, column string) (sq.Sqlizer, error) {
	if n := operators[f.Operator]; n > 0 && len(f.Values) < n || n < 0 && len(f.Values) == 0 {
		return nil, core.NewQueryError("filter %s %s requires values", f.Symbol.Name, f.Operator)
	}
	if f.Operator == OpMeasureFilter {
		m := f.Symbol.Measure()
		if m == nil {
			return nil, core.NewQueryError("measureFilter can only be applied to measures, got %s", f.Symbol.Name)
		}
		sql, err := r.RenderMeasureFilters(m)
		if err != nil {
			return nil, err
		}
		return sq.Expr(escape(sql)), nil
	}

	col := column
	if col == "" {
		var err error
		if col, err = r.RenderSymbol(f.Symbol); err != nil {
			return nil, err
		}
	}
	col = escape(col)
	d := p.Env.Dialect
	ts := d.TimestampParam("?")

	switch f.Operator {
	case OpEquals, OpNotEquals:
		vals, err := p.coerce(f.Symbol, f.Values)
		if err != nil {
			return nil, err
		}
		var v any = vals
		if len(vals) == 1 {
			v = vals[0]
		}
		if f.Operator == OpEquals {
			return sq.Eq{col: v}, nil
		}
		return sq.Or{sq.NotEq{col: v}, sq.Expr(col + " IS NULL")}, nil

	case OpContains, OpStartsWith, OpEndsWith:
		or := make(sq.Or, 0, len(f.Values))
		for _, v := range f.Values {
			or = append(or, sq.Like{"LOWER(" + col + ")": likePattern(f.Operator, v)})
		}
		if len(or) == 1 {
			return or[0], nil
		}
		return or, nil

	case OpNotContains, OpNotStartsWith, OpNotEndsWith:
		and := make(sq.And, 0, len(f.Values))
		for _, v := range f.Values {
			and = append(and, sq.NotLike{"LOWER(" + col + ")": likePattern(f.Operator, v)})
		}
		return sq.Or{and, sq.Expr(col + " IS NULL")}, nil

	case OpGt, OpGte, OpLt, OpLte:
		op := map[string]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[f.Operator]
		if f.Symbol.IsTime() {
			v, err := p.utc(f.Values[0], f.Operator == OpGt || f.Operator == OpLte)
			if err != nil {
				return nil, err
			}
			return sq.Expr(col+" "+op+" "+ts, v), nil
		}
		vals, err := p.coerce(f.Symbol, f.Values[:1])
		if err != nil {
			return nil, err
		}
		return sq.Expr(col+" "+op+" ?", vals[0]), nil

	case OpSet:
		return sq.Expr(col + " IS NOT NULL"), nil
	case OpNotSet:
		return sq.Expr(col + " IS NULL"), nil

	case OpInDateRange, OpNotInDateRange:
		from, err := p.utc(f.Values[0], false)
		if err != nil {
			return nil, err
		}
		to, err := p.utc(f.Values[1], true)
		if err != nil {
			return nil, err
		}
		if reversed(from, to) {
			return nil, core.NewQueryError("invalid %s filter on %s: start %s is after end %s",
				f.Operator, f.Symbol.Name, f.Values[0], f.Values[1])
		}
		if f.Operator == OpInDateRange {
			return sq.Expr(col+" >= "+ts+" AND "+col+" <= "+ts, from, to), nil
		}
		return sq.Expr("("+col+" < "+ts+" OR "+col+" > "+ts+")", from, to), nil

	case OpBeforeDate, OpBeforeOrOnDate, OpAfterDate, OpAfterOrOnDate:
		op, end := map[string]string{
			OpBeforeDate: "<", OpBeforeOrOnDate: "<=", OpAfterDate: ">", OpAfterOrOnDate: ">=",
		}[f.Operator], f.Operator == OpBeforeOrOnDate || f.Operator == OpAfterDate
		v, err := p.utc(f.Values[0], end)
		if err != nil {
			return nil, err
		}
		return sq.Expr(col+" "+op+" "+ts, v), nil
	}
	return nil, core.NewQueryError("unknown filter operator %q for %s", f.Operator, f.Symbol.Name)
}

// reversed reports whether the timestamp from is after to.
func reversed(from, to string) bool {
	start, err := granularity.ParseLocal(from)
	if err != nil {
		return false
	}
	end, err := granularity.ParseLocal(to)
	return err == nil && start.After(end)
}

func likePattern(op, v string) string {
	v = strings.ToLower(v)
	switch op {
	case OpStartsWith, OpNotStartsWith:
		return v + "%"
	case OpEndsWith, OpNotEndsWith:
		return "%" + v
	}
	return "%" + v + "%"
}

// utc converts a filter date to a UTC timestamp. end selects the last
// millisecond of a date-only value.
func (p *Prepared) utc(v string, end bool) (string, error) {
	format := granularity.FormatFrom
	if end {
		format = granularity.FormatTo
	}
	local, err := format(v)
	if err != nil {
		return "", core.NewQueryError("invalid date %q: %v", v, err)
	}
	out, err := granularity.ToUTC(local, p.Query.Timezone)
	if err != nil {
		return "", core.NewQueryError("invalid date %q: %v", v, err)
	}
	return out, nil
}

// coerce converts filter values to the type of the filtered member.
func (p *Prepared) coerce(sym *member.Symbol, values []string) ([]any, error) {
	typ := ""
	if d := sym.Dimension(); d != nil {
		typ = d.Type
	} else if sym.Kind() == model.KindMeasure {
		typ = model.TypeNumber
	}
	out := make([]any, len(values))
	for i, v := range values {
		switch typ {
		case model.TypeNumber:
			if n, err := cast.ToInt64E(v); err == nil {
				out[i] = n
				continue
			}
			n, err := cast.ToFloat64E(v)
			if err != nil {
				return nil, core.NewQueryError("invalid number %q for %s", v, sym.Name)
			}
			out[i] = n
		case model.TypeBoolean:
			b, err := cast.ToBoolE(v)
			if err != nil {
				return nil, core.NewQueryError("invalid boolean %q for %s", v, sym.Name)
			}
			out[i] = b
		case model.TypeTime:
			ts, err := p.utc(v, false)
			if err != nil {
				return nil, err
			}
			out[i] = ts
		default:
			out[i] = v
		}
	}
	return out, nil
}

// escape protects literal question marks from squirrel placeholders.
func escape(sql string) string { return strings.ReplaceAll(sql, "?", "??") }

// bindArgs replaces squirrel placeholders with parameter markers.
func (p *Prepared) bindArgs(sql string, args []any) (string, error) {
	var sb strings.Builder
	n := 0
	for i := 0; i < len(sql); i++ {
		if sql[i] != '?' {
			sb.WriteByte(sql[i])
			continue
		}
		if i+1 < len(sql) && sql[i+1] == '?' {
			sb.WriteByte('?')
			i++
			continue
		}
		if n >= len(args) {
			return "", fmt.Errorf("internal: filter has more placeholders than values: %s", sql)
		}
		sb.WriteString(p.Env.Params.Add(args[n]))
		n++
	}
	if n != len(args) {
		return "", fmt.Errorf("internal: filter has %d values for %d placeholders: %s", len(args), n, sql)
	}
	return sb.String(), nil
}
