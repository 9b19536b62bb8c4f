package query

import (
	"strconv"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// CompareDateRangeColumn labels the rows of each compared date range.
const CompareDateRangeColumn = "compare_date_range"

// TotalColumn is the output column of CountAll.
const TotalColumn = "total_count"

func (p *Prepared) compareDimension() *TimeDimension {
	for _, td := range p.TimeDimensions {
		if len(td.CompareDateRange) > 0 {
			return td
		}
	}
	return nil
}

// CompareDateRanges compiles p once per compared date range with build and
// stacks the results. ok is false when p compares no date ranges.
func CompareDateRanges(p *Prepared, build BuildFunc) (stmt *core.SelectStmt, ok bool, err error) {
	td := p.compareDimension()
	if td == nil {
		return nil, false, nil
	}
	stmt, err = buildCompare(p, td, build)
	return stmt, true, err
}

func buildCompare(p *Prepared, td *TimeDimension, build BuildFunc) (*core.SelectStmt, error) {
	idx := -1
	for i, other := range p.TimeDimensions {
		if other == td {
			idx = i
		}
	}
	d := p.Env.Dialect
	var parts []*core.SelectStmt
	for i, rng := range td.CompareDateRange {
		c := p.Clone()
		shifted := *td
		shifted.DateRange = rng
		shifted.CompareDateRange = nil
		c.TimeDimensions[idx] = &shifted

		stmt, err := build(c)
		if err != nil {
			return nil, err
		}
		alias := "q_" + strconv.Itoa(i)
		part := &core.SelectStmt{From: core.Subquery(stmt, alias)}
		part.AddColumn(d.StringLiteral(rng[0]+" - "+rng[1]), CompareDateRangeColumn)
		for _, col := range stmt.ColumnAliases() {
			part.AddColumn(d.QuoteIdentifier(alias)+"."+d.QuoteIdentifier(col), col)
		}
		parts = append(parts, part)
	}
	return &core.SelectStmt{From: &core.TableRef{Union: parts, Alias: "compare"}}, nil
}

// CountAll wraps stmt in a count of its rows, dropping pagination.
func CountAll(stmt *core.SelectStmt) *core.SelectStmt {
	inner := *stmt
	inner.OrderBy, inner.Limit, inner.Offset = nil, nil, nil
	out := &core.SelectStmt{From: core.Subquery(&inner, "original_query")}
	out.AddColumn("count(*)", TotalColumn)
	return out
}
