package format

import (
	"strconv"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

func (p *Printer) formatSelectStmt(stmt *core.SelectStmt) {
	if stmt == nil {
		return
	}

	if len(stmt.With) > 0 {
		p.formatWith(stmt.With)
	}

	p.keyword("SELECT")
	if stmt.Distinct {
		p.space()
		p.keyword("DISTINCT")
	}
	p.writeln()

	p.indent()
	if len(stmt.Columns) == 0 {
		p.write("*")
	}
	p.formatList(len(stmt.Columns), func(i int) { p.formatSelectItem(stmt.Columns[i]) }, ",", true)
	p.writeln()
	p.dedent()

	if stmt.From != nil {
		p.keyword("FROM")
		p.space()
		p.formatTableRef(stmt.From)
		p.writeln()
	}

	for _, j := range stmt.Joins {
		p.formatJoin(j)
		p.writeln()
	}

	p.formatConditions("WHERE", stmt.Where)

	if len(stmt.GroupBy) > 0 {
		p.keyword("GROUP BY")
		p.writeln()
		p.indent()
		p.formatList(len(stmt.GroupBy), func(i int) { p.writeBlock(stmt.GroupBy[i]) }, ",", false)
		p.writeln()
		p.dedent()
	}

	p.formatConditions("HAVING", stmt.Having)

	if len(stmt.OrderBy) > 0 {
		p.keyword("ORDER BY")
		p.writeln()
		p.indent()
		p.formatList(len(stmt.OrderBy), func(i int) {
			o := stmt.OrderBy[i]
			p.writeBlock(o.Expr)
			p.space()
			if o.Desc {
				p.keyword("DESC")
			} else {
				p.keyword("ASC")
			}
		}, ",", false)
		p.writeln()
		p.dedent()
	}

	p.formatPagination(stmt.Limit, stmt.Offset)
}

func (p *Printer) formatWith(ctes []*core.CTE) {
	p.keyword("WITH")
	p.writeln()
	p.indent()
	p.formatList(len(ctes), func(i int) {
		cte := ctes[i]
		p.ident(cte.Name)
		p.space()
		p.keyword("AS")
		p.write(" (")
		p.writeln()

		p.indent()
		p.formatSelectStmt(cte.Select)
		p.trimNewline()
		p.writeln()
		p.dedent()

		p.write(")")
	}, ",", true)
	p.writeln()
	p.dedent()
}

func (p *Printer) formatSelectItem(item core.SelectItem) {
	p.writeBlock(item.Expr)
	if item.Alias != "" {
		p.space()
		p.keyword("AS")
		p.space()
		p.ident(item.Alias)
	}
}

func (p *Printer) formatConditions(kw string, conds []string) {
	if len(conds) == 0 {
		return
	}
	p.keyword(kw)
	p.writeln()
	p.indent()
	for i, c := range conds {
		if i > 0 {
			p.writeln()
			p.keyword("AND")
			p.space()
		}
		if len(conds) > 1 {
			p.writeBlock("(" + c + ")")
		} else {
			p.writeBlock(c)
		}
	}
	p.writeln()
	p.dedent()
}

func (p *Printer) formatJoin(j *core.Join) {
	switch j.Kind {
	case core.JoinInner:
		p.keyword("INNER JOIN")
	case core.JoinFull:
		p.keyword("FULL JOIN")
	case core.JoinCross:
		p.keyword("CROSS JOIN")
	default:
		p.keyword("LEFT JOIN")
	}
	p.space()
	p.formatTableRef(j.Source)
	if j.Kind != core.JoinCross {
		on := j.On
		if on == "" {
			on = "1 = 1"
		}
		p.space()
		p.keyword("ON")
		p.space()
		p.writeBlock(on)
	}
}

func (p *Printer) formatTableRef(t *core.TableRef) {
	switch {
	case t.Select != nil:
		p.nested(func() { p.formatSelectStmt(t.Select) })
	case len(t.Union) > 0:
		p.nested(func() { p.formatUnion(t.Union) })
	case t.Values != nil:
		p.formatValues(t.Values, t.Alias)
		return
	case t.SQL != "":
		p.nested(func() { p.writeBlock(t.SQL) })
	default:
		p.write(t.Name)
	}
	if t.Alias != "" {
		p.space()
		p.keyword("AS")
		p.space()
		p.ident(t.Alias)
	}
}

func (p *Printer) formatUnion(stmts []*core.SelectStmt) {
	for i, s := range stmts {
		if i > 0 {
			p.keyword("UNION ALL")
			p.writeln()
		}
		p.formatSelectStmt(s)
		p.trimNewline()
		p.writeln()
	}
	p.trimNewline()
}

func (p *Printer) formatValues(v *core.Values, alias string) {
	if p.dialect.ValuesAsUnion {
		p.nested(func() {
			for i, row := range v.Rows {
				if i > 0 {
					p.writeln()
					p.keyword("UNION ALL")
					p.writeln()
				}
				p.keyword("SELECT")
				p.space()
				p.formatList(len(row), func(j int) {
					p.write(row[j])
					p.space()
					p.keyword("AS")
					p.space()
					p.ident(v.Columns[j])
				}, ",", false)
			}
		})
		p.space()
		p.keyword("AS")
		p.space()
		p.ident(alias)
		return
	}

	p.nested(func() {
		p.keyword("VALUES")
		p.writeln()
		p.indent()
		p.formatList(len(v.Rows), func(i int) {
			row := v.Rows[i]
			p.write("(")
			p.formatList(len(row), func(j int) { p.write(row[j]) }, ",", false)
			p.write(")")
		}, ",", true)
		p.dedent()
	})
	p.space()
	p.keyword("AS")
	p.space()
	p.ident(alias)
	p.write(" (")
	p.formatList(len(v.Columns), func(i int) { p.ident(v.Columns[i]) }, ",", false)
	p.write(")")
}

// nested prints body inside an indented parenthesised block.
func (p *Printer) nested(body func()) {
	p.write("(")
	p.writeln()
	p.indent()
	body()
	p.trimNewline()
	p.writeln()
	p.dedent()
	p.write(")")
}

func (p *Printer) formatPagination(limit, offset *int) {
	writeLimit := func() {
		if limit != nil {
			p.keyword("LIMIT")
			p.space()
			p.write(strconv.Itoa(*limit))
			p.writeln()
		}
	}
	writeOffset := func() {
		if offset != nil && *offset > 0 {
			p.keyword("OFFSET")
			p.space()
			p.write(strconv.Itoa(*offset))
			p.writeln()
		}
	}
	if p.dialect.OffsetBeforeLimit {
		writeOffset()
		writeLimit()
		return
	}
	writeLimit()
	writeOffset()
}
