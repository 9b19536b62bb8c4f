// Package format renders planned SQL statements for a dialect and binds
// their parameters.
package format

import (
	"bytes"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

// Printer lays out SQL text. Each nesting level indents by two spaces and
// indentation is written lazily, when the first token of a line arrives.
type Printer struct {
	dialect *dialect.Dialect
	buf     bytes.Buffer
	depth   int
	fresh   bool // at the start of a line
}

func newPrinter(d *dialect.Dialect) *Printer {
	return &Printer{dialect: d, fresh: true}
}

// String returns the SQL without trailing newlines.
func (p *Printer) String() string {
	return strings.TrimRight(p.buf.String(), "\n")
}

func (p *Printer) write(s string) {
	if s == "" {
		return
	}
	if p.fresh && s[0] != '\n' {
		p.buf.WriteString(strings.Repeat("  ", p.depth))
	}
	p.buf.WriteString(s)
	p.fresh = false
}

// writeBlock writes text that may span lines at the current depth.
func (p *Printer) writeBlock(s string) {
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			p.writeln()
		}
		p.write(line)
	}
}

func (p *Printer) writeln() {
	p.buf.WriteByte('\n')
	p.fresh = true
}

// trimNewline drops trailing newlines so a closing token joins the
// previous line's indentation.
func (p *Printer) trimNewline() {
	n := len(bytes.TrimRight(p.buf.Bytes(), "\n"))
	p.buf.Truncate(n)
	p.fresh = false
}

func (p *Printer) keyword(s string) { p.write(strings.ToUpper(s)) }
func (p *Printer) space()           { p.buf.WriteByte(' ') }
func (p *Printer) ident(name string) {
	p.write(p.dialect.QuoteIdentifier(name))
}

func (p *Printer) indent() { p.depth++ }
func (p *Printer) dedent() {
	if p.depth > 0 {
		p.depth--
	}
}

// formatList prints count items separated by sep, one per line when
// multiline is set.
func (p *Printer) formatList(count int, item func(i int), sep string, multiline bool) {
	for i := range count {
		if i > 0 {
			p.write(sep)
			if multiline {
				p.writeln()
			} else {
				p.space()
			}
		}
		item(i)
	}
}
