package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/leapcube/pkg/adapter"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var titleCaser = cases.Title(language.English)

// heading renders a section heading: "pre_aggregations" -> "Pre Aggregations".
// It is bold when w is a color terminal.
func heading(w io.Writer, s string) {
	title := titleCaser.String(strings.ReplaceAll(s, "_", " "))
	style := lipgloss.NewRenderer(w).NewStyle().Bold(true)
	_, _ = fmt.Fprintf(w, "%s\n%s\n", style.Render(title), strings.Repeat("-", len(title)))
}

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderRows prints query results as a table, or JSON objects keyed by
// column in json mode.
func renderRows(w io.Writer, res *adapter.Result, mode string) error {
	if mode == modeJSON {
		return renderJSON(w, res.Maps())
	}
	if len(res.Rows) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	header := make([]any, len(res.Columns))
	for i, col := range res.Columns {
		header[i] = col
	}
	t := newTable(w, header...)
	for _, row := range res.Rows {
		out := make(table.Row, len(row))
		for i, v := range row {
			out[i] = formatValue(v)
		}
		t.AppendRow(out)
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(res.Rows))
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

func formatParams(params []any) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("$%d=%s", i+1, formatValue(p))
	}
	return strings.Join(parts, ", ")
}
