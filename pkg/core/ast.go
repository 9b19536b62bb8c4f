package core

// ---------- Statement Types ----------
//
// The planner builds statements out of already-rendered SQL expressions.
// Identifiers inside expressions are quoted by whoever renders them; the
// printer quotes only the aliases it owns (column, table and CTE aliases).
// Parameter values never appear inline: they are carried as $n$ markers
// and collected by the printer in order of appearance.

// SelectStmt represents a complete SELECT statement with optional WITH clause.
type SelectStmt struct {
	With     []*CTE
	Distinct bool
	Columns  []SelectItem
	From     *TableRef
	Joins    []*Join
	Where    []string // ANDed
	GroupBy  []string
	Having   []string // ANDed
	OrderBy  []OrderItem
	Limit    *int
	Offset   *int
}

// CTE represents a Common Table Expression.
type CTE struct {
	Name   string
	Select *SelectStmt
}

// SelectItem is one output column.
type SelectItem struct {
	Expr  string
	Alias string
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr string
	Desc bool
}

// JoinKind names a join flavour.
type JoinKind string

// JoinKind constants.
const (
	JoinInner JoinKind = "INNER"
	JoinLeft  JoinKind = "LEFT"
	JoinFull  JoinKind = "FULL"
	JoinCross JoinKind = "CROSS"
)

// Join attaches a source to the statement's FROM clause.
type Join struct {
	Kind   JoinKind
	Source *TableRef
	On     string
}

// TableRef is a FROM source. Exactly one of Name, SQL, Select, Union or
// Values is set.
type TableRef struct {
	Name   string        // physical table, printed verbatim
	SQL    string        // raw SQL text wrapped in parentheses
	Select *SelectStmt   // nested statement
	Union  []*SelectStmt // UNION ALL of nested statements
	Values *Values
	Alias  string
}

// Values is an inline row set, e.g. the time series of a rolling window or
// the enumeration of a switch dimension.
type Values struct {
	Columns []string
	Rows    [][]string
}

// Table builds a physical table reference.
func Table(name, alias string) *TableRef { return &TableRef{Name: name, Alias: alias} }

// Subquery builds a nested statement reference.
func Subquery(s *SelectStmt, alias string) *TableRef { return &TableRef{Select: s, Alias: alias} }

// RawSource wraps raw SQL text as a source.
func RawSource(sql, alias string) *TableRef { return &TableRef{SQL: sql, Alias: alias} }

// AddColumn appends an output column.
func (s *SelectStmt) AddColumn(expr, alias string) {
	s.Columns = append(s.Columns, SelectItem{Expr: expr, Alias: alias})
}

// AddJoin appends a join.
func (s *SelectStmt) AddJoin(kind JoinKind, src *TableRef, on string) {
	s.Joins = append(s.Joins, &Join{Kind: kind, Source: src, On: on})
}

// ColumnAliases lists the output aliases in order.
func (s *SelectStmt) ColumnAliases() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Alias
	}
	return out
}

// IntPtr is a convenience for Limit and Offset.
func IntPtr(n int) *int { return &n }
