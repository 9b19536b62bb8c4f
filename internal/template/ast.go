// Package template parses member SQL with ${...} interpolations.
//
// Interpolations name other members (${CUBE.status}, ${users.city}), a
// cube alias (${CUBE}, ${users}), or a context expression evaluated by the
// Starlark context (${FILTER_PARAMS.orders.created_at.filter('ts')}).
// Rendering is a pure substitution pass driven by a caller-supplied
// resolver, so templates never execute host code.
package template

import (
	"strings"
)

// Position tracks source location for error reporting.
type Position struct {
	File   string
	Line   int
	Column int
}

// Node is the interface for all template AST nodes.
type Node interface {
	Pos() Position
	node() // marker method to restrict implementation
}

// nodeBase provides common Position handling for all nodes.
type nodeBase struct {
	pos Position
}

func (n *nodeBase) Pos() Position { return n.pos }
func (n *nodeBase) node()         {}

// TextNode represents literal SQL text (passed through unchanged).
type TextNode struct {
	nodeBase
	Text string
}

// RefNode is a member or cube reference. Path holds the dotted segments.
type RefNode struct {
	nodeBase
	Path []string
}

// String returns the dotted path.
func (r *RefNode) String() string { return strings.Join(r.Path, ".") }

// ExprNode is a context expression (without delimiters).
type ExprNode struct {
	nodeBase
	Expr string
}

// Template represents a complete parsed template.
type Template struct {
	Source string
	Nodes  []Node
	File   string // Source description for error messages
}

// Refs returns every reference node in order of appearance.
func (t *Template) Refs() []*RefNode {
	var out []*RefNode
	for _, n := range t.Nodes {
		if r, ok := n.(*RefNode); ok {
			out = append(out, r)
		}
	}
	return out
}

// Exprs returns every context expression in order of appearance.
func (t *Template) Exprs() []*ExprNode {
	var out []*ExprNode
	for _, n := range t.Nodes {
		if e, ok := n.(*ExprNode); ok {
			out = append(out, e)
		}
	}
	return out
}

// IsStatic reports whether the template has no interpolations.
func (t *Template) IsStatic() bool {
	for _, n := range t.Nodes {
		if _, ok := n.(*TextNode); !ok {
			return false
		}
	}
	return true
}
