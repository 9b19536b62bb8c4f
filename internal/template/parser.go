package template

import (
	"strings"
)

// Parse tokenizes and parses a template. The file argument is only used in
// error positions (for example "orders.status").
func Parse(input, file string) (*Template, error) {
	tokens, err := NewLexer(input, file).Tokenize()
	if err != nil {
		return nil, err
	}

	tmpl := &Template{Source: input, File: file}
	for _, tok := range tokens {
		switch tok.Type {
		case TokenText:
			tmpl.Nodes = append(tmpl.Nodes, &TextNode{nodeBase: nodeBase{pos: tok.Pos}, Text: tok.Value})
		case TokenRef:
			tmpl.Nodes = append(tmpl.Nodes, &RefNode{nodeBase: nodeBase{pos: tok.Pos}, Path: strings.Split(tok.Value, ".")})
		case TokenExpr:
			tmpl.Nodes = append(tmpl.Nodes, &ExprNode{nodeBase: nodeBase{pos: tok.Pos}, Expr: tok.Value})
		case TokenEOF:
		default:
			return nil, errorf(StageParse, tok.Pos, "unexpected token %s", tok.Type)
		}
	}
	return tmpl, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level literals.
func MustParse(input string) *Template {
	t, err := Parse(input, "")
	if err != nil {
		panic(err)
	}
	return t
}

// Resolver substitutes interpolations during rendering.
type Resolver interface {
	ResolveRef(ref *RefNode) (string, error)
	EvalExpr(expr *ExprNode) (string, error)
}

// ResolverFuncs adapts two functions to a Resolver. A nil EvalExpr leaves
// the expression unsupported.
type ResolverFuncs struct {
	Ref  func(ref *RefNode) (string, error)
	Expr func(expr *ExprNode) (string, error)
}

// ResolveRef implements Resolver.
func (f ResolverFuncs) ResolveRef(ref *RefNode) (string, error) { return f.Ref(ref) }

// EvalExpr implements Resolver.
func (f ResolverFuncs) EvalExpr(expr *ExprNode) (string, error) {
	if f.Expr == nil {
		return "", errorf(StageRender, expr.Pos(), "context expressions are not available here")
	}
	return f.Expr(expr)
}

// Render substitutes every interpolation through r.
func (t *Template) Render(r Resolver) (string, error) {
	var sb strings.Builder
	for _, n := range t.Nodes {
		switch n := n.(type) {
		case *TextNode:
			sb.WriteString(n.Text)
		case *RefNode:
			s, err := r.ResolveRef(n)
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
		case *ExprNode:
			s, err := r.EvalExpr(n)
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
		}
	}
	return sb.String(), nil
}
