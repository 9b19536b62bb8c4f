package template

import (
	"strings"
	"unicode/utf8"
)

// TokenType identifies the type of token.
type TokenType int

// TokenType constants for template token types.
const (
	TokenText TokenType = iota // Literal SQL text
	TokenRef                   // Member path: CUBE, CUBE.status, users.city
	TokenExpr                  // Context expression: FILTER_PARAMS.orders.created_at.filter('ts')
	TokenEOF                   // End of input
)

func (t TokenType) String() string {
	switch t {
	case TokenText:
		return "TEXT"
	case TokenRef:
		return "REF"
	case TokenExpr:
		return "EXPR"
	case TokenEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// Token represents a lexical token.
type Token struct {
	Type  TokenType
	Value string
	Pos   Position
}

// contextRoots are the identifiers whose interpolations are evaluated as
// expressions rather than resolved as member paths.
var contextRoots = []string{"SECURITY_CONTEXT", "FILTER_PARAMS", "FILTER_GROUP", "COMPILE_CONTEXT"}

// IsContextExpr reports whether an interpolation body is a context expression.
func IsContextExpr(body string) bool {
	for _, root := range contextRoots {
		if body == root || strings.HasPrefix(body, root+".") || strings.HasPrefix(body, root+"(") {
			return true
		}
	}
	return false
}

// Lexer tokenizes member SQL. Two interpolation forms are recognised:
// ${...} is always an interpolation; bare {...} is one only when its body
// is a member path or a context expression, so JSON or regex braces in SQL
// pass through as text.
type Lexer struct {
	input    string
	file     string
	pos      int // current position in input
	line     int // current line number (1-based)
	col      int // current column number (1-based)
	lastLine int // line at start of current token
	lastCol  int // column at start of current token
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input, file string) *Lexer {
	return &Lexer{
		input: input,
		file:  file,
		line:  1,
		col:   1,
	}
}

// Tokenize converts the input into a slice of tokens.
func (l *Lexer) Tokenize() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		// Merge adjacent text produced by brace fallbacks.
		if tok.Type == TokenText && len(tokens) > 0 && tokens[len(tokens)-1].Type == TokenText {
			tokens[len(tokens)-1].Value += tok.Value
			continue
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return tokens, nil
}

func (l *Lexer) nextToken() (Token, error) {
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.position()}, nil
	}
	if l.matchString("${") {
		return l.scanInterpolation(2, true)
	}
	if l.peek() == '{' {
		return l.scanInterpolation(1, false)
	}
	return l.scanText()
}

// scanText scans literal text until a possible interpolation or EOF.
func (l *Lexer) scanText() (Token, error) {
	l.markStart()
	start := l.pos
	for l.pos < len(l.input) {
		if l.peek() == '{' || l.matchString("${") {
			break
		}
		l.advance()
	}
	if l.pos == start {
		return Token{}, errorf(StageLex, l.position(), "unexpected state in lexer")
	}
	return Token{Type: TokenText, Value: l.input[start:l.pos], Pos: l.startPosition()}, nil
}

// scanInterpolation scans an interpolation opened by a delimiter of width
// open. Quotes inside the body are honoured so that
// FILTER_PARAMS...filter('}') does not terminate early.
func (l *Lexer) scanInterpolation(open int, strict bool) (Token, error) {
	l.markStart()
	begin := l.pos
	bodyStart := l.pos + open
	depth := 0
	var quote byte

	i := bodyStart
	for ; i < len(l.input); i++ {
		c := l.input[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '{':
			depth++
		case '}':
			if depth == 0 {
				body := strings.TrimSpace(l.input[bodyStart:i])
				typ, ok := classify(body)
				if !ok {
					if strict {
						return Token{}, errorf(StageLex, l.startPosition(), "invalid interpolation '%s'", body)
					}
					return l.literalBrace()
				}
				l.advanceTo(i + 1)
				return Token{Type: typ, Value: body, Pos: l.startPosition()}, nil
			}
			depth--
		}
	}

	if strict {
		l.pos = begin
		return Token{}, errorf(StageLex, l.startPosition(), "unclosed interpolation: missing '}'")
	}
	return l.literalBrace()
}

// literalBrace emits a single '{' as text.
func (l *Lexer) literalBrace() (Token, error) {
	pos := l.startPosition()
	l.advance()
	return Token{Type: TokenText, Value: "{", Pos: pos}, nil
}

func classify(body string) (TokenType, bool) {
	if body == "" {
		return TokenText, false
	}
	if IsContextExpr(body) {
		return TokenExpr, true
	}
	if isMemberPath(body) {
		return TokenRef, true
	}
	return TokenText, false
}

func isMemberPath(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if !isIdent(part) {
			return false
		}
	}
	return true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Helper methods

func (l *Lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.pos:])
	return r
}

// advance moves to the next rune, updating position tracking.
func (l *Lexer) advance() {
	if l.pos >= len(l.input) {
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.pos:])
	l.pos += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
}

func (l *Lexer) advanceTo(pos int) {
	for l.pos < pos {
		l.advance()
	}
}

func (l *Lexer) matchString(s string) bool {
	return strings.HasPrefix(l.input[l.pos:], s)
}

func (l *Lexer) markStart() {
	l.lastLine = l.line
	l.lastCol = l.col
}

func (l *Lexer) position() Position {
	return Position{File: l.file, Line: l.line, Column: l.col}
}

func (l *Lexer) startPosition() Position {
	return Position{File: l.file, Line: l.lastLine, Column: l.lastCol}
}
