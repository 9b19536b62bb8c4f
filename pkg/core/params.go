package core

import (
	"regexp"
	"strconv"
)

// Params allocates parameter markers for one compilation. Values are stored
// by allocation index; the emitter reorders them by position in the final
// SQL text, so markers may be created in any order and reused.
type Params struct {
	values []any
}

// NewParams returns an empty allocator.
func NewParams() *Params { return &Params{} }

// Add stores v and returns its marker, e.g. "$3$".
func (p *Params) Add(v any) string {
	p.values = append(p.values, v)
	return Marker(len(p.values) - 1)
}

// Value returns the value behind marker index i.
func (p *Params) Value(i int) (any, bool) {
	if p == nil || i < 0 || i >= len(p.values) {
		return nil, false
	}
	return p.values[i], true
}

// Len is the number of allocated values.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.values)
}

// Marker formats the marker for allocation index i.
func Marker(i int) string { return "$" + strconv.Itoa(i) + "$" }

// MarkerPattern matches allocated markers inside rendered SQL.
var MarkerPattern = regexp.MustCompile(`\$(\d+)\$`)
