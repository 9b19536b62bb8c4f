package core

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Query is a semantic query request. It is transient: one Query is fully
// resolved into SQL and params in a single compile call.
type Query struct {
	Measures         []MemberRef     `json:"measures,omitempty"`
	Dimensions       []MemberRef     `json:"dimensions,omitempty"`
	TimeDimensions   []TimeDimension `json:"timeDimensions,omitempty"`
	Filters          []Filter        `json:"filters,omitempty"`
	Segments         []string        `json:"segments,omitempty"`
	Order            Orders          `json:"order,omitempty"`
	Timezone         string          `json:"timezone,omitempty"`
	Ungrouped        bool            `json:"ungrouped,omitempty"`
	JoinHints        [][]string      `json:"joinHints,omitempty"`
	PreAggregationID string          `json:"preAggregationId,omitempty"`
	Limit            *int            `json:"limit,omitempty"`
	Offset           int             `json:"offset,omitempty"`
	Total            bool            `json:"total,omitempty"`
}

// ParseQuery decodes a JSON query request.
func ParseQuery(data []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		var ue *UserError
		if errors.As(err, &ue) {
			return nil, ue
		}
		// jsoniter flattens errors returned from nested UnmarshalJSON calls.
		if strings.Contains(err.Error(), "filter") {
			return nil, NewMemberResolutionError("invalid query: %v", err)
		}
		return nil, NewQueryError("invalid query: %v", err)
	}
	return &q, nil
}

// UnmarshalJSON accepts both "limit" and the older "rowLimit" key.
func (q *Query) UnmarshalJSON(data []byte) error {
	type plain Query
	aux := struct {
		*plain
		RowLimit any `json:"rowLimit"`
		Limit    any `json:"limit"`
		Offset   any `json:"offset"`
	}{plain: (*plain)(q)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	limit := aux.Limit
	if limit == nil {
		limit = aux.RowLimit
	}
	if limit != nil {
		n, err := cast.ToIntE(limit)
		if err != nil {
			return NewQueryError("invalid limit %v: %v", limit, err)
		}
		q.Limit = &n
	}
	if aux.Offset != nil {
		n, err := cast.ToIntE(aux.Offset)
		if err != nil {
			return NewQueryError("invalid offset %v: %v", aux.Offset, err)
		}
		q.Offset = n
	}
	return nil
}

// MemberRef references a cube member by path, or carries an inline member
// expression bound to a cube.
type MemberRef struct {
	Name       string
	Expression *MemberExpression
}

// MemberExpression is an ad hoc SQL template bound to CubeName.
type MemberExpression struct {
	CubeName   string `json:"cubeName"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Definition string `json:"definition,omitempty"`
}

// Ref is shorthand for a named member reference.
func Ref(name string) MemberRef { return MemberRef{Name: name} }

// Refs converts member names into references.
func Refs(names ...string) []MemberRef {
	out := make([]MemberRef, len(names))
	for i, n := range names {
		out[i] = Ref(n)
	}
	return out
}

// Key identifies the reference for deduplication and caching.
func (m MemberRef) Key() string {
	if m.Expression != nil {
		return m.Expression.CubeName + "." + m.Expression.Name + "|" + m.Expression.Expression
	}
	return m.Name
}

func (m MemberRef) String() string {
	if m.Expression != nil {
		return m.Expression.CubeName + "." + m.Expression.Name
	}
	return m.Name
}

// MarshalJSON writes plain references as strings.
func (m MemberRef) MarshalJSON() ([]byte, error) {
	if m.Expression != nil {
		return json.Marshal(m.Expression)
	}
	return json.Marshal(m.Name)
}

// UnmarshalJSON accepts "cube.member" or a member expression object.
func (m *MemberRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		m.Name = name
		return nil
	}
	var expr MemberExpression
	if err := json.Unmarshal(data, &expr); err != nil {
		return NewMemberResolutionError("invalid member reference %s", string(data))
	}
	if expr.CubeName == "" || expr.Expression == "" {
		return NewMemberResolutionError("member expression requires cubeName and expression: %s", string(data))
	}
	if expr.Name == "" {
		expr.Name = "expr"
	}
	m.Expression = &expr
	return nil
}

// TimeDimension requests a time dimension, optionally bucketed and bounded.
type TimeDimension struct {
	Dimension        string      `json:"dimension"`
	Granularity      string      `json:"granularity,omitempty"`
	DateRange        DateRange   `json:"dateRange,omitempty"`
	CompareDateRange []DateRange `json:"compareDateRange,omitempty"`
	// Offset shifts standard granularity buckets, e.g. "2 hours".
	Offset string `json:"offset,omitempty"`
}

// DateRange is an inclusive [from, to] pair of ISO dates or timestamps.
type DateRange []string

// IsSet reports whether the range has both bounds.
func (d DateRange) IsSet() bool { return len(d) == 2 }

// UnmarshalJSON accepts ["from", "to"] or a single "date" meaning one day.
func (d *DateRange) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		switch len(pair) {
		case 1:
			*d = DateRange{pair[0], pair[0]}
		case 2:
			*d = DateRange(pair)
		default:
			return NewQueryError("dateRange must have two elements, got %d", len(pair))
		}
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return NewQueryError("invalid dateRange %s", string(data))
	}
	*d = DateRange{single, single}
	return nil
}

// Filter is a node of the boolean filter tree. Exactly one of Member, And
// or Or is set.
type Filter struct {
	Member   string
	Operator string
	Values   []string
	And      []Filter
	Or       []Filter
}

// IsLogical reports whether the filter is an and/or group.
func (f Filter) IsLogical() bool { return f.And != nil || f.Or != nil }

// MarshalJSON writes the canonical filter form.
func (f Filter) MarshalJSON() ([]byte, error) {
	switch {
	case f.And != nil:
		return json.Marshal(map[string]any{"and": f.And})
	case f.Or != nil:
		return json.Marshal(map[string]any{"or": f.Or})
	}
	out := map[string]any{"member": f.Member, "operator": f.Operator}
	if f.Values != nil {
		out["values"] = f.Values
	}
	return json.Marshal(out)
}

var filterKeys = map[string]bool{
	"member": true, "dimension": true, "operator": true, "values": true, "and": true, "or": true,
}

// UnmarshalJSON decodes one filter node. Legacy "dimension" is accepted in
// place of "member"; any other key is rejected.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewMemberResolutionError("invalid filter %s: expected an object", string(data))
	}
	for k := range raw {
		if !filterKeys[k] {
			return NewMemberResolutionError("invalid filter key %q in %s", k, string(data))
		}
	}
	if and, ok := raw["and"]; ok {
		if err := json.Unmarshal(and, &f.And); err != nil {
			return err
		}
		if f.And == nil {
			f.And = []Filter{}
		}
		return nil
	}
	if or, ok := raw["or"]; ok {
		if err := json.Unmarshal(or, &f.Or); err != nil {
			return err
		}
		if f.Or == nil {
			f.Or = []Filter{}
		}
		return nil
	}

	member := raw["member"]
	if member == nil {
		member = raw["dimension"]
	}
	if member == nil {
		return NewMemberResolutionError("filter %s has no member", string(data))
	}
	if err := json.Unmarshal(member, &f.Member); err != nil {
		return NewMemberResolutionError("filter member must be a string: %s", string(member))
	}
	if op, ok := raw["operator"]; ok {
		if err := json.Unmarshal(op, &f.Operator); err != nil {
			return NewMemberResolutionError("filter operator must be a string: %s", string(op))
		}
	}
	if f.Operator == "" {
		return NewMemberResolutionError("filter on %s has no operator", f.Member)
	}
	if vals, ok := raw["values"]; ok {
		var anyVals []any
		if err := json.Unmarshal(vals, &anyVals); err != nil {
			return NewMemberResolutionError("filter values must be an array: %s", string(vals))
		}
		f.Values = make([]string, 0, len(anyVals))
		for _, v := range anyVals {
			if v == nil {
				f.Values = append(f.Values, "")
				continue
			}
			s, err := cast.ToStringE(v)
			if err != nil {
				return NewMemberResolutionError("unsupported filter value %v for %s", v, f.Member)
			}
			f.Values = append(f.Values, s)
		}
	}
	return nil
}

// Members returns every member path referenced in the filter tree.
func (f Filter) Members() []string {
	if !f.IsLogical() {
		return []string{f.Member}
	}
	var out []string
	for _, c := range append(append([]Filter{}, f.And...), f.Or...) {
		out = append(out, c.Members()...)
	}
	return out
}

// Order is a single ORDER BY request.
type Order struct {
	ID   string `json:"id"`
	Desc bool   `json:"desc"`
}

// Orders keeps the requested order sequence.
type Orders []Order

// UnmarshalJSON accepts an object {"member": "asc"}, a list of pairs
// [["member", "desc"]] or a list of {id, desc} objects. Object key order is
// preserved.
func (o *Orders) UnmarshalJSON(data []byte) error {
	iter := jsoniter.ParseBytes(json, data)
	switch iter.WhatIsNext() {
	case jsoniter.ObjectValue:
		var out Orders
		iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
			dir := it.ReadString()
			out = append(out, Order{ID: field, Desc: strings.EqualFold(dir, "desc")})
			return true
		})
		if iter.Error != nil {
			return NewQueryError("invalid order: %v", iter.Error)
		}
		*o = out
		return nil
	case jsoniter.ArrayValue:
		var items []jsoniter.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return NewQueryError("invalid order: %v", err)
		}
		out := make(Orders, 0, len(items))
		for _, item := range items {
			var pair []string
			if err := json.Unmarshal(item, &pair); err == nil {
				if len(pair) == 0 || len(pair) > 2 {
					return NewQueryError("invalid order entry %s", string(item))
				}
				ord := Order{ID: pair[0]}
				if len(pair) == 2 {
					ord.Desc = strings.EqualFold(pair[1], "desc")
				}
				out = append(out, ord)
				continue
			}
			var ord Order
			if err := json.Unmarshal(item, &ord); err != nil || ord.ID == "" {
				return NewQueryError("invalid order entry %s", string(item))
			}
			out = append(out, ord)
		}
		*o = out
		return nil
	case jsoniter.NilValue:
		*o = nil
		return nil
	}
	return NewQueryError("invalid order %s", string(data))
}

// AllMembers returns every member path the query references, in request order.
func (q *Query) AllMembers() []string {
	var out []string
	for _, m := range q.Measures {
		out = append(out, m.String())
	}
	for _, d := range q.Dimensions {
		out = append(out, d.String())
	}
	for _, td := range q.TimeDimensions {
		out = append(out, td.Dimension)
	}
	for _, f := range q.Filters {
		out = append(out, f.Members()...)
	}
	out = append(out, q.Segments...)
	return out
}

// Validate performs structural checks that do not need the model.
func (q *Query) Validate() error {
	if q.Limit != nil && *q.Limit < 0 {
		return NewQueryError("limit must be non-negative, got %d", *q.Limit)
	}
	if q.Offset < 0 {
		return NewQueryError("offset must be non-negative, got %d", q.Offset)
	}
	for _, td := range q.TimeDimensions {
		if td.Dimension == "" {
			return NewQueryError("time dimension entry has no dimension")
		}
		if len(td.DateRange) != 0 && len(td.DateRange) != 2 {
			return NewQueryError("dateRange for %s must have two elements", td.Dimension)
		}
	}
	for _, f := range q.Filters {
		if err := validateFilter(f); err != nil {
			return err
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	if f.IsLogical() {
		for _, c := range append(append([]Filter{}, f.And...), f.Or...) {
			if err := validateFilter(c); err != nil {
				return err
			}
		}
		return nil
	}
	if f.Member == "" {
		return NewMemberResolutionError("filter has no member")
	}
	if !strings.Contains(f.Member, ".") {
		return NewMemberResolutionError("filter member %q must be in the form cube.member", f.Member)
	}
	return nil
}

// String renders a short description for logs.
func (q *Query) String() string {
	return fmt.Sprintf("measures=%d dimensions=%d timeDimensions=%d filters=%d",
		len(q.Measures), len(q.Dimensions), len(q.TimeDimensions), len(q.Filters))
}
