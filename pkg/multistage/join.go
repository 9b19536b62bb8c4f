package multistage

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// joined is a select over node outputs aligned on a grain.
type joined struct {
	stmt *core.SelectStmt
	// r renders members as the joined columns.
	r *member.Renderer
	// keys lists the columns holding each grain key; FULL joined siblings
	// all provide it.
	keys    map[string][]string
	members map[string]bool
}

// key returns the expression of a grain key.
func (j *joined) key(s *member.Symbol) (string, error) {
	cols := j.keys[s.Alias]
	switch len(cols) {
	case 0:
		return "", fmt.Errorf("internal: no source for key %s", s.Alias)
	case 1:
		return cols[0], nil
	}
	return "COALESCE(" + strings.Join(cols, ", ") + ")", nil
}

func (j *joined) hasMember(mem model.Member) bool { return j.members[mem.Path()] }

// join selects from the outputs of deps aligned on g. Nodes at the finest
// grain are FULL joined with null-safe key equality; coarser nodes are LEFT
// joined on the keys they share, or CROSS joined when they share none.
// Switch dimensions of g no node provides are added from their values.
func (pl *Planner) join(deps []*node, g grain) (*joined, error) {
	if len(deps) == 0 {
		return nil, fmt.Errorf("internal: nothing to select at grain %q", g.key())
	}
	sorted := slices.Clone(deps)
	slices.SortStableFunc(sorted, func(a, b *node) int { return cmp.Compare(len(b.out), len(a.out)) })

	j := &joined{keys: make(map[string][]string), members: make(map[string]bool)}
	first := sorted[0]
	j.stmt = &core.SelectStmt{From: core.Table(first.cte, first.cte)}
	for _, s := range first.out {
		j.keys[s.Alias] = []string{pl.quote(first.cte, s.Alias)}
	}

	for _, s := range g.switches() {
		if slices.ContainsFunc(sorted, func(n *node) bool { return n.out.has(s.Alias) }) {
			continue
		}
		pl.addSwitch(j, s)
	}

	for _, n := range sorted[1:] {
		sibling := len(n.out) == len(first.out) && n.out.covers(first.out)
		var on []string
		for _, s := range n.out {
			if _, ok := j.keys[s.Alias]; !ok {
				continue
			}
			left, _ := j.key(s)
			right := pl.quote(n.cte, s.Alias)
			on = append(on, fmt.Sprintf("(%s = %s OR (%s IS NULL AND %s IS NULL))", left, right, left, right))
		}
		kind := core.JoinLeft
		if sibling {
			kind = core.JoinFull
		}
		if len(on) == 0 {
			kind = core.JoinCross
		}
		j.stmt.AddJoin(kind, core.Table(n.cte, n.cte), strings.Join(on, " AND "))
		for _, s := range n.out {
			col := pl.quote(n.cte, s.Alias)
			if _, ok := j.keys[s.Alias]; !ok || kind == core.JoinFull {
				j.keys[s.Alias] = append(j.keys[s.Alias], col)
			}
		}
	}

	overrides := make(map[string]string)
	for _, s := range g {
		if _, ok := j.keys[s.Alias]; !ok {
			continue
		}
		expr, _ := j.key(s)
		overrides[s.OverrideKey()] = expr
		if _, ok := overrides[s.TargetPath()]; !ok {
			overrides[s.TargetPath()] = expr
		}
		j.members[s.TargetPath()] = true
	}
	for _, n := range sorted {
		for path, col := range n.provides() {
			overrides[path] = pl.quote(n.cte, col)
			j.members[path] = true
		}
	}
	j.r = pl.p.Renderer.WithOverrides(overrides)
	return j, nil
}

// addSwitch adds a switch dimension as its pinned value or as a CROSS JOIN
// over its declared values.
func (pl *Planner) addSwitch(j *joined, s *member.Symbol) {
	d := pl.p.Env.Dialect
	dim := s.Dimension()
	if v, ok := pl.pinned[s.TargetPath()]; ok {
		j.keys[s.Alias] = []string{d.StringLiteral(v)}
		return
	}
	values := &core.Values{Columns: []string{s.Alias}}
	for _, v := range dim.Values {
		values.Rows = append(values.Rows, []string{d.StringLiteral(v)})
	}
	alias := s.Alias + "_values"
	j.stmt.AddJoin(core.JoinCross, &core.TableRef{Values: values, Alias: alias}, "")
	j.keys[s.Alias] = []string{pl.quote(alias, s.Alias)}
}
