package multistage

import (
	"slices"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// grain is the set of grouping symbols a node is evaluated at, in query
// column order.
type grain []*member.Symbol

func (g grain) key() string {
	aliases := make([]string, len(g))
	for i, s := range g {
		aliases[i] = s.Alias
	}
	slices.Sort(aliases)
	return strings.Join(aliases, ",")
}

func (g grain) has(alias string) bool {
	return slices.ContainsFunc(g, func(s *member.Symbol) bool { return s.Alias == alias })
}

// covers reports whether every symbol of o is in g.
func (g grain) covers(o grain) bool {
	for _, s := range o {
		if !g.has(s.Alias) {
			return false
		}
	}
	return true
}

// without drops symbols whose underlying member path is in paths.
func (g grain) without(paths []string) grain {
	var out grain
	for _, s := range g {
		if !slices.Contains(paths, s.TargetPath()) {
			out = append(out, s)
		}
	}
	return out
}

// only keeps symbols whose underlying member path is in paths.
func (g grain) only(paths []string) grain {
	var out grain
	for _, s := range g {
		if slices.Contains(paths, s.TargetPath()) {
			out = append(out, s)
		}
	}
	return out
}

func (g grain) union(syms ...*member.Symbol) grain {
	out := slices.Clone(g)
	for _, s := range syms {
		if !out.has(s.Alias) {
			out = append(out, s)
		}
	}
	return out
}

// switches returns the switch dimensions of g.
func (g grain) switches() grain {
	var out grain
	for _, s := range g {
		if isSwitch(s) {
			out = append(out, s)
		}
	}
	return out
}

// regular drops switch dimensions, which leaf queries can't group by.
func (g grain) regular() grain {
	var out grain
	for _, s := range g {
		if !isSwitch(s) {
			out = append(out, s)
		}
	}
	return out
}

func isSwitch(s *member.Symbol) bool {
	d := s.Dimension()
	return d != nil && d.Type == model.TypeSwitch
}

func isMultiStageDimension(s *member.Symbol) bool {
	d := s.Dimension()
	return d != nil && d.MultiStage
}
