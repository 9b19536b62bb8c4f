package model

import (
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// compileView expands a view into a virtual cube. Every included member is
// a copy of the underlying member carrying a Proxy with the view entry's
// join path.
func (m *Model) compileView(v *View, r *core.ErrorReporter) *Cube {
	vc := &Cube{
		Name:        v.Name,
		Title:       v.Title,
		Description: v.Description,
		Public:      v.Public,
		IsView:      true,
		dimensions:  make(map[string]*Dimension),
		measures:    make(map[string]*Measure),
		segments:    make(map[string]*Segment),
		joins:       make(map[string]*Join),
		preAggs:     make(map[string]*PreAggregation),
	}

	seen := make(map[string]bool)
	claim := func(name string) bool {
		if seen[name] {
			r.Errorf("Duplicate property parsing %s", name)
			return false
		}
		seen[name] = true
		return true
	}

	for _, entry := range v.Cubes {
		path := strings.Split(entry.JoinPath, ".")
		ok := true
		for _, name := range path {
			c, exists := m.byName[name]
			if !exists || c.IsView {
				r.Errorf("join_path %s references unknown cube %s", entry.JoinPath, name)
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		target := m.byName[path[len(path)-1]]
		prefix := entry.Alias
		if prefix == "" {
			prefix = target.Name
		}

		excluded := make(map[string]bool, len(entry.Excludes))
		for _, name := range entry.Excludes {
			excluded[name] = true
		}

		var items []IncludeItem
		if entry.Includes.All {
			for _, d := range target.Dimensions {
				items = append(items, IncludeItem{Name: d.Name})
			}
			for _, ms := range target.Measures {
				items = append(items, IncludeItem{Name: ms.Name})
			}
			for _, s := range target.Segments {
				items = append(items, IncludeItem{Name: s.Name})
			}
		} else {
			items = entry.Includes.Members
		}

		for _, item := range items {
			if excluded[item.Name] {
				continue
			}
			mem := target.Member(item.Name)
			if mem == nil {
				r.Errorf("includes unknown member %s.%s", target.Name, item.Name)
				continue
			}
			name := item.Name
			if item.Alias != "" {
				name = item.Alias
			}
			if entry.Prefix {
				name = prefix + "_" + name
			}
			if !claim(name) {
				continue
			}
			proxy := &Proxy{Cube: target.Name, Member: mem.MemberName(), JoinPath: path}

			switch src := mem.(type) {
			case *Dimension:
				d := *src
				d.Name, d.Cube, d.Proxy, d.PrimaryKey = name, vc, proxy, false
				vc.Dimensions = append(vc.Dimensions, &d)
				vc.dimensions[name] = &d
			case *Measure:
				ms := *src
				ms.Name, ms.Cube, ms.Proxy = name, vc, proxy
				vc.Measures = append(vc.Measures, &ms)
				vc.measures[name] = &ms
			case *Segment:
				s := *src
				s.Name, s.Cube, s.Proxy = name, vc, proxy
				vc.Segments = append(vc.Segments, &s)
				vc.segments[name] = &s
			}
		}
	}
	return vc
}
