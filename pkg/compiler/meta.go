package compiler

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// CubeMeta describes a public cube or view and its members.
type CubeMeta struct {
	Name        string       `json:"name"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Type        string       `json:"type"`
	Measures    []MemberMeta `json:"measures"`
	Dimensions  []MemberMeta `json:"dimensions"`
	Segments    []MemberMeta `json:"segments"`
	// Component is the connected component of the join graph the cube
	// belongs to. Cubes in different components can't be queried together.
	Component int `json:"component"`
}

// MemberMeta describes one member.
type MemberMeta struct {
	Name          string   `json:"name"`
	Title         string   `json:"title"`
	Type          string   `json:"type,omitempty"`
	Description   string   `json:"description,omitempty"`
	Granularities []string `json:"granularities,omitempty"`
}

var titleCaser = cases.Title(language.English)

// humanize turns snake_case names into titles: "line_items" -> "Line Items".
func humanize(name string) string {
	return titleCaser.String(strings.ReplaceAll(name, "_", " "))
}

func titleOr(title, name string) string {
	if title != "" {
		return title
	}
	return humanize(name)
}

func isPublic(p *bool) bool { return p == nil || *p }

// Meta lists the public cubes and views of the model in declaration order.
func (c *Compiler) Meta() []CubeMeta {
	comps := c.graph.ConnectedComponents()
	var out []CubeMeta
	for _, cube := range c.model.Cubes() {
		if !isPublic(cube.Public) {
			continue
		}
		kind := "cube"
		if cube.IsView {
			kind = "view"
		}
		cm := CubeMeta{
			Name:        cube.Name,
			Title:       titleOr(cube.Title, cube.Name),
			Description: cube.Description,
			Type:        kind,
			Measures:    []MemberMeta{},
			Dimensions:  []MemberMeta{},
			Segments:    []MemberMeta{},
			Component:   comps[cube.Name],
		}
		for _, ms := range cube.Measures {
			if !isPublic(ms.Public) {
				continue
			}
			cm.Measures = append(cm.Measures, MemberMeta{
				Name:        cube.Name + "." + ms.Name,
				Title:       titleOr(ms.Title, ms.Name),
				Type:        ms.Type,
				Description: ms.Description,
			})
		}
		for _, d := range cube.Dimensions {
			if !isPublic(d.Public) {
				continue
			}
			mm := MemberMeta{
				Name:        cube.Name + "." + d.Name,
				Title:       titleOr(d.Title, d.Name),
				Type:        d.Type,
				Description: d.Description,
			}
			if d.IsTime() {
				mm.Granularities = granularityNames(d)
			}
			cm.Dimensions = append(cm.Dimensions, mm)
		}
		for _, s := range cube.Segments {
			cm.Segments = append(cm.Segments, MemberMeta{
				Name:  cube.Name + "." + s.Name,
				Title: humanize(s.Name),
			})
		}
		out = append(out, cm)
	}
	return out
}

func granularityNames(d *model.Dimension) []string {
	custom := d.CustomGranularities()
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(append([]string{}, granularity.StandardNames...), names...)
}
