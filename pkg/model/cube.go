package model

import (
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
)

// MemberKind tells dimensions, measures and segments apart.
type MemberKind int

// Member kinds.
const (
	KindDimension MemberKind = iota
	KindMeasure
	KindSegment
)

func (k MemberKind) String() string {
	switch k {
	case KindDimension:
		return "dimension"
	case KindMeasure:
		return "measure"
	case KindSegment:
		return "segment"
	}
	return "member"
}

// Member is implemented by *Dimension, *Measure and *Segment.
type Member interface {
	MemberName() string
	Owner() *Cube
	Kind() MemberKind
	// Path returns "cube.member".
	Path() string
	// Proxied returns the view proxy, or nil for cube members.
	Proxied() *Proxy
}

// Alias returns the SQL alias of the cube.
func (c *Cube) Alias() string {
	if c.SQLAlias != "" {
		return c.SQLAlias
	}
	return c.Name
}

// Dimension looks up a dimension by name.
func (c *Cube) Dimension(name string) *Dimension { return c.dimensions[name] }

// Measure looks up a measure by name.
func (c *Cube) Measure(name string) *Measure { return c.measures[name] }

// Segment looks up a segment by name.
func (c *Cube) Segment(name string) *Segment { return c.segments[name] }

// Join returns the join from c to target.
func (c *Cube) Join(target string) *Join { return c.joins[target] }

// PreAggregation looks up a pre-aggregation by name.
func (c *Cube) PreAggregation(name string) *PreAggregation { return c.preAggs[name] }

// Member looks up any member by name.
func (c *Cube) Member(name string) Member {
	if d := c.dimensions[name]; d != nil {
		return d
	}
	if m := c.measures[name]; m != nil {
		return m
	}
	if s := c.segments[name]; s != nil {
		return s
	}
	return nil
}

// HasAggregatingMeasures reports whether the cube declares measures whose
// value changes under row multiplication.
func (c *Cube) HasAggregatingMeasures() bool {
	for _, m := range c.Measures {
		switch m.Type {
		case MeasureSum, MeasureAvg, MeasureCount, MeasureNumber:
			return true
		}
	}
	return false
}

// MemberName implements Member.
func (d *Dimension) MemberName() string { return d.Name }

// Owner implements Member.
func (d *Dimension) Owner() *Cube { return d.Cube }

// Kind implements Member.
func (d *Dimension) Kind() MemberKind { return KindDimension }

// Path implements Member.
func (d *Dimension) Path() string { return d.Cube.Name + "." + d.Name }

// Proxied implements Member.
func (d *Dimension) Proxied() *Proxy { return d.Proxy }

// IsTime reports whether the dimension is a time dimension.
func (d *Dimension) IsTime() bool { return d.Type == TypeTime }

// Granularity resolves a standard or custom granularity name.
func (d *Dimension) Granularity(name string) (*granularity.Granularity, error) {
	if g, ok := d.granularities[name]; ok {
		return g, nil
	}
	if granularity.IsStandard(name) {
		return granularity.Standard(name)
	}
	return nil, core.NewMemberResolutionError("Granularity \"%s\" does not exist in dimension %s", name, d.Path())
}

// CustomGranularities returns the declared custom granularities.
func (d *Dimension) CustomGranularities() map[string]*granularity.Granularity {
	return d.granularities
}

// MemberName implements Member.
func (m *Measure) MemberName() string { return m.Name }

// Owner implements Member.
func (m *Measure) Owner() *Cube { return m.Cube }

// Kind implements Member.
func (m *Measure) Kind() MemberKind { return KindMeasure }

// Path implements Member.
func (m *Measure) Path() string { return m.Cube.Name + "." + m.Name }

// Proxied implements Member.
func (m *Measure) Proxied() *Proxy { return m.Proxy }

// IsMultiStage reports whether the measure needs the multi-stage planner.
func (m *Measure) IsMultiStage() bool {
	return m.MultiStage || m.Type == MeasureRank || len(m.TimeShift) > 0 || m.Case != nil
}

// IsAggregate reports whether the measure aggregates rows by itself, as
// opposed to calculated types that combine other measures.
func (m *Measure) IsAggregate() bool {
	switch m.Type {
	case MeasureNumber, MeasureString, MeasureTime, MeasureBoolean, MeasureRank:
		return false
	}
	return true
}

// IsAdditive reports whether partial results can be re-aggregated.
func (m *Measure) IsAdditive() bool {
	switch m.Type {
	case MeasureCount, MeasureSum, MeasureMin, MeasureMax, MeasureCountDistinctApprox, MeasureRunningTotal:
		return true
	}
	return false
}

// IsRolling reports whether the measure has a rolling window.
func (m *Measure) IsRolling() bool {
	return m.RollingWindow != nil || m.Type == MeasureRunningTotal
}

// MemberName implements Member.
func (s *Segment) MemberName() string { return s.Name }

// Owner implements Member.
func (s *Segment) Owner() *Cube { return s.Cube }

// Kind implements Member.
func (s *Segment) Kind() MemberKind { return KindSegment }

// Path implements Member.
func (s *Segment) Path() string { return s.Cube.Name + "." + s.Name }

// Proxied implements Member.
func (s *Segment) Proxied() *Proxy { return s.Proxy }

// Model is a compiled set of cubes and views.
type Model struct {
	cubes  []*Cube
	byName map[string]*Cube
}

// Cube looks up a cube or view by name.
func (m *Model) Cube(name string) (*Cube, bool) {
	c, ok := m.byName[name]
	return c, ok
}

// Cubes returns every cube and view in declaration order, cubes first.
func (m *Model) Cubes() []*Cube { return m.cubes }

// Member resolves "cube.member".
func (m *Model) Member(path string) (Member, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, core.NewMemberResolutionError("Member '%s' must be in the form cube.member", path)
	}
	c, ok := m.byName[parts[0]]
	if !ok {
		return nil, core.NewMemberResolutionError("Cube '%s' not found for path '%s'", parts[0], path)
	}
	mem := c.Member(parts[1])
	if mem == nil {
		return nil, core.NewMemberResolutionError("'%s' not found for path '%s'", parts[1], path)
	}
	return mem, nil
}

// Underlying follows a view proxy to the cube member it exposes.
func (m *Model) Underlying(mem Member) Member {
	for p := mem.Proxied(); p != nil; p = mem.Proxied() {
		c, ok := m.byName[p.Cube]
		if !ok {
			return mem
		}
		next := c.Member(p.Member)
		if next == nil {
			return mem
		}
		mem = next
	}
	return mem
}
