// Package member binds query member references to the compiled model and
// renders member SQL.
//
// A Resolver turns the strings and inline expressions of a query into
// Symbols: the exposed member (which may be a view member), the cube member
// it stands for, an optional time granularity, the output alias and the
// join hints needed to reach every cube the member's SQL touches. A
// Renderer then expands member templates into dialect SQL, substituting
// already computed columns through overrides.
package member

import (
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/joingraph"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Symbol is a query member bound to the model.
type Symbol struct {
	// Name is the reference as written in the query.
	Name string
	// Member is the member as exposed to the query: a cube member, a view
	// member or a synthetic member built from an inline expression.
	Member model.Member
	// Target is Member with view proxies followed.
	Target model.Member
	// Granularity is set for "cube.time_dim.granularity" references.
	Granularity string
	// Hints reach every cube the member's SQL depends on.
	Hints []joingraph.Hint
	Alias string
	// Expression marks inline member expressions.
	Expression bool
}

// Path returns the exposed "cube.member" path.
func (s *Symbol) Path() string { return s.Member.Path() }

// TargetPath returns the "cube.member" path of the underlying member.
func (s *Symbol) TargetPath() string { return s.Target.Path() }

// Cube returns the cube owning the underlying member.
func (s *Symbol) Cube() *model.Cube { return s.Target.Owner() }

// Kind returns the member kind.
func (s *Symbol) Kind() model.MemberKind { return s.Target.Kind() }

// Dimension returns the underlying dimension, or nil.
func (s *Symbol) Dimension() *model.Dimension {
	d, _ := s.Target.(*model.Dimension)
	return d
}

// Measure returns the underlying measure, or nil.
func (s *Symbol) Measure() *model.Measure {
	m, _ := s.Target.(*model.Measure)
	return m
}

// Segment returns the underlying segment, or nil.
func (s *Symbol) Segment() *model.Segment {
	seg, _ := s.Target.(*model.Segment)
	return seg
}

// IsTime reports whether the symbol is a time dimension.
func (s *Symbol) IsTime() bool {
	d := s.Dimension()
	return d != nil && d.IsTime()
}

// OverrideKey is the key renderers look up for this symbol: the target path,
// suffixed with the granularity for bucketed time dimensions.
func (s *Symbol) OverrideKey() string {
	return OverrideKey(s.Target, s.Granularity)
}

// OverrideKey builds the override key of a member at a granularity.
func OverrideKey(mem model.Member, granularity string) string {
	if granularity == "" {
		return mem.Path()
	}
	return mem.Path() + "." + granularity
}

func (s *Symbol) String() string { return s.Name }

// aliasFor returns the output alias of mem exposed under its own cube name.
func aliasFor(mem model.Member, granularity string) string {
	cube := mem.Owner().Name
	if granularity != "" {
		return core.TimeAlias(cube, mem.MemberName(), granularity)
	}
	return core.MemberAlias(cube, mem.MemberName())
}

// splitReference splits "a.b.member[.granularity]" into the cube chain, the
// member name and the optional granularity.
func splitReference(m *model.Model, path string) (cubes []string, member, gran string, err error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, "", "", core.NewMemberResolutionError("Member '%s' must be in the form cube.member", path)
	}
	i := 0
	for i < len(parts) {
		c, ok := m.Cube(parts[i])
		if !ok {
			break
		}
		cubes = append(cubes, c.Name)
		i++
		// a member sharing its name with a cube wins over the cube
		if i < len(parts) && c.Member(parts[i]) != nil {
			break
		}
	}
	if len(cubes) == 0 {
		return nil, "", "", core.NewMemberResolutionError("Cube '%s' not found for path '%s'", parts[0], path)
	}
	switch len(parts) - i {
	case 0:
		return nil, "", "", core.NewMemberResolutionError("Member '%s' must be in the form cube.member", path)
	case 1:
		return cubes, parts[i], "", nil
	case 2:
		return cubes, parts[i], parts[i+1], nil
	}
	return nil, "", "", core.NewMemberResolutionError("Can't resolve member '%s'", path)
}
