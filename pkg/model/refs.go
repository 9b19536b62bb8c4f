package model

import (
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// Ref is a resolved template reference.
type Ref struct {
	// Cube owns the member, or is the referenced cube when Member is nil.
	Cube        *Cube
	Member      Member
	Granularity string
	// Path lists the cubes named by a qualified reference such as
	// {users.orders.amount}; empty for references to the owner itself.
	Path []string
}

// IsCube reports whether the reference names a cube alias.
func (r Ref) IsCube() bool { return r.Member == nil }

// ResolveRef resolves a template path in the scope of owner.
//
//	CUBE, CUBE.x, x       own cube and members
//	x.g                   own time dimension x at granularity g
//	other, other.x        another cube and its members
//	a.b.x                 member x of b reached through a
func (m *Model) ResolveRef(owner *Cube, path []string) (Ref, error) {
	if len(path) == 0 {
		return Ref{}, core.NewMemberResolutionError("empty reference in cube %s", owner.Name)
	}
	if path[0] == "CUBE" || path[0] == "TABLE" {
		if len(path) == 1 {
			return Ref{Cube: owner}, nil
		}
		return resolveIn(owner, path[1:], nil, path)
	}

	if mem := owner.Member(path[0]); mem != nil {
		return resolveIn(owner, path, nil, path)
	}

	var cubes []string
	i := 0
	for i < len(path) {
		if i > 0 {
			prev := m.byName[cubes[len(cubes)-1]]
			if prev.Member(path[i]) != nil {
				break
			}
		}
		if _, ok := m.byName[path[i]]; !ok {
			break
		}
		cubes = append(cubes, path[i])
		i++
	}
	if len(cubes) == 0 {
		return Ref{}, core.NewMemberResolutionError("Can't resolve '%s' in cube %s", strings.Join(path, "."), owner.Name)
	}
	target := m.byName[cubes[len(cubes)-1]]
	if i == len(path) {
		return Ref{Cube: target, Path: cubes}, nil
	}
	return resolveIn(target, path[i:], cubes, path)
}

func resolveIn(c *Cube, rest, cubes, full []string) (Ref, error) {
	mem := c.Member(rest[0])
	if mem == nil {
		return Ref{}, core.NewMemberResolutionError("Can't resolve '%s': cube %s has no member %s", strings.Join(full, "."), c.Name, rest[0])
	}
	ref := Ref{Cube: c, Member: mem, Path: cubes}
	switch len(rest) {
	case 1:
		return ref, nil
	case 2:
		d, ok := mem.(*Dimension)
		if !ok || !d.IsTime() {
			return Ref{}, core.NewMemberResolutionError("Can't resolve '%s': %s is not a time dimension", strings.Join(full, "."), mem.Path())
		}
		if _, err := d.Granularity(rest[1]); err != nil {
			return Ref{}, err
		}
		ref.Granularity = rest[1]
		return ref, nil
	}
	return Ref{}, core.NewMemberResolutionError("Can't resolve '%s' in cube %s", strings.Join(full, "."), c.Name)
}

// ParseMemberPath parses a pre-aggregation or time shift reference in the
// scope of owner: "x", "CUBE.x", "cube.x" or a qualified "a.b.cube.x".
func ParseMemberPath(owner *Cube, ref string) MemberPath {
	parts := strings.Split(ref, ".")
	if parts[0] == "CUBE" && owner != nil {
		parts[0] = owner.Name
	}
	if len(parts) == 1 {
		name := ""
		if owner != nil {
			name = owner.Name
		}
		return MemberPath{Path: []string{name}, Cube: name, Member: parts[0]}
	}
	cubes := parts[:len(parts)-1]
	return MemberPath{Path: cubes, Cube: cubes[len(cubes)-1], Member: parts[len(parts)-1]}
}

// Lookup resolves a MemberPath to its member.
func (m *Model) Lookup(p MemberPath) (Member, error) {
	c, ok := m.byName[p.Cube]
	if !ok {
		return nil, core.NewMemberResolutionError("Cube '%s' not found for path '%s'", p.Cube, p.Qualified())
	}
	mem := c.Member(p.Member)
	if mem == nil {
		return nil, core.NewMemberResolutionError("'%s' not found for path '%s'", p.Member, p.Qualified())
	}
	return mem, nil
}

// RefPath strips optional ${...} or {...} delimiters from a member
// reference written in YAML and splits it into path segments.
func RefPath(ref string) []string {
	s := strings.TrimSpace(ref)
	s = strings.TrimPrefix(s, "$")
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return strings.Split(s, ".")
}
