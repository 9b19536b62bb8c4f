package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// KeyList is a member list that distinguishes "absent" from "empty":
// group_by: [] groups to a grand total while a missing group_by keeps the
// query grain.
type KeyList struct {
	Names []string
	Set   bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *KeyList) UnmarshalYAML(node *yaml.Node) error {
	var names []string
	if err := node.Decode(&names); err != nil {
		return err
	}
	k.Names = names
	k.Set = true
	return nil
}

// Keys builds a set KeyList.
func Keys(names ...string) KeyList {
	if names == nil {
		names = []string{}
	}
	return KeyList{Names: names, Set: true}
}

// Includes is either "*" or a list of members, each a name or {name, alias}.
type Includes struct {
	All     bool
	Members []IncludeItem
}

// IncludeItem names one included member with an optional output alias.
type IncludeItem struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (in *Includes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "*" {
			return fmt.Errorf("line %d: includes must be \"*\" or a list, got %q", node.Line, node.Value)
		}
		in.All = true
		return nil
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				in.Members = append(in.Members, IncludeItem{Name: item.Value})
			case yaml.MappingNode:
				var it IncludeItem
				if err := item.Decode(&it); err != nil {
					return err
				}
				if it.Name == "" {
					return fmt.Errorf("line %d: include entry needs a name", item.Line)
				}
				in.Members = append(in.Members, it)
			default:
				return fmt.Errorf("line %d: invalid include entry", item.Line)
			}
		}
		return nil
	}
	return fmt.Errorf("line %d: includes must be \"*\" or a list", node.Line)
}
