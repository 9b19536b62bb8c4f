package model

import "github.com/leapstack-labs/leapcube/pkg/core"

// BaseName returns the unqualified rollup table name: the sql_alias when
// set, else "<cube alias>_<name>" in snake case.
func (p *PreAggregation) BaseName() string {
	if p.SQLAlias != "" {
		return p.SQLAlias
	}
	return core.SnakeCase(p.Cube.Alias()) + "_" + core.SnakeCase(p.Name)
}

// TableName qualifies BaseName with schema.
func (p *PreAggregation) TableName(schema string) string {
	if schema == "" {
		return p.BaseName()
	}
	return schema + "." + p.BaseName()
}

// OriginalSQL returns the cube's originalSql pre-aggregation, if any.
func (c *Cube) OriginalSQL() *PreAggregation {
	for _, p := range c.PreAggregations {
		if p.Type == PreAggOriginalSQL {
			return p
		}
	}
	return nil
}
