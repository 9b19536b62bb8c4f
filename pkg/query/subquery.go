package query

import (
	"slices"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/member"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// joinSubQueryDimensions compiles every sub-query dimension of the query
// into an aggregated subquery grouped by the owner's primary key, joins it
// and overrides the dimension with the subquery column.
func (b *builder) joinSubQueryDimensions() error {
	syms := slices.Clone(b.p.Dimensions)
	for _, f := range b.p.Filters {
		for _, leaf := range f.Leaves() {
			syms = append(syms, leaf.Symbol)
		}
	}

	overrides := make(map[string]string)
	for _, s := range syms {
		d := s.Dimension()
		if d == nil || !d.SubQuery {
			continue
		}
		if _, done := overrides[d.Path()]; done {
			continue
		}
		sql, err := b.joinSubQueryDimension(d)
		if err != nil {
			return err
		}
		overrides[d.Path()] = sql
	}
	if len(overrides) > 0 {
		b.r = b.r.WithOverrides(overrides)
	}
	return nil
}

func (b *builder) joinSubQueryDimension(d *model.Dimension) (string, error) {
	m := b.p.Env.Model
	owner := d.Cube

	var measures []*model.Measure
	for _, ref := range d.Tmpl.Refs() {
		res, err := m.ResolveRef(owner, ref.Path)
		if err != nil {
			return "", err
		}
		if ms, ok := res.Member.(*model.Measure); ok && ms.Cube != owner && !slices.Contains(measures, ms) {
			measures = append(measures, ms)
		}
	}
	if len(measures) == 0 {
		return "", core.NewSubqueryContractError("Sub query dimension '%s' must reference a measure of another cube", d.Path())
	}
	if len(owner.PrimaryKeys) == 0 {
		return "", core.NewSubqueryContractError("Sub query dimension '%s' requires a primary key on %s", d.Path(), owner.Name)
	}

	q := &core.Query{Timezone: b.p.Query.Timezone}
	for _, ms := range measures {
		q.Measures = append(q.Measures, core.Ref(ms.Path()))
	}
	for _, pk := range owner.PrimaryKeys {
		q.Dimensions = append(q.Dimensions, core.Ref(pk.Path()))
	}
	if d.PropagateFiltersToSubQuery {
		for _, f := range b.p.Query.Filters {
			if !slices.Contains(f.Members(), d.Path()) {
				q.Filters = append(q.Filters, f)
			}
		}
		for _, td := range b.p.Query.TimeDimensions {
			if td.DateRange.IsSet() {
				q.TimeDimensions = append(q.TimeDimensions, core.TimeDimension{Dimension: td.Dimension, DateRange: td.DateRange})
			}
		}
	}

	nested, err := Prepare(b.p.Env, q)
	if err != nil {
		return "", err
	}
	nested.Order, nested.Limit, nested.Offset = nil, nil, 0
	nested.NoPreAggregations = b.p.NoPreAggregations
	stmt, err := Build(nested)
	if err != nil {
		return "", err
	}

	alias := core.SnakeCase(owner.Name) + "_" + d.Name + "_subquery"
	var on string
	for i, pk := range owner.PrimaryKeys {
		sql, err := b.r.RenderDimension(pk)
		if err != nil {
			return "", err
		}
		if i > 0 {
			on += " AND "
		}
		on += sql + " = " + b.quote(alias, core.MemberAlias(owner.Name, pk.Name))
	}
	b.subJoins = append(b.subJoins, &core.Join{Kind: core.JoinLeft, Source: core.Subquery(stmt, alias), On: on})

	overrides := make(map[string]string, len(measures))
	for _, ms := range measures {
		overrides[member.OverrideKey(ms, "")] = b.quote(alias, leafAlias(ms))
	}
	return b.r.WithOverrides(overrides).RenderSubQueryDimension(d)
}
