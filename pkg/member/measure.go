package member

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// RenderMeasure renders the aggregate SQL of a measure. Calculated measures
// render their template, in which measure references are aggregates too.
func (r *Renderer) RenderMeasure(m *model.Measure) (string, error) {
	if sql, ok := r.override(m, ""); ok {
		return sql, nil
	}
	target := r.model.Underlying(m).(*model.Measure)
	return r.visit(target, func() (string, error) {
		switch {
		case target.Type == model.MeasureRank:
			return "", core.NewQueryError("rank measure %s can only be evaluated by the multi-stage planner", target.Path())
		case target.Case != nil:
			return "", core.NewQueryError("case measure %s can only be evaluated by the multi-stage planner", target.Path())
		case !target.IsAggregate():
			return r.render(target.Tmpl, target.Cube, true)
		}
		arg, err := r.MeasureArgument(target)
		if err != nil {
			return "", err
		}
		if r.ungrouped {
			if arg == "" {
				return "1", nil
			}
			return arg, nil
		}
		return r.Aggregate(target, arg), nil
	})
}

// MeasureArgument renders the row-level value a measure aggregates, with
// measure filters applied. It is empty for a plain count(*).
func (r *Renderer) MeasureArgument(m *model.Measure) (string, error) {
	target := r.model.Underlying(m).(*model.Measure)

	var arg string
	switch {
	case target.Tmpl != nil:
		sql, err := r.render(target.Tmpl, target.Cube, true)
		if err != nil {
			return "", err
		}
		arg = sql
	case target.Type == model.MeasureCount && r.keyed[target.Cube.Name]:
		pk, err := r.PrimaryKey(target.Cube)
		if err != nil {
			return "", err
		}
		arg = pk
	}

	if len(target.Filters) == 0 {
		return arg, nil
	}
	cond, err := r.RenderMeasureFilters(target)
	if err != nil {
		return "", err
	}
	then := arg
	if then == "" {
		then = "1"
	}
	return fmt.Sprintf("CASE WHEN %s THEN %s END", cond, then), nil
}

// Aggregate wraps arg in the aggregation of m's type.
func (r *Renderer) Aggregate(m *model.Measure, arg string) string {
	switch m.Type {
	case model.MeasureCount:
		if arg == "" {
			return "count(*)"
		}
		return "count(" + arg + ")"
	case model.MeasureCountDistinct:
		return "count(distinct " + arg + ")"
	case model.MeasureCountDistinctApprox:
		return r.dialect.CountDistinctApprox(arg)
	case model.MeasureSum, model.MeasureRunningTotal:
		return "sum(" + arg + ")"
	case model.MeasureAvg:
		return "avg(" + arg + ")"
	case model.MeasureMin:
		return "min(" + arg + ")"
	case model.MeasureMax:
		return "max(" + arg + ")"
	}
	return arg
}

// Reaggregate combines partial results of an additive measure stored in
// col. ok is false for measures that can't be re-aggregated.
func (r *Renderer) Reaggregate(m *model.Measure, col string) (string, bool, error) {
	switch m.Type {
	case model.MeasureCount, model.MeasureSum, model.MeasureRunningTotal:
		return "sum(" + col + ")", true, nil
	case model.MeasureMin:
		return "min(" + col + ")", true, nil
	case model.MeasureMax:
		return "max(" + col + ")", true, nil
	case model.MeasureCountDistinctApprox:
		sql, err := r.dialect.HLLMerge(col)
		if err != nil {
			return "", false, err
		}
		return sql, true, nil
	}
	return "", false, nil
}

// Leaves returns the aggregating measures a calculated measure is built
// from, in order of first reference. An aggregating measure is its own leaf.
func (r *Renderer) Leaves(m *model.Measure) ([]*model.Measure, error) {
	var out []*model.Measure
	seen := make(map[string]bool)
	var walk func(*model.Measure) error
	walk = func(cur *model.Measure) error {
		target := r.model.Underlying(cur).(*model.Measure)
		if target.IsAggregate() || target.IsMultiStage() {
			if !seen[target.Path()] {
				seen[target.Path()] = true
				out = append(out, target)
			}
			return nil
		}
		_, err := r.visit(target, func() (string, error) {
			for _, t := range model.MemberTemplates(target) {
				if t == nil {
					continue
				}
				for _, ref := range t.Refs() {
					res, err := r.model.ResolveRef(target.Cube, ref.Path)
					if err != nil {
						return "", err
					}
					if dep, ok := res.Member.(*model.Measure); ok {
						if err := walk(dep); err != nil {
							return "", err
						}
					}
				}
			}
			return "", nil
		})
		return err
	}
	if err := walk(m); err != nil {
		return nil, err
	}
	return out, nil
}

// RenderMeasureFilters renders the filters of m as one boolean condition,
// or "1 = 1" when it has none.
func (r *Renderer) RenderMeasureFilters(m *model.Measure) (string, error) {
	target := r.model.Underlying(m).(*model.Measure)
	if len(target.Filters) == 0 {
		return "1 = 1", nil
	}
	conds := make([]string, len(target.Filters))
	for i, f := range target.Filters {
		sql, err := r.render(f.Tmpl, target.Cube, false)
		if err != nil {
			return "", fmt.Errorf("%s filter: %w", target.Path(), err)
		}
		conds[i] = "(" + sql + ")"
	}
	return strings.Join(conds, " AND "), nil
}
