package query

import (
	"strconv"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// resolveOrder binds the requested order to output columns, or applies the
// default: the first grouped time dimension ascending, else the first
// measure descending, else the first dimension ascending.
func (p *Prepared) resolveOrder() error {
	p.Order = nil
	if p.Query.Order == nil {
		switch grouped := p.GroupedTimeDimensions(); {
		case len(grouped) > 0:
			p.Order = []OrderItem{{Alias: grouped[0].Symbol.Alias}}
		case len(p.Measures) > 0:
			p.Order = []OrderItem{{Alias: p.Measures[0].Alias, Desc: true}}
		case len(p.Dimensions) > 0:
			p.Order = []OrderItem{{Alias: p.Dimensions[0].Alias}}
		}
		return nil
	}
	for _, o := range p.Query.Order {
		alias, err := p.orderAlias(o.ID)
		if err != nil {
			return err
		}
		p.Order = append(p.Order, OrderItem{Alias: alias, Desc: o.Desc})
	}
	return nil
}

func (p *Prepared) orderAlias(id string) (string, error) {
	for _, c := range p.Columns() {
		if c.Member == id || c.Alias == id {
			return c.Alias, nil
		}
	}
	sym, err := p.Env.Resolver.ResolvePath(id)
	if err != nil {
		return "", err
	}
	for _, td := range p.GroupedTimeDimensions() {
		if td.Symbol.Path() != sym.Path() {
			continue
		}
		if sym.Granularity == "" || sym.Granularity == td.Symbol.Granularity {
			return td.Symbol.Alias, nil
		}
	}
	for _, c := range p.Columns() {
		if c.Alias == sym.Alias {
			return c.Alias, nil
		}
	}
	return "", core.NewQueryError("order member %s is not part of the query", id)
}

// resolveLimit applies the default row limit. Ungrouped queries must stay
// within the maximum; grouped ones are capped.
func (p *Prepared) resolveLimit() error {
	opts := p.Env.Options
	if p.Query.Limit == nil {
		p.Limit = core.IntPtr(opts.DefaultLimit)
		return nil
	}
	limit := *p.Query.Limit
	if limit > opts.MaxLimit {
		if p.Query.Ungrouped {
			return core.NewQueryError("The query limit (%d) exceeds the maximum row limit (%d)", limit, opts.MaxLimit)
		}
		limit = opts.MaxLimit
	}
	p.Limit = core.IntPtr(limit)
	return nil
}

// orderBy maps the order to 1-based column ordinals of aliases.
func orderBy(order []OrderItem, aliases []string) []core.OrderItem {
	pos := make(map[string]int, len(aliases))
	for i, a := range aliases {
		pos[a] = i + 1
	}
	var out []core.OrderItem
	for _, o := range order {
		if n, ok := pos[o.Alias]; ok {
			out = append(out, core.OrderItem{Expr: strconv.Itoa(n), Desc: o.Desc})
		}
	}
	return out
}
