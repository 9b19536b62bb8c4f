package granularity

import (
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

// Bucket returns the SQL bucketing the local timestamp expression by g.
// queryOffset is the query-time shift applied to standard granularities;
// it cannot be combined with a custom granularity.
func Bucket(d *dialect.Dialect, local string, g *Granularity, queryOffset core.Interval) (string, error) {
	if !queryOffset.IsZero() {
		if !g.Standard {
			return "", core.NewGranularityConflictError(
				"Query-time offset parameter cannot be used with custom granularity '%s'", g.Name)
		}
		return shifted(d, local, g.Name, queryOffset), nil
	}
	if unit, ok := g.truncationUnit(); ok {
		return shifted(d, local, unit, g.Offset), nil
	}
	return d.DateBin(g.Interval, local, FormatLocal(g.OriginTime())), nil
}

// shifted truncates after moving the grid by off, then moves it back.
func shifted(d *dialect.Dialect, local, unit string, off core.Interval) string {
	if off.IsZero() {
		return d.Truncate(unit, local)
	}
	return d.AddInterval(d.Truncate(unit, d.SubtractInterval(local, off)), off)
}
