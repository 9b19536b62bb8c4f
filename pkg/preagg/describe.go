package preagg

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-faster/city"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/format"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
	"github.com/leapstack-labs/leapcube/pkg/model"
	"github.com/leapstack-labs/leapcube/pkg/query"
)

// DefaultRenewalThreshold is the renewal threshold in seconds of refresh
// keys that don't derive one from an interval.
const DefaultRenewalThreshold = 10

// defaultRefresh is the refresh interval of rollups without a refresh key.
var defaultRefresh = core.Interval{{Value: 1, Unit: core.UnitHour}}

// Description tells an orchestrator how to build and refresh one
// pre-aggregation table.
type Description struct {
	PreAggregationID     string          `json:"preAggregationId"`
	Type                 string          `json:"type"`
	TableName            string          `json:"tableName"`
	StructureVersion     string          `json:"structureVersion"`
	VersionedTableName   string          `json:"versionedTableName"`
	Timezone             string          `json:"timezone,omitempty"`
	DataSource           string          `json:"dataSource"`
	External             bool            `json:"external"`
	Granularity          string          `json:"granularity,omitempty"`
	PartitionGranularity string          `json:"partitionGranularity,omitempty"`
	LoadSQL              Statement       `json:"loadSql"`
	InvalidateKeyQueries []InvalidateKey `json:"invalidateKeyQueries"`
	IndexesSQL           []IndexSQL      `json:"indexesSql,omitempty"`
	Partitions           []Partition     `json:"partitions,omitempty"`
	UnionWithSourceData  bool            `json:"unionWithSourceData,omitempty"`
	RollupLambdaID       string          `json:"rollupLambdaId,omitempty"`
	MatchedDateRange     []string        `json:"matchedDateRange,omitempty"`
}

// Statement is SQL with its positional params.
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// InvalidateKey is a query whose result changes when the table must be
// rebuilt.
type InvalidateKey struct {
	Statement
	RenewalThreshold    int  `json:"renewalThreshold"`
	Incremental         bool `json:"incremental,omitempty"`
	UpdateWindowSeconds int  `json:"updateWindowSeconds,omitempty"`
}

// IndexSQL creates one secondary index.
type IndexSQL struct {
	Name string `json:"indexName"`
	SQL  string `json:"sql"`
}

// Partition is one time slice of a partitioned table.
type Partition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	TableName string    `json:"tableName"`
	LoadSQL   Statement `json:"loadSql"`
}

// DescribePlan describes the tables a matched query reads: the rollup
// itself, the rollups a rollupJoin joins, or the rollups a rollupLambda
// unions. Partitions are listed for the query's date range.
func (m *Matcher) DescribePlan(plan *Plan) ([]Description, error) {
	p := plan.Query
	r := plan.Rollup
	var rng []string
	for _, td := range p.TimeDimensions {
		if r.Time != nil && td.DateRange != nil && td.Symbol.TargetPath() == r.Time.Path() {
			rng = td.DateRange
		}
	}
	var out []Description
	for i, t := range tablesOf(r) {
		d, err := m.describe(p.Env, t, p.Query.Timezone, rng)
		if err != nil {
			return nil, err
		}
		if r.Type() == model.PreAggRollupLambda {
			d.RollupLambdaID = r.ID
			d.UnionWithSourceData = r.Def.UnionWithSourceData && i == len(r.Parts)-1
		}
		out = append(out, d)
	}
	return out, nil
}

// DescribeAll describes every rollup table of the model built in tz,
// without partitions.
func (m *Matcher) DescribeAll(env *query.Env, tz string) ([]Description, error) {
	var out []Description
	for _, r := range m.rollups {
		if r.Type() != model.PreAggRollup {
			continue
		}
		d, err := m.describe(env, r, tz, nil)
		if err != nil {
			return nil, fmt.Errorf("pre-aggregation %s: %w", r.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// DescribeOriginalSQL describes the originalSql table of c, or returns
// false when c has none.
func DescribeOriginalSQL(env *query.Env, c *model.Cube) (Description, bool, error) {
	pa := c.OriginalSQL()
	if pa == nil {
		return Description{}, false, nil
	}
	if pa.SQLAlias == "" {
		if err := env.Dialect.CheckIdentifier(pa.BaseName()); err != nil {
			return Description{}, false, err
		}
	}
	fresh := query.NewEnv(env.Model, env.Graph, env.Dialect, env.Options)
	rr, err := fresh.Renderer()
	if err != nil {
		return Description{}, false, err
	}
	src, err := rr.CubeSource(c)
	if err != nil {
		return Description{}, false, err
	}
	sql := src.SQL
	if sql == "" {
		sql = "SELECT * FROM " + src.Name
	}
	table := pa.TableName(env.Options.PreAggregationsSchema)
	load, args, err := format.Bind("CREATE TABLE "+table+" AS "+sql, env.Dialect, fresh.Params)
	if err != nil {
		return Description{}, false, err
	}
	d := Description{
		PreAggregationID: c.Name + "." + pa.Name,
		Type:             pa.Type,
		TableName:        table,
		DataSource:       dataSource(c),
		External:         pa.External,
		LoadSQL:          Statement{SQL: load, Params: args},
	}
	key, err := refreshKey(env, pa)
	if err != nil {
		return Description{}, false, err
	}
	d.InvalidateKeyQueries = []InvalidateKey{key}
	d.StructureVersion = version(load, nil)
	d.VersionedTableName = table + "_" + d.StructureVersion
	return d, true, nil
}

func (m *Matcher) describe(env *query.Env, r *Rollup, tz string, rng []string) (Description, error) {
	pa := r.Def
	table := pa.TableName(env.Options.PreAggregationsSchema)
	load, err := m.loadSQL(env, r, table, tz, nil)
	if err != nil {
		return Description{}, err
	}
	indexes, err := indexesSQL(env, r, table)
	if err != nil {
		return Description{}, err
	}
	d := Description{
		PreAggregationID:     r.ID,
		Type:                 pa.Type,
		TableName:            table,
		Timezone:             tz,
		DataSource:           dataSource(pa.Cube),
		External:             pa.External,
		Granularity:          r.Granularity,
		PartitionGranularity: pa.PartitionGranularity,
		LoadSQL:              load,
		IndexesSQL:           indexes,
		MatchedDateRange:     rng,
	}
	sqls := make([]string, len(indexes))
	for i, idx := range indexes {
		sqls[i] = idx.SQL
	}
	d.StructureVersion = version(load.SQL, sqls)
	d.VersionedTableName = table + "_" + d.StructureVersion

	key, err := refreshKey(env, pa)
	if err != nil {
		return Description{}, err
	}
	d.InvalidateKeyQueries = []InvalidateKey{key}

	if pa.PartitionGranularity != "" && rng != nil {
		if d.Partitions, err = m.partitions(env, r, table, tz, rng); err != nil {
			return Description{}, err
		}
	}
	return d, nil
}

func (m *Matcher) loadSQL(env *query.Env, r *Rollup, table, tz string, rng []string) (Statement, error) {
	fresh := query.NewEnv(env.Model, env.Graph, env.Dialect, env.Options)
	stmt, err := m.build(fresh, r, tz, rng)
	if err != nil {
		return Statement{}, err
	}
	sql, args, err := format.Render(stmt, env.Dialect, fresh.Params)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "CREATE TABLE " + table + " AS " + sql, Params: args}, nil
}

// partitions splits rng into partition tables. A partition table is named
// after the table plus the partition start, e.g. orders_by_month202401.
func (m *Matcher) partitions(env *query.Env, r *Rollup, table, tz string, rng []string) ([]Partition, error) {
	g, err := granularity.Standard(r.Def.PartitionGranularity)
	if err != nil {
		return nil, err
	}
	series, err := granularity.TimeSeries(g, rng[0], rng[1])
	if err != nil {
		return nil, err
	}
	out := make([]Partition, 0, len(series))
	for _, s := range series {
		suffix, err := partitionSuffix(s.From, g.Name)
		if err != nil {
			return nil, err
		}
		name := table + suffix
		load, err := m.loadSQL(env, r, name, tz, []string{s.From, s.To})
		if err != nil {
			return nil, err
		}
		out = append(out, Partition{From: s.From, To: s.To, TableName: name, LoadSQL: load})
	}
	return out, nil
}

var suffixLayouts = map[string]string{
	core.UnitYear:    "2006",
	core.UnitQuarter: "200601",
	core.UnitMonth:   "200601",
	core.UnitWeek:    "20060102",
	core.UnitDay:     "20060102",
	core.UnitHour:    "2006010215",
	core.UnitMinute:  "200601021504",
	core.UnitSecond:  "20060102150405",
}

func partitionSuffix(from, gran string) (string, error) {
	t, err := granularity.ParseLocal(from)
	if err != nil {
		return "", err
	}
	return t.Format(suffixLayouts[gran]), nil
}

// indexesSQL renders CREATE INDEX statements. Index columns naming a
// member of the cube use the member's column.
func indexesSQL(env *query.Env, r *Rollup, table string) ([]IndexSQL, error) {
	d := env.Dialect
	var out []IndexSQL
	for _, idx := range r.Def.Indexes {
		name := r.Def.BaseName() + "_" + core.SnakeCase(idx.Name)
		if err := d.CheckIdentifier(name); err != nil {
			return nil, err
		}
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = d.QuoteIdentifier(indexColumn(env.Model, r, c))
		}
		out = append(out, IndexSQL{
			Name: name,
			SQL:  fmt.Sprintf("CREATE INDEX %s ON %s (%s)", d.QuoteIdentifier(name), table, strings.Join(cols, ", ")),
		})
	}
	return out, nil
}

func indexColumn(m *model.Model, r *Rollup, ref string) string {
	mem, err := m.Lookup(model.ParseMemberPath(r.Def.Cube, ref))
	if err != nil {
		return ref
	}
	if r.Time != nil && mem.Path() == r.Time.Path() {
		return column(mem, r.Granularity)
	}
	return column(mem, "")
}

// version hashes the table structure so that a changed build query or
// index set yields a new versioned table.
func version(load string, indexes []string) string {
	h := city.CH64([]byte(load + "\n" + strings.Join(indexes, "\n")))
	v := strconv.FormatUint(h, 36)
	for len(v) < 8 {
		v = "0" + v
	}
	return v[:8]
}

// refreshKey renders the invalidation query of pa. Incremental keys stop
// changing once the partition end plus the update window has passed.
func refreshKey(env *query.Env, pa *model.PreAggregation) (InvalidateKey, error) {
	d := env.Dialect
	params := core.NewParams()
	rk := pa.RefreshKey
	var key InvalidateKey
	switch {
	case rk != nil && rk.SQL != "":
		key.SQL = rk.SQL
		key.RenewalThreshold = DefaultRenewalThreshold
	default:
		every := defaultRefresh
		threshold := DefaultRenewalThreshold
		if rk != nil && rk.Every != "" {
			iv, err := granularity.ParseInterval(rk.Every)
			if err != nil {
				return InvalidateKey{}, core.NewQueryError("refresh_key.every of %s: %v", pa.Name, err)
			}
			every = iv
			threshold = everyThreshold(seconds(iv))
		}
		key.SQL = fmt.Sprintf("SELECT FLOOR((%s) / %d) AS refresh_key", d.EpochNow(), seconds(every))
		key.RenewalThreshold = threshold
	}

	if rk != nil && rk.Incremental {
		if pa.PartitionGranularity == "" {
			return InvalidateKey{}, core.NewQueryError("Incremental refresh key can only be used for partitioned pre-aggregations")
		}
		var window core.Interval
		if rk.UpdateWindow != "" {
			iv, err := granularity.ParseInterval(rk.UpdateWindow)
			if err != nil {
				return InvalidateKey{}, core.NewQueryError("refresh_key.update_window of %s: %v", pa.Name, err)
			}
			window = iv
			key.UpdateWindowSeconds = int(seconds(iv))
		}
		end := d.TimestampParam(params.Add(LambdaBoundary))
		if !window.IsZero() {
			end = d.AddInterval(end, window)
		}
		key.SQL = fmt.Sprintf("SELECT CASE WHEN CURRENT_TIMESTAMP < %s THEN (%s) END AS refresh_key", end, key.SQL)
		key.Incremental = true
	}
	sql, args, err := format.Bind(key.SQL, d, params)
	if err != nil {
		return InvalidateKey{}, err
	}
	key.SQL, key.Params = sql, args
	return key, nil
}

// everyThreshold is a tenth of the refresh interval, between 1 and 300
// seconds.
func everyThreshold(secs int64) int {
	t := int(math.Round(float64(secs) / 10))
	return max(1, min(t, 300))
}

func seconds(iv core.Interval) int64 {
	return int64(iv.Months())*30*86400 + iv.Seconds()
}

func dataSource(c *model.Cube) string {
	if c.DataSource == "" {
		return "default"
	}
	return c.DataSource
}
