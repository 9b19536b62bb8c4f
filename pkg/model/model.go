// Package model holds the compiled cube and view model.
//
// Definitions are decoded from YAML into the exported structs below and
// compiled once: extends chains are flattened, templates parsed, custom
// granularities and rolling windows validated, and views expanded into
// virtual cubes whose members proxy the underlying cube members. A compiled
// Model is immutable and safe to share between concurrent compilations.
package model

import (
	"github.com/leapstack-labs/leapcube/internal/template"
	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/granularity"
)

// Dimension types.
const (
	TypeNumber  = "number"
	TypeString  = "string"
	TypeTime    = "time"
	TypeBoolean = "boolean"
	TypeGeo     = "geo"
	TypeSwitch  = "switch"
)

// Measure types.
const (
	MeasureCount               = "count"
	MeasureCountDistinct       = "countDistinct"
	MeasureCountDistinctApprox = "countDistinctApprox"
	MeasureSum                 = "sum"
	MeasureAvg                 = "avg"
	MeasureMin                 = "min"
	MeasureMax                 = "max"
	MeasureNumber              = "number"
	MeasureString              = "string"
	MeasureTime                = "time"
	MeasureBoolean             = "boolean"
	MeasureRunningTotal        = "runningTotal"
	MeasureRank                = "rank"
)

// Join relationships after normalization.
const (
	HasOne    = "hasOne"
	HasMany   = "hasMany"
	BelongsTo = "belongsTo"
)

// Pre-aggregation types after normalization.
const (
	PreAggOriginalSQL  = "originalSql"
	PreAggRollup       = "rollup"
	PreAggRollupJoin   = "rollupJoin"
	PreAggRollupLambda = "rollupLambda"
)

// File is one decoded model document.
type File struct {
	Cubes []*Cube `yaml:"cubes" validate:"dive"`
	Views []*View `yaml:"views" validate:"dive"`

	Path string `yaml:"-"`
}

// Cube is a fact or dimension source.
type Cube struct {
	Name            string            `yaml:"name" validate:"required"`
	SQL             string            `yaml:"sql"`
	SQLTable        string            `yaml:"sql_table"`
	SQLAlias        string            `yaml:"sql_alias"`
	DataSource      string            `yaml:"data_source"`
	Extends         string            `yaml:"extends"`
	Public          *bool             `yaml:"public"`
	Title           string            `yaml:"title"`
	Description     string            `yaml:"description"`
	Dimensions      []*Dimension      `yaml:"dimensions" validate:"dive"`
	Measures        []*Measure        `yaml:"measures" validate:"dive"`
	Segments        []*Segment        `yaml:"segments" validate:"dive"`
	Joins           []*Join           `yaml:"joins" validate:"dive"`
	PreAggregations []*PreAggregation `yaml:"pre_aggregations" validate:"dive"`

	// Set during compilation.
	Tmpl        *template.Template `yaml:"-"`
	IsView      bool               `yaml:"-"`
	PrimaryKeys []*Dimension       `yaml:"-"`
	Order       int                `yaml:"-"`

	dimensions map[string]*Dimension
	measures   map[string]*Measure
	segments   map[string]*Segment
	joins      map[string]*Join
	preAggs    map[string]*PreAggregation
}

// Dimension is a grouping or filtering expression.
type Dimension struct {
	Name                       string               `yaml:"name" validate:"required"`
	Type                       string               `yaml:"type" validate:"required,oneof=number string time boolean geo switch"`
	SQL                        string               `yaml:"sql"`
	PrimaryKey                 bool                 `yaml:"primary_key"`
	SubQuery                   bool                 `yaml:"sub_query"`
	PropagateFiltersToSubQuery bool                 `yaml:"propagate_filters_to_sub_query"`
	MultiStage                 bool                 `yaml:"multi_stage"`
	AddGroupBy                 []string             `yaml:"add_group_by"`
	Granularities              []*CustomGranularity `yaml:"granularities" validate:"dive"`
	Values                     []string             `yaml:"values"`
	Case                       *DimensionCase       `yaml:"case"`
	Title                      string               `yaml:"title"`
	Description                string               `yaml:"description"`
	Format                     string               `yaml:"format"`
	Public                     *bool                `yaml:"public"`
	Meta                       map[string]any       `yaml:"meta"`

	Cube  *Cube              `yaml:"-"`
	Tmpl  *template.Template `yaml:"-"`
	Proxy *Proxy             `yaml:"-"`

	granularities map[string]*granularity.Granularity
}

// CustomGranularity declares a named bucketing rule on a time dimension.
type CustomGranularity struct {
	Name     string `yaml:"name" validate:"required"`
	Interval string `yaml:"interval" validate:"required"`
	Origin   string `yaml:"origin"`
	Offset   string `yaml:"offset"`
	Title    string `yaml:"title"`
}

// DimensionCase maps SQL conditions to labels.
type DimensionCase struct {
	When []*CaseWhen `yaml:"when" validate:"required,dive"`
	Else *CaseElse   `yaml:"else"`
}

// CaseWhen is one branch of a case. Dimension branches use SQL plus Label;
// measure branches use Value plus SQL.
type CaseWhen struct {
	SQL   string `yaml:"sql"`
	Label string `yaml:"label"`
	Value string `yaml:"value"`

	Tmpl *template.Template `yaml:"-"`
}

// CaseElse is the fallback branch of a case.
type CaseElse struct {
	SQL   string `yaml:"sql"`
	Label string `yaml:"label"`

	Tmpl *template.Template `yaml:"-"`
}

// Measure is an aggregation expression.
type Measure struct {
	Name          string           `yaml:"name" validate:"required"`
	Type          string           `yaml:"type" validate:"required,oneof=count countDistinct countDistinctApprox count_distinct count_distinct_approx sum avg min max number string time boolean runningTotal running_total rank"`
	SQL           string           `yaml:"sql"`
	Filters       []*MeasureFilter `yaml:"filters" validate:"dive"`
	RollingWindow *RollingWindow   `yaml:"rolling_window"`
	TimeShift     []*TimeShift     `yaml:"time_shift" validate:"dive"`
	MultiStage    bool             `yaml:"multi_stage"`
	OrderBy       []*OrderBy       `yaml:"order_by" validate:"dive"`
	ReduceBy      []string         `yaml:"reduce_by"`
	GroupBy       KeyList          `yaml:"group_by"`
	AddGroupBy    []string         `yaml:"add_group_by"`
	Case          *MeasureCase     `yaml:"case"`
	Title         string           `yaml:"title"`
	Description   string           `yaml:"description"`
	Format        string           `yaml:"format"`
	DrillMembers  []string         `yaml:"drill_members"`
	Public        *bool            `yaml:"public"`
	Meta          map[string]any   `yaml:"meta"`

	Cube  *Cube              `yaml:"-"`
	Tmpl  *template.Template `yaml:"-"`
	Proxy *Proxy             `yaml:"-"`
	// Window is the compiled rolling window; nil for to_date windows, which
	// are resolved against the query time dimension.
	Window *granularity.Window `yaml:"-"`
}

// MeasureFilter is a boolean SQL fragment ANDed into the aggregation.
type MeasureFilter struct {
	SQL string `yaml:"sql" validate:"required"`

	Tmpl *template.Template `yaml:"-"`
}

// RollingWindow declares a sliding or cumulative window.
type RollingWindow struct {
	Trailing    string `yaml:"trailing"`
	Leading     string `yaml:"leading"`
	Offset      string `yaml:"offset" validate:"omitempty,oneof=start end"`
	Type        string `yaml:"type" validate:"omitempty,oneof=fixed to_date year_to_date quarter_to_date month_to_date"`
	Granularity string `yaml:"granularity"`
}

// ToDate reports whether the window restarts at each granularity boundary.
func (w *RollingWindow) ToDate() bool {
	return w != nil && w.Type != "" && w.Type != "fixed"
}

// ToDateGranularity returns the reset granularity of a to_date window.
func (w *RollingWindow) ToDateGranularity() string {
	switch w.Type {
	case "year_to_date":
		return "year"
	case "quarter_to_date":
		return "quarter"
	case "month_to_date":
		return "month"
	}
	return w.Granularity
}

// TimeShift evaluates a measure against a shifted time dimension.
type TimeShift struct {
	TimeDimension string `yaml:"time_dimension"`
	Interval      string `yaml:"interval"`
	Type          string `yaml:"type" validate:"omitempty,oneof=prior next"`
	Name          string `yaml:"name"`

	// Shift is the signed interval added to the time dimension so that a
	// row at t is reported at t + Shift; prior shifts are positive.
	Shift core.Interval `yaml:"-"`
}

// OrderBy orders rank and running total windows.
type OrderBy struct {
	SQL string `yaml:"sql" validate:"required"`
	Dir string `yaml:"dir" validate:"omitempty,oneof=asc desc ASC DESC"`

	Tmpl *template.Template `yaml:"-"`
}

// MeasureCase selects a measure expression by the value of a switch member.
type MeasureCase struct {
	Switch string      `yaml:"switch" validate:"required"`
	When   []*CaseWhen `yaml:"when" validate:"required,dive"`
	Else   *CaseElse   `yaml:"else"`
}

// Segment is a named boolean SQL fragment.
type Segment struct {
	Name string `yaml:"name" validate:"required"`
	SQL  string `yaml:"sql" validate:"required"`

	Cube  *Cube              `yaml:"-"`
	Tmpl  *template.Template `yaml:"-"`
	Proxy *Proxy             `yaml:"-"`
}

// Join is a directed edge to the target cube Name.
type Join struct {
	Name         string `yaml:"name" validate:"required"`
	SQL          string `yaml:"sql" validate:"required"`
	Relationship string `yaml:"relationship" validate:"required"`

	From *Cube              `yaml:"-"`
	Tmpl *template.Template `yaml:"-"`
}

// PreAggregation declares a materialized summary of cube data.
type PreAggregation struct {
	Name                         string       `yaml:"name" validate:"required"`
	Type                         string       `yaml:"type"`
	Measures                     []string     `yaml:"measures"`
	Dimensions                   []string     `yaml:"dimensions"`
	Segments                     []string     `yaml:"segments"`
	TimeDimension                string       `yaml:"time_dimension"`
	Granularity                  string       `yaml:"granularity"`
	PartitionGranularity         string       `yaml:"partition_granularity"`
	RefreshKey                   *RefreshKey  `yaml:"refresh_key"`
	AllowNonStrictDateRangeMatch bool         `yaml:"allow_non_strict_date_range_match"`
	Rollups                      []string     `yaml:"rollups"`
	UnionWithSourceData          bool         `yaml:"union_with_source_data"`
	SQLAlias                     string       `yaml:"sql_alias"`
	Indexes                      []*Index     `yaml:"indexes" validate:"dive"`
	BuildRangeStart              *SQLFragment `yaml:"build_range_start"`
	BuildRangeEnd                *SQLFragment `yaml:"build_range_end"`
	External                     bool         `yaml:"external"`

	Cube *Cube `yaml:"-"`
	// Refs are the parsed member references in declaration order.
	MeasureRefs   []MemberPath `yaml:"-"`
	DimensionRefs []MemberPath `yaml:"-"`
	SegmentRefs   []MemberPath `yaml:"-"`
	TimeRef       *MemberPath  `yaml:"-"`
	RollupRefs    []MemberPath `yaml:"-"`
}

// RefreshKey controls when a pre-aggregation is rebuilt.
type RefreshKey struct {
	Every        string `yaml:"every"`
	SQL          string `yaml:"sql"`
	Incremental  bool   `yaml:"incremental"`
	UpdateWindow string `yaml:"update_window"`
}

// Index is a secondary index on a rollup table.
type Index struct {
	Name    string   `yaml:"name" validate:"required"`
	Columns []string `yaml:"columns" validate:"required,min=1"`
}

// SQLFragment wraps a SQL snippet.
type SQLFragment struct {
	SQL string `yaml:"sql" validate:"required"`
}

// View composes members of several cubes along fixed join paths.
type View struct {
	Name        string      `yaml:"name" validate:"required"`
	Title       string      `yaml:"title"`
	Description string      `yaml:"description"`
	Public      *bool       `yaml:"public"`
	Cubes       []*ViewCube `yaml:"cubes" validate:"required,dive"`
}

// ViewCube includes members of the last cube on JoinPath.
type ViewCube struct {
	JoinPath string   `yaml:"join_path" validate:"required"`
	Includes Includes `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
	Prefix   bool     `yaml:"prefix"`
	Alias    string   `yaml:"alias"`
}

// Proxy points a view member at the cube member it exposes.
type Proxy struct {
	Cube     string
	Member   string
	JoinPath []string
}

// Path returns "cube.member" of the proxied member.
func (p *Proxy) Path() string { return p.Cube + "." + p.Member }

// MemberPath is a possibly path-qualified member reference such as
// "A.D.E.X.x_id". Path lists the cubes that lead to Cube, Cube included.
type MemberPath struct {
	Path   []string
	Cube   string
	Member string
}

// String returns "cube.member".
func (p MemberPath) String() string { return p.Cube + "." + p.Member }

// Qualified returns the full path, e.g. "A.D.E.X.x_id".
func (p MemberPath) Qualified() string {
	out := ""
	for _, c := range p.Path {
		out += c + "."
	}
	return out + p.Member
}
