// Package config provides configuration management for the leapcube CLI.
//
// Configuration is layered with koanf: built-in defaults, then
// leapcube.yaml, then LEAPCUBE_ environment variables, then flags that
// were explicitly set on the command line.
package config

import (
	"time"

	"github.com/leapstack-labs/leapcube/pkg/adapter"
)

// TargetConfig is the database a compiled query is executed against
// by `compile --execute`.
type TargetConfig = adapter.Config

// ServerConfig holds configuration for `leapcube serve`.
type ServerConfig struct {
	Addr string `koanf:"addr"`
	// RateLimit is the sustained number of requests per second; zero
	// disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
	// ReadTimeout bounds reading a request including its body.
	ReadTimeout time.Duration `koanf:"read_timeout"`
}

// Config holds all CLI configuration options.
type Config struct {
	ModelPath string `koanf:"model_path"`
	Dialect   string `koanf:"dialect"`
	Timezone  string `koanf:"timezone"`
	// SeedsDir holds the CSV files `leapcube seed` loads into the target.
	SeedsDir string `koanf:"seeds_dir"`

	PreAggregationsSchema         string `koanf:"pre_aggregations_schema"`
	UseOriginalSQLPreAggregations bool   `koanf:"use_original_sql_pre_aggregations"`
	DisablePreAggregations        bool   `koanf:"disable_pre_aggregations"`

	DefaultRowLimit int           `koanf:"default_row_limit"`
	MaxRowLimit     int           `koanf:"max_row_limit"`
	CompileTimeout  time.Duration `koanf:"compile_timeout"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
	Output    string `koanf:"output"`
	Verbose   bool   `koanf:"verbose"`

	// SecurityContext is the default SECURITY_CONTEXT for every query.
	SecurityContext map[string]any `koanf:"security_context"`
	// CompileContext is exposed to templates as COMPILE_CONTEXT.
	CompileContext map[string]any `koanf:"compile_context"`

	Server       ServerConfig         `koanf:"server"`
	Target       *TargetConfig        `koanf:"target"`
	Environment  string               `koanf:"environment"`
	Environments map[string]EnvConfig `koanf:"environments"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
}

// EnvConfig holds environment-specific configuration overrides.
type EnvConfig struct {
	ModelPath       string         `koanf:"model_path"`
	Dialect         string         `koanf:"dialect"`
	SecurityContext map[string]any `koanf:"security_context"`
	Target          *TargetConfig  `koanf:"target"`
}

// Default configuration values.
const (
	DefaultModelPath      = "model"
	DefaultSeedsDir       = "seeds"
	DefaultDialect        = "postgres"
	DefaultTimezone       = "UTC"
	DefaultRowLimit       = 10000
	DefaultMaxRowLimit    = 50000
	DefaultCompileTimeout = 30 * time.Second
	DefaultLogLevel       = "warn"
	DefaultLogFormat      = "text"
	DefaultOutput         = "auto" // TTY=table, otherwise json
	DefaultServerAddr     = ":4000"
	DefaultRateLimit      = 50.0
	DefaultBurst          = 100
)

// Output modes.
const (
	OutputAuto  = "auto"
	OutputTable = "table"
	OutputJSON  = "json"
	OutputSQL   = "sql"
)
