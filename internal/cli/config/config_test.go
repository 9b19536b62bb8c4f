package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Register adapters and dialects for validation.
	_ "github.com/leapstack-labs/leapcube/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/leapcube/pkg/adapters/postgres"
	_ "github.com/leapstack-labs/leapcube/pkg/dialects/duckdb"
	_ "github.com/leapstack-labs/leapcube/pkg/dialects/postgres"
)

const fixtureYAML = `
model_path: cubes
dialect: duckdb
timezone: Europe/Berlin
pre_aggregations_schema: rollups
compile_timeout: 5s
max_row_limit: 20000
security_context:
  tenant_id: base
  region: eu
server:
  rate_limit: 2.5
  burst: 5
target:
  type: duckdb
  path: warehouse.duckdb
  params:
    settings:
      threads: "2"
environment: dev
environments:
  dev:
    security_context:
      tenant_id: dev
  prod:
    dialect: postgres
    target:
      type: postgres
      host: ${TEST_PG_HOST}
      database: analytics
      options:
        sslmode: require
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "leapcube.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, used, err := LoadConfig("", "", nil)
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, DefaultDialect, cfg.Dialect)
	assert.Equal(t, DefaultRowLimit, cfg.DefaultRowLimit)
	assert.Equal(t, DefaultCompileTimeout, cfg.CompileTimeout)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.InDelta(t, DefaultRateLimit, cfg.Server.RateLimit, 0.0001)
	assert.True(t, filepath.IsAbs(cfg.ModelPath))
	assert.Equal(t, filepath.Join(filepath.Dir(cfg.ModelPath), DefaultSeedsDir), cfg.SeedsDir)
	assert.Nil(t, cfg.Target)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, fixtureYAML)

	cfg, used, err := LoadConfig(path, "", nil)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	root := filepath.Dir(path)
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(root, "cubes"), cfg.ModelPath)
	assert.Equal(t, filepath.Join(root, "seeds"), cfg.SeedsDir)
	assert.Equal(t, "duckdb", cfg.Dialect)
	assert.Equal(t, "rollups", cfg.PreAggregationsSchema)
	assert.Equal(t, 5*time.Second, cfg.CompileTimeout)
	assert.Equal(t, 20000, cfg.MaxRowLimit)
	assert.Equal(t, 5, cfg.Server.Burst)
	assert.InDelta(t, 2.5, cfg.Server.RateLimit, 0.0001)

	// dev is the configured environment and overrides one key
	assert.Equal(t, "dev", cfg.SecurityContext["tenant_id"])
	assert.Equal(t, "eu", cfg.SecurityContext["region"])

	require.NotNil(t, cfg.Target)
	assert.Equal(t, filepath.Join(root, "warehouse.duckdb"), cfg.Target.Path)
	assert.Contains(t, cfg.Target.Params, "settings")
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("TEST_PG_HOST", "db.internal")
	path := writeConfig(t, fixtureYAML)

	cfg, _, err := LoadConfig(path, "prod", nil)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "postgres", cfg.Dialect)
	assert.Equal(t, "base", cfg.SecurityContext["tenant_id"])

	require.NotNil(t, cfg.Target)
	assert.Equal(t, "postgres", cfg.Target.Type)
	assert.Equal(t, "db.internal", cfg.Target.Host)
	assert.Equal(t, "analytics", cfg.Target.Database)
	assert.Equal(t, "require", cfg.Target.Options["sslmode"])
	// inherited from the base target
	assert.Contains(t, cfg.Target.Params, "settings")

	_, _, err = LoadConfig(path, "nonexistent", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown environment "nonexistent"`)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, "dialect: bigquery\nmax_row_limit: 100\ndefault_row_limit: 10\n")

	tests := []struct {
		name    string
		env     map[string]string
		setFlag bool
		want    string
		wantMax int
	}{
		{name: "file", want: "bigquery", wantMax: 100},
		{name: "env over file", env: map[string]string{"LEAPCUBE_DIALECT": "presto", "LEAPCUBE_MAX_ROW_LIMIT": "200"}, want: "presto", wantMax: 200},
		{name: "flag over env", env: map[string]string{"LEAPCUBE_DIALECT": "presto"}, setFlag: true, want: "duckdb", wantMax: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			flags.String("dialect", "", "dialect")
			flags.String("model", "", "model path")
			if tt.setFlag {
				require.NoError(t, flags.Set("dialect", "duckdb"))
			}

			cfg, _, err := LoadConfig(path, "", flags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Dialect)
			assert.Equal(t, tt.wantMax, cfg.MaxRowLimit)
		})
	}
}

func TestLoadConfig_NestedEnvAndFlags(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("LEAPCUBE_SERVER__BURST", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", "", "listen address")
	flags.Duration("timeout", 0, "compile timeout")
	flags.String("model", "", "model path")
	require.NoError(t, flags.Set("addr", "127.0.0.1:9000"))
	require.NoError(t, flags.Set("timeout", "750ms"))
	require.NoError(t, flags.Set("model", "relative/cubes.yml"))

	cfg, _, err := LoadConfig(path, "", flags)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Server.Burst)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.CompileTimeout)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "relative/cubes.yml"), cfg.ModelPath)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := writeConfig(t, "dialect: [unclosed")
	_, _, err := LoadConfig(path, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ModelPath:       "model",
			Dialect:         "postgres",
			Output:          OutputAuto,
			LogLevel:        "WARN",
			LogFormat:       "text",
			DefaultRowLimit: 10,
			MaxRowLimit:     10,
		}
	}
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing model", mutate: func(c *Config) { c.ModelPath = "" }, errSubstr: "model_path is required"},
		{name: "unknown dialect", mutate: func(c *Config) { c.Dialect = "oracle" }, errSubstr: `unknown dialect "oracle"`},
		{name: "bad output", mutate: func(c *Config) { c.Output = "xml" }, errSubstr: `invalid output "xml"`},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, errSubstr: "invalid log_level"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "logfmt" }, errSubstr: "invalid log_format"},
		{name: "limits", mutate: func(c *Config) { c.MaxRowLimit = 5 }, errSubstr: "max_row_limit (5)"},
		{name: "zero limit", mutate: func(c *Config) { c.DefaultRowLimit = 0 }, errSubstr: "default_row_limit must be positive"},
		{name: "negative rate", mutate: func(c *Config) { c.Server.RateLimit = -1 }, errSubstr: "must not be negative"},
		{name: "unknown target", mutate: func(c *Config) { c.Target = &TargetConfig{Type: "mysql"} }, errSubstr: "unknown adapter type"},
		{name: "target case-insensitive", mutate: func(c *Config) { c.Target = &TargetConfig{Type: "DuckDB"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestValidateTarget_ErrorContainsAvailable(t *testing.T) {
	err := ValidateTarget(&TargetConfig{Type: "snowflake"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duckdb")
	assert.Contains(t, err.Error(), "postgres")

	err = ValidateTarget(&TargetConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target type is required")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_ONE", "value_one")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no vars", "plain", "plain"},
		{"set var", "${TEST_VAR_ONE}", "value_one"},
		{"unset var kept", "${UNSET_VAR_XYZ}", "${UNSET_VAR_XYZ}"},
		{"mixed set and unset", "${TEST_VAR_ONE}:${UNSET_VAR_XYZ}", "value_one:${UNSET_VAR_XYZ}"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestMergeTargetConfig(t *testing.T) {
	t.Run("nil sides", func(t *testing.T) {
		x := &TargetConfig{Type: "duckdb"}
		assert.Equal(t, x, MergeTargetConfig(nil, x))
		assert.Equal(t, x, MergeTargetConfig(x, nil))
		assert.Nil(t, MergeTargetConfig(nil, nil))
	})

	t.Run("override replaces set fields and merges maps", func(t *testing.T) {
		base := &TargetConfig{
			Type:    "postgres",
			Host:    "localhost",
			Port:    5432,
			Options: map[string]string{"sslmode": "disable", "application_name": "leapcube"},
		}
		override := &TargetConfig{
			Host:    "prod.example.com",
			Options: map[string]string{"sslmode": "require"},
		}

		result := MergeTargetConfig(base, override)
		assert.Equal(t, "postgres", result.Type)
		assert.Equal(t, "prod.example.com", result.Host)
		assert.Equal(t, 5432, result.Port)
		assert.Equal(t, map[string]string{"sslmode": "require", "application_name": "leapcube"}, result.Options)
		assert.Equal(t, "disable", base.Options["sslmode"], "base must not be mutated")
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		debug     bool
		wantJSON  bool
		wantWarns bool
	}{
		{name: "text warn", cfg: Config{LogLevel: "warn", LogFormat: "text"}, wantWarns: true},
		{name: "json debug", cfg: Config{LogLevel: "debug", LogFormat: "json"}, debug: true, wantJSON: true, wantWarns: true},
		{name: "verbose lowers level", cfg: Config{LogLevel: "error", LogFormat: "text", Verbose: true}, debug: true, wantWarns: true},
		{name: "invalid level falls back to warn", cfg: Config{LogLevel: "loud", LogFormat: "text"}, wantWarns: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&tt.cfg, &buf)
			logger.Debug("debug message")
			logger.Warn("warn message")

			out := buf.String()
			assert.Equal(t, tt.debug, strings.Contains(out, "debug message"))
			assert.Equal(t, tt.wantWarns, strings.Contains(out, "warn message"))
			if tt.wantJSON {
				assert.Contains(t, out, `"msg":"warn message"`)
			}
		})
	}

	ctx := WithLogger(context.Background(), slog.Default())
	assert.Same(t, slog.Default(), GetLogger(ctx))
	assert.NotNil(t, GetLogger(context.Background()))

	cfg := &Config{Dialect: "duckdb"}
	assert.Same(t, cfg, FromContext(WithConfig(context.Background(), cfg)))
	assert.Nil(t, FromContext(context.Background()))
}
