package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// loggerKey is used to store the logger in context.
type loggerKey struct{}

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

var configNames = []string{"leapcube.yaml", "leapcube.yml"}

// flagKeys maps flag names to config keys. Flags not listed are local to
// their command and never reach the config.
var flagKeys = map[string]string{
	"dialect":     "dialect",
	"output":      "output",
	"verbose":     "verbose",
	"model":       "model_path",
	"schema":      "pre_aggregations_schema",
	"limit":       "default_row_limit",
	"timeout":     "compile_timeout",
	"addr":        "server.addr",
	"rate-limit":  "server.rate_limit",
	"burst":       "server.burst",
	"no-preaggs":  "disable_pre_aggregations",
	"log-level":   "log_level",
	"log-format":  "log_format",
	"environment": "environment",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func configExistsIn(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// findConfigUpward searches upward from startDir for a leapcube config file.
func findConfigUpward(startDir string) string {
	dir := startDir
	for range maxUpwardSearchLevels {
		if p := configExistsIn(dir); p != "" {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func defaults() map[string]any {
	return map[string]any{
		"model_path":        DefaultModelPath,
		"seeds_dir":         DefaultSeedsDir,
		"dialect":           DefaultDialect,
		"timezone":          DefaultTimezone,
		"default_row_limit": DefaultRowLimit,
		"max_row_limit":     DefaultMaxRowLimit,
		"compile_timeout":   DefaultCompileTimeout.String(),
		"log_level":         DefaultLogLevel,
		"log_format":        DefaultLogFormat,
		"output":            DefaultOutput,
		"server.addr":       DefaultServerAddr,
		"server.rate_limit": DefaultRateLimit,
		"server.burst":      DefaultBurst,
	}
}

// envKey maps LEAPCUBE_SERVER__RATE_LIMIT to server.rate_limit.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "LEAPCUBE_"))
	return strings.ReplaceAll(s, "__", ".")
}

// LoadConfig loads configuration from defaults, the config file,
// environment variables and flags, in increasing precedence. cfgFile may be
// empty, in which case leapcube.yaml is searched upward from the working
// directory. environment selects an entry of environments; empty uses the
// configured one.
func LoadConfig(cfgFile, environment string, flags *pflag.FlagSet) (*Config, string, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	used := cfgFile
	if used == "" {
		used = findConfigUpward(cwd)
	}
	projectRoot := cwd
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("error reading config file %s: %w", used, err)
		}
		if abs, err := filepath.Abs(used); err == nil {
			projectRoot = filepath.Dir(abs)
		}
	}

	if err := k.Load(env.Provider("LEAPCUBE_", ".", envKey), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load env vars: %w", err)
	}

	// Paths given as flags are relative to the working directory, not the
	// project root.
	var flagModelPath string
	if flags != nil {
		if flags.Changed("model") {
			if v, _ := flags.GetString("model"); v != "" {
				flagModelPath, _ = filepath.Abs(v)
			}
		}
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, "", fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
		},
	}); err != nil {
		return nil, "", fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.ProjectRoot = projectRoot
	if flagModelPath != "" {
		cfg.ModelPath = flagModelPath
	} else {
		cfg.ModelPath = resolvePathRelativeTo(cfg.ModelPath, projectRoot)
	}
	cfg.SeedsDir = resolvePathRelativeTo(cfg.SeedsDir, projectRoot)

	if environment == "" {
		environment = cfg.Environment
	}
	if environment != "" {
		envCfg, ok := cfg.Environments[environment]
		if !ok {
			return nil, "", fmt.Errorf("unknown environment %q", environment)
		}
		cfg.Environment = environment
		applyEnvironment(&cfg, envCfg)
	}

	if cfg.Target != nil {
		expandTargetEnvVars(cfg.Target)
		if cfg.Target.Type == "duckdb" && cfg.Target.Path != "" && cfg.Target.Path != ":memory:" {
			cfg.Target.Path = resolvePathRelativeTo(cfg.Target.Path, projectRoot)
		}
	}
	return &cfg, used, nil
}

func applyEnvironment(cfg *Config, envCfg EnvConfig) {
	if envCfg.ModelPath != "" {
		cfg.ModelPath = resolvePathRelativeTo(envCfg.ModelPath, cfg.ProjectRoot)
	}
	if envCfg.Dialect != "" {
		cfg.Dialect = envCfg.Dialect
	}
	if len(envCfg.SecurityContext) > 0 {
		merged := make(map[string]any, len(cfg.SecurityContext)+len(envCfg.SecurityContext))
		maps.Copy(merged, cfg.SecurityContext)
		maps.Copy(merged, envCfg.SecurityContext)
		cfg.SecurityContext = merged
	}
	if envCfg.Target != nil {
		cfg.Target = MergeTargetConfig(cfg.Target, envCfg.Target)
	}
}

// NewLogger builds the CLI logger from log_level and log_format.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelWarn
	}
	if cfg.Verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithLogger stores the logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// expandTargetEnvVars expands environment variables in sensitive target fields.
func expandTargetEnvVars(t *TargetConfig) {
	t.Password = expandEnvVars(t.Password)
	t.Username = expandEnvVars(t.Username)
	t.Host = expandEnvVars(t.Host)
	t.Database = expandEnvVars(t.Database)
	t.Path = expandEnvVars(t.Path)
}

// MergeTargetConfig merges two target configs, with override taking precedence.
func MergeTargetConfig(base, override *TargetConfig) *TargetConfig {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	merged := *base
	merged.Options = make(map[string]string, len(base.Options)+len(override.Options))
	merged.Params = make(map[string]any, len(base.Params)+len(override.Params))
	maps.Copy(merged.Options, base.Options)
	maps.Copy(merged.Params, base.Params)

	if override.Type != "" {
		merged.Type = override.Type
	}
	if override.Path != "" {
		merged.Path = override.Path
	}
	if override.Host != "" {
		merged.Host = override.Host
	}
	if override.Port != 0 {
		merged.Port = override.Port
	}
	if override.Database != "" {
		merged.Database = override.Database
	}
	if override.Username != "" {
		merged.Username = override.Username
	}
	if override.Password != "" {
		merged.Password = override.Password
	}
	maps.Copy(merged.Options, override.Options)
	maps.Copy(merged.Params, override.Params)
	return &merged
}
