package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/adapter"
	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

var (
	validOutputs    = []string{OutputAuto, OutputTable, OutputJSON, OutputSQL}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// Validate checks enums and limits. Dialects and adapters must already be
// registered.
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model_path is required")
	}
	if _, err := dialect.Lookup(c.Dialect); err != nil {
		return fmt.Errorf("invalid dialect: %w", err)
	}
	if !slices.Contains(validOutputs, c.Output) {
		return fmt.Errorf("invalid output %q (expected one of: %s)", c.Output, strings.Join(validOutputs, ", "))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		return fmt.Errorf("invalid log_level %q (expected one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		return fmt.Errorf("invalid log_format %q (expected one of: %s)", c.LogFormat, strings.Join(validLogFormats, ", "))
	}
	if c.DefaultRowLimit <= 0 {
		return fmt.Errorf("default_row_limit must be positive, got %d", c.DefaultRowLimit)
	}
	if c.MaxRowLimit < c.DefaultRowLimit {
		return fmt.Errorf("max_row_limit (%d) must not be less than default_row_limit (%d)", c.MaxRowLimit, c.DefaultRowLimit)
	}
	if c.CompileTimeout < 0 {
		return fmt.Errorf("compile_timeout must not be negative")
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		return fmt.Errorf("server.rate_limit and server.burst must not be negative")
	}
	if c.Target != nil {
		if err := ValidateTarget(c.Target); err != nil {
			return fmt.Errorf("invalid target configuration: %w", err)
		}
	}
	return nil
}

// ValidateTarget checks that the target names a registered adapter.
func ValidateTarget(t *TargetConfig) error {
	if t.Type == "" {
		return fmt.Errorf("target type is required")
	}
	t.Type = strings.ToLower(t.Type)
	if !adapter.IsRegistered(t.Type) {
		return fmt.Errorf("unknown adapter type %q (available: %s)", t.Type, strings.Join(adapter.ListAdapters(), ", "))
	}
	return nil
}

// ValidateModelPath checks that the model path exists.
func (c *Config) ValidateModelPath() error {
	if _, err := os.Stat(c.ModelPath); os.IsNotExist(err) {
		return fmt.Errorf("model path does not exist: %s\nHint: Create it or use --model to specify a different path", c.ModelPath)
	}
	return nil
}
