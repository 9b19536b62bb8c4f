// Package commands implements the leapcube CLI subcommands.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapcube/internal/cli/config"
	"github.com/leapstack-labs/leapcube/pkg/compiler"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Effective output modes. auto resolves to table on a terminal and json
// otherwise.
const (
	modeAuto  = config.OutputAuto
	modeTable = config.OutputTable
	modeJSON  = config.OutputJSON
	modeSQL   = config.OutputSQL
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Out    io.Writer
	Err    io.Writer
}

// NewCommandContext collects the config and logger stored by the root
// command.
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return &CommandContext{
		Cfg:    cfg,
		Logger: config.GetLogger(cmd.Context()),
		Out:    cmd.OutOrStdout(),
		Err:    cmd.ErrOrStderr(),
	}, nil
}

// Mode resolves the output mode.
func (cc *CommandContext) Mode() string {
	if cc.Cfg.Output != config.OutputAuto {
		return cc.Cfg.Output
	}
	if f, ok := cc.Out.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return modeTable
		}
	}
	return modeJSON
}

// CompilerOptions maps the configuration onto compiler options.
func (cc *CommandContext) CompilerOptions() compiler.Options {
	return compiler.Options{
		Dialect:                       cc.Cfg.Dialect,
		Timezone:                      cc.Cfg.Timezone,
		DefaultLimit:                  cc.Cfg.DefaultRowLimit,
		MaxLimit:                      cc.Cfg.MaxRowLimit,
		PreAggregationsSchema:         cc.Cfg.PreAggregationsSchema,
		UseOriginalSQLPreAggregations: cc.Cfg.UseOriginalSQLPreAggregations,
		DisablePreAggregations:        cc.Cfg.DisablePreAggregations,
		SecurityContext:               cc.Cfg.SecurityContext,
		CompileContext:                cc.Cfg.CompileContext,
		Timeout:                       cc.Cfg.CompileTimeout,
		Logger:                        cc.Logger,
	}
}

// LoadModel loads and compiles the configured model.
func (cc *CommandContext) LoadModel() (*model.Model, error) {
	if err := cc.Cfg.ValidateModelPath(); err != nil {
		return nil, err
	}
	m, err := model.Load(cc.Cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	cc.Logger.Debug("model loaded", slog.String("path", cc.Cfg.ModelPath), slog.Int("cubes", len(m.Cubes())))
	return m, nil
}

// Compiler loads the model and builds a compiler for it.
func (cc *CommandContext) Compiler() (*compiler.Compiler, error) {
	m, err := cc.LoadModel()
	if err != nil {
		return nil, err
	}
	return compiler.New(m, cc.CompilerOptions())
}
