package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapcube/pkg/adapter"
)

type seedInfo struct {
	Table string `json:"table"`
	File  string `json:"file"`
	Rows  int64  `json:"rows"`
}

type seedOutput struct {
	Target string     `json:"target"`
	Seeds  []seedInfo `json:"seeds"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand() *cobra.Command {
	var schema string
	cmd := &cobra.Command{
		Use:   "seed [file.csv...]",
		Short: "Load CSV files into the target database",
		Long: `Load CSV files into the configured target, one table per file named
after the file. Without arguments every .csv file in seeds_dir is loaded.
Existing tables are replaced.

Seeds are meant for fixture data to run compiled queries against with
compile --execute.`,
		Example: `  # Load every CSV in ./seeds into the public schema
  leapcube seed --schema public

  # Load a single file
  leapcube seed data/orders.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cc, schema, args)
		},
	}
	cmd.Flags().StringVar(&schema, "schema", "", "Schema to create the tables in")
	return cmd
}

func runSeed(ctx context.Context, cc *CommandContext, schema string, files []string) error {
	if cc.Cfg.Target == nil {
		return fmt.Errorf("seed requires a target in leapcube.yaml")
	}
	if len(files) == 0 {
		var err error
		if files, err = seedFiles(cc.Cfg.SeedsDir); err != nil {
			return err
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no CSV files found in %s", cc.Cfg.SeedsDir)
	}

	adp, err := adapter.Open(ctx, *cc.Cfg.Target, cc.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = adp.Close() }()
	loader, ok := adp.(adapter.CSVLoader)
	if !ok {
		return fmt.Errorf("adapter %s can't load CSV files", cc.Cfg.Target.Type)
	}
	if schema != "" {
		if err := adp.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}

	out := seedOutput{Target: cc.Cfg.Target.Type}
	for _, file := range files {
		table := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		if schema != "" {
			table = schema + "." + table
		}
		if err := loader.LoadCSV(ctx, table, file); err != nil {
			return fmt.Errorf("seed %s: %w", file, err)
		}
		res, err := adp.Query(ctx, "SELECT count(*) FROM "+table)
		if err != nil {
			return fmt.Errorf("seed %s: %w", file, err)
		}
		var rows int64
		if len(res.Rows) == 1 && len(res.Rows[0]) == 1 {
			rows = cast.ToInt64(res.Rows[0][0])
		}
		cc.Logger.Debug("seed loaded", slog.String("table", table), slog.Int64("rows", rows))
		out.Seeds = append(out.Seeds, seedInfo{Table: table, File: file, Rows: rows})
	}

	if cc.Mode() == modeJSON {
		return renderJSON(cc.Out, out)
	}
	heading(cc.Out, "seeds")
	t := newTable(cc.Out, "Table", "File", "Rows")
	for _, s := range out.Seeds {
		t.AppendRow([]any{s.Table, s.File, s.Rows})
	}
	t.Render()
	_, _ = fmt.Fprintf(cc.Out, "Loaded %d %s into %s\n", len(out.Seeds), plural(len(out.Seeds), "seed"), out.Target)
	return nil
}

// seedFiles lists the CSV files in dir, sorted by name.
func seedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read seeds directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}
