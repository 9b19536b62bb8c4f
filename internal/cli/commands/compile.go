package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapcube/pkg/adapter"
	"github.com/leapstack-labs/leapcube/pkg/compiler"
	"github.com/leapstack-labs/leapcube/pkg/core"
)

type compileOptions struct {
	query           string
	securityContext string
	execute         bool
}

// NewCompileCommand creates the compile command.
func NewCompileCommand() *cobra.Command {
	opts := &compileOptions{}
	cmd := &cobra.Command{
		Use:   "compile [query.json|-]",
		Short: "Compile a query into SQL",
		Long: `Compile a JSON query against the model into SQL and params.

The query is read from the given file, from --query, or from stdin. A JSON
array compiles several queries concurrently.

Output adapts to environment:
  - Terminal: tables
  - Piped/Scripted: JSON

Use --output to override: auto, table, json, sql`,
		Example: `  # Compile a query file
  leapcube compile query.json

  # Compile inline and print only the SQL
  leapcube compile -q '{"measures": ["orders.count"]}' -o sql

  # Compile for a tenant and run it against the configured target
  leapcube compile query.json --security-context '{"tenant_id": 42}' --execute`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "Query JSON (instead of a file)")
	cmd.Flags().StringVar(&opts.securityContext, "security-context", "", "SECURITY_CONTEXT as a JSON object")
	cmd.Flags().BoolVarP(&opts.execute, "execute", "x", false, "Run the compiled SQL against the configured target")
	cmd.Flags().Bool("no-preaggs", false, "Read source tables even when a rollup matches")
	cmd.Flags().Duration("timeout", 0, "Compilation timeout")
	return cmd
}

func readQueryInput(cmd *cobra.Command, args []string, inline string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read query from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read query file: %w", err)
	}
	return data, nil
}

// parseQueries accepts one query object or an array of them.
func parseQueries(data []byte) ([]*core.Query, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, core.NewQueryError("empty query")
	}
	if data[0] != '[' {
		q, err := core.ParseQuery(data)
		if err != nil {
			return nil, false, err
		}
		return []*core.Query{q}, false, nil
	}
	var items []jsoniter.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, true, core.NewQueryError("invalid query array: %v", err)
	}
	out := make([]*core.Query, len(items))
	for i, item := range items {
		q, err := core.ParseQuery(item)
		if err != nil {
			return nil, true, fmt.Errorf("query %d: %w", i, err)
		}
		out[i] = q
	}
	return out, true, nil
}

func runCompile(cmd *cobra.Command, args []string, opts *compileOptions) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	data, err := readQueryInput(cmd, args, opts.query)
	if err != nil {
		return err
	}
	queries, batch, err := parseQueries(data)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if opts.securityContext != "" {
		var sc map[string]any
		if err := json.Unmarshal([]byte(opts.securityContext), &sc); err != nil {
			return fmt.Errorf("invalid --security-context: %w", err)
		}
		ctx = compiler.WithSecurityContext(ctx, sc)
	}

	c, err := cc.Compiler()
	if err != nil {
		return err
	}
	var results []*compiler.Result
	if batch {
		results, err = c.CompileBatch(ctx, queries)
	} else {
		var res *compiler.Result
		res, err = c.Compile(ctx, queries[0])
		results = []*compiler.Result{res}
	}
	if err != nil {
		return err
	}

	if opts.execute {
		return executeResults(ctx, cc, results)
	}
	return renderCompiled(cc, results, batch)
}

func renderCompiled(cc *CommandContext, results []*compiler.Result, batch bool) error {
	w := cc.Out
	switch cc.Mode() {
	case modeJSON:
		if batch {
			return renderJSON(w, results)
		}
		return renderJSON(w, results[0])
	case modeSQL:
		for i, res := range results {
			if i > 0 {
				_, _ = fmt.Fprintln(w)
			}
			_, _ = fmt.Fprintf(w, "%s;\n", res.SQL)
			if len(res.Params) > 0 {
				_, _ = fmt.Fprintf(w, "-- params: %s\n", formatParams(res.Params))
			}
		}
		return nil
	}

	for i, res := range results {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		if batch {
			heading(w, fmt.Sprintf("query %d", i))
		}
		_, _ = fmt.Fprintln(w, res.SQL)
		_, _ = fmt.Fprintln(w)
		if len(res.Params) > 0 {
			_, _ = fmt.Fprintf(w, "Params: %s\n\n", formatParams(res.Params))
		}

		t := newTable(w, "Member", "Alias", "Kind")
		for _, col := range res.Aliases {
			t.AppendRow([]any{col.Member, col.Alias, col.Kind})
		}
		t.Render()

		if len(res.PreAggregations) > 0 {
			_, _ = fmt.Fprintln(w)
			heading(w, "pre_aggregations")
			pt := newTable(w, "ID", "Table", "Type")
			for _, d := range res.PreAggregations {
				pt.AppendRow([]any{d.PreAggregationID, d.TableName, d.Type})
			}
			pt.Render()
		}
		if res.TotalSQL != "" {
			_, _ = fmt.Fprintln(w)
			heading(w, "total")
			_, _ = fmt.Fprintln(w, res.TotalSQL)
		}
	}
	return nil
}

// executeResults runs each compiled query on the configured target and
// prints its rows.
func executeResults(ctx context.Context, cc *CommandContext, results []*compiler.Result) error {
	if cc.Cfg.Target == nil {
		return fmt.Errorf("--execute requires a target in leapcube.yaml")
	}
	adp, err := adapter.Open(ctx, *cc.Cfg.Target, cc.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = adp.Close() }()
	if adp.DialectName() != cc.Cfg.Dialect {
		cc.Logger.Warn("target dialect differs from compile dialect",
			slog.String("target", adp.DialectName()),
			slog.String("dialect", cc.Cfg.Dialect))
	}

	mode := cc.Mode()
	if mode == modeSQL {
		mode = modeTable
	}
	for i, res := range results {
		rows, err := adp.Query(ctx, res.SQL, res.Params...)
		if err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}
		if len(results) > 1 && mode != modeJSON {
			heading(cc.Out, fmt.Sprintf("query %d", i))
		}
		if err := renderRows(cc.Out, rows, mode); err != nil {
			return err
		}
	}
	return nil
}
