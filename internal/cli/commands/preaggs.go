package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewPreAggsCommand creates the preaggs command.
func NewPreAggsCommand() *cobra.Command {
	var timezone string
	cmd := &cobra.Command{
		Use:   "preaggs",
		Short: "Describe rollup tables",
		Long: `Describe every pre-aggregation table of the model: its load SQL,
refresh keys, indexes and partitions, as an external builder would need
them.`,
		Example: `  leapcube preaggs
  leapcube preaggs --timezone America/New_York -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			c, err := cc.Compiler()
			if err != nil {
				return err
			}
			descs, err := c.Describe(cmd.Context(), timezone)
			if err != nil {
				return err
			}

			switch cc.Mode() {
			case modeJSON:
				return renderJSON(cc.Out, descs)
			case modeSQL:
				for _, d := range descs {
					_, _ = fmt.Fprintf(cc.Out, "-- %s\n%s;\n", d.PreAggregationID, d.LoadSQL.SQL)
					for _, idx := range d.IndexesSQL {
						_, _ = fmt.Fprintf(cc.Out, "%s;\n", idx.SQL)
					}
					_, _ = fmt.Fprintln(cc.Out)
				}
				return nil
			}

			if len(descs) == 0 {
				_, _ = fmt.Fprintln(cc.Out, "No pre-aggregations defined")
				return nil
			}
			t := newTable(cc.Out, "ID", "Type", "Table", "Granularity", "Partitions", "Version")
			for _, d := range descs {
				gran := d.Granularity
				if d.PartitionGranularity != "" {
					gran += " / " + d.PartitionGranularity
				}
				t.AppendRow([]any{d.PreAggregationID, d.Type, d.TableName, gran, len(d.Partitions), d.StructureVersion})
			}
			t.Render()
			_, _ = fmt.Fprintf(cc.Out, "(%d %s)\n", len(descs), plural(len(descs), "table"))
			return nil
		},
	}
	cmd.Flags().StringVar(&timezone, "timezone", "", "Build timezone (default: configured timezone)")
	return cmd
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	if strings.HasSuffix(word, "s") {
		return word + "es"
	}
	return word + "s"
}
