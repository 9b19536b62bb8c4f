package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type cubeSummary struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	Measures        int    `json:"measures"`
	Dimensions      int    `json:"dimensions"`
	Segments        int    `json:"segments"`
	Joins           int    `json:"joins"`
	PreAggregations int    `json:"preAggregations"`
}

type validateOutput struct {
	Valid   bool          `json:"valid"`
	Dialect string        `json:"dialect"`
	Cubes   []cubeSummary `json:"cubes"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the model for errors",
		Long: `Load and compile the model: YAML structure, member references,
join graph, pre-aggregation definitions and identifier lengths for the
configured dialect. Exits non-zero on the first failing stage with every
error of that stage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			c, err := cc.Compiler()
			if err != nil {
				return err
			}

			out := validateOutput{Valid: true, Dialect: c.Dialect().Name}
			for _, cube := range c.Model().Cubes() {
				kind := "cube"
				if cube.IsView {
					kind = "view"
				}
				out.Cubes = append(out.Cubes, cubeSummary{
					Name:            cube.Name,
					Type:            kind,
					Measures:        len(cube.Measures),
					Dimensions:      len(cube.Dimensions),
					Segments:        len(cube.Segments),
					Joins:           len(cube.Joins),
					PreAggregations: len(cube.PreAggregations),
				})
			}

			if cc.Mode() == modeJSON {
				return renderJSON(cc.Out, out)
			}
			heading(cc.Out, "model")
			t := newTable(cc.Out, "Name", "Type", "Measures", "Dimensions", "Segments", "Joins", "Pre-aggregations")
			for _, s := range out.Cubes {
				t.AppendRow([]any{s.Name, s.Type, s.Measures, s.Dimensions, s.Segments, s.Joins, s.PreAggregations})
			}
			t.Render()
			_, _ = fmt.Fprintf(cc.Out, "Model is valid for %s (%d %s)\n", out.Dialect, len(out.Cubes), plural(len(out.Cubes), "cube"))
			return nil
		},
	}
}
