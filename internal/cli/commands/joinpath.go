package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// NewJoinPathCommand creates the join-path command.
func NewJoinPathCommand() *cobra.Command {
	var components bool
	cmd := &cobra.Command{
		Use:   "join-path [cube|cube.path ...]",
		Short: "Show how cubes are joined",
		Long: `Show the join tree the compiler builds for a set of cubes.

Arguments are cube names or dotted join paths (orders.customers) that pin
the route. With --components, list the connected components of the join
graph instead.`,
		Example: `  leapcube join-path orders products
  leapcube join-path --components`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			if !components && len(args) == 0 {
				return fmt.Errorf("at least one cube is required")
			}
			c, err := cc.Compiler()
			if err != nil {
				return err
			}

			if components {
				comps := c.Components()
				if cc.Mode() == modeJSON {
					return renderJSON(cc.Out, comps)
				}
				names := make([]string, 0, len(comps))
				for name := range comps {
					names = append(names, name)
				}
				sort.Slice(names, func(i, j int) bool {
					if comps[names[i]] != comps[names[j]] {
						return comps[names[i]] < comps[names[j]]
					}
					return names[i] < names[j]
				})
				t := newTable(cc.Out, "Component", "Cube")
				for _, name := range names {
					t.AppendRow([]any{comps[name], name})
				}
				t.Render()
				return nil
			}

			res, err := c.JoinPath(args)
			if err != nil {
				return err
			}
			if cc.Mode() == modeJSON {
				return renderJSON(cc.Out, res)
			}
			_, _ = fmt.Fprintf(cc.Out, "Root: %s\n", res.Root)
			if len(res.Joins) > 0 {
				t := newTable(cc.Out, "From", "To", "Relationship")
				for _, j := range res.Joins {
					t.AppendRow([]any{j.From, j.To, j.Relationship})
				}
				t.Render()
			}
			if len(res.Multiplied) > 0 {
				_, _ = fmt.Fprintf(cc.Out, "Multiplied: %s\n", strings.Join(res.Multiplied, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&components, "components", false, "List connected components of the join graph")
	return cmd
}
