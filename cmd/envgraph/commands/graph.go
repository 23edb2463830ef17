package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the item dependency graph as DOT",
		Long: `Print the dependency graph of every item in Graphviz DOT format. Items
are grouped by dependency level and edges point from a dependency to its
dependent. With --resolve, nodes are colored by their resolved state.`,
		Example: `  # Render the graph with Graphviz
  envgraph graph | dot -Tsvg > graph.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			g, err := s.newGraph(ctx)
			if err != nil {
				return err
			}
			if resolve {
				if _, err := g.Resolve(ctx); err != nil {
					return err
				}
			} else {
				g.Process(ctx)
			}

			dag := g.DependencyGraph()
			if dag == nil {
				return fmt.Errorf("dependency graph could not be built")
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), dag.ToDOT())
			return err
		},
	}

	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve items and color nodes by state")

	return cmd
}
