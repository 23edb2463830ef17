package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/envgraph/pkg/engine"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load and resolve the configuration and report the state of every item.

This command checks:
  - YAML syntax and decorator usage
  - Dependency cycles
  - Resolution, type coercion and validation of every value
  - Required values

It exits with a non-zero status when any item or source has an error.
Warnings are printed but do not fail the command.`,
		Example: `  # Validate the current directory
  envgraph validate

  # Validate the production configuration in ./config
  envgraph validate --dir ./config --env production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			_, g, snap, err := s.resolve(ctx)
			if err != nil {
				return err
			}

			out := output(cmd.OutOrStdout(), snap)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			counts := map[engine.ItemState]int{}
			for _, it := range g.Items() {
				state := it.State()
				counts[state]++

				typeName := it.TypeName()
				if typeName == "" {
					typeName = "-"
				}
				flags := ""
				if it.IsRequired() {
					flags += "required "
				}
				if it.IsSensitive() {
					flags += "sensitive"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Key, state, typeName, flags)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\n%d items: %d valid, %d with warnings, %d invalid (environment %q)\n",
				len(g.Items()), counts[engine.StateValid], counts[engine.StateWarn], counts[engine.StateError], g.CurrentEnv())

			if printErrors(output(cmd.ErrOrStderr(), snap), g) {
				return ErrInvalid
			}
			return nil
		},
	}

	return cmd
}
