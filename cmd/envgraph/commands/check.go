package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/envgraph/pkg/policy"
)

func newCheckCommand(opts *globalOptions) *cobra.Command {
	var (
		policyPaths []string
		noBuiltins  bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the resolved configuration against policies",
		Long: `Resolve the configuration and evaluate Rego policies against it.

Policies define a deny set; every entry is a violation. Error-severity
violations fail the command. The built-in policies cover redaction settings,
undeclared secrets, credentials in URLs and short secrets. Sensitive values
are never passed to policies.`,
		Example: `  # Run the built-in policies
  envgraph check

  # Add a directory of policies
  envgraph check --policy ./policies

  # Only run custom policies, as JSON
  envgraph check --policy ./policies --no-builtins --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx, g, snap, err := s.resolve(ctx)
			if err != nil {
				return err
			}
			stderr := output(cmd.ErrOrStderr(), snap)
			failed := printErrors(stderr, g)

			eng, err := policy.NewEngine(ctx, s.settings.Policy.Builtins && !noBuiltins)
			if err != nil {
				return err
			}
			paths := append(append([]string{}, s.settings.Policy.Paths...), policyPaths...)
			if len(paths) > 0 {
				if err := eng.LoadPolicies(ctx, policy.NewLoader(ctx), paths); err != nil {
					return err
				}
			}

			result, err := eng.Evaluate(ctx, policy.NewInput(snap, g.CurrentEnv()))
			if err != nil {
				return err
			}

			out := output(cmd.OutOrStdout(), snap)
			if jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				for _, v := range result.Violations {
					if v.Key != "" {
						fmt.Fprintf(out, "[%s] %s: %s: %s\n", v.Severity, v.Policy, v.Key, v.Message)
					} else {
						fmt.Fprintf(out, "[%s] %s: %s\n", v.Severity, v.Policy, v.Message)
					}
				}
				fmt.Fprintf(out, "%d policies evaluated, %d errors, %d warnings\n",
					len(result.Evaluated), len(result.Errors()), len(result.Warnings()))
			}
			for _, f := range result.Failures {
				fmt.Fprintf(stderr, "error: %s\n", f)
			}

			if failed || !result.Allowed || len(result.Failures) > 0 {
				return ErrInvalid
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&policyPaths, "policy", "p", nil, "policy file or directory (repeatable)")
	cmd.Flags().BoolVar(&noBuiltins, "no-builtins", false, "skip the built-in policies")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the result as JSON")

	return cmd
}
