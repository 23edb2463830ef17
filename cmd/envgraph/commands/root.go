package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ErrInvalid is returned when the configuration or a policy check has
// blocking errors. The details have been printed already.
var ErrInvalid = errors.New("configuration is invalid")

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	env        string
	dir        string
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "envgraph",
		Short: "envgraph - typed, layered environment configuration",
		Long: `envgraph resolves environment configuration from layered YAML definition
files into typed, validated values.

Features:
  - Schema, shared, local and per-environment files with fixed precedence
  - Values computed from references and functions, resolved concurrently
  - Built-in and plugin data types with coercion and validation
  - Sensitive values redacted from output and logs
  - Policy checks written in Rego`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().StringVarP(&opts.env, "env", "e", "", "current environment (overrides @currentEnv)")
	rootCmd.PersistentFlags().StringVarP(&opts.dir, "dir", "d", "", "directory holding the definition files")

	rootCmd.AddCommand(newResolveCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newCheckCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))

	return rootCmd
}
