package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/envgraph/pkg/datatypes"
	"github.com/openfroyo/envgraph/pkg/engine"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

func newResolveCommand(opts *globalOptions) *cobra.Command {
	var (
		jsonOutput    bool
		showSensitive bool
	)

	cmd := &cobra.Command{
		Use:   "resolve [KEY...]",
		Short: "Resolve and print configuration values",
		Long: `Resolve the configuration and print KEY=value lines, or a JSON snapshot
with --json.

Only the given keys and their dependencies are resolved when keys are
passed. Sensitive values are masked unless --show-sensitive is set. Root
decorator hooks such as @generateTypes run when every item is valid.`,
		Example: `  # Print every value
  envgraph resolve

  # Print two values for staging
  envgraph resolve --env staging DB_URL API_KEY

  # Print the snapshot as JSON
  envgraph resolve --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx, g, snap, err := s.resolve(ctx, args...)
			if err != nil {
				return err
			}

			stderr := output(cmd.ErrOrStderr(), snap)
			failed := printErrors(stderr, g)
			if !failed {
				if err := g.Execute(ctx); err != nil {
					fmt.Fprintf(stderr, "error: %v\n", err)
					failed = true
				}
			}

			keys := args
			if len(keys) == 0 {
				keys = g.Keys()
			}

			stdout := cmd.OutOrStdout()
			if !showSensitive {
				stdout = output(stdout, snap)
			}
			if jsonOutput {
				err = writeJSON(stdout, filterSnapshot(snap, keys, showSensitive))
			} else {
				err = writeDotenv(stdout, snap, keys, showSensitive)
			}
			if err != nil {
				return err
			}

			if failed {
				return ErrInvalid
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the snapshot as JSON")
	cmd.Flags().BoolVar(&showSensitive, "show-sensitive", false, "print sensitive values in clear text")

	return cmd
}

// filterSnapshot returns a copy of snap holding only keys, with sensitive
// values masked unless showSensitive is set.
func filterSnapshot(snap *engine.Snapshot, keys []string, showSensitive bool) *engine.Snapshot {
	out := &engine.Snapshot{
		Sources:  snap.Sources,
		Config:   make(map[string]engine.SnapshotItem, len(keys)),
		Settings: snap.Settings,
	}
	for _, key := range keys {
		it, ok := snap.Config[key]
		if !ok {
			continue
		}
		if it.IsSensitive && !showSensitive && it.Value != nil {
			it.Value = telemetry.RedactedMask
		}
		out.Config[key] = it
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeDotenv prints KEY=value lines in the order of keys.
func writeDotenv(w io.Writer, snap *engine.Snapshot, keys []string, showSensitive bool) error {
	for _, key := range keys {
		it, ok := snap.Config[key]
		if !ok {
			continue
		}
		value := datatypes.ToString(it.Value)
		if it.IsSensitive && !showSensitive && it.Value != nil {
			value = telemetry.RedactedMask
		}
		if _, err := fmt.Fprintf(w, "%s=%s\n", key, quoteValue(value)); err != nil {
			return err
		}
	}
	return nil
}

// quoteValue quotes values a dotenv reader would otherwise split or
// truncate.
func quoteValue(v string) string {
	if v == "" || !strings.ContainsAny(v, " \t\n\r#'\"\\$`") {
		return v
	}
	return strconv.Quote(v)
}
