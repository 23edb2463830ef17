package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/envgraph/pkg/watch"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-resolve the configuration when definition files change",
		Long: `Resolve the configuration, then watch the definition files and resolve
again after every change. A summary line is printed per run and errors are
reported as they appear.

When metrics are enabled in the settings file, resolution metrics are
served on the configured address while watching.`,
		Example: `  # Watch the current directory
  envgraph watch

  # Watch with metrics enabled in settings
  envgraph watch --config envgraph.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			server, err := s.tel.StartMetricsServer()
			if err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			if server != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				s.logger.WithField("address", s.settings.Metrics.ListenAddress).Info("Serving metrics")
			}

			r := &reloader{s: s, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
			r.run(ctx, "initial")

			w, err := watch.New(ctx, []string{s.dir}, watch.Options{
				Delay: delay,
				Match: isDefinitionFile,
				OnChange: func(ctx context.Context, changed []string) {
					if s.tel.Events != nil {
						for _, path := range changed {
							_ = s.tel.Events.PublishSourceChanged(path, "changed")
						}
					}
					r.run(ctx, strings.Join(relPaths(s.dir, changed), ", "))
				},
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(r.out, "watching %s\n", s.dir)
			w.Run(ctx)
			return nil
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", watch.DefaultDelay, "wait this long after the last change before resolving")

	return cmd
}

// isDefinitionFile reports whether path is a YAML definition file.
func isDefinitionFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".env") &&
		(strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml"))
}

func relPaths(dir string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rel, err := filepath.Rel(dir, p); err == nil {
			p = rel
		}
		out = append(out, p)
	}
	return out
}

// reloader resolves a fresh graph per run. Runs never overlap.
type reloader struct {
	s      *session
	out    io.Writer
	errOut io.Writer

	mu sync.Mutex
}

// run resolves the configuration and prints a summary. It reports whether
// the configuration is valid.
func (r *reloader) run(ctx context.Context, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, g, snap, err := r.s.resolve(ctx)
	if err != nil {
		r.s.tel.Metrics.RecordReload("failed")
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false
	}

	failed := printErrors(output(r.errOut, snap), g)
	status := "succeeded"
	if failed {
		status = "failed"
	} else if err := g.Execute(ctx); err != nil {
		fmt.Fprintf(output(r.errOut, snap), "error: %v\n", err)
		status = "failed"
	}
	r.s.tel.Metrics.RecordReload(status)

	stats := g.Stats()
	fmt.Fprintf(output(r.out, snap), "[%s] %s: %d items, resolved in %s (%s)\n",
		time.Now().Format(time.Kitchen), status, len(g.Items()), stats.Duration.Round(time.Millisecond), reason)
	return status == "succeeded"
}
