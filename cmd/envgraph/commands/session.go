package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/envgraph/pkg/config"
	"github.com/openfroyo/envgraph/pkg/engine"
	"github.com/openfroyo/envgraph/pkg/plugins"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// session is the state shared by one command invocation.
type session struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	dir      string
}

// open loads settings, applies the persistent flags and starts telemetry.
// The returned context carries the telemetry instance and its logger.
func (o *globalOptions) open(cmd *cobra.Command) (context.Context, *session, error) {
	settings, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.env != "" {
		settings.Environment = o.env
	}
	if o.dir != "" {
		settings.Dir = o.dir
	}

	dir, err := filepath.Abs(settings.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve directory: %w", err)
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry(o.version))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tel.WithContext(ctx)

	return ctx, &session{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("cli"),
		dir:      dir,
	}, nil
}

// close flushes telemetry.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to shut down telemetry")
	}
}

// newGraph registers plugins and loads the definition files.
func (s *session) newGraph(ctx context.Context) (*engine.Graph, error) {
	reg := engine.NewRegistry()
	names, err := plugins.Register(ctx, reg, plugins.Options{
		Dirs:            s.settings.Plugins.Dirs,
		StarlarkTimeout: s.settings.Plugins.StarlarkTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}
	s.logger.WithField("plugins", names).Debug("Plugins available")

	g := engine.New(engine.Options{
		WorkDir:         s.dir,
		CurrentEnv:      s.settings.Environment,
		Registry:        reg,
		ExecConcurrency: int64(s.settings.Resolution.ExecConcurrency),
	})
	if err := g.Load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// resolve loads and resolves the graph, then redacts the logger in the
// returned context when the configuration asks for it.
func (s *session) resolve(ctx context.Context, keys ...string) (context.Context, *engine.Graph, *engine.Snapshot, error) {
	g, err := s.newGraph(ctx)
	if err != nil {
		return ctx, nil, nil, err
	}
	stats, err := g.Resolve(ctx, keys...)
	if err != nil {
		return ctx, nil, nil, err
	}

	snap := g.Snapshot(ctx)
	logger := s.logger
	if snap.Settings.RedactLogs {
		logger = logger.WithRedaction(snap.SensitiveValues())
		ctx = telemetry.FromContext(ctx).WithRedaction(snap.SensitiveValues()).WithContext(ctx)
	}

	logger.WithFields(map[string]interface{}{
		"run_id":   g.RunID(),
		"targets":  stats.Targets,
		"resolved": stats.Resolved,
		"duration": stats.Duration.String(),
	}).Debug("Resolved configuration")

	return ctx, g, snap, nil
}

// output wraps w so sensitive values are masked when the snapshot has
// redactLogs set.
func output(w io.Writer, snap *engine.Snapshot) io.Writer {
	if snap == nil || !snap.Settings.RedactLogs {
		return w
	}
	return telemetry.NewRedactingWriter(w, snap.SensitiveValues())
}

// printErrors writes every graph error, warnings included, and reports
// whether any is blocking.
func printErrors(w io.Writer, g *engine.Graph) bool {
	for _, err := range g.Errors() {
		prefix := "error"
		if engine.IsWarning(err) {
			prefix = "warning"
		}
		fmt.Fprintf(w, "%s: %s\n", prefix, describe(err))
	}
	return g.HasErrors()
}

// describe prefixes err with the key of the item it belongs to.
func describe(err error) string {
	var e *engine.Error
	if errors.As(err, &e) && e.Key != "" {
		return e.Key + ": " + err.Error()
	}
	return err.Error()
}
