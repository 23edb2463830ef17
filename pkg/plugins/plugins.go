// Package plugins provides the plugins shipped with envgraph and loads
// command plugins from YAML manifests.
//
// Plugins are added to a registry catalog and installed by a source with
// the @plugin root decorator:
//
//	decorators:
//	  plugin: starlark
//	items:
//	  WORKERS: starlark("cpus * 2", cpus=$CPUS)
package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/envgraph/pkg/engine"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// Options configures Register.
type Options struct {
	// Dirs are searched for plugin manifests in order.
	Dirs []string

	// StarlarkTimeout bounds a single starlark() evaluation.
	StarlarkTimeout time.Duration

	// Environ is the environment of manifest commands. Nil means the
	// process environment.
	Environ []string
}

// Builtins returns the plugins compiled into envgraph.
func Builtins(starlarkTimeout time.Duration) []*engine.Plugin {
	return []*engine.Plugin{
		StarlarkPlugin(starlarkTimeout),
		CUEPlugin(),
	}
}

// Register adds the built-in plugins and every manifest plugin found in
// opts.Dirs to the registry catalog. It returns the names added.
func Register(ctx context.Context, reg *engine.Registry, opts Options) ([]string, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("plugins")

	plugins := Builtins(opts.StarlarkTimeout)

	loader := NewManifestLoader(opts.Environ)
	for _, dir := range opts.Dirs {
		manifests, err := loader.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, manifest := range manifests {
			p, err := loader.Plugin(manifest)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", manifest.Path, err)
			}
			plugins = append(plugins, p)
			logger.WithPlugin(p.Name, p.Version).WithField("path", manifest.Path).Debug("Loaded plugin manifest")
		}
	}

	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		if err := reg.AddPlugin(p); err != nil {
			return nil, err
		}
		names = append(names, p.Name)
	}
	return names, nil
}
