package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/openfroyo/envgraph/pkg/parser"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// Built-in item keys, always present at the lowest precedence.
const (
	BuiltinEnvKey  = "ENVGRAPH_ENV"
	BuiltinIsCIKey = "ENVGRAPH_IS_CI"
)

func isBuiltinKey(key string) bool {
	return key == BuiltinEnvKey || key == BuiltinIsCIKey
}

// Definition file names within a directory source.
const (
	schemaFileName = ".env.schema.yaml"
	baseFileName   = ".env.yaml"
	localFileName  = ".env.local.yaml"
)

func envFileName(env string) string      { return ".env." + env + ".yaml" }
func envLocalFileName(env string) string { return ".env." + env + ".local.yaml" }

// loadRoot attaches the root directory plus the process environment and
// built-in sources.
func (g *Graph) loadRoot(ctx context.Context, dir string) error {
	info, err := fs.Stat(g.fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	g.root = g.addSource(NoSource, &Source{Kind: SourceDirectory, Label: dir, Path: dir})

	builtins := &Source{Kind: SourceStatic, Label: "builtin", rank: rankBuiltin}
	id := g.addSource(g.root, builtins)
	builtins.addDefinition(&Definition{Key: BuiltinEnvKey, Value: parser.Literal(g.builtinEnv())})
	builtins.addDefinition(&Definition{Key: BuiltinIsCIKey, Value: parser.Literal(truthy(g.env["CI"]))})
	g.registerKeys(id)

	penv := &Source{Kind: SourceProcessEnv, Label: "process.env", rank: rankProcessEnv}
	g.addSource(g.root, penv)
	keys := make([]string, 0, len(g.env))
	for k := range g.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		penv.addDefinition(&Definition{Key: k, Value: parser.Literal(g.env[k])})
	}

	g.fillDirectory(ctx, g.root)
	return nil
}

func (g *Graph) builtinEnv() interface{} {
	if g.opts.CurrentEnv != "" {
		return g.opts.CurrentEnv
	}
	if v, ok := g.env[BuiltinEnvKey]; ok {
		return v
	}
	return nil
}

// loadDirectory attaches a directory source and its definition files.
func (g *Graph) loadDirectory(ctx context.Context, parent SourceID, dir string, rank int, meta *ImportMeta) SourceID {
	id := g.addSource(parent, &Source{Kind: SourceDirectory, Label: dir + "/", Path: dir, rank: rank, Import: meta})
	g.fillDirectory(ctx, id)
	return id
}

// fillDirectory loads schema, base and local files, determines the current
// environment, then attaches the per-environment pair.
func (g *Graph) fillDirectory(ctx context.Context, id SourceID) {
	dir := g.Source(id).Path
	logger := telemetry.FromContext(ctx).WithField("directory", dir)

	for _, f := range []struct {
		name string
		rank int
	}{
		{schemaFileName, rankSchema},
		{baseFileName, rankBase},
		{localFileName, rankLocal},
	} {
		p := path.Join(dir, f.name)
		if fileExists(g.fsys, p) {
			g.loadFile(ctx, id, p, f.rank, nil, "")
		}
	}

	if g.IsDisabled(id) {
		return
	}

	env := g.resolveEnvForLoad(ctx, id)
	if env == "" {
		logger.Debug("No environment selected, skipping per-environment files")
		return
	}
	logger.Debugf("Loading files for environment %q", env)

	for _, f := range []struct {
		name string
		rank int
	}{
		{envFileName(env), rankEnv},
		{envLocalFileName(env), rankEnvLocal},
	} {
		p := path.Join(dir, f.name)
		if fileExists(g.fsys, p) {
			g.loadFile(ctx, id, p, f.rank, nil, env)
		}
	}
}

// resolveEnvForLoad early-resolves the environment flag item visible from id.
func (g *Graph) resolveEnvForLoad(ctx context.Context, id SourceID) string {
	if g.opts.CurrentEnv != "" {
		return g.opts.CurrentEnv
	}
	key := g.envFlagKeyFor(id)
	if key == "" {
		return ""
	}
	it := g.item(key)
	if it == nil {
		return ""
	}
	it.EarlyResolve(ctx)
	if it.State() == StateError {
		return ""
	}
	return valueString(it.Value())
}

func fileExists(fsys fs.FS, p string) bool {
	info, err := fs.Stat(fsys, p)
	return err == nil && !info.IsDir()
}

// loadFile attaches and initializes a file source.
func (g *Graph) loadFile(ctx context.Context, parent SourceID, p string, rank int, meta *ImportMeta, env string) SourceID {
	s := &Source{Kind: SourceFile, Label: p, Path: p, rank: rank, Import: meta, Env: env}
	id := g.addSource(parent, s)

	data, err := fs.ReadFile(g.fsys, p)
	if err != nil {
		s.LoadingError = NewLoadingError("failed to read file", err).WithSource(p, 0)
		return id
	}
	f, err := parser.ParseYAML(p, data)
	if err != nil {
		s.LoadingError = NewLoadingError("failed to parse file", err).WithSource(p, 0)
		return id
	}
	s.setFile(f)
	g.initSource(ctx, id, f.RootDecorators)
	return id
}

// AddStatic attaches an in-memory source below the root's files. It must be
// called after Load and before Process.
func (g *Graph) AddStatic(ctx context.Context, label string, f *parser.File) (SourceID, error) {
	if g.root == NoSource {
		return NoSource, fmt.Errorf("graph has no root source, call Load first")
	}
	s := &Source{Kind: SourceStatic, Label: label, rank: rankStatic}
	id := g.addSource(g.root, s)
	s.setFile(f)
	g.initSource(ctx, id, f.RootDecorators)
	return id, nil
}

// initSource runs the ordered initialization steps of a file-like source.
func (g *Graph) initSource(ctx context.Context, id SourceID, raw []*parser.Decorator) {
	s := g.Source(id)
	sc := &scope{g: g, source: id}
	logger := telemetry.FromContext(ctx).WithField("source", s.Label)

	for _, r := range raw {
		s.Decorators = append(s.Decorators, newDecorator(g.reg, r, true, id, ""))
	}
	s.SchemaErrors = append(s.SchemaErrors, checkDecoratorSet(s.Decorators)...)

	if d := findDecorator(s.Decorators, "disable"); d != nil {
		v, err := g.resolveDecoratorEarly(ctx, d, sc)
		if err == nil && truthy(v) {
			s.disabled = true
		} else if err != nil {
			s.SchemaErrors = append(s.SchemaErrors, d.locate(err))
		}
	}
	if g.IsDisabled(id) {
		logger.Debug("Source disabled")
		return
	}

	g.registerKeys(id)
	g.initEnvFlag(s, sc)

	for _, name := range []string{"defaultSensitive", "defaultRequired"} {
		if d := findDecorator(s.Decorators, name); d != nil {
			d.Process(sc)
		}
	}

	for _, d := range s.Decorators {
		if d.Name != "plugin" || len(d.Process(sc)) > 0 {
			continue
		}
		spec := d.Data.(*PluginSpec)
		if err := g.reg.Install(spec.Name, spec.Version); err != nil {
			s.SchemaErrors = append(s.SchemaErrors, d.locate(NewSchemaError("@plugin", err)))
			continue
		}
		logger.WithField("plugin", spec.Name).Debug("Plugin installed")
	}

	importIndex := 0
	for _, d := range s.Decorators {
		if d.Name != "import" || len(d.Process(sc)) > 0 {
			continue
		}
		spec := d.Data.(*ImportSpec)
		if spec.Enabled != nil {
			for _, dep := range spec.Enabled.Dependencies() {
				g.item(dep).EarlyResolve(ctx)
			}
			v, err := spec.Enabled.Resolve(ctx, sc)
			if err != nil {
				s.SchemaErrors = append(s.SchemaErrors, d.locate(err))
				continue
			}
			if !truthy(v) {
				logger.WithField("import", spec.Path).Debug("Import disabled")
				continue
			}
		}
		if err := g.attachImport(ctx, id, spec, rankImport+importIndex); err != nil {
			s.SchemaErrors = append(s.SchemaErrors, d.locate(err))
		}
		importIndex++
	}

	for _, d := range s.Decorators {
		s.SchemaErrors = append(s.SchemaErrors, d.Process(sc)...)
	}
	for _, e := range s.SchemaErrors {
		if ee, ok := e.(*Error); ok && ee.Source == "" {
			ee.Source = s.Label
		}
	}
}

// registerKeys creates items for every key the source may contribute.
func (g *Graph) registerKeys(id SourceID) {
	for _, key := range g.Source(id).order {
		if g.visible(id, key) {
			g.ensureItem(key)
		}
	}
}

func (g *Graph) initEnvFlag(s *Source, sc *scope) {
	d := findDecorator(s.Decorators, "currentEnv")
	if d == nil {
		d = findDecorator(s.Decorators, "envFlag")
	}
	if d == nil || len(d.Process(sc)) > 0 {
		return
	}
	key := d.Data.(string)
	if _, own := s.defs[key]; !own && !isBuiltinKey(key) {
		s.SchemaErrors = append(s.SchemaErrors, d.locate(schemaErrorf("@%s: item %q must be defined in this file", d.Name, key)))
		return
	}
	s.envFlagKey = key
	g.propagateEnvFlag(s.ID)
}

// attachImport adds the import target as a lower-precedence child.
func (g *Graph) attachImport(ctx context.Context, importer SourceID, spec *ImportSpec, rank int) error {
	if path.IsAbs(spec.Path) {
		return schemaErrorf("@import: path %q must be relative", spec.Path)
	}
	p := path.Join(g.sourceDir(importer), spec.Path)
	if g.hasAncestorPath(importer, p) {
		return schemaErrorf("@import: %q imports itself", spec.Path)
	}

	info, err := fs.Stat(g.fsys, p)
	if err != nil {
		if spec.AllowMissing && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return NewSchemaError(fmt.Sprintf("@import: cannot load %q", spec.Path), err)
	}

	var meta *ImportMeta
	if len(spec.Keys) > 0 {
		meta = &ImportMeta{Keys: spec.Keys}
	} else {
		meta = &ImportMeta{}
	}

	if info.IsDir() {
		g.loadDirectory(ctx, importer, p, rank, meta)
	} else {
		g.loadFile(ctx, importer, p, rank, meta, "")
	}
	return nil
}

// resolveDecoratorEarly resolves a root decorator during loading, early
// resolving its direct dependencies first.
func (g *Graph) resolveDecoratorEarly(ctx context.Context, d *Decorator, sc *scope) (interface{}, error) {
	if errs := d.Process(sc); len(errs) > 0 {
		return nil, errs[0]
	}
	for _, dep := range d.Dependencies() {
		g.item(dep).EarlyResolve(ctx)
	}
	return d.Resolve(ctx, sc)
}
