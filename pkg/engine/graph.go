package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// Options configures a Graph.
type Options struct {
	// FS holds the definition files. Defaults to os.DirFS(WorkDir).
	FS fs.FS

	// Dir is the root directory within FS. Defaults to ".".
	Dir string

	// WorkDir is the OS directory FS is rooted at. exec() commands run in
	// the defining source's directory below it. Defaults to the current
	// working directory.
	WorkDir string

	// Env is the process environment snapshot. Defaults to os.Environ().
	Env map[string]string

	// CurrentEnv overrides the environment discriminator when set.
	CurrentEnv string

	// Registry defaults to NewRegistry().
	Registry *Registry

	// ExecConcurrency bounds concurrent exec() commands. Defaults to 1.
	ExecConcurrency int64
}

// Graph owns the data source tree, the items, and the registry. It drives
// load, process, cycle check and resolution.
type Graph struct {
	opts  Options
	fsys  fs.FS
	reg   *Registry
	exec  *ExecQueue
	env   map[string]string
	runID string

	mu        sync.RWMutex
	sources   []*Source
	root      SourceID
	items     map[string]*Item
	itemOrder []string

	// processMu serializes Process so concurrent callers wait for the
	// first one to finish.
	processMu sync.Mutex
	processed bool
	dag       *DependencyGraph
	stats     *ResolveStats
}

// New creates an empty graph.
func New(opts Options) *Graph {
	if opts.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.WorkDir = wd
		}
	}
	if opts.FS == nil {
		opts.FS = os.DirFS(opts.WorkDir)
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Env == nil {
		opts.Env = environMap(os.Environ())
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.ExecConcurrency <= 0 {
		opts.ExecConcurrency = 1
	}

	return &Graph{
		opts:  opts,
		fsys:  opts.FS,
		reg:   opts.Registry,
		exec:  NewExecQueue(opts.ExecConcurrency),
		env:   opts.Env,
		runID: uuid.New().String(),
		root:  NoSource,
		items: make(map[string]*Item),
	}
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// RunID identifies this graph's resolution run in logs and traces.
func (g *Graph) RunID() string {
	return g.runID
}

// CurrentEnv returns the environment selected for the root directory: the
// CurrentEnv option, else the resolved value of its environment flag item,
// else "".
func (g *Graph) CurrentEnv() string {
	if g.opts.CurrentEnv != "" {
		return g.opts.CurrentEnv
	}
	for _, s := range g.Sources() {
		if s.Kind != SourceDirectory {
			continue
		}
		key := g.envFlagKeyFor(s.ID)
		if key == "" {
			return ""
		}
		it := g.item(key)
		if it == nil || !it.IsResolved() || it.State() == StateError {
			return ""
		}
		return valueString(it.Value())
	}
	return ""
}

// Registry returns the graph's registry.
func (g *Graph) Registry() *Registry {
	return g.reg
}

// ExecQueue returns the queue shared by all exec() calls.
func (g *Graph) ExecQueue() *ExecQueue {
	return g.exec
}

// Root returns the root source ID, or NoSource before Load.
func (g *Graph) Root() SourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root
}

func (g *Graph) item(key string) *Item {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.items[key]
}

func (g *Graph) ensureItem(key string) *Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	if it, ok := g.items[key]; ok {
		return it
	}
	it := newItem(g, key)
	g.items[key] = it
	g.itemOrder = append(g.itemOrder, key)
	return it
}

// Item returns the item with the given key.
func (g *Graph) Item(key string) (*Item, bool) {
	it := g.item(key)
	return it, it != nil
}

// Keys returns item keys in registration order.
func (g *Graph) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.itemOrder))
	copy(out, g.itemOrder)
	return out
}

// Items returns all items in registration order.
func (g *Graph) Items() []*Item {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Item, 0, len(g.itemOrder))
	for _, k := range g.itemOrder {
		out = append(out, g.items[k])
	}
	return out
}

// environ returns the snapshot in os/exec form.
func (g *Graph) environ() []string {
	out := make([]string, 0, len(g.env))
	for k, v := range g.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// sourceDefault returns the processed data of a source's root decorator, or
// nil when absent or invalid.
func (g *Graph) sourceDefault(id SourceID, name string) interface{} {
	s := g.Source(id)
	if s == nil {
		return nil
	}
	d := findDecorator(s.Decorators, name)
	if d == nil || len(d.SchemaErrors()) > 0 {
		return nil
	}
	return d.Data
}

// scope is the evaluation context of a resolver: the graph, the source it
// was written in, and the owning item key.
type scope struct {
	g      *Graph
	source SourceID
	key    string
}

// dir returns the OS directory exec() runs in, or "" for the process default.
func (sc *scope) dir() string {
	if sc.g.opts.WorkDir == "" {
		return ""
	}
	return filepath.Join(sc.g.opts.WorkDir, filepath.FromSlash(sc.g.sourceDir(sc.source)))
}

func (sc *scope) envFlagKey() string {
	return sc.g.envFlagKeyFor(sc.source)
}

// currentEnv returns the environment name selected for the scope's source.
func (sc *scope) currentEnv(ctx context.Context) (string, error) {
	if sc.g.opts.CurrentEnv != "" {
		return sc.g.opts.CurrentEnv, nil
	}
	key := sc.envFlagKey()
	if key == "" {
		return "", resolutionErrorf("forEnv(): no environment flag is configured")
	}
	v, err := sc.refValue(key)
	if err != nil {
		return "", err
	}
	return valueString(v), nil
}

// refValue returns the resolved value of another item. The item must be
// terminal and not in error.
func (sc *scope) refValue(key string) (interface{}, error) {
	if key == sc.key {
		return nil, resolutionErrorf("item %s references itself", key)
	}
	it := sc.g.item(key)
	if it == nil {
		return nil, resolutionErrorf("unknown item %q", key)
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.resolved {
		return nil, resolutionErrorf("item %s has not been resolved", key)
	}
	if it.stateLocked() == StateError {
		return nil, resolutionErrorf("Dependency %s is invalid", key)
	}
	return it.value, nil
}

// Load builds the data source tree from Options.Dir. Items resolved early to
// pick environment files are reset when later sources changed them.
func (g *Graph) Load(ctx context.Context) error {
	logger := telemetry.FromContext(ctx).WithRunID(g.runID)
	logger.WithField("directory", g.opts.Dir).Debug("Loading sources")

	if err := g.loadRoot(ctx, g.opts.Dir); err != nil {
		return NewLoadingError("failed to load root directory", err)
	}
	g.resetEarly()

	logger.Debugf("Loaded %d sources and %d items", len(g.sources), len(g.items))
	return nil
}

// resetEarly drops early resolution results that are stale or invalid, along
// with early-resolved items that depended on them.
func (g *Graph) resetEarly() {
	stale := make(map[string]bool)
	var early []*Item
	for _, it := range g.Items() {
		if !it.isEarly() {
			continue
		}
		early = append(early, it)
		if it.definitionsChanged() || it.State() == StateError {
			stale[it.Key] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for _, it := range early {
			if stale[it.Key] {
				continue
			}
			for _, dep := range it.Dependencies() {
				if stale[dep] {
					stale[it.Key] = true
					changed = true
					break
				}
			}
		}
	}

	for key := range stale {
		g.item(key).reset()
	}
}

// Process processes every item and runs the cycle check. It is idempotent.
func (g *Graph) Process(ctx context.Context) {
	g.processMu.Lock()
	defer g.processMu.Unlock()

	g.mu.Lock()
	if g.processed {
		g.mu.Unlock()
		return
	}
	g.processed = true
	g.mu.Unlock()

	for _, it := range g.Items() {
		it.Process()
	}
	g.CheckCycles(ctx)
}

// CheckCycles builds the dependency graph and marks every item on a cycle
// with a schema error.
func (g *Graph) CheckCycles(ctx context.Context) [][]string {
	logger := telemetry.FromContext(ctx)

	dag := NewDependencyGraph()
	if err := dag.Build(g.Items()); err != nil {
		logger.WithError(err).Error("Failed to build dependency graph")
		return nil
	}
	g.mu.Lock()
	g.dag = dag
	g.mu.Unlock()

	cycles := dag.DetectCycles()
	marked := make(map[string]bool)
	for _, cycle := range cycles {
		msg := formatCycle(cycle)
		logger.Warn(msg)
		for _, key := range uniqueKeys(cycle) {
			if marked[key] {
				continue
			}
			marked[key] = true
			if it := g.item(key); it != nil {
				it.addSchemaError(schemaErrorf("%s", msg))
			}
		}
	}
	return cycles
}

// DependencyGraph returns the graph built by the last cycle check.
func (g *Graph) DependencyGraph() *DependencyGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dag
}

// Resolve resolves the given keys and their dependencies, or every item when
// no keys are given. Item failures are recorded on the items; the returned
// error reports only misuse such as an unknown key.
func (g *Graph) Resolve(ctx context.Context, keys ...string) (*ResolveStats, error) {
	g.Process(ctx)

	if len(keys) == 0 {
		keys = g.Keys()
	}
	for _, k := range keys {
		if g.item(k) == nil {
			return nil, fmt.Errorf("unknown item %q", k)
		}
	}

	ctx = telemetry.WithRunContext(ctx, g.runID, len(keys))
	stats := newScheduler(g).run(ctx, keys)
	status := "succeeded"
	var runErr error
	if g.HasErrors() {
		status = "failed"
		runErr = errors.New("one or more items are invalid")
	}
	telemetry.EndRunContext(ctx, g.runID, status, runErr)

	g.mu.Lock()
	g.stats = stats
	g.mu.Unlock()
	return stats, nil
}

// Execute runs the side-effecting hooks of root decorators on enabled
// sources, in precedence order.
func (g *Graph) Execute(ctx context.Context) error {
	var errs []error
	for _, s := range g.Sources() {
		if g.IsDisabled(s.ID) {
			continue
		}
		for _, d := range s.Decorators {
			if len(d.SchemaErrors()) > 0 {
				continue
			}
			if err := d.Execute(ctx, g); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Run loads, processes, resolves and executes the graph. Root decorator
// hooks are skipped when any item is invalid.
func (g *Graph) Run(ctx context.Context) error {
	if err := g.Load(ctx); err != nil {
		return err
	}
	if _, err := g.Resolve(ctx); err != nil {
		return err
	}
	if g.HasErrors() {
		return nil
	}
	return g.Execute(ctx)
}

// Errors returns loading and schema errors of sources followed by every item
// error, warnings included.
func (g *Graph) Errors() []error {
	var out []error
	for _, s := range g.Sources() {
		if s.LoadingError != nil {
			out = append(out, s.LoadingError)
		}
		out = append(out, s.SchemaErrors...)
		for _, d := range s.Decorators {
			if d.execErr != nil {
				out = append(out, d.execErr)
			}
		}
	}
	for _, it := range g.Items() {
		out = append(out, it.Errors()...)
	}
	return out
}

// HasErrors reports whether any source or item carries a blocking error.
func (g *Graph) HasErrors() bool {
	for _, err := range g.Errors() {
		if !IsWarning(err) {
			return true
		}
	}
	return false
}

// Stats returns the statistics of the last Resolve call.
func (g *Graph) Stats() *ResolveStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}
