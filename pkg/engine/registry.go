package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/envgraph/pkg/datatypes"
)

// Plugin is a finished set of definitions supplied by a plugin loader.
type Plugin struct {
	Name    string
	Version string

	Resolvers      []*ResolverFunc
	ItemDecorators []*DecoratorDef
	RootDecorators []*DecoratorDef
	DataTypes      []datatypes.Definition
}

// Registry holds the resolver, decorator and data type tables for one graph,
// plus the catalog of plugins that sources may install. It is safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex

	resolvers      map[string]*ResolverFunc
	itemDecorators map[string]*DecoratorDef
	rootDecorators map[string]*DecoratorDef
	types          *datatypes.Registry

	catalog   map[string]*Plugin
	installed map[string]*Plugin

	// owners maps "<table>:<name>" to the plugin that registered it.
	owners map[string]string
}

// NewRegistry creates a registry with the built-in definitions loaded.
func NewRegistry() *Registry {
	r := &Registry{
		resolvers:      make(map[string]*ResolverFunc),
		itemDecorators: make(map[string]*DecoratorDef),
		rootDecorators: make(map[string]*DecoratorDef),
		types:          datatypes.NewRegistry(),
		catalog:        make(map[string]*Plugin),
		installed:      make(map[string]*Plugin),
		owners:         make(map[string]string),
	}
	for _, fn := range builtinResolvers() {
		r.resolvers[fn.Name] = fn
	}
	for _, def := range builtinItemDecorators() {
		r.itemDecorators[def.Name] = def
	}
	for _, def := range builtinRootDecorators() {
		r.rootDecorators[def.Name] = def
	}
	return r
}

// Types returns the data type registry.
func (r *Registry) Types() *datatypes.Registry {
	return r.types
}

// Resolver looks up a resolver function by name.
func (r *Registry) Resolver(name string) (*ResolverFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.resolvers[name]
	return fn, ok
}

// ItemDecorator looks up an item decorator definition by name.
func (r *Registry) ItemDecorator(name string) (*DecoratorDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.itemDecorators[name]
	return def, ok
}

// RootDecorator looks up a root decorator definition by name.
func (r *Registry) RootDecorator(name string) (*DecoratorDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.rootDecorators[name]
	return def, ok
}

// RegisterResolver adds a plugin resolver function.
func (r *Registry) RegisterResolver(fn *ResolverFunc) error {
	return r.register(&Plugin{Resolvers: []*ResolverFunc{fn}})
}

// RegisterItemDecorator adds an item decorator definition.
func (r *Registry) RegisterItemDecorator(def *DecoratorDef) error {
	return r.register(&Plugin{ItemDecorators: []*DecoratorDef{def}})
}

// RegisterRootDecorator adds a root decorator definition.
func (r *Registry) RegisterRootDecorator(def *DecoratorDef) error {
	return r.register(&Plugin{RootDecorators: []*DecoratorDef{def}})
}

// AddPlugin makes a plugin available for installation via @plugin.
func (r *Registry) AddPlugin(p *Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin requires a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.catalog[p.Name]; ok && existing.Version == p.Version {
		return fmt.Errorf("plugin %s@%s already in catalog", p.Name, p.Version)
	}
	r.catalog[p.Name] = p
	return nil
}

// Catalog returns the names of available plugins, sorted.
func (r *Registry) Catalog() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.catalog))
	for name := range r.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Install registers the definitions of a cataloged plugin. Installing the
// same plugin again is a no-op; a different version is a conflict.
func (r *Registry) Install(name, version string) error {
	r.mu.RLock()
	if inst, ok := r.installed[name]; ok {
		r.mu.RUnlock()
		if version != "" && inst.Version != version {
			return fmt.Errorf("plugin %q version conflict: %s is installed, %s requested", name, inst.Version, version)
		}
		return nil
	}
	p, ok := r.catalog[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("plugin %q is not available", name)
	}
	if version != "" && p.Version != version {
		return fmt.Errorf("plugin %q version %s is not available (have %s)", name, version, p.Version)
	}
	if err := r.register(p); err != nil {
		return err
	}

	r.mu.Lock()
	r.installed[name] = p
	r.mu.Unlock()
	return nil
}

// Installed returns installed plugin names mapped to versions.
func (r *Registry) Installed() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.installed))
	for name, p := range r.installed {
		out[name] = p.Version
	}
	return out
}

// register adds every definition of p, failing without side effects when
// any name collides.
func (r *Registry) register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner := p.Name
	if owner == "" {
		owner = "user"
	}
	collision := func(table, name string) error {
		prev := r.owners[table+":"+name]
		if prev == "" {
			prev = "built-in"
		}
		return fmt.Errorf("%s %q from %s collides with %s definition", table, name, owner, prev)
	}

	for _, fn := range p.Resolvers {
		if fn.Name == "" || fn.Resolve == nil {
			return fmt.Errorf("resolver from %s requires a name and a Resolve function", owner)
		}
		if _, exists := r.resolvers[fn.Name]; exists {
			return collision("resolver", fn.Name)
		}
	}
	for _, def := range p.ItemDecorators {
		if _, exists := r.itemDecorators[def.Name]; exists {
			return collision("item decorator", def.Name)
		}
	}
	for _, def := range p.RootDecorators {
		if _, exists := r.rootDecorators[def.Name]; exists {
			return collision("root decorator", def.Name)
		}
	}
	for _, dt := range p.DataTypes {
		if _, exists := r.types.Lookup(dt.Name); exists {
			return collision("data type", dt.Name)
		}
	}

	for _, fn := range p.Resolvers {
		fn.kind = ResolverExtern
		r.resolvers[fn.Name] = fn
		r.owners["resolver:"+fn.Name] = owner
	}
	for _, def := range p.ItemDecorators {
		r.itemDecorators[def.Name] = def
		r.owners["item decorator:"+def.Name] = owner
	}
	for _, def := range p.RootDecorators {
		r.rootDecorators[def.Name] = def
		r.owners["root decorator:"+def.Name] = owner
	}
	for _, dt := range p.DataTypes {
		if err := r.types.Register(dt); err != nil {
			return err
		}
		r.owners["data type:"+dt.Name] = owner
	}
	return nil
}
