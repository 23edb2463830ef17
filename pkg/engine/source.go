package engine

import (
	"path"
	"sort"

	"github.com/openfroyo/envgraph/pkg/parser"
)

// SourceID addresses a data source in the graph's source arena.
type SourceID int

// NoSource is the parent of the root source.
const NoSource SourceID = -1

// SourceKind identifies how a data source obtains its definitions.
type SourceKind string

const (
	SourceDirectory  SourceKind = "directory"
	SourceFile       SourceKind = "file"
	SourceProcessEnv SourceKind = "processEnv"
	SourceStatic     SourceKind = "static"
)

// Child ranks order a source's children from highest to lowest precedence.
const (
	rankProcessEnv = 0
	rankEnvLocal   = 1
	rankLocal      = 2
	rankEnv        = 3
	rankBase       = 4
	rankSchema     = 5
	rankImport     = 100
	rankStatic     = 900
	rankBuiltin    = 1000
)

// Definition is one source's contribution for one item key.
type Definition struct {
	Key         string
	Description string

	// Value is nil when the definition carries no value.
	Value      *parser.Value
	Decorators []*parser.Decorator
	Line       int
	Source     SourceID
}

// ImportMeta marks a source attached through @import. Keys is nil for a full
// import and holds the allow-list of a partial import.
type ImportMeta struct {
	Keys []string
}

func (m *ImportMeta) allows(key string) bool {
	if m == nil || m.Keys == nil {
		return true
	}
	for _, k := range m.Keys {
		if k == key {
			return true
		}
	}
	return false
}

func (m *ImportMeta) isPartial() bool {
	return m != nil && m.Keys != nil
}

// Source is a node of the data source tree.
type Source struct {
	ID     SourceID
	Kind   SourceKind
	Label  string
	Parent SourceID

	// Path is the slash-separated path within the graph's filesystem. Empty
	// for in-memory sources.
	Path string

	// Children are ordered from highest to lowest precedence.
	Children []SourceID

	// Env is the environment name of a per-environment file.
	Env string

	// Import is set when the source was attached by @import.
	Import *ImportMeta

	Decorators   []*Decorator
	LoadingError error
	SchemaErrors []error

	rank             int
	defs             map[string]*Definition
	order            []string
	disabled         bool
	envFlagKey       string
	envFlagInherited bool
}

// Keys returns the keys this source defines, in file order.
func (s *Source) Keys() []string {
	return s.order
}

// Definition returns this source's own definition of key.
func (s *Source) Definition(key string) (*Definition, bool) {
	d, ok := s.defs[key]
	return d, ok
}

// EnvFlagKey returns the environment flag key set on or inherited by this
// source.
func (s *Source) EnvFlagKey() string {
	return s.envFlagKey
}

func (s *Source) addDefinition(def *Definition) {
	if s.defs == nil {
		s.defs = make(map[string]*Definition)
	}
	if _, exists := s.defs[def.Key]; !exists {
		s.order = append(s.order, def.Key)
	}
	def.Source = s.ID
	s.defs[def.Key] = def
}

func (s *Source) setFile(f *parser.File) {
	for _, it := range f.Items {
		s.addDefinition(&Definition{
			Key:         it.Key,
			Description: it.Description,
			Value:       it.Value,
			Decorators:  it.Decorators,
			Line:        it.Line,
		})
	}
}

// addSource appends s to the arena and links it under parent in rank order.
func (g *Graph) addSource(parent SourceID, s *Source) SourceID {
	g.mu.Lock()
	defer g.mu.Unlock()

	s.ID = SourceID(len(g.sources))
	s.Parent = parent
	g.sources = append(g.sources, s)

	if parent != NoSource {
		p := g.sources[parent]
		p.Children = append(p.Children, s.ID)
		sort.SliceStable(p.Children, func(i, j int) bool {
			return g.sources[p.Children[i]].rank < g.sources[p.Children[j]].rank
		})
	}
	return s.ID
}

// Source returns the source with the given ID.
func (g *Graph) Source(id SourceID) *Source {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id < 0 || int(id) >= len(g.sources) {
		return nil
	}
	return g.sources[id]
}

// Sources returns all sources in precedence order, highest first.
func (g *Graph) Sources() []*Source {
	order := g.precedenceOrder()
	out := make([]*Source, len(order))
	for i, id := range order {
		out[i] = g.Source(id)
	}
	return out
}

// IsDisabled reports whether a source or any ancestor is disabled.
func (g *Graph) IsDisabled(id SourceID) bool {
	for id != NoSource {
		s := g.Source(id)
		if s.disabled {
			return true
		}
		id = s.Parent
	}
	return false
}

// visible reports whether key passes every import allow-list from id up to
// the root, i.e. the intersection of nested partial imports.
func (g *Graph) visible(id SourceID, key string) bool {
	for id != NoSource {
		s := g.Source(id)
		if !s.Import.allows(key) {
			return false
		}
		id = s.Parent
	}
	return true
}

// precedenceOrder flattens the tree depth-first: a source's own definitions
// come before its children, and children are in rank order.
func (g *Graph) precedenceOrder() []SourceID {
	if g.root == NoSource {
		return nil
	}
	var out []SourceID
	var walk func(id SourceID)
	walk = func(id SourceID) {
		out = append(out, id)
		for _, c := range g.Source(id).Children {
			walk(c)
		}
	}
	walk(g.root)
	return out
}

// definitionsFor returns every enabled, visible definition of key, highest
// precedence first.
func (g *Graph) definitionsFor(key string) []*Definition {
	var defs []*Definition
	for _, id := range g.precedenceOrder() {
		s := g.Source(id)
		def, ok := s.defs[key]
		if !ok || g.IsDisabled(id) || !g.visible(id, key) {
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// sourceDir returns the slash-separated directory a source's relative paths
// resolve against.
func (g *Graph) sourceDir(id SourceID) string {
	for id != NoSource {
		s := g.Source(id)
		switch s.Kind {
		case SourceDirectory:
			return s.Path
		case SourceFile:
			return path.Dir(s.Path)
		}
		id = s.Parent
	}
	return "."
}

// envFlagKeyFor returns the nearest environment flag key at or above id.
func (g *Graph) envFlagKeyFor(id SourceID) string {
	for id != NoSource {
		s := g.Source(id)
		if s.envFlagKey != "" {
			return s.envFlagKey
		}
		id = s.Parent
	}
	return ""
}

// propagateEnvFlag pushes a source's flag key up to the nearest ancestor
// lacking one. It never crosses a partial import.
func (g *Graph) propagateEnvFlag(id SourceID) {
	s := g.Source(id)
	key := s.envFlagKey
	child := s
	for child.Parent != NoSource {
		if child.Import.isPartial() {
			return
		}
		p := g.Source(child.Parent)
		if p.envFlagKey == "" {
			p.envFlagKey = key
			p.envFlagInherited = true
			return
		}
		child = p
	}
}

func (g *Graph) hasAncestorPath(id SourceID, p string) bool {
	for id != NoSource {
		s := g.Source(id)
		if s.Path == p && s.Kind != SourceProcessEnv && s.Kind != SourceStatic {
			return true
		}
		id = s.Parent
	}
	return false
}
