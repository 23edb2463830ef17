// Package datatypes provides the coercion and validation contracts for item
// data types plus the built-in type catalog.
//
// A data type is built from a Definition and static Settings taken from the
// `@type` decorator, e.g. `@type=string(minLength=2)` or
// `@type=enum(dev, staging, prod)`. The engine coerces a non-empty raw value
// with Coerce and then checks it with Validate.
package datatypes

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DataType is the coercion/validation contract for one configured type.
type DataType interface {
	// Name returns the type name as written in `@type`.
	Name() string

	// Coerce converts a raw resolved value into the type's canonical value.
	Coerce(raw any) (any, error)

	// Validate checks a coerced value. A nil or empty slice means valid.
	Validate(v any) []error

	// IsSensitive reports whether values of this type are secrets.
	IsSensitive() bool
}

// Settings are the static arguments given to a type, positional and keyed.
type Settings struct {
	Args   []any
	KwArgs map[string]any
}

// Factory builds a DataType from settings.
type Factory func(s Settings) (DataType, error)

// Definition describes a registrable data type.
type Definition struct {
	Name        string
	Description string
	Sensitive   bool
	Factory     Factory
}

// Issue is a validation failure that may be downgraded to a warning.
type Issue struct {
	Message string
	Warning bool
}

// Error implements the error interface.
func (i *Issue) Error() string { return i.Message }

// Warning returns a validation issue that does not block resolution.
func Warning(format string, args ...any) error {
	return &Issue{Message: fmt.Sprintf(format, args...), Warning: true}
}

// IsWarning reports whether err is a warning-level validation issue.
func IsWarning(err error) bool {
	var issue *Issue
	return errors.As(err, &issue) && issue.Warning
}

// Registry holds data type definitions by name. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry pre-populated with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, def := range Builtins() {
		r.defs[def.Name] = def
	}
	return r
}

// Register adds a data type definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Factory == nil {
		return fmt.Errorf("data type definition requires a name and a factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("data type %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Build instantiates the named type with settings.
func (r *Registry) Build(name string, s Settings) (DataType, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown data type %q", name)
	}
	dt, err := def.Factory(s)
	if err != nil {
		return nil, fmt.Errorf("invalid settings for type %q: %w", name, err)
	}
	return dt, nil
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
