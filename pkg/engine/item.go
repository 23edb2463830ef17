package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/envgraph/pkg/datatypes"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// ItemState is the overall validity of a resolved item.
type ItemState string

const (
	StateValid ItemState = "valid"
	StateWarn  ItemState = "warn"
	StateError ItemState = "error"
)

// itemDef is one definition of an item with its processed resolver and
// decorators.
type itemDef struct {
	def        *Definition
	resolver   *Resolver
	decorators []*Decorator
}

func (d *itemDef) scope(g *Graph) *scope {
	return &scope{g: g, source: d.def.Source, key: d.def.Key}
}

// Item is a configuration item. Items are created and owned by a Graph.
type Item struct {
	Key string

	g  *Graph
	mu sync.Mutex

	defs        []*itemDef
	deps        []string
	description string
	typeName    string
	dataType    datatypes.DataType
	docs        []DocLink
	example     interface{}
	icon        string

	isRequired        bool
	isRequiredDynamic bool
	isSensitive       bool

	rawValue interface{}
	value    interface{}

	schemaErrs     []error
	resolutionErrs []error
	coercionErrs   []error
	validationErrs []error

	processed bool
	resolved  bool
	validated bool
	early     bool
}

func newItem(g *Graph, key string) *Item {
	return &Item{Key: key, g: g}
}

// Process builds resolvers and decorators for every definition, checks them,
// and determines the data type. It is idempotent.
func (it *Item) Process() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.processLocked()
}

func (it *Item) processLocked() {
	if it.processed {
		return
	}
	it.processed = true

	reg := it.g.reg
	deps := make(map[string]bool)
	valueSeen := false
	var typeDec *Decorator

	for _, def := range it.g.definitionsFor(it.Key) {
		idf := &itemDef{def: def}
		sc := idf.scope(it.g)

		if it.description == "" {
			it.description = def.Description
		}

		if def.Value != nil {
			idf.resolver = buildResolver(reg, def.Value)
			it.addSchemaErrors(def, idf.resolver.Process(sc))
			if !valueSeen {
				valueSeen = true
				for _, d := range idf.resolver.Dependencies() {
					deps[d] = true
				}
			}
		}

		for _, raw := range def.Decorators {
			d := newDecorator(reg, raw, false, def.Source, it.Key)
			idf.decorators = append(idf.decorators, d)
			it.addSchemaErrors(def, d.Process(sc))
			for _, dep := range d.Dependencies() {
				deps[dep] = true
			}
			if d.Name == "type" && typeDec == nil {
				typeDec = d
			}
		}
		it.addSchemaErrors(def, checkDecoratorSet(idf.decorators))

		it.defs = append(it.defs, idf)
	}

	it.processType(typeDec)
	it.processMetadata()

	it.deps = make([]string, 0, len(deps))
	for d := range deps {
		it.deps = append(it.deps, d)
	}
	sort.Strings(it.deps)
}

func (it *Item) processType(typeDec *Decorator) {
	spec := &TypeSpec{Name: "string"}
	switch {
	case typeDec != nil:
		s, ok := typeDec.Data.(*TypeSpec)
		if !ok {
			// @type itself failed to process; fall back so coercion still has a type.
			break
		}
		spec = s
	case it.valueResolver() != nil && it.valueResolver().resolver.InferredType() != "":
		spec = &TypeSpec{Name: it.valueResolver().resolver.InferredType()}
	}

	dt, err := it.g.reg.Types().Build(spec.Name, spec.Settings)
	if err != nil {
		it.schemaErrs = append(it.schemaErrs, NewSchemaError("invalid @type", err).WithKey(it.Key))
		dt, _ = it.g.reg.Types().Build("string", datatypes.Settings{})
		spec = &TypeSpec{Name: "string"}
	}
	it.typeName = spec.Name
	it.dataType = dt
}

func (it *Item) processMetadata() {
	for _, idf := range it.defs {
		for _, d := range idf.decorators {
			switch d.Name {
			case "docs":
				if link, ok := d.Data.(*DocLink); ok {
					it.docs = append(it.docs, *link)
				}
			case "example":
				if it.example == nil && d.IsStatic() {
					it.example = d.Resolver.Value
				}
			case "icon":
				if s, ok := d.Resolver.StaticString(); ok && it.icon == "" {
					it.icon = s
				}
			}
		}
	}
}

func (it *Item) addSchemaErrors(def *Definition, errs []error) {
	label := it.g.Source(def.Source).Label
	for _, err := range errs {
		e := asError(ErrorKindSchema, err)
		if e.Key == "" {
			e.WithKey(it.Key)
		}
		if e.Source == "" {
			e.Source = label
			if e.Line == 0 {
				e.Line = def.Line
			}
		}
		it.schemaErrs = append(it.schemaErrs, e)
	}
}

// valueResolver returns the highest-precedence definition carrying a value.
func (it *Item) valueResolver() *itemDef {
	for _, idf := range it.defs {
		if idf.resolver != nil {
			return idf
		}
	}
	return nil
}

// Dependencies returns the keys this item depends on: its effective value's
// references plus every decorator's references. Valid after Process.
func (it *Item) Dependencies() []string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.deps
}

// Resolve evaluates the item. It is a no-op once resolved unless reset is
// true. Every dependency must be in a terminal state.
func (it *Item) Resolve(ctx context.Context, reset bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.resolved && !reset {
		return
	}
	if reset {
		it.clearResolution()
	}
	it.processLocked()
	it.resolved = true

	if len(it.schemaErrs) > 0 || len(it.resolutionErrs) > 0 {
		return
	}

	ctx = telemetry.WithItemContext(ctx, it.Key, it.typeName)
	it.resolveLocked(ctx)
	telemetry.EndItemContext(ctx, it.Key, it.typeName, string(it.stateLocked()), it.firstError())
}

func (it *Item) resolveLocked(ctx context.Context) {
	logger := telemetry.FromContext(ctx)

	for _, idf := range it.defs {
		sc := idf.scope(it.g)
		for _, d := range idf.decorators {
			if d.Resolver.Kind == resolverArgs {
				continue
			}
			if _, err := d.Resolve(ctx, sc); err != nil {
				it.resolutionErrs = append(it.resolutionErrs, asError(ErrorKindResolution, err).WithKey(it.Key))
			}
		}
	}
	if len(it.resolutionErrs) > 0 {
		return
	}
	it.computeFlags()

	var raw interface{}
	if vd := it.valueResolver(); vd != nil {
		v, err := vd.resolver.Resolve(ctx, vd.scope(it.g))
		if err != nil {
			it.resolutionErrs = append(it.resolutionErrs, asError(ErrorKindResolution, err).WithKey(it.Key))
			return
		}
		raw = v
	}
	if _, isRegex := raw.(*regexp.Regexp); isRegex {
		it.resolutionErrs = append(it.resolutionErrs,
			resolutionErrorf("regex() can only be used inside remap(), not as a value").WithKey(it.Key))
		return
	}

	it.rawValue = raw
	it.validated = true

	if isEmpty(raw) {
		it.value = raw
		if it.isRequired {
			it.validationErrs = append(it.validationErrs, NewEmptyRequiredError(it.Key))
		}
		logger.Debug("Item resolved to an empty value")
		return
	}

	v, err := it.dataType.Coerce(raw)
	if err != nil {
		it.coercionErrs = append(it.coercionErrs,
			NewCoercionError(fmt.Sprintf("cannot coerce value to %s", it.typeName), err).WithKey(it.Key))
		return
	}
	it.value = v

	for _, verr := range it.dataType.Validate(v) {
		e := NewValidationError(fmt.Sprintf("invalid %s", it.typeName), verr).WithKey(it.Key)
		if datatypes.IsWarning(verr) {
			e.AsWarning()
		}
		it.validationErrs = append(it.validationErrs, e)
	}
}

// computeFlags derives required and sensitive. The first explicit item
// decorator in precedence order wins, then the data type (sensitive only),
// then the first source carrying a root default.
func (it *Item) computeFlags() {
	it.isRequired, it.isRequiredDynamic = false, false
	if d, invert := it.firstDecorator("required", "optional"); d != nil {
		it.isRequired = truthy(d.value) != invert
		it.isRequiredDynamic = !d.IsStatic()
	} else {
		for _, idf := range it.defs {
			if rd, ok := it.g.sourceDefault(idf.def.Source, "defaultRequired").(requiredDefault); ok {
				if rd.infer {
					it.isRequired = idf.def.Value != nil
				} else {
					it.isRequired = rd.value
				}
				break
			}
		}
	}

	it.isSensitive = false
	if d, invert := it.firstDecorator("sensitive", "public"); d != nil {
		it.isSensitive = truthy(d.value) != invert
		return
	}
	if it.dataType != nil && it.dataType.IsSensitive() {
		it.isSensitive = true
		return
	}
	for _, idf := range it.defs {
		if sd, ok := it.g.sourceDefault(idf.def.Source, "defaultSensitive").(sensitiveDefault); ok {
			if sd.fromPrefix {
				it.isSensitive = !strings.HasPrefix(it.Key, sd.prefix)
			} else {
				it.isSensitive = sd.value
			}
			return
		}
	}
}

// firstDecorator finds the first of positive or negative in precedence order.
// invert is true when the negative form was found.
func (it *Item) firstDecorator(positive, negative string) (*Decorator, bool) {
	for _, idf := range it.defs {
		for _, d := range idf.decorators {
			switch d.Name {
			case positive:
				return d, false
			case negative:
				return d, true
			}
		}
	}
	return nil, false
}

// EarlyResolve resolves the item and its direct dependencies ahead of the
// main pass.
func (it *Item) EarlyResolve(ctx context.Context) {
	it.Process()
	for _, key := range it.Dependencies() {
		if dep := it.g.item(key); dep != nil && dep != it {
			dep.Resolve(ctx, false)
			dep.markEarly()
		}
	}
	it.Resolve(ctx, false)
	it.markEarly()
}

func (it *Item) markEarly() {
	it.mu.Lock()
	it.early = true
	it.mu.Unlock()
}

// addDependencyError marks the item invalid because a dependency is.
func (it *Item) addDependencyError(dep string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.resolutionErrs = append(it.resolutionErrs, resolutionErrorf("Dependency %s is invalid", dep).WithKey(it.Key))
	it.resolved = true
}

func (it *Item) addSchemaError(err *Error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.schemaErrs = append(it.schemaErrs, err.WithKey(it.Key))
}

func (it *Item) clearResolution() {
	it.resolutionErrs, it.coercionErrs, it.validationErrs = nil, nil, nil
	it.rawValue, it.value = nil, nil
	it.resolved, it.validated = false, false
	for _, idf := range it.defs {
		for _, d := range idf.decorators {
			d.resolved, d.value, d.resolveErr = false, nil, nil
		}
	}
}

// reset drops all processed and resolved state.
func (it *Item) reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.clearResolution()
	it.defs, it.deps = nil, nil
	it.description, it.typeName, it.icon = "", "", ""
	it.dataType, it.docs, it.example = nil, nil, nil
	it.isRequired, it.isRequiredDynamic, it.isSensitive = false, false, false
	it.schemaErrs = nil
	it.processed, it.early = false, false
}

func (it *Item) isEarly() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.early
}

// definitionsChanged reports whether the item's processed definitions differ
// from what the source tree currently provides.
func (it *Item) definitionsChanged() bool {
	current := it.g.definitionsFor(it.Key)
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(current) != len(it.defs) {
		return true
	}
	for i, def := range current {
		if it.defs[i].def != def {
			return true
		}
	}
	return false
}

// State returns error if any blocking error exists, warn if only warnings
// exist, else valid.
func (it *Item) State() ItemState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.stateLocked()
}

func (it *Item) stateLocked() ItemState {
	state := StateValid
	for _, err := range it.allErrors() {
		if !IsWarning(err) {
			return StateError
		}
		state = StateWarn
	}
	return state
}

func (it *Item) allErrors() []error {
	out := make([]error, 0, len(it.schemaErrs)+len(it.resolutionErrs)+len(it.coercionErrs)+len(it.validationErrs))
	out = append(out, it.schemaErrs...)
	out = append(out, it.resolutionErrs...)
	out = append(out, it.coercionErrs...)
	out = append(out, it.validationErrs...)
	return out
}

func (it *Item) firstError() error {
	for _, err := range it.allErrors() {
		if !IsWarning(err) {
			return err
		}
	}
	return nil
}

// Errors returns every error and warning, schema errors first.
func (it *Item) Errors() []error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.allErrors()
}

// Err joins the item's blocking errors, or returns nil.
func (it *Item) Err() error {
	var blocking []error
	for _, err := range it.Errors() {
		if !IsWarning(err) {
			blocking = append(blocking, err)
		}
	}
	return errors.Join(blocking...)
}

// SchemaErrors returns the schema errors found by Process and cycle checks.
func (it *Item) SchemaErrors() []error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.schemaErrs
}

// Value returns the coerced value, nil when undefined or invalid.
func (it *Item) Value() interface{} {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.value
}

// RawValue returns the value before coercion.
func (it *Item) RawValue() interface{} {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.rawValue
}

// IsResolved reports whether Resolve has completed.
func (it *Item) IsResolved() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.resolved
}

// IsValidated reports whether a value reached coercion and validation.
func (it *Item) IsValidated() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.validated
}

// IsRequired reports whether the item must have a value.
func (it *Item) IsRequired() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.isRequired
}

// IsRequiredDynamic reports whether requiredness depends on other values.
func (it *Item) IsRequiredDynamic() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.isRequiredDynamic
}

// IsSensitive reports whether the item holds a secret.
func (it *Item) IsSensitive() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.isSensitive
}

// TypeName returns the effective data type name.
func (it *Item) TypeName() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.typeName
}

// Description returns the first description in precedence order.
func (it *Item) Description() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.description
}

// Docs returns documentation links from all definitions.
func (it *Item) Docs() []DocLink {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.docs
}

// Example returns the first static @example value.
func (it *Item) Example() interface{} {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.example
}

// Definitions returns the item's definitions, highest precedence first.
func (it *Item) Definitions() []*Definition {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]*Definition, len(it.defs))
	for i, idf := range it.defs {
		out[i] = idf.def
	}
	return out
}
