package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/envgraph/pkg/parser"
)

// ArgsMode controls how a decorator turns its raw value into a resolver.
type ArgsMode int

const (
	// ArgsModeNone builds one resolver from the value. A bare flag resolves
	// to true.
	ArgsModeNone ArgsMode = iota

	// ArgsModeCallName treats a value-form call as a name plus arguments, as
	// in `@type=url(prependHttps=true)`. The call name is kept in CallName.
	ArgsModeCallName

	// ArgsModeFunction collects the arguments of the function form, as in
	// `@import(./dir, KEY)`. A value form becomes a single argument.
	ArgsModeFunction
)

// DecoratorDef is a registered decorator definition.
type DecoratorDef struct {
	Name        string
	Description string

	// Repeatable allows multiple uses within one definition or source.
	Repeatable bool

	// Incompatible lists decorators that cannot appear alongside this one.
	Incompatible []string

	ArgsMode ArgsMode

	// Process is the schema-time hook. Its result is cached in Decorator.Data.
	Process func(d *Decorator) (interface{}, error)

	// Execute is the side-effecting hook of root decorators, run after
	// resolution.
	Execute func(ctx context.Context, d *Decorator, g *Graph) error
}

// Decorator is a decorator instance attached to a source or a definition.
type Decorator struct {
	Name string
	Def  *DecoratorDef
	Root bool

	// Source is the source the decorator was written in.
	Source SourceID

	// Key is the owning item key for item decorators.
	Key  string
	Line int

	// CallName is the call name recorded in args modes.
	CallName string

	// Resolver is the value resolver, or the argument container in args
	// modes.
	Resolver *Resolver

	// Data is the result of the definition's Process hook.
	Data interface{}

	raw        *parser.Decorator
	processed  bool
	schemaErrs []error
	resolved   bool
	value      interface{}
	resolveErr error
	execErr    error
}

func newDecorator(reg *Registry, raw *parser.Decorator, root bool, src SourceID, key string) *Decorator {
	d := &Decorator{Name: raw.Name, Root: root, Source: src, Key: key, Line: raw.Line, raw: raw}

	var ok bool
	if root {
		d.Def, ok = reg.RootDecorator(raw.Name)
	} else {
		d.Def, ok = reg.ItemDecorator(raw.Name)
	}
	if !ok {
		kind := "item"
		if root {
			kind = "root"
		}
		err := schemaErrorf("unknown %s decorator @%s", kind, raw.Name)
		d.Resolver = errorResolver(err)
		d.schemaErrs = []error{d.locate(err)}
		d.processed = true
		return d
	}

	d.Resolver = d.buildResolver(reg)
	return d
}

func (d *Decorator) buildResolver(reg *Registry) *Resolver {
	raw := d.raw
	switch d.Def.ArgsMode {
	case ArgsModeCallName:
		if raw.Value == nil {
			return errorResolver(schemaErrorf("@%s requires a value", d.Name))
		}
		if raw.Value.Kind == parser.KindCall {
			d.CallName = raw.Value.Call.Name
			args, kw := buildArgs(reg, raw.Value.Call)
			return argsContainer(d.CallName, args, kw)
		}
		return argsContainer("", []*Resolver{buildResolver(reg, raw.Value)}, nil)

	case ArgsModeFunction:
		if raw.Value == nil {
			return errorResolver(schemaErrorf("@%s requires arguments", d.Name))
		}
		if raw.IsCall {
			d.CallName = raw.Value.Call.Name
			args, kw := buildArgs(reg, raw.Value.Call)
			return argsContainer(d.CallName, args, kw)
		}
		return argsContainer(d.Name, []*Resolver{buildResolver(reg, raw.Value)}, nil)
	}

	if raw.Value == nil {
		return StaticResolver(true)
	}
	if raw.IsCall {
		return errorResolver(schemaErrorf("@%s does not accept function arguments", d.Name))
	}
	return buildResolver(reg, raw.Value)
}

// Process builds and checks the resolver and runs the schema-time hook. It
// is idempotent.
func (d *Decorator) Process(sc *scope) []error {
	if d.processed {
		return d.schemaErrs
	}
	d.processed = true

	errs := d.Resolver.Process(sc)
	if len(errs) == 0 && d.Def.Process != nil {
		data, err := d.Def.Process(d)
		if err != nil {
			errs = append(errs, NewSchemaError(fmt.Sprintf("@%s", d.Name), err))
		} else {
			d.Data = data
		}
	}

	for i, err := range errs {
		errs[i] = d.locate(err)
	}
	d.schemaErrs = errs
	return errs
}

func (d *Decorator) locate(err error) error {
	e := asError(ErrorKindSchema, err)
	if e.Key == "" {
		e.WithKey(d.Key)
	}
	if e.Line == 0 && d.Line > 0 {
		e.Line = d.Line
	}
	return e
}

// SchemaErrors returns errors found by Process.
func (d *Decorator) SchemaErrors() []error {
	return d.schemaErrs
}

// Dependencies returns the item keys the decorator's resolver references.
func (d *Decorator) Dependencies() []string {
	return d.Resolver.Dependencies()
}

// IsStatic reports whether the decorator value needs no evaluation.
func (d *Decorator) IsStatic() bool {
	return d.Resolver.IsStatic()
}

// Resolve lazily processes the decorator and evaluates its value resolver.
// Results are memoized.
func (d *Decorator) Resolve(ctx context.Context, sc *scope) (interface{}, error) {
	if d.resolved {
		return d.value, d.resolveErr
	}
	if errs := d.Process(sc); len(errs) > 0 {
		return nil, errs[0]
	}
	d.resolved = true
	if d.Resolver.Kind == resolverArgs {
		return nil, nil
	}
	d.value, d.resolveErr = d.Resolver.Resolve(ctx, sc)
	return d.value, d.resolveErr
}

// ResolveArgs evaluates the arguments of an args-mode decorator.
func (d *Decorator) ResolveArgs(ctx context.Context, sc *scope) ([]interface{}, map[string]interface{}, error) {
	if errs := d.Process(sc); len(errs) > 0 {
		return nil, nil, errs[0]
	}
	args, err := d.Resolver.resolveArgs(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	kw, err := d.Resolver.resolveKwArgs(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	return args, kw, nil
}

// Execute runs the root decorator's side effect.
func (d *Decorator) Execute(ctx context.Context, g *Graph) error {
	if !d.Root || d.Def == nil || d.Def.Execute == nil {
		return nil
	}
	if err := d.Def.Execute(ctx, d, g); err != nil {
		label := g.Source(d.Source).Label
		d.execErr = NewExecutionError(fmt.Sprintf("@%s failed", d.Name), err).WithSource(label, d.Line)
		return d.execErr
	}
	return nil
}

// checkDecoratorSet reports duplicate singletons and incompatible pairs among
// decorators written together in one definition or source.
func checkDecoratorSet(decs []*Decorator) []error {
	var errs []error
	seen := make(map[string]*Decorator)
	for _, d := range decs {
		if d.Def == nil {
			continue
		}
		if prev, dup := seen[d.Name]; dup && !d.Def.Repeatable {
			errs = append(errs, d.locate(schemaErrorf("@%s may only be used once (first use on line %d)", d.Name, prev.Line)))
			continue
		}
		for _, other := range d.Def.Incompatible {
			if _, clash := seen[other]; clash {
				errs = append(errs, d.locate(schemaErrorf("@%s and @%s cannot be used together", other, d.Name)))
			}
		}
		if _, dup := seen[d.Name]; !dup {
			seen[d.Name] = d
		}
	}
	return errs
}

// findDecorator returns the first decorator named name.
func findDecorator(decs []*Decorator, name string) *Decorator {
	for _, d := range decs {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// staticArgs returns the literal arguments of an args container, failing if
// any argument needs evaluation.
func staticArgs(r *Resolver) ([]interface{}, map[string]interface{}, error) {
	args := make([]interface{}, 0, len(r.Args))
	for _, a := range r.Args {
		if !a.IsStatic() {
			return nil, nil, fmt.Errorf("argument %s must be a static value", a)
		}
		args = append(args, a.Value)
	}
	kw := make(map[string]interface{}, len(r.KwArgs))
	for _, k := range r.KwArgs {
		if !k.Resolver.IsStatic() {
			return nil, nil, fmt.Errorf("argument %s must be a static value", k.Name)
		}
		kw[k.Name] = k.Resolver.Value
	}
	return args, kw, nil
}
