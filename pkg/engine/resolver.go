package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/openfroyo/envgraph/pkg/parser"
)

// ResolverKind discriminates resolver nodes.
type ResolverKind int

const (
	ResolverStatic ResolverKind = iota
	ResolverRef
	ResolverConcat
	ResolverFallback
	ResolverExec
	ResolverRemap
	ResolverRegex
	ResolverForEnv
	ResolverEq
	ResolverIf
	ResolverNot
	ResolverIsEmpty
	ResolverExtern
	ResolverError

	// resolverArgs is the argument container built for args-mode decorators.
	resolverArgs
)

// ArgMode describes which argument forms a resolver function accepts.
type ArgMode int

const (
	// ArgsPositional accepts positional arguments only.
	ArgsPositional ArgMode = iota

	// ArgsKeyed accepts keyed arguments only.
	ArgsKeyed

	// ArgsMixed accepts both.
	ArgsMixed
)

// ArgShape is the argument contract of a resolver function. Max values below
// zero mean unbounded.
type ArgShape struct {
	Mode      ArgMode
	MinArgs   int
	MaxArgs   int
	MinKwArgs int
	MaxKwArgs int
}

func (s ArgShape) check(name string, nArgs, nKw int) []error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, schemaErrorf("%s(): %s", name, fmt.Sprintf(format, args...)))
	}

	switch s.Mode {
	case ArgsPositional:
		if nKw > 0 {
			fail("does not accept keyed arguments")
		}
	case ArgsKeyed:
		if nArgs > 0 {
			fail("does not accept positional arguments")
		}
	}

	switch {
	case s.MinArgs == s.MaxArgs && nArgs != s.MinArgs && s.Mode != ArgsKeyed:
		fail("expects exactly %d argument(s), got %d", s.MinArgs, nArgs)
	case nArgs < s.MinArgs:
		fail("expects at least %d argument(s), got %d", s.MinArgs, nArgs)
	case s.MaxArgs >= 0 && nArgs > s.MaxArgs:
		fail("expects at most %d argument(s), got %d", s.MaxArgs, nArgs)
	}

	if nKw < s.MinKwArgs {
		fail("expects at least %d keyed argument(s), got %d", s.MinKwArgs, nKw)
	}
	if s.MaxKwArgs >= 0 && nKw > s.MaxKwArgs && s.Mode != ArgsPositional {
		fail("expects at most %d keyed argument(s), got %d", s.MaxKwArgs, nKw)
	}
	return errs
}

// ResolverFunc is a registered resolver function. Built-ins carry an internal
// kind; plugin functions supply Resolve and optionally Process.
type ResolverFunc struct {
	Name        string
	Description string
	Shape       ArgShape

	// InferredType is the data type name reported when an item has no @type.
	InferredType string

	// Process runs at schema time on the unresolved arguments. The returned
	// state is handed back to Resolve.
	Process func(args []*Resolver, kwArgs []NamedResolver) (interface{}, error)

	// Resolve receives the resolved argument values.
	Resolve func(ctx context.Context, state interface{}, args []interface{}, kwArgs map[string]interface{}) (interface{}, error)

	kind ResolverKind
}

// NamedResolver is a keyed resolver argument.
type NamedResolver struct {
	Name     string
	Resolver *Resolver
}

// Resolver is a node of the resolver algebra.
type Resolver struct {
	Kind ResolverKind

	// Name is the function name as written. Empty for static values.
	Name string

	// Value holds the literal of a static node.
	Value interface{}

	Args   []*Resolver
	KwArgs []NamedResolver

	// Err carries the schema error of an error node.
	Err error

	fn          *ResolverFunc
	processed   bool
	schemaErrs  []error
	deps        []string
	regex       *regexp.Regexp
	externState interface{}
}

// StaticResolver returns a literal resolver node.
func StaticResolver(v interface{}) *Resolver {
	return &Resolver{Kind: ResolverStatic, Value: v}
}

func errorResolver(err error) *Resolver {
	return &Resolver{Kind: ResolverError, Err: err}
}

// buildResolver converts a parsed value into a resolver tree. Unknown
// functions produce error nodes rather than failing.
func buildResolver(reg *Registry, v *parser.Value) *Resolver {
	if v == nil {
		return nil
	}

	switch v.Kind {
	case parser.KindLiteral:
		return StaticResolver(v.Literal)
	case parser.KindInvalid:
		return errorResolver(NewSchemaError("invalid value", v.Err))
	}

	fn, ok := reg.Resolver(v.Call.Name)
	if !ok {
		return errorResolver(schemaErrorf("unknown resolver function %q", v.Call.Name))
	}

	r := &Resolver{Kind: fn.kind, Name: fn.Name, fn: fn}
	r.Args, r.KwArgs = buildArgs(reg, v.Call)
	return r
}

func buildArgs(reg *Registry, call *parser.Call) ([]*Resolver, []NamedResolver) {
	args := make([]*Resolver, 0, len(call.Args))
	for _, a := range call.Args {
		args = append(args, buildResolver(reg, a))
	}
	var kw []NamedResolver
	for _, k := range call.KwArgs {
		kw = append(kw, NamedResolver{Name: k.Name, Resolver: buildResolver(reg, k.Value)})
	}
	return args, kw
}

// argsContainer wraps call arguments for args-mode decorators.
func argsContainer(name string, args []*Resolver, kw []NamedResolver) *Resolver {
	return &Resolver{Kind: resolverArgs, Name: name, Args: args, KwArgs: kw}
}

// IsStatic reports whether the node is a literal.
func (r *Resolver) IsStatic() bool {
	return r != nil && r.Kind == ResolverStatic
}

// StaticString returns the literal string of a static node.
func (r *Resolver) StaticString() (string, bool) {
	if !r.IsStatic() {
		return "", false
	}
	s, ok := r.Value.(string)
	return s, ok
}

// Kwarg returns the keyed argument with the given name.
func (r *Resolver) Kwarg(name string) *Resolver {
	for _, kw := range r.KwArgs {
		if kw.Name == name {
			return kw.Resolver
		}
	}
	return nil
}

func (r *Resolver) children() []*Resolver {
	out := make([]*Resolver, 0, len(r.Args)+len(r.KwArgs))
	out = append(out, r.Args...)
	for _, kw := range r.KwArgs {
		out = append(out, kw.Resolver)
	}
	return out
}

// Process checks argument shapes across the whole tree and collects
// dependencies. Every child is processed even when a sibling or the node
// itself is invalid. It is idempotent.
func (r *Resolver) Process(sc *scope) []error {
	if r.processed {
		return r.schemaErrs
	}
	r.processed = true

	if r.Kind == ResolverError {
		r.schemaErrs = []error{r.Err}
		return r.schemaErrs
	}

	var errs []error
	deps := make(map[string]bool)
	for _, child := range r.children() {
		if child == nil {
			continue
		}
		errs = append(errs, child.Process(sc)...)
		for _, d := range child.deps {
			deps[d] = true
		}
	}

	if r.fn != nil {
		errs = append(errs, r.fn.Shape.check(r.Name, len(r.Args), len(r.KwArgs))...)
	}
	errs = append(errs, r.processKind(sc, deps)...)

	r.schemaErrs = errs
	r.deps = make([]string, 0, len(deps))
	for d := range deps {
		r.deps = append(r.deps, d)
	}
	sort.Strings(r.deps)
	return errs
}

// Dependencies returns the item keys referenced by the tree. Valid after
// Process.
func (r *Resolver) Dependencies() []string {
	if r == nil {
		return nil
	}
	return r.deps
}

// SchemaErrors returns the errors found by Process.
func (r *Resolver) SchemaErrors() []error {
	if r == nil {
		return nil
	}
	return r.schemaErrs
}

// InferredType returns the data type implied by the node, or "" if none.
func (r *Resolver) InferredType() string {
	if r == nil {
		return ""
	}
	switch r.Kind {
	case ResolverStatic:
		switch r.Value.(type) {
		case string:
			return "string"
		case float64:
			return "number"
		case bool:
			return "boolean"
		}
		return ""
	case ResolverIf:
		if len(r.Args) == 1 {
			return "boolean"
		}
		return ""
	}
	if r.fn != nil {
		return r.fn.InferredType
	}
	return ""
}

// Resolve evaluates the tree. It must only be called after Process reported
// no errors and every dependency reached a terminal state.
func (r *Resolver) Resolve(ctx context.Context, sc *scope) (interface{}, error) {
	if r == nil {
		return nil, nil
	}
	if !r.processed {
		if errs := r.Process(sc); len(errs) > 0 {
			return nil, errs[0]
		}
	}
	if len(r.schemaErrs) > 0 {
		return nil, r.schemaErrs[0]
	}
	return r.resolveKind(ctx, sc)
}

// resolveArgs resolves every positional argument in order.
func (r *Resolver) resolveArgs(ctx context.Context, sc *scope) ([]interface{}, error) {
	out := make([]interface{}, len(r.Args))
	for i, a := range r.Args {
		v, err := a.Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolveKwArgs resolves every keyed argument.
func (r *Resolver) resolveKwArgs(ctx context.Context, sc *scope) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(r.KwArgs))
	for _, kw := range r.KwArgs {
		v, err := kw.Resolver.Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		out[kw.Name] = v
	}
	return out, nil
}

// String renders the node in expression syntax.
func (r *Resolver) String() string {
	if r == nil {
		return "undefined"
	}
	switch r.Kind {
	case ResolverStatic:
		return parser.Literal(r.Value).String()
	case ResolverError:
		return fmt.Sprintf("<error: %v>", r.Err)
	case ResolverRef:
		if len(r.Args) == 1 {
			if key, ok := r.Args[0].StaticString(); ok {
				return "$" + key
			}
		}
	}
	s := r.Name + "("
	for i, a := range r.children() {
		if i > 0 {
			s += ", "
		}
		if i >= len(r.Args) {
			s += r.KwArgs[i-len(r.Args)].Name + "="
		}
		s += a.String()
	}
	return s + ")"
}
