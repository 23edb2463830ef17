// Package parser defines the parsed definition tree consumed by the engine and
// the adapters that produce it.
//
// The engine never reads raw text. A definition file is handed over as a File:
// ordered root decorators followed by ordered item definitions, where every raw
// value is either a literal or a function call (name plus positional and keyed
// arguments, recursively).
//
// Two producers live here:
//
//   - ParseExpr parses a single value expression such as `concat($A, "-", b)`
//   - ParseYAML reads the YAML definition file format used by envgraph
package parser

import "fmt"

// ValueKind discriminates the shapes a raw value can take.
type ValueKind int

const (
	// KindLiteral is a plain literal: nil (undefined), string, float64 or bool.
	KindLiteral ValueKind = iota

	// KindCall is a function call node.
	KindCall

	// KindInvalid carries a value that failed to parse. The engine turns it
	// into a schema error on the owning item instead of rejecting the file.
	KindInvalid
)

// Value is a raw value node.
type Value struct {
	Kind    ValueKind
	Literal any
	Call    *Call
	Err     error
}

// Call is a function call node.
type Call struct {
	Name   string
	Args   []*Value
	KwArgs []KwArg
}

// KwArg is a keyed call argument. Order is preserved as written.
type KwArg struct {
	Name  string
	Value *Value
}

// Decorator is a raw decorator as written in a file.
type Decorator struct {
	// Name is the decorator name without any sigil.
	Name string

	// Value is nil for a bare flag (`@required`).
	Value *Value

	// IsCall marks the function form (`@import(./dir, KEY)`); Value then holds
	// a call node named after the decorator.
	IsCall bool

	// Line is the 1-indexed line in the source file, 0 when unknown.
	Line int
}

// ItemDef is one item definition inside a file.
type ItemDef struct {
	Key         string
	Description string

	// Value is nil when the definition carries no value.
	Value      *Value
	Decorators []*Decorator
	Line       int
}

// File is a fully parsed definition file.
type File struct {
	Path           string
	RootDecorators []*Decorator
	Items          []*ItemDef
}

// Literal returns a literal value node.
func Literal(v any) *Value {
	return &Value{Kind: KindLiteral, Literal: v}
}

// CallOf returns a call node with positional arguments.
func CallOf(name string, args ...*Value) *Value {
	return &Value{Kind: KindCall, Call: &Call{Name: name, Args: args}}
}

// Ref returns the call node `ref(key)` that `$key` desugars to.
func Ref(key string) *Value {
	return CallOf("ref", Literal(key))
}

// Invalid returns a node carrying a parse failure.
func Invalid(err error) *Value {
	return &Value{Kind: KindInvalid, Err: err}
}

// WithKw appends a keyed argument to a call node and returns it.
func (v *Value) WithKw(name string, val *Value) *Value {
	if v.Call != nil {
		v.Call.KwArgs = append(v.Call.KwArgs, KwArg{Name: name, Value: val})
	}
	return v
}

// IsCall reports whether v is a call node with the given name.
func (v *Value) IsCall(name string) bool {
	return v != nil && v.Kind == KindCall && v.Call.Name == name
}

// String renders the node back into expression syntax.
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	switch v.Kind {
	case KindLiteral:
		switch lit := v.Literal.(type) {
		case nil:
			return "undefined"
		case string:
			return fmt.Sprintf("%q", lit)
		default:
			return fmt.Sprintf("%v", lit)
		}
	case KindCall:
		if v.Call.Name == "ref" && len(v.Call.Args) == 1 && len(v.Call.KwArgs) == 0 {
			if key, ok := v.Call.Args[0].Literal.(string); ok {
				return "$" + key
			}
		}
		s := v.Call.Name + "("
		for i, a := range v.Call.Args {
			if i > 0 {
				s += ", "
			}
			s += a.String()
		}
		for i, kw := range v.Call.KwArgs {
			if i > 0 || len(v.Call.Args) > 0 {
				s += ", "
			}
			s += kw.Name + "=" + kw.Value.String()
		}
		return s + ")"
	default:
		return fmt.Sprintf("<invalid: %v>", v.Err)
	}
}
