package parser

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML parses an envgraph YAML definition file.
//
//	decorators:                 # root decorators, mapping or sequence of mappings
//	  currentEnv: $APP_ENV
//	  defaultRequired: infer
//	items:
//	  APP_ENV: development      # shorthand: value only
//	  API_KEY:
//	    description: upstream API key
//	    value: exec("op read op://vault/api/key")
//	    decorators:
//	      required:             # bare flag
//	      type: string(minLength=20)
//
// Plain scalars that look like expressions are parsed with ParseExpr; quoted
// scalars are always literal. A decorator written as a sequence or mapping, or
// whose value is a call to itself (`import: import(./dir, KEY)`), uses the
// function form.
func ParseYAML(path string, data []byte) (*File, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	f := &File{Path: path}
	if len(doc.Content) == 0 {
		return f, nil
	}

	root := doc.Content[0]
	if isNull(root) {
		return f, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s:%d: top level must be a mapping", path, root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		switch k.Value {
		case "decorators":
			decs, err := parseDecorators(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			f.RootDecorators = decs
		case "items":
			items, err := parseItems(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			f.Items = items
		default:
			return nil, fmt.Errorf("%s:%d: unknown top-level key %q", path, k.Line, k.Value)
		}
	}

	return f, nil
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

func parseDecorators(n *yaml.Node) ([]*Decorator, error) {
	if isNull(n) {
		return nil, nil
	}

	var decs []*Decorator
	appendPairs := func(m *yaml.Node) error {
		for i := 0; i+1 < len(m.Content); i += 2 {
			d, err := decoratorFromPair(m.Content[i], m.Content[i+1])
			if err != nil {
				return err
			}
			decs = append(decs, d)
		}
		return nil
	}

	switch n.Kind {
	case yaml.MappingNode:
		if err := appendPairs(n); err != nil {
			return nil, err
		}
	case yaml.SequenceNode:
		for _, el := range n.Content {
			if el.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("line %d: decorator list entries must be mappings", el.Line)
			}
			if err := appendPairs(el); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("line %d: decorators must be a mapping or a list", n.Line)
	}

	return decs, nil
}

func decoratorFromPair(k, v *yaml.Node) (*Decorator, error) {
	d := &Decorator{Name: k.Value, Line: k.Line}
	if d.Name == "" {
		return nil, fmt.Errorf("line %d: empty decorator name", k.Line)
	}
	if isNull(v) {
		return d, nil
	}

	switch v.Kind {
	case yaml.ScalarNode:
		d.Value = scalarValue(v)
		d.IsCall = d.Value.IsCall(d.Name)
	case yaml.SequenceNode:
		call := CallOf(d.Name)
		for _, el := range v.Content {
			call.Call.Args = append(call.Call.Args, scalarValue(el))
		}
		d.Value, d.IsCall = call, true
	case yaml.MappingNode:
		call := CallOf(d.Name)
		for i := 0; i+1 < len(v.Content); i += 2 {
			name, val := v.Content[i].Value, v.Content[i+1]
			if name == "args" && val.Kind == yaml.SequenceNode {
				for _, el := range val.Content {
					call.Call.Args = append(call.Call.Args, scalarValue(el))
				}
				continue
			}
			call.WithKw(name, scalarValue(val))
		}
		d.Value, d.IsCall = call, true
	default:
		return nil, fmt.Errorf("line %d: unsupported value for decorator %q", v.Line, d.Name)
	}

	return d, nil
}

func parseItems(n *yaml.Node) ([]*ItemDef, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: items must be a mapping of key to definition", n.Line)
	}

	seen := make(map[string]bool)
	items := make([]*ItemDef, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Value == "" {
			return nil, fmt.Errorf("line %d: empty item key", k.Line)
		}
		if seen[k.Value] {
			return nil, fmt.Errorf("line %d: item %q defined twice", k.Line, k.Value)
		}
		seen[k.Value] = true

		def := &ItemDef{Key: k.Value, Line: k.Line}
		switch {
		case isNull(v):
		case v.Kind == yaml.ScalarNode:
			def.Value = scalarValue(v)
		case v.Kind == yaml.MappingNode:
			if err := fillItem(def, v); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("line %d: item %q must be a scalar or a mapping", v.Line, k.Value)
		}
		items = append(items, def)
	}

	return items, nil
}

func fillItem(def *ItemDef, m *yaml.Node) error {
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		switch k.Value {
		case "value":
			if !isNull(v) {
				def.Value = scalarValue(v)
			}
		case "description":
			def.Description = v.Value
		case "decorators":
			decs, err := parseDecorators(v)
			if err != nil {
				return err
			}
			def.Decorators = decs
		default:
			return fmt.Errorf("line %d: unknown field %q on item %q", k.Line, k.Value, def.Key)
		}
	}
	return nil
}

func scalarValue(n *yaml.Node) *Value {
	if n.Kind != yaml.ScalarNode {
		return Invalid(fmt.Errorf("line %d: expected a scalar value", n.Line))
	}

	switch n.Tag {
	case "!!null":
		return Literal(nil)
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return Invalid(fmt.Errorf("line %d: %w", n.Line, err))
		}
		return Literal(b)
	case "!!int", "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return Invalid(fmt.Errorf("line %d: %w", n.Line, err))
		}
		return Literal(f)
	}

	const literalStyles = yaml.DoubleQuotedStyle | yaml.SingleQuotedStyle | yaml.LiteralStyle | yaml.FoldedStyle
	if n.Style&literalStyles != 0 {
		return Literal(n.Value)
	}
	return ParseValueString(n.Value)
}
