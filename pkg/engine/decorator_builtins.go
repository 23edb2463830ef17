package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/envgraph/pkg/datatypes"
)

// TypeSpec is the processed form of @type.
type TypeSpec struct {
	Name     string
	Settings datatypes.Settings
}

// DocLink is the processed form of @docs.
type DocLink struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// ImportSpec is the processed form of @import.
type ImportSpec struct {
	Path         string
	Keys         []string
	AllowMissing bool

	// Enabled is nil when the import is unconditional.
	Enabled *Resolver
}

// PluginSpec is the processed form of @plugin.
type PluginSpec struct {
	Name    string
	Version string
}

type requiredDefault struct {
	value bool
	infer bool
}

type sensitiveDefault struct {
	value      bool
	fromPrefix bool
	prefix     string
}

func builtinItemDecorators() []*DecoratorDef {
	return []*DecoratorDef{
		{Name: "required", Description: "Item must have a value", Incompatible: []string{"optional"}},
		{Name: "optional", Description: "Item may be empty", Incompatible: []string{"required"}},
		{Name: "sensitive", Description: "Item value is a secret", Incompatible: []string{"public"}},
		{Name: "public", Description: "Item value is not a secret", Incompatible: []string{"sensitive"}},
		{
			Name:        "type",
			Description: "Data type with settings, e.g. string(minLength=3)",
			ArgsMode:    ArgsModeCallName,
			Process:     processType,
		},
		{Name: "example", Description: "Example value for documentation"},
		{
			Name:        "docs",
			Description: "Documentation link",
			Repeatable:  true,
			ArgsMode:    ArgsModeFunction,
			Process:     processDocs,
		},
		{Name: "icon", Description: "Icon name for tooling"},
	}
}

func builtinRootDecorators() []*DecoratorDef {
	return []*DecoratorDef{
		{
			Name:         "currentEnv",
			Description:  "Item selecting the current environment, e.g. $APP_ENV",
			Incompatible: []string{"envFlag"},
			Process:      processCurrentEnv,
		},
		{
			Name:         "envFlag",
			Description:  "Name of the item selecting the current environment",
			Incompatible: []string{"currentEnv"},
			Process:      processEnvFlag,
		},
		{Name: "defaultRequired", Description: "true, false or infer", Process: processDefaultRequired},
		{
			Name:        "defaultSensitive",
			Description: "true, false or inferFromPrefix(PREFIX)",
			ArgsMode:    ArgsModeCallName,
			Process:     processDefaultSensitive,
		},
		{Name: "disable", Description: "Disable this source and everything it imports"},
		{
			Name:        "import",
			Description: "Import definitions from another file or directory",
			Repeatable:  true,
			ArgsMode:    ArgsModeFunction,
			Process:     processImport,
		},
		{
			Name:        "plugin",
			Description: "Install a plugin from the catalog",
			Repeatable:  true,
			ArgsMode:    ArgsModeFunction,
			Process:     processPlugin,
		},
		{
			Name:        "generateTypes",
			Description: "Write a typed accessor for all items",
			Repeatable:  true,
			ArgsMode:    ArgsModeFunction,
			Process:     processGenerateTypes,
			Execute:     executeGenerateTypes,
		},
		{Name: "redactLogs", Description: "Mask sensitive values in log output"},
		{Name: "preventLeaks", Description: "Block sensitive values from leaking into output"},
	}
}

func processType(d *Decorator) (interface{}, error) {
	args, kw, err := staticArgs(d.Resolver)
	if err != nil {
		return nil, fmt.Errorf("type settings must be static: %w", err)
	}
	if d.CallName != "" {
		return &TypeSpec{Name: d.CallName, Settings: datatypes.Settings{Args: args, KwArgs: kw}}, nil
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("type name must be a string")
	}
	return &TypeSpec{Name: name, Settings: datatypes.Settings{KwArgs: map[string]interface{}{}}}, nil
}

func processDocs(d *Decorator) (interface{}, error) {
	args, _, err := staticArgs(d.Resolver)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("expects a url and an optional description")
	}
	link := &DocLink{URL: valueString(args[0])}
	if len(args) == 2 {
		link.Description = valueString(args[1])
	}
	return link, nil
}

func processCurrentEnv(d *Decorator) (interface{}, error) {
	r := d.Resolver
	if r.Kind != ResolverRef {
		return nil, fmt.Errorf("must reference an item, e.g. $APP_ENV")
	}
	key, _ := r.Args[0].StaticString()
	return key, nil
}

func processEnvFlag(d *Decorator) (interface{}, error) {
	r := d.Resolver
	if r.Kind == ResolverRef {
		key, _ := r.Args[0].StaticString()
		return key, nil
	}
	key, ok := r.StaticString()
	if !ok || key == "" {
		return nil, fmt.Errorf("must name an item")
	}
	return key, nil
}

func processDefaultRequired(d *Decorator) (interface{}, error) {
	if !d.IsStatic() {
		return nil, fmt.Errorf("must be true, false or infer")
	}
	switch v := d.Resolver.Value.(type) {
	case bool:
		return requiredDefault{value: v}, nil
	case string:
		if v == "infer" {
			return requiredDefault{infer: true}, nil
		}
	}
	return nil, fmt.Errorf("must be true, false or infer")
}

func processDefaultSensitive(d *Decorator) (interface{}, error) {
	args, _, err := staticArgs(d.Resolver)
	if err != nil {
		return nil, err
	}
	switch d.CallName {
	case "":
		if b, ok := args[0].(bool); ok {
			return sensitiveDefault{value: b}, nil
		}
	case "inferFromPrefix":
		if len(args) == 1 {
			if p, ok := args[0].(string); ok && p != "" {
				return sensitiveDefault{fromPrefix: true, prefix: p}, nil
			}
		}
		return nil, fmt.Errorf("inferFromPrefix() expects one prefix string")
	}
	return nil, fmt.Errorf("must be true, false or inferFromPrefix(PREFIX)")
}

func processImport(d *Decorator) (interface{}, error) {
	r := d.Resolver
	if len(r.Args) == 0 {
		return nil, fmt.Errorf("requires a path")
	}
	spec := &ImportSpec{}
	for i, a := range r.Args {
		s, ok := a.StaticString()
		if !ok || s == "" {
			return nil, fmt.Errorf("argument %d must be a static string", i+1)
		}
		if i == 0 {
			spec.Path = s
			continue
		}
		spec.Keys = append(spec.Keys, s)
	}
	for _, kw := range r.KwArgs {
		switch kw.Name {
		case "enabled":
			spec.Enabled = kw.Resolver
		case "allowMissing":
			b, ok := kw.Resolver.Value.(bool)
			if !kw.Resolver.IsStatic() || !ok {
				return nil, fmt.Errorf("allowMissing must be true or false")
			}
			spec.AllowMissing = b
		default:
			return nil, fmt.Errorf("unknown argument %q", kw.Name)
		}
	}
	return spec, nil
}

func processPlugin(d *Decorator) (interface{}, error) {
	args, kw, err := staticArgs(d.Resolver)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("expects a plugin name")
	}
	spec := &PluginSpec{Name: valueString(args[0])}
	if name, version, ok := strings.Cut(spec.Name, "@"); ok {
		spec.Name, spec.Version = name, version
	}
	for k, v := range kw {
		if k != "version" {
			return nil, fmt.Errorf("unknown argument %q", k)
		}
		spec.Version = valueString(v)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("expects a plugin name")
	}
	return spec, nil
}

func processGenerateTypes(d *Decorator) (interface{}, error) {
	args, kw, err := staticArgs(d.Resolver)
	if err != nil {
		return nil, err
	}
	spec := &TypeGenSpec{Lang: "go", Package: "envconfig"}
	if len(args) > 0 {
		spec.Path = valueString(args[0])
	}
	for k, v := range kw {
		switch k {
		case "lang":
			spec.Lang = valueString(v)
		case "path":
			spec.Path = valueString(v)
		case "package":
			spec.Package = valueString(v)
		default:
			return nil, fmt.Errorf("unknown argument %q", k)
		}
	}
	if spec.Lang != "go" {
		return nil, fmt.Errorf("unsupported lang %q", spec.Lang)
	}
	if spec.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return spec, nil
}

func executeGenerateTypes(ctx context.Context, d *Decorator, g *Graph) error {
	spec, ok := d.Data.(*TypeGenSpec)
	if !ok {
		return fmt.Errorf("decorator was not processed")
	}
	return g.writeTypes(ctx, d.Source, spec)
}
