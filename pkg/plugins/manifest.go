package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/envgraph/pkg/datatypes"
	"github.com/openfroyo/envgraph/pkg/engine"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// Manifest describes a plugin built from shell command templates and
// pattern data types.
//
//	name: vault
//	version: 1.0.0
//	resolvers:
//	  - name: vaultField
//	    command: vault kv get -field={{ quote (index .Args 1) }} {{ quote (index .Args 0) }}
//	    minArgs: 2
//	    maxArgs: 2
//	types:
//	  - name: slug
//	    pattern: ^[a-z0-9-]+$
type Manifest struct {
	Name        string             `yaml:"name" validate:"required,excludesall=@"`
	Version     string             `yaml:"version" validate:"required,semver"`
	Description string             `yaml:"description"`
	Resolvers   []ManifestResolver `yaml:"resolvers" validate:"dive"`
	Types       []ManifestType     `yaml:"types" validate:"dive"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-"`
}

// ManifestResolver is a resolver function backed by a command template. The
// template sees .Args (positional arguments as strings) and .Kw (keyed
// arguments as strings). A missing maxArgs means unbounded.
type ManifestResolver struct {
	Name        string        `yaml:"name" validate:"required"`
	Description string        `yaml:"description"`
	Command     string        `yaml:"command" validate:"required"`
	MinArgs     int           `yaml:"minArgs" validate:"gte=0"`
	MaxArgs     *int          `yaml:"maxArgs" validate:"omitempty,gte=-1"`
	Type        string        `yaml:"type"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
}

// ManifestType is a string data type checked against a regular expression.
type ManifestType struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern" validate:"required"`
	Sensitive   bool   `yaml:"sensitive"`
}

// ManifestLoader reads plugin manifests from disk.
type ManifestLoader struct {
	validate *validator.Validate
	environ  []string
}

// NewManifestLoader creates a loader. Commands run with environ, or the
// process environment when environ is nil.
func NewManifestLoader(environ []string) *ManifestLoader {
	return &ManifestLoader{validate: validator.New(), environ: environ}
}

// LoadFromFile loads and validates a manifest file.
func (m *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	manifest, err := m.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	manifest.Path = path
	return manifest, nil
}

// LoadFromBytes parses and validates manifest YAML.
func (m *ManifestLoader) LoadFromBytes(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.validate.Struct(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if len(manifest.Resolvers) == 0 && len(manifest.Types) == 0 {
		return nil, fmt.Errorf("invalid manifest: no resolvers or types defined")
	}
	for _, r := range manifest.Resolvers {
		if limit := r.maxArgs(); limit >= 0 && limit < r.MinArgs {
			return nil, fmt.Errorf("invalid manifest: resolver %s: maxArgs is below minArgs", r.Name)
		}
	}
	return &manifest, nil
}

// LoadDir loads every *.yaml and *.yml manifest in dir, sorted by file name.
// A missing directory yields no manifests.
func (m *ManifestLoader) LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	manifests := make([]*Manifest, 0, len(names))
	for _, name := range names {
		manifest, err := m.LoadFromFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

// Plugin builds the engine plugin for a manifest.
func (m *ManifestLoader) Plugin(manifest *Manifest) (*engine.Plugin, error) {
	p := &engine.Plugin{Name: manifest.Name, Version: manifest.Version}

	for _, r := range manifest.Resolvers {
		fn, err := m.commandResolver(manifest.Name, r)
		if err != nil {
			return nil, err
		}
		p.Resolvers = append(p.Resolvers, fn)
	}
	for _, t := range manifest.Types {
		def, err := patternType(t)
		if err != nil {
			return nil, err
		}
		p.DataTypes = append(p.DataTypes, def)
	}
	return p, nil
}

func (r ManifestResolver) maxArgs() int {
	if r.MaxArgs == nil {
		return -1
	}
	return *r.MaxArgs
}

type commandArgs struct {
	Args []string
	Kw   map[string]string
}

var templateFuncs = template.FuncMap{
	"quote": shellQuote,
}

func (m *ManifestLoader) commandResolver(plugin string, r ManifestResolver) (*engine.ResolverFunc, error) {
	tmpl, err := template.New(r.Name).Funcs(templateFuncs).Option("missingkey=error").Parse(r.Command)
	if err != nil {
		return nil, fmt.Errorf("resolver %s: invalid command template: %w", r.Name, err)
	}

	return &engine.ResolverFunc{
		Name:         r.Name,
		Description:  r.Description,
		Shape:        engine.ArgShape{Mode: engine.ArgsMixed, MinArgs: r.MinArgs, MaxArgs: r.maxArgs(), MaxKwArgs: -1},
		InferredType: r.Type,
		Resolve: func(ctx context.Context, _ interface{}, args []interface{}, kwArgs map[string]interface{}) (interface{}, error) {
			data := commandArgs{Args: make([]string, len(args)), Kw: make(map[string]string, len(kwArgs))}
			for i, a := range args {
				data.Args[i] = datatypes.ToString(a)
			}
			for k, v := range kwArgs {
				data.Kw[k] = datatypes.ToString(v)
			}

			var cmdline bytes.Buffer
			if err := tmpl.Execute(&cmdline, data); err != nil {
				return nil, fmt.Errorf("failed to render command: %w", err)
			}

			var out string
			err := telemetry.RecordPluginCall(ctx, plugin, r.Name, func() error {
				var runErr error
				out, runErr = m.run(ctx, cmdline.String(), r.Timeout)
				return runErr
			})
			return out, err
		},
	}, nil
}

func (m *ManifestLoader) run(ctx context.Context, cmdline string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 500 * time.Millisecond
	if m.environ != nil {
		cmd.Env = m.environ
	}

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("command failed: %w: %s", err, msg)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return strings.TrimRight(stdout.String(), "\r\n"), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type patternDataType struct {
	name      string
	re        *regexp.Regexp
	sensitive bool
}

func patternType(t ManifestType) (datatypes.Definition, error) {
	re, err := regexp.Compile(t.Pattern)
	if err != nil {
		return datatypes.Definition{}, fmt.Errorf("type %s: invalid pattern: %w", t.Name, err)
	}
	dt := &patternDataType{name: t.Name, re: re, sensitive: t.Sensitive}
	return datatypes.Definition{
		Name:        t.Name,
		Description: t.Description,
		Sensitive:   t.Sensitive,
		Factory: func(datatypes.Settings) (datatypes.DataType, error) {
			return dt, nil
		},
	}, nil
}

func (t *patternDataType) Name() string      { return t.name }
func (t *patternDataType) IsSensitive() bool { return t.sensitive }

func (t *patternDataType) Coerce(raw any) (any, error) {
	return datatypes.ToString(raw), nil
}

func (t *patternDataType) Validate(v any) []error {
	s, _ := v.(string)
	if !t.re.MatchString(s) {
		return []error{fmt.Errorf("value does not match pattern %s", t.re.String())}
	}
	return nil
}
