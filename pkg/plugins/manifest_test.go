package plugins

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/envgraph/pkg/datatypes"
)

func TestManifestLoader_LoadFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
name: tools
version: 1.0.0
resolvers:
  - name: echo
    command: echo {{ index .Args 0 }}
    minArgs: 1
    timeout: 2s
`,
		},
		{name: "missing name", yaml: "version: 1.0.0\ntypes:\n  - name: a\n    pattern: a\n", wantErr: "Name"},
		{name: "bad version", yaml: "name: x\nversion: one\ntypes:\n  - name: a\n    pattern: a\n", wantErr: "Version"},
		{name: "name with version", yaml: "name: x@1\nversion: 1.0.0\ntypes:\n  - name: a\n    pattern: a\n", wantErr: "Name"},
		{name: "empty", yaml: "name: x\nversion: 1.0.0\n", wantErr: "no resolvers or types"},
		{name: "resolver without command", yaml: "name: x\nversion: 1.0.0\nresolvers:\n  - name: a\n", wantErr: "Command"},
		{name: "max below min", yaml: "name: x\nversion: 1.0.0\nresolvers:\n  - name: a\n    command: echo\n    minArgs: 2\n    maxArgs: 1\n", wantErr: "maxArgs is below minArgs"},
		{name: "not yaml", yaml: "name: [", wantErr: "failed to parse manifest YAML"},
	}

	loader := NewManifestLoader(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := loader.LoadFromBytes([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if m.Resolvers[0].Timeout != 2*time.Second {
				t.Errorf("Expected 2s timeout, got %s", m.Resolvers[0].Timeout)
			}
			if m.Resolvers[0].maxArgs() != -1 {
				t.Errorf("Expected unbounded maxArgs, got %d", m.Resolvers[0].maxArgs())
			}
		})
	}
}

func TestManifestLoader_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yml"), "name: b\nversion: 1.0.0\ntypes:\n  - name: b\n    pattern: b\n")
	writeFile(t, filepath.Join(dir, "a.yaml"), "name: a\nversion: 1.0.0\ntypes:\n  - name: a\n    pattern: a\n")
	writeFile(t, filepath.Join(dir, "sub", "c.yaml"), "not: loaded\n")

	loader := NewManifestLoader(nil)
	manifests, err := loader.LoadDir(dir)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(manifests) != 2 || manifests[0].Name != "a" || manifests[1].Name != "b" {
		t.Fatalf("Expected manifests a and b, got %+v", manifests)
	}
	if manifests[0].Path != filepath.Join(dir, "a.yaml") {
		t.Errorf("Expected path to be recorded, got %q", manifests[0].Path)
	}

	if m, err := loader.LoadDir(filepath.Join(dir, "missing")); err != nil || m != nil {
		t.Errorf("Expected missing directory to be empty, got %v, %v", m, err)
	}
}

func TestCommandResolver(t *testing.T) {
	loader := NewManifestLoader([]string{"GREETING=hi"})
	m, err := loader.LoadFromBytes([]byte(`
name: cmds
version: 1.0.0
resolvers:
  - name: greet
    command: echo "$GREETING" {{ quote (index .Args 0) }} {{ quote .Kw.suffix }}
    minArgs: 1
    maxArgs: 1
  - name: fail
    command: echo broken >&2; exit 3
  - name: slow
    command: sleep 5
    timeout: 50ms
`))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p, err := loader.Plugin(m)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(p.Resolvers) != 3 || p.Name != "cmds" || p.Version != "1.0.0" {
		t.Fatalf("Unexpected plugin: %+v", p)
	}

	ctx := context.Background()
	greet, fail, slow := p.Resolvers[0], p.Resolvers[1], p.Resolvers[2]

	if greet.Shape.MinArgs != 1 || greet.Shape.MaxArgs != 1 {
		t.Errorf("Unexpected shape: %+v", greet.Shape)
	}

	v, err := greet.Resolve(ctx, nil, []interface{}{"world; rm -rf /"}, map[string]interface{}{"suffix": float64(2)})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v != "hi world; rm -rf / 2" {
		t.Errorf("Expected quoted output, got %q", v)
	}

	if _, err := greet.Resolve(ctx, nil, []interface{}{"x"}, nil); err == nil || !strings.Contains(err.Error(), "failed to render command") {
		t.Errorf("Expected missing keyed argument to fail rendering, got: %v", err)
	}

	if _, err := fail.Resolve(ctx, nil, nil, nil); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected stderr in error, got: %v", err)
	}

	start := time.Now()
	if _, err := slow.Resolve(ctx, nil, nil, nil); err == nil {
		t.Error("Expected timeout error")
	}
	if time.Since(start) > 4*time.Second {
		t.Error("Expected timeout to stop the command")
	}
}

func TestPatternType(t *testing.T) {
	def, err := patternType(ManifestType{Name: "slug", Pattern: "^[a-z-]+$", Sensitive: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	dt, err := def.Factory(datatypes.Settings{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !dt.IsSensitive() || dt.Name() != "slug" {
		t.Errorf("Unexpected type: %s sensitive=%v", dt.Name(), dt.IsSensitive())
	}

	v, _ := dt.Coerce("my-app")
	if errs := dt.Validate(v); len(errs) != 0 {
		t.Errorf("Expected valid slug, got: %v", errs)
	}
	v, _ = dt.Coerce(42.0)
	if errs := dt.Validate(v); len(errs) != 1 {
		t.Errorf("Expected one validation error, got: %v", errs)
	}

	if _, err := patternType(ManifestType{Name: "bad", Pattern: "("}); err == nil {
		t.Error("Expected invalid pattern error")
	}
}
