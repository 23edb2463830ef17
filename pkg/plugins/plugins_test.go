package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/openfroyo/envgraph/pkg/engine"
)

// resolveGraph registers the built-in plugins and resolves schema.
func resolveGraph(t *testing.T, schema string, opts Options) *engine.Graph {
	t.Helper()

	reg := engine.NewRegistry()
	if _, err := Register(context.Background(), reg, opts); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g := engine.New(engine.Options{
		FS:       fstest.MapFS{".env.schema.yaml": {Data: []byte(schema)}},
		WorkDir:  t.TempDir(),
		Env:      map[string]string{},
		Registry: reg,
	})
	ctx := context.Background()
	if err := g.Load(ctx); err != nil {
		t.Fatalf("Expected no error loading graph, got: %v", err)
	}
	if _, err := g.Resolve(ctx); err != nil {
		t.Fatalf("Expected no error resolving graph, got: %v", err)
	}
	return g
}

func item(t *testing.T, g *engine.Graph, key string) *engine.Item {
	t.Helper()
	it, ok := g.Item(key)
	if !ok {
		t.Fatalf("Expected item %s to exist", key)
	}
	return it
}

func TestRegister(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "greet.yaml"), `
name: greet
version: 0.2.0
resolvers:
  - name: greet
    command: echo hello {{ index .Args 0 }}
    minArgs: 1
    maxArgs: 1
`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	reg := engine.NewRegistry()
	names, err := Register(context.Background(), reg, Options{Dirs: []string{dir, filepath.Join(dir, "missing")}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if strings.Join(names, ",") != "starlark,cue,greet" {
		t.Errorf("Expected starlark,cue,greet, got %v", names)
	}
	if strings.Join(reg.Catalog(), ",") != "cue,greet,starlark" {
		t.Errorf("Unexpected catalog: %v", reg.Catalog())
	}
	if len(reg.Installed()) != 0 {
		t.Errorf("Expected nothing installed before a source asks, got %v", reg.Installed())
	}
}

func TestRegister_InvalidManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.yaml"), "name: bad\nversion: not-a-version\nresolvers:\n  - name: x\n    command: echo\n")

	_, err := Register(context.Background(), engine.NewRegistry(), Options{Dirs: []string{dir}})
	if err == nil {
		t.Fatal("Expected error for invalid manifest")
	}
	if !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("Expected error to name the file, got: %v", err)
	}
}

func TestPluginsInGraph(t *testing.T) {
	g := resolveGraph(t, `
decorators:
  - plugin: starlark
  - plugin: cue
items:
  PORT: 8080
  NEXT_PORT:
    value: starlark("port + 1", port=$PORT)
    decorators:
      type: number
  LISTEN:
    value: 1234
    decorators:
      type: cue("int & >=1024 & <65536")
  BAD_LISTEN:
    value: "80"
    decorators:
      type: cue("int & >=1024")
`, Options{})

	if v := item(t, g, "NEXT_PORT").Value(); v != float64(8081) {
		t.Errorf("Expected 8081, got %v (%T)", v, v)
	}
	if v := item(t, g, "LISTEN").Value(); v != int64(1234) {
		t.Errorf("Expected int64 1234, got %v (%T)", v, v)
	}
	bad := item(t, g, "BAD_LISTEN")
	if !engine.IsValidationError(bad.Err()) {
		t.Errorf("Expected validation error, got: %v", bad.Err())
	}
	if installed := g.Registry().Installed(); installed["starlark"] == "" {
		t.Errorf("Expected starlark to be installed, got %v", installed)
	}
}

func TestManifestPluginInGraph(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shout.yaml"), `
name: shout
version: 1.0.0
resolvers:
  - name: upper
    command: printf '%s' {{ quote (index .Args 0) }} | tr a-z A-Z
    minArgs: 1
    maxArgs: 1
types:
  - name: slug
    pattern: ^[a-z0-9-]+$
`)

	g := resolveGraph(t, `
decorators:
  plugin: shout@1.0.0
items:
  NAME: upper("it's quiet")
  SLUG:
    value: my-app
    decorators:
      type: slug
  NOT_SLUG:
    value: My App
    decorators:
      type: slug
`, Options{Dirs: []string{dir}})

	if v := item(t, g, "NAME").Value(); v != "IT'S QUIET" {
		t.Errorf("Expected IT'S QUIET, got %v", v)
	}
	if err := item(t, g, "SLUG").Err(); err != nil {
		t.Errorf("Expected valid slug, got: %v", err)
	}
	if !engine.IsValidationError(item(t, g, "NOT_SLUG").Err()) {
		t.Errorf("Expected validation error, got: %v", item(t, g, "NOT_SLUG").Err())
	}
}

func TestStarlarkProcessErrors(t *testing.T) {
	g := resolveGraph(t, `
decorators:
  plugin: starlark
items:
  A: a
  DYNAMIC: starlark($A)
  NO_ARGS: starlark()
`, Options{StarlarkTimeout: time.Second})

	if err := item(t, g, "DYNAMIC").Err(); !engine.IsSchemaError(err) || !strings.Contains(err.Error(), "static string") {
		t.Errorf("Expected static source schema error, got: %v", err)
	}
	if err := item(t, g, "NO_ARGS").Err(); !engine.IsSchemaError(err) {
		t.Errorf("Expected schema error, got: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}
