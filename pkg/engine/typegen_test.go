package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const typegenSchema = `
decorators:
  generateTypes: ./gen/config.go
items:
  DB_URL:
    value: postgres://localhost/app
    description: Primary   database
    decorators:
      required: true
  PORT:
    value: 8080
    decorators:
      type: number
  API_KEY:
    value: secret-value
    decorators:
      sensitive: true
`

// normalize collapses runs of whitespace so gofmt alignment does not matter.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestRenderTypes(t *testing.T) {
	g := resolveTestGraph(t, map[string]string{".env.schema.yaml": typegenSchema}, Options{})

	out, err := g.renderTypes(&TypeGenSpec{Lang: "go", Package: "envconfig", Path: "x.go"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	src := normalize(string(out))

	for _, want := range []string{
		"// Code generated by envgraph. DO NOT EDIT.",
		"package envconfig",
		"// Primary database",
		"DBURL string `env:\"DB_URL,required\"`",
		"Port float64 `env:\"PORT\"`",
		"APIKey string `env:\"API_KEY\" sensitive:\"true\"`",
		`"DB_URL", "PORT", "API_KEY", }`,
	} {
		if !strings.Contains(src, want) {
			t.Errorf("Expected generated code to contain %q\n%s", want, out)
		}
	}
	if strings.Contains(src, BuiltinEnvKey) {
		t.Errorf("Expected built-in items to be skipped\n%s", out)
	}
}

func TestGoFieldName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{key: "DB_HOST_URL", want: "DBHostURL"},
		{key: "API_KEY", want: "APIKey"},
		{key: "log-level", want: "LogLevel"},
		{key: "2FA_SECRET", want: "X2faSecret"},
		{key: "___", want: "X"},
	}
	for _, tt := range tests {
		if got := goFieldName(tt.key); got != tt.want {
			t.Errorf("goFieldName(%q): expected %q, got %q", tt.key, tt.want, got)
		}
	}
}

func TestRunWritesGeneratedTypes(t *testing.T) {
	g := newTestGraph(t, map[string]string{".env.schema.yaml": typegenSchema}, Options{})

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(g.opts.WorkDir, "gen", "config.go"))
	if err != nil {
		t.Fatalf("Expected generated file, got: %v", err)
	}
	if !strings.Contains(string(data), "package envconfig") {
		t.Errorf("Unexpected generated file:\n%s", data)
	}
}

func TestRunSkipsHooksOnErrors(t *testing.T) {
	g := newTestGraph(t, map[string]string{
		".env.schema.yaml": `
decorators:
  generateTypes: ./gen/config.go
items:
  MISSING:
    decorators:
      required: true
`,
	}, Options{})

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !g.HasErrors() {
		t.Fatal("Expected graph errors")
	}
	if _, err := os.Stat(filepath.Join(g.opts.WorkDir, "gen", "config.go")); !os.IsNotExist(err) {
		t.Errorf("Expected no generated file, got: %v", err)
	}
}
