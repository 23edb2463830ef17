package policy

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/openfroyo/envgraph/pkg/engine"
)

// snapshot resolves schema and returns its snapshot.
func snapshot(t *testing.T, schema string) *engine.Snapshot {
	t.Helper()

	g := engine.New(engine.Options{
		FS:      fstest.MapFS{".env.schema.yaml": {Data: []byte(schema)}},
		WorkDir: t.TempDir(),
		Env:     map[string]string{},
	})
	ctx := context.Background()
	if err := g.Load(ctx); err != nil {
		t.Fatalf("Expected no error loading graph, got: %v", err)
	}
	if _, err := g.Resolve(ctx); err != nil {
		t.Fatalf("Expected no error resolving graph, got: %v", err)
	}
	return g.Snapshot(ctx)
}

func violationKeys(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Policy+":"+v.Key)
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng, err := NewEngine(context.Background(), true)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		if p.Source != SourceBuiltin {
			t.Errorf("Expected %s to be built in, got source %q", p.Name, p.Source)
		}
	}
	want := "redaction,secret-strength,undeclared-secrets,url-credentials"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Expected policies %s, got %s", want, got)
	}

	empty, err := NewEngine(context.Background(), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n := len(empty.ListPolicies()); n != 0 {
		t.Errorf("Expected no policies, got %d", n)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	snap := snapshot(t, `
decorators:
  redactLogs: false
  preventLeaks: false
items:
  DB_URL: postgres://admin:hunter22@db/app
  API_TOKEN: abc123
  PASSWORD:
    value: short
    decorators:
      sensitive: true
  SAFE_URL: https://example.com/app
`)

	eng, err := NewEngine(context.Background(), true)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name        string
		environment string
		allowed     bool
		errors      []string
		warnings    []string
	}{
		{
			name:        "development",
			environment: "development",
			allowed:     false,
			errors:      []string{"url-credentials:DB_URL"},
			warnings:    []string{"redaction:", "secret-strength:PASSWORD", "undeclared-secrets:API_TOKEN"},
		},
		{
			name:        "production",
			environment: "production",
			allowed:     false,
			errors:      []string{"redaction:", "url-credentials:DB_URL"},
			warnings:    []string{"redaction:", "secret-strength:PASSWORD", "undeclared-secrets:API_TOKEN"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), NewInput(snap, tt.environment))
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v", tt.allowed, result.Allowed)
			}
			if len(result.Failures) != 0 {
				t.Errorf("Expected no failures, got %v", result.Failures)
			}
			if got := violationKeys(result.Errors()); strings.Join(got, ",") != strings.Join(tt.errors, ",") {
				t.Errorf("Expected errors %v, got %v", tt.errors, got)
			}
			if got := violationKeys(result.Warnings()); strings.Join(got, ",") != strings.Join(tt.warnings, ",") {
				t.Errorf("Expected warnings %v, got %v", tt.warnings, got)
			}
			if len(result.Evaluated) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", result.Evaluated)
			}
		})
	}
}

func TestEvaluate_CleanConfig(t *testing.T) {
	snap := snapshot(t, `
items:
  DB_HOST: db.internal
  DB_PASSWORD:
    value: correct-horse-battery
    decorators:
      sensitive: true
`)

	eng, err := NewEngine(context.Background(), true)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), NewInput(snap, "production"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("Expected a clean result, got %+v", result.Violations)
	}
}

func TestNewInput_HidesSensitiveValues(t *testing.T) {
	snap := &engine.Snapshot{
		Config: map[string]engine.SnapshotItem{
			"TOKEN": {Value: "sk-live-abcdef", IsSensitive: true},
			"EMPTY": {Value: "", IsSensitive: true},
			"PORT":  {Value: float64(8080)},
			"UNSET": {},
		},
	}

	in := NewInput(snap, "dev")

	tests := []struct {
		key  string
		want InputItem
	}{
		{key: "TOKEN", want: InputItem{IsSensitive: true, HasValue: true, Length: 14}},
		{key: "EMPTY", want: InputItem{IsSensitive: true}},
		{key: "PORT", want: InputItem{Value: float64(8080), HasValue: true}},
		{key: "UNSET", want: InputItem{}},
	}
	for _, tt := range tests {
		if got := in.Config[tt.key]; got != tt.want {
			t.Errorf("%s: expected %+v, got %+v", tt.key, tt.want, got)
		}
	}
	if in.Sources == nil {
		t.Error("Expected sources to be an empty list")
	}
}

func TestEngine_CustomPolicies(t *testing.T) {
	eng, err := NewEngine(context.Background(), true)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ports := Policy{
		Name:     "ports",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.ports

deny contains msg if {
	some key, item in input.config
	endswith(key, "_PORT")
	item.value < 1024
	msg := sprintf("%s uses a privileged port", [key])
}
`,
	}
	if err := eng.Reload(context.Background(), []Policy{ports}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	in := &Input{Config: map[string]InputItem{
		"HTTP_PORT":  {Value: 80, HasValue: true},
		"ADMIN_PORT": {Value: 8443, HasValue: true},
	}}
	result, err := eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Allowed {
		t.Error("Expected privileged port to be rejected")
	}
	errs := result.Errors()
	if len(errs) != 1 || errs[0].Message != "HTTP_PORT uses a privileged port" || errs[0].Policy != "ports" {
		t.Errorf("Unexpected errors: %+v", errs)
	}

	if err := eng.DisablePolicy("ports"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped, got %+v", result.Violations)
	}

	// Reload drops custom policies but keeps the built-in ones.
	if err := eng.Reload(context.Background(), nil); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := eng.GetPolicy("ports"); err == nil {
		t.Error("Expected ports policy to be removed")
	}
	if _, err := eng.GetPolicy("redaction"); err != nil {
		t.Errorf("Expected built-in policy to survive reload, got: %v", err)
	}
}

func TestEngine_ReloadIsAllOrNothing(t *testing.T) {
	eng, err := NewEngine(context.Background(), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	good := Policy{Name: "good", Enabled: true, Rego: "package good\n\ndeny contains \"always\" if true\n"}
	if err := eng.AddPolicy(context.Background(), good); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		name   string
		policy Policy
		want   string
	}{
		{name: "syntax error", policy: Policy{Name: "broken", Rego: "package broken\n\ndeny contains if {"}, want: "failed to compile policy broken"},
		{name: "missing name", policy: Policy{Rego: "package x\n"}, want: "policy name is required"},
		{name: "reserved source", policy: Policy{Name: "fake", Source: SourceBuiltin, Rego: "package fake\n"}, want: "is reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Reload(context.Background(), []Policy{tt.policy})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Expected error containing %q, got: %v", tt.want, err)
			}
			if _, err := eng.GetPolicy("good"); err != nil {
				t.Errorf("Expected existing policy to be kept, got: %v", err)
			}
		})
	}
}

func TestCreateViolation(t *testing.T) {
	p := Policy{Name: "p", Description: "fallback message", Severity: SeverityWarning}

	tests := []struct {
		name  string
		entry interface{}
		want  Violation
	}{
		{name: "string", entry: "bad", want: Violation{Policy: "p", Message: "bad", Severity: SeverityWarning}},
		{
			name:  "object",
			entry: map[string]interface{}{"message": "bad key", "severity": "critical", "key": "K"},
			want:  Violation{Policy: "p", Key: "K", Message: "bad key", Severity: SeverityError},
		},
		{
			name:  "unknown severity",
			entry: map[string]interface{}{"severity": "loud"},
			want:  Violation{Policy: "p", Message: "fallback message", Severity: SeverityWarning},
		},
		{name: "other", entry: true, want: Violation{Policy: "p", Message: "true", Severity: SeverityWarning}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := createViolation(p, tt.entry); got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
