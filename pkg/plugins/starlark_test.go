package plugins

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Eval(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second)

	tests := []struct {
		name    string
		src     string
		vars    map[string]interface{}
		want    interface{}
		wantErr string
	}{
		{name: "expression", src: "1 + 2", want: int64(3)},
		{name: "string vars", src: "prefix + '-' + name", vars: map[string]interface{}{"prefix": "svc", "name": "api"}, want: "svc-api"},
		{name: "whole float becomes int", src: "port + 1", vars: map[string]interface{}{"port": float64(8080)}, want: int64(8081)},
		{name: "float", src: "ratio * 2", vars: map[string]interface{}{"ratio": 0.25}, want: 0.5},
		{name: "bool", src: "env == 'production'", vars: map[string]interface{}{"env": "production"}, want: true},
		{name: "none", src: "None", want: nil},
		{name: "list as json", src: "[1, 'a']", want: `[1,"a"]`},
		{name: "dict as json", src: "{'host': 'db', 'port': 5432}", want: `{"host":"db","port":5432}`},
		{name: "struct as json", src: "struct(a = 1)", want: `{"a":1}`},
		{name: "assignment", src: "value = 7", want: int64(7)},
		{
			name: "script",
			src:  "def double(n):\n    return n * 2\n\nvalue = double(base)\n",
			vars: map[string]interface{}{"base": float64(21)},
			want: int64(42),
		},
		{name: "no value", src: "x = 1\ny = 2\n", wantErr: "global named value"},
		{name: "syntax error", src: "1 +", wantErr: "starlark evaluation failed"},
		{name: "runtime error", src: "missing + 1", wantErr: "undefined: missing"},
		{name: "unsupported var", src: "x", vars: map[string]interface{}{"x": struct{}{}}, wantErr: "unsupported type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := se.Eval(context.Background(), tt.src, tt.vars)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got: %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestStarlarkEvaluator_StopsRunawayScripts(t *testing.T) {
	se := NewStarlarkEvaluator(200 * time.Millisecond)

	src := "def spin():\n    n = 0\n    for i in range(1000000000):\n        n += i\n    return n\n\nvalue = spin()\n"

	start := time.Now()
	_, err := se.Eval(context.Background(), src, nil)
	if err == nil {
		t.Fatal("Expected runaway script to be stopped")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected evaluation to stop promptly, took %s", elapsed)
	}
}

func TestIsValueAssignment(t *testing.T) {
	tests := map[string]bool{
		"value = 1":  true,
		"value=1":    true,
		"value == 1": false,
		"values = 1": false,
		"1 + 1":      false,
	}
	for line, want := range tests {
		if got := isValueAssignment(line); got != want {
			t.Errorf("isValueAssignment(%q): expected %v, got %v", line, want, got)
		}
	}
}
