package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestSnapshot(t *testing.T) {
	g := resolveTestGraph(t, map[string]string{
		".env.schema.yaml": `
decorators:
  redactLogs: false
items:
  API_KEY:
    value: sk-live-123456
    decorators:
      sensitive: true
  PASSWORD:
    value: hunter22
    decorators:
      sensitive:
  HOST: localhost
  BROKEN:
    value: abc
    decorators:
      type: number
      sensitive: true
`,
	}, Options{})

	snap := g.Snapshot(context.Background())

	if snap.Settings.RedactLogs {
		t.Error("Expected redactLogs to be false")
	}
	if !snap.Settings.PreventLeaks {
		t.Error("Expected preventLeaks to default to true")
	}

	if got := snap.Config["HOST"]; got.Value != "localhost" || got.IsSensitive {
		t.Errorf("Unexpected HOST entry: %+v", got)
	}
	if got := snap.Config["BROKEN"]; got.Value != nil || !got.IsSensitive {
		t.Errorf("Expected invalid item to have a nil value, got %+v", got)
	}

	values := snap.SensitiveValues()
	if strings.Join(values, ",") != "sk-live-123456,hunter22" {
		t.Errorf("Expected sensitive values longest first, got %v", values)
	}

	keys := snap.Keys()
	want := []string{"API_KEY", "BROKEN", BuiltinEnvKey, BuiltinIsCIKey, "HOST", "PASSWORD"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("Expected keys %v, got %v", want, keys)
	}

	found := false
	for _, s := range snap.Sources {
		if s.Label == ".env.schema.yaml" && s.Enabled {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected enabled schema source, got %+v", snap.Sources)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(data), `"redactLogs":false`) {
		t.Errorf("Expected JSON settings, got %s", data)
	}
}

func TestSnapshot_DefaultSettings(t *testing.T) {
	g := resolveTestGraph(t, map[string]string{
		".env.schema.yaml": "items:\n  A: a\n",
	}, Options{})

	snap := g.Snapshot(context.Background())
	if !snap.Settings.RedactLogs || !snap.Settings.PreventLeaks {
		t.Errorf("Expected both settings to default to true, got %+v", snap.Settings)
	}
	if len(snap.SensitiveValues()) != 0 {
		t.Errorf("Expected no sensitive values, got %v", snap.SensitiveValues())
	}
}
