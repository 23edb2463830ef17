package engine

import (
	"sort"
	"strings"
	"testing"
)

// testItems builds unattached items with the given dependency edges.
func testItems(edges map[string][]string) []*Item {
	keys := make([]string, 0, len(edges))
	for key := range edges {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]*Item, 0, len(keys))
	for _, key := range keys {
		items = append(items, &Item{Key: key, deps: edges[key], processed: true})
	}
	return items
}

func buildTestDAG(t *testing.T, edges map[string][]string) *DependencyGraph {
	t.Helper()

	dag := NewDependencyGraph()
	if err := dag.Build(testItems(edges)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return dag
}

func TestDependencyGraph_Build_Empty(t *testing.T) {
	dag := buildTestDAG(t, map[string][]string{})

	if len(dag.Keys()) != 0 {
		t.Errorf("Expected 0 keys, got %d", len(dag.Keys()))
	}
	if cycles := dag.DetectCycles(); len(cycles) != 0 {
		t.Errorf("Expected no cycles, got %v", cycles)
	}
	if levels := dag.Levels(); len(levels) != 0 {
		t.Errorf("Expected no levels, got %v", levels)
	}
}

func TestDependencyGraph_Build_DropsUnknownDependencies(t *testing.T) {
	dag := buildTestDAG(t, map[string][]string{
		"A": {"B", "GONE"},
		"B": nil,
	})

	if deps := dag.Dependencies("A"); len(deps) != 1 || deps[0] != "B" {
		t.Errorf("Expected A to depend only on B, got %v", deps)
	}
	if dependents := dag.Dependents("B"); len(dependents) != 1 || dependents[0] != "A" {
		t.Errorf("Expected B to have dependent A, got %v", dependents)
	}
}

func TestDependencyGraph_Build_DuplicateKeys(t *testing.T) {
	dag := NewDependencyGraph()
	err := dag.Build([]*Item{{Key: "A"}, {Key: "A"}})
	if err == nil {
		t.Fatal("Expected error for duplicate keys")
	}
	if !IsSchemaError(err) {
		t.Errorf("Expected schema error, got: %v", err)
	}
}

func TestDependencyGraph_Levels(t *testing.T) {
	tests := []struct {
		name  string
		edges map[string][]string
		want  [][]string
	}{
		{
			name:  "linear",
			edges: map[string][]string{"A": {"B"}, "B": {"C"}, "C": nil},
			want:  [][]string{{"C"}, {"B"}, {"A"}},
		},
		{
			name:  "parallel",
			edges: map[string][]string{"A": nil, "B": nil, "C": nil},
			want:  [][]string{{"A", "B", "C"}},
		},
		{
			name: "diamond",
			edges: map[string][]string{
				"TOP":   {"LEFT", "RIGHT"},
				"LEFT":  {"BASE"},
				"RIGHT": {"BASE"},
				"BASE":  nil,
			},
			want: [][]string{{"BASE"}, {"LEFT", "RIGHT"}, {"TOP"}},
		},
		{
			name:  "cycle is left out",
			edges: map[string][]string{"A": {"B"}, "B": {"A"}, "C": nil, "D": {"A"}},
			want:  [][]string{{"C"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := buildTestDAG(t, tt.edges)
			got := dag.Levels()
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d levels, got %d: %v", len(tt.want), len(got), got)
			}
			for i := range got {
				if strings.Join(got[i], ",") != strings.Join(tt.want[i], ",") {
					t.Errorf("Level %d: expected %v, got %v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestDependencyGraph_DetectCycles(t *testing.T) {
	tests := []struct {
		name  string
		edges map[string][]string
		want  []string
	}{
		{
			name:  "self loop",
			edges: map[string][]string{"A": {"A"}},
			want:  []string{"A -> A"},
		},
		{
			name:  "two nodes",
			edges: map[string][]string{"A": {"B"}, "B": {"A"}},
			want:  []string{"A -> B -> A"},
		},
		{
			name: "three nodes behind an entry",
			edges: map[string][]string{
				"A": {"B"},
				"B": {"C"},
				"C": {"D"},
				"D": {"B"},
			},
			want: []string{"B -> C -> D -> B"},
		},
		{
			name: "two separate cycles",
			edges: map[string][]string{
				"A": {"B"},
				"B": {"A"},
				"X": {"X"},
			},
			want: []string{"A -> B -> A", "X -> X"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := buildTestDAG(t, tt.edges)
			cycles := dag.DetectCycles()

			got := make([]string, 0, len(cycles))
			for _, c := range cycles {
				got = append(got, strings.Join(c, " -> "))
			}
			if strings.Join(got, "; ") != strings.Join(tt.want, "; ") {
				t.Errorf("Expected cycles %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDependencyGraph_DetectCycles_NoFalsePositives(t *testing.T) {
	// A wide, deep DAG where many paths reconverge on shared nodes.
	edges := map[string][]string{"L0": nil}
	for level := 1; level <= 8; level++ {
		prev := levelKey(level - 1)
		edges[levelKey(level)] = []string{prev}
		edges[levelKey(level)+"_SIDE"] = []string{prev, "L0"}
		edges[levelKey(level)+"_JOIN"] = []string{levelKey(level), levelKey(level) + "_SIDE"}
	}

	dag := buildTestDAG(t, edges)
	if cycles := dag.DetectCycles(); len(cycles) != 0 {
		t.Errorf("Expected no cycles, got %v", cycles)
	}

	placed := 0
	for _, level := range dag.Levels() {
		placed += len(level)
	}
	if placed != len(edges) {
		t.Errorf("Expected every key on a level, got %d of %d", placed, len(edges))
	}
}

func levelKey(n int) string {
	return "L" + string(rune('0'+n))
}

func TestDependencyGraph_ToDOT(t *testing.T) {
	dag := buildTestDAG(t, map[string][]string{
		"DB_URL":  {"DB_HOST", "DB_PORT"},
		"DB_HOST": nil,
		"DB_PORT": nil,
		"LOOP":    {"LOOP"},
	})

	dot := dag.ToDOT()
	for _, want := range []string{
		"digraph DependencyGraph {",
		"subgraph cluster_level_0",
		"subgraph cluster_level_1",
		`"DB_HOST" -> "DB_URL";`,
		`"DB_PORT" -> "DB_URL";`,
		`"LOOP" -> "LOOP";`,
		`"LOOP" [label="LOOP", fillcolor="white"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q\n%s", want, dot)
		}
	}
	if strings.Contains(dot, "cluster_level_2") {
		t.Errorf("Expected two levels only\n%s", dot)
	}
}

func TestFormatCycle(t *testing.T) {
	tests := []struct {
		cycle []string
		want  string
	}{
		{cycle: []string{"A", "A"}, want: "item A depends on itself"},
		{cycle: []string{"A", "B", "A"}, want: "circular dependency detected: A -> B -> A"},
		{cycle: nil, want: ""},
	}
	for _, tt := range tests {
		if got := formatCycle(tt.cycle); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}

	if got := uniqueKeys([]string{"A", "B", "A"}); strings.Join(got, ",") != "A,B" {
		t.Errorf("Expected A,B, got %v", got)
	}
}
