package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph is the item dependency graph. Edges point from an item to
// the items its value and decorators reference.
type DependencyGraph struct {
	// items maps keys to their items
	items map[string]*Item

	// keys holds item keys in sorted order
	keys []string

	// adjacencyList maps keys to their dependencies
	adjacencyList map[string][]string

	// reverseAdjacencyList maps keys to their dependents
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unresolved dependencies per key
	inDegree map[string]int
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		items:                make(map[string]*Item),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// Build indexes the items and their dependency edges. Dependencies on keys
// outside the set are dropped.
func (b *DependencyGraph) Build(items []*Item) error {
	for _, it := range items {
		if it.Key == "" {
			return schemaErrorf("item has empty key")
		}
		if _, exists := b.items[it.Key]; exists {
			return schemaErrorf("duplicate item key: %s", it.Key)
		}
		b.items[it.Key] = it
		b.keys = append(b.keys, it.Key)
		b.adjacencyList[it.Key] = nil
		b.reverseAdjacencyList[it.Key] = nil
		b.inDegree[it.Key] = 0
	}
	sort.Strings(b.keys)

	for _, key := range b.keys {
		for _, dep := range b.items[key].Dependencies() {
			if _, exists := b.items[dep]; !exists {
				continue
			}
			b.adjacencyList[key] = append(b.adjacencyList[key], dep)
			b.reverseAdjacencyList[dep] = append(b.reverseAdjacencyList[dep], key)
			b.inDegree[key]++
		}
	}
	return nil
}

// Dependencies returns the keys key depends on.
func (b *DependencyGraph) Dependencies(key string) []string {
	return b.adjacencyList[key]
}

// Dependents returns the keys depending on key.
func (b *DependencyGraph) Dependents(key string) []string {
	return b.reverseAdjacencyList[key]
}

// Keys returns every node in sorted order.
func (b *DependencyGraph) Keys() []string {
	return b.keys
}

// DetectCycles walks the graph depth-first and returns every cycle found,
// each as a path that starts and ends on the same key. A self-loop is the
// two-element path [K, K].
func (b *DependencyGraph) DetectCycles() [][]string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var cycles [][]string

	for _, key := range b.keys {
		if !visited[key] {
			b.detectCyclesUtil(key, visited, recStack, nil, &cycles)
		}
	}
	return cycles
}

func (b *DependencyGraph) detectCyclesUtil(
	key string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
	cycles *[][]string,
) {
	visited[key] = true
	recStack[key] = true
	path = append(path, key)

	for _, dep := range b.adjacencyList[key] {
		if !visited[dep] {
			b.detectCyclesUtil(dep, visited, recStack, path, cycles)
			continue
		}
		if !recStack[dep] {
			continue
		}
		for i, id := range path {
			if id == dep {
				cycle := make([]string, 0, len(path)-i+1)
				cycle = append(cycle, path[i:]...)
				*cycles = append(*cycles, append(cycle, dep))
				break
			}
		}
	}

	recStack[key] = false
}

// Levels layers the acyclic part of the graph with Kahn's algorithm. Items on
// level n depend only on items from earlier levels. Items on or behind a
// cycle are left out.
func (b *DependencyGraph) Levels() [][]string {
	inDegree := make(map[string]int, len(b.inDegree))
	for key, degree := range b.inDegree {
		inDegree[key] = degree
	}

	var current []string
	for _, key := range b.keys {
		if inDegree[key] == 0 {
			current = append(current, key)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)
		var next []string
		for _, key := range current {
			for _, dependent := range b.reverseAdjacencyList[key] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	return levels
}

// ToDOT renders the graph in Graphviz DOT format, grouped by level. Edges run
// from a dependency to its dependent.
func (b *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	placed := make(map[string]bool)
	for level, keys := range b.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			b.writeNode(&sb, "    ", key)
			placed[key] = true
		}
		sb.WriteString("  }\n\n")
	}
	for _, key := range b.keys {
		if !placed[key] {
			b.writeNode(&sb, "  ", key)
		}
	}

	for _, key := range b.keys {
		for _, dep := range b.adjacencyList[key] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, key))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DependencyGraph) writeNode(sb *strings.Builder, indent, key string) {
	it := b.items[key]
	label := key
	if name := it.TypeName(); name != "" {
		// \n is a DOT line break, so the label is not passed through %q.
		label = key + `\n` + strings.ReplaceAll(name, `"`, `\"`)
	}
	sb.WriteString(fmt.Sprintf("%s%q [label=\"%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
		indent, key, label, stateColor(it)))
}

// stateColor returns a fill color for an item's current state.
func stateColor(it *Item) string {
	if len(it.SchemaErrors()) > 0 {
		return "lightcoral"
	}
	if !it.IsResolved() {
		return "white"
	}
	switch it.State() {
	case StateValid:
		return "lightgreen"
	case StateWarn:
		return "khaki"
	default:
		return "lightcoral"
	}
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	if len(cycle) == 2 && cycle[0] == cycle[1] {
		return fmt.Sprintf("item %s depends on itself", cycle[0])
	}
	return "circular dependency detected: " + strings.Join(cycle, " -> ")
}

// uniqueKeys returns the distinct keys of a cycle path in order.
func uniqueKeys(cycle []string) []string {
	seen := make(map[string]bool, len(cycle))
	out := make([]string, 0, len(cycle))
	for _, k := range cycle {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
