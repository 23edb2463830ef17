package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// counterPlugin returns a plugin whose count() resolver increments calls on
// every evaluation.
func counterPlugin(calls *atomic.Int64, delay time.Duration) *Plugin {
	return &Plugin{
		Name:    "counter",
		Version: "1.0.0",
		Resolvers: []*ResolverFunc{{
			Name:         "count",
			Description:  "Counts evaluations",
			Shape:        ArgShape{Mode: ArgsPositional, MinArgs: 0, MaxArgs: 0},
			InferredType: "string",
			Resolve: func(ctx context.Context, state interface{}, args []interface{}, kwArgs map[string]interface{}) (interface{}, error) {
				n := calls.Add(1)
				if delay > 0 {
					time.Sleep(delay)
				}
				return fmt.Sprintf("call-%d", n), nil
			},
		}},
	}
}

// chainSchema defines K1..Kn where each key references the previous one.
func chainSchema(n int, first string) string {
	var sb strings.Builder
	sb.WriteString("items:\n")
	fmt.Fprintf(&sb, "  K1: %s\n", first)
	for i := 2; i <= n; i++ {
		fmt.Fprintf(&sb, "  K%d: $K%d\n", i, i-1)
	}
	return sb.String()
}

func TestScheduler_SharedDependencyResolvesOnce(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	if err := reg.AddPlugin(counterPlugin(&calls, 10*time.Millisecond)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g := loadTestGraph(t, map[string]string{
		".env.schema.yaml": `
decorators:
  plugin: counter
items:
  SHARED: count()
  D1: $SHARED
  D2: concat($SHARED, "-x")
  D3: fallback("", $SHARED)
`,
	}, Options{Registry: reg})

	ctx := context.Background()
	if _, err := g.Resolve(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := g.Resolve(ctx, "D1", "D2", "D3"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected the shared resolver to run once, got %d", n)
	}

	want := map[string]string{"SHARED": "call-1", "D1": "call-1", "D2": "call-1-x", "D3": "call-1"}
	for key, v := range want {
		if got := mustItem(t, g, key).Value(); got != v {
			t.Errorf("Expected %s=%q, got %v", key, v, got)
		}
	}

	stats := g.Stats()
	if stats.Resolved != 0 || stats.Skipped != stats.Targets {
		t.Errorf("Expected second pass to skip everything, got %+v", stats)
	}
	if installed := reg.Installed(); installed["counter"] != "1.0.0" {
		t.Errorf("Expected counter plugin to be installed, got %v", installed)
	}
}

func TestScheduler_ResetReRuns(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	if err := reg.AddPlugin(counterPlugin(&calls, 0)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g := resolveTestGraph(t, map[string]string{
		".env.schema.yaml": "decorators:\n  plugin: counter\nitems:\n  SHARED: count()\n",
	}, Options{Registry: reg})

	it := mustItem(t, g, "SHARED")
	it.Resolve(context.Background(), false)
	if n := calls.Load(); n != 1 {
		t.Fatalf("Expected 1 call without reset, got %d", n)
	}

	it.Resolve(context.Background(), true)
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected reset to re-run the resolver, got %d calls", n)
	}
	if v := it.Value(); v != "call-2" {
		t.Errorf("Expected call-2, got %v", v)
	}
}

func TestScheduler_LinearChainConvergence(t *testing.T) {
	const n = 6

	tests := []struct {
		name string
		keys []string
	}{
		{name: "tail only", keys: []string{fmt.Sprintf("K%d", n)}},
		{name: "every link", keys: []string{"K6", "K5", "K4", "K3", "K2", "K1"}},
		{name: "head and tail", keys: []string{"K1", "K6"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := loadTestGraph(t, map[string]string{".env.schema.yaml": chainSchema(n, "v")}, Options{})

			stats, err := g.Resolve(context.Background(), tt.keys...)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if stats.Targets != n {
				t.Errorf("Expected %d targets, got %d", n, stats.Targets)
			}
			if stats.Resolved != n {
				t.Errorf("Expected %d resolved, got %d", n, stats.Resolved)
			}
			if stats.MaxDepth != n {
				t.Errorf("Expected max depth %d, got %d", n, stats.MaxDepth)
			}
			if v := mustItem(t, g, "K6").Value(); v != "v" {
				t.Errorf("Expected value to flow down the chain, got %v", v)
			}
		})
	}
}

func TestScheduler_ConcurrentRequests(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	if err := reg.AddPlugin(counterPlugin(&calls, 5*time.Millisecond)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g := loadTestGraph(t, map[string]string{
		".env.schema.yaml": "decorators:\n  plugin: counter\n" + chainSchema(5, "count()"),
	}, Options{Registry: reg})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, err := g.Resolve(context.Background(), key); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("K%d", 5-i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Expected no error, got: %v", err)
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected the chain head to resolve once, got %d", n)
	}
	for i := 1; i <= 5; i++ {
		if v := mustItem(t, g, fmt.Sprintf("K%d", i)).Value(); v != "call-1" {
			t.Errorf("Expected K%d=call-1, got %v", i, v)
		}
	}
}

func TestScheduler_InvalidDependencyPropagates(t *testing.T) {
	g := loadTestGraph(t, map[string]string{
		".env.schema.yaml": `
items:
  ROOT:
    value: abc
    decorators:
      type: number
  MID: concat($ROOT, "1")
  LEAF: $MID
  OTHER: fine
`,
	}, Options{})

	stats, err := g.Resolve(context.Background(), "LEAF", "OTHER")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !IsCoercionError(mustItem(t, g, "ROOT").Err()) {
		t.Errorf("Expected coercion error on ROOT, got: %v", mustItem(t, g, "ROOT").Err())
	}
	for key, dep := range map[string]string{"MID": "ROOT", "LEAF": "MID"} {
		want := fmt.Sprintf("Dependency %s is invalid", dep)
		if !hasError(mustItem(t, g, key).Errors(), IsResolutionError, want) {
			t.Errorf("Expected %q on %s, got: %v", want, key, mustItem(t, g, key).Errors())
		}
		if mustItem(t, g, key).IsValidated() {
			t.Errorf("Expected %s not to reach validation", key)
		}
	}
	if err := mustItem(t, g, "OTHER").Err(); err != nil {
		t.Errorf("Expected unrelated item to stay valid, got: %v", err)
	}

	if stats.Targets != 4 || stats.Resolved != 2 || stats.Skipped != 2 {
		t.Errorf("Expected 4 targets, 2 resolved and 2 skipped, got %+v", stats)
	}
}

func TestScheduler_ClosureOnlyResolvesRequested(t *testing.T) {
	g := loadTestGraph(t, map[string]string{
		".env.schema.yaml": "items:\n  A: a\n  B: $A\n  C: c\n",
	}, Options{})

	if _, err := g.Resolve(context.Background(), "B"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !mustItem(t, g, "A").IsResolved() || !mustItem(t, g, "B").IsResolved() {
		t.Error("Expected B and its dependency to be resolved")
	}
	if mustItem(t, g, "C").IsResolved() {
		t.Error("Expected C to be left alone")
	}
}

func TestScheduler_InvalidStateVisibleToDependents(t *testing.T) {
	for i := 0; i < 200; i++ {
		g := resolveTestGraph(t, map[string]string{
			".env.schema.yaml": "items:\n  X: nope()\n  D: $X\n  F: fine\n  E: if(false, $D, $F)\n",
		}, Options{})

		for key, dep := range map[string]string{"D": "X", "E": "D"} {
			want := fmt.Sprintf("Dependency %s is invalid", dep)
			if !hasError(mustItem(t, g, key).Errors(), IsResolutionError, want) {
				t.Fatalf("iteration %d: expected %q on %s, got: %v", i, want, key, mustItem(t, g, key).Errors())
			}
		}
	}
}
