package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/envgraph/pkg/engine"
	"github.com/openfroyo/envgraph/pkg/telemetry"
)

const (
	// StarlarkPluginName is the catalog name of the Starlark plugin.
	StarlarkPluginName = "starlark"

	starlarkPluginVersion = "1.0.0"

	// starlarkMaxSteps bounds the work a single evaluation may do.
	starlarkMaxSteps = 1_000_000
)

// StarlarkEvaluator evaluates Starlark expressions and scripts for the
// starlark() resolver.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 5 seconds.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Eval runs src with vars predeclared and returns the global named value.
// A single-line src is treated as an expression and assigned to value.
func (se *StarlarkEvaluator) Eval(ctx context.Context, src string, vars map[string]interface{}) (interface{}, error) {
	if expr := strings.TrimSpace(src); !strings.Contains(expr, "\n") && !isValueAssignment(expr) {
		src = "value = (" + expr + ")\n"
	}

	thread := &starlark.Thread{
		Name:  "envgraph",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(starlarkMaxSteps)

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, v := range vars {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		predeclared[name] = sv
	}

	globals, err := starlark.ExecFile(thread, "resolver.star", src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation failed: %w", err)
	}

	value, ok := globals["value"]
	if !ok {
		return nil, fmt.Errorf("script must assign a global named value")
	}
	out, err := fromStarlarkValue(value)
	if err != nil {
		return nil, err
	}

	// Composite results are handed to the engine as JSON text.
	switch out.(type) {
	case []interface{}, map[string]interface{}:
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		return string(data), nil
	}
	return out, nil
}

// StarlarkPlugin returns the plugin providing starlark(src, name=value...).
// Keyed arguments are predeclared as variables:
//
//	PORT_PLUS_ONE: starlark("port + 1", port=$PORT)
func StarlarkPlugin(timeout time.Duration) *engine.Plugin {
	se := NewStarlarkEvaluator(timeout)
	return &engine.Plugin{
		Name:    StarlarkPluginName,
		Version: starlarkPluginVersion,
		Resolvers: []*engine.ResolverFunc{{
			Name:        "starlark",
			Description: "Evaluate a Starlark expression or script",
			Shape:       engine.ArgShape{Mode: engine.ArgsMixed, MinArgs: 1, MaxArgs: 1, MaxKwArgs: -1},
			Process: func(args []*engine.Resolver, _ []engine.NamedResolver) (interface{}, error) {
				if len(args) == 0 {
					return nil, fmt.Errorf("requires a source argument")
				}
				src, ok := args[0].StaticString()
				if !ok || strings.TrimSpace(src) == "" {
					return nil, fmt.Errorf("source must be a non-empty static string")
				}
				return src, nil
			},
			Resolve: func(ctx context.Context, state interface{}, _ []interface{}, kwArgs map[string]interface{}) (interface{}, error) {
				src, _ := state.(string)
				var out interface{}
				err := telemetry.RecordPluginCall(ctx, StarlarkPluginName, "starlark", func() error {
					v, err := se.Eval(ctx, src, kwArgs)
					out = v
					return err
				})
				return out, err
			},
		}},
	}
}

func isValueAssignment(line string) bool {
	rest, ok := strings.CutPrefix(line, "value")
	if !ok {
		return false
	}
	rest = strings.TrimSpace(rest)
	return strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==")
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		// Whole numbers become ints so arithmetic and indexing behave.
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromStarlarkIterable(val, val.Len())
	case starlark.Tuple:
		return fromStarlarkIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkIterable(seq starlark.Indexable, n int) (interface{}, error) {
	list := make([]interface{}, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
