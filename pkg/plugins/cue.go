package plugins

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/openfroyo/envgraph/pkg/datatypes"
	"github.com/openfroyo/envgraph/pkg/engine"
)

const (
	// CUEPluginName is the catalog name of the CUE plugin.
	CUEPluginName = "cue"

	cuePluginVersion = "1.0.0"
)

// cueType checks values against a CUE constraint such as
// `int & >=1024 & <65536` or `"debug" | "info" | "warn"`.
type cueType struct {
	// mu guards ctx, which is not safe for concurrent use.
	mu        *sync.Mutex
	ctx       *cue.Context
	schema    cue.Value
	expr      string
	sensitive bool
}

// CUEPlugin returns the plugin providing the cue(constraint) data type:
//
//	PORT:
//	  value: 8080
//	  decorators:
//	    type: cue("int & >=1024 & <65536")
func CUEPlugin() *engine.Plugin {
	return &engine.Plugin{
		Name:    CUEPluginName,
		Version: cuePluginVersion,
		DataTypes: []datatypes.Definition{{
			Name:        "cue",
			Description: "Value constrained by a CUE expression",
			Factory:     newCUEType,
		}},
	}
}

func newCUEType(s datatypes.Settings) (datatypes.DataType, error) {
	if len(s.Args) != 1 {
		return nil, fmt.Errorf("expects one constraint expression")
	}
	expr, ok := s.Args[0].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("constraint must be a non-empty string")
	}

	t := &cueType{mu: &sync.Mutex{}, ctx: cuecontext.New(), expr: expr}
	for k, v := range s.KwArgs {
		switch k {
		case "sensitive":
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("sensitive must be true or false")
			}
			t.sensitive = b
		default:
			return nil, fmt.Errorf("unknown setting %q", k)
		}
	}

	t.schema = t.ctx.CompileString(expr, cue.Filename("constraint.cue"))
	if err := t.schema.Err(); err != nil {
		return nil, fmt.Errorf("invalid constraint: %s", cueDetails(err))
	}
	return t, nil
}

func (t *cueType) Name() string      { return "cue" }
func (t *cueType) IsSensitive() bool { return t.sensitive }

// Coerce converts strings to numbers or booleans when the constraint only
// admits those kinds, and whole numbers to integers for int constraints.
func (t *cueType) Coerce(raw any) (any, error) {
	t.mu.Lock()
	kind := t.schema.IncompleteKind()
	t.mu.Unlock()

	if s, ok := raw.(string); ok && kind&cue.StringKind == 0 {
		s = strings.TrimSpace(s)
		switch {
		case kind&cue.NumberKind != 0:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("expected a number, got %q", s)
			}
			raw = f
		case kind&cue.BoolKind != 0:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("expected a boolean, got %q", s)
			}
			raw = b
		}
	}

	if f, ok := raw.(float64); ok && kind&cue.IntKind != 0 && kind&cue.FloatKind == 0 {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", f)
		}
		raw = int64(f)
	}
	return raw, nil
}

// Validate unifies v with the constraint and reports every conflict.
func (t *cueType) Validate(v any) []error {
	t.mu.Lock()
	defer t.mu.Unlock()

	val := t.ctx.Encode(v)
	if err := val.Err(); err != nil {
		return []error{fmt.Errorf("cannot encode value: %w", err)}
	}
	err := t.schema.Unify(val).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var out []error
	for _, e := range cueerrors.Errors(err) {
		out = append(out, fmt.Errorf("does not satisfy %s: %s", t.expr, cueDetails(e)))
	}
	return out
}

func cueDetails(err error) string {
	return strings.TrimSpace(cueerrors.Details(err, nil))
}
