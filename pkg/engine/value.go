package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/openfroyo/envgraph/pkg/datatypes"
)

// isEmpty reports whether a resolved value is undefined or the empty string.
func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// truthy coerces a resolved value to a boolean. Strings "false" and "0" are
// false, matching how they read in an environment file.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "0":
			return false
		}
		return true
	default:
		return true
	}
}

// strictEqual compares two resolved values without type coercion.
func strictEqual(a, b interface{}) bool {
	ra, aIsRe := a.(*regexp.Regexp)
	rb, bIsRe := b.(*regexp.Regexp)
	if aIsRe || bIsRe {
		return aIsRe && bIsRe && ra.String() == rb.String()
	}
	return a == b
}

// normalizeValue maps plugin results onto the engine's value set.
func normalizeValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, string, float64, bool, *regexp.Regexp:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func valueString(v interface{}) string {
	if re, ok := v.(*regexp.Regexp); ok {
		return re.String()
	}
	return datatypes.ToString(v)
}
