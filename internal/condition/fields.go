package condition

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Fields is the evaluation context handed to a tree. Nested maps are
// addressed with dotted paths such as "shipping_address.country".
type Fields map[string]any

// Lookup resolves a dotted path. Nil values count as missing.
func (f Fields) Lookup(path string) (any, bool) {
	if f == nil {
		return nil, false
	}
	parts := strings.Split(strings.TrimSpace(path), ".")
	var cur any = map[string]any(f)
	for _, part := range parts {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Fields:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// plain converts the context into JSON-native values so expression leaves
// see numbers rather than quoted decimals.
func plain(v any) any {
	switch t := v.(type) {
	case Fields:
		return plain(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case decimal.Decimal:
		f, _ := t.Float64()
		return f
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
