package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

func compare(op Operator, actual, expected any) bool {
	switch op {
	case OpEq:
		return equal(actual, expected)
	case OpNeq:
		return !equal(actual, expected)
	case OpGt, OpGte, OpLt, OpLte:
		a, ok := toDecimal(actual)
		if !ok {
			return false
		}
		b, ok := toDecimal(expected)
		if !ok {
			return false
		}
		c := a.Cmp(b)
		switch op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn:
		return member(actual, toList(expected))
	case OpNotIn:
		return !member(actual, toList(expected))
	case OpContains:
		if list := toList(actual); list != nil {
			return member(expected, list)
		}
		s, ok := actual.(string)
		if !ok {
			return false
		}
		return strings.Contains(normalize(s), normalize(fmt.Sprint(expected)))
	case OpPrefix:
		s, ok := actual.(string)
		if !ok {
			return false
		}
		return strings.HasPrefix(normalize(s), normalize(fmt.Sprint(expected)))
	default:
		return false
	}
}

func equal(a, b any) bool {
	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Equal(db)
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return normalize(fmt.Sprint(a)) == normalize(fmt.Sprint(b))
}

func member(v any, list []any) bool {
	for _, candidate := range list {
		if equal(v, candidate) {
			return true
		}
	}
	return false
}

func toList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	default:
		return nil
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case *decimal.Decimal:
		if t == nil {
			return decimal.Zero, false
		}
		return *t, true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int32:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case float64:
		return decimal.NewFromFloat(t), true
	case float32:
		return decimal.NewFromFloat32(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return decimal.Zero, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
