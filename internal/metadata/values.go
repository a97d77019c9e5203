package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// number converts JSON-style numeric values to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// equal compares metadata values, treating all numeric types alike.
func equal(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

// key returns a comparable identity for any metadata value.
func key(v any) string {
	if n, ok := number(v); ok {
		return fmt.Sprintf("n:%v", n)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("?:%v", v)
	}
	return string(b)
}

// less orders numbers numerically and strings lexically. Mixed or other
// types are not ordered.
func less(a, b any) (result, ok bool) {
	if x, okA := number(a); okA {
		if y, okB := number(b); okB {
			return x < y, true
		}
		return false, false
	}
	if x, okA := a.(string); okA {
		if y, okB := b.(string); okB {
			return x < y, true
		}
	}
	return false, false
}

// typeName returns the name used by validation.types for v.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	}
	if n, ok := number(v); ok {
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return "int"
		}
		return "float"
	}
	return reflect.TypeOf(v).String()
}

// normalize converts a metadata map to plain JSON types.
func normalize(md map[string]any) (map[string]any, error) {
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
