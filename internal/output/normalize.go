package output

import "fmt"

// NormalizeJSONValue converts decoder output (CBOR and msgpack produce
// map[any]any) into values encoding/json accepts.
func NormalizeJSONValue(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = NormalizeJSONValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = NormalizeJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = NormalizeJSONValue(val)
		}
		return out
	default:
		return v
	}
}
