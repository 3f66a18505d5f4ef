package adapter

import (
	"encoding/json"
	"strconv"
)

// paramUint reads a non-negative integer parameter. Command parameters
// arrive from JSON as float64, from Go callers as any integer type.
func paramUint(params map[string]interface{}, key string) (uint64, bool) {
	switch v := params[key].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseUint(v, 0, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
