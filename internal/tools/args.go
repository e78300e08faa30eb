package tools

import (
	"fmt"
	"math"
	"strings"
)

// String returns a trimmed string argument. Non-string values are
// reported as absent.
func String(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Int returns an integer argument. JSON numbers arrive as float64;
// numeric strings are accepted too.
func Int(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
