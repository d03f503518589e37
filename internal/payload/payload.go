// Package payload reads loosely typed JSON documents decoded into
// map[string]any, tolerating numbers sent as strings.
package payload

import (
	"encoding/json"
	"strconv"
	"strings"
)

func Map(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func Slice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// String returns the first non-empty string value among keys.
func String(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := StringOf(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func StringOf(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

// Float returns the first numeric value among keys, or 0.
func Float(m map[string]any, keys ...string) float64 {
	f, _ := LookupFloat(m, keys...)
	return f
}

// LookupFloat is Float that reports whether any key held a number.
func LookupFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := FloatOf(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// FloatOf accepts numbers and numeric strings, which may carry thousands
// separators.
func FloatOf(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(val), ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func Int(v any, fallback int) int {
	if f, ok := FloatOf(v); ok {
		return int(f)
	}
	return fallback
}
