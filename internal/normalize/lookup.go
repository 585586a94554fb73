package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// lookup is the one field-access helper for vendor payloads. Aliases are
// tried in the given priority order, so camelCase/snake_case variance is
// handled in exactly one place instead of ad hoc fallbacks at call sites.
func lookup(m map[string]any, aliases ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, key := range aliases {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupString(m map[string]any, aliases ...string) string {
	v, ok := lookup(m, aliases...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func lookupMap(m map[string]any, aliases ...string) map[string]any {
	v, ok := lookup(m, aliases...)
	if !ok {
		return nil
	}
	mm, _ := v.(map[string]any)
	return mm
}

func lookupSlice(m map[string]any, aliases ...string) []any {
	v, ok := lookup(m, aliases...)
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

func lookupInt64(m map[string]any, aliases ...string) int64 {
	v, ok := lookup(m, aliases...)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0
		}
		return parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func lookupTime(m map[string]any, aliases ...string) time.Time {
	raw := lookupString(m, aliases...)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// money reads a Square money object: {"amount": <cents>, "currency": "USD"}.
func money(m map[string]any, aliases ...string) (int64, string) {
	node := lookupMap(m, aliases...)
	if node == nil {
		return 0, ""
	}
	return lookupInt64(node, "amount"), lookupString(node, "currency")
}
