package engine

import (
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{\s*context\.([A-Za-z0-9_.-]+)\s*\}\}`)

// SubstituteTemplates replaces {{context.key}} placeholders in s with
// values from the execution context. Dotted keys traverse nested maps.
// Unresolvable placeholders substitute the empty string.
func SubstituteTemplates(s string, context map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		key := templatePattern.FindStringSubmatch(match)[1]
		if v, ok := lookupContext(context, key); ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// lookupContext resolves a possibly-dotted key against nested maps.
func lookupContext(context map[string]interface{}, key string) (interface{}, bool) {
	var current interface{} = context
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// substituteValues applies template substitution to every string leaf of
// a data map, returning a new map.
func substituteValues(data, context map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case string:
			out[k] = SubstituteTemplates(t, context)
		case map[string]interface{}:
			out[k] = substituteValues(t, context)
		default:
			out[k] = v
		}
	}
	return out
}
