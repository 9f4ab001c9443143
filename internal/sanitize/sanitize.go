// Package sanitize redacts sensitive-looking argument values before they
// reach the audit log or a worker. Workers never see raw secrets from
// agent input unless the key name clears the filter.
package sanitize

import (
	"regexp"
	"unicode/utf8"
)

// sensitiveKey matches argument keys whose values must be redacted.
var sensitiveKey = regexp.MustCompile(`(?i)password|pass|secret|token|api[_-]?key|cvv|card|ssn|credit`)

const (
	// Redacted replaces any value whose key matches sensitiveKey.
	Redacted = "[REDACTED]"

	// maxStringLen caps string values; longer values are truncated with
	// an ellipsis suffix.
	maxStringLen = 200
)

// Args returns a sanitized copy of args. The input map is not mutated.
func Args(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}

	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		if sensitiveKey.MatchString(key) {
			out[key] = Redacted
			continue
		}
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return truncate(v)
	case map[string]interface{}:
		return Args(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return value
	}
}

func truncate(s string) string {
	if len(s) <= maxStringLen {
		return s
	}
	// Cut on a rune boundary so the ellipsis never splits UTF-8.
	cut := maxStringLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
