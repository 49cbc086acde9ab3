// Package strings holds small string-slice utilities shared across the
// engine, mostly for cleaning operator-supplied configuration lists.
package strings

import "strings"

// DedupeAndTrim trims whitespace and drops duplicates and empties from a
// slice, preserving order. Broker and endpoint lists from the environment go
// through this before use.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}
	return result
}
