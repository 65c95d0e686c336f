package utils

import (
	"path"
	"strings"
)

// GlobMatch checks if a value matches a glob pattern (path.Match semantics).
// Pattern "*" matches everything and patterns without wildcards are compared exactly.
// Invalid patterns return false and the error.
//
//	GlobMatch("*@example.com", "ops@example.com") → true, nil
//	GlobMatch("ops@example.com", "dev@example.com") → false, nil
//	GlobMatch("[invalid", "test")                 → false, syntax error
func GlobMatch(pattern, value string) (bool, error) {
	if pattern == "*" {
		return true, nil
	}
	if strings.ContainsAny(pattern, "*?[") {
		return path.Match(pattern, value)
	}
	return pattern == value, nil
}

// GlobMatchAny checks if any pattern in the list matches the value.
// Patterns that fail to parse are skipped.
func GlobMatchAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if matched, _ := GlobMatch(pattern, value); matched {
			return true
		}
	}
	return false
}

// RecipientAllowed reports whether an email address matches the allowlist. Matching
// is case-insensitive and an empty allowlist allows every recipient.
func RecipientAllowed(allowlist []string, address string) bool {
	if len(allowlist) == 0 {
		return true
	}
	patterns := make([]string, len(allowlist))
	for i, pattern := range allowlist {
		patterns[i] = strings.ToLower(pattern)
	}
	return GlobMatchAny(patterns, strings.ToLower(strings.TrimSpace(address)))
}
