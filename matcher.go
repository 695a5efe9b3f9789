package bastion

import "strings"

// matchGlob checks if a pattern matches a value with simple glob support.
// "*" matches anything; a trailing '*' matches any suffix (e.g. "org:*"
// matches "org:acme").
func matchGlob(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return false
}

// matchAny reports whether any pattern matches value.
func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchGlob(p, value) {
			return true
		}
	}
	return false
}
