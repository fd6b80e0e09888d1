package httpmetrics

import (
	"strings"
)

var knownPaths = map[string]bool{
	"/health":                    true,
	"/metrics":                   true,
	"/api/prekeys/status":        true,
	"/api/prekeys/check":         true,
	"/api/prekeys/refresh":       true,
	"/api/prekeys/upgrade":       true,
	"/api/prekeys/number-change": true,
}

// NormalizePath keeps label cardinality bounded: unknown paths collapse to a
// single value and numeric segments become {param}.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	path = strings.TrimSuffix(path, "/")
	if knownPaths[path] {
		return path
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isNumeric(part) {
			parts[i] = "{param}"
		}
	}
	if normalized := strings.Join(parts, "/"); knownPaths[normalized] {
		return normalized
	}
	return "other"
}

func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
