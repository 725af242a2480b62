// Package textutil holds small string helpers shared by request parsing and search.
package textutil

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeStringMap trims keys and values, dropping entries whose key or value is blank.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Fold returns the Unicode case-folded form of value for caseless comparisons.
func Fold(value string) string {
	return cases.Fold().String(value)
}

// ContainsFold reports whether any of the haystacks contains needle, ignoring case.
// An empty needle matches everything.
func ContainsFold(needle string, haystacks ...string) bool {
	needle = Fold(strings.TrimSpace(needle))
	if needle == "" {
		return true
	}
	for _, haystack := range haystacks {
		if haystack == "" {
			continue
		}
		if strings.Contains(Fold(haystack), needle) {
			return true
		}
	}
	return false
}
