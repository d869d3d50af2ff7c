package util

import "strings"

// Truthy reports whether s, after trimming and lowercasing, spells a
// common affirmative value.
func Truthy(s string) bool {
	normalized := strings.ToLower(strings.Trim(s, " "))
	return normalized == "true" || normalized == "1" || normalized == "yes"
}
