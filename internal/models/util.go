package models

import "strings"

// normalizeTitleKey implements lower(trim(title)) for the title-uniqueness
// constraints on Observation and Knowledge.
func normalizeTitleKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
