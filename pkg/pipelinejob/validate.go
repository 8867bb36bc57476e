package pipelinejob

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Limits enforced before a request is sent.
const (
	MaxDisplayNameLength = 128
	MaxLabels            = 64
)

var (
	labelKeyPattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	labelValuePattern = regexp.MustCompile(`^[a-z0-9_-]{0,63}$`)
)

// ValidateDisplayName requires a non-empty name of at most 128 characters.
func ValidateDisplayName(name string) error {
	if name == "" {
		return &ConfigError{Field: "display_name", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(name); n > MaxDisplayNameLength {
		return &ConfigError{Field: "display_name", Message: fmt.Sprintf("is %d characters, limit %d", n, MaxDisplayNameLength)}
	}
	return nil
}

// ValidateLabels checks label count, key and value syntax.
func ValidateLabels(labels map[string]string) error {
	if len(labels) > MaxLabels {
		return &ConfigError{Field: "labels", Message: fmt.Sprintf("%d labels, limit %d", len(labels), MaxLabels)}
	}
	for k, v := range labels {
		if !labelKeyPattern.MatchString(k) {
			return &ConfigError{Field: "labels", Message: fmt.Sprintf("key %q must match %s", k, labelKeyPattern)}
		}
		if !labelValuePattern.MatchString(v) {
			return &ConfigError{Field: "labels", Message: fmt.Sprintf("value %q for key %q must match %s", v, k, labelValuePattern)}
		}
	}
	return nil
}
