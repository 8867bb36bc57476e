// Package jobid derives and validates pipeline job identifiers.
package jobid

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Pattern is the set of identifiers the control plane accepts.
const Pattern = `^[a-z][-a-z0-9]{0,127}$`

// TimestampLayout is appended to derived identifiers (YYYYMMDDHHMMSS).
const TimestampLayout = "20060102150405"

// ClonePrefix starts every derived clone identifier.
const ClonePrefix = "cloned-"

var (
	validPattern = regexp.MustCompile(Pattern)
	unsafeRuns   = regexp.MustCompile(`[^-0-9a-z]+`)
)

// ValidationError reports an identifier outside Pattern. It is raised before
// any network call.
type ValidationError struct {
	ID string

	// Derived is true when the identifier was generated from a pipeline name.
	Derived bool
}

func (e *ValidationError) Error() string {
	kind := "job ID"
	if e.Derived {
		kind = "generated job ID"
	}
	return fmt.Sprintf("%s %q is not a valid pipeline job ID: expecting an ID matching %q", kind, e.ID, Pattern[1:len(Pattern)-1])
}

// Sanitize lowercases name, replaces runs of characters outside [-0-9a-z]
// with a single hyphen, and trims leading and trailing hyphens.
func Sanitize(name string) string {
	return strings.Trim(unsafeRuns.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Assign returns explicit when set, otherwise "<sanitized name>-<timestamp>".
// The result is validated either way.
func Assign(explicit, pipelineName string, now time.Time) (string, error) {
	return assign(explicit, "", pipelineName, now)
}

// AssignClone is Assign with the clone prefix on derived identifiers.
func AssignClone(explicit, pipelineName string, now time.Time) (string, error) {
	return assign(explicit, ClonePrefix, pipelineName, now)
}

func assign(explicit, prefix, pipelineName string, now time.Time) (string, error) {
	if explicit != "" {
		return explicit, Validate(explicit)
	}
	id := prefix + Sanitize(pipelineName) + "-" + now.Format(TimestampLayout)
	if !validPattern.MatchString(id) {
		return "", &ValidationError{ID: id, Derived: true}
	}
	return id, nil
}

// Validate checks id against Pattern.
func Validate(id string) error {
	if !validPattern.MatchString(id) {
		return &ValidationError{ID: id}
	}
	return nil
}
