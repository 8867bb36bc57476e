package pipelinespec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig is matched by every caller-side configuration error, including
// malformed templates.
var ErrConfig = errors.New("invalid job configuration")

// ErrSchemaNotFound indicates the embedded pipeline-job schema is missing.
var ErrSchemaNotFound = errors.New("pipeline job schema not found")

// ConfigError reports a caller-supplied value that cannot form a valid job.
type ConfigError struct {
	// Field names the offending input (e.g. "display_name", "pipeline_root").
	Field string

	// Message describes the failure.
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrConfig) match.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// Issue is a single structural problem in a template.
type Issue struct {
	// Path is the JSON pointer of the offending node.
	Path string

	// Message describes the problem.
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// FormatError reports a template that does not have the pipeline job shape.
type FormatError struct {
	// Source is the template path or URI, when known.
	Source string

	// Issues lists every structural problem found.
	Issues []Issue
}

func (e *FormatError) Error() string {
	var b strings.Builder
	b.WriteString("invalid pipeline template")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	switch len(e.Issues) {
	case 0:
	case 1:
		b.WriteString(": ")
		b.WriteString(e.Issues[0].String())
	default:
		fmt.Fprintf(&b, " (%d issues):", len(e.Issues))
		for _, issue := range e.Issues {
			b.WriteString("\n  - ")
			b.WriteString(issue.String())
		}
	}
	return b.String()
}

// Unwrap makes a FormatError a ConfigError kind.
func (e *FormatError) Unwrap() error {
	return ErrConfig
}
