// Package runtimeconfig builds the runtime config a pipeline job is
// submitted with: output root, parameter values, and input artifacts.
package runtimeconfig

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
)

// Failure policies accepted by the control plane.
const (
	FailurePolicyFast = "PIPELINE_FAILURE_POLICY_FAIL_FAST"
	FailurePolicySlow = "PIPELINE_FAILURE_POLICY_FAIL_SLOW"
)

// RuntimeConfig is the runtimeConfig of a job request.
type RuntimeConfig struct {
	// GCSOutputDirectory is the pipeline root. Never empty after Build.
	GCSOutputDirectory string `json:"gcsOutputDirectory"`

	// ParameterValues are the effective input parameters.
	ParameterValues map[string]any `json:"parameterValues,omitempty"`

	// Parameters are legacy typed parameter values, passed through untouched.
	Parameters map[string]any `json:"parameters,omitempty"`

	// InputArtifacts map input names to artifact references.
	InputArtifacts map[string]any `json:"inputArtifacts,omitempty"`

	// FailurePolicy is one of the FailurePolicy* constants, or empty.
	FailurePolicy string `json:"failurePolicy,omitempty"`
}

// Options are the caller overrides applied on top of the template.
type Options struct {
	// PipelineRoot overrides every other root source.
	PipelineRoot string

	// Parameters override template parameter values key by key.
	Parameters map[string]any

	// DefaultRoot is the process-wide fallback (usually the staging bucket).
	DefaultRoot string

	// FailurePolicy is "fast", "slow", or empty for the service default.
	FailurePolicy string
}

// Build merges template defaults with caller overrides.
//
// Root precedence: opts.PipelineRoot, pipelineSpec.defaultPipelineRoot,
// runtimeConfig.gcsOutputDirectory, opts.DefaultRoot. When all are empty
// Build returns a *pipelinespec.ConfigError. spec is not modified.
func Build(spec *pipelinespec.JobSpec, opts Options) (*RuntimeConfig, error) {
	if spec == nil {
		return nil, &pipelinespec.ConfigError{Field: "template", Message: "no pipeline spec"}
	}

	root := firstNonEmpty(
		opts.PipelineRoot,
		spec.DefaultPipelineRoot(),
		pipelinespec.StringAt(spec.RuntimeConfig, "gcsOutputDirectory"),
		opts.DefaultRoot,
	)
	if root == "" {
		return nil, &pipelinespec.ConfigError{
			Field:   "pipeline_root",
			Message: "no pipeline root: pass one explicitly, set defaultPipelineRoot in the template, or configure a staging bucket",
		}
	}
	root, err := absRoot(root)
	if err != nil {
		return nil, err
	}

	policy, err := failurePolicy(opts.FailurePolicy)
	if err != nil {
		return nil, err
	}
	if policy == "" {
		policy = pipelinespec.StringAt(spec.RuntimeConfig, "failurePolicy")
	}

	rc := &RuntimeConfig{
		GCSOutputDirectory: root,
		ParameterValues:    pipelinespec.CopyMap(pipelinespec.MapAt(spec.RuntimeConfig, "parameterValues")),
		Parameters:         pipelinespec.CopyMap(pipelinespec.MapAt(spec.RuntimeConfig, "parameters")),
		InputArtifacts:     pipelinespec.CopyMap(pipelinespec.MapAt(spec.RuntimeConfig, "inputArtifacts")),
		FailurePolicy:      policy,
	}
	if len(opts.Parameters) > 0 && rc.ParameterValues == nil {
		rc.ParameterValues = make(map[string]any, len(opts.Parameters))
	}
	for k, v := range opts.Parameters {
		rc.ParameterValues[k] = v
	}
	return rc, nil
}

// Map returns the config as a generic JSON object.
func (rc *RuntimeConfig) Map() map[string]any {
	m := map[string]any{"gcsOutputDirectory": rc.GCSOutputDirectory}
	if rc.ParameterValues != nil {
		m["parameterValues"] = pipelinespec.CopyMap(rc.ParameterValues)
	}
	if rc.Parameters != nil {
		m["parameters"] = pipelinespec.CopyMap(rc.Parameters)
	}
	if rc.InputArtifacts != nil {
		m["inputArtifacts"] = pipelinespec.CopyMap(rc.InputArtifacts)
	}
	if rc.FailurePolicy != "" {
		m["failurePolicy"] = rc.FailurePolicy
	}
	return m
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// absRoot makes local filesystem roots absolute; URIs are left alone.
func absRoot(root string) (string, error) {
	if strings.Contains(root, "://") {
		return root, nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", &pipelinespec.ConfigError{Field: "pipeline_root", Message: fmt.Sprintf("resolve %q: %v", root, err)}
	}
	return abs, nil
}

func failurePolicy(v string) (string, error) {
	switch strings.ToLower(v) {
	case "":
		return "", nil
	case "fast":
		return FailurePolicyFast, nil
	case "slow":
		return FailurePolicySlow, nil
	default:
		return "", &pipelinespec.ConfigError{Field: "failure_policy", Message: fmt.Sprintf("%q is not one of fast, slow", v)}
	}
}
