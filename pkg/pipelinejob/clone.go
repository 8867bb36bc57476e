package pipelinejob

import (
	"context"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/jobid"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
	"github.com/3leaps/nimbusflow/pkg/runtimeconfig"
)

// CloneOptions override values copied from the source job. Empty fields keep
// the source's value.
type CloneOptions struct {
	DisplayName       string
	JobID             string
	PipelineRoot      string
	ParameterValues   map[string]any
	EnableCaching     *bool
	EncryptionKeyName string
	Labels            map[string]string
	Project           string
	Location          string
	FailurePolicy     string
}

// Clone builds a new unsubmitted job from this job's last known request. The
// server-populated deploymentConfig is dropped and the runtime config is
// rebuilt from the source's values plus overrides. The source's output
// directory is kept unless PipelineRoot is set.
func (j *Job) Clone(_ context.Context, opts CloneOptions) (*Job, error) {
	if opts.DisplayName != "" {
		if err := ValidateDisplayName(opts.DisplayName); err != nil {
			return nil, err
		}
	}
	if opts.Labels != nil {
		if err := ValidateLabels(opts.Labels); err != nil {
			return nil, err
		}
	}

	src := j.Request()
	srcName, err := parseName(j.parent + "/pipelineJobs/" + j.jobID)
	if err != nil {
		return nil, err
	}

	spec := &pipelinespec.JobSpec{PipelineSpec: src.PipelineSpec, RuntimeConfig: src.RuntimeConfig}
	if spec.PipelineSpec == nil {
		spec.PipelineSpec = map[string]any{}
	}
	if spec.RuntimeConfig == nil {
		spec.RuntimeConfig = map[string]any{}
	}
	pipelinespec.StripDeploymentConfig(spec.PipelineSpec)
	if opts.EnableCaching != nil {
		pipelinespec.SetCaching(spec.PipelineSpec, *opts.EnableCaching)
	}

	now := j.env.clock().Now()
	id, err := jobid.AssignClone(opts.JobID, spec.PipelineName(), now)
	if err != nil {
		return nil, err
	}

	displayName := firstNonEmpty(opts.DisplayName, src.DisplayName)
	if displayName == "" {
		displayName = generatedDisplayName(now)
	}

	labels := opts.Labels
	if len(labels) == 0 {
		labels = src.Labels
	}

	enc := src.EncryptionSpec
	if opts.EncryptionKeyName != "" || enc == nil {
		enc = encryptionSpec(firstNonEmpty(opts.EncryptionKeyName, j.env.EncryptionKeyName))
	}

	rc, err := runtimeconfig.Build(spec, runtimeconfig.Options{
		PipelineRoot:  firstNonEmpty(opts.PipelineRoot, pipelinespec.StringAt(spec.RuntimeConfig, "gcsOutputDirectory")),
		Parameters:    opts.ParameterValues,
		DefaultRoot:   j.env.StagingBucket,
		FailurePolicy: opts.FailurePolicy,
	})
	if err != nil {
		return nil, err
	}

	req := &controlplane.PipelineJob{
		DisplayName:    displayName,
		PipelineSpec:   spec.PipelineSpec,
		RuntimeConfig:  rc.Map(),
		Labels:         copyLabels(labels),
		EncryptionSpec: enc,
		TemplateURI:    src.TemplateURI,
	}

	project := firstNonEmpty(opts.Project, srcName.Project)
	location := firstNonEmpty(opts.Location, srcName.Location)
	return newJob(j.env, controlplane.LocationPath(project, location), id, req, spec.IsTFX()), nil
}
