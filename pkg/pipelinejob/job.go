// Package pipelinejob is the client-side lifecycle of a remote pipeline job:
// build a request from a template, submit it, and observe it until it
// reaches a terminal state.
package pipelinejob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/jobid"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
	"github.com/3leaps/nimbusflow/pkg/runtimeconfig"
)

// DashboardURLFormat is the console page of a run: location, job ID, project.
const DashboardURLFormat = "https://console.cloud.google.com/vertex-ai/locations/%s/pipelines/runs/%s?project=%s"

// Options configure a new job. Only Template-derived values are required.
type Options struct {
	// DisplayName defaults to a generated "PipelineJob <timestamp>".
	DisplayName string

	// JobID defaults to "<pipeline name>-<timestamp>".
	JobID string

	// PipelineRoot overrides the template and staging bucket roots.
	PipelineRoot string

	// ParameterValues override template parameters key by key.
	ParameterValues map[string]any

	// EnableCaching, when set, overrides every task's cache setting.
	EnableCaching *bool

	// EncryptionKeyName overrides Env.EncryptionKeyName.
	EncryptionKeyName string

	Labels map[string]string

	// Project and Location override the Env defaults.
	Project  string
	Location string

	// FailurePolicy is "fast", "slow", or empty.
	FailurePolicy string
}

// Job is one pipeline job, submitted or not. A Job is not safe for use by
// several callers at once, except that WaitForResourceCreation may be called
// from any goroutine.
type Job struct {
	env    Env
	logger *zap.Logger

	parent string
	jobID  string
	tfx    bool

	mu        sync.Mutex
	request   *controlplane.PipelineJob
	resource  *controlplane.PipelineJob
	created   chan struct{}
	closeOnce sync.Once
}

// New loads template through env.Fetcher and builds an unsubmitted job.
func New(ctx context.Context, env Env, template string, opts Options) (*Job, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if env.Fetcher == nil {
		return nil, &ConfigError{Field: "template", Message: "no template fetcher configured"}
	}
	spec, err := pipelinespec.Load(ctx, env.Fetcher, template)
	if err != nil {
		return nil, err
	}
	return FromSpec(env, spec, template, opts)
}

// FromSpec builds an unsubmitted job from an already loaded template. spec is
// copied; template is only used to record a registry templateUri.
func FromSpec(env Env, spec *pipelinespec.JobSpec, template string, opts Options) (*Job, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	project, location := firstNonEmpty(opts.Project, env.Project), firstNonEmpty(opts.Location, env.Location)
	if project == "" || location == "" {
		return nil, &ConfigError{Field: "project", Message: "project and location are required"}
	}

	spec = spec.DeepCopy()
	rc, err := runtimeconfig.Build(spec, runtimeconfig.Options{
		PipelineRoot:  opts.PipelineRoot,
		Parameters:    opts.ParameterValues,
		DefaultRoot:   env.StagingBucket,
		FailurePolicy: opts.FailurePolicy,
	})
	if err != nil {
		return nil, err
	}

	now := env.clock().Now()
	id, err := jobid.Assign(opts.JobID, spec.PipelineName(), now)
	if err != nil {
		return nil, err
	}

	if opts.EnableCaching != nil {
		pipelinespec.SetCaching(spec.PipelineSpec, *opts.EnableCaching)
	}

	displayName := opts.DisplayName
	if displayName == "" {
		displayName = generatedDisplayName(now)
	}

	req := &controlplane.PipelineJob{
		DisplayName:    displayName,
		PipelineSpec:   spec.PipelineSpec,
		RuntimeConfig:  rc.Map(),
		Labels:         copyLabels(opts.Labels),
		EncryptionSpec: encryptionSpec(firstNonEmpty(opts.EncryptionKeyName, env.EncryptionKeyName)),
	}
	if pipelinespec.IsRegistryURI(template) {
		req.TemplateURI = template
	}

	return newJob(env, controlplane.LocationPath(project, location), id, req, spec.IsTFX()), nil
}

func newJob(env Env, parent, id string, req *controlplane.PipelineJob, tfx bool) *Job {
	return &Job{
		env:     env,
		logger:  env.logger(),
		parent:  parent,
		jobID:   id,
		tfx:     tfx,
		request: req,
		created: make(chan struct{}),
	}
}

// fromResource wraps an existing remote job.
func fromResource(env Env, res *controlplane.PipelineJob) (*Job, error) {
	name, err := controlplane.ParseJobName(res.Name, "", "")
	if err != nil {
		return nil, err
	}
	j := newJob(env, name.Parent(), name.ID, res, strings.HasPrefix(pipelinespec.StringAt(res.PipelineSpec, "sdkVersion"), "tfx"))
	j.setResource(res)
	return j, nil
}

func validateOptions(opts Options) error {
	if opts.DisplayName != "" {
		if err := ValidateDisplayName(opts.DisplayName); err != nil {
			return err
		}
	}
	return ValidateLabels(opts.Labels)
}

func generatedDisplayName(now time.Time) string {
	return "PipelineJob " + now.Format("2006-01-02 15:04:05.000000")
}

func encryptionSpec(key string) *controlplane.EncryptionSpec {
	if key == "" {
		return nil
	}
	return &controlplane.EncryptionSpec{KMSKeyName: key}
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// JobID returns the identifier the job is (or will be) created with.
func (j *Job) JobID() string { return j.jobID }

// Parent returns projects/{project}/locations/{location}.
func (j *Job) Parent() string { return j.parent }

// ResourceName returns the full resource name once submitted, else "".
func (j *Job) ResourceName() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resource == nil {
		return ""
	}
	return j.resource.Name
}

// Request returns a copy of the last known request or resource.
func (j *Job) Request() *controlplane.PipelineJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return copyJob(j.request)
}

// Submitted reports whether the remote resource exists.
func (j *Job) Submitted() bool {
	select {
	case <-j.created:
		return true
	default:
		return false
	}
}

// DashboardURI returns the console link for the job.
func (j *Job) DashboardURI() string {
	name, err := controlplane.ParseJobName(j.parent+"/pipelineJobs/"+j.jobID, "", "")
	if err != nil {
		return ""
	}
	return fmt.Sprintf(DashboardURLFormat, name.Location, name.ID, name.Project)
}

func (j *Job) setResource(res *controlplane.PipelineJob) {
	j.mu.Lock()
	j.resource = res
	j.request = res
	j.mu.Unlock()
	j.closeOnce.Do(func() { close(j.created) })
}

func (j *Job) current() *controlplane.PipelineJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resource
}

// Refresh re-reads the remote resource.
func (j *Job) Refresh(ctx context.Context) (*controlplane.PipelineJob, error) {
	res := j.current()
	if res == nil {
		return nil, ErrNotSubmitted
	}
	fresh, err := j.env.Client.Get(ctx, res.Name)
	if err != nil {
		return nil, err
	}
	j.setResource(fresh)
	return copyJob(fresh), nil
}

// WaitForResourceCreation blocks until Submit has created the resource.
func (j *Job) WaitForResourceCreation(ctx context.Context) error {
	select {
	case <-j.created:
		return nil
	case <-ctx.Done():
		return abandoned(ctx.Err())
	}
}

func copyJob(in *controlplane.PipelineJob) *controlplane.PipelineJob {
	if in == nil {
		return nil
	}
	out := *in
	out.PipelineSpec = pipelinespec.CopyMap(in.PipelineSpec)
	out.RuntimeConfig = pipelinespec.CopyMap(in.RuntimeConfig)
	out.Labels = copyLabels(in.Labels)
	if in.EncryptionSpec != nil {
		es := *in.EncryptionSpec
		out.EncryptionSpec = &es
	}
	return &out
}

// isContextErr reports whether err came from ctx ending, or from a caller
// that gave up early because ctx's deadline could not be met.
func isContextErr(ctx context.Context, err error) bool {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	_, ok := ctx.Deadline()
	return ok && errors.Is(err, context.DeadlineExceeded)
}

// contextCause returns ctx.Err(), or err when ctx has not ended yet.
func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
