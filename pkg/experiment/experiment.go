// Package experiment links pipeline runs to metadata-store experiments and
// reads back the parameters and metrics a run recorded.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

// Metadata schema titles.
const (
	SchemaExperiment  = "system.Experiment"
	SchemaPipelineRun = "system.PipelineRun"
	SchemaRun         = "system.Run"
	SchemaMetrics     = "system.Metrics"
)

// ParamPrefix marks pipeline input parameters in run execution metadata.
const ParamPrefix = "input:"

// Defaults for FindContext polling.
const (
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 600
)

// ErrLineageNotFound is matched by every LineageNotFoundError.
var ErrLineageNotFound = errors.New("pipeline run context not found")

// LineageNotFoundError reports a run whose pipeline-run context never
// appeared.
type LineageNotFoundError struct {
	Job   string
	State controlplane.State

	// Cause is the remote error payload when the job failed.
	Cause *controlplane.Status
}

func (e *LineageNotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot associate pipeline job %s to experiment: job failed: %s", e.Job, e.Cause.Message)
	}
	return fmt.Sprintf("cannot associate pipeline job %s to experiment: pipeline run context not found (state %s)", e.Job, e.State.Short())
}

func (e *LineageNotFoundError) Unwrap() error {
	return ErrLineageNotFound
}

// Run is the view of a pipeline job the associator needs.
type Run interface {
	// WaitForResourceCreation blocks until the job has a resource name.
	WaitForResourceCreation(ctx context.Context) error

	// Refresh re-reads the remote resource.
	Refresh(ctx context.Context) (*controlplane.PipelineJob, error)
}

// Options configures an Associator.
type Options struct {
	// Project and Location resolve bare experiment names.
	Project  string
	Location string

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// MaxAttempts bounds context polling; zero means DefaultMaxAttempts,
	// negative means unbounded.
	MaxAttempts int

	// After replaces time.After (tests).
	After func(time.Duration) <-chan time.Time

	Logger *zap.Logger
}

// Associator performs experiment lookups against a metadata store.
type Associator struct {
	md          controlplane.MetadataClient
	project     string
	location    string
	poll        time.Duration
	maxAttempts int
	after       func(time.Duration) <-chan time.Time
	logger      *zap.Logger
}

// New returns an Associator using md.
func New(md controlplane.MetadataClient, opts Options) *Associator {
	a := &Associator{
		md:          md,
		project:     opts.Project,
		location:    opts.Location,
		poll:        opts.PollInterval,
		maxAttempts: opts.MaxAttempts,
		after:       opts.After,
		logger:      opts.Logger,
	}
	if a.poll <= 0 {
		a.poll = DefaultPollInterval
	}
	if a.maxAttempts == 0 {
		a.maxAttempts = DefaultMaxAttempts
	}
	if a.after == nil {
		a.after = time.After
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// ContextName resolves an experiment name or full context resource name.
func (a *Associator) ContextName(experiment string) string {
	if strings.Contains(experiment, "/") {
		return experiment
	}
	return controlplane.ContextPath(a.project, a.location, experiment)
}

// Validate checks that experiment exists and is an experiment context.
func (a *Associator) Validate(ctx context.Context, experiment string) (*controlplane.Context, error) {
	if strings.TrimSpace(experiment) == "" {
		return nil, errors.New("experiment name is empty")
	}
	name := a.ContextName(experiment)
	c, err := a.md.GetContext(ctx, name)
	if err != nil {
		if controlplane.IsNotFound(err) {
			return nil, fmt.Errorf("experiment %s does not exist: %w", experiment, err)
		}
		return nil, err
	}
	if c.SchemaTitle != SchemaExperiment {
		return nil, fmt.Errorf("context %s has schema %q, not %s", name, c.SchemaTitle, SchemaExperiment)
	}
	return c, nil
}

// FindContext polls run until its pipeline-run context appears. It gives up
// when the job reaches a terminal state or after the attempt bound.
func (a *Associator) FindContext(ctx context.Context, run Run) (*controlplane.Context, error) {
	if err := run.WaitForResourceCreation(ctx); err != nil {
		return nil, err
	}

	var job *controlplane.PipelineJob
	for attempt := 1; ; attempt++ {
		var err error
		job, err = run.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		if job.JobDetail != nil && job.JobDetail.PipelineRunContext != nil && job.JobDetail.PipelineRunContext.Name != "" {
			return job.JobDetail.PipelineRunContext, nil
		}
		if job.State.IsTerminal() {
			break
		}
		if a.maxAttempts > 0 && attempt >= a.maxAttempts {
			a.logger.Warn("Gave up waiting for pipeline run context",
				zap.String("job", job.Name),
				zap.Int("attempts", attempt))
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.after(a.poll):
		}
	}

	lnf := &LineageNotFoundError{Job: job.Name, State: job.State}
	if job.State.IsError() {
		lnf.Cause = job.Error
	}
	return nil, lnf
}

// Associate adds the run's pipeline-run context to the experiment context.
func (a *Associator) Associate(ctx context.Context, run Run, experiment string) error {
	exp, err := a.Validate(ctx, experiment)
	if err != nil {
		return err
	}
	runCtx, err := a.FindContext(ctx, run)
	if err != nil {
		return err
	}
	if err := a.md.AddContextChildren(ctx, exp.Name, []string{runCtx.Name}); err != nil {
		return err
	}
	a.logger.Info("Associated pipeline run with experiment",
		zap.String("experiment", exp.Name),
		zap.String("context", runCtx.Name))
	return nil
}

// Row is one experiment-run row: the run's input parameters and merged
// metrics.
type Row struct {
	RunType string         `json:"run_type"`
	Name    string         `json:"name"`
	State   string         `json:"state,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// QueryRow reads parameters from the first system.Run execution in runCtx and
// merges the metadata of every system.Metrics artifact, later artifacts
// winning on key collisions.
func (a *Associator) QueryRow(ctx context.Context, runCtx *controlplane.Context) (*Row, error) {
	store := storeOf(runCtx.Name)

	execs, err := a.md.ListExecutions(ctx, store, filterString(runCtx.Name, SchemaRun))
	if err != nil {
		return nil, err
	}
	arts, err := a.md.ListArtifacts(ctx, store, filterString(runCtx.Name, SchemaMetrics))
	if err != nil {
		return nil, err
	}

	row := &Row{RunType: runCtx.SchemaTitle, Name: runCtx.DisplayName}
	if len(execs) > 0 {
		row.State = execs[0].State
		row.Params = make(map[string]any, len(execs[0].Metadata))
		for k, v := range execs[0].Metadata {
			row.Params[strings.TrimPrefix(k, ParamPrefix)] = v
		}
	}
	for _, art := range arts {
		if row.Metrics == nil {
			row.Metrics = map[string]any{}
		}
		for k, v := range art.Metadata {
			row.Metrics[k] = v
		}
	}
	return row, nil
}

func filterString(contextName, schemaTitle string) string {
	return fmt.Sprintf("in_context(%q) AND schema_title=%q", contextName, schemaTitle)
}

// storeOf returns the metadata store that owns a context resource name.
func storeOf(contextName string) string {
	if i := strings.Index(contextName, "/contexts/"); i >= 0 {
		return contextName[:i]
	}
	return contextName
}
