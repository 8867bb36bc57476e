package pipelinejob

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/nimbusflow/pkg/experiment"
)

// SubmitOptions are the per-submission settings.
type SubmitOptions struct {
	// ServiceAccount is the run-as identity.
	ServiceAccount string

	// Network is the VPC to peer with (projects/{n}/global/networks/{name}).
	Network string

	// CreateRequestTimeout bounds the create call; zero means ctx only.
	CreateRequestTimeout time.Duration

	// Experiment names an experiment to link the run to after creation.
	Experiment string
}

// Submit creates the remote job. It makes exactly one create call and does
// not wait for the job to run.
func (j *Job) Submit(ctx context.Context, opts SubmitOptions) error {
	if j.Submitted() {
		return ErrAlreadySubmitted
	}

	j.mu.Lock()
	req := copyJob(j.request)
	j.mu.Unlock()
	if opts.ServiceAccount != "" {
		req.ServiceAccount = opts.ServiceAccount
	}
	if opts.Network != "" {
		req.Network = opts.Network
	}

	if j.tfx && j.env.Level != nil && !j.env.Level.Enabled(zapcore.InfoLevel) {
		j.env.Level.SetLevel(zapcore.InfoLevel)
	}

	var assoc *experiment.Associator
	if opts.Experiment != "" {
		assoc = j.associator()
		if _, err := assoc.Validate(ctx, opts.Experiment); err != nil {
			return err
		}
	}

	j.logger.Info("Creating pipeline job", zap.String("parent", j.parent), zap.String("job_id", j.jobID))
	res, err := j.env.Client.Create(ctx, j.parent, req, j.jobID, opts.CreateRequestTimeout)
	if err != nil {
		return err
	}
	j.setResource(res)

	j.logger.Info("Pipeline job created", zap.String("job", res.Name))
	j.logger.Info("View pipeline job", zap.String("url", j.DashboardURI()))

	if assoc != nil {
		if err := assoc.Associate(ctx, j, opts.Experiment); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) associator() *experiment.Associator {
	name := j.parent + "/pipelineJobs/" + j.jobID
	project, location := j.env.Project, j.env.Location
	if n, err := parseName(name); err == nil {
		project, location = n.Project, n.Location
	}
	return experiment.New(j.env.Client, experiment.Options{
		Project:      project,
		Location:     location,
		MaxAttempts:  j.env.LineagePollAttempts,
		PollInterval: j.env.LineagePollInterval,
		After:        j.env.clock().After,
		Logger:       j.logger,
	})
}

// ExperimentRow reads the run's input parameters and metrics from its
// pipeline-run context, polling until that context exists.
func (j *Job) ExperimentRow(ctx context.Context) (*experiment.Row, error) {
	if !j.Submitted() {
		return nil, ErrNotSubmitted
	}
	a := j.associator()
	runCtx, err := a.FindContext(ctx, j)
	if err != nil {
		return nil, err
	}
	return a.QueryRow(ctx, runCtx)
}

// Run submits the job and waits for it to finish.
func (j *Job) Run(ctx context.Context, opts SubmitOptions) error {
	if err := j.Submit(ctx, opts); err != nil {
		return err
	}
	return j.Wait(ctx)
}

// Handle joins a job started with RunAsync.
type Handle struct {
	done chan struct{}
	err  error
}

// RunAsync runs the job on one goroutine. Cancel ctx to stop waiting.
func (j *Job) RunAsync(ctx context.Context, opts SubmitOptions) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = j.Run(ctx, opts)
	}()
	return h
}

// Wait blocks until the run finishes and returns its result.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed when the run finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
