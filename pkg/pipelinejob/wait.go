package pipelinejob

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

// Wait loop timing.
const (
	PollInterval   = 5 * time.Second
	InitialLogWait = 5 * time.Second
	MaxLogWait     = 5 * time.Minute
	logMultiplier  = 2
)

// Wait polls the job every PollInterval until it reaches a terminal state.
// Progress is logged after InitialLogWait, then at doubling intervals capped
// at MaxLogWait. A failed job returns *JobFailedError; cancelled and paused
// jobs return nil. When ctx ends first Wait returns ErrAbandoned and leaves
// the remote job alone.
func (j *Job) Wait(ctx context.Context) error {
	if !j.Submitted() {
		return ErrNotSubmitted
	}

	clock := j.env.clock()
	logWait := InitialLogWait
	previous := clock.Now()

	var job *controlplane.PipelineJob
	for {
		var err error
		job, err = j.Refresh(ctx)
		if err != nil {
			if isContextErr(ctx, err) {
				return abandoned(contextCause(ctx, err))
			}
			return err
		}
		if job.State.IsTerminal() {
			break
		}

		now := clock.Now()
		if now.Sub(previous) >= logWait {
			j.logger.Info("Pipeline job still running",
				zap.String("job", job.Name),
				zap.String("state", job.State.Short()))
			logWait = min(logWait*logMultiplier, MaxLogWait)
			previous = now
		}

		select {
		case <-ctx.Done():
			return abandoned(ctx.Err())
		case <-clock.After(PollInterval):
		}
	}

	if job.State.IsError() {
		return &JobFailedError{Name: job.Name, Payload: job.Error}
	}
	j.logger.Info("Pipeline job completed",
		zap.String("job", job.Name),
		zap.String("state", job.State.Short()))
	return nil
}

// State re-fetches and returns the remote state.
func (j *Job) State(ctx context.Context) (controlplane.State, error) {
	job, err := j.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// TaskDetails re-fetches and returns per-task runtime details.
func (j *Job) TaskDetails(ctx context.Context) ([]controlplane.TaskDetail, error) {
	job, err := j.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if job.JobDetail == nil {
		return nil, nil
	}
	return job.JobDetail.TaskDetails, nil
}

// HasFailed re-fetches and reports whether the job is in the failed state.
func (j *Job) HasFailed(ctx context.Context) (bool, error) {
	state, err := j.State(ctx)
	if err != nil {
		return false, err
	}
	return state.IsError(), nil
}

// Done reports whether the job reached a terminal state. An unsubmitted job
// is not done.
func (j *Job) Done(ctx context.Context) (bool, error) {
	if !j.Submitted() {
		return false, nil
	}
	state, err := j.State(ctx)
	if err != nil {
		return false, err
	}
	return state.IsTerminal(), nil
}
