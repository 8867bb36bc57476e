package pipelinejob

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

// Cancel asks the service to cancel the job. Cancellation is best effort and
// Cancel does not wait for the job to reach the cancelled state.
func (j *Job) Cancel(ctx context.Context) error {
	res := j.current()
	if res == nil {
		return ErrNotSubmitted
	}
	if err := j.env.Client.Cancel(ctx, res.Name); err != nil {
		return err
	}
	j.logger.Info("Requested pipeline job cancellation", zap.String("job", res.Name))
	return nil
}

// Delete removes the remote job.
func (j *Job) Delete(ctx context.Context) error {
	res := j.current()
	if res == nil {
		return ErrNotSubmitted
	}
	if err := j.env.Client.Delete(ctx, res.Name); err != nil {
		return err
	}
	j.logger.Info("Deleted pipeline job", zap.String("job", res.Name))
	return nil
}

// Get loads an existing job by full resource name or bare ID. Bare IDs are
// resolved against env.Project and env.Location.
func Get(ctx context.Context, env Env, nameOrID string) (*Job, error) {
	name, err := controlplane.ParseJobName(nameOrID, env.Project, env.Location)
	if err != nil {
		return nil, &ConfigError{Field: "name", Message: err.Error()}
	}
	res, err := env.Client.Get(ctx, name.String())
	if err != nil {
		return nil, err
	}
	return fromResource(env, res)
}

// ListOptions filter and order a listing.
type ListOptions struct {
	// Filter is a service-side expression, e.g. display_name="nightly".
	Filter string

	// OrderBy is e.g. "create_time desc".
	OrderBy string

	// Project and Location override the Env defaults.
	Project  string
	Location string
}

// List returns the jobs under a location.
func List(ctx context.Context, env Env, opts ListOptions) ([]*Job, error) {
	project, location := firstNonEmpty(opts.Project, env.Project), firstNonEmpty(opts.Location, env.Location)
	if project == "" || location == "" {
		return nil, &ConfigError{Field: "project", Message: "project and location are required"}
	}

	resources, err := env.Client.List(ctx, controlplane.LocationPath(project, location), opts.Filter, opts.OrderBy)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(resources))
	for _, res := range resources {
		j, err := fromResource(env, res)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func parseName(name string) (controlplane.JobName, error) {
	return controlplane.ParseJobName(name, "", "")
}
