package output

import (
	"errors"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/experiment"
	"github.com/3leaps/nimbusflow/pkg/jobregistry"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
	"github.com/3leaps/nimbusflow/pkg/provider"
)

// CodeFor classifies err into one of the ErrCode constants.
func CodeFor(err error) string {
	var failed *pipelinejob.JobFailedError
	var idErr *pipelinejob.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &failed):
		return ErrCodeJobFailed
	case errors.As(err, &idErr):
		return ErrCodeInvalidJobID
	case errors.Is(err, pipelinejob.ErrConfig):
		return ErrCodeInvalidConfig
	case errors.Is(err, pipelinejob.ErrAbandoned):
		return ErrCodeAbandoned
	case errors.Is(err, pipelinejob.ErrLineageNotFound):
		return ErrCodeLineageNotFound
	case errors.Is(err, controlplane.ErrAlreadyExists):
		return ErrCodeAlreadyExists
	case errors.Is(err, controlplane.ErrNotFound), provider.IsNotFound(err):
		return ErrCodeNotFound
	case errors.Is(err, controlplane.ErrPermissionDenied), provider.IsAccessDenied(err):
		return ErrCodeAccessDenied
	case errors.Is(err, controlplane.ErrQuota), errors.Is(err, provider.ErrThrottled):
		return ErrCodeThrottled
	case errors.Is(err, controlplane.ErrUnavailable), errors.Is(err, provider.ErrProviderUnavailable):
		return ErrCodeUnavailable
	}
	return ErrCodeInternal
}

// ErrorFrom builds an ErrorRecord for err. Failed jobs carry the remote error
// payload as details.
func ErrorFrom(job string, err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	rec := &ErrorRecord{Code: CodeFor(err), Message: err.Error(), Job: job}

	var failed *pipelinejob.JobFailedError
	var formatErr *pipelinejob.FormatError
	switch {
	case errors.As(err, &failed) && failed.Payload != nil:
		rec.Details = failed.Payload
	case errors.As(err, &formatErr):
		rec.Details = formatErr.Issues
	}
	return rec
}

// Envelope converts err into the gofulmen error envelope used for
// machine-readable CLI failures.
func Envelope(correlationID string, job string, err error) *gferrors.ErrorEnvelope {
	rec := ErrorFrom(job, err)
	if rec == nil {
		return nil
	}
	env := gferrors.NewErrorEnvelope(rec.Code, rec.Message)
	if correlationID != "" {
		env = env.WithCorrelationID(correlationID)
	}
	ctx := map[string]interface{}{}
	if job != "" {
		ctx["job"] = job
	}
	if rec.Details != nil {
		ctx["details"] = rec.Details
	}
	if len(ctx) > 0 {
		if withCtx, cerr := env.WithContext(ctx); cerr == nil {
			env = withCtx
		}
	}
	return env
}

// JobFrom converts a remote pipeline job.
func JobFrom(j *controlplane.PipelineJob, dashboardURL string) *JobRecord {
	if j == nil {
		return nil
	}
	rec := &JobRecord{
		Name:         j.Name,
		DisplayName:  j.DisplayName,
		State:        string(j.State),
		TemplateURI:  j.TemplateURI,
		DashboardURL: dashboardURL,
		Labels:       j.Labels,
		CreateTime:   j.CreateTime,
		StartTime:    j.StartTime,
		EndTime:      j.EndTime,
	}
	if n, err := controlplane.ParseJobName(j.Name, "", ""); err == nil {
		rec.JobID = n.ID
	}
	if j.Error != nil && (j.Error.Code != 0 || j.Error.Message != "") {
		rec.Error = &ErrorRecord{Code: ErrCodeJobFailed, Message: j.Error.Message, Job: j.Name, Details: j.Error}
	}
	return rec
}

// TasksFrom converts the task details of a job.
func TasksFrom(job string, tasks []controlplane.TaskDetail) []*TaskRecord {
	out := make([]*TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		rec := &TaskRecord{
			Job:       job,
			TaskID:    t.TaskID,
			TaskName:  t.TaskName,
			State:     t.State,
			StartTime: t.StartTime,
			EndTime:   t.EndTime,
		}
		if t.Error != nil {
			rec.Error = t.Error.Message
		}
		out = append(out, rec)
	}
	return out
}

// RowFrom converts an experiment row.
func RowFrom(experimentName string, row *experiment.Row) *ExperimentRowRecord {
	if row == nil {
		return nil
	}
	return &ExperimentRowRecord{
		Experiment: experimentName,
		RunType:    row.RunType,
		Name:       row.Name,
		State:      row.State,
		Params:     row.Params,
		Metrics:    row.Metrics,
	}
}

// RunFrom converts a local run registry record.
func RunFrom(r *jobregistry.RunRecord) *RunRecord {
	if r == nil {
		return nil
	}
	return &RunRecord{
		RunID:        r.RunID,
		JobName:      r.JobName,
		State:        string(r.State),
		RemoteState:  r.RemoteState,
		DashboardURL: r.DashboardURL,
		PID:          r.PID,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		Error:        r.Error,
	}
}
