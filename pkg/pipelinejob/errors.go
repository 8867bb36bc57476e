package pipelinejob

import (
	"errors"
	"fmt"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/experiment"
	"github.com/3leaps/nimbusflow/pkg/jobid"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
)

// Error kinds produced below this package, re-exported for callers.
type (
	ConfigError          = pipelinespec.ConfigError
	FormatError          = pipelinespec.FormatError
	ValidationError      = jobid.ValidationError
	RemoteRequestError   = controlplane.RemoteRequestError
	LineageNotFoundError = experiment.LineageNotFoundError
)

var (
	// ErrConfig matches ConfigError and FormatError.
	ErrConfig = pipelinespec.ErrConfig

	// ErrAlreadyExists matches a create rejected for a duplicate job ID.
	ErrAlreadyExists = controlplane.ErrAlreadyExists

	// ErrLineageNotFound matches LineageNotFoundError.
	ErrLineageNotFound = experiment.ErrLineageNotFound
)

var (
	// ErrAbandoned is returned when the caller stops waiting. The remote job
	// is not cancelled.
	ErrAbandoned = errors.New("stopped waiting for pipeline job; remote job left as is")

	// ErrNotSubmitted is returned by calls that need a remote resource.
	ErrNotSubmitted = errors.New("pipeline job has not been submitted")

	// ErrAlreadySubmitted is returned by a second Submit on the same Job.
	ErrAlreadySubmitted = errors.New("pipeline job was already submitted")
)

// JobFailedError reports a job that finished in the failed state. Cancelled
// and paused jobs do not produce it.
type JobFailedError struct {
	Name    string
	Payload *controlplane.Status
}

func (e *JobFailedError) Error() string {
	if e.Payload == nil {
		return fmt.Sprintf("pipeline job %s failed", e.Name)
	}
	return fmt.Sprintf("pipeline job %s failed with: code %d: %s", e.Name, e.Payload.Code, e.Payload.Message)
}

func abandoned(err error) error {
	return fmt.Errorf("%w: %w", ErrAbandoned, err)
}
