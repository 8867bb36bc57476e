package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/fetch"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
	"github.com/3leaps/nimbusflow/pkg/provider"
)

const (
	exitInvalidArgument = foundry.ExitInvalidArgument
	exitUnavailable     = foundry.ExitExternalServiceUnavailable
	exitInterrupted     = foundry.ExitSignalInt
	exitFileNotFound    = foundry.ExitFileNotFound
	exitFileRead        = foundry.ExitFileReadError
	exitFileWrite       = foundry.ExitFileWriteError

	// exitJobFailed is returned when a waited-on pipeline job ends FAILED.
	exitJobFailed = 1
)

type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// ExitCode returns the process exit code carried by err, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// jobExitError classifies a pipeline job error into an exit code.
func jobExitError(message string, err error) error {
	var failed *pipelinejob.JobFailedError
	switch {
	case errors.As(err, &failed):
		return exitError(exitJobFailed, message, err)
	case errors.Is(err, pipelinejob.ErrAbandoned), errors.Is(err, context.Canceled):
		return exitError(exitInterrupted, message, err)
	case errors.Is(err, pipelinejob.ErrConfig), errors.Is(err, pipelinejob.ErrNotSubmitted):
		return exitError(exitInvalidArgument, message, err)
	case provider.IsNotFound(err), controlplane.IsNotFound(err):
		return exitError(exitFileNotFound, message, err)
	case errors.Is(err, provider.ErrUnsupportedURI), errors.Is(err, fetch.ErrInvalidURI):
		return exitError(exitInvalidArgument, message, err)
	}
	var idErr *pipelinejob.ValidationError
	if errors.As(err, &idErr) {
		return exitError(exitInvalidArgument, message, err)
	}
	return exitError(exitUnavailable, message, err)
}

func isAbandoned(err error) bool {
	return errors.Is(err, pipelinejob.ErrAbandoned)
}
