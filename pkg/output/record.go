// Package output provides JSONL output for pipeline job commands.
//
// Output is structured as typed record envelopes containing jobs, tasks,
// state transitions, experiment rows, local runs and errors. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: nimbusflow.<type>.v<version>
const (
	// TypeJob identifies pipeline job records.
	TypeJob = "nimbusflow.job.v1"

	// TypeTask identifies task detail records.
	TypeTask = "nimbusflow.task.v1"

	// TypeState identifies observed state transitions while waiting.
	TypeState = "nimbusflow.state.v1"

	// TypeExperimentRow identifies experiment run rows.
	TypeExperimentRow = "nimbusflow.experiment_row.v1"

	// TypeRun identifies local run registry records.
	TypeRun = "nimbusflow.run.v1"

	// TypeError identifies error records.
	TypeError = "nimbusflow.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "nimbusflow.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// CorrelationID ties together every record one command invocation emits.
	CorrelationID string `json:"correlation_id"`

	// Location is the region the command addressed.
	Location string `json:"location,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for a pipeline job.
type JobRecord struct {
	Name         string            `json:"name"`
	JobID        string            `json:"job_id"`
	DisplayName  string            `json:"display_name,omitempty"`
	State        string            `json:"state,omitempty"`
	TemplateURI  string            `json:"template_uri,omitempty"`
	DashboardURL string            `json:"dashboard_url,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreateTime   string            `json:"create_time,omitempty"`
	StartTime    string            `json:"start_time,omitempty"`
	EndTime      string            `json:"end_time,omitempty"`
	Error        *ErrorRecord      `json:"error,omitempty"`
}

// TaskRecord is the data payload for one task of a job.
type TaskRecord struct {
	Job       string `json:"job"`
	TaskID    string `json:"task_id,omitempty"`
	TaskName  string `json:"task_name"`
	State     string `json:"state,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StateRecord is emitted when a waiter observes a new job state.
type StateRecord struct {
	Job      string        `json:"job"`
	State    string        `json:"state"`
	Terminal bool          `json:"terminal"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// ExperimentRowRecord is the data payload for an experiment run row.
type ExperimentRowRecord struct {
	Experiment string         `json:"experiment,omitempty"`
	RunType    string         `json:"run_type"`
	Name       string         `json:"name"`
	State      string         `json:"state,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// RunRecord is the data payload for a local run registry entry.
type RunRecord struct {
	RunID        string     `json:"run_id"`
	JobName      string     `json:"job_name"`
	State        string     `json:"state"`
	RemoteState  string     `json:"remote_state,omitempty"`
	DashboardURL string     `json:"dashboard_url,omitempty"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Job is the job resource name related to this error, if applicable.
	Job string `json:"job,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeInvalidConfig indicates a rejected template, display name,
	// label or root.
	ErrCodeInvalidConfig = "INVALID_CONFIG"

	// ErrCodeInvalidJobID indicates a job ID that breaks the naming rules.
	ErrCodeInvalidJobID = "INVALID_JOB_ID"

	// ErrCodeAlreadyExists indicates the job ID is already taken remotely.
	ErrCodeAlreadyExists = "ALREADY_EXISTS"

	// ErrCodeNotFound indicates the job or template was not found.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeAccessDenied indicates permission failure.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeUnavailable indicates a transient remote failure.
	ErrCodeUnavailable = "UNAVAILABLE"

	// ErrCodeJobFailed indicates the remote job finished in the failed state.
	ErrCodeJobFailed = "JOB_FAILED"

	// ErrCodeLineageNotFound indicates no run context appeared for a job.
	ErrCodeLineageNotFound = "LINEAGE_NOT_FOUND"

	// ErrCodeAbandoned indicates the caller stopped waiting.
	ErrCodeAbandoned = "ABANDONED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
