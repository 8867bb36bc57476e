// Package controlplane describes the remote pipeline-job service: the
// resource shapes it returns and the calls the client makes against it.
package controlplane

import "strings"

// State is the remote lifecycle state of a pipeline job. Values are the wire
// enum names.
type State string

// Pipeline job states.
const (
	StateUnspecified State = "PIPELINE_STATE_UNSPECIFIED"
	StateQueued      State = "PIPELINE_STATE_QUEUED"
	StatePending     State = "PIPELINE_STATE_PENDING"
	StateRunning     State = "PIPELINE_STATE_RUNNING"
	StateSucceeded   State = "PIPELINE_STATE_SUCCEEDED"
	StateFailed      State = "PIPELINE_STATE_FAILED"
	StateCancelling  State = "PIPELINE_STATE_CANCELLING"
	StateCancelled   State = "PIPELINE_STATE_CANCELLED"
	StatePaused      State = "PIPELINE_STATE_PAUSED"
)

const statePrefix = "PIPELINE_STATE_"

// IsTerminal reports whether no further transitions are expected.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StatePaused:
		return true
	}
	return false
}

// IsError reports whether the state is the error terminal state. Cancelled
// and paused jobs are terminal but not errors.
func (s State) IsError() bool {
	return s == StateFailed
}

// Short returns the lowercase state name without the wire prefix.
func (s State) Short() string {
	if s == "" {
		return "unspecified"
	}
	return strings.ToLower(strings.TrimPrefix(string(s), statePrefix))
}

// ParseState accepts either a wire name or a short name ("running").
func ParseState(v string) State {
	up := strings.ToUpper(strings.TrimSpace(v))
	if up == "" {
		return StateUnspecified
	}
	if !strings.HasPrefix(up, statePrefix) {
		up = statePrefix + up
	}
	return State(up)
}

// Status is a remote error payload.
type Status struct {
	Code    int              `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
	Details []map[string]any `json:"details,omitempty"`
}

// EncryptionSpec names the customer-managed key protecting a job.
type EncryptionSpec struct {
	KMSKeyName string `json:"kmsKeyName,omitempty"`
}

// TaskDetail is the runtime view of one task in a job.
type TaskDetail struct {
	TaskID     string         `json:"taskId,omitempty"`
	TaskName   string         `json:"taskName,omitempty"`
	State      string         `json:"state,omitempty"`
	CreateTime string         `json:"createTime,omitempty"`
	StartTime  string         `json:"startTime,omitempty"`
	EndTime    string         `json:"endTime,omitempty"`
	Error      *Status        `json:"error,omitempty"`
	Execution  *Execution     `json:"execution,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

// JobDetail carries the metadata contexts and task details of a running job.
type JobDetail struct {
	PipelineContext    *Context     `json:"pipelineContext,omitempty"`
	PipelineRunContext *Context     `json:"pipelineRunContext,omitempty"`
	TaskDetails        []TaskDetail `json:"taskDetails,omitempty"`
}

// PipelineJob is both the create request and the remote resource.
type PipelineJob struct {
	Name           string            `json:"name,omitempty"`
	DisplayName    string            `json:"displayName,omitempty"`
	PipelineSpec   map[string]any    `json:"pipelineSpec,omitempty"`
	RuntimeConfig  map[string]any    `json:"runtimeConfig,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	EncryptionSpec *EncryptionSpec   `json:"encryptionSpec,omitempty"`
	ServiceAccount string            `json:"serviceAccount,omitempty"`
	Network        string            `json:"network,omitempty"`
	TemplateURI    string            `json:"templateUri,omitempty"`
	State          State             `json:"state,omitempty"`
	Error          *Status           `json:"error,omitempty"`
	JobDetail      *JobDetail        `json:"jobDetail,omitempty"`
	CreateTime     string            `json:"createTime,omitempty"`
	StartTime      string            `json:"startTime,omitempty"`
	EndTime        string            `json:"endTime,omitempty"`
	UpdateTime     string            `json:"updateTime,omitempty"`
}

// Context is a metadata store context (pipeline run, experiment).
type Context struct {
	Name           string         `json:"name,omitempty"`
	DisplayName    string         `json:"displayName,omitempty"`
	SchemaTitle    string         `json:"schemaTitle,omitempty"`
	SchemaVersion  string         `json:"schemaVersion,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ParentContexts []string       `json:"parentContexts,omitempty"`
}

// Execution is a metadata store execution.
type Execution struct {
	Name        string         `json:"name,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	SchemaTitle string         `json:"schemaTitle,omitempty"`
	State       string         `json:"state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Artifact is a metadata store artifact.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	SchemaTitle string         `json:"schemaTitle,omitempty"`
	URI         string         `json:"uri,omitempty"`
	State       string         `json:"state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
