package jobregistry

import (
	"time"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

// RunState is the local view of a submitted pipeline run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateSubmitted RunState = "submitted"
	RunStateWaiting   RunState = "waiting"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
	RunStatePaused    RunState = "paused"
	RunStateAbandoned RunState = "abandoned"
	RunStateUnknown   RunState = "unknown"
)

// IsFinal reports whether no local waiter will update the record again.
func (s RunState) IsFinal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled, RunStatePaused, RunStateAbandoned:
		return true
	}
	return false
}

// StateFromRemote maps a terminal remote state onto the local vocabulary.
// Non-terminal states map to RunStateWaiting.
func StateFromRemote(s controlplane.State) RunState {
	switch s {
	case controlplane.StateSucceeded:
		return RunStateSucceeded
	case controlplane.StateFailed:
		return RunStateFailed
	case controlplane.StateCancelled:
		return RunStateCancelled
	case controlplane.StatePaused:
		return RunStatePaused
	}
	return RunStateWaiting
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string   `json:"run_id"`
	JobName      string   `json:"job_name"`
	JobID        string   `json:"job_id,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
	Template     string   `json:"template,omitempty"`
	Project      string   `json:"project,omitempty"`
	Location     string   `json:"location,omitempty"`
	DashboardURL string   `json:"dashboard_url,omitempty"`
	Experiment   string   `json:"experiment,omitempty"`
	State        RunState `json:"state"`
	RemoteState  string   `json:"remote_state,omitempty"`
	Error        string   `json:"error,omitempty"`
	PID          int      `json:"pid,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}
