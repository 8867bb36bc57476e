package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client is the pipeline-job surface of the remote control plane.
type Client interface {
	// Create submits job under parent with the given ID. A zero timeout
	// means no per-call deadline beyond ctx.
	Create(ctx context.Context, parent string, job *PipelineJob, jobID string, timeout time.Duration) (*PipelineJob, error)
	Get(ctx context.Context, name string) (*PipelineJob, error)
	Cancel(ctx context.Context, name string) error
	List(ctx context.Context, parent, filter, orderBy string) ([]*PipelineJob, error)
	Delete(ctx context.Context, name string) error
}

// MetadataClient reads and links metadata store lineage.
type MetadataClient interface {
	GetContext(ctx context.Context, name string) (*Context, error)
	ListExecutions(ctx context.Context, store, filter string) ([]*Execution, error)
	ListArtifacts(ctx context.Context, store, filter string) ([]*Artifact, error)
	AddContextChildren(ctx context.Context, parent string, children []string) error
}

// Service is the full control plane as used by the CLI.
type Service interface {
	Client
	MetadataClient
}

// JobName identifies a pipeline job resource.
type JobName struct {
	Project  string
	Location string
	ID       string
}

// LocationPath returns projects/{project}/locations/{location}.
func LocationPath(project, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s", project, location)
}

// MetadataStorePath returns the default metadata store of a location.
func MetadataStorePath(project, location string) string {
	return LocationPath(project, location) + "/metadataStores/default"
}

// ContextPath returns the resource name of a context in the default store.
func ContextPath(project, location, id string) string {
	return MetadataStorePath(project, location) + "/contexts/" + id
}

// String returns the full resource name.
func (n JobName) String() string {
	return LocationPath(n.Project, n.Location) + "/pipelineJobs/" + n.ID
}

// Parent returns the location path the job lives under.
func (n JobName) Parent() string {
	return LocationPath(n.Project, n.Location)
}

// ParseJobName parses a full resource name. A bare ID is resolved against
// project and location.
func ParseJobName(nameOrID, project, location string) (JobName, error) {
	if !strings.Contains(nameOrID, "/") {
		if nameOrID == "" {
			return JobName{}, fmt.Errorf("empty pipeline job name")
		}
		if project == "" || location == "" {
			return JobName{}, fmt.Errorf("pipeline job ID %q needs a project and location", nameOrID)
		}
		return JobName{Project: project, Location: location, ID: nameOrID}, nil
	}

	parts := strings.Split(nameOrID, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "pipelineJobs" ||
		parts[1] == "" || parts[3] == "" || parts[5] == "" {
		return JobName{}, fmt.Errorf("malformed pipeline job name %q: want projects/{project}/locations/{location}/pipelineJobs/{id}", nameOrID)
	}
	return JobName{Project: parts[1], Location: parts[3], ID: parts[5]}, nil
}
