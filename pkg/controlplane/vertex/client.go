// Package vertex implements the control-plane interfaces against the Vertex AI
// REST API (google.golang.org/api/aiplatform/v1).
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

// Config configures a Vertex client.
type Config struct {
	// Location selects the regional endpoint (required).
	Location string

	// CredentialsFile is an optional service account key file. When empty,
	// Application Default Credentials are used.
	CredentialsFile string

	// Endpoint overrides the regional endpoint.
	Endpoint string

	// HTTPClient replaces the authenticated transport (emulators, tests).
	HTTPClient *http.Client

	// Logger receives per-call debug lines; nil means no logging.
	Logger *zap.Logger
}

// RegionalEndpoint returns the API root for a location.
func RegionalEndpoint(location string) string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/", location)
}

// Client is a controlplane.Service backed by aiplatform/v1.
type Client struct {
	svc    *aiplatform.Service
	logger *zap.Logger
}

var _ controlplane.Service = (*Client)(nil)

// New creates a client bound to one regional endpoint.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Location) == "" && cfg.Endpoint == "" {
		return nil, errors.New("vertex: location is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = RegionalEndpoint(cfg.Location)
	}
	opts := []option.ClientOption{option.WithEndpoint(endpoint)}
	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	svc, err := aiplatform.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vertex: create service: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{svc: svc, logger: logger}, nil
}

func (c *Client) Create(ctx context.Context, parent string, job *controlplane.PipelineJob, jobID string, timeout time.Duration) (*controlplane.PipelineJob, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := &aiplatform.GoogleCloudAiplatformV1PipelineJob{}
	if err := convert(job, req); err != nil {
		return nil, fmt.Errorf("encode pipeline job: %w", err)
	}

	c.logger.Debug("Creating pipeline job", zap.String("parent", parent), zap.String("job_id", jobID))
	out, err := c.svc.Projects.Locations.PipelineJobs.Create(parent, req).PipelineJobId(jobID).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("Create", parent+"/pipelineJobs/"+jobID, err)
	}
	return toJob(out)
}

func (c *Client) Get(ctx context.Context, name string) (*controlplane.PipelineJob, error) {
	out, err := c.svc.Projects.Locations.PipelineJobs.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("Get", name, err)
	}
	return toJob(out)
}

func (c *Client) Cancel(ctx context.Context, name string) error {
	c.logger.Debug("Cancelling pipeline job", zap.String("job", name))
	_, err := c.svc.Projects.Locations.PipelineJobs.Cancel(name, &aiplatform.GoogleCloudAiplatformV1CancelPipelineJobRequest{}).Context(ctx).Do()
	if err != nil {
		return wrapError("Cancel", name, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, parent, filter, orderBy string) ([]*controlplane.PipelineJob, error) {
	call := c.svc.Projects.Locations.PipelineJobs.List(parent)
	if filter != "" {
		call = call.Filter(filter)
	}
	if orderBy != "" {
		call = call.OrderBy(orderBy)
	}

	var jobs []*controlplane.PipelineJob
	err := call.Pages(ctx, func(resp *aiplatform.GoogleCloudAiplatformV1ListPipelineJobsResponse) error {
		for _, j := range resp.PipelineJobs {
			job, err := toJob(j)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("List", parent, err)
	}
	return jobs, nil
}

// Delete starts deletion. The returned operation is not awaited.
func (c *Client) Delete(ctx context.Context, name string) error {
	c.logger.Debug("Deleting pipeline job", zap.String("job", name))
	if _, err := c.svc.Projects.Locations.PipelineJobs.Delete(name).Context(ctx).Do(); err != nil {
		return wrapError("Delete", name, err)
	}
	return nil
}

func toJob(in *aiplatform.GoogleCloudAiplatformV1PipelineJob) (*controlplane.PipelineJob, error) {
	var job controlplane.PipelineJob
	if err := convert(in, &job); err != nil {
		return nil, fmt.Errorf("decode pipeline job: %w", err)
	}
	return &job, nil
}

// convert moves a value between the domain and API shapes through their
// shared REST JSON encoding. Numbers decode as json.Number.
func convert(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func wrapError(op, name string, err error) error {
	rre := &controlplane.RemoteRequestError{Op: op, Name: name, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		rre.Kind = controlplane.KindForStatus(apiErr.Code)
	}
	return rre
}
