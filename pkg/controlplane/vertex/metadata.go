package vertex

import (
	"context"
	"fmt"

	"google.golang.org/api/aiplatform/v1"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

func (c *Client) GetContext(ctx context.Context, name string) (*controlplane.Context, error) {
	out, err := c.svc.Projects.Locations.MetadataStores.Contexts.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, wrapError("GetContext", name, err)
	}
	var mc controlplane.Context
	if err := convert(out, &mc); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &mc, nil
}

func (c *Client) ListExecutions(ctx context.Context, store, filter string) ([]*controlplane.Execution, error) {
	call := c.svc.Projects.Locations.MetadataStores.Executions.List(store)
	if filter != "" {
		call = call.Filter(filter)
	}

	var out []*controlplane.Execution
	err := call.Pages(ctx, func(resp *aiplatform.GoogleCloudAiplatformV1ListExecutionsResponse) error {
		for _, e := range resp.Executions {
			var ex controlplane.Execution
			if err := convert(e, &ex); err != nil {
				return fmt.Errorf("decode execution: %w", err)
			}
			out = append(out, &ex)
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("ListExecutions", store, err)
	}
	return out, nil
}

func (c *Client) ListArtifacts(ctx context.Context, store, filter string) ([]*controlplane.Artifact, error) {
	call := c.svc.Projects.Locations.MetadataStores.Artifacts.List(store)
	if filter != "" {
		call = call.Filter(filter)
	}

	var out []*controlplane.Artifact
	err := call.Pages(ctx, func(resp *aiplatform.GoogleCloudAiplatformV1ListArtifactsResponse) error {
		for _, a := range resp.Artifacts {
			var art controlplane.Artifact
			if err := convert(a, &art); err != nil {
				return fmt.Errorf("decode artifact: %w", err)
			}
			out = append(out, &art)
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("ListArtifacts", store, err)
	}
	return out, nil
}

func (c *Client) AddContextChildren(ctx context.Context, parent string, children []string) error {
	req := &aiplatform.GoogleCloudAiplatformV1AddContextChildrenRequest{ChildContexts: children}
	if _, err := c.svc.Projects.Locations.MetadataStores.Contexts.AddContextChildren(parent, req).Context(ctx).Do(); err != nil {
		return wrapError("AddContextChildren", parent, err)
	}
	return nil
}
