// Package registry reads pipeline templates published to an Artifact Registry
// Kubeflow pipelines repository (https://<region>-kfp.pkg.dev/...).
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"

	"golang.org/x/oauth2/google"

	"github.com/3leaps/nimbusflow/pkg/provider"
)

// CloudPlatformScope is the OAuth scope requested for registry reads.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// uriPattern matches Artifact Registry KFP URIs.
var uriPattern = regexp.MustCompile(`^https://([\w-]+)-kfp\.pkg\.dev/.*`)

// IsRegistryURI reports whether uri addresses an Artifact Registry template.
func IsRegistryURI(uri string) bool {
	return uriPattern.MatchString(uri)
}

// Config configures a registry provider.
type Config struct {
	// CredentialsFile is an optional service account key file. When empty,
	// Application Default Credentials are used.
	CredentialsFile string

	// HTTPClient overrides the authenticated client (tests).
	HTTPClient *http.Client
}

// Provider fetches templates over authenticated HTTPS. Keys are full URIs.
type Provider struct {
	client *http.Client
}

var _ provider.Provider = (*Provider)(nil)

// New builds a registry provider with an OAuth2 client.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.HTTPClient != nil {
		return &Provider{client: cfg.HTTPClient}, nil
	}

	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderRegistry, Err: err}
		}
		creds, err := google.CredentialsFromJSON(ctx, data, CloudPlatformScope)
		if err != nil {
			return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderRegistry, Err: err}
		}
		return &Provider{client: oauthClient(ctx, creds)}, nil
	}

	client, err := google.DefaultClient(ctx, CloudPlatformScope)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderRegistry, Err: provider.ErrInvalidCredentials}
	}
	return &Provider{client: client}, nil
}

// GetObject downloads the template at the registry URI.
func (p *Provider) GetObject(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	if !IsRegistryURI(uri) {
		return nil, 0, &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderRegistry, Key: uri, Err: provider.ErrUnsupportedURI}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderRegistry, Key: uri, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderRegistry, Key: uri, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cause := provider.StatusSentinel(resp.StatusCode)
		if cause == nil {
			cause = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, 0, &provider.ProviderError{Op: "GetObject", Provider: provider.ProviderRegistry, Key: uri, Err: cause}
	}
	return resp.Body, resp.ContentLength, nil
}

// Close is a no-op; the HTTP client owns no resources that need release.
func (p *Provider) Close() error { return nil }
