// Package gcs implements the provider interface for Google Cloud Storage,
// used to read pipeline templates addressed as gs://bucket/key.
package gcs

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/3leaps/nimbusflow/pkg/provider"
)

// Config configures a GCS provider.
//
// Authentication follows Application Default Credentials unless
// CredentialsFile is set.
type Config struct {
	// Bucket is the GCS bucket name (required).
	Bucket string

	// CredentialsFile is an optional service account key file.
	CredentialsFile string

	// Endpoint overrides the storage endpoint (emulators, tests).
	Endpoint string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "gcs config: " + e.Field + ": " + e.Message
}

// Provider implements provider.Provider for Google Cloud Storage.
type Provider struct {
	client *storage.Client
	bucket string
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.ObjectHeader = (*Provider)(nil)
)

// New creates a GCS provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderGCS, Bucket: cfg.Bucket, Err: err}
	}
	return &Provider{client: client, bucket: cfg.Bucket}, nil
}

// GetObject opens a reader on the object.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := p.client.Bucket(p.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, 0, wrapError("GetObject", p.bucket, key, err)
	}
	return r, r.Attrs.Size, nil
}

// Head returns object attributes.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	attrs, err := p.client.Bucket(p.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, wrapError("Head", p.bucket, key, err)
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
	}, nil
}

// Close releases the underlying storage client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// wrapError converts storage errors to provider errors with sentinel causes.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderGCS,
		Bucket:   bucket,
		Key:      key,
		Err:      err,
	}

	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.Is(err, storage.ErrBucketNotExist):
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if sentinel := provider.StatusSentinel(apiErr.Code); sentinel != nil {
			wrapped.Err = sentinel
		}
	}
	return wrapped
}
