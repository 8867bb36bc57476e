// Package provider defines abstractions for reading pipeline templates from
// storage backends.
//
// Providers implement a minimal surface area focused on fetching a single
// object and its metadata. Authentication uses SDK default credential chains -
// providers should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts read access to a single storage location.
//
// Implementations should:
//   - Use SDK default credential chains (AWS default config, GCP ADC)
//   - Map backend-specific not-found/permission errors to the sentinels in errors.go
//   - Be safe for concurrent use
type Provider interface {
	// GetObject returns a stream for the object at key and its content length.
	// Returns ErrNotFound if the object does not exist.
	// Callers must close the returned body.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta contains metadata for a single object.
type ObjectMeta struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag or generation, when the backend exposes one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ObjectHeader can return metadata without downloading the object.
type ObjectHeader interface {
	Head(ctx context.Context, key string) (*ObjectMeta, error)
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderGCS represents Google Cloud Storage.
	ProviderGCS ProviderType = "gcs"

	// ProviderFile represents the local filesystem.
	ProviderFile ProviderType = "file"

	// ProviderRegistry represents an Artifact Registry Kubeflow pipelines repository.
	ProviderRegistry ProviderType = "registry"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
