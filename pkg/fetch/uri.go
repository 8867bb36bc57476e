package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/3leaps/nimbusflow/pkg/provider"
	"github.com/3leaps/nimbusflow/pkg/provider/registry"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// TemplateURI is a parsed template location.
//
// Example URIs:
//   - ./pipeline.yaml, /abs/pipeline.json, file:///abs/pipeline.yaml
//   - gs://bucket/path/pipeline.json
//   - s3://bucket/path/pipeline.yaml
//   - https://us-central1-kfp.pkg.dev/proj/repo/pack/latest
type TemplateURI struct {
	// Provider is the backend that serves the URI.
	Provider provider.ProviderType

	// Bucket is the bucket name for gs:// and s3:// URIs.
	Bucket string

	// Key is the object key, the absolute local path, or the full registry URI.
	Key string

	// Raw is the original input.
	Raw string
}

// String returns the URI in canonical form.
func (u *TemplateURI) String() string {
	switch u.Provider {
	case provider.ProviderGCS:
		return fmt.Sprintf("gs://%s/%s", u.Bucket, u.Key)
	case provider.ProviderS3:
		return fmt.Sprintf("s3://%s/%s", u.Bucket, u.Key)
	default:
		return u.Key
	}
}

// ParseURI parses a template reference into its components.
//
// Anything without a scheme is a local path and is made absolute.
func ParseURI(raw string) (*TemplateURI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	schemeEnd := strings.Index(raw, "://")
	if schemeEnd == -1 {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return &TemplateURI{Provider: provider.ProviderFile, Key: abs, Raw: raw}, nil
	}

	scheme := strings.ToLower(raw[:schemeEnd])
	remainder := raw[schemeEnd+3:]

	switch scheme {
	case "file":
		if remainder == "" {
			return nil, fmt.Errorf("%w: empty file path", ErrInvalidURI)
		}
		abs, err := filepath.Abs(filepath.FromSlash(remainder))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		return &TemplateURI{Provider: provider.ProviderFile, Key: abs, Raw: raw}, nil
	case "https":
		if !registry.IsRegistryURI(raw) {
			return nil, fmt.Errorf("%w: %s (only Artifact Registry https URIs are supported)", provider.ErrUnsupportedURI, raw)
		}
		return &TemplateURI{Provider: provider.ProviderRegistry, Key: raw, Raw: raw}, nil
	case "gs", "s3":
	default:
		return nil, fmt.Errorf("%w: %s (supported: local path, file, gs, s3, https registry)", provider.ErrUnsupportedURI, scheme)
	}

	if remainder == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, raw)
	}

	var bucket, key string
	if slashIdx := strings.Index(remainder, "/"); slashIdx == -1 {
		bucket = remainder
	} else {
		bucket = remainder[:slashIdx]
		key = remainder[slashIdx+1:]
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, raw)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("%w: %s does not name an object", ErrInvalidURI, raw)
	}
	if _, err := url.Parse(scheme + "://" + bucket + "/"); err != nil {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}

	typ := provider.ProviderS3
	if scheme == "gs" {
		typ = provider.ProviderGCS
	}
	return &TemplateURI{Provider: typ, Bucket: bucket, Key: key, Raw: raw}, nil
}
