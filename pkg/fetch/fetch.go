// Package fetch reads pipeline template bytes from local paths, gs:// and
// s3:// buckets, and Artifact Registry URIs.
package fetch

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/pkg/provider"
	"github.com/3leaps/nimbusflow/pkg/provider/file"
	"github.com/3leaps/nimbusflow/pkg/provider/gcs"
	"github.com/3leaps/nimbusflow/pkg/provider/registry"
	"github.com/3leaps/nimbusflow/pkg/provider/s3"
)

// MaxTemplateBytes bounds the size of a template read into memory.
const MaxTemplateBytes = 64 << 20

// OpenFunc opens a provider for a parsed URI.
type OpenFunc func(ctx context.Context, uri *TemplateURI) (provider.Provider, error)

// Options configures a Fetcher.
type Options struct {
	// CredentialsFile is used for gs:// and registry reads when set.
	CredentialsFile string

	// S3 carries the connection settings used for s3:// reads; Bucket is
	// filled per URI.
	S3 s3.Config

	// Logger receives debug lines; nil means no logging.
	Logger *zap.Logger
}

// Fetcher resolves template URIs to bytes.
type Fetcher struct {
	openers map[provider.ProviderType]OpenFunc
	logger  *zap.Logger
}

// New returns a Fetcher backed by the real storage providers.
func New(opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{logger: logger, openers: map[provider.ProviderType]OpenFunc{}}

	f.openers[provider.ProviderFile] = func(_ context.Context, _ *TemplateURI) (provider.Provider, error) {
		return file.New(file.Config{BaseDir: "/"})
	}
	f.openers[provider.ProviderGCS] = func(ctx context.Context, u *TemplateURI) (provider.Provider, error) {
		return gcs.New(ctx, gcs.Config{Bucket: u.Bucket, CredentialsFile: opts.CredentialsFile})
	}
	f.openers[provider.ProviderS3] = func(ctx context.Context, u *TemplateURI) (provider.Provider, error) {
		return s3.New(ctx, opts.S3.ForBucket(u.Bucket))
	}
	f.openers[provider.ProviderRegistry] = func(ctx context.Context, _ *TemplateURI) (provider.Provider, error) {
		return registry.New(ctx, registry.Config{CredentialsFile: opts.CredentialsFile})
	}
	return f
}

// WithOpener replaces the opener for a provider type. It returns f for chaining.
func (f *Fetcher) WithOpener(typ provider.ProviderType, open OpenFunc) *Fetcher {
	f.openers[typ] = open
	return f
}

// open parses raw and opens the provider that serves it. Callers close the
// provider.
func (f *Fetcher) open(ctx context.Context, raw string) (*TemplateURI, provider.Provider, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return nil, nil, err
	}
	open, ok := f.openers[uri.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no opener for %s", provider.ErrUnsupportedURI, uri.Provider)
	}
	p, err := open(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	return uri, p, nil
}

// Stat returns metadata for the template addressed by raw. Backends without
// a metadata call are checked by opening the object, and only Key and Size
// are filled in.
func (f *Fetcher) Stat(ctx context.Context, raw string) (*provider.ObjectMeta, error) {
	uri, p, err := f.open(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.Close() }()

	if h, ok := p.(provider.ObjectHeader); ok {
		return h.Head(ctx, uri.Key)
	}
	body, size, err := p.GetObject(ctx, uri.Key)
	if err != nil {
		return nil, err
	}
	_ = body.Close()
	return &provider.ObjectMeta{Key: uri.Key, Size: size}, nil
}

// Fetch reads the full template addressed by raw.
func (f *Fetcher) Fetch(ctx context.Context, raw string) ([]byte, error) {
	uri, p, err := f.open(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.Close() }()

	body, size, err := p.GetObject(ctx, uri.Key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	if size > MaxTemplateBytes {
		return nil, fmt.Errorf("template %s is %d bytes (limit %d)", uri, size, MaxTemplateBytes)
	}

	data, err := io.ReadAll(io.LimitReader(body, MaxTemplateBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", uri, err)
	}
	if len(data) > MaxTemplateBytes {
		return nil, fmt.Errorf("template %s exceeds %d bytes", uri, MaxTemplateBytes)
	}

	f.logger.Debug("Fetched template",
		zap.String("uri", uri.String()),
		zap.String("provider", uri.Provider.String()),
		zap.Int("bytes", len(data)))
	return data, nil
}
