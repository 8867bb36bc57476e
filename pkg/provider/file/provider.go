// Package file serves pipeline templates from the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/nimbusflow/pkg/provider"
)

// Provider reads templates below a base directory. Keys are slash-separated
// paths relative to BaseDir; a leading slash is ignored, so a BaseDir of "/"
// serves absolute paths.
type Provider struct {
	baseDir string
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.ObjectHeader = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

// Head stats the template without reading it. ContentType is inferred from
// the extension.
func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	st, err := p.stat("Head", key)
	if err != nil {
		return nil, err
	}
	return &provider.ObjectMeta{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
		ContentType:  contentType(key),
	}, nil
}

// GetObject opens the template. Directories are reported as not found.
func (p *Provider) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	st, err := p.stat("GetObject", key)
	if err != nil {
		return nil, 0, err
	}
	full, _ := p.fullPath(key)
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, st.Size(), nil
}

func (p *Provider) stat(op, key string) (fs.FileInfo, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError(op, key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError(op, key, err)
	}
	if st.IsDir() {
		return nil, &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
	}
	return st, nil
}

// fullPath joins key onto the base directory, refusing keys that climb out
// of it.
func (p *Provider) fullPath(key string) (string, error) {
	clean := strings.TrimPrefix(filepath.Clean("/"+strings.TrimSpace(key)), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		wrapped.Err = provider.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}

func contentType(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".yaml", ".yml":
		return "application/yaml"
	case ".json":
		return "application/json"
	}
	return ""
}
