package pipelinespec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/nimbusflow/pkg/provider/registry"
)

// Fetcher reads raw template bytes for a URI or local path.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// IsRegistryURI reports whether uri points at an Artifact Registry template.
// Jobs created from such templates record the URI as templateUri.
func IsRegistryURI(uri string) bool {
	return registry.IsRegistryURI(uri)
}

// Load fetches a template and normalizes it into a JobSpec.
//
// The format is chosen by extension: .json for JSON, .yaml/.yml for YAML.
// Any other extension (registry URIs usually have none) tries YAML first,
// then JSON.
func Load(ctx context.Context, fetcher Fetcher, uri string) (*JobSpec, error) {
	data, err := fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", uri, err)
	}
	return LoadFromBytes(data, uri)
}

// LoadFromBytes decodes and normalizes template bytes. source is used for
// format detection and error messages.
func LoadFromBytes(data []byte, source string) (*JobSpec, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &FormatError{Source: source, Issues: []Issue{{Message: "template is empty"}}}
	}

	jsonData, err := toJSON(data, source)
	if err != nil {
		return nil, &FormatError{Source: source, Issues: []Issue{{Message: err.Error()}}}
	}

	doc, err := decodeObject(jsonData)
	if err != nil {
		return nil, &FormatError{Source: source, Issues: []Issue{{Message: err.Error()}}}
	}

	spec, err := Normalize(doc)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) && fe.Source == "" {
			fe.Source = source
		}
		return nil, err
	}
	return spec, nil
}

// Normalize turns a decoded document into a JobSpec. A document with a
// pipelineSpec key is a full job spec; anything else is a bare pipeline spec
// and gets an empty runtime config. The input is not modified.
func Normalize(doc map[string]any) (*JobSpec, error) {
	var spec *JobSpec
	if ps, ok := doc["pipelineSpec"].(map[string]any); ok {
		rc, _ := doc["runtimeConfig"].(map[string]any)
		spec = &JobSpec{PipelineSpec: CopyMap(ps), RuntimeConfig: CopyMap(rc)}
	} else {
		spec = &JobSpec{PipelineSpec: CopyMap(doc)}
	}
	if spec.RuntimeConfig == nil {
		spec.RuntimeConfig = map[string]any{}
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline job for validation: %w", err)
	}
	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}
	return spec, nil
}

// toJSON converts template bytes to JSON.
func toJSON(data []byte, source string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".json":
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in template: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		if json.Valid(data) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse template (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in template: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert template to JSON: %w", err)
	}
	return jsonData, nil
}
