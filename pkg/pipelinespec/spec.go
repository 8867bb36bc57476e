// Package pipelinespec loads compiled pipeline templates and normalizes them
// into the {pipelineSpec, runtimeConfig} job shape.
package pipelinespec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JobSpec is the canonical template shape. Both maps are generic JSON objects
// decoded with json.Number so values round-trip without precision loss.
type JobSpec struct {
	PipelineSpec  map[string]any `json:"pipelineSpec"`
	RuntimeConfig map[string]any `json:"runtimeConfig"`
}

// PipelineName returns pipelineSpec.pipelineInfo.name.
func (s *JobSpec) PipelineName() string {
	return StringAt(s.PipelineSpec, "pipelineInfo", "name")
}

// DefaultPipelineRoot returns pipelineSpec.defaultPipelineRoot, if any.
func (s *JobSpec) DefaultPipelineRoot() string {
	return StringAt(s.PipelineSpec, "defaultPipelineRoot")
}

// SDKVersion returns the compiler SDK version recorded in the template.
func (s *JobSpec) SDKVersion() string {
	return StringAt(s.PipelineSpec, "sdkVersion")
}

// IsTFX reports whether the template was compiled by TFX.
func (s *JobSpec) IsTFX() bool {
	return strings.HasPrefix(s.SDKVersion(), "tfx")
}

// DeepCopy returns a copy that shares no maps or slices with s.
func (s *JobSpec) DeepCopy() *JobSpec {
	if s == nil {
		return nil
	}
	return &JobSpec{
		PipelineSpec:  CopyMap(s.PipelineSpec),
		RuntimeConfig: CopyMap(s.RuntimeConfig),
	}
}

// CopyMap deep-copies a JSON object. A nil map copies to nil.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return t
	}
}

// StringAt walks nested objects and returns the string at path, or "".
func StringAt(m map[string]any, path ...string) string {
	if len(path) == 0 {
		return ""
	}
	parent := MapAt(m, path[:len(path)-1]...)
	if parent == nil {
		return ""
	}
	s, _ := parent[path[len(path)-1]].(string)
	return s
}

// MapAt walks nested objects and returns the object at path, or nil.
func MapAt(m map[string]any, path ...string) map[string]any {
	cur := m
	for _, key := range path {
		if cur == nil {
			return nil
		}
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// decodeObject decodes a JSON object keeping numbers as json.Number.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top-level value is %T, want object", raw)
	}
	return obj, nil
}
