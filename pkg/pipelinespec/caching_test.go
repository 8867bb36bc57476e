package pipelinespec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskGraphSpec() map[string]any {
	return map[string]any{
		"pipelineInfo": map[string]any{"name": "demo"},
		"root": map[string]any{
			"dag": map[string]any{
				"tasks": map[string]any{
					"a": map[string]any{"cachingOptions": map[string]any{"enableCache": true}},
					"b": map[string]any{},
				},
			},
		},
		"components": map[string]any{
			"comp-inner": map[string]any{
				"dag": map[string]any{
					"tasks": map[string]any{"c": map[string]any{}},
				},
			},
			"comp-leaf": map[string]any{"executorLabel": "exec-leaf"},
		},
	}
}

func collectCaching(spec map[string]any) map[string]any {
	out := map[string]any{}
	for name, t := range MapAt(spec, "root", "dag", "tasks") {
		out[name] = t.(map[string]any)["cachingOptions"]
	}
	for name, t := range MapAt(spec, "components", "comp-inner", "dag", "tasks") {
		out[name] = t.(map[string]any)["cachingOptions"]
	}
	return out
}

func TestSetCaching(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		spec := taskGraphSpec()
		SetCaching(spec, enabled)

		got := collectCaching(spec)
		require.Len(t, got, 3)
		for name, opts := range got {
			assert.Equal(t, map[string]any{"enableCache": enabled}, opts, "task %s", name)
		}
		assert.NotContains(t, MapAt(spec, "components", "comp-leaf"), "cachingOptions")
	}
}

func TestSetCaching_Idempotent(t *testing.T) {
	once := taskGraphSpec()
	SetCaching(once, false)

	twice := taskGraphSpec()
	SetCaching(twice, false)
	SetCaching(twice, false)

	assert.Equal(t, once, twice)
}

func TestSetCaching_NoGraphs(t *testing.T) {
	spec := map[string]any{"pipelineInfo": map[string]any{"name": "demo"}}
	assert.NotPanics(t, func() { SetCaching(spec, true) })
}

func TestStripDeploymentConfig(t *testing.T) {
	spec := map[string]any{"deploymentConfig": map[string]any{"x": 1}, "root": map[string]any{}}
	StripDeploymentConfig(spec)
	assert.NotContains(t, spec, "deploymentConfig")
	assert.Contains(t, spec, "root")
}

func TestDeepCopy(t *testing.T) {
	orig := &JobSpec{
		PipelineSpec:  taskGraphSpec(),
		RuntimeConfig: map[string]any{"parameterValues": map[string]any{"list": []any{"x"}}},
	}
	cp := orig.DeepCopy()
	SetCaching(cp.PipelineSpec, false)
	MapAt(cp.RuntimeConfig, "parameterValues")["list"].([]any)[0] = "y"

	assert.Equal(t, map[string]any{"enableCache": true}, collectCaching(orig.PipelineSpec)["a"])
	assert.Equal(t, "x", MapAt(orig.RuntimeConfig, "parameterValues")["list"].([]any)[0])
	assert.Nil(t, (*JobSpec)(nil).DeepCopy())
}
