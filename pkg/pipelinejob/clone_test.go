package pipelinejob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusflow/pkg/jobid"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
)

func submittedDemo(t *testing.T, svc *fakeService) *Job {
	t.Helper()
	env := testEnv(svc, newFakeClock())
	job, err := New(context.Background(), env, "pipeline.yaml", Options{
		DisplayName:       "nightly",
		PipelineRoot:      "gs://explicit/root",
		ParameterValues:   map[string]any{"epochs": 3, "lr": 0.1},
		Labels:            map[string]string{"team": "ml"},
		EncryptionKeyName: "projects/p1/locations/us-central1/keyRings/r/cryptoKeys/k",
	})
	require.NoError(t, err)
	require.NoError(t, job.Submit(context.Background(), SubmitOptions{}))
	_, err = job.Refresh(context.Background())
	require.NoError(t, err)
	return job
}

func TestClone_Defaults(t *testing.T) {
	svc := newFakeService()
	src := submittedDemo(t, svc)
	require.Contains(t, src.Request().PipelineSpec, "deploymentConfig")

	clone, err := src.Clone(context.Background(), CloneOptions{})
	require.NoError(t, err)

	assert.Equal(t, "cloned-demo-flow-20240102030405", clone.JobID())
	assert.Equal(t, src.Parent(), clone.Parent())
	assert.False(t, clone.Submitted())

	req := clone.Request()
	assert.NotContains(t, req.PipelineSpec, "deploymentConfig")
	assert.Equal(t, "nightly", req.DisplayName)
	assert.Equal(t, map[string]string{"team": "ml"}, req.Labels)
	require.NotNil(t, req.EncryptionSpec)
	assert.Contains(t, req.EncryptionSpec.KMSKeyName, "cryptoKeys/k")
	assert.Equal(t, "gs://explicit/root", req.RuntimeConfig["gcsOutputDirectory"], "source output dir beats the template default")
	assert.Equal(t, map[string]any{"epochs": 3, "lr": 0.1}, req.RuntimeConfig["parameterValues"])

	assert.Contains(t, src.Request().PipelineSpec, "deploymentConfig", "source is untouched")
}

func TestClone_EmptyLabelsKeepSource(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"nil", nil},
		{"empty", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := submittedDemo(t, newFakeService())

			clone, err := src.Clone(context.Background(), CloneOptions{Labels: tt.labels})
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"team": "ml"}, clone.Request().Labels)
		})
	}
}

func TestClone_Overrides(t *testing.T) {
	svc := newFakeService()
	src := submittedDemo(t, svc)

	clone, err := src.Clone(context.Background(), CloneOptions{
		DisplayName:       "rerun",
		JobID:             "rerun-1",
		PipelineRoot:      "gs://other/root",
		ParameterValues:   map[string]any{"epochs": 10},
		EnableCaching:     boolPtr(false),
		EncryptionKeyName: "projects/p1/locations/us-central1/keyRings/r/cryptoKeys/k2",
		Labels:            map[string]string{"run": "two"},
		Location:          "europe-west4",
	})
	require.NoError(t, err)

	assert.Equal(t, "rerun-1", clone.JobID())
	assert.Equal(t, "projects/p1/locations/europe-west4", clone.Parent())

	req := clone.Request()
	assert.Equal(t, "rerun", req.DisplayName)
	assert.Equal(t, map[string]string{"run": "two"}, req.Labels)
	assert.Contains(t, req.EncryptionSpec.KMSKeyName, "cryptoKeys/k2")
	assert.Equal(t, "gs://other/root", req.RuntimeConfig["gcsOutputDirectory"])
	assert.Equal(t, map[string]any{"epochs": 10, "lr": 0.1}, req.RuntimeConfig["parameterValues"])

	task := pipelinespec.MapAt(req.PipelineSpec, "root", "dag", "tasks", "train")
	assert.Equal(t, map[string]any{"enableCache": false}, task["cachingOptions"])
}

func TestClone_SubmitRoundTrip(t *testing.T) {
	svc := newFakeService()
	src := submittedDemo(t, svc)

	clone, err := src.Clone(context.Background(), CloneOptions{})
	require.NoError(t, err)
	require.NoError(t, clone.Submit(context.Background(), SubmitOptions{}))

	assert.Equal(t, "projects/p1/locations/us-central1/pipelineJobs/cloned-demo-flow-20240102030405", clone.ResourceName())
	assert.Equal(t, 2, svc.count("Create"))

	stored := svc.jobs[clone.ResourceName()]
	assert.Equal(t, "nightly", stored.DisplayName)
	assert.Equal(t, src.Request().RuntimeConfig["gcsOutputDirectory"], stored.RuntimeConfig["gcsOutputDirectory"])
}

func TestClone_FromUnsubmitted(t *testing.T) {
	job, err := New(context.Background(), testEnv(newFakeService(), newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)

	clone, err := job.Clone(context.Background(), CloneOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cloned-demo-flow-20240102030405", clone.JobID())
	assert.Equal(t, "gs://bucket/root", clone.Request().RuntimeConfig["gcsOutputDirectory"])
}

func TestClone_Errors(t *testing.T) {
	src := submittedDemo(t, newFakeService())

	_, err := src.Clone(context.Background(), CloneOptions{JobID: "Bad_ID!"})
	var vErr *jobid.ValidationError
	assert.True(t, errors.As(err, &vErr))

	_, err = src.Clone(context.Background(), CloneOptions{Labels: map[string]string{"BAD": "x"}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestClone_WithoutSourceEncryption(t *testing.T) {
	job, err := New(context.Background(), testEnv(newFakeService(), newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)
	require.Nil(t, job.Request().EncryptionSpec)

	// A source without a key picks up the process default.
	job.env.EncryptionKeyName = "projects/p1/locations/us-central1/keyRings/r/cryptoKeys/default"
	clone, err := job.Clone(context.Background(), CloneOptions{})
	require.NoError(t, err)
	require.NotNil(t, clone.Request().EncryptionSpec)
	assert.Equal(t, "projects/p1/locations/us-central1/keyRings/r/cryptoKeys/default", clone.Request().EncryptionSpec.KMSKeyName)
}
