package pipelinejob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/jobid"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
)

const demoTemplate = `pipelineInfo:
  name: demo-flow
sdkVersion: kfp-2.7.0
defaultPipelineRoot: gs://bucket/root
root:
  dag:
    tasks:
      train:
        cachingOptions:
          enableCache: true
components:
  comp-train:
    executorLabel: exec-train
`

const registryTemplate = "https://us-central1-kfp.pkg.dev/p1/repo/demo-flow/v1"

func testEnv(svc *fakeService, clock *fakeClock) Env {
	return Env{
		Project:       "p1",
		Location:      "us-central1",
		StagingBucket: "gs://staging",
		Client:        svc,
		Fetcher: mapFetcher{
			"pipeline.yaml":  demoTemplate,
			registryTemplate: demoTemplate,
		},
		Clock: clock,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestNew_DerivesRequest(t *testing.T) {
	env := testEnv(newFakeService(), newFakeClock())

	job, err := New(context.Background(), env, "pipeline.yaml", Options{
		DisplayName:     "demo",
		ParameterValues: map[string]any{"epochs": 3},
		EnableCaching:   boolPtr(false),
		Labels:          map[string]string{"team": "ml"},
	})
	require.NoError(t, err)

	assert.Equal(t, "demo-flow-20240102030405", job.JobID())
	assert.Equal(t, "projects/p1/locations/us-central1", job.Parent())
	assert.False(t, job.Submitted())
	assert.Empty(t, job.ResourceName())

	req := job.Request()
	assert.Equal(t, "demo", req.DisplayName)
	assert.Equal(t, "gs://bucket/root", req.RuntimeConfig["gcsOutputDirectory"])
	assert.Equal(t, map[string]any{"epochs": 3}, req.RuntimeConfig["parameterValues"])
	assert.Equal(t, map[string]string{"team": "ml"}, req.Labels)
	assert.Nil(t, req.EncryptionSpec)
	assert.Empty(t, req.TemplateURI)

	task := pipelinespec.MapAt(req.PipelineSpec, "root", "dag", "tasks", "train")
	assert.Equal(t, map[string]any{"enableCache": false}, task["cachingOptions"])

	assert.Equal(t,
		"https://console.cloud.google.com/vertex-ai/locations/us-central1/pipelines/runs/demo-flow-20240102030405?project=p1",
		job.DashboardURI())
}

func TestNew_Defaults(t *testing.T) {
	env := testEnv(newFakeService(), newFakeClock())
	env.EncryptionKeyName = "projects/p1/locations/us-central1/keyRings/r/cryptoKeys/k"

	job, err := New(context.Background(), env, registryTemplate, Options{})
	require.NoError(t, err)

	req := job.Request()
	assert.True(t, strings.HasPrefix(req.DisplayName, "PipelineJob 2024-01-02 03:04:05"))
	assert.Equal(t, registryTemplate, req.TemplateURI)
	require.NotNil(t, req.EncryptionSpec)
	assert.Equal(t, env.EncryptionKeyName, req.EncryptionSpec.KMSKeyName)

	task := pipelinespec.MapAt(req.PipelineSpec, "root", "dag", "tasks", "train")
	assert.Equal(t, map[string]any{"enableCache": true}, task["cachingOptions"], "caching untouched without an override")
}

func TestNew_ConfigErrors(t *testing.T) {
	long := strings.Repeat("é", MaxDisplayNameLength+1)
	manyLabels := map[string]string{}
	for i := 0; i <= MaxLabels; i++ {
		manyLabels[fmt.Sprintf("k%d", i)] = "v"
	}

	tests := []struct {
		name     string
		template string
		opts     Options
		env      func(*Env)
		check    func(t *testing.T, err error)
	}{
		{
			name:     "display name too long",
			template: "pipeline.yaml",
			opts:     Options{DisplayName: long},
		},
		{
			name:     "bad label key",
			template: "pipeline.yaml",
			opts:     Options{Labels: map[string]string{"Team": "ml"}},
		},
		{
			name:     "bad label value",
			template: "pipeline.yaml",
			opts:     Options{Labels: map[string]string{"team": "ML Team"}},
		},
		{
			name:     "too many labels",
			template: "pipeline.yaml",
			opts:     Options{Labels: manyLabels},
		},
		{
			name:     "no pipeline root",
			template: "pipeline.yaml",
			env: func(e *Env) {
				e.StagingBucket = ""
				e.Fetcher = mapFetcher{"pipeline.yaml": "pipelineInfo:\n  name: demo\n"}
			},
		},
		{
			name:     "missing pipeline name",
			template: "pipeline.yaml",
			env:      func(e *Env) { e.Fetcher = mapFetcher{"pipeline.yaml": "root: {}\n"} },
			check: func(t *testing.T, err error) {
				var fe *FormatError
				assert.True(t, errors.As(err, &fe))
			},
		},
		{
			name:     "no location",
			template: "pipeline.yaml",
			env:      func(e *Env) { e.Location = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			env := testEnv(svc, newFakeClock())
			if tt.env != nil {
				tt.env(&env)
			}

			_, err := New(context.Background(), env, tt.template, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
			if tt.check != nil {
				tt.check(t, err)
			}
			assert.Empty(t, svc.calls, "config errors never reach the network")
		})
	}
}

func TestNew_InvalidJobID(t *testing.T) {
	svc := newFakeService()
	_, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{JobID: "Bad_ID!"})
	require.Error(t, err)

	var vErr *jobid.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "Bad_ID!", vErr.ID)
	assert.Empty(t, svc.calls)
}

func TestSubmit(t *testing.T) {
	svc := newFakeService()
	job, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)

	err = job.Submit(context.Background(), SubmitOptions{
		ServiceAccount: "runner@p1.iam.gserviceaccount.com",
		Network:        "projects/123/global/networks/vpc",
	})
	require.NoError(t, err)

	assert.True(t, job.Submitted())
	assert.Equal(t, "projects/p1/locations/us-central1/pipelineJobs/demo-flow-20240102030405", job.ResourceName())
	assert.Equal(t, 1, svc.count("Create"))

	stored := svc.jobs[job.ResourceName()]
	assert.Equal(t, "runner@p1.iam.gserviceaccount.com", stored.ServiceAccount)
	assert.Equal(t, "projects/123/global/networks/vpc", stored.Network)

	assert.ErrorIs(t, job.Submit(context.Background(), SubmitOptions{}), ErrAlreadySubmitted)
	assert.Equal(t, 1, svc.count("Create"))
}

func TestSubmit_DuplicateID(t *testing.T) {
	svc := newFakeService()
	env := testEnv(svc, newFakeClock())

	first, err := New(context.Background(), env, "pipeline.yaml", Options{JobID: "same-id"})
	require.NoError(t, err)
	require.NoError(t, first.Submit(context.Background(), SubmitOptions{}))

	second, err := New(context.Background(), env, "pipeline.yaml", Options{JobID: "same-id"})
	require.NoError(t, err)
	err = second.Submit(context.Background(), SubmitOptions{})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrAlreadyExists)
	var rre *RemoteRequestError
	assert.True(t, errors.As(err, &rre))
	assert.False(t, second.Submitted())
}

func TestSubmit_TFXRaisesLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	env := testEnv(newFakeService(), newFakeClock())
	env.Level = &level
	env.Fetcher = mapFetcher{"tfx.json": `{"pipelineInfo": {"name": "tfx-demo"}, "sdkVersion": "tfx-1.14.0", "defaultPipelineRoot": "gs://r"}`}

	job, err := New(context.Background(), env, "tfx.json", Options{})
	require.NoError(t, err)
	require.NoError(t, job.Submit(context.Background(), SubmitOptions{}))

	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestSubmit_Experiment(t *testing.T) {
	svc := newFakeService()
	svc.runCtx = true
	expName := "projects/p1/locations/us-central1/metadataStores/default/contexts/exp-1"
	svc.contexts[expName] = &controlplane.Context{Name: expName, SchemaTitle: "system.Experiment"}

	job, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)
	require.NoError(t, job.Submit(context.Background(), SubmitOptions{Experiment: "exp-1"}))

	assert.Equal(t, []string{"projects/p1/locations/us-central1/metadataStores/default/contexts/run-ctx"}, svc.children[expName])
}

func TestSubmit_UnknownExperimentDoesNotCreate(t *testing.T) {
	svc := newFakeService()
	job, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)

	err = job.Submit(context.Background(), SubmitOptions{Experiment: "missing"})
	require.Error(t, err)
	assert.Equal(t, 0, svc.count("Create"))
}

func TestUnsubmittedJob(t *testing.T) {
	job, err := New(context.Background(), testEnv(newFakeService(), newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)
	ctx := context.Background()

	done, err := job.Done(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = job.State(ctx)
	assert.ErrorIs(t, err, ErrNotSubmitted)
	assert.ErrorIs(t, job.Wait(ctx), ErrNotSubmitted)
	assert.ErrorIs(t, job.Cancel(ctx), ErrNotSubmitted)
	assert.ErrorIs(t, job.Delete(ctx), ErrNotSubmitted)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, job.WaitForResourceCreation(cctx), ErrAbandoned)
}

func TestStateQueriesRefetch(t *testing.T) {
	svc := newFakeService()
	svc.runCtx = true
	job, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)
	require.NoError(t, job.Submit(context.Background(), SubmitOptions{}))
	svc.script(job.ResourceName(), controlplane.StateRunning, controlplane.StateFailed)
	ctx := context.Background()

	state, err := job.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, controlplane.StateRunning, state)

	tasks, err := job.TaskDetails(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "train", tasks[0].TaskName)

	failed, err := job.HasFailed(ctx)
	require.NoError(t, err)
	assert.True(t, failed)

	done, err := job.Done(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, 4, svc.count("Get"))
}

func TestCancelAndDelete(t *testing.T) {
	svc := newFakeService()
	job, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)
	require.NoError(t, job.Submit(context.Background(), SubmitOptions{}))

	require.NoError(t, job.Cancel(context.Background()))
	assert.Equal(t, 1, svc.count("Cancel"))
	assert.Equal(t, 0, svc.count("Get"), "cancel does not wait")

	require.NoError(t, job.Delete(context.Background()))
	assert.Equal(t, 1, svc.count("Delete"))
}

func TestGetAndList(t *testing.T) {
	svc := newFakeService()
	env := testEnv(svc, newFakeClock())
	job, err := New(context.Background(), env, "pipeline.yaml", Options{})
	require.NoError(t, err)
	require.NoError(t, job.Submit(context.Background(), SubmitOptions{}))

	got, err := Get(context.Background(), env, "demo-flow-20240102030405")
	require.NoError(t, err)
	assert.True(t, got.Submitted())
	assert.Equal(t, job.ResourceName(), got.ResourceName())
	assert.Equal(t, job.DashboardURI(), got.DashboardURI())

	_, err = Get(context.Background(), env, "nope")
	assert.True(t, controlplane.IsNotFound(err))

	_, err = Get(context.Background(), env, "a/b")
	assert.ErrorIs(t, err, ErrConfig)

	jobs, err := List(context.Background(), env, ListOptions{Filter: `display_name="x"`, OrderBy: "create_time desc"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Contains(t, svc.calls, `List projects/p1/locations/us-central1 display_name="x" create_time desc`)
}

func TestExperimentRow(t *testing.T) {
	svc := newFakeService()
	svc.runCtx = true
	svc.execs = []*controlplane.Execution{{
		Name:     "exec-1",
		State:    "COMPLETE",
		Metadata: map[string]any{"input:learning_rate": 0.1, "epochs": 3},
	}}
	svc.artifacts = []*controlplane.Artifact{
		{Name: "m1", Metadata: map[string]any{"auc": 0.7, "loss": 0.4}},
		{Name: "m2", Metadata: map[string]any{"auc": 0.8}},
	}

	job, err := New(context.Background(), testEnv(svc, newFakeClock()), "pipeline.yaml", Options{})
	require.NoError(t, err)

	_, err = job.ExperimentRow(context.Background())
	assert.ErrorIs(t, err, ErrNotSubmitted)

	require.NoError(t, job.Submit(context.Background(), SubmitOptions{}))
	row, err := job.ExperimentRow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "system.PipelineRun", row.RunType)
	assert.Equal(t, "COMPLETE", row.State)
	assert.Equal(t, map[string]any{"learning_rate": 0.1, "epochs": 3}, row.Params)
	assert.Equal(t, map[string]any{"auc": 0.8, "loss": 0.4}, row.Metrics)
	assert.Equal(t, 1, svc.count("ListExecutions projects/p1/locations/us-central1/metadataStores/default"))
}
