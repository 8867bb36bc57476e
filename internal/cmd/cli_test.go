package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusflow/internal/config"
	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/jobregistry"
	"github.com/3leaps/nimbusflow/pkg/output"
)

const cliTemplate = `pipelineInfo:
  name: demo-flow
sdkVersion: kfp-2.7.0
root:
  dag:
    tasks:
      train:
        cachingOptions:
          enableCache: true
`

// memService is an in-memory control plane. Created jobs finish in
// finalState on their first Get.
type memService struct {
	mu         sync.Mutex
	jobs       map[string]*controlplane.PipelineJob
	finalState controlplane.State
	calls      []string
}

func newMemService() *memService {
	return &memService{
		jobs:       map[string]*controlplane.PipelineJob{},
		finalState: controlplane.StateSucceeded,
	}
}

var _ controlplane.Service = (*memService)(nil)

func (m *memService) called(prefix string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (m *memService) Create(_ context.Context, parent string, job *controlplane.PipelineJob, jobID string, _ time.Duration) (*controlplane.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Create "+parent+"/"+jobID)
	res := *job
	res.Name = parent + "/pipelineJobs/" + jobID
	res.State = controlplane.StatePending
	res.CreateTime = "2024-01-02T03:04:05Z"
	m.jobs[res.Name] = &res
	out := res
	return &out, nil
}

func (m *memService) Get(_ context.Context, name string) (*controlplane.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Get "+name)
	res, ok := m.jobs[name]
	if !ok {
		return nil, &controlplane.RemoteRequestError{Op: "Get", Name: name, Kind: controlplane.ErrNotFound, Err: errors.New("404")}
	}
	if !res.State.IsTerminal() {
		res.State = m.finalState
		if res.State == controlplane.StateFailed {
			res.Error = &controlplane.Status{Code: 9, Message: "task train failed"}
		}
	}
	out := *res
	return &out, nil
}

func (m *memService) Cancel(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Cancel "+name)
	res, ok := m.jobs[name]
	if !ok {
		return &controlplane.RemoteRequestError{Op: "Cancel", Name: name, Kind: controlplane.ErrNotFound, Err: errors.New("404")}
	}
	res.State = controlplane.StateCancelled
	return nil
}

func (m *memService) List(_ context.Context, parent, filter, orderBy string) ([]*controlplane.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "List "+parent+" "+filter+" "+orderBy)
	var out []*controlplane.PipelineJob
	for _, j := range m.jobs {
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (m *memService) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Delete "+name)
	delete(m.jobs, name)
	return nil
}

func (m *memService) GetContext(_ context.Context, name string) (*controlplane.Context, error) {
	return nil, &controlplane.RemoteRequestError{Op: "GetContext", Name: name, Kind: controlplane.ErrNotFound, Err: errors.New("404")}
}

func (m *memService) ListExecutions(context.Context, string, string) ([]*controlplane.Execution, error) {
	return nil, nil
}

func (m *memService) ListArtifacts(context.Context, string, string) ([]*controlplane.Artifact, error) {
	return nil, nil
}

func (m *memService) AddContextChildren(context.Context, string, []string) error {
	return nil
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupCLI points the CLI at svc, a temp data dir and a written template.
func setupCLI(t *testing.T) (*memService, string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("CLOUDSDK_CORE_PROJECT", "")
	t.Setenv(config.EnvPrefix+"_CONFIG", "")
	t.Setenv(config.EnvPrefix+"_PROJECT", "p1")
	t.Setenv(config.EnvPrefix+"_LOCATION", "us-central1")
	t.Setenv(config.EnvPrefix+"_STAGING_BUCKET", "gs://staging")
	t.Setenv(config.EnvPrefix+"_DATA_DIR", t.TempDir())
	t.Setenv(config.EnvPrefix+"_LOG_LEVEL", "error")

	svc := newMemService()
	origService := newService
	newService = func(context.Context, *config.Config, string) (controlplane.Service, error) {
		return svc, nil
	}
	t.Cleanup(func() {
		newService = origService
		resetFlags(rootCmd)
	})
	resetFlags(rootCmd)

	template := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(template, []byte(cliTemplate), 0o644))
	return svc, template
}

// resetFlags returns every flag to its default; cobra keeps parsed values on
// the package-level command tree between executions.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeRecords(t *testing.T, s string) []output.Record {
	t.Helper()
	var recs []output.Record
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), sc.Text())
		recs = append(recs, r)
	}
	return recs
}

func registryRuns(t *testing.T) []jobregistry.RunRecord {
	t.Helper()
	store, err := runStore()
	require.NoError(t, err)
	runs, err := store.List()
	require.NoError(t, err)
	return runs
}

func TestCLI_RunNoWait(t *testing.T) {
	svc, template := setupCLI(t)

	out, err := execCLI(t, "run", "--template", template, "--job-id", "demo-1", "--no-wait", "--json")
	require.NoError(t, err)

	recs := decodeRecords(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, output.TypeJob, recs[0].Type)
	assert.Equal(t, correlationID, recs[0].CorrelationID)

	var job output.JobRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &job))
	assert.Equal(t, "projects/p1/locations/us-central1/pipelineJobs/demo-1", job.Name)

	assert.True(t, svc.called("Create projects/p1/locations/us-central1/demo-1"))
	assert.False(t, svc.called("Get "))

	runs := registryRuns(t)
	require.Len(t, runs, 1)
	assert.Equal(t, jobregistry.RunStateSubmitted, runs[0].State)
	assert.Equal(t, "demo-1", runs[0].JobID)
	assert.Equal(t, template, runs[0].Template)
}

func TestCLI_RunWaitSucceeded(t *testing.T) {
	_, template := setupCLI(t)

	out, err := execCLI(t, "run", "--template", template, "--job-id", "demo-2")
	require.NoError(t, err)
	assert.Contains(t, out, "pipelineJobs/demo-2\tsucceeded")

	runs := registryRuns(t)
	require.Len(t, runs, 1)
	assert.Equal(t, jobregistry.RunStateSucceeded, runs[0].State)
	assert.Equal(t, string(controlplane.StateSucceeded), runs[0].RemoteState)
	assert.NotNil(t, runs[0].EndedAt)
}

func TestCLI_RunWaitFailed(t *testing.T) {
	svc, template := setupCLI(t)
	svc.finalState = controlplane.StateFailed

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-3")
	require.Error(t, err)
	assert.Equal(t, exitJobFailed, ExitCode(err))
	assert.Contains(t, err.Error(), "task train failed")

	runs := registryRuns(t)
	require.Len(t, runs, 1)
	assert.Equal(t, jobregistry.RunStateFailed, runs[0].State)
	assert.Contains(t, runs[0].Error, "task train failed")
}

func TestCLI_RunInvalidJobID(t *testing.T) {
	svc, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "Bad_ID", "--no-wait")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
	assert.False(t, svc.called("Create"))
}

func TestCLI_RunMissingTemplate(t *testing.T) {
	setupCLI(t)

	_, err := execCLI(t, "run", "--template", filepath.Join(t.TempDir(), "nope.yaml"), "--no-wait")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))
}

func TestCLI_ConflictingFollowFlags(t *testing.T) {
	_, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--no-wait", "--background")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}

func TestCLI_Validate(t *testing.T) {
	svc, template := setupCLI(t)

	out, err := execCLI(t, "validate", "--template", template, "--param", "epochs=3", "--enable-caching=false")
	require.NoError(t, err)

	var req controlplane.PipelineJob
	require.NoError(t, json.Unmarshal([]byte(out), &req))
	assert.True(t, strings.HasPrefix(req.Name, "projects/p1/locations/us-central1/pipelineJobs/demo-flow-"), req.Name)
	assert.Equal(t, "gs://staging", req.RuntimeConfig["gcsOutputDirectory"])
	assert.Empty(t, svc.calls)
}

func TestCLI_GetAndList(t *testing.T) {
	svc, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-4", "--no-wait")
	require.NoError(t, err)
	resetFlags(rootCmd)

	out, err := execCLI(t, "get", "demo-4")
	require.NoError(t, err)
	assert.Contains(t, out, "projects/p1/locations/us-central1/pipelineJobs/demo-4")
	assert.Contains(t, out, "succeeded")
	resetFlags(rootCmd)

	out, err = execCLI(t, "list", "--filter", `state="PIPELINE_STATE_SUCCEEDED"`, "--order-by", "create_time desc")
	require.NoError(t, err)
	assert.Contains(t, out, "demo-4")
	assert.True(t, svc.called(`List projects/p1/locations/us-central1 state="PIPELINE_STATE_SUCCEEDED" create_time desc`))
	resetFlags(rootCmd)

	_, err = execCLI(t, "get", "missing-job")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))
}

func TestCLI_CancelContinuesPastFailures(t *testing.T) {
	svc, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-5", "--no-wait")
	require.NoError(t, err)
	resetFlags(rootCmd)

	_, err = execCLI(t, "cancel", "missing-job", "demo-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-job")
	assert.True(t, svc.called("Cancel projects/p1/locations/us-central1/pipelineJobs/demo-5"))
}

func TestCLI_WaitJSON(t *testing.T) {
	_, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-6", "--no-wait")
	require.NoError(t, err)
	resetFlags(rootCmd)

	out, err := execCLI(t, "wait", "--json", "projects/p1/locations/us-central1/pipelineJobs/demo-6")
	require.NoError(t, err)

	recs := decodeRecords(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, output.TypeState, recs[0].Type)

	var st output.StateRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &st))
	assert.Equal(t, string(controlplane.StateSucceeded), st.State)
	assert.True(t, st.Terminal)
}

func TestCLI_CloneSubmitsCopy(t *testing.T) {
	svc, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-7", "--no-wait")
	require.NoError(t, err)
	resetFlags(rootCmd)

	out, err := execCLI(t, "clone", "demo-7", "--no-wait")
	require.NoError(t, err)
	assert.Contains(t, out, "pipelineJobs/cloned-demo-flow-")
	assert.True(t, svc.called("Create projects/p1/locations/us-central1/cloned-demo-flow-"))
}

func TestCLI_RunsListAndStatus(t *testing.T) {
	_, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-8", "--display-name", "nightly", "--no-wait")
	require.NoError(t, err)
	resetFlags(rootCmd)

	out, err := execCLI(t, "runs", "list", "--name", "night*")
	require.NoError(t, err)
	assert.Contains(t, out, "demo-8")
	resetFlags(rootCmd)

	out, err = execCLI(t, "runs", "list", "--name", "other*")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")
	resetFlags(rootCmd)

	out, err = execCLI(t, "runs", "status", "demo-8")
	require.NoError(t, err)
	assert.Contains(t, out, "state=submitted")
	assert.Contains(t, out, "job_name=projects/p1/locations/us-central1/pipelineJobs/demo-8")
	resetFlags(rootCmd)

	_, err = execCLI(t, "runs", "status", "nothing-here")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))
}

func TestCLI_RunsGC(t *testing.T) {
	_, template := setupCLI(t)

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-9")
	require.NoError(t, err)
	resetFlags(rootCmd)

	out, err := execCLI(t, "runs", "gc", "--max-age", "1ns", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would_delete=1")
	resetFlags(rootCmd)

	out, err = execCLI(t, "runs", "gc", "--max-age", "1ns")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted=1")
	assert.Empty(t, registryRuns(t))
}

func TestCLI_ExperimentRowNoLineage(t *testing.T) {
	_, template := setupCLI(t)
	t.Setenv(config.EnvPrefix+"_LINEAGE_MAX_ATTEMPTS", "1")
	t.Setenv(config.EnvPrefix+"_LINEAGE_POLL_INTERVAL", "1ms")

	_, err := execCLI(t, "run", "--template", template, "--job-id", "demo-10")
	require.NoError(t, err)
	resetFlags(rootCmd)

	_, err = execCLI(t, "experiment", "row", "demo-10")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))
}

func TestCLI_Version(t *testing.T) {
	setupCLI(t)

	out, err := execCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "nimbusflow "+versionInfo.Version)
}
