package pipelinejob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeClock advances by exactly the requested duration on every After.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: fixedNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) elapsed() time.Duration {
	return c.Now().Sub(fixedNow)
}

// fakeService is an in-memory control plane. Each job walks through its
// script one state per Get and then stays on the last state.
type fakeService struct {
	mu        sync.Mutex
	jobs      map[string]*controlplane.PipelineJob
	scripts   map[string][]controlplane.State
	failure   *controlplane.Status
	runCtx    bool
	contexts  map[string]*controlplane.Context
	children  map[string][]string
	execs     []*controlplane.Execution
	artifacts []*controlplane.Artifact
	calls     []string
	createErr error
	getErr    error
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs:     map[string]*controlplane.PipelineJob{},
		scripts:  map[string][]controlplane.State{},
		contexts: map[string]*controlplane.Context{},
		children: map[string][]string{},
	}
}

var _ controlplane.Service = (*fakeService)(nil)

func (f *fakeService) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

// script sets the states a job reports on successive Gets.
func (f *fakeService) script(name string, states ...controlplane.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[name] = states
}

func (f *fakeService) Create(_ context.Context, parent string, job *controlplane.PipelineJob, jobID string, _ time.Duration) (*controlplane.PipelineJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Create " + parent + "/" + jobID)
	if f.createErr != nil {
		return nil, f.createErr
	}

	name := parent + "/pipelineJobs/" + jobID
	if _, exists := f.jobs[name]; exists {
		return nil, &controlplane.RemoteRequestError{Op: "Create", Name: name, Kind: controlplane.ErrAlreadyExists, Err: errors.New("googleapi: Error 409")}
	}

	res := copyJob(job)
	res.Name = name
	res.State = controlplane.StatePending
	res.CreateTime = fixedNow.Format(time.RFC3339)
	res.PipelineSpec["deploymentConfig"] = map[string]any{"executors": map[string]any{}}
	f.jobs[name] = res
	return copyJob(res), nil
}

func (f *fakeService) Get(_ context.Context, name string) (*controlplane.PipelineJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Get " + name)
	if f.getErr != nil {
		return nil, f.getErr
	}

	res, ok := f.jobs[name]
	if !ok {
		return nil, &controlplane.RemoteRequestError{Op: "Get", Name: name, Kind: controlplane.ErrNotFound, Err: errors.New("googleapi: Error 404")}
	}
	if s := f.scripts[name]; len(s) > 0 {
		res.State = s[0]
		if len(s) > 1 {
			f.scripts[name] = s[1:]
		}
	}
	if res.State == controlplane.StateFailed {
		res.Error = f.failure
	}
	if f.runCtx && res.JobDetail == nil {
		res.JobDetail = &controlplane.JobDetail{
			PipelineRunContext: &controlplane.Context{
				Name:        "projects/p1/locations/us-central1/metadataStores/default/contexts/run-ctx",
				SchemaTitle: "system.PipelineRun",
			},
			TaskDetails: []controlplane.TaskDetail{{TaskID: "1", TaskName: "train", State: "RUNNING"}},
		}
	}
	return copyJob(res), nil
}

func (f *fakeService) Cancel(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Cancel " + name)
	if _, ok := f.jobs[name]; !ok {
		return fmt.Errorf("no job %s", name)
	}
	f.scripts[name] = []controlplane.State{controlplane.StateCancelling, controlplane.StateCancelled}
	return nil
}

func (f *fakeService) List(_ context.Context, parent, filter, orderBy string) ([]*controlplane.PipelineJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("List " + parent + " " + filter + " " + orderBy)
	var out []*controlplane.PipelineJob
	for _, j := range f.jobs {
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (f *fakeService) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Delete " + name)
	delete(f.jobs, name)
	return nil
}

func (f *fakeService) GetContext(_ context.Context, name string) (*controlplane.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetContext " + name)
	c, ok := f.contexts[name]
	if !ok {
		return nil, &controlplane.RemoteRequestError{Op: "GetContext", Name: name, Kind: controlplane.ErrNotFound, Err: errors.New("404")}
	}
	return c, nil
}

func (f *fakeService) ListExecutions(_ context.Context, store, _ string) ([]*controlplane.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListExecutions " + store)
	return f.execs, nil
}

func (f *fakeService) ListArtifacts(_ context.Context, store, _ string) ([]*controlplane.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListArtifacts " + store)
	return f.artifacts, nil
}

func (f *fakeService) AddContextChildren(_ context.Context, parent string, children []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddContextChildren " + parent)
	f.children[parent] = append(f.children[parent], children...)
	return nil
}

// mapFetcher serves templates from memory.
type mapFetcher map[string]string

func (m mapFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	d, ok := m[uri]
	if !ok {
		return nil, fmt.Errorf("no template %s", uri)
	}
	return []byte(d), nil
}
