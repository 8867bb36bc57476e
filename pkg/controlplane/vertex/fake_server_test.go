package vertex

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// fakeVertex emulates the slice of the Vertex REST surface the client uses.
type fakeVertex struct {
	mu       sync.Mutex
	jobs     map[string]map[string]any
	contexts map[string]map[string]any
	children map[string][]string
	requests []string
	filters  []string
}

func newFakeVertex() *fakeVertex {
	return &fakeVertex{
		jobs:     map[string]map[string]any{},
		contexts: map[string]map[string]any{},
		children: map[string][]string{},
	}
}

func (f *fakeVertex) start(t *testing.T) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.requests = append(f.requests, req.Method+" "+req.URL.Path)
			f.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})

	r.Route("/v1/projects/{project}/locations/{location}", func(r chi.Router) {
		r.Post("/pipelineJobs", f.createJob)
		r.Get("/pipelineJobs", f.listJobs)
		r.Get("/pipelineJobs/{job}", f.getJob)
		r.Post("/pipelineJobs/{job}", f.jobAction)
		r.Delete("/pipelineJobs/{job}", f.deleteJob)

		r.Get("/metadataStores/default/contexts/{ctx}", f.getContext)
		r.Post("/metadataStores/default/contexts/{ctx}", f.contextAction)
		r.Get("/metadataStores/default/executions", f.listExecutions)
		r.Get("/metadataStores/default/artifacts", f.listArtifacts)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message, "status": reason},
	})
}

func parentOf(r *http.Request) string {
	return "projects/" + chi.URLParam(r, "project") + "/locations/" + chi.URLParam(r, "location")
}

func (f *fakeVertex) createJob(w http.ResponseWriter, r *http.Request) {
	var job map[string]any
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	id := r.URL.Query().Get("pipelineJobId")
	name := parentOf(r) + "/pipelineJobs/" + id

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.jobs[name]; exists {
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", "PipelineJob "+id+" already exists")
		return
	}
	job["name"] = name
	job["state"] = "PIPELINE_STATE_PENDING"
	job["createTime"] = "2024-01-02T03:04:05Z"
	f.jobs[name] = job
	writeJSON(w, http.StatusOK, job)
}

func (f *fakeVertex) getJob(w http.ResponseWriter, r *http.Request) {
	name := parentOf(r) + "/pipelineJobs/" + chi.URLParam(r, "job")
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (f *fakeVertex) jobAction(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(chi.URLParam(r, "job"), ":cancel")
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
		return
	}
	name := parentOf(r) + "/pipelineJobs/" + id
	f.mu.Lock()
	defer f.mu.Unlock()
	job, exists := f.jobs[name]
	if !exists {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	job["state"] = "PIPELINE_STATE_CANCELLING"
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeVertex) deleteJob(w http.ResponseWriter, r *http.Request) {
	name := parentOf(r) + "/pipelineJobs/" + chi.URLParam(r, "job")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[name]; !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	delete(f.jobs, name)
	writeJSON(w, http.StatusOK, map[string]any{"name": name + "/operations/1"})
}

// listJobs serves two jobs per page to exercise pagination.
func (f *fakeVertex) listJobs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, r.URL.Query().Get("filter")+"|"+r.URL.Query().Get("orderBy"))

	names := make([]string, 0, len(f.jobs))
	for n := range f.jobs {
		if strings.HasPrefix(n, parentOf(r)+"/") {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	start := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		for i, n := range names {
			if n == tok {
				start = i
			}
		}
	}
	end := start + 2
	resp := map[string]any{}
	if end < len(names) {
		resp["nextPageToken"] = names[end]
	} else {
		end = len(names)
	}
	page := []any{}
	for _, n := range names[start:end] {
		page = append(page, f.jobs[n])
	}
	resp["pipelineJobs"] = page
	writeJSON(w, http.StatusOK, resp)
}

func (f *fakeVertex) getContext(w http.ResponseWriter, r *http.Request) {
	name := parentOf(r) + "/metadataStores/default/contexts/" + chi.URLParam(r, "ctx")
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[name]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such context")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (f *fakeVertex) contextAction(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(chi.URLParam(r, "ctx"), ":addContextChildren")
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
		return
	}
	var req struct {
		ChildContexts []string `json:"childContexts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	name := parentOf(r) + "/metadataStores/default/contexts/" + id
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[name] = append(f.children[name], req.ChildContexts...)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeVertex) listExecutions(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.filters = append(f.filters, r.URL.Query().Get("filter"))
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": []any{map[string]any{
			"name":        parentOf(r) + "/metadataStores/default/executions/run-1",
			"schemaTitle": "system.Run",
			"state":       "COMPLETE",
			"metadata":    map[string]any{"input:lr": 0.1},
		}},
	})
}

func (f *fakeVertex) listArtifacts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.filters = append(f.filters, r.URL.Query().Get("filter"))
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"artifacts": []any{map[string]any{
			"name":        parentOf(r) + "/metadataStores/default/artifacts/m-1",
			"schemaTitle": "system.Metrics",
			"uri":         "gs://bucket/metrics",
			"metadata":    map[string]any{"accuracy": 0.9},
		}},
	})
}
