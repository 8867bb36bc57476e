package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagedRunFlag is the hidden flag the background waiter receives.
const ManagedRunFlag = "--_managed-run-id"

// Executor spawns background waiters for submitted pipeline runs.
//
// A waiter is a child process running `nimbusflow wait` in managed mode. Its
// stdout/stderr go to per-run log files and it reports the outcome back into
// the run record.
type Executor struct {
	store *Store

	// Executable overrides the binary spawned as the waiter. Empty means the
	// running executable.
	Executable string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stdout.log")
}

func (e *Executor) StderrPath(runID string) string {
	return filepath.Join(e.store.RunDir(runID), "stderr.log")
}

type BackgroundOptions struct {
	// Dedupe refuses to start when a live waiter already watches the job.
	Dedupe bool

	// ExtraArgs are appended to the waiter command line.
	ExtraArgs []string
}

// Register stores a record for a submitted job without spawning a waiter.
func (e *Executor) Register(rec RunRecord) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if strings.TrimSpace(rec.JobName) == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.State == "" {
		rec.State = RunStateSubmitted
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.store.now().UTC()
	}
	if err := e.store.Write(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StartWaitBackground spawns a managed child process running:
//
//	nimbusflow wait <job_name> --_managed-run-id <run_id>
//
// It returns after the child successfully starts.
func (e *Executor) StartWaitBackground(rec RunRecord, opts BackgroundOptions) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	jobName := strings.TrimSpace(rec.JobName)
	if jobName == "" {
		return nil, fmt.Errorf("job name is required")
	}

	if opts.Dedupe {
		existing, _ := e.store.List()
		for _, r := range existing {
			if r.JobName == jobName && r.State == RunStateWaiting {
				return nil, fmt.Errorf("a waiter is already running for %s: %s", jobName, r.RunID)
			}
		}
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(e.store.RunDir(runID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	exe := e.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	args := append([]string{"wait", jobName, ManagedRunFlag, runID}, opts.ExtraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	// The record must exist before the child looks it up.
	now := e.store.now().UTC()
	rec.RunID = runID
	rec.JobName = jobName
	rec.State = RunStateWaiting
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.StartedAt = &now
	hb := now
	rec.LastHeartbeat = &hb
	rec.StdoutPath = e.StdoutPath(runID)
	rec.StderrPath = e.StderrPath(runID)
	if err := e.store.Write(&rec); err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_, _ = e.store.Finish(runID, RunStateUnknown, "", err)
		return nil, fmt.Errorf("start background waiter: %w", err)
	}

	rec.PID = cmd.Process.Pid
	// A fast waiter may already have finished; keep its outcome.
	if cur, err := e.store.Get(runID); err == nil && cur.State == RunStateWaiting {
		cur.PID = rec.PID
		if err := e.store.Write(cur); err != nil {
			return nil, err
		}
		rec = *cur
	}
	// Reap the child so it does not linger as a zombie while we are alive.
	go func() { _ = cmd.Wait() }()

	return &rec, nil
}

// Since reports how long ago t was, for table output.
func Since(t *time.Time, now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return now.Sub(*t).Round(time.Second)
}
