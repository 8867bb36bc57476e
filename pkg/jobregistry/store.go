package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrRunNotFound is returned when no record matches a run id or job name.
var ErrRunNotFound = errors.New("run not found")

// Store persists and loads RunRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/run.json
//	<root>/<run_id>/stdout.log
//	<root>/<run_id>/stderr.log
//
// Root is expected to be under the app data dir.
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: time.Now}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write atomically replaces the record on disk.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}

	if err := os.Rename(tmpName, s.RunPath(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads one record. A waiting record whose waiter process is gone is
// rewritten as unknown.
func (s *Store) Get(runID string) (*RunRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.RunPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if record.State == RunStateWaiting && record.PID > 0 && !IsProcessAlive(record.PID) {
		record.State = RunStateUnknown
		now := s.now().UTC()
		record.LastHeartbeat = &now
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns every readable record, newest first.
func (s *Store) List() ([]RunRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})

	return out, nil
}

// Match returns records whose display name or job id matches the doublestar
// pattern, newest first.
func (s *Store) Match(pattern string) ([]RunRecord, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return s.List()
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(all))
	for _, r := range all {
		if matchField(pattern, r.DisplayName) || matchField(pattern, r.JobID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Resolve finds a record by exact run id, run id prefix, job id or full job
// resource name. Ambiguous prefixes are an error.
func (s *Store) Resolve(input string) (*RunRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("run id is required")
	}

	if r, err := s.Get(input); err == nil {
		return r, nil
	}

	runs, err := s.List()
	if err != nil {
		return nil, err
	}

	// Newest record wins for job names; a job can be waited on more than once.
	for i := range runs {
		if runs[i].JobName == input || runs[i].JobID == input {
			return &runs[i], nil
		}
	}

	var matches []*RunRecord
	for i := range runs {
		if strings.HasPrefix(runs[i].RunID, input) {
			matches = append(matches, &runs[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, input)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous (%d matches)", input, len(matches))
	}
}

// Finish records the outcome reported by a waiter.
func (s *Store) Finish(runID string, state RunState, remoteState string, cause error) (*RunRecord, error) {
	rec, err := s.Get(runID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec.State = state
	rec.RemoteState = remoteState
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat stamps the record. A non-empty remoteState replaces the stored
// one.
func (s *Store) Heartbeat(runID string, remoteState string) error {
	rec, err := s.Get(runID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	rec.LastHeartbeat = &now
	if remoteState != "" {
		rec.RemoteState = remoteState
	}
	return s.Write(rec)
}

// GC removes final records that ended before cutoff and returns how many
// were (or, with dryRun, would be) removed.
func (s *Store) GC(cutoff time.Time, dryRun bool) (int, error) {
	runs, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if !r.State.IsFinal() || r.EndedAt == nil || !r.EndedAt.Before(cutoff) {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if err := os.RemoveAll(s.RunDir(r.RunID)); err != nil {
			return n - 1, fmt.Errorf("remove run %s: %w", r.RunID, err)
		}
	}
	return n, nil
}

func matchField(pattern, value string) bool {
	if value == "" {
		return false
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// IsProcessAlive reports whether pid names a running process. Signal 0
// checks existence without delivering anything.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
