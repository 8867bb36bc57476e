package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/jobregistry"
	"github.com/3leaps/nimbusflow/pkg/output"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline runs recorded on this machine",
	Long: `Inspect the local run registry.

Every job submitted by this CLI is recorded under <data_dir>/runs with a
stable run id. Runs started with --background are waited on by a managed
process whose logs live next to the record.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run|job>",
	Short: "Show a recorded run",
	Long: `Show a recorded run. The argument may be a run id, a unique run id
prefix, a job ID or a full job resource name.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsStatus,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run|job>",
	Short: "Show logs of a background waiter",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run|job>",
	Short: "Stop a background waiter; the remote job keeps running",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStop,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished run records",
	Args:  cobra.NoArgs,
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsCmd.AddCommand(runsStopCmd)
	runsCmd.AddCommand(runsGCCmd)

	runsListCmd.Flags().String("name", "", "Only runs whose display name or job ID matches this glob")
	runsLogsCmd.Flags().String("stream", "stderr", "Log stream: stdout, stderr, or both")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	runsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	runsGCCmd.Flags().Duration("max-age", 7*24*time.Hour, "Delete finished runs that ended longer ago than this")
	runsGCCmd.Flags().Bool("dry-run", false, "Only report how many runs would be deleted")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	pattern, _ := cmd.Flags().GetString("name")

	store, err := runStore()
	if err != nil {
		return exitError(exitFileRead, "Run registry unavailable", err)
	}

	var runs []jobregistry.RunRecord
	if strings.TrimSpace(pattern) != "" {
		runs, err = store.Match(pattern)
		if err != nil {
			return exitError(exitInvalidArgument, "Invalid --name pattern", err)
		}
	} else {
		runs, err = store.List()
		if err != nil {
			return exitError(exitFileRead, "Failed to list runs", err)
		}
	}

	if flagJSON {
		w := newWriter(cmd.OutOrStdout())
		for i := range runs {
			if err := w.WriteRun(cmd.Context(), output.RunFrom(&runs[i])); err != nil {
				return exitError(exitFileWrite, "Failed to write output", err)
			}
		}
		return nil
	}

	if len(runs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintln(tw, "RUN ID\tJOB ID\tSTATE\tREMOTE\tAGE\tDISPLAY NAME")
	for _, r := range runs {
		started := r.StartedAt
		if started == nil {
			started = &r.CreatedAt
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			valueOrDash(r.JobID),
			r.State,
			remoteShort(r.RemoteState),
			jobregistry.Since(started, now),
			valueOrDash(r.DisplayName),
		)
	}
	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	store, err := runStore()
	if err != nil {
		return exitError(exitFileRead, "Run registry unavailable", err)
	}
	rec, err := resolveRun(store, args[0])
	if err != nil {
		return err
	}

	if flagJSON {
		return emitRun(cmd, rec)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "job_name=%s\n", rec.JobName)
	if rec.DisplayName != "" {
		_, _ = fmt.Fprintf(out, "display_name=%s\n", rec.DisplayName)
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.RemoteState != "" {
		_, _ = fmt.Fprintf(out, "remote_state=%s\n", rec.RemoteState)
	}
	if rec.Template != "" {
		_, _ = fmt.Fprintf(out, "template=%s\n", rec.Template)
	}
	if rec.Experiment != "" {
		_, _ = fmt.Fprintf(out, "experiment=%s\n", rec.Experiment)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	_, _ = fmt.Fprintf(out, "dashboard_url=%s\n", rec.DashboardURL)
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(out, "last_heartbeat=%s\n", formatOptionalTime(rec.LastHeartbeat))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	tailN, _ := cmd.Flags().GetInt("tail")
	tailN = max(tailN, 0)
	follow, _ := cmd.Flags().GetBool("follow")

	exe, err := newExecutor()
	if err != nil {
		return exitError(exitFileRead, "Run registry unavailable", err)
	}
	rec, err := resolveRun(exe.Store(), args[0])
	if err != nil {
		return err
	}

	stdoutPath := rec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = exe.StdoutPath(rec.RunID)
	}
	stderrPath := rec.StderrPath
	if stderrPath == "" {
		stderrPath = exe.StderrPath(rec.RunID)
	}

	var paths []string
	switch stream {
	case "stdout":
		paths = []string{stdoutPath}
	case "stderr", "":
		paths = []string{stderrPath}
	case "both":
		paths = []string{stdoutPath, stderrPath}
	default:
		return exitError(exitInvalidArgument, "Invalid --stream",
			fmt.Errorf("got %q, expected stdout, stderr, or both", stream))
	}

	out := cmd.OutOrStdout()
	for _, p := range paths {
		if follow && len(paths) == 1 {
			err = followLog(cmd.Context(), out, p)
		} else {
			err = printLogTail(out, p, tailN)
		}
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return exitError(exitFileNotFound, "No log for run "+rec.RunID, err)
			}
			return exitError(exitFileRead, "Failed to read log", err)
		}
	}
	return nil
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	store, err := runStore()
	if err != nil {
		return exitError(exitFileRead, "Run registry unavailable", err)
	}
	rec, err := resolveRun(store, args[0])
	if err != nil {
		return err
	}
	if rec.State != jobregistry.RunStateWaiting || rec.PID <= 0 {
		return exitError(exitInvalidArgument, "Run has no active waiter",
			fmt.Errorf("run %s is %s", rec.RunID, rec.State))
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return exitError(exitUnavailable, "Failed to find waiter", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return exitError(exitUnavailable, "Failed to signal waiter", err)
	}

	// The waiter records itself as abandoned on SIGTERM. Give it a moment,
	// then record it ourselves.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !jobregistry.IsProcessAlive(rec.PID) {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if cur, err := store.Get(rec.RunID); err == nil && !cur.State.IsFinal() {
		if _, err := store.Finish(rec.RunID, jobregistry.RunStateAbandoned, cur.RemoteState, errors.New("waiter stopped")); err != nil {
			return exitError(exitFileWrite, "Failed to update run record", err)
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stopped=%s\n", rec.RunID)
	return nil
}

type runsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runRunsGC(cmd *cobra.Command, _ []string) error {
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	if maxAge <= 0 {
		return exitError(exitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store, err := runStore()
	if err != nil {
		return exitError(exitFileRead, "Run registry unavailable", err)
	}
	n, err := store.GC(time.Now().UTC().Add(-maxAge), dryRun)
	if err != nil {
		return exitError(exitFileWrite, "Failed to delete runs", err)
	}

	if flagJSON {
		res := runsGCResult{DryRun: dryRun, MaxAge: maxAge.String()}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", n)
	return nil
}

func resolveRun(store *jobregistry.Store, input string) (*jobregistry.RunRecord, error) {
	rec, err := store.Resolve(input)
	if err != nil {
		if errors.Is(err, jobregistry.ErrRunNotFound) {
			return nil, exitError(exitFileNotFound, "Run not found", err)
		}
		return nil, exitError(exitInvalidArgument, "Cannot resolve run", err)
	}
	return rec, nil
}

func shortRunID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func remoteShort(s string) string {
	if s == "" {
		return "-"
	}
	return controlplane.State(s).Short()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog copies path to w and keeps polling for appended data until ctx
// ends.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			_, _ = io.WriteString(w, line)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}
