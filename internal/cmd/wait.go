package cmd

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/jobregistry"
	"github.com/3leaps/nimbusflow/pkg/output"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

// heartbeatInterval is how often a managed waiter refreshes its run record.
const heartbeatInterval = 30 * time.Second

var (
	managedRunFlagName = strings.TrimPrefix(jobregistry.ManagedRunFlag, "--")

	errManagedSingleJob = errors.New("a managed wait takes exactly one job")
)

var waitCmd = &cobra.Command{
	Use:   "wait <job>...",
	Short: "Wait for pipeline jobs to finish",
	Long: `Wait until every named pipeline job reaches a terminal state. Jobs are
waited on concurrently. The exit code is non-zero when any job fails.
Interrupting the wait leaves the remote jobs running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().String(managedRunFlagName, "", "Internal: run record updated by this waiter")
	_ = waitCmd.Flags().MarkHidden(managedRunFlagName)
}

func runWait(cmd *cobra.Command, args []string) error {
	managedRunID, _ := cmd.Flags().GetString(managedRunFlagName)
	if managedRunID != "" && len(args) != 1 {
		return exitError(exitInvalidArgument, "Invalid arguments", errManagedSingleJob)
	}

	jobs := make([]*pipelinejob.Job, 0, len(args))
	for _, arg := range args {
		env, err := envForJob(cmd.Context(), arg)
		if err != nil {
			return err
		}
		job, err := pipelinejob.Get(cmd.Context(), env, arg)
		if err != nil {
			if managedRunID != "" {
				finishManaged(managedRunID, jobregistry.RunStateUnknown, "", err)
			}
			return jobExitError("Failed to get pipeline job", err)
		}
		jobs = append(jobs, job)
	}

	if managedRunID != "" {
		return waitManaged(cmd, jobs[0], managedRunID)
	}

	started := time.Now()
	waitErr := waitAll(cmd, jobs)
	elapsed := time.Since(started)
	for _, job := range jobs {
		if err := emitState(cmd, job, elapsed); err != nil {
			return err
		}
	}
	if waitErr != nil {
		return jobExitError("Pipeline job did not succeed", waitErr)
	}
	return nil
}

// emitState reports where a waited-on job ended up.
func emitState(cmd *cobra.Command, job *pipelinejob.Job, elapsed time.Duration) error {
	res := job.Request()
	if !flagJSON {
		return emitJob(cmd, res, job.DashboardURI())
	}
	rec := &output.StateRecord{
		Job:      res.Name,
		State:    string(res.State),
		Terminal: res.State.IsTerminal(),
		Elapsed:  elapsed,
	}
	if err := newWriter(cmd.OutOrStdout()).WriteState(cmd.Context(), rec); err != nil {
		return exitError(exitFileWrite, "Failed to write output", err)
	}
	return nil
}

// waitManaged waits as a background child, keeping runID's record current.
func waitManaged(cmd *cobra.Command, job *pipelinejob.Job, runID string) error {
	store, err := runStore()
	if err != nil {
		return exitError(exitFileWrite, "Run registry unavailable", err)
	}
	logger := observability.CLILogger.With(zap.String("run_id", runID))

	stopHeartbeat := startHeartbeat(cmd.Context(), heartbeatInterval, func() {
		if err := store.Heartbeat(runID, string(job.Request().State)); err != nil {
			logger.Warn("Heartbeat failed", zap.Error(err))
		}
	})
	defer stopHeartbeat()

	logger.Info("Managed wait started", zap.String("job", job.ResourceName()))
	waitErr := job.Wait(cmd.Context())
	stopHeartbeat()
	finishRun(store, runID, job, waitErr)

	if waitErr != nil {
		return jobExitError("Pipeline job did not succeed", waitErr)
	}
	return emitJob(cmd, job.Request(), job.DashboardURI())
}

// startHeartbeat calls beat every interval until the returned stop is
// called. stop returns only after any in-flight beat has finished, so a
// record written after stop is never overwritten by a late heartbeat. stop
// may be called more than once.
func startHeartbeat(ctx context.Context, interval time.Duration, beat func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()

	return func() {
		cancel()
		<-stopped
	}
}

func finishManaged(runID string, state jobregistry.RunState, remote string, cause error) {
	store, err := runStore()
	if err != nil {
		return
	}
	if _, err := store.Finish(runID, state, remote, cause); err != nil {
		observability.CLILogger.Warn("Failed to update run record", zap.String("run_id", runID), zap.Error(err))
	}
}

func runStore() (*jobregistry.Store, error) {
	root, err := runsRootDir()
	if err != nil {
		return nil, err
	}
	return jobregistry.NewStore(root), nil
}
