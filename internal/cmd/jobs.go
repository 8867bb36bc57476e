package cmd

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/output"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

var getCmd = &cobra.Command{
	Use:   "get <job>...",
	Short: "Show pipeline jobs",
	Long: `Show one or more pipeline jobs. A job is either a full resource name
(projects/{p}/locations/{l}/pipelineJobs/{id}) or a job ID in the
configured project and location.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline jobs in the configured project and location",
	Long: `List pipeline jobs. --filter and --order-by are passed to the service
unchanged, e.g. --filter 'display_name="train" AND state="PIPELINE_STATE_FAILED"'
--order-by 'create_time desc'.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job>...",
	Short: "Request cancellation of pipeline jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCancel,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job>...",
	Short: "Delete pipeline jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)

	getCmd.Flags().Bool("tasks", false, "Include per-task details")
	listCmd.Flags().String("filter", "", "Service-side list filter")
	listCmd.Flags().String("order-by", "", "Service-side ordering")
}

func runGet(cmd *cobra.Command, args []string) error {
	withTasks, _ := cmd.Flags().GetBool("tasks")

	jobs := make([]*pipelinejob.Job, 0, len(args))
	for _, arg := range args {
		env, err := envForJob(cmd.Context(), arg)
		if err != nil {
			return err
		}
		job, err := pipelinejob.Get(cmd.Context(), env, arg)
		if err != nil {
			return jobExitError("Failed to get pipeline job", err)
		}
		jobs = append(jobs, job)
	}

	if flagJSON {
		w := newWriter(cmd.OutOrStdout())
		for _, job := range jobs {
			res := job.Request()
			if err := w.WriteJob(cmd.Context(), output.JobFrom(res, job.DashboardURI())); err != nil {
				return exitError(exitFileWrite, "Failed to write output", err)
			}
			if !withTasks || res.JobDetail == nil {
				continue
			}
			for _, t := range output.TasksFrom(res.Name, res.JobDetail.TaskDetails) {
				if err := w.WriteTask(cmd.Context(), t); err != nil {
					return exitError(exitFileWrite, "Failed to write output", err)
				}
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	for _, job := range jobs {
		res := job.Request()
		_, _ = fmt.Fprintf(tw, "NAME\t%s\n", res.Name)
		_, _ = fmt.Fprintf(tw, "DISPLAY NAME\t%s\n", valueOrDash(res.DisplayName))
		_, _ = fmt.Fprintf(tw, "STATE\t%s\n", stateOrDash(res.State))
		_, _ = fmt.Fprintf(tw, "CREATED\t%s\n", valueOrDash(res.CreateTime))
		_, _ = fmt.Fprintf(tw, "ENDED\t%s\n", valueOrDash(res.EndTime))
		_, _ = fmt.Fprintf(tw, "DASHBOARD\t%s\n", job.DashboardURI())
		if res.Error != nil && res.Error.Message != "" {
			_, _ = fmt.Fprintf(tw, "ERROR\t%s\n", res.Error.Message)
		}
		if withTasks && res.JobDetail != nil {
			for _, t := range res.JobDetail.TaskDetails {
				_, _ = fmt.Fprintf(tw, "  TASK\t%s\t%s\n", t.TaskName, valueOrDash(t.State))
			}
		}
		_, _ = fmt.Fprintln(tw)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	filter, _ := cmd.Flags().GetString("filter")
	orderBy, _ := cmd.Flags().GetString("order-by")

	env, err := buildEnv(cmd.Context(), "")
	if err != nil {
		return err
	}
	jobs, err := pipelinejob.List(cmd.Context(), env, pipelinejob.ListOptions{Filter: filter, OrderBy: orderBy})
	if err != nil {
		return jobExitError("Failed to list pipeline jobs", err)
	}

	if flagJSON {
		w := newWriter(cmd.OutOrStdout())
		for _, job := range jobs {
			if err := w.WriteJob(cmd.Context(), output.JobFrom(job.Request(), job.DashboardURI())); err != nil {
				return exitError(exitFileWrite, "Failed to write output", err)
			}
		}
		return nil
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No pipeline jobs found")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintln(tw, "JOB ID\tDISPLAY NAME\tSTATE\tCREATED")
	for _, job := range jobs {
		res := job.Request()
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", job.JobID(), valueOrDash(res.DisplayName), stateOrDash(res.State), valueOrDash(res.CreateTime))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	return forEachJob(cmd, args, "cancel", func(job *pipelinejob.Job) error {
		if err := job.Cancel(cmd.Context()); err != nil {
			return err
		}
		observability.CLILogger.Info("Cancellation requested", zap.String("job", job.ResourceName()))
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return forEachJob(cmd, args, "delete", func(job *pipelinejob.Job) error {
		if err := job.Delete(cmd.Context()); err != nil {
			return err
		}
		observability.CLILogger.Info("Deletion requested", zap.String("job", job.ResourceName()))
		return nil
	})
}

// forEachJob resolves every argument and applies fn, continuing past
// failures. The returned error joins every failure.
func forEachJob(cmd *cobra.Command, args []string, verb string, fn func(*pipelinejob.Job) error) error {
	var errs []error
	for _, arg := range args {
		env, err := envForJob(cmd.Context(), arg)
		if err != nil {
			return err
		}
		job, err := pipelinejob.Get(cmd.Context(), env, arg)
		if err == nil {
			err = fn(job)
		}
		if err != nil {
			observability.CLILogger.Error("Failed to "+verb+" pipeline job", zap.String("job", arg), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", arg, err))
		}
	}
	if len(errs) > 0 {
		return jobExitError("Failed to "+verb+" "+pluralJobs(len(errs)), errors.Join(errs...))
	}
	return nil
}

// waitAll waits on every job concurrently and joins the failures.
func waitAll(cmd *cobra.Command, jobs []*pipelinejob.Job) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := job.Wait(cmd.Context()); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func pluralJobs(n int) string {
	if n == 1 {
		return "1 pipeline job"
	}
	return fmt.Sprintf("%d pipeline jobs", n)
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
