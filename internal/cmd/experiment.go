package cmd

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusflow/pkg/output"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Read experiment lineage of pipeline runs",
}

var experimentRowCmd = &cobra.Command{
	Use:   "row <job>",
	Short: "Show the parameters and metrics recorded for a pipeline run",
	Long: `Show the experiment row of a pipeline run: the input parameters of its
run execution and the merged metadata of its metrics artifacts. Polls until
the run's metadata context exists (see lineage.max_attempts).`,
	Args: cobra.ExactArgs(1),
	RunE: runExperimentRow,
}

func init() {
	rootCmd.AddCommand(experimentCmd)
	experimentCmd.AddCommand(experimentRowCmd)
	experimentRowCmd.Flags().String("experiment", "", "Experiment name to tag the row with")
}

func runExperimentRow(cmd *cobra.Command, args []string) error {
	experimentName, _ := cmd.Flags().GetString("experiment")

	env, err := envForJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	job, err := pipelinejob.Get(cmd.Context(), env, args[0])
	if err != nil {
		return jobExitError("Failed to get pipeline job", err)
	}
	row, err := job.ExperimentRow(cmd.Context())
	if err != nil {
		if errors.Is(err, pipelinejob.ErrLineageNotFound) {
			return exitError(exitFileNotFound, "No lineage recorded for pipeline job", err)
		}
		return jobExitError("Failed to read experiment row", err)
	}

	if flagJSON {
		if err := newWriter(cmd.OutOrStdout()).WriteExperimentRow(cmd.Context(), output.RowFrom(experimentName, row)); err != nil {
			return exitError(exitFileWrite, "Failed to write output", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()
	_, _ = fmt.Fprintf(tw, "RUN\t%s\n", row.Name)
	_, _ = fmt.Fprintf(tw, "TYPE\t%s\n", row.RunType)
	_, _ = fmt.Fprintf(tw, "STATE\t%s\n", valueOrDash(row.State))
	for _, k := range sortedKeys(row.Params) {
		_, _ = fmt.Fprintf(tw, "param.%s\t%v\n", k, row.Params[k])
	}
	for _, k := range sortedKeys(row.Metrics) {
		_, _ = fmt.Fprintf(tw, "metric.%s\t%v\n", k, row.Metrics[k])
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
