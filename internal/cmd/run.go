package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

var runCmd = &cobra.Command{
	Use:   "run --template <uri>",
	Short: "Submit a pipeline template as a new job",
	Long: `Submit a compiled pipeline template as a Vertex AI PipelineJob.

By default the command waits until the job reaches a terminal state and
exits non-zero if it failed. Use --no-wait to return after creation, or
--background to hand waiting off to a managed process tracked under
'nimbusflow runs'.

Examples:
  nimbusflow run --template pipeline.yaml --param epochs=10
  nimbusflow run --template gs://bucket/pipeline.json --no-wait
  nimbusflow run --template https://us-central1-kfp.pkg.dev/p/repo/train/v1 --background`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("template", "", "Pipeline template path or URI (required)")
	_ = runCmd.MarkFlagRequired("template")
	addJobFlags(runCmd)
	addSubmitFlags(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	template, _ := cmd.Flags().GetString("template")

	opts, err := readJobOptions(cmd)
	if err != nil {
		return err
	}
	sopts, mode, err := readSubmitOptions(cmd)
	if err != nil {
		return err
	}

	env, err := buildEnv(cmd.Context(), "")
	if err != nil {
		return err
	}

	job, err := pipelinejob.New(cmd.Context(), env, template, opts)
	if err != nil {
		observability.CLILogger.Error("Failed to build pipeline job",
			zap.String("template", template),
			zap.Error(err))
		return jobExitError("Invalid pipeline job", err)
	}
	observability.CLILogger.Debug("Built pipeline job",
		zap.String("job_id", job.JobID()),
		zap.String("parent", job.Parent()))

	return submitAndFollow(cmd, job, template, sopts, mode)
}
