package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

var validateCmd = &cobra.Command{
	Use:   "validate --template <uri>",
	Short: "Build the create request for a template without submitting it",
	Long: `Load, validate and normalize a template, apply overrides, and print the
PipelineJob request that 'run' would send. No control-plane call is made;
remote templates are still fetched.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("template", "", "Pipeline template path or URI (required)")
	_ = validateCmd.MarkFlagRequired("template")
	addJobFlags(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	template, _ := cmd.Flags().GetString("template")

	opts, err := readJobOptions(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	env := pipelinejob.Env{
		Project:           cfg.Project,
		Location:          cfg.Location,
		StagingBucket:     cfg.StagingBucket,
		EncryptionKeyName: cfg.EncryptionKey,
		Fetcher:           newFetcher(cfg),
	}

	job, err := pipelinejob.New(cmd.Context(), env, template, opts)
	if err != nil {
		return jobExitError("Invalid pipeline job", err)
	}

	req := job.Request()
	req.Name = job.Parent() + "/pipelineJobs/" + job.JobID()

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !flagJSON {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(req); err != nil {
		return exitError(exitFileWrite, "Failed to write output", err)
	}
	return nil
}
