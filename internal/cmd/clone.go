package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

var cloneCmd = &cobra.Command{
	Use:   "clone <job>",
	Short: "Submit a copy of an existing pipeline job",
	Long: `Clone reads an existing pipeline job and submits a new one with the same
pipeline spec and runtime config. Flags override individual values; the new
job ID defaults to cloned-<pipeline-name>-<timestamp>.`,
	Args: cobra.ExactArgs(1),
	RunE: runClone,
}

func init() {
	rootCmd.AddCommand(cloneCmd)
	addJobFlags(cloneCmd)
	addSubmitFlags(cloneCmd)
}

func runClone(cmd *cobra.Command, args []string) error {
	opts, err := readJobOptions(cmd)
	if err != nil {
		return err
	}
	sopts, mode, err := readSubmitOptions(cmd)
	if err != nil {
		return err
	}

	env, err := envForJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	src, err := pipelinejob.Get(cmd.Context(), env, args[0])
	if err != nil {
		return jobExitError("Failed to get source pipeline job", err)
	}

	job, err := src.Clone(cmd.Context(), pipelinejob.CloneOptions{
		DisplayName:       opts.DisplayName,
		JobID:             opts.JobID,
		PipelineRoot:      opts.PipelineRoot,
		ParameterValues:   opts.ParameterValues,
		EnableCaching:     opts.EnableCaching,
		EncryptionKeyName: opts.EncryptionKeyName,
		Labels:            opts.Labels,
		FailurePolicy:     opts.FailurePolicy,
	})
	if err != nil {
		return jobExitError("Failed to clone pipeline job", err)
	}

	return submitAndFollow(cmd, job, src.Request().TemplateURI, sopts, mode)
}
