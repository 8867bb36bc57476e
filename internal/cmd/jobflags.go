package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/jobregistry"
	"github.com/3leaps/nimbusflow/pkg/output"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
)

type followMode int

const (
	followWait followMode = iota
	followNone
	followBackground
)

// addJobFlags registers the flags that shape a job request.
func addJobFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("job-id", "", "Job ID (default <pipeline-name>-<timestamp>)")
	f.String("display-name", "", "Display name (1-128 characters)")
	f.String("pipeline-root", "", "Root for pipeline outputs (gs:// URI or local path)")
	f.StringArray("param", nil, "Parameter override key=value; JSON values are decoded (repeatable)")
	f.Bool("enable-caching", false, "Force task caching on or off; unset keeps each task's setting")
	f.StringToString("label", nil, "Job label key=value (repeatable)")
	f.String("encryption-key", "", "Cloud KMS key for the job (default NIMBUSFLOW_ENCRYPTION_KEY)")
	f.String("failure-policy", "", "Pipeline failure policy: fast or slow")
}

// addSubmitFlags registers the flags that control submission and waiting.
func addSubmitFlags(c *cobra.Command) {
	f := c.Flags()
	f.String("service-account", "", "Service account the job runs as")
	f.String("network", "", "VPC network to peer with (projects/{n}/global/networks/{name})")
	f.String("experiment", "", "Experiment to associate the run with")
	f.Duration("create-timeout", 0, "Timeout for the create request (0 = none)")
	f.Bool("no-wait", false, "Return once the job is created")
	f.Bool("background", false, "Wait in a managed background process (see 'nimbusflow runs')")
}

func readJobOptions(cmd *cobra.Command) (pipelinejob.Options, error) {
	f := cmd.Flags()
	var opts pipelinejob.Options
	opts.JobID, _ = f.GetString("job-id")
	opts.DisplayName, _ = f.GetString("display-name")
	opts.PipelineRoot, _ = f.GetString("pipeline-root")
	opts.EncryptionKeyName, _ = f.GetString("encryption-key")
	opts.FailurePolicy, _ = f.GetString("failure-policy")

	rawParams, _ := f.GetStringArray("param")
	params, err := parseParams(rawParams)
	if err != nil {
		return opts, exitError(exitInvalidArgument, "Invalid --param value", err)
	}
	opts.ParameterValues = params

	if f.Changed("enable-caching") {
		v, _ := f.GetBool("enable-caching")
		opts.EnableCaching = &v
	}

	labels, _ := f.GetStringToString("label")
	if len(labels) > 0 {
		opts.Labels = labels
	}
	return opts, nil
}

func readSubmitOptions(cmd *cobra.Command) (pipelinejob.SubmitOptions, followMode, error) {
	f := cmd.Flags()
	var opts pipelinejob.SubmitOptions
	opts.ServiceAccount, _ = f.GetString("service-account")
	opts.Network, _ = f.GetString("network")
	opts.Experiment, _ = f.GetString("experiment")
	opts.CreateRequestTimeout, _ = f.GetDuration("create-timeout")
	if opts.CreateRequestTimeout == 0 {
		if cfg, err := loadedConfig(); err == nil {
			opts.CreateRequestTimeout = cfg.CreateTimeout
		}
	}

	noWait, _ := f.GetBool("no-wait")
	background, _ := f.GetBool("background")
	switch {
	case noWait && background:
		return opts, followWait, exitError(exitInvalidArgument, "Conflicting flags", fmt.Errorf("--no-wait and --background are mutually exclusive"))
	case background:
		return opts, followBackground, nil
	case noWait:
		return opts, followNone, nil
	}
	return opts, followWait, nil
}

// parseParams splits key=value pairs. Values that parse as JSON keep their
// JSON type; anything else is a string.
func parseParams(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for _, kv := range values {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		out[key] = decodeParam(raw)
	}
	return out, nil
}

func decodeParam(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

// submitAndFollow submits job, records it in the run registry and then waits
// according to mode.
func submitAndFollow(cmd *cobra.Command, job *pipelinejob.Job, template string, sopts pipelinejob.SubmitOptions, mode followMode) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	if err := job.Submit(ctx, sopts); err != nil {
		return jobExitError("Failed to submit pipeline job", err)
	}

	name := job.ResourceName()
	dashboard := job.DashboardURI()
	logger.Info("Pipeline job created",
		zap.String("job", name),
		zap.String("dashboard", dashboard))

	if err := emitJob(cmd, job.Request(), dashboard); err != nil {
		return err
	}

	rec := jobregistry.RunRecord{
		JobName:      name,
		JobID:        job.JobID(),
		DisplayName:  job.Request().DisplayName,
		Template:     template,
		DashboardURL: dashboard,
		Experiment:   sopts.Experiment,
	}
	if n, err := controlplane.ParseJobName(name, "", ""); err == nil {
		rec.Project, rec.Location = n.Project, n.Location
	}

	exe, exeErr := newExecutor()
	switch mode {
	case followBackground:
		if exeErr != nil {
			return exitError(exitFileWrite, "Run registry unavailable", exeErr)
		}
		bg := jobregistry.BackgroundOptions{Dedupe: true}
		if flagVerbose {
			bg.ExtraArgs = append(bg.ExtraArgs, "--verbose")
		}
		started, err := exe.StartWaitBackground(rec, bg)
		if err != nil {
			return exitError(exitFileWrite, "Failed to start background waiter", err)
		}
		logger.Info("Waiting in background",
			zap.String("run_id", started.RunID),
			zap.Int("pid", started.PID))
		return emitRun(cmd, started)

	case followNone:
		if exeErr == nil {
			if _, err := exe.Register(rec); err != nil {
				logger.Warn("Failed to record run", zap.Error(err))
			}
		}
		return nil
	}

	var runID string
	if exeErr == nil {
		rec.State = jobregistry.RunStateWaiting
		rec.PID = os.Getpid()
		now := time.Now().UTC()
		rec.StartedAt = &now
		if r, err := exe.Register(rec); err == nil {
			runID = r.RunID
		} else {
			logger.Warn("Failed to record run", zap.Error(err))
		}
	}

	waitErr := job.Wait(ctx)
	if runID != "" {
		finishRun(exe.Store(), runID, job, waitErr)
	}
	if waitErr != nil {
		return jobExitError("Pipeline job did not succeed", waitErr)
	}
	return emitJob(cmd, job.Request(), dashboard)
}

// finishRun writes the wait outcome into the registry.
func finishRun(store *jobregistry.Store, runID string, job *pipelinejob.Job, waitErr error) {
	remote := job.Request().State
	state := jobregistry.StateFromRemote(remote)
	switch {
	case waitErr == nil:
	case isAbandoned(waitErr):
		state = jobregistry.RunStateAbandoned
	case !remote.IsTerminal():
		state = jobregistry.RunStateUnknown
	}
	if _, err := store.Finish(runID, state, string(remote), waitErr); err != nil {
		observability.CLILogger.Warn("Failed to update run record",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

func emitJob(cmd *cobra.Command, j *controlplane.PipelineJob, dashboard string) error {
	if !flagJSON {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", j.Name, stateOrDash(j.State), dashboard)
		return nil
	}
	if err := newWriter(cmd.OutOrStdout()).WriteJob(cmd.Context(), output.JobFrom(j, dashboard)); err != nil {
		return exitError(exitFileWrite, "Failed to write output", err)
	}
	return nil
}

func emitRun(cmd *cobra.Command, r *jobregistry.RunRecord) error {
	if !flagJSON {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.RunID, r.State, r.JobName)
		return nil
	}
	if err := newWriter(cmd.OutOrStdout()).WriteRun(cmd.Context(), output.RunFrom(r)); err != nil {
		return exitError(exitFileWrite, "Failed to write output", err)
	}
	return nil
}

func stateOrDash(s controlplane.State) string {
	if s == "" {
		return "-"
	}
	return s.Short()
}
