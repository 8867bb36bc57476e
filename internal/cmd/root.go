package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/nimbusflow/internal/config"
	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/output"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at link time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagVerbose    bool
	flagJSON       bool
	flagProject    string
	flagLocation   string
	flagConfigFile string

	// correlationID ties together the JSONL records of one invocation.
	correlationID = uuid.New().String()
)

var rootCmd = &cobra.Command{
	Use:   "nimbusflow",
	Short: "Submit and manage Vertex AI pipeline jobs",
	Long: `nimbusflow submits compiled Kubeflow/TFX pipeline templates as Vertex AI
PipelineJobs, waits for them, and manages existing runs.

Templates may be local files or gs://, s3:// and Artifact Registry
(https://<region>-kfp.pkg.dev/...) URIs. Project, location and the staging
bucket come from flags, NIMBUSFLOW_* environment variables or nimbusflow.yaml.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRoot,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&flagJSON, "json", false, "Emit JSONL records instead of tables")
	pf.StringVar(&flagProject, "project", "", "Google Cloud project (overrides NIMBUSFLOW_PROJECT)")
	pf.StringVar(&flagLocation, "location", "", "Vertex AI region (overrides NIMBUSFLOW_LOCATION)")
	pf.StringVar(&flagConfigFile, "config", "", "Config file (default ./nimbusflow.yaml or user config dir)")
}

func initRoot(cmd *cobra.Command, _ []string) error {
	logger := observability.InitCLILogger("nimbusflow", flagVerbose)

	if flagConfigFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", flagConfigFile); err != nil {
			return err
		}
	}

	overrides := map[string]any{}
	if flagProject != "" {
		overrides["project"] = flagProject
	}
	if flagLocation != "" {
		overrides["location"] = flagLocation
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}

	if !flagVerbose && cfg.Logging.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			observability.CLILevel.SetLevel(lvl)
		} else {
			logger.Warn("Ignoring unknown log level", zap.String("level", cfg.Logging.Level))
		}
	}

	logger.Debug("Loaded config",
		zap.String("project", cfg.Project),
		zap.String("location", cfg.Location),
		zap.String("data_dir", cfg.DataDir))
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	reportError(err)
	return ExitCode(err)
}

func reportError(err error) {
	if flagJSON {
		if env := output.Envelope(correlationID, "", unwrapCLI(err)); env != nil {
			enc := json.NewEncoder(os.Stderr)
			if encErr := enc.Encode(env); encErr == nil {
				return
			}
		}
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
}

func unwrapCLI(err error) error {
	var ce *cliError
	if errors.As(err, &ce) && ce.err != nil {
		return ce.err
	}
	return err
}
