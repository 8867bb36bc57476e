package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"

	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/provider"
)

var (
	doctorProvider string
	doctorTemplate string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local environment and suggest fixes for
common issues.

Examples:
  nimbusflow doctor                # Configuration and Google credentials
  nimbusflow doctor --provider s3  # Also check AWS credentials for s3:// templates
  nimbusflow doctor --template gs://bucket/pipelines/train.yaml`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().StringVar(&doctorTemplate, "template", "", "Check that a template URI is reachable without downloading it")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (detail string, err error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	logger := observability.CLILogger
	logger.Info("=== nimbusflow doctor ===")

	checks := []doctorCheck{
		{"Go runtime", checkRuntime},
		{"configuration", checkConfig},
		{"run registry", checkDataDir},
		{"Google credentials", checkGoogleCredentials},
	}
	if doctorProvider == "s3" {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}
	if doctorTemplate != "" {
		cfg, err := loadedConfig()
		if err != nil {
			return exitError(exitInvalidArgument, "Configuration not loaded", err)
		}
		fetcher := newFetcher(cfg)
		stater, ok := fetcher.(templateStater)
		if !ok {
			return exitError(exitInvalidArgument, "Template check unavailable", fmt.Errorf("fetcher %T cannot stat templates", fetcher))
		}
		checks = append(checks, doctorCheck{"template " + doctorTemplate, checkTemplate(stater, doctorTemplate)})
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			logger.Error(prefix+" failed", zap.Error(err))
			continue
		}
		logger.Info(prefix+" ok", zap.String("detail", detail))
	}

	if failed > 0 {
		return exitError(exitUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	logger.Info("All checks passed")
	return nil
}

func checkRuntime(context.Context) (string, error) {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func checkConfig(context.Context) (string, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return "", err
	}
	if cfg.Project == "" {
		return "", fmt.Errorf("no project: set --project, NIMBUSFLOW_PROJECT or GOOGLE_CLOUD_PROJECT")
	}
	if cfg.Location == "" {
		return "", fmt.Errorf("no location: set --location or NIMBUSFLOW_LOCATION")
	}
	detail := fmt.Sprintf("project=%s location=%s", cfg.Project, cfg.Location)
	if cfg.StagingBucket == "" {
		detail += " (no staging bucket; templates must set a pipeline root)"
	}
	return detail, nil
}

func checkDataDir(context.Context) (string, error) {
	root, err := runsRootDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", root, err)
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
	return filepath.Clean(root), nil
}

func checkGoogleCredentials(ctx context.Context) (string, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return "", err
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return "", err
		}
		return "credentials file " + cfg.CredentialsFile, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return "", fmt.Errorf("no application default credentials; run 'gcloud auth application-default login': %w", err)
	}
	detail := "application default credentials"
	if creds.ProjectID != "" {
		detail += " (project " + creds.ProjectID + ")"
	}
	return detail, nil
}

func checkAWSCredentials(ctx context.Context) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", err
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("set AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY or configure a profile: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("access key %s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// templateStater looks up template metadata without reading the template.
type templateStater interface {
	Stat(ctx context.Context, raw string) (*provider.ObjectMeta, error)
}

func checkTemplate(stater templateStater, uri string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		meta, err := stater.Stat(ctx, uri)
		if err != nil {
			return "", err
		}
		detail := fmt.Sprintf("%d bytes", meta.Size)
		if meta.ContentType != "" {
			detail += " " + meta.ContentType
		}
		if !meta.LastModified.IsZero() {
			detail += " modified " + meta.LastModified.UTC().Format("2006-01-02T15:04:05Z")
		}
		return detail, nil
	}
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
