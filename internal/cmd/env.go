package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/internal/config"
	"github.com/3leaps/nimbusflow/internal/observability"
	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/controlplane/vertex"
	"github.com/3leaps/nimbusflow/pkg/fetch"
	"github.com/3leaps/nimbusflow/pkg/jobregistry"
	"github.com/3leaps/nimbusflow/pkg/output"
	"github.com/3leaps/nimbusflow/pkg/pipelinejob"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
)

// newService builds the control-plane client for one location. Tests replace it.
var newService = func(ctx context.Context, cfg *config.Config, location string) (controlplane.Service, error) {
	endpoint := cfg.APIEndpoint
	if location != cfg.Location {
		// An endpoint override only applies to the configured location.
		endpoint = ""
	}
	client, err := vertex.New(ctx, vertex.Config{
		Location:        location,
		CredentialsFile: cfg.CredentialsFile,
		Endpoint:        endpoint,
		Logger:          observability.CLILogger.Named("vertex"),
	})
	if err != nil {
		return nil, err
	}
	return controlplane.Throttle(client, cfg.MaxRPS, cfg.Burst), nil
}

// newFetcher builds the template fetcher. Tests replace it.
var newFetcher = func(cfg *config.Config) pipelinespec.Fetcher {
	return fetch.New(fetch.Options{
		CredentialsFile: cfg.CredentialsFile,
		Logger:          observability.CLILogger.Named("fetch"),
	})
}

// loadedConfig returns the configuration initRoot loaded for this command.
func loadedConfig() (*config.Config, error) {
	return config.Default(context.Background())
}

// buildEnv assembles the job environment for location; empty means the
// configured location.
func buildEnv(ctx context.Context, location string) (pipelinejob.Env, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return pipelinejob.Env{}, err
	}
	if location == "" {
		location = cfg.Location
	}
	if location == "" {
		return pipelinejob.Env{}, exitError(exitInvalidArgument, "No location configured",
			fmt.Errorf("set --location or %s_LOCATION", config.EnvPrefix))
	}

	svc, err := newService(ctx, cfg, location)
	if err != nil {
		return pipelinejob.Env{}, exitError(exitUnavailable, "Failed to create Vertex AI client", err)
	}

	observability.CLILogger.Debug("Built job environment",
		zap.String("project", cfg.Project),
		zap.String("location", location),
		zap.Float64("max_rps", cfg.MaxRPS))

	return pipelinejob.Env{
		Project:             cfg.Project,
		Location:            location,
		StagingBucket:       cfg.StagingBucket,
		EncryptionKeyName:   cfg.EncryptionKey,
		Client:              svc,
		Fetcher:             newFetcher(cfg),
		Logger:              observability.CLILogger,
		Level:               &observability.CLILevel,
		LineagePollAttempts: cfg.Lineage.MaxAttempts,
		LineagePollInterval: cfg.Lineage.PollInterval,
	}, nil
}

// envForJob builds an environment bound to the location named in a full job
// resource name. Bare IDs use the configured location.
func envForJob(ctx context.Context, nameOrID string) (pipelinejob.Env, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return pipelinejob.Env{}, err
	}
	location := cfg.Location
	if n, err := controlplane.ParseJobName(nameOrID, cfg.Project, cfg.Location); err == nil {
		location = n.Location
	}
	return buildEnv(ctx, location)
}

func runsRootDir() (string, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return "", err
	}
	if cfg.DataDir == "" {
		return "", fmt.Errorf("data_dir is not configured")
	}
	return filepath.Join(cfg.DataDir, "runs"), nil
}

func newExecutor() (*jobregistry.Executor, error) {
	root, err := runsRootDir()
	if err != nil {
		return nil, err
	}
	return jobregistry.NewExecutor(root), nil
}

func newWriter(w io.Writer) *output.JSONLWriter {
	location := ""
	if cfg := config.GetConfig(); cfg != nil {
		location = cfg.Location
	}
	return output.NewJSONLWriter(w, correlationID, location)
}
