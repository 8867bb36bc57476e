// Package config loads nimbusflow settings from defaults, an optional
// nimbusflow.yaml, NIMBUSFLOW_* environment variables and runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName is used for the config file name, env prefix and data dir.
const AppName = "nimbusflow"

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "NIMBUSFLOW"

// Config is the resolved identity and runtime configuration.
type Config struct {
	Project         string  `mapstructure:"project"`
	Location        string  `mapstructure:"location"`
	StagingBucket   string  `mapstructure:"staging_bucket"`
	EncryptionKey   string  `mapstructure:"encryption_key"`
	CredentialsFile string  `mapstructure:"credentials_file"`
	APIEndpoint     string  `mapstructure:"api_endpoint"`
	MaxRPS          float64 `mapstructure:"max_rps"`
	Burst           int     `mapstructure:"burst"`
	DataDir         string  `mapstructure:"data_dir"`

	CreateTimeout time.Duration `mapstructure:"create_timeout"`

	Lineage LineageConfig `mapstructure:"lineage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LineageConfig bounds the experiment association poll.
type LineageConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// LoggingConfig controls the CLI logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

func getEnvSpecs() []EnvSpec {
	keys := []string{
		"project",
		"location",
		"staging_bucket",
		"encryption_key",
		"credentials_file",
		"api_endpoint",
		"max_rps",
		"burst",
		"data_dir",
		"create_timeout",
		"lineage.poll_interval",
		"lineage.max_attempts",
	}
	specs := make([]EnvSpec, 0, len(keys)+1)
	for _, k := range keys {
		specs = append(specs, EnvSpec{
			Name: EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_")),
			Path: k,
		})
	}
	specs = append(specs, EnvSpec{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"})
	return specs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project", "")
	v.SetDefault("location", "us-central1")
	v.SetDefault("staging_bucket", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("credentials_file", "")
	v.SetDefault("api_endpoint", "")
	v.SetDefault("max_rps", 0)
	v.SetDefault("burst", 1)
	v.SetDefault("data_dir", gfconfig.GetAppDataDir(AppName))
	v.SetDefault("create_timeout", "0s")
	v.SetDefault("lineage.poll_interval", "1s")
	v.SetDefault("lineage.max_attempts", 600)
	v.SetDefault("logging.level", "info")
}

// Load resolves the configuration. Later overrides win over earlier ones and
// all of them win over environment, file and defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}
	// Fall back to the variables gcloud tooling already exports.
	if os.Getenv(EnvPrefix+"_PROJECT") == "" {
		if p := firstEnv("GOOGLE_CLOUD_PROJECT", "CLOUDSDK_CORE_PROJECT"); p != "" {
			v.SetDefault("project", p)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Default returns the configuration the process started with: the one last
// passed through Load, or, when nothing has been loaded yet, defaults, config
// file and environment without overrides.
func Default(ctx context.Context) (*Config, error) {
	if cfg := GetConfig(); cfg != nil {
		return cfg, nil
	}
	return Load(ctx)
}

// Validate rejects values that can never work.
func (c *Config) Validate() error {
	if c.MaxRPS < 0 {
		return fmt.Errorf("max_rps must be >= 0, got %v", c.MaxRPS)
	}
	if c.MaxRPS > 0 && c.Burst < 1 {
		return fmt.Errorf("burst must be >= 1 when max_rps is set, got %d", c.Burst)
	}
	if c.CreateTimeout < 0 {
		return fmt.Errorf("create_timeout must be >= 0, got %s", c.CreateTimeout)
	}
	if c.Lineage.PollInterval < 0 {
		return fmt.Errorf("lineage.poll_interval must be >= 0, got %s", c.Lineage.PollInterval)
	}
	if c.StagingBucket != "" && !strings.HasPrefix(c.StagingBucket, "gs://") {
		return fmt.Errorf("staging_bucket must be a gs:// URI, got %q", c.StagingBucket)
	}
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(dir + string(os.PathSeparator) + AppName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// applyOverrides flattens nested maps into dotted keys. viper.Set has the
// highest precedence, above env bindings.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}
