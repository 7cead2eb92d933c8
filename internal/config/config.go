// Package config loads orcaops-admin's runtime configuration from flags, a
// config file, and the environment, following the same
// flags-plus-struct-plus-viper layering buildbeaver's bb CLI and runner_app
// use: pflag defines and documents every knob, viper layers a config file
// and ORCAOPS_-prefixed environment variables underneath it.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every environment-variable override is read
// under, e.g. ORCAOPS_BASE_DIR.
const EnvPrefix = "ORCAOPS"

// Config is the full set of operator-tunable knobs for the job/workflow
// execution engine and its observability substrate. orcaops-admin's app.New
// applies only BaseDir and JobPollInterval; the other fields are loaded and
// kept on App.Config, while the components they describe use their own
// built-in values.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`

	MaxConcurrentJobsPerLevel int           `mapstructure:"max_concurrent_jobs_per_level"`
	JobPollInterval           time.Duration `mapstructure:"job_poll_interval"`
	WorkflowPollInterval      time.Duration `mapstructure:"workflow_poll_interval"`
	ReconcileOnStartup        bool          `mapstructure:"reconcile_on_startup"`

	PullMaxAttempts  int           `mapstructure:"pull_max_attempts"`
	PullInitialDelay time.Duration `mapstructure:"pull_initial_delay"`

	BaselineEMAAlpha            float64 `mapstructure:"baseline_ema_alpha"`
	BaselineMinSamples          int64   `mapstructure:"baseline_min_samples"`
	BaselineRingSize            int     `mapstructure:"baseline_ring_size"`
	BaselineFlakySamples        int64   `mapstructure:"baseline_flaky_samples"`
	BaselineDegradationSamples  int64   `mapstructure:"baseline_degradation_samples"`

	LogLevels  string `mapstructure:"log_levels"`
	DockerHost string `mapstructure:"docker_host"`
}

// Default returns the conservative defaults applied before flags, config
// file, or environment overrides are layered on.
func Default() Config {
	return Config{
		BaseDir:                    "./orcaops-data",
		MaxConcurrentJobsPerLevel:  8,
		JobPollInterval:            200 * time.Millisecond,
		WorkflowPollInterval:       200 * time.Millisecond,
		ReconcileOnStartup:         true,
		PullMaxAttempts:            3,
		PullInitialDelay:           500 * time.Millisecond,
		BaselineEMAAlpha:           0.1,
		BaselineMinSamples:         3,
		BaselineRingSize:           100,
		BaselineFlakySamples:       10,
		BaselineDegradationSamples: 5,
		LogLevels:                  "",
		DockerHost:                 "",
	}
}

// BindFlags registers every config knob on flags, using Default()'s values
// as the flag defaults. Call this once per process, before flags.Parse().
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("base_dir", d.BaseDir, "Directory where run records, audit logs and baselines are persisted.")
	flags.Int("max_concurrent_jobs_per_level", d.MaxConcurrentJobsPerLevel, "Maximum jobs run concurrently within one workflow DAG level.")
	flags.Duration("job_poll_interval", d.JobPollInterval, "Interval the workflow engine polls JobManager for a dispatched job's terminal state.")
	flags.Duration("workflow_poll_interval", d.WorkflowPollInterval, "Interval orcaops-admin polls WorkflowManager for workflow status.")
	flags.Bool("reconcile_on_startup", d.ReconcileOnStartup, "Mark non-terminal runs left behind by a previous process as orphaned on startup.")
	flags.Int("pull_max_attempts", d.PullMaxAttempts, "Number of times to retry a transient image pull failure.")
	flags.Duration("pull_initial_delay", d.PullInitialDelay, "Initial backoff delay before retrying a failed image pull.")
	flags.Float64("baseline_ema_alpha", d.BaselineEMAAlpha, "Smoothing factor for the exponential moving average baseline.")
	flags.Int64("baseline_min_samples", d.BaselineMinSamples, "Minimum samples before a fingerprint's baseline is used for anomaly detection.")
	flags.Int("baseline_ring_size", d.BaselineRingSize, "Number of recent durations retained per fingerprint for percentile baselines.")
	flags.Int64("baseline_flaky_samples", d.BaselineFlakySamples, "Samples examined when computing a fingerprint's flaky success rate.")
	flags.Int64("baseline_degradation_samples", d.BaselineDegradationSamples, "Recent samples compared against history to flag success-rate degradation.")
	flags.String("log_levels", d.LogLevels, "Comma separated list of name=level pairs overriding the default log level per subsystem.")
	flags.String("docker_host", d.DockerHost, "Docker Engine API endpoint; empty uses the client library's default (DOCKER_HOST or the local socket).")
}

// Load layers a config file (if present) and ORCAOPS_-prefixed environment
// variables under the already-parsed flags, and unmarshals the result.
func Load(v *viper.Viper, flags *pflag.FlagSet, configFile string) (*Config, error) {
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file %q: %w", configFile, err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}
