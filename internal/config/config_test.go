package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load(viper.New(), flags, "")
	require.NoError(t, err)
	require.Equal(t, Default().BaseDir, cfg.BaseDir)
	require.Equal(t, Default().BaselineEMAAlpha, cfg.BaselineEMAAlpha)
}

func TestLoadAppliesFlagOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--base_dir=/tmp/custom", "--max_concurrent_jobs_per_level=2"}))

	cfg, err := Load(viper.New(), flags, "")
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom", cfg.BaseDir)
	require.Equal(t, 2, cfg.MaxConcurrentJobsPerLevel)
}

func TestLoadAppliesEnvironmentOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse(nil))

	t.Setenv("ORCAOPS_BASE_DIR", "/tmp/from-env")
	cfg, err := Load(viper.New(), flags, "")
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env", cfg.BaseDir)
}
