// Package commands implements orcaops-admin's Cobra command tree, following
// the same global-flags-plus-viper-plus-OnInitialize layering as
// buildbeaver's bb/cmd/bb/commands package.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treksavvysky/orcaops/cmd/orcaops-admin/app"
	"github.com/treksavvysky/orcaops/internal/config"
	"github.com/treksavvysky/orcaops/internal/logger"
)

// GlobalConfig holds the flags every subcommand shares.
var GlobalConfig = struct {
	ConfigFilePath  string
	Debug           bool
	SkipBackendInit bool
}{}

var cfg *config.Config

// RootCmd is the orcaops-admin entry point. It inspects job and workflow
// state and triggers reconciliation; it is not a job-submission front end,
// which is left to whatever service embeds jobmanager/workflowmanager
// directly.
var RootCmd = &cobra.Command{
	Use:           "orcaops-admin",
	Short:         "Operator CLI for the orcaops job and workflow execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&GlobalConfig.ConfigFilePath, "config", "c", "", "Path to a config file (YAML, JSON or TOML)")
	RootCmd.PersistentFlags().BoolVarP(&GlobalConfig.Debug, "debug", "d", false, "Enable debug log output")
	RootCmd.PersistentFlags().BoolVar(&GlobalConfig.SkipBackendInit, "skip-backend-init", false, "Use the in-process fake container backend instead of a Docker daemon")
	config.BindFlags(RootCmd.PersistentFlags())

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	loaded, err := config.Load(viper.New(), RootCmd.PersistentFlags(), GlobalConfig.ConfigFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg = loaded
}

// NewApp builds an App from the already-loaded global config. Subcommand
// packages call this from their RunE funcs.
func NewApp() (*app.App, error) {
	logFactory := logger.NoOpLogFactory
	if GlobalConfig.Debug {
		debugAll := "JobRunner=debug,JobManager=debug,WorkflowRunner=debug,WorkflowManager=debug,ServiceManager=debug,DockerBackend=debug"
		registry, err := logger.NewLogRegistry(logger.LogLevelConfig(debugAll))
		if err != nil {
			return nil, err
		}
		logFactory = logger.MakeLogrusLogFactoryStdOut(registry)
	}
	return app.New(cfg, logFactory, GlobalConfig.SkipBackendInit)
}

// Execute runs the command tree, exiting the process on error the same way
// bb/cmd/bb/commands.Execute does.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
