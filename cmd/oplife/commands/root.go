package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wingetstudio/oplife/pkg/config"
)

var (
	// Global flags
	configPath string
	profile    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oplife",
		Short: "oplife - operation lifecycle engine",
		Long: `oplife tracks long-running operations from start to completion.

Each operation owns a snapshot (title, message, percent, status, severity)
that is broadcast to subscribers while it runs. Lifecycle policies decide
when an operation starts, completes and stops broadcasting; a global
activity summary and a notification center are derived from the broadcast.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", config.ProfileDefault, "telemetry preset: default, development or production")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}

// loadConfig reads --config over the --profile defaults. LOG_LEVEL and
// --verbose override the configured log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.ForProfile(profile)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if cfg, err = config.LoadOver(cfg, configPath); err != nil {
			return nil, err
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = level
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
