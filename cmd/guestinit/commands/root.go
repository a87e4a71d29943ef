package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/guestinit/pkg/config"
	"github.com/openfroyo/guestinit/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "guestinit",
		Short: "guestinit - boot-time guest provisioning agent",
		Long: `guestinit provisions a freshly booted cloud instance.

It reads the admin account, SSH keys and hostname from the instance
metadata service or the attached configuration medium, applies them to
the host, and reports the instance ready to the hypervisor.

Run without a subcommand to perform a full provisioning pass.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
		RunE:              runProvision(false),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config and "+config.EnvLogLevel+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newIMDSCommand())
	rootCmd.AddCommand(newMediaCommand())
	rootCmd.AddCommand(newGoalStateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Telemetry.Logging.Level = logLevel
		if err := loaded.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	loaded.Telemetry.ServiceVersion = buildVersion
	zerolog.SetGlobalLevel(telemetry.ParseLevel(loaded.Telemetry.Logging.Level))

	cfg = loaded
	return nil
}
